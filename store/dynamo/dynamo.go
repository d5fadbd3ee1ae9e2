// Package dynamo backs the DocumentStore with a DynamoDB table for
// persistence and a pubsub bus for change notifications. Paths map to the
// table as PK = collection, SK = leaf key; values are opaque JSON blobs.
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rvalkov/boardsync/pubsub"
	"github.com/rvalkov/boardsync/store"
)

type DynamoDocumentStore struct {
	client    *dynamodb.Client
	tableName string
	bus       pubsub.Bus

	mu            sync.Mutex
	disconnectOps []disconnectOp
}

type disconnectOp struct {
	path   string
	fields map[string]any // nil means remove
}

func NewDynamoDocumentStore(ctx context.Context, devMode bool, dynamodbEndpoint string, tableName string, bus pubsub.Bus) (*DynamoDocumentStore, error) {
	client, err := newDynamoDBClient(ctx, devMode, dynamodbEndpoint)
	if err != nil {
		return nil, err
	}

	tables, err := getTables(client, ctx)
	if err != nil {
		return nil, err
	}

	foundTable := false
	for _, table := range tables {
		if table == tableName {
			foundTable = true
			break
		}
	}
	if !foundTable {
		return nil, fmt.Errorf("given table name '%s' not found in dynamodb", tableName)
	}

	return &DynamoDocumentStore{client: client, tableName: tableName, bus: bus}, nil
}

func (ds *DynamoDocumentStore) Read(ctx context.Context, path string) ([]byte, error) {
	if parent, key, err := store.SplitPath(path); err == nil {
		doc, err := getDoc(ds, ctx, parent, key)
		if err == nil {
			return []byte(doc.Value), nil
		}
		if !errors.Is(err, store.ErrPathNotFound) {
			return nil, err
		}
	}

	// Collection read: assemble children into one object
	docs, err := queryCollection(ds, ctx, path)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, store.ErrPathNotFound
	}
	obj := make(map[string]json.RawMessage, len(docs))
	for _, d := range docs {
		obj[d.SK] = json.RawMessage(d.Value)
	}
	return json.Marshal(obj)
}

func (ds *DynamoDocumentStore) WriteAtomic(ctx context.Context, writes map[string]any) error {
	now := time.Now().UnixMilli()

	type pending struct {
		parent, key string
		value       []byte // nil deletes
	}
	ops := make([]pending, 0, len(writes))
	actions := make([]types.TransactWriteItem, 0, len(writes))

	for path, v := range writes {
		parent, key, err := store.SplitPath(path)
		if err != nil {
			return err
		}

		if v == nil {
			actions = append(actions, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName: aws.String(ds.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: parent},
						"SK": &types.AttributeValueMemberS{Value: key},
					},
				},
			})
			ops = append(ops, pending{parent, key, nil})
			continue
		}

		b, err := store.MarshalValue(v, now)
		if err != nil {
			return err
		}
		avMap, err := attributevalue.MarshalMap(dynamoDoc{
			PK:        parent,
			SK:        key,
			Value:     string(b),
			UpdatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		actions = append(actions, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(ds.tableName),
				Item:      avMap,
			},
		})
		ops = append(ops, pending{parent, key, b})
	}

	if err := transactWrite(ds, ctx, actions); err != nil {
		return err
	}

	// Fan change events out after the commit. Delivery is best effort; a
	// lost event is healed by the next poll or full fetch.
	for _, o := range ops {
		evt := busEvent{Kind: "changed", Key: o.key, Value: o.value}
		if o.value == nil {
			evt = busEvent{Kind: "removed", Key: o.key}
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		if err := ds.bus.Publish(ctx, childEventChannel(o.parent), payload); err != nil {
			log.Printf("Failed to publish change event for %s/%s: %v", o.parent, o.key, err)
		}
	}
	return nil
}

func (ds *DynamoDocumentStore) SubscribeChildren(ctx context.Context, path string, fn func(store.ChildEvent)) (store.Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)
	err := ds.bus.Subscribe(subCtx, childEventChannel(path), func(message []byte) {
		var evt busEvent
		if err := json.Unmarshal(message, &evt); err != nil {
			log.Printf("Malformed change event on %s: %v", path, err)
			return
		}
		fn(evt.toChildEvent())
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return store.Unsubscribe(cancel), nil
}

func (ds *DynamoDocumentStore) SubscribeValue(ctx context.Context, path string, fn func([]byte)) (store.Unsubscribe, error) {
	parent, key, err := store.SplitPath(path)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	err = ds.bus.Subscribe(subCtx, childEventChannel(parent), func(message []byte) {
		var evt busEvent
		if err := json.Unmarshal(message, &evt); err != nil || evt.Key != key {
			return
		}
		fn([]byte(evt.Value))
	})
	if err != nil {
		cancel()
		return nil, err
	}

	// Initial delivery of the current value
	current, err := ds.Read(ctx, path)
	if err != nil && !errors.Is(err, store.ErrPathNotFound) {
		cancel()
		return nil, err
	}
	fn(current)

	return store.Unsubscribe(cancel), nil
}

func (ds *DynamoDocumentStore) RegisterRemoveOnDisconnect(ctx context.Context, path string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.disconnectOps = append(ds.disconnectOps, disconnectOp{path: path})
	return nil
}

func (ds *DynamoDocumentStore) RegisterUpdateOnDisconnect(ctx context.Context, path string, fields map[string]any) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.disconnectOps = append(ds.disconnectOps, disconnectOp{path: path, fields: fields})
	return nil
}

func (ds *DynamoDocumentStore) ServerTimestamp() any {
	return store.TimestampSentinel{}
}

// Close fires the registered disconnect triggers. The process shutdown path
// always reaches here; a hard crash relies on presence TTL conventions at
// the deployment layer instead.
func (ds *DynamoDocumentStore) Close(ctx context.Context) {
	ds.mu.Lock()
	ops := ds.disconnectOps
	ds.disconnectOps = nil
	ds.mu.Unlock()

	now := time.Now().UnixMilli()
	for _, op := range ops {
		if op.fields == nil {
			if err := ds.WriteAtomic(ctx, map[string]any{op.path: nil}); err != nil {
				log.Printf("Disconnect remove failed for %s: %v", op.path, err)
			}
			continue
		}
		ds.applyFieldUpdate(ctx, op.path, op.fields, now)
	}
}

// applyFieldUpdate merges fields into the JSON object at path. The value
// lives in a single attribute, so this is a read-modify-write.
func (ds *DynamoDocumentStore) applyFieldUpdate(ctx context.Context, path string, fields map[string]any, now int64) {
	obj := make(map[string]any)
	if existing, err := ds.Read(ctx, path); err == nil {
		_ = json.Unmarshal(existing, &obj)
	}
	for k, v := range fields {
		if _, isTS := v.(store.TimestampSentinel); isTS {
			obj[k] = now
		} else {
			obj[k] = v
		}
	}
	if err := ds.WriteAtomic(ctx, map[string]any{path: obj}); err != nil {
		log.Printf("Disconnect update failed for %s: %v", path, err)
	}
}
