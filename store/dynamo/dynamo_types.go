package dynamo

import (
	"encoding/json"

	"github.com/rvalkov/boardsync/store"
)

// dynamoDoc is one path in the document tree. PK is the collection path,
// SK the leaf key; the value is kept as an opaque JSON blob so the table
// schema is independent of the document shape.
type dynamoDoc struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Value     string `dynamodbav:"Value"`
	UpdatedAt int64  `dynamodbav:"UpdatedAt"`
}

// busEvent is the wire form of a child event on the pubsub bus. Writers
// cannot tell an insert from an overwrite without an extra read, so puts are
// always published as "changed"; consumers treat added and changed alike.
type busEvent struct {
	Kind  string          `json:"kind"` // "changed" | "removed"
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (e busEvent) toChildEvent() store.ChildEvent {
	kind := store.ChildChanged
	if e.Kind == "removed" {
		kind = store.ChildRemoved
	}
	return store.ChildEvent{Kind: kind, Key: e.Key, Value: []byte(e.Value)}
}

func childEventChannel(collectionPath string) string {
	return "doc:" + collectionPath
}
