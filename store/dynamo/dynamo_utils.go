package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rvalkov/boardsync/store"
)

func newDynamoDBClient(ctx context.Context, devMode bool, dynamodbEndpoint string) (*dynamodb.Client, error) {
	var cfg aws.Config
	var err error

	if devMode {
		// Load config with dummy credentials and region for local/dev
		cfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion("us-east-1"),
			config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider("dummy", "dummy", ""),
			),
		)
		if err != nil {
			return nil, err
		}

		// Override endpoint for DynamoDB locally
		return dynamodb.New(dynamodb.Options{
			Credentials:      cfg.Credentials,
			Region:           cfg.Region,
			EndpointResolver: dynamodb.EndpointResolverFromURL(dynamodbEndpoint),
		}), nil
	}

	// Production: default config (uses the instance role and AWS endpoints)
	cfg, err = config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	return dynamodb.NewFromConfig(cfg), nil
}

func getTables(client *dynamodb.Client, ctx context.Context) ([]string, error) {
	output, err := client.ListTables(ctx, &dynamodb.ListTablesInput{})
	if err != nil {
		return nil, err
	}

	return output.TableNames, nil
}

// getDoc retrieves the record at PK+SK.
func getDoc(ds *DynamoDocumentStore, ctx context.Context, pk string, sk string) (dynamoDoc, error) {
	key := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}

	resp, err := ds.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(ds.tableName),
		Key:       key,
	})
	if err != nil {
		return dynamoDoc{}, fmt.Errorf("GetItem failed: %w", err)
	}
	if resp.Item == nil {
		return dynamoDoc{}, store.ErrPathNotFound
	}

	var doc dynamoDoc
	if err := attributevalue.UnmarshalMap(resp.Item, &doc); err != nil {
		return dynamoDoc{}, fmt.Errorf("failed to unmarshal item: %w", err)
	}

	return doc, nil
}

// queryCollection returns every record under the given PK, paginated.
func queryCollection(ds *DynamoDocumentStore, ctx context.Context, pk string) ([]dynamoDoc, error) {
	var results []dynamoDoc

	input := &dynamodb.QueryInput{
		TableName:              aws.String(ds.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
	}

	paginator := dynamodb.NewQueryPaginator(ds.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query failed: %w", err)
		}

		var pageItems []dynamoDoc
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &pageItems); err != nil {
			return nil, fmt.Errorf("failed to unmarshal page items: %w", err)
		}

		results = append(results, pageItems...)
	}

	return results, nil
}

// transactWrite commits the given actions all-or-nothing. DynamoDB caps a
// transaction at 100 actions; a whiteboard save batch stays well under that,
// anything larger is split and loses atomicity across chunks.
func transactWrite(ds *DynamoDocumentStore, ctx context.Context, actions []types.TransactWriteItem) error {
	const maxTransactItems = 100

	for start := 0; start < len(actions); start += maxTransactItems {
		end := min(start+maxTransactItems, len(actions))
		_, err := ds.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: actions[start:end],
		})
		if err != nil {
			return fmt.Errorf("%w: %v", store.ErrTxAborted, err)
		}
	}
	return nil
}
