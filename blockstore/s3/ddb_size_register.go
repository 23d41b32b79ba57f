package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jnicholls/paradedb/blockstore"
)

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DDBSizeRegister implements blockstore.SizeRegister with DynamoDB
// conditional writes.
//
// Table schema:
//   - Partition key: relation (string) - "<baseURI>/<relid>"
//   - Attribute nblocks (number)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name relation-sizes \
//	  --attribute-definitions AttributeName=relation,AttributeType=S \
//	  --key-schema AttributeName=relation,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
type DDBSizeRegister struct {
	client    DDBClient
	tableName string
	baseURI   string
}

// NewDDBSizeRegister creates a new DynamoDB size register.
// baseURI namespaces the relations of one data store, e.g. "s3://bucket/prefix".
func NewDDBSizeRegister(client DDBClient, tableName, baseURI string) *DDBSizeRegister {
	return &DDBSizeRegister{
		client:    client,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

func (r *DDBSizeRegister) key(rel blockstore.RelID) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"relation": &types.AttributeValueMemberS{Value: fmt.Sprintf("%s/%d", r.baseURI, uint32(rel))},
	}
}

func (r *DDBSizeRegister) Load(ctx context.Context, rel blockstore.RelID) (blockstore.BlockNumber, error) {
	resp, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            r.key(rel),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read relation size: %w", err)
	}
	if len(resp.Item) == 0 {
		return 0, blockstore.ErrNotFound
	}

	attr, ok := resp.Item["nblocks"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.New("invalid nblocks attribute in DynamoDB")
	}
	n, err := strconv.ParseUint(attr.Value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse nblocks: %w", err)
	}
	return blockstore.BlockNumber(n), nil
}

func (r *DDBSizeRegister) CompareAndSwap(ctx context.Context, rel blockstore.RelID, old, next blockstore.BlockNumber) (bool, error) {
	item := r.key(rel)
	item["nblocks"] = &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(next), 10)}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	}
	if old == blockstore.InvalidBlock {
		input.ConditionExpression = aws.String("attribute_not_exists(relation)")
	} else {
		input.ConditionExpression = aws.String("nblocks = :old")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":old": &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(old), 10)},
		}
	}

	if _, err := r.client.PutItem(ctx, input); err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, fmt.Errorf("failed to update relation size: %w", err)
	}
	return true, nil
}

func (r *DDBSizeRegister) Delete(ctx context.Context, rel blockstore.RelID) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.key(rel),
	})
	return err
}
