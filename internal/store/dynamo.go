package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
const (
	pkPrefix = "BATCH#"
	skMeta   = "META"
	skResult = "RESULT#"

	// maxBatchWrite is the DynamoDB BatchWriteItem limit per call.
	maxBatchWrite = 25
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoStore implements ResultStore on DynamoDB.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
}

var _ ResultStore = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

// TableName returns the backing table.
func (s *DynamoStore) TableName() string { return s.tableName }

func batchPK(batchID string) string {
	return pkPrefix + batchID
}

func resultSK(index int) string {
	return fmt.Sprintf("%s%06d", skResult, index)
}

func expiresAt() int64 {
	return time.Now().Add(ResultTTL).Unix()
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// putItem marshals data and writes it with PK, SK and TTL.
func (s *DynamoStore) putItem(ctx context.Context, pk, sk string, data interface{}) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// PutBatch creates or replaces the batch summary.
func (s *DynamoStore) PutBatch(ctx context.Context, b *Batch) error {
	if b.CreatedAt == 0 {
		b.CreatedAt = time.Now().Unix()
	}
	if err := s.putItem(ctx, batchPK(b.ID), skMeta, b); err != nil {
		return fmt.Errorf("put batch %s: %w", b.ID, err)
	}
	log.Debug().Str("batch_id", b.ID).Str("status", b.Status).Msg("Batch persisted to DynamoDB")
	return nil
}

// GetBatch reads the batch summary.
func (s *DynamoStore) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key:       key(batchPK(batchID), skMeta),
	})
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var b Batch
	if err := attributevalue.UnmarshalMap(out.Item, &b); err != nil {
		return nil, fmt.Errorf("unmarshal batch %s: %w", batchID, err)
	}
	b.ID = batchID
	return &b, nil
}

// UpdateBatchStatus sets status and counters without touching other fields.
// Terminal statuses also stamp completedAt.
func (s *DynamoStore) UpdateBatchStatus(ctx context.Context, batchID, status string, succeeded, failed int) error {
	expr := "SET #s = :s, succeeded = :ok, failed = :fail"
	values := map[string]types.AttributeValue{
		":s":    &types.AttributeValueMemberS{Value: status},
		":ok":   &types.AttributeValueMemberN{Value: strconv.Itoa(succeeded)},
		":fail": &types.AttributeValueMemberN{Value: strconv.Itoa(failed)},
	}
	if status != StatusRunning {
		expr += ", completedAt = :done"
		values[":done"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)}
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              key(batchPK(batchID), skMeta),
		UpdateExpression: aws.String(expr),
		ExpressionAttributeNames: map[string]string{
			"#s": "status", // reserved word
		},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("update batch status %s -> %s: %w", batchID, status, err)
	}
	log.Debug().Str("batch_id", batchID).Str("status", status).Msg("Batch status updated")
	return nil
}

// PutResult writes one item's result.
func (s *DynamoStore) PutResult(ctx context.Context, batchID string, r *Result) error {
	if err := s.putItem(ctx, batchPK(batchID), resultSK(r.Index), r); err != nil {
		return fmt.Errorf("put result %s/%d: %w", batchID, r.Index, err)
	}
	return nil
}

// ListResults returns every stored result of a batch in index order.
func (s *DynamoStore) ListResults(ctx context.Context, batchID string) ([]Result, error) {
	items, err := s.queryBySKPrefix(ctx, batchID, skResult)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(items))
	for _, item := range items {
		var r Result
		if err := attributevalue.UnmarshalMap(item, &r); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		results = append(results, r)
	}
	return results, nil
}

// DeleteBatch removes the summary and all results.
func (s *DynamoStore) DeleteBatch(ctx context.Context, batchID string) error {
	items, err := s.queryBySKPrefix(ctx, batchID, "")
	if err != nil {
		return err
	}
	keys := make([]map[string]types.AttributeValue, 0, len(items))
	for _, item := range items {
		keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
	}
	if err := s.batchDeleteKeys(ctx, keys); err != nil {
		return fmt.Errorf("delete batch %s: %w", batchID, err)
	}
	log.Debug().Str("batch_id", batchID).Int("records", len(keys)).Msg("Batch deleted")
	return nil
}

func (s *DynamoStore) queryBySKPrefix(ctx context.Context, batchID, skPrefix string) ([]map[string]types.AttributeValue, error) {
	pk := batchPK(batchID)
	input := &dynamodb.QueryInput{
		TableName: &s.tableName,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
	}
	if skPrefix == "" {
		input.KeyConditionExpression = aws.String("PK = :pk")
	} else {
		input.KeyConditionExpression = aws.String("PK = :pk AND begins_with(SK, :skPrefix)")
		input.ExpressionAttributeValues[":skPrefix"] = &types.AttributeValueMemberS{Value: skPrefix}
	}

	var all []map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s SK prefix=%s: %w", pk, skPrefix, err)
		}
		all = append(all, out.Items...)
		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return all, nil
}

// batchDeleteKeys deletes keys in chunks of maxBatchWrite. Unprocessed
// items are left to the TTL.
func (s *DynamoStore) batchDeleteKeys(ctx context.Context, keys []map[string]types.AttributeValue) error {
	for i := 0; i < len(keys); i += maxBatchWrite {
		end := min(i+maxBatchWrite, len(keys))

		requests := make([]types.WriteRequest, 0, end-i)
		for _, k := range keys[i:end] {
			requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
		}
		_, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.tableName: requests},
		})
		if err != nil {
			return fmt.Errorf("BatchWriteItem delete (%d items): %w", len(requests), err)
		}
	}
	return nil
}
