package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"support-agent/internal/domain"
	"support-agent/internal/retrieval"
)

const (
	batchSize        = 25
	batchRetries     = 3
	skPrefixDocument = "DOC#"
)

// KnowledgeClient stores pre-chunked knowledge passages, one partition per
// brand.
type KnowledgeClient struct {
	api       dynamodbAPI
	tableName string
	backoff   time.Duration
}

// NewKnowledge creates a KnowledgeClient.
func NewKnowledge(api dynamodbAPI, tableName string) (*KnowledgeClient, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &KnowledgeClient{api: api, tableName: tableName, backoff: 100 * time.Millisecond}, nil
}

func knowledgePK(brandID string) string {
	return "BRAND#" + brandID + "#KB"
}

func passageSK(documentID string, chunk int) string {
	return fmt.Sprintf("%s%s#CHUNK#%06d", skPrefixDocument, documentID, chunk)
}

// ListPassages returns every passage of brandID, following pagination.
func (k *KnowledgeClient) ListPassages(ctx context.Context, brandID string) ([]domain.Passage, error) {
	if strings.TrimSpace(brandID) == "" {
		return nil, errors.New("repository: ListPassages: brand id is required")
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(k.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: knowledgePK(brandID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixDocument},
		},
	}
	var out []domain.Passage
	for {
		page, err := k.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListPassages query: %w", err)
		}
		for _, item := range page.Items {
			p, err := itemToPassage(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListPassages unmarshal: %w", err)
			}
			out = append(out, p)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

// PutPassages writes passages in batches, retrying unprocessed items.
func (k *KnowledgeClient) PutPassages(ctx context.Context, passages []domain.Passage) error {
	reqs := make([]types.WriteRequest, 0, len(passages))
	for _, p := range passages {
		if p.BrandID == "" || p.DocumentID == "" {
			return errors.New("repository: PutPassages: brand and document id are required")
		}
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: passageItem(p)}})
	}
	for start := 0; start < len(reqs); start += batchSize {
		end := min(start+batchSize, len(reqs))
		if err := k.writeBatch(ctx, reqs[start:end]); err != nil {
			return fmt.Errorf("repository: PutPassages: %w", err)
		}
	}
	return nil
}

func (k *KnowledgeClient) writeBatch(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{k.tableName: reqs}
	for attempt := 0; ; attempt++ {
		out, err := k.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		if len(out.UnprocessedItems[k.tableName]) == 0 {
			return nil
		}
		if attempt >= batchRetries {
			return fmt.Errorf("%d items unprocessed after %d retries", len(out.UnprocessedItems[k.tableName]), batchRetries)
		}
		pending = out.UnprocessedItems
		select {
		case <-time.After(k.backoff << attempt):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func passageItem(p domain.Passage) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: knowledgePK(p.BrandID)},
		"SK":         &types.AttributeValueMemberS{Value: passageSK(p.DocumentID, p.ChunkIndex)},
		"brandId":    &types.AttributeValueMemberS{Value: p.BrandID},
		"documentId": &types.AttributeValueMemberS{Value: p.DocumentID},
		"chunkIndex": &types.AttributeValueMemberN{Value: strconv.Itoa(p.ChunkIndex)},
		"text":       &types.AttributeValueMemberS{Value: p.Text},
		"updatedAt":  &types.AttributeValueMemberS{Value: p.UpdatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if len(p.Embedding) > 0 {
		item["embedding"] = &types.AttributeValueMemberB{Value: retrieval.EncodeEmbedding(p.Embedding)}
	}
	return item
}

func itemToPassage(item map[string]types.AttributeValue) (domain.Passage, error) {
	var p domain.Passage
	var err error
	if p.BrandID, err = strAttr(item, "brandId"); err != nil {
		return domain.Passage{}, err
	}
	if p.DocumentID, err = strAttr(item, "documentId"); err != nil {
		return domain.Passage{}, err
	}
	if p.ChunkIndex, err = intAttr(item, "chunkIndex"); err != nil {
		return domain.Passage{}, err
	}
	if p.Text, err = strAttr(item, "text"); err != nil {
		return domain.Passage{}, err
	}
	if p.UpdatedAt, err = timeAttr(item, "updatedAt"); err != nil {
		return domain.Passage{}, err
	}
	if b, ok := item["embedding"].(*types.AttributeValueMemberB); ok {
		if p.Embedding, err = retrieval.DecodeEmbedding(b.Value); err != nil {
			return domain.Passage{}, fmt.Errorf("repository: decode embedding: %w", err)
		}
	}
	return p, nil
}
