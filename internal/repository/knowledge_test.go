package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"support-agent/internal/domain"
)

func mustNewKnowledge(t *testing.T, db *fakeDynamo) *KnowledgeClient {
	t.Helper()
	k, err := NewKnowledge(db, "kb-table")
	require.NoError(t, err)
	k.backoff = 0
	return k
}

func TestNewKnowledge_Validates(t *testing.T) {
	_, err := NewKnowledge(nil, "kb")
	require.Error(t, err)
	_, err = NewKnowledge(&fakeDynamo{}, "")
	require.Error(t, err)
}

func TestListPassages_FollowsPagination(t *testing.T) {
	p1 := domain.Passage{BrandID: "fashionhub", DocumentID: "returns", ChunkIndex: 0, Text: "Returns within 15 days.", UpdatedAt: t0, Embedding: []float32{0.25, -1}}
	p2 := domain.Passage{BrandID: "fashionhub", DocumentID: "shipping", ChunkIndex: 1, Text: "Free shipping above 1500.", UpdatedAt: t0}
	lastKey := map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: knowledgePK("fashionhub")}}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{passageItem(p1)}, LastEvaluatedKey: lastKey},
		{Items: []map[string]types.AttributeValue{passageItem(p2)}},
	}}
	k := mustNewKnowledge(t, db)

	got, err := k.ListPassages(context.Background(), "fashionhub")
	require.NoError(t, err)
	require.Equal(t, []domain.Passage{p1, p2}, got)

	require.Len(t, db.queryInputs, 2)
	require.Nil(t, db.queryInputs[0].ExclusiveStartKey)
	require.Equal(t, lastKey, db.queryInputs[1].ExclusiveStartKey)
	pk := db.queryInputs[0].ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	require.Equal(t, "BRAND#fashionhub#KB", pk)
}

func TestListPassages_Errors(t *testing.T) {
	k := mustNewKnowledge(t, &fakeDynamo{queryErr: errors.New("boom")})
	_, err := k.ListPassages(context.Background(), "fashionhub")
	require.ErrorContains(t, err, "ListPassages query")

	_, err = k.ListPassages(context.Background(), " ")
	require.Error(t, err)

	bad := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{{
		"brandId": &types.AttributeValueMemberS{Value: "fashionhub"},
	}}}}}
	_, err = mustNewKnowledge(t, bad).ListPassages(context.Background(), "fashionhub")
	require.ErrorContains(t, err, "documentId")
}

func TestPutPassages_BatchesAndRetriesUnprocessed(t *testing.T) {
	var passages []domain.Passage
	for i := range 30 {
		passages = append(passages, domain.Passage{BrandID: "fashionhub", DocumentID: fmt.Sprintf("doc-%d", i), Text: "x", UpdatedAt: t0})
	}
	first := passageItem(passages[0])
	db := &fakeDynamo{batchOuts: []*dynamodb.BatchWriteItemOutput{
		{UnprocessedItems: map[string][]types.WriteRequest{"kb-table": {{PutRequest: &types.PutRequest{Item: first}}}}},
		{},
		{},
	}}
	k := mustNewKnowledge(t, db)

	require.NoError(t, k.PutPassages(context.Background(), passages))
	require.Len(t, db.batchInputs, 3)
	require.Len(t, db.batchInputs[0].RequestItems["kb-table"], 25)
	require.Len(t, db.batchInputs[1].RequestItems["kb-table"], 1, "unprocessed items are retried")
	require.Len(t, db.batchInputs[2].RequestItems["kb-table"], 5)
}

func TestPutPassages_Errors(t *testing.T) {
	k := mustNewKnowledge(t, &fakeDynamo{batchErr: errors.New("throttled")})
	err := k.PutPassages(context.Background(), []domain.Passage{{BrandID: "b", DocumentID: "d"}})
	require.ErrorContains(t, err, "PutPassages")

	err = k.PutPassages(context.Background(), []domain.Passage{{DocumentID: "d"}})
	require.ErrorContains(t, err, "required")

	stuck := map[string][]types.WriteRequest{"kb-table": {{PutRequest: &types.PutRequest{}}}}
	db := &fakeDynamo{batchOuts: []*dynamodb.BatchWriteItemOutput{
		{UnprocessedItems: stuck}, {UnprocessedItems: stuck}, {UnprocessedItems: stuck}, {UnprocessedItems: stuck},
	}}
	err = mustNewKnowledge(t, db).PutPassages(context.Background(), []domain.Passage{{BrandID: "b", DocumentID: "d"}})
	require.ErrorContains(t, err, "unprocessed")
	require.Len(t, db.batchInputs, 4)
}
