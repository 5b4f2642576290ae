package repository

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"support-agent/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	queryOuts    []*dynamodb.QueryOutput
	queryErr     error
	txErr        error
	batchOuts    []*dynamodb.BatchWriteItemOutput
	batchErr     error
	lastGetInput *dynamodb.GetItemInput
	queryInputs  []*dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
	batchInputs  []*dynamodb.BatchWriteItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	cp := *in
	f.queryInputs = append(f.queryInputs, &cp)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOuts) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[0]
	f.queryOuts = f.queryOuts[1:]
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.batchInputs = append(f.batchInputs, in)
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	if len(f.batchOuts) == 0 {
		return &dynamodb.BatchWriteItemOutput{}, nil
	}
	out := f.batchOuts[0]
	f.batchOuts = f.batchOuts[1:]
	return out, nil
}

var t0 = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func makeMetaItem(brandID, sessionID string, turns int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: sessionPK(brandID, sessionID)},
		"SK":           &types.AttributeValueMemberS{Value: skMeta},
		"brandId":      &types.AttributeValueMemberS{Value: brandID},
		"sessionId":    &types.AttributeValueMemberS{Value: sessionID},
		"state":        &types.AttributeValueMemberS{Value: "open"},
		"createdAt":    &types.AttributeValueMemberS{Value: t0.Format(time.RFC3339Nano)},
		"lastActivity": &types.AttributeValueMemberS{Value: t0.Add(time.Minute).Format(time.RFC3339Nano)},
		"turnCount":    &types.AttributeValueMemberN{Value: strconv.Itoa(turns)},
		"lastSeq":      &types.AttributeValueMemberN{Value: strconv.Itoa(turns)},
		"facts":        &types.AttributeValueMemberS{Value: `{"order_id":{"value":"12345","seq":1}}`},
	}
}

func makeTurnItem(t *testing.T, brandID, sessionID string, turn domain.Turn) map[string]types.AttributeValue {
	t.Helper()
	item, err := turnItem(sessionPK(brandID, sessionID), turn, 0)
	require.NoError(t, err)
	return item
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return t0 }
	return c
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, "test-table")
	require.ErrorContains(t, err, "must not be nil")
	_, err = New(&fakeDynamo{}, " ")
	require.ErrorContains(t, err, "must not be empty")
}

func TestKeys(t *testing.T) {
	require.Equal(t, "BRAND#fashionhub#SESSION#abc", sessionPK("fashionhub", "abc"))
	require.Equal(t, "TURN#0000000007", turnSK(7))
	require.Less(t, turnSK(9), turnSK(10))
}

func TestLoadSession_HappyPath(t *testing.T) {
	db := &fakeDynamo{
		getOut: &dynamodb.GetItemOutput{Item: makeMetaItem("fashionhub", "abc", 2)},
	}
	db.queryOuts = []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
		makeTurnItem(t, "fashionhub", "abc", domain.Turn{Seq: 2, Role: domain.RoleAgent, Text: "On its way.", CreatedAt: t0, ToolCalls: []domain.ToolCall{
			{Name: "order_status", Status: domain.ToolSucceeded, Result: map[string]any{"shipped": true}},
		}}),
		makeTurnItem(t, "fashionhub", "abc", domain.Turn{Seq: 1, Role: domain.RoleCustomer, Text: "where is order 12345", CreatedAt: t0,
			Emotion: &domain.EmotionReading{Label: domain.EmotionNeutral, Confidence: 1}}),
	}}}
	c := mustNewClient(t, db)

	s, err := c.LoadSession(context.Background(), "fashionhub", "abc", 10)
	require.NoError(t, err)
	require.Equal(t, "abc", s.ID)
	require.Equal(t, domain.SessionOpen, s.State)
	require.Equal(t, 2, s.TurnCount)
	require.Equal(t, "12345", s.Facts.Value("order_id"))
	require.Len(t, s.Turns, 2)
	require.Equal(t, 1, s.Turns[0].Seq, "turns are returned oldest first")
	require.Equal(t, domain.EmotionNeutral, s.Turns[0].Emotion.Label)
	require.Equal(t, true, s.Turns[1].ToolCalls[0].Result["shipped"])

	require.True(t, *db.lastGetInput.ConsistentRead)
	q := db.queryInputs[0]
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *q.KeyConditionExpression)
	require.False(t, *q.ScanIndexForward)
	require.Equal(t, int32(10), *q.Limit)
}

func TestLoadSession_NotFound(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := c.LoadSession(context.Background(), "fashionhub", "abc", 10)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestLoadSession_Errors(t *testing.T) {
	t.Run("get item", func(t *testing.T) {
		c := mustNewClient(t, &fakeDynamo{getErr: errors.New("boom")})
		_, err := c.LoadSession(context.Background(), "fashionhub", "abc", 10)
		require.ErrorContains(t, err, "LoadSession get item")
	})
	t.Run("foreign brand", func(t *testing.T) {
		c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeMetaItem("techgear", "abc", 2)}})
		_, err := c.LoadSession(context.Background(), "fashionhub", "abc", 10)
		require.ErrorContains(t, err, "stored under brand")
	})
	t.Run("malformed meta", func(t *testing.T) {
		item := makeMetaItem("fashionhub", "abc", 2)
		item["turnCount"] = &types.AttributeValueMemberS{Value: "bad"}
		c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})
		_, err := c.LoadSession(context.Background(), "fashionhub", "abc", 10)
		require.ErrorContains(t, err, "turnCount")
	})
	t.Run("query", func(t *testing.T) {
		c := mustNewClient(t, &fakeDynamo{
			getOut:   &dynamodb.GetItemOutput{Item: makeMetaItem("fashionhub", "abc", 2)},
			queryErr: errors.New("ResourceNotFoundException"),
		})
		_, err := c.LoadSession(context.Background(), "fashionhub", "abc", 10)
		require.ErrorContains(t, err, "LoadSession query")
	})
	t.Run("malformed turn", func(t *testing.T) {
		db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeMetaItem("fashionhub", "abc", 2)}}
		db.queryOuts = []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{{
			"PK": &types.AttributeValueMemberS{Value: sessionPK("fashionhub", "abc")},
			"SK": &types.AttributeValueMemberS{Value: turnSK(1)},
		}}}}
		c := mustNewClient(t, db)
		_, err := c.LoadSession(context.Background(), "fashionhub", "abc", 10)
		require.ErrorContains(t, err, "seq")
	})
}

func TestSaveTurns_WritesTurnsAndConditionalMeta(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	d := domain.EscalationDecision{RuleID: "refund", Reason: "refund_request", Escalated: true, Phase: domain.PhasePre}
	s := domain.Session{
		ID: "abc", BrandID: "fashionhub", State: domain.SessionEscalated, Escalation: &d,
		TurnCount: 4, LastSeq: 4, CreatedAt: t0, LastActiveAt: t0,
		Facts: domain.FactSlate{"order_id": {Value: "12345", Seq: 1}},
	}
	turns := []domain.Turn{
		{Seq: 3, Role: domain.RoleCustomer, Text: "I want a refund", CreatedAt: t0},
		{Seq: 4, Role: domain.RoleAgent, Text: "Connecting you.", CreatedAt: t0},
	}
	require.NoError(t, c.SaveTurns(context.Background(), s, 2, turns))

	items := db.lastTxInput.TransactItems
	require.Len(t, items, 3)
	require.Equal(t, turnSK(3), items[0].Put.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *items[0].Put.ConditionExpression)

	meta := items[2].Put
	require.Equal(t, "turnCount = :prev", *meta.ConditionExpression)
	require.Equal(t, "2", meta.ExpressionAttributeValues[":prev"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "4", meta.Item["turnCount"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, strconv.FormatInt(t0.Add(ttlDuration).Unix(), 10), meta.Item["ttl"].(*types.AttributeValueMemberN).Value)

	loaded, err := itemToSession(meta.Item)
	require.NoError(t, err)
	require.Equal(t, "refund_request", loaded.Escalation.Reason)
	require.Equal(t, domain.SessionEscalated, loaded.State)
	require.Equal(t, s.Facts, loaded.Facts)
}

func TestSaveTurns_NewSessionAllowsMissingMeta(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	s := domain.Session{ID: "abc", BrandID: "fashionhub", TurnCount: 2, LastSeq: 2}
	require.NoError(t, c.SaveTurns(context.Background(), s, 0, []domain.Turn{{Seq: 1}, {Seq: 2}}))
	meta := db.lastTxInput.TransactItems[2].Put
	require.Equal(t, "attribute_not_exists(PK) OR turnCount = :prev", *meta.ConditionExpression)
	require.Equal(t, "open", meta.Item["state"].(*types.AttributeValueMemberS).Value)
}

func TestSaveTurns_ConditionFailureIsConflict(t *testing.T) {
	db := &fakeDynamo{txErr: &types.TransactionCanceledException{
		Message:             aws.String("Transaction cancelled"),
		CancellationReasons: []types.CancellationReason{{Code: aws.String("None")}, {Code: aws.String("ConditionalCheckFailed")}},
	}}
	c := mustNewClient(t, db)
	err := c.SaveTurns(context.Background(), domain.Session{ID: "abc", BrandID: "fashionhub"}, 2, []domain.Turn{{Seq: 3}})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestSaveTurns_Errors(t *testing.T) {
	db := &fakeDynamo{txErr: errors.New("ProvisionedThroughputExceededException")}
	c := mustNewClient(t, db)
	err := c.SaveTurns(context.Background(), domain.Session{ID: "abc", BrandID: "fashionhub"}, 0, nil)
	require.ErrorContains(t, err, "SaveTurns")
	require.NotErrorIs(t, err, domain.ErrConflict)

	err = c.SaveTurns(context.Background(), domain.Session{ID: "abc"}, 0, nil)
	require.ErrorContains(t, err, "required")
}
