package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"support-agent/internal/domain"
)

const (
	skMeta       = "META#"
	skPrefixTurn = "TURN#"
	ttlDuration  = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by the stores.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Client wraps a DynamoDB table for session state. Every key embeds the
// brand, so one brand can never address another brand's sessions.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new session repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// sessionPK returns the partition key for a brand's session.
func sessionPK(brandID, sessionID string) string {
	return "BRAND#" + brandID + "#SESSION#" + sessionID
}

// turnSK returns the sort key for a turn. Zero padding keeps lexical and
// numeric order identical.
func turnSK(seq int) string {
	return fmt.Sprintf("%s%010d", skPrefixTurn, seq)
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// LoadSession reads the session metadata and its most recent maxTurns turns
// in chronological order.
func (c *Client) LoadSession(ctx context.Context, brandID, sessionID string, maxTurns int) (domain.Session, error) {
	pk := sessionPK(brandID, sessionID)
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: LoadSession get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	s, err := itemToSession(out.Item)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: LoadSession decode meta: %w", err)
	}
	if s.BrandID != brandID {
		return domain.Session{}, fmt.Errorf("repository: LoadSession: session %s is stored under brand %q", sessionID, s.BrandID)
	}
	if maxTurns <= 0 {
		return s, nil
	}

	q, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pk},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(maxTurns)),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: LoadSession query: %w", err)
	}
	turns := make([]domain.Turn, 0, len(q.Items))
	for _, item := range q.Items {
		t, err := itemToTurn(item)
		if err != nil {
			return domain.Session{}, fmt.Errorf("repository: LoadSession unmarshal: %w", err)
		}
		turns = append(turns, t)
	}
	// Reverse to chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	s.Turns = turns
	return s, nil
}

// SaveTurns appends turns and replaces the session metadata in one
// transaction. The write is conditional on the stored turn count still
// being prevTurnCount; a lost race surfaces as domain.ErrConflict.
func (c *Client) SaveTurns(ctx context.Context, s domain.Session, prevTurnCount int, turns []domain.Turn) error {
	if s.BrandID == "" || s.ID == "" {
		return errors.New("repository: SaveTurns: brand and session id are required")
	}
	pk := sessionPK(s.BrandID, s.ID)
	ttl := c.ttlValue()

	items := make([]types.TransactWriteItem, 0, len(turns)+1)
	for _, t := range turns {
		item, err := turnItem(pk, t, ttl)
		if err != nil {
			return fmt.Errorf("repository: SaveTurns: %w", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(c.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
		}})
	}

	meta, err := sessionItem(pk, s, ttl)
	if err != nil {
		return fmt.Errorf("repository: SaveTurns: %w", err)
	}
	cond := "turnCount = :prev"
	if prevTurnCount == 0 {
		cond = "attribute_not_exists(PK) OR turnCount = :prev"
	}
	items = append(items, types.TransactWriteItem{Put: &types.Put{
		TableName:           aws.String(c.tableName),
		Item:                meta,
		ConditionExpression: aws.String(cond),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prev": &types.AttributeValueMemberN{Value: strconv.Itoa(prevTurnCount)},
		},
	}})

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) && conditionFailed(canceled) {
		return fmt.Errorf("repository: SaveTurns: %w: %w", domain.ErrConflict, err)
	}
	if err != nil {
		return fmt.Errorf("repository: SaveTurns: %w", err)
	}
	return nil
}

func conditionFailed(e *types.TransactionCanceledException) bool {
	for _, r := range e.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

type turnPayload struct {
	Emotion   *domain.EmotionReading   `json:"emotion,omitempty"`
	ToolCalls []domain.ToolCall        `json:"toolCalls,omitempty"`
	Passages  []domain.RetrievalResult `json:"passages,omitempty"`
}

func turnItem(pk string, t domain.Turn, ttl int64) (map[string]types.AttributeValue, error) {
	payload, err := json.Marshal(turnPayload{Emotion: t.Emotion, ToolCalls: t.ToolCalls, Passages: t.Passages})
	if err != nil {
		return nil, fmt.Errorf("encode turn %d: %w", t.Seq, err)
	}
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: pk},
		"SK":        &types.AttributeValueMemberS{Value: turnSK(t.Seq)},
		"seq":       &types.AttributeValueMemberN{Value: strconv.Itoa(t.Seq)},
		"role":      &types.AttributeValueMemberS{Value: string(t.Role)},
		"text":      &types.AttributeValueMemberS{Value: t.Text},
		"createdAt": &types.AttributeValueMemberS{Value: t.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"payload":   &types.AttributeValueMemberS{Value: string(payload)},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}, nil
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	seq, err := intAttr(item, "seq")
	if err != nil {
		return domain.Turn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Turn{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	t := domain.Turn{Seq: seq, Role: domain.Role(role), Text: text, CreatedAt: created}
	if raw, _ := strAttr(item, "payload"); raw != "" { // allow empty
		var p turnPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return domain.Turn{}, fmt.Errorf("repository: decode payload of turn %d: %w", seq, err)
		}
		t.Emotion, t.ToolCalls, t.Passages = p.Emotion, p.ToolCalls, p.Passages
	}
	return t, nil
}

func sessionItem(pk string, s domain.Session, ttl int64) (map[string]types.AttributeValue, error) {
	facts, err := json.Marshal(s.Facts)
	if err != nil {
		return nil, fmt.Errorf("encode facts: %w", err)
	}
	state := s.State
	if state == "" {
		state = domain.SessionOpen
	}
	item := map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: pk},
		"SK":           &types.AttributeValueMemberS{Value: skMeta},
		"brandId":      &types.AttributeValueMemberS{Value: s.BrandID},
		"sessionId":    &types.AttributeValueMemberS{Value: s.ID},
		"channel":      &types.AttributeValueMemberS{Value: s.Channel},
		"state":        &types.AttributeValueMemberS{Value: string(state)},
		"createdAt":    &types.AttributeValueMemberS{Value: s.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"lastActivity": &types.AttributeValueMemberS{Value: s.LastActiveAt.UTC().Format(time.RFC3339Nano)},
		"turnCount":    &types.AttributeValueMemberN{Value: strconv.Itoa(s.TurnCount)},
		"lastSeq":      &types.AttributeValueMemberN{Value: strconv.Itoa(s.LastSeq)},
		"facts":        &types.AttributeValueMemberS{Value: string(facts)},
		"ttl":          &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
	if s.Escalation != nil {
		raw, err := json.Marshal(s.Escalation)
		if err != nil {
			return nil, fmt.Errorf("encode escalation: %w", err)
		}
		item["escalation"] = &types.AttributeValueMemberS{Value: string(raw)}
	}
	return item, nil
}

func itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	var s domain.Session
	var err error
	if s.BrandID, err = strAttr(item, "brandId"); err != nil {
		return domain.Session{}, err
	}
	if s.ID, err = strAttr(item, "sessionId"); err != nil {
		return domain.Session{}, err
	}
	state, err := strAttr(item, "state")
	if err != nil {
		return domain.Session{}, err
	}
	s.State = domain.SessionState(state)
	if s.TurnCount, err = intAttr(item, "turnCount"); err != nil {
		return domain.Session{}, err
	}
	if s.LastSeq, err = intAttr(item, "lastSeq"); err != nil {
		return domain.Session{}, err
	}
	if s.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return domain.Session{}, err
	}
	if s.LastActiveAt, err = timeAttr(item, "lastActivity"); err != nil {
		return domain.Session{}, err
	}
	s.Channel, _ = strAttr(item, "channel") // allow empty

	s.Facts = domain.FactSlate{}
	if raw, _ := strAttr(item, "facts"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Facts); err != nil {
			return domain.Session{}, fmt.Errorf("repository: decode facts: %w", err)
		}
	}
	if raw, _ := strAttr(item, "escalation"); raw != "" {
		var d domain.EscalationDecision
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return domain.Session{}, fmt.Errorf("repository: decode escalation: %w", err)
		}
		s.Escalation = &d
	}
	return s, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
