package localstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"support-agent/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sessionWith(turns int) (domain.Session, []domain.Turn) {
	sess := domain.Session{
		ID:           "s-1",
		BrandID:      "fashionhub",
		Channel:      "web",
		CreatedAt:    t0,
		LastActiveAt: t0.Add(time.Duration(turns) * time.Minute),
		TurnCount:    turns,
		LastSeq:      turns,
		State:        domain.SessionOpen,
		Facts:        domain.FactSlate{"order_id": {Value: "12345", Seq: 1}},
	}
	var out []domain.Turn
	for i := 1; i <= turns; i++ {
		role := domain.RoleCustomer
		if i%2 == 0 {
			role = domain.RoleAgent
		}
		out = append(out, domain.Turn{Seq: i, Role: role, Text: "turn", CreatedAt: t0.Add(time.Duration(i) * time.Minute)})
	}
	return sess, out
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	s := openMem(t)
	require.NoError(t, s.migrate())

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	require.Equal(t, 1, n)
}

func TestLoadSession_NotFound(t *testing.T) {
	s := openMem(t)
	_, err := s.LoadSession(context.Background(), "fashionhub", "missing", 10)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	sess, turns := sessionWith(2)
	turns[0].Emotion = &domain.EmotionReading{Label: domain.EmotionUrgent, Confidence: 0.8}
	turns[1].ToolCalls = []domain.ToolCall{{Name: "order_status", Status: domain.ToolSucceeded, Attempts: 1}}
	turns[1].Passages = []domain.RetrievalResult{{DocumentID: "returns", BrandID: "fashionhub", Score: 0.7, Text: "x"}}
	sess.Escalation = &domain.EscalationDecision{Escalated: true, RuleID: "cancel_after_ship", Phase: domain.PhasePre}

	require.NoError(t, s.SaveTurns(ctx, sess, 0, turns))

	got, err := s.LoadSession(ctx, "fashionhub", "s-1", 10)
	require.NoError(t, err)
	require.Equal(t, "web", got.Channel)
	require.Equal(t, 2, got.TurnCount)
	require.Equal(t, "12345", got.Facts.Value("order_id"))
	require.Equal(t, sess.Escalation, got.Escalation)
	require.True(t, got.CreatedAt.Equal(t0))
	require.Len(t, got.Turns, 2)
	require.Equal(t, domain.EmotionUrgent, got.Turns[0].Emotion.Label)
	require.Equal(t, "order_status", got.Turns[1].ToolCalls[0].Name)
	require.Equal(t, "returns", got.Turns[1].Passages[0].DocumentID)
}

func TestLoadSession_ReturnsNewestWindowInOrder(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	sess, turns := sessionWith(6)
	require.NoError(t, s.SaveTurns(ctx, sess, 0, turns))

	got, err := s.LoadSession(ctx, "fashionhub", "s-1", 3)
	require.NoError(t, err)
	require.Len(t, got.Turns, 3)
	require.Equal(t, []int{4, 5, 6}, []int{got.Turns[0].Seq, got.Turns[1].Seq, got.Turns[2].Seq})
	require.Equal(t, 6, got.TurnCount)
}

func TestSaveTurns_ConflictOnStaleCount(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	sess, turns := sessionWith(2)
	require.NoError(t, s.SaveTurns(ctx, sess, 0, turns))

	stale := sess
	stale.TurnCount, stale.LastSeq = 3, 3
	err := s.SaveTurns(ctx, stale, 0, []domain.Turn{{Seq: 3, Role: domain.RoleCustomer, Text: "late", CreatedAt: t0}})
	require.ErrorIs(t, err, domain.ErrConflict)

	got, err := s.LoadSession(ctx, "fashionhub", "s-1", 10)
	require.NoError(t, err)
	require.Len(t, got.Turns, 2, "conflicting write leaves no partial turns")
}

func TestSaveTurns_BrandScoped(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	sess, turns := sessionWith(1)
	require.NoError(t, s.SaveTurns(ctx, sess, 0, turns))

	_, err := s.LoadSession(ctx, "techgear", "s-1", 10)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	err = s.SaveTurns(ctx, domain.Session{ID: "s-1"}, 0, nil)
	require.Error(t, err)
}

func TestPassages_UpsertAndBrandFilter(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	require.NoError(t, s.PutPassages(ctx, []domain.Passage{
		{BrandID: "fashionhub", DocumentID: "returns", ChunkIndex: 0, Text: "old", UpdatedAt: t0},
		{BrandID: "fashionhub", DocumentID: "returns", ChunkIndex: 1, Text: "second", UpdatedAt: t0, Embedding: []float32{0.5, -0.25}},
		{BrandID: "techgear", DocumentID: "tg-returns", Text: "7 days", UpdatedAt: t0},
	}))
	require.NoError(t, s.PutPassages(ctx, []domain.Passage{
		{BrandID: "fashionhub", DocumentID: "returns", ChunkIndex: 0, Text: "new", UpdatedAt: t0.Add(time.Hour)},
	}))

	got, err := s.ListPassages(ctx, "fashionhub")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "new", got[0].Text)
	require.True(t, got[0].UpdatedAt.Equal(t0.Add(time.Hour)))
	require.Equal(t, []float32{0.5, -0.25}, got[1].Embedding)
	for _, p := range got {
		require.Equal(t, "fashionhub", p.BrandID)
	}

	err = s.PutPassages(ctx, []domain.Passage{{DocumentID: "orphan"}})
	require.True(t, err != nil && !errors.Is(err, domain.ErrConflict))
}
