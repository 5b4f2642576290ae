// Package localstore keeps sessions and knowledge passages in a local
// SQLite file for the command-line tools and offline evaluation.
package localstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"support-agent/internal/domain"
	"support-agent/internal/retrieval"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements the session store and the passage store over SQLite.
// Every query is keyed by brand.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dsn and applies
// migrations. ":memory:" gives a private in-memory database.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

type turnPayload struct {
	Emotion   *domain.EmotionReading   `json:"emotion,omitempty"`
	ToolCalls []domain.ToolCall        `json:"toolCalls,omitempty"`
	Passages  []domain.RetrievalResult `json:"passages,omitempty"`
}

// LoadSession returns the session and its most recent maxTurns turns.
func (s *Store) LoadSession(ctx context.Context, brandID, sessionID string, maxTurns int) (domain.Session, error) {
	var (
		sess                domain.Session
		state, created, act string
		facts               string
		escalation          sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT brand_id, session_id, channel, state, created_at, last_active_at,
		       turn_count, last_seq, facts, escalation
		FROM sessions WHERE brand_id = ? AND session_id = ?`, brandID, sessionID,
	).Scan(&sess.BrandID, &sess.ID, &sess.Channel, &state, &created, &act,
		&sess.TurnCount, &sess.LastSeq, &facts, &escalation)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("localstore: load session: %w", err)
	}
	sess.State = domain.SessionState(state)
	if sess.CreatedAt, err = parseTime(created); err != nil {
		return domain.Session{}, err
	}
	if sess.LastActiveAt, err = parseTime(act); err != nil {
		return domain.Session{}, err
	}
	sess.Facts = domain.FactSlate{}
	if err := json.Unmarshal([]byte(facts), &sess.Facts); err != nil {
		return domain.Session{}, fmt.Errorf("localstore: decode facts: %w", err)
	}
	if sess.Facts == nil {
		sess.Facts = domain.FactSlate{}
	}
	if escalation.Valid && escalation.String != "" {
		var d domain.EscalationDecision
		if err := json.Unmarshal([]byte(escalation.String), &d); err != nil {
			return domain.Session{}, fmt.Errorf("localstore: decode escalation: %w", err)
		}
		sess.Escalation = &d
	}
	if maxTurns <= 0 {
		return sess, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, role, text, created_at, payload FROM turns
		WHERE brand_id = ? AND session_id = ?
		ORDER BY seq DESC LIMIT ?`, brandID, sessionID, maxTurns)
	if err != nil {
		return domain.Session{}, fmt.Errorf("localstore: load turns: %w", err)
	}
	defer rows.Close()
	var turns []domain.Turn
	for rows.Next() {
		var (
			t                     domain.Turn
			role, at, payloadJSON string
		)
		if err := rows.Scan(&t.Seq, &role, &t.Text, &at, &payloadJSON); err != nil {
			return domain.Session{}, fmt.Errorf("localstore: scan turn: %w", err)
		}
		t.Role = domain.Role(role)
		if t.CreatedAt, err = parseTime(at); err != nil {
			return domain.Session{}, err
		}
		var p turnPayload
		if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
			return domain.Session{}, fmt.Errorf("localstore: decode turn %d: %w", t.Seq, err)
		}
		t.Emotion, t.ToolCalls, t.Passages = p.Emotion, p.ToolCalls, p.Passages
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return domain.Session{}, fmt.Errorf("localstore: load turns: %w", err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	sess.Turns = turns
	return sess, nil
}

// SaveTurns appends turns and upserts the session row in one transaction,
// failing with domain.ErrConflict when the stored turn count moved.
func (s *Store) SaveTurns(ctx context.Context, sess domain.Session, prevTurnCount int, turns []domain.Turn) error {
	if sess.BrandID == "" || sess.ID == "" {
		return errors.New("localstore: brand and session id are required")
	}
	facts, err := json.Marshal(sess.Facts)
	if err != nil {
		return fmt.Errorf("localstore: encode facts: %w", err)
	}
	var escalation sql.NullString
	if sess.Escalation != nil {
		raw, err := json.Marshal(sess.Escalation)
		if err != nil {
			return fmt.Errorf("localstore: encode escalation: %w", err)
		}
		escalation = sql.NullString{String: string(raw), Valid: true}
	}
	state := sess.State
	if state == "" {
		state = domain.SessionOpen
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localstore: begin: %w", err)
	}
	defer tx.Rollback()

	var current int
	err = tx.QueryRowContext(ctx, `SELECT turn_count FROM sessions WHERE brand_id = ? AND session_id = ?`,
		sess.BrandID, sess.ID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("localstore: read turn count: %w", err)
	}
	if current != prevTurnCount {
		return fmt.Errorf("localstore: %w: stored %d turns, expected %d", domain.ErrConflict, current, prevTurnCount)
	}

	for _, t := range turns {
		payload, err := json.Marshal(turnPayload{Emotion: t.Emotion, ToolCalls: t.ToolCalls, Passages: t.Passages})
		if err != nil {
			return fmt.Errorf("localstore: encode turn %d: %w", t.Seq, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turns (brand_id, session_id, seq, role, text, created_at, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.BrandID, sess.ID, t.Seq, string(t.Role), t.Text, formatTime(t.CreatedAt), string(payload),
		); err != nil {
			return fmt.Errorf("localstore: insert turn %d: %w", t.Seq, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (brand_id, session_id, channel, state, created_at, last_active_at,
		                      turn_count, last_seq, facts, escalation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (brand_id, session_id) DO UPDATE SET
			state = excluded.state,
			last_active_at = excluded.last_active_at,
			turn_count = excluded.turn_count,
			last_seq = excluded.last_seq,
			facts = excluded.facts,
			escalation = excluded.escalation`,
		sess.BrandID, sess.ID, sess.Channel, string(state), formatTime(sess.CreatedAt), formatTime(sess.LastActiveAt),
		sess.TurnCount, sess.LastSeq, string(facts), escalation,
	); err != nil {
		return fmt.Errorf("localstore: upsert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("localstore: commit: %w", err)
	}
	return nil
}

// ListPassages returns the passages of brandID in document order.
func (s *Store) ListPassages(ctx context.Context, brandID string) ([]domain.Passage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT brand_id, document_id, chunk_index, text, embedding, updated_at FROM passages
		WHERE brand_id = ? ORDER BY document_id, chunk_index`, brandID)
	if err != nil {
		return nil, fmt.Errorf("localstore: list passages: %w", err)
	}
	defer rows.Close()
	var out []domain.Passage
	for rows.Next() {
		var (
			p         domain.Passage
			embedding []byte
			updated   string
		)
		if err := rows.Scan(&p.BrandID, &p.DocumentID, &p.ChunkIndex, &p.Text, &embedding, &updated); err != nil {
			return nil, fmt.Errorf("localstore: scan passage: %w", err)
		}
		if p.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		if len(embedding) > 0 {
			if p.Embedding, err = retrieval.DecodeEmbedding(embedding); err != nil {
				return nil, fmt.Errorf("localstore: passage %s#%d: %w", p.DocumentID, p.ChunkIndex, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PutPassages inserts or replaces passages.
func (s *Store) PutPassages(ctx context.Context, passages []domain.Passage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localstore: begin: %w", err)
	}
	defer tx.Rollback()
	for _, p := range passages {
		if p.BrandID == "" || p.DocumentID == "" {
			return errors.New("localstore: passage brand and document id are required")
		}
		var embedding []byte
		if len(p.Embedding) > 0 {
			embedding = retrieval.EncodeEmbedding(p.Embedding)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO passages (brand_id, document_id, chunk_index, text, embedding, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (brand_id, document_id, chunk_index) DO UPDATE SET
				text = excluded.text,
				embedding = excluded.embedding,
				updated_at = excluded.updated_at`,
			p.BrandID, p.DocumentID, p.ChunkIndex, p.Text, embedding, formatTime(p.UpdatedAt),
		); err != nil {
			return fmt.Errorf("localstore: put passage %s#%d: %w", p.DocumentID, p.ChunkIndex, err)
		}
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("localstore: parse time %q: %w", s, err)
	}
	return t, nil
}
