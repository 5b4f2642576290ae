package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"support-agent/internal/domain"
)

// ErrSequence is returned when a turn would break the session's sequence.
var ErrSequence = errors.New("memory: turn sequence out of order")

// ErrClosed is returned when appending to a closed session.
var ErrClosed = errors.New("memory: session is closed")

// Context is the bounded working context handed to downstream steps:
// the most recent turns plus the full fact slate.
type Context struct {
	Turns []domain.Turn
	Facts domain.FactSlate
}

// Memory appends turns and maintains the fact slate.
type Memory struct {
	extractor *Extractor
	window    int
}

// New creates a Memory. window bounds how many turns are kept on the
// in-memory Session; the full log lives in storage.
func New(extractor *Extractor, window int) (*Memory, error) {
	if extractor == nil {
		return nil, errors.New("memory: extractor must not be nil")
	}
	if window <= 0 {
		return nil, errors.New("memory: window must be positive")
	}
	return &Memory{extractor: extractor, window: window}, nil
}

// AppendTurn returns a copy of s with turn appended and the fact slate
// re-derived. A zero Seq is assigned as LastSeq+1; any other value must
// equal LastSeq+1.
func (m *Memory) AppendTurn(s domain.Session, turn domain.Turn) (domain.Session, error) {
	if s.State == domain.SessionClosed {
		return s, ErrClosed
	}
	next := s.LastSeq + 1
	if turn.Seq == 0 {
		turn.Seq = next
	}
	if turn.Seq != next {
		return s, fmt.Errorf("%w: got %d, want %d", ErrSequence, turn.Seq, next)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	out := s
	out.Turns = make([]domain.Turn, 0, min(len(s.Turns)+1, m.window))
	start := max(0, len(s.Turns)+1-m.window)
	if start < len(s.Turns) {
		out.Turns = append(out.Turns, s.Turns[start:]...)
	}
	out.Turns = append(out.Turns, turn)
	out.LastSeq = turn.Seq
	out.TurnCount = s.TurnCount + 1
	if turn.CreatedAt.After(out.LastActiveAt) {
		out.LastActiveAt = turn.CreatedAt
	}
	out.Facts = ApplyFacts(s.Facts, m.ExtractTurn(turn), turn.Seq)
	return out, nil
}

// ExtractTurn returns the slate delta for turn. Only customer turns
// contribute facts.
func (m *Memory) ExtractTurn(turn domain.Turn) map[string]string {
	if turn.Role != domain.RoleCustomer {
		return map[string]string{}
	}
	return m.extractor.Extract(turn.Text)
}

// ApplyFacts overlays delta onto slate, recording seq as provenance. The
// input slate is not modified. Empty values are ignored so the slate never
// holds an empty fact.
func ApplyFacts(slate domain.FactSlate, delta map[string]string, seq int) domain.FactSlate {
	out := slate.Clone()
	for k, v := range delta {
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = domain.Fact{Value: v, Seq: seq}
	}
	return out
}

// GetContext returns the last maxTurns turns in order plus the whole slate.
func GetContext(s domain.Session, maxTurns int) Context {
	turns := s.Turns
	if maxTurns >= 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	out := make([]domain.Turn, len(turns))
	copy(out, turns)
	return Context{Turns: out, Facts: s.Facts.Clone()}
}

// Close marks the session closed and drops its slate.
func Close(s domain.Session, at time.Time) domain.Session {
	s.State = domain.SessionClosed
	s.Facts = domain.FactSlate{}
	if at.After(s.LastActiveAt) {
		s.LastActiveAt = at
	}
	return s
}
