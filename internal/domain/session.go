package domain

import "time"

// SessionState is the lifecycle state of a Session as seen by storage.
type SessionState string

const (
	SessionOpen      SessionState = "open"
	SessionEscalated SessionState = "escalated"
	SessionClosed    SessionState = "closed"
)

// Session is one ongoing conversation scoped to a single brand.
//
// Turns holds the most recently loaded window of the turn log, not
// necessarily the full history. LastSeq and TurnCount always describe the
// full log.
type Session struct {
	ID           string
	BrandID      string
	Channel      string
	CreatedAt    time.Time
	LastActiveAt time.Time
	TurnCount    int
	LastSeq      int
	State        SessionState
	Escalation   *EscalationDecision
	Facts        FactSlate
	Turns        []Turn
}

// IsOpen reports whether automated handling may still act on the session.
func (s Session) IsOpen() bool {
	return s.State == "" || s.State == SessionOpen
}

// Fact is a single slate entry together with the turn that last set it.
type Fact struct {
	Value string `json:"value"`
	Seq   int    `json:"seq"`
}

// FactSlate maps fact keys (order_id, product_id, ...) to their latest value.
type FactSlate map[string]Fact

// Value returns the fact value for key, or "" when absent.
func (f FactSlate) Value(key string) string {
	return f[key].Value
}

// Clone returns an independent copy of the slate.
func (f FactSlate) Clone() FactSlate {
	out := make(FactSlate, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Inbound is the normalized message handed over by a channel transport.
type Inbound struct {
	SessionID string
	BrandID   string
	Channel   string
	Text      string
	Timestamp time.Time
}

// Outbound is the orchestrator's reply to a channel transport.
type Outbound struct {
	SessionID string
	Text      string
	Escalated bool
	Emotion   EmotionLabel
	ToolsUsed []string
	Citations []string
	State     string
}
