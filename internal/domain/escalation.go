package domain

// EscalationPhase identifies when in a turn the policy engine ran.
type EscalationPhase string

const (
	PhasePre  EscalationPhase = "pre"
	PhasePost EscalationPhase = "post"
)

// EscalationDecision is the deterministic outcome of one policy evaluation.
type EscalationDecision struct {
	RuleID    string          `json:"ruleId,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Escalated bool            `json:"escalated"`
	Phase     EscalationPhase `json:"phase"`
}
