package escalation

import (
	"support-agent/internal/domain"
	"support-agent/internal/textmatch"
	"support-agent/internal/tools"
)

// Reason codes.
const (
	ReasonLegalThreat               = "legal_threat"
	ReasonAbusiveLanguage           = "abusive_language"
	ReasonRefundRequest             = "refund_request"
	ReasonCancellationRequest       = "cancellation_request"
	ReasonCancellationAfterShipping = "cancellation_after_shipping"
	ReasonHumanRequest              = "human_request"
	ReasonExtremeFrustration        = "extreme_frustration"
	ReasonRepeatedFrustration       = "repeated_frustration"
	ReasonGenerationFailed          = "generation_failed"
	ReasonRepeatedToolFailure       = "repeated_tool_failure"
	ReasonOrderNotFoundRepeated     = "order_not_found_repeated"
	ReasonInsufficientEvidence      = "insufficient_evidence"
)

// Rule is one typed escalation trigger.
type Rule interface {
	// ID names the rule in decisions and logs.
	ID() string
	// Applies reports whether the rule runs in phase.
	Applies(phase domain.EscalationPhase) bool
	// Match returns the reason code when the rule fires.
	Match(in Input) (string, bool)
}

type prePhase struct{}

func (prePhase) Applies(p domain.EscalationPhase) bool { return p == domain.PhasePre }

type postPhase struct{}

func (postPhase) Applies(p domain.EscalationPhase) bool { return p == domain.PhasePost }

// phraseRule fires when any configured phrase occurs in the latest
// customer text.
type phraseRule struct {
	prePhase
	id      string
	reason  string
	phrases *textmatch.Set
}

func (r phraseRule) ID() string { return r.id }

func (r phraseRule) Match(in Input) (string, bool) {
	if r.phrases.Any(in.Latest.Text) {
		return r.reason, true
	}
	return "", false
}

// cancellationRule fires on any cancellation request. The reason is
// sharpened when the order is stated or known to have shipped.
type cancellationRule struct {
	prePhase
	cancel  *textmatch.Set
	shipped *textmatch.Set
}

func (cancellationRule) ID() string { return "cancellation" }

func (r cancellationRule) Match(in Input) (string, bool) {
	if !r.cancel.Any(in.Latest.Text) {
		return "", false
	}
	if r.shipped.Any(in.Latest.Text) || knownShipped(in) {
		return ReasonCancellationAfterShipping, true
	}
	return ReasonCancellationRequest, true
}

func knownShipped(in Input) bool {
	for _, c := range in.history() {
		if c.Name != tools.OrderStatus || c.Status != domain.ToolSucceeded {
			continue
		}
		if shipped, _ := c.Result["shipped"].(bool); shipped {
			return true
		}
	}
	return false
}

// countRule fires when at least min distinct phrases occur in one message.
type countRule struct {
	prePhase
	id      string
	reason  string
	phrases *textmatch.Set
	min     int
}

func (r countRule) ID() string { return r.id }

func (r countRule) Match(in Input) (string, bool) {
	if len(r.phrases.Matches(in.Latest.Text)) >= r.min {
		return r.reason, true
	}
	return "", false
}

// streakRule fires when the last n customer turns, the latest included,
// were all classified frustrated.
type streakRule struct {
	prePhase
	n int
}

func (streakRule) ID() string { return "frustration-streak" }

func (r streakRule) Match(in Input) (string, bool) {
	if !frustrated(in.Latest) {
		return "", false
	}
	streak := 1
	for i := len(in.Session.Turns) - 1; i >= 0 && streak < r.n; i-- {
		t := in.Session.Turns[i]
		if t.Role != domain.RoleCustomer || t.Seq == in.Latest.Seq {
			continue
		}
		if !frustrated(t) {
			break
		}
		streak++
	}
	if streak >= r.n {
		return ReasonRepeatedFrustration, true
	}
	return "", false
}

func frustrated(t domain.Turn) bool {
	return t.Emotion != nil && t.Emotion.Label == domain.EmotionFrustrated
}

type generationFailedRule struct{ postPhase }

func (generationFailedRule) ID() string { return "generation-failed" }

func (generationFailedRule) Match(in Input) (string, bool) {
	if in.Generation.Failed {
		return ReasonGenerationFailed, true
	}
	return "", false
}

// toolFailureRule counts calls that produced no data (timeouts, upstream
// errors) across the loaded history and the current turn. It only fires on
// a turn that itself failed.
type toolFailureRule struct {
	postPhase
	limit int
}

func (toolFailureRule) ID() string { return "tool-failure" }

func (r toolFailureRule) Match(in Input) (string, bool) {
	n := 0
	for _, c := range in.ToolCalls {
		if c.Unavailable() {
			n++
		}
	}
	if n == 0 {
		return "", false
	}
	for _, c := range in.history() {
		if c.Unavailable() {
			n++
		}
	}
	if n >= r.limit {
		return ReasonRepeatedToolFailure, true
	}
	return "", false
}

// notFoundRule fires after repeated order lookups came back not_found.
type notFoundRule struct {
	postPhase
	limit int
}

func (notFoundRule) ID() string { return "order-not-found" }

func (r notFoundRule) Match(in Input) (string, bool) {
	current := false
	n := 0
	for _, c := range in.ToolCalls {
		if isOrderNotFound(c) {
			current = true
			n++
		}
	}
	if !current {
		return "", false
	}
	for _, c := range in.history() {
		if isOrderNotFound(c) {
			n++
		}
	}
	if n >= r.limit {
		return ReasonOrderNotFoundRepeated, true
	}
	return "", false
}

func isOrderNotFound(c domain.ToolCall) bool {
	return c.Name == tools.OrderStatus && c.Status == domain.ToolFailed && c.Reason == domain.ReasonNotFound
}

type insufficientEvidenceRule struct{ postPhase }

func (insufficientEvidenceRule) ID() string { return "insufficient-evidence" }

func (insufficientEvidenceRule) Match(in Input) (string, bool) {
	if in.Generation.InsufficientEvidence {
		return ReasonInsufficientEvidence, true
	}
	return "", false
}
