// Package escalation decides, deterministically and from session state
// only, when a conversation must be handed to a human.
//
// Rules are evaluated in a fixed priority order and the first match wins.
// The engine runs twice per turn: before any retrieval, tool call or
// generation (pre) and after generation (post).
package escalation

import (
	"fmt"
	"sync"

	"support-agent/internal/brand"
	"support-agent/internal/domain"
	"support-agent/internal/textmatch"
)

// Generation summarizes the generation step for post-phase rules.
type Generation struct {
	Attempted            bool
	Failed               bool
	InsufficientEvidence bool
}

// Input is everything a rule may look at. Session.Turns is the loaded
// history and does not include Latest.
type Input struct {
	Phase      domain.EscalationPhase
	Session    domain.Session
	Latest     domain.Turn
	ToolCalls  []domain.ToolCall
	Generation Generation
}

func (in Input) history() []domain.ToolCall {
	var out []domain.ToolCall
	for _, t := range in.Session.Turns {
		if t.Seq == in.Latest.Seq && t.Seq != 0 {
			continue
		}
		out = append(out, t.ToolCalls...)
	}
	return out
}

// Engine is an ordered rule list. It holds no mutable state.
type Engine struct {
	rules []Rule
}

// New builds the engine for one brand's phrase lists and thresholds.
func New(cfg brand.EscalationConfig) (*Engine, error) {
	tr := cfg.Triggers
	sets := make(map[string]*textmatch.Set)
	for name, phrases := range map[string][]string{
		"legal":        tr.Legal,
		"abuse":        tr.Abuse,
		"refund":       tr.Refund,
		"cancellation": tr.Cancellation,
		"shipped":      tr.Shipped,
		"human":        tr.HumanRequest,
		"strong":       tr.StrongFrustration,
	} {
		s, err := textmatch.Compile(phrases)
		if err != nil {
			return nil, fmt.Errorf("escalation: %s triggers: %w", name, err)
		}
		sets[name] = s
	}

	streak := cfg.FrustrationStreak
	if streak <= 0 {
		streak = 3
	}
	toolLimit := cfg.ToolFailureLimit
	if toolLimit <= 0 {
		toolLimit = 2
	}
	notFound := cfg.NotFoundLimit
	if notFound <= 0 {
		notFound = 2
	}

	return &Engine{rules: []Rule{
		phraseRule{id: "legal", reason: ReasonLegalThreat, phrases: sets["legal"]},
		phraseRule{id: "abuse", reason: ReasonAbusiveLanguage, phrases: sets["abuse"]},
		phraseRule{id: "refund", reason: ReasonRefundRequest, phrases: sets["refund"]},
		cancellationRule{cancel: sets["cancellation"], shipped: sets["shipped"]},
		phraseRule{id: "human", reason: ReasonHumanRequest, phrases: sets["human"]},
		countRule{id: "extreme-frustration", reason: ReasonExtremeFrustration, phrases: sets["strong"], min: 2},
		streakRule{n: streak},
		generationFailedRule{},
		toolFailureRule{limit: toolLimit},
		notFoundRule{limit: notFound},
		insufficientEvidenceRule{},
	}}, nil
}

// Rules returns the rules in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate returns the decision of the first matching rule for in.Phase.
func (e *Engine) Evaluate(in Input) domain.EscalationDecision {
	for _, r := range e.rules {
		if !r.Applies(in.Phase) {
			continue
		}
		if reason, ok := r.Match(in); ok {
			return domain.EscalationDecision{RuleID: r.ID(), Reason: reason, Escalated: true, Phase: in.Phase}
		}
	}
	return domain.EscalationDecision{Phase: in.Phase}
}

// Provider builds and caches one engine per brand.
type Provider struct {
	mu      sync.Mutex
	byBrand map[string]*Engine
}

func NewProvider() *Provider {
	return &Provider{byBrand: make(map[string]*Engine)}
}

func (p *Provider) For(cfg brand.Config) (*Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byBrand[cfg.BrandID]; ok {
		return e, nil
	}
	e, err := New(cfg.Escalation)
	if err != nil {
		return nil, fmt.Errorf("escalation: brand %s: %w", cfg.BrandID, err)
	}
	p.byBrand[cfg.BrandID] = e
	return e, nil
}
