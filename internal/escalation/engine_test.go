package escalation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"support-agent/internal/brand"
	"support-agent/internal/domain"
	"support-agent/internal/tools"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(brand.Default("fashionhub").Escalation)
	require.NoError(t, err)
	return e
}

func customerTurn(seq int, text string, label domain.EmotionLabel) domain.Turn {
	return domain.Turn{
		Seq:     seq,
		Role:    domain.RoleCustomer,
		Text:    text,
		Emotion: &domain.EmotionReading{Label: label, Confidence: 0.9},
	}
}

// priorStates are conversations the zero-false-negative property must hold
// across.
func priorStates() map[string]domain.Session {
	return map[string]domain.Session{
		"fresh": {ID: "s", BrandID: "fashionhub"},
		"calm history": {ID: "s", BrandID: "fashionhub", LastSeq: 4, Turns: []domain.Turn{
			customerTurn(3, "what is your return policy", domain.EmotionNeutral),
			{Seq: 4, Role: domain.RoleAgent, Text: "You can return within 15 days."},
		}},
		"frustrated with tools": {ID: "s", BrandID: "fashionhub", LastSeq: 6, Facts: domain.FactSlate{"order_id": {Value: "12345", Seq: 5}}, Turns: []domain.Turn{
			customerTurn(5, "where is order #12345", domain.EmotionFrustrated),
			{Seq: 6, Role: domain.RoleAgent, ToolCalls: []domain.ToolCall{{Name: tools.OrderStatus, Status: domain.ToolSucceeded, Result: map[string]any{"shipped": false}}}},
		}},
	}
}

func TestEvaluate_TriggerPhrasesAlwaysEscalate(t *testing.T) {
	e := newEngine(t)
	tr := brand.DefaultTriggers()
	categories := map[string][]string{
		"legal":        tr.Legal,
		"abuse":        tr.Abuse,
		"refund":       tr.Refund,
		"cancellation": tr.Cancellation,
	}
	templates := []string{"%s", "Hi, %s.", "ok so %s!!", "%s about order #12345", "I NEED THIS: %s"}

	for cat, phrases := range categories {
		for _, phrase := range phrases {
			for _, tpl := range templates {
				for stateName, s := range priorStates() {
					text := fmt.Sprintf(tpl, phrase)
					in := Input{
						Phase:   domain.PhasePre,
						Session: s,
						Latest:  customerTurn(s.LastSeq+1, text, domain.EmotionNeutral),
					}
					d := e.Evaluate(in)
					require.Truef(t, d.Escalated, "%s phrase %q in %q (state %s) did not escalate", cat, phrase, text, stateName)
					require.Equal(t, domain.PhasePre, d.Phase)
				}
			}
		}
	}
}

var benignCorpus = []string{
	"Where is my order #12345?",
	"What's the status of my order?",
	"Has order 55555 shipped yet?",
	"Can you track my package?",
	"When will my parcel arrive?",
	"My order is late, any update?",
	"How long does delivery take?",
	"Do you deliver on weekends?",
	"What is your return policy?",
	"How many days do I have to return an item?",
	"Can I return a sale item?",
	"What is your cancellation policy?",
	"What is your refund policy?",
	"How long does a refund take?",
	"Do you refund shipping charges?",
	"Do you have court shoes in size 7?",
	"Do you offer free shipping?",
	"Do you ship to pincode 110001?",
	"What payment methods do you accept?",
	"Is cash on delivery available?",
	"What's the warranty on this watch?",
	"Can I use a coupon code?",
	"Are gift cards available?",
	"Can I get the invoice for order 12345?",
	"Can I exchange this shirt for a larger size?",
	"I need a size exchange for my jeans",
	"The shoes are too small, can I swap them for size 9?",
	"How do exchanges work?",
	"I have an issue with the zipper, can I exchange it?",
	"Where can I find the size chart?",
	"Please help me pick a size",
	"Is SKU TS-1001 available in M?",
	"What sizes does the linen shirt come in?",
	"Are the colors true to the pictures?",
	"Is the courier service reliable?",
	"I'm confused about the exchange process",
	"This is urgent, when will it arrive?",
	"Can I change my delivery address?",
	"Do you have a store in Mumbai?",
	"Thanks for the help!",
	"Hi there",
	"Is there an issue with my order?",
	"Could you tell me about your loyalty programme?",
	"Does the jacket come in black?",
}

func TestEvaluate_BenignCorpusFalsePositiveRate(t *testing.T) {
	e := newEngine(t)
	escalated := 0
	for _, text := range benignCorpus {
		for _, phase := range []domain.EscalationPhase{domain.PhasePre, domain.PhasePost} {
			d := e.Evaluate(Input{Phase: phase, Latest: customerTurn(1, text, domain.EmotionNeutral)})
			if d.Escalated {
				escalated++
				t.Logf("false positive: %q -> %s", text, d.Reason)
			}
		}
	}
	rate := float64(escalated) / float64(2*len(benignCorpus))
	require.LessOrEqual(t, rate, 0.05)
	require.Zero(t, escalated)
}

func TestEvaluate_RefundRequestVersusPolicyQuestion(t *testing.T) {
	e := newEngine(t)
	cases := []struct {
		text string
		want bool
	}{
		{"I want a refund", true},
		{"Please refund me for order 12345", true},
		{"Can you process my refund today?", true},
		{"What is your refund policy?", false},
		{"How long does a refund take?", false},
		{"Is a refund possible after 30 days?", false},
	}
	for _, tc := range cases {
		d := e.Evaluate(Input{Phase: domain.PhasePre, Latest: customerTurn(1, tc.text, domain.EmotionNeutral)})
		require.Equal(t, tc.want, d.Escalated, tc.text)
		if tc.want {
			require.Equal(t, ReasonRefundRequest, d.Reason, tc.text)
		}
	}
}

func TestEvaluate_Priority(t *testing.T) {
	e := newEngine(t)
	cases := []struct {
		text   string
		reason string
	}{
		{"Refund me or I'll sue you", ReasonLegalThreat},
		{"you stupid bot, I want a refund", ReasonAbusiveLanguage},
		{"I want my money back, let me talk to a human", ReasonRefundRequest},
		{"I want to cancel my shipped order", ReasonCancellationAfterShipping},
		{"please cancel my order", ReasonCancellationRequest},
		{"can I speak to a manager", ReasonHumanRequest},
		{"this is ridiculous and unacceptable", ReasonExtremeFrustration},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			d := e.Evaluate(Input{Phase: domain.PhasePre, Latest: customerTurn(1, tc.text, domain.EmotionNeutral)})
			require.True(t, d.Escalated)
			require.Equal(t, tc.reason, d.Reason)
			require.NotEmpty(t, d.RuleID)
		})
	}
}

func TestEvaluate_CancellationAfterKnownShipment(t *testing.T) {
	e := newEngine(t)
	s := domain.Session{LastSeq: 2, Turns: []domain.Turn{
		customerTurn(1, "where is order #12345", domain.EmotionNeutral),
		{Seq: 2, Role: domain.RoleAgent, ToolCalls: []domain.ToolCall{{
			Name: tools.OrderStatus, Status: domain.ToolSucceeded, Result: map[string]any{"shipped": true},
		}}},
	}}
	d := e.Evaluate(Input{Phase: domain.PhasePre, Session: s, Latest: customerTurn(3, "ok then cancel it", domain.EmotionNeutral)})
	require.Equal(t, ReasonCancellationAfterShipping, d.Reason)
}

func TestEvaluate_FrustrationStreak(t *testing.T) {
	e := newEngine(t)
	history := []domain.Turn{
		customerTurn(1, "still nothing", domain.EmotionFrustrated),
		{Seq: 2, Role: domain.RoleAgent},
		customerTurn(3, "this is so slow", domain.EmotionFrustrated),
		{Seq: 4, Role: domain.RoleAgent},
	}
	d := e.Evaluate(Input{
		Phase:   domain.PhasePre,
		Session: domain.Session{LastSeq: 4, Turns: history},
		Latest:  customerTurn(5, "where is it", domain.EmotionFrustrated),
	})
	require.Equal(t, ReasonRepeatedFrustration, d.Reason)

	history[2].Emotion = &domain.EmotionReading{Label: domain.EmotionNeutral, Confidence: 1}
	d = e.Evaluate(Input{
		Phase:   domain.PhasePre,
		Session: domain.Session{LastSeq: 4, Turns: history},
		Latest:  customerTurn(5, "where is it", domain.EmotionFrustrated),
	})
	require.False(t, d.Escalated)
}

func TestEvaluate_PostRules(t *testing.T) {
	e := newEngine(t)
	timedOut := domain.ToolCall{Name: tools.OrderStatus, Status: domain.ToolTimedOut, Reason: domain.ReasonTimeout}
	notFound := domain.ToolCall{Name: tools.OrderStatus, Status: domain.ToolFailed, Reason: domain.ReasonNotFound}
	withHistory := func(calls ...domain.ToolCall) domain.Session {
		return domain.Session{LastSeq: 2, Turns: []domain.Turn{
			customerTurn(1, "where is my order", domain.EmotionNeutral),
			{Seq: 2, Role: domain.RoleAgent, ToolCalls: calls},
		}}
	}
	latest := customerTurn(3, "what's the status", domain.EmotionNeutral)

	cases := []struct {
		name   string
		in     Input
		reason string
	}{
		{"generation failed", Input{Generation: Generation{Attempted: true, Failed: true}}, ReasonGenerationFailed},
		{"single timeout degrades", Input{ToolCalls: []domain.ToolCall{timedOut}}, ""},
		{"repeated timeout", Input{Session: withHistory(timedOut), ToolCalls: []domain.ToolCall{timedOut}}, ReasonRepeatedToolFailure},
		{"old failure only", Input{Session: withHistory(timedOut)}, ""},
		{"first not found", Input{ToolCalls: []domain.ToolCall{notFound}}, ""},
		{"second not found", Input{Session: withHistory(notFound), ToolCalls: []domain.ToolCall{notFound}}, ReasonOrderNotFoundRepeated},
		{"insufficient evidence", Input{Generation: Generation{InsufficientEvidence: true}}, ReasonInsufficientEvidence},
		{"healthy", Input{Generation: Generation{Attempted: true}}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.in.Phase = domain.PhasePost
			tc.in.Latest = latest
			d := e.Evaluate(tc.in)
			require.Equal(t, tc.reason != "", d.Escalated)
			require.Equal(t, tc.reason, d.Reason)
			require.Equal(t, domain.PhasePost, d.Phase)
		})
	}
}

func TestEvaluate_PhasesAreSeparate(t *testing.T) {
	e := newEngine(t)
	d := e.Evaluate(Input{Phase: domain.PhasePost, Latest: customerTurn(1, "I want a refund", domain.EmotionNeutral)})
	require.False(t, d.Escalated, "phrase rules run before generation only")

	d = e.Evaluate(Input{Phase: domain.PhasePre, Generation: Generation{Failed: true}, Latest: customerTurn(1, "hi", domain.EmotionNeutral)})
	require.False(t, d.Escalated)
}

func TestEvaluate_BrandPhrases(t *testing.T) {
	cfg, err := brand.Parse([]byte("brand_id: techgear\nescalation:\n  triggers:\n    refund: [\"return my money\"]\n"))
	require.NoError(t, err)
	p := NewProvider()
	e, err := p.For(cfg)
	require.NoError(t, err)
	again, err := p.For(cfg)
	require.NoError(t, err)
	require.Same(t, e, again)

	d := e.Evaluate(Input{Phase: domain.PhasePre, Latest: customerTurn(1, "just return my money", domain.EmotionNeutral)})
	require.Equal(t, ReasonRefundRequest, d.Reason)
	require.Len(t, e.Rules(), 11)
}

func TestHandoffMessage(t *testing.T) {
	cfg := brand.Default("fashionhub")
	require.Contains(t, HandoffMessage(cfg, ReasonRefundRequest), "refund")
	require.Equal(t, fallbackHandoff, HandoffMessage(cfg, "something_new"))

	cfg.Escalation.HandoffMessages = map[string]string{ReasonRefundRequest: "Returns desk will call you."}
	require.Equal(t, "Returns desk will call you.", HandoffMessage(cfg, ReasonRefundRequest))
	for reason := range handoffMessages {
		require.NotEmpty(t, HandoffMessage(brand.Default("x"), reason))
	}
}
