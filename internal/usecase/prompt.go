package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"support-agent/internal/brand"
	"support-agent/internal/domain"
	"support-agent/internal/retrieval"
)

const insufficientReply = "I'm sorry, I don't have that information right now."

type groundedAnswerResponse struct {
	Answer               string   `json:"answer"`
	Sources              []string `json:"sources"`
	InsufficientEvidence bool     `json:"insufficient_evidence"`
}

type promptContext struct {
	brand    brand.Config
	emotion  domain.EmotionReading
	passages []domain.RetrievalResult
	calls    []domain.ToolCall
	facts    domain.FactSlate
}

func buildPromptMessages(ctx promptContext, question string, history []domain.Turn) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: "system", Content: buildPolicyPrompt(ctx.brand)},
		{Role: "system", Content: buildEvidencePrompt(ctx)},
	}

	for _, t := range history {
		if m, ok := turnToPromptMessage(t); ok {
			messages = append(messages, m)
		}
	}

	messages = append(messages, domain.ChatMessage{
		Role:    "user",
		Content: question,
	})
	return messages
}

func buildPolicyPrompt(cfg brand.Config) string {
	return strings.Join([]string{
		"Role:",
		fmt.Sprintf("You are the customer support assistant for %s.", cfg.Name),
		"",
		"Task:",
		"Answer the customer's latest message using only the evidence provided in this request.",
		"",
		"Approved Sources:",
		"- Knowledge passages provided in this request, cited by document id",
		"- Tool results provided in this request",
		"- Known facts and prior conversation turns in this request",
		"",
		"Voice:",
		voiceRules(cfg.Voice),
		"",
		"Behavior Rules:",
		behaviorRules(cfg.Policies),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func voiceRules(v brand.Voice) string {
	lines := []string{"- Tone: " + strings.ReplaceAll(v.Tone, "_", " ")}
	if v.Formality != "" {
		lines = append(lines, "- Formality: "+v.Formality)
	}
	if v.EmojiUsage != "" {
		lines = append(lines, "- Emoji usage: "+v.EmojiUsage)
	}
	if len(v.SignaturePhrases) > 0 {
		lines = append(lines, "- Phrases you may use: "+strings.Join(v.SignaturePhrases, "; "))
	}
	if len(v.ForbiddenPhrases) > 0 {
		lines = append(lines, "- Never say: "+strings.Join(v.ForbiddenPhrases, "; "))
	}
	return strings.Join(lines, "\n")
}

func behaviorRules(p brand.Policies) string {
	return strings.Join([]string{
		"1) Answer only the customer's latest message.",
		"2) Never invent order details, prices, dates or policies that are not in the evidence.",
		"3) When a tool result says data unavailable, say you could not check it right now and offer to try again.",
		"4) Keep replies short: two to four sentences.",
		fmt.Sprintf("5) Amounts are in %s.", p.Currency),
		"6) If the evidence does not answer the question, set insufficient_evidence=true and leave answer empty.",
	}, "\n")
}

func outputContract() string {
	return "Return JSON only with keys answer (string), sources (array of document ids you used) " +
		"and insufficient_evidence (boolean). " +
		"If the evidence is insufficient, return insufficient_evidence=true, answer=\"\" and sources=[]."
}

// toneGuidance adapts the reply to the classified emotion.
var toneGuidance = map[domain.EmotionLabel]string{
	domain.EmotionFrustrated: "The customer is frustrated. Acknowledge the problem first, apologise once, then give the facts.",
	domain.EmotionConfused:   "The customer is confused. Explain step by step in plain words.",
	domain.EmotionUrgent:     "The customer is in a hurry. Lead with the answer and skip pleasantries.",
	domain.EmotionHappy:      "The customer is happy. Match their warmth briefly.",
	domain.EmotionNeutral:    "Keep a calm, helpful tone.",
}

func buildEvidencePrompt(ctx promptContext) string {
	var b strings.Builder
	b.WriteString("Customer Mood:\n")
	b.WriteString(toneGuidance[ctx.emotion.Label])
	b.WriteString("\n\nBrand Policies:\n")
	fmt.Fprintf(&b, "- Return window: %d days\n", ctx.brand.Policies.ReturnWindowDays)
	fmt.Fprintf(&b, "- Free shipping from %.0f %s, otherwise %.0f %s\n",
		ctx.brand.Policies.FreeShippingThreshold, ctx.brand.Policies.Currency,
		ctx.brand.Policies.StandardShippingFee, ctx.brand.Policies.Currency)

	b.WriteString("\nKnown Facts:\n")
	b.WriteString(formatFacts(ctx.facts))

	b.WriteString("\n\nKnowledge Passages:\n")
	if len(ctx.passages) == 0 {
		b.WriteString("(none)")
	}
	for _, p := range ctx.passages {
		fmt.Fprintf(&b, "[%s#%d relevance=%s] %s\n", p.DocumentID, p.ChunkIndex, retrieval.BandOf(p.Score), normalizePromptInput(p.Text))
	}

	b.WriteString("\nTool Results:\n")
	if len(ctx.calls) == 0 {
		b.WriteString("(none)")
	}
	for _, c := range ctx.calls {
		fmt.Fprintf(&b, "- %s: %s\n", c.Name, formatToolCall(c))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatFacts(f domain.FactSlate) string {
	if len(f) == 0 {
		return "(none)"
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %s", k, f[k].Value))
	}
	return strings.Join(lines, "\n")
}

func formatToolCall(c domain.ToolCall) string {
	switch {
	case c.Unavailable():
		return "data unavailable"
	case c.Status == domain.ToolFailed && c.Reason == domain.ReasonNotFound:
		return "not found"
	case c.Status != domain.ToolSucceeded:
		return "could not be checked (" + c.Reason + ")"
	}
	raw, err := json.Marshal(c.Result)
	if err != nil {
		return "data unavailable"
	}
	return string(raw)
}

func turnToPromptMessage(t domain.Turn) (domain.ChatMessage, bool) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return domain.ChatMessage{}, false
	}
	switch t.Role {
	case domain.RoleCustomer:
		return domain.ChatMessage{Role: "user", Content: text}, true
	case domain.RoleAgent:
		return domain.ChatMessage{Role: "assistant", Content: text}, true
	}
	return domain.ChatMessage{}, false
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

func parseGroundedAnswer(raw string) (groundedAnswerResponse, error) {
	var out groundedAnswerResponse
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return groundedAnswerResponse{}, fmt.Errorf("usecase: decode grounded answer: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return groundedAnswerResponse{}, errors.New("usecase: decode grounded answer: multiple JSON values")
		}
		return groundedAnswerResponse{}, fmt.Errorf("usecase: decode grounded answer trailing data: %w", err)
	}
	out.Answer = strings.TrimSpace(out.Answer)
	if !out.InsufficientEvidence && out.Answer == "" {
		return groundedAnswerResponse{}, errors.New("usecase: grounded answer missing answer")
	}
	return out, nil
}

// citations keeps the sources that name a passage actually supplied,
// in first-mention order.
func citations(sources []string, passages []domain.RetrievalResult) []string {
	known := make(map[string]bool, len(passages))
	for _, p := range passages {
		known[p.DocumentID] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, s := range sources {
		s = strings.TrimSpace(s)
		if i := strings.IndexByte(s, '#'); i > 0 {
			s = s[:i]
		}
		if known[s] && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
