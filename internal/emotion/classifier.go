// Package emotion maps a customer utterance, plus recent history, to one
// emotion label with a confidence.
package emotion

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"unicode"

	"support-agent/internal/brand"
	"support-agent/internal/domain"
	"support-agent/internal/textmatch"
)

// Classifier labels an utterance. Implementations must not mutate recent.
type Classifier interface {
	Classify(ctx context.Context, utterance string, recent []domain.Turn) (domain.EmotionReading, error)
}

// priority decides between labels that both have signal.
var priority = []domain.EmotionLabel{
	domain.EmotionFrustrated,
	domain.EmotionUrgent,
	domain.EmotionConfused,
	domain.EmotionHappy,
}

// DefaultLexicon is the built-in keyword list per label.
func DefaultLexicon() map[domain.EmotionLabel][]string {
	return map[domain.EmotionLabel][]string{
		domain.EmotionFrustrated: {
			"frustrated", "frustrating", "annoyed", "angry", "ridiculous", "terrible",
			"awful", "worst", "disappointed", "upset", "mad", "unacceptable", "fed up",
			"useless", "pathetic", "horrible", "still waiting", "late", "delayed",
		},
		domain.EmotionUrgent: {
			"urgent", "urgently", "asap", "immediately", "right now", "today", "emergency",
			"critical", "right away", "as soon as possible", "hurry",
		},
		domain.EmotionConfused: {
			"confused", "confusing", "don't understand", "do not understand", "unclear",
			"not sure", "makes no sense", "what does that mean", "don't get it",
		},
		domain.EmotionHappy: {
			"thanks", "thank you", "appreciate", "great", "perfect", "excellent",
			"helpful", "awesome", "love it",
		},
	}
}

var (
	repeatedBang     = regexp.MustCompile(`!{2,}|!\?|\?!`)
	repeatedQuestion = regexp.MustCompile(`\?{2,}`)
)

// KeywordClassifier scores labels by lexicon hits plus a few typographic
// signals: shouting and repeated "!" push toward frustration, repeated "?"
// toward confusion.
type KeywordClassifier struct {
	lexicon map[domain.EmotionLabel]*textmatch.Set
}

// NewKeywordClassifier merges extra (label name to phrases) into the
// default lexicon.
func NewKeywordClassifier(extra map[string][]string) (*KeywordClassifier, error) {
	base := DefaultLexicon()
	for name, phrases := range extra {
		label := domain.EmotionLabel(name)
		if !label.Valid() || label == domain.EmotionNeutral {
			return nil, fmt.Errorf("emotion: unknown lexicon label %q", name)
		}
		base[label] = append(base[label], phrases...)
	}
	k := &KeywordClassifier{lexicon: make(map[domain.EmotionLabel]*textmatch.Set, len(base))}
	for label, phrases := range base {
		set, err := textmatch.Compile(phrases)
		if err != nil {
			return nil, fmt.Errorf("emotion: %s lexicon: %w", label, err)
		}
		k.lexicon[label] = set
	}
	return k, nil
}

// Classify never returns an error; it is part of the interface for
// classifiers backed by remote services.
func (k *KeywordClassifier) Classify(_ context.Context, utterance string, recent []domain.Turn) (domain.EmotionReading, error) {
	scores := make(map[domain.EmotionLabel]int, len(priority))
	for _, label := range priority {
		scores[label] = len(k.lexicon[label].Matches(utterance))
	}

	if shouting(utterance) {
		scores[domain.EmotionFrustrated]++
	}
	if repeatedBang.MatchString(utterance) {
		scores[domain.EmotionFrustrated]++
	} else if repeatedQuestion.MatchString(utterance) {
		scores[domain.EmotionConfused]++
	}
	if scores[domain.EmotionFrustrated] == 1 && lastCustomerFrustrated(recent) {
		scores[domain.EmotionFrustrated]++
	}

	for _, label := range priority {
		if n := scores[label]; n > 0 {
			return domain.EmotionReading{Label: label, Confidence: confidence(n)}, nil
		}
	}
	return domain.EmotionReading{Label: domain.EmotionNeutral, Confidence: 1}, nil
}

func confidence(signals int) float64 {
	switch {
	case signals >= 3:
		return 0.95
	case signals == 2:
		return 0.8
	default:
		return 0.6
	}
}

// shouting is true when most letters of a non-trivial message are upper case.
func shouting(s string) bool {
	var letters, upper int
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 6 && float64(upper)/float64(letters) > 0.5
}

func lastCustomerFrustrated(recent []domain.Turn) bool {
	for i := len(recent) - 1; i >= 0; i-- {
		t := recent[i]
		if t.Role != domain.RoleCustomer {
			continue
		}
		return t.Emotion != nil && t.Emotion.Label == domain.EmotionFrustrated
	}
	return false
}

// Thresholded downgrades uncertain or failed readings to neutral.
type Thresholded struct {
	Inner     Classifier
	Threshold float64
	Logger    *slog.Logger
}

// Classify always returns a valid reading and a nil error.
func (t Thresholded) Classify(ctx context.Context, utterance string, recent []domain.Turn) (domain.EmotionReading, error) {
	neutral := domain.EmotionReading{Label: domain.EmotionNeutral, Confidence: 1}
	if t.Inner == nil {
		return neutral, nil
	}
	r, err := t.Inner.Classify(ctx, utterance, recent)
	if err != nil {
		t.logger().Warn("emotion classification failed", "err", err)
		return neutral, nil
	}
	if !r.Label.Valid() {
		t.logger().Warn("emotion classifier returned unknown label", "label", string(r.Label))
		return neutral, nil
	}
	if r.Label != domain.EmotionNeutral && r.Confidence < t.Threshold {
		return domain.EmotionReading{Label: domain.EmotionNeutral, Confidence: 1 - r.Confidence}, nil
	}
	return r, nil
}

func (t Thresholded) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// Provider hands out one thresholded keyword classifier per brand, built
// from the brand's lexicon overrides on first use.
type Provider struct {
	logger *slog.Logger

	mu      sync.Mutex
	byBrand map[string]Classifier
}

// NewProvider creates a Provider.
func NewProvider(logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{logger: logger, byBrand: make(map[string]Classifier)}
}

// For returns the classifier configured for cfg. A brand whose lexicon does
// not compile falls back to the default lexicon.
func (p *Provider) For(cfg brand.Config) Classifier {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.byBrand[cfg.BrandID]; ok {
		return c
	}
	kc, err := NewKeywordClassifier(cfg.Emotion.Lexicon)
	if err != nil {
		p.logger.Warn("brand emotion lexicon rejected", "brand_id", cfg.BrandID, "err", err)
		kc, _ = NewKeywordClassifier(nil)
	}
	c := Thresholded{Inner: kc, Threshold: cfg.Emotion.ConfidenceThreshold, Logger: p.logger}
	p.byBrand[cfg.BrandID] = c
	return c
}
