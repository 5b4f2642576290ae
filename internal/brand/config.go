// Package brand holds read-only per-brand configuration: voice, business
// constants, retrieval and escalation thresholds, and fact patterns.
package brand

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultTopK                = 3
	defaultMinScore            = 0.35
	defaultEmotionThreshold    = 0.5
	defaultToolFailureLimit    = 2
	defaultNotFoundLimit       = 2
	defaultFrustrationStreak   = 3
	defaultReturnWindowDays    = 30
	defaultFreeShippingMinimum = 1500
	defaultShippingFee         = 100
	defaultModel               = "gpt-4o-mini"
)

// Config is one brand's configuration document.
type Config struct {
	BrandID    string           `yaml:"brand_id"`
	Name       string           `yaml:"name"`
	Model      string           `yaml:"model"`
	Voice      Voice            `yaml:"voice"`
	Policies   Policies         `yaml:"policies"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Emotion    EmotionConfig    `yaml:"emotion"`
	Escalation EscalationConfig `yaml:"escalation"`
	Facts      []FactPattern    `yaml:"facts"`
}

// Voice describes how replies should sound.
type Voice struct {
	Tone             string   `yaml:"tone"`
	Formality        string   `yaml:"formality"`
	EmojiUsage       string   `yaml:"emoji_usage"`
	SignaturePhrases []string `yaml:"signature_phrases"`
	ForbiddenPhrases []string `yaml:"forbidden_phrases"`
}

// Policies are business constants surfaced to generation and tools.
type Policies struct {
	ReturnWindowDays      int     `yaml:"return_window_days"`
	FreeShippingThreshold float64 `yaml:"free_shipping_threshold"`
	StandardShippingFee   float64 `yaml:"standard_shipping_fee"`
	Currency              string  `yaml:"currency"`
}

// RetrievalConfig bounds knowledge search.
type RetrievalConfig struct {
	TopK     int     `yaml:"top_k"`
	MinScore float64 `yaml:"min_score"`
}

// EmotionConfig tunes the classifier. Lexicon entries extend the built-in
// keyword lists per label.
type EmotionConfig struct {
	ConfidenceThreshold float64             `yaml:"confidence_threshold"`
	Lexicon             map[string][]string `yaml:"lexicon"`
}

// EscalationConfig carries trigger phrases and thresholds for the policy
// engine. Empty phrase lists fall back to the defaults in DefaultTriggers.
type EscalationConfig struct {
	Triggers          Triggers          `yaml:"triggers"`
	ToolFailureLimit  int               `yaml:"tool_failure_limit"`
	NotFoundLimit     int               `yaml:"order_not_found_limit"`
	FrustrationStreak int               `yaml:"frustration_streak"`
	HandoffMessages   map[string]string `yaml:"handoff_messages"`
}

// Triggers lists phrases per trigger category.
type Triggers struct {
	Legal        []string `yaml:"legal"`
	Abuse        []string `yaml:"abuse"`
	Refund       []string `yaml:"refund"`
	Cancellation []string `yaml:"cancellation"`
	Shipped      []string `yaml:"shipped"`
	HumanRequest []string `yaml:"human_request"`

	// StrongFrustration escalates when two or more occur in one message.
	StrongFrustration []string `yaml:"strong_frustration"`
}

// FactPattern declares how one fact key is extracted from customer text.
// When Value is set the match itself is discarded and Value is stored.
type FactPattern struct {
	Key     string `yaml:"key"`
	Pattern string `yaml:"pattern"`
	Group   int    `yaml:"group"`
	Value   string `yaml:"value"`
}

// Parse decodes a YAML brand document, applies defaults and validates it.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("brand: decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a fully defaulted config for brandID.
func Default(brandID string) Config {
	cfg := Config{BrandID: brandID}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	c.BrandID = strings.TrimSpace(c.BrandID)
	if c.Name == "" {
		c.Name = c.BrandID
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Voice.Tone == "" {
		c.Voice.Tone = "friendly_professional"
	}
	if c.Policies.ReturnWindowDays <= 0 {
		c.Policies.ReturnWindowDays = defaultReturnWindowDays
	}
	if c.Policies.FreeShippingThreshold <= 0 {
		c.Policies.FreeShippingThreshold = defaultFreeShippingMinimum
	}
	if c.Policies.StandardShippingFee <= 0 {
		c.Policies.StandardShippingFee = defaultShippingFee
	}
	if c.Policies.Currency == "" {
		c.Policies.Currency = "INR"
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = defaultTopK
	}
	if c.Retrieval.MinScore <= 0 {
		c.Retrieval.MinScore = defaultMinScore
	}
	if c.Emotion.ConfidenceThreshold <= 0 {
		c.Emotion.ConfidenceThreshold = defaultEmotionThreshold
	}
	if c.Escalation.ToolFailureLimit <= 0 {
		c.Escalation.ToolFailureLimit = defaultToolFailureLimit
	}
	if c.Escalation.NotFoundLimit <= 0 {
		c.Escalation.NotFoundLimit = defaultNotFoundLimit
	}
	if c.Escalation.FrustrationStreak <= 0 {
		c.Escalation.FrustrationStreak = defaultFrustrationStreak
	}
	c.Escalation.Triggers = c.Escalation.Triggers.withDefaults()
	if len(c.Facts) == 0 {
		c.Facts = DefaultFactPatterns()
	}
}

// Validate checks invariants that defaults cannot repair.
func (c Config) Validate() error {
	if c.BrandID == "" {
		return errors.New("brand: brand_id is required")
	}
	if c.Retrieval.MinScore > 1 {
		return fmt.Errorf("brand: %s: retrieval.min_score must be within [0,1]", c.BrandID)
	}
	if c.Emotion.ConfidenceThreshold > 1 {
		return fmt.Errorf("brand: %s: emotion.confidence_threshold must be within [0,1]", c.BrandID)
	}
	for i, p := range c.Facts {
		if strings.TrimSpace(p.Key) == "" {
			return fmt.Errorf("brand: %s: facts[%d]: key is required", c.BrandID, i)
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("brand: %s: facts[%d]: %w", c.BrandID, i, err)
		}
		if p.Group > re.NumSubexp() {
			return fmt.Errorf("brand: %s: facts[%d]: group %d out of range", c.BrandID, i, p.Group)
		}
	}
	return nil
}

// HandoffMessage returns the brand override for reason, or "".
func (c Config) HandoffMessage(reason string) string {
	return strings.TrimSpace(c.Escalation.HandoffMessages[reason])
}
