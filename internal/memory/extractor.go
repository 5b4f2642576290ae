// Package memory implements the conversation memory: an append-only turn
// log plus a fact slate derived from customer turns.
package memory

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"support-agent/internal/brand"
)

type compiledPattern struct {
	key   string
	re    *regexp.Regexp
	group int
	value string
}

// Extractor pulls slate facts out of turn text using declared patterns.
// Extract is a pure function of its input.
type Extractor struct {
	patterns []compiledPattern
	logger   *slog.Logger
}

// NewExtractor compiles patterns. The first pattern that matches a key wins
// for a given text, so more specific patterns should be listed first.
func NewExtractor(patterns []brand.FactPattern, logger *slog.Logger) (*Extractor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Extractor{logger: logger}
	for i, p := range patterns {
		key := strings.TrimSpace(p.Key)
		if key == "" {
			return nil, fmt.Errorf("memory: pattern %d: key is required", i)
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("memory: pattern %d (%s): %w", i, key, err)
		}
		if p.Group < 0 || p.Group > re.NumSubexp() {
			return nil, fmt.Errorf("memory: pattern %d (%s): group %d out of range", i, key, p.Group)
		}
		e.patterns = append(e.patterns, compiledPattern{key: key, re: re, group: p.Group, value: p.Value})
	}
	return e, nil
}

// Extract returns the facts mentioned in text. Malformed input never
// fails: anything that cannot be read yields no fact and is logged.
func (e *Extractor) Extract(text string) (facts map[string]string) {
	facts = make(map[string]string)
	if e == nil || strings.TrimSpace(text) == "" {
		return facts
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("fact extraction failed", "err", r)
			facts = make(map[string]string)
		}
	}()

	for _, p := range e.patterns {
		if _, seen := facts[p.key]; seen {
			continue
		}
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		v := p.value
		if v == "" {
			v = strings.TrimSpace(m[p.group])
		}
		if v == "" {
			continue
		}
		facts[p.key] = v
	}
	return facts
}
