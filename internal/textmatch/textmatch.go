// Package textmatch matches configured trigger phrases against free text on
// word boundaries, case-insensitively.
package textmatch

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Set is a compiled list of phrases. The zero value matches nothing.
type Set struct {
	phrases []string
	res     []*regexp.Regexp
}

// Compile builds a Set. Blank phrases are skipped; duplicates are kept once.
func Compile(phrases []string) (*Set, error) {
	s := &Set{}
	seen := make(map[string]struct{}, len(phrases))
	for _, p := range phrases {
		p = strings.ToLower(strings.Join(strings.Fields(Normalize(p)), " "))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		re, err := regexp.Compile(pattern(p))
		if err != nil {
			return nil, fmt.Errorf("textmatch: phrase %q: %w", p, err)
		}
		s.phrases = append(s.phrases, p)
		s.res = append(s.res, re)
	}
	return s, nil
}

// MustCompile is Compile for static phrase lists.
func MustCompile(phrases []string) *Set {
	s, err := Compile(phrases)
	if err != nil {
		panic(err)
	}
	return s
}

func pattern(phrase string) string {
	parts := strings.Split(phrase, " ")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	body := strings.Join(parts, `\s+`)

	first, _ := firstRune(phrase)
	last, _ := lastRune(phrase)
	var b strings.Builder
	b.WriteString("(?i)")
	if isWord(first) {
		b.WriteString(`\b`)
	}
	b.WriteString(body)
	if isWord(last) {
		b.WriteString(`\b`)
	}
	return b.String()
}

// Matches returns the phrases found in text, in declaration order.
func (s *Set) Matches(text string) []string {
	if s == nil || text == "" {
		return nil
	}
	text = Normalize(text)
	var out []string
	for i, re := range s.res {
		if re.MatchString(text) {
			out = append(out, s.phrases[i])
		}
	}
	return out
}

// First returns the first declared phrase found in text.
func (s *Set) First(text string) (string, bool) {
	if s == nil || text == "" {
		return "", false
	}
	text = Normalize(text)
	for i, re := range s.res {
		if re.MatchString(text) {
			return s.phrases[i], true
		}
	}
	return "", false
}

// Any reports whether any phrase occurs in text.
func (s *Set) Any(text string) bool {
	_, ok := s.First(text)
	return ok
}

// Len is the number of distinct phrases.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.phrases)
}

// Normalize folds typographic apostrophes so "don’t" matches "don't".
func Normalize(text string) string {
	return strings.NewReplacer("’", "'", "‘", "'").Replace(text)
}

func isWord(r rune) bool {
	return r == '_' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
}

func firstRune(s string) (rune, bool) {
	for _, r := range s {
		return r, true
	}
	return 0, false
}

func lastRune(s string) (rune, bool) {
	rs := []rune(s)
	if len(rs) == 0 {
		return 0, false
	}
	return rs[len(rs)-1], true
}
