package retrieval

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"

	"support-agent/internal/domain"
)

// Scorer assigns each passage a relevance in [0,1] for query. The returned
// slice is parallel to passages.
type Scorer interface {
	Score(ctx context.Context, query string, passages []domain.Passage) ([]float64, error)
}

// LexicalScorer scores by the share of query terms found in a passage.
// Stop-words are ignored on both sides.
type LexicalScorer struct{}

func (LexicalScorer) Score(_ context.Context, query string, passages []domain.Passage) ([]float64, error) {
	q := termSet(query)
	out := make([]float64, len(passages))
	if len(q) == 0 {
		return out, nil
	}
	for i, p := range passages {
		terms := termSet(p.Text)
		hits := 0
		for t := range q {
			if _, ok := terms[t]; ok {
				hits++
			}
		}
		out[i] = float64(hits) / float64(len(q))
	}
	return out, nil
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {}, "can": {},
	"do": {}, "does": {}, "for": {}, "from": {}, "have": {}, "how": {}, "i": {}, "if": {},
	"in": {}, "is": {}, "it": {}, "me": {}, "my": {}, "of": {}, "on": {}, "or": {}, "our": {},
	"please": {}, "so": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "we": {},
	"what": {}, "whats": {}, "when": {}, "where": {}, "which": {}, "who": {}, "why": {},
	"will": {}, "with": {}, "you": {}, "your": {}, "s": {}, "t": {},
}

func termSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if _, stop := stopWords[f]; stop {
			continue
		}
		out[stem(f)] = struct{}{}
	}
	return out
}

// stem folds the most common English plural forms.
func stem(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:len(w)-1]
	}
	return w
}

// Embedder turns texts into vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingScorer scores by cosine similarity between the query embedding
// and each passage embedding. Passages stored without an embedding are
// embedded on the fly in one batch.
type EmbeddingScorer struct {
	embedder Embedder
}

// NewEmbeddingScorer creates an EmbeddingScorer.
func NewEmbeddingScorer(e Embedder) (*EmbeddingScorer, error) {
	if e == nil {
		return nil, errors.New("retrieval: embedder must not be nil")
	}
	return &EmbeddingScorer{embedder: e}, nil
}

func (s *EmbeddingScorer) Score(ctx context.Context, query string, passages []domain.Passage) ([]float64, error) {
	texts := []string{query}
	var missing []int
	for i, p := range passages {
		if len(p.Embedding) == 0 {
			missing = append(missing, i)
			texts = append(texts, p.Text)
		}
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("retrieval: embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}

	q := vecs[0]
	fresh := make(map[int][]float32, len(missing))
	for j, idx := range missing {
		fresh[idx] = vecs[j+1]
	}
	out := make([]float64, len(passages))
	for i, p := range passages {
		v := p.Embedding
		if len(v) == 0 {
			v = fresh[i]
		}
		out[i] = clamp01(float64(Cosine(q, v)))
	}
	return out, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when the vectors
// differ in length or either is zero.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	denom := float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB)))
	if denom == 0 {
		return 0
	}
	return dot / denom
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// EncodeEmbedding packs v as little-endian float32s for blob storage.
func EncodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeEmbedding reverses EncodeEmbedding.
func DecodeEmbedding(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("retrieval: embedding blob length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
