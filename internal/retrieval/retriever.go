// Package retrieval searches a brand's knowledge passages. The brand filter
// is applied before any scoring, so a passage belonging to another brand can
// never enter the ranked set.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"support-agent/internal/domain"
)

// DefaultMinScore is used when a search does not set its own threshold.
const DefaultMinScore = 0.35

// PassageStore lists every passage in one brand's partition.
type PassageStore interface {
	ListPassages(ctx context.Context, brandID string) ([]domain.Passage, error)
}

// Retriever ranks passages for a query.
type Retriever struct {
	store    PassageStore
	scorer   Scorer
	cacheTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	passages []domain.Passage
	loadedAt time.Time
}

type Option func(*Retriever)

// WithCacheTTL keeps each brand's passages in memory for ttl. Zero disables
// caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Retriever) { r.cacheTTL = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(r *Retriever) { r.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) { r.logger = l }
}

// New creates a Retriever.
func New(store PassageStore, scorer Scorer, opts ...Option) (*Retriever, error) {
	if store == nil {
		return nil, errors.New("retrieval: store must not be nil")
	}
	if scorer == nil {
		return nil, errors.New("retrieval: scorer must not be nil")
	}
	r := &Retriever{
		store:    store,
		scorer:   scorer,
		cacheTTL: 5 * time.Minute,
		now:      time.Now,
		logger:   slog.Default(),
		cache:    make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type searchOptions struct {
	minScore float64
}

type SearchOption func(*searchOptions)

// MinScore drops results scoring below v.
func MinScore(v float64) SearchOption {
	return func(o *searchOptions) { o.minScore = v }
}

// Search returns at most topK passages of brandID ranked by descending
// score, then newer document, then document id, then chunk index. When
// nothing clears the threshold the result is empty and err is nil.
func (r *Retriever) Search(ctx context.Context, brandID, query string, topK int, opts ...SearchOption) ([]domain.RetrievalResult, error) {
	brandID = strings.TrimSpace(brandID)
	if brandID == "" {
		return nil, errors.New("retrieval: brand id is required")
	}
	o := searchOptions{minScore: DefaultMinScore}
	for _, opt := range opts {
		opt(&o)
	}
	if topK <= 0 || strings.TrimSpace(query) == "" {
		return []domain.RetrievalResult{}, nil
	}

	all, err := r.passages(ctx, brandID)
	if err != nil {
		return nil, err
	}
	candidates := make([]domain.Passage, 0, len(all))
	for _, p := range all {
		if p.BrandID != brandID {
			r.logger.Warn("dropping passage from foreign brand",
				"brand_id", brandID, "passage_brand", p.BrandID, "document_id", p.DocumentID)
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return []domain.RetrievalResult{}, nil
	}

	scores, err := r.scorer.Score(ctx, query, candidates)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(candidates) {
		return nil, fmt.Errorf("retrieval: scorer returned %d scores for %d passages", len(scores), len(candidates))
	}

	results := make([]domain.RetrievalResult, 0, len(candidates))
	for i, p := range candidates {
		s := clamp01(scores[i])
		if s < o.minScore || s == 0 {
			continue
		}
		results = append(results, domain.RetrievalResult{
			Text:              p.Text,
			DocumentID:        p.DocumentID,
			ChunkIndex:        p.ChunkIndex,
			Score:             s,
			BrandID:           p.BrandID,
			DocumentUpdatedAt: p.UpdatedAt,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return less(results[i], results[j]) })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func less(a, b domain.RetrievalResult) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.DocumentUpdatedAt.Equal(b.DocumentUpdatedAt) {
		return a.DocumentUpdatedAt.After(b.DocumentUpdatedAt)
	}
	if a.DocumentID != b.DocumentID {
		return a.DocumentID < b.DocumentID
	}
	return a.ChunkIndex < b.ChunkIndex
}

func (r *Retriever) passages(ctx context.Context, brandID string) ([]domain.Passage, error) {
	if r.cacheTTL > 0 {
		r.mu.Lock()
		e, ok := r.cache[brandID]
		r.mu.Unlock()
		if ok && r.now().Sub(e.loadedAt) < r.cacheTTL {
			return e.passages, nil
		}
	}

	ps, err := r.store.ListPassages(ctx, brandID)
	if err != nil {
		return nil, fmt.Errorf("retrieval: list passages for %s: %w", brandID, err)
	}
	if r.cacheTTL > 0 {
		r.mu.Lock()
		r.cache[brandID] = cacheEntry{passages: ps, loadedAt: r.now()}
		r.mu.Unlock()
	}
	return ps, nil
}

// Invalidate drops the cached passages of brandID.
func (r *Retriever) Invalidate(brandID string) {
	r.mu.Lock()
	delete(r.cache, brandID)
	r.mu.Unlock()
}

// Band buckets a relevance score for caveat wording in replies.
type Band string

const (
	BandHigh   Band = "high"
	BandMedium Band = "medium"
	BandLow    Band = "low"
)

// BandOf returns the band of score.
func BandOf(score float64) Band {
	switch {
	case score >= 0.85:
		return BandHigh
	case score >= 0.65:
		return BandMedium
	default:
		return BandLow
	}
}
