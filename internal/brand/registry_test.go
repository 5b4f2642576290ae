package brand

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"support-agent/internal/integrations/paramstore"
)

type countingSource struct {
	docs  map[string]string
	calls int
}

func (s *countingSource) Load(_ context.Context, brandID string) ([]byte, error) {
	s.calls++
	doc, ok := s.docs[brandID]
	if !ok {
		return nil, ErrUnknownBrand
	}
	return []byte(doc), nil
}

const fashionDoc = `
brand_id: fashionhub
name: FashionHub
voice:
  tone: friendly_professional
  emoji_usage: minimal
policies:
  return_window_days: 15
retrieval:
  top_k: 5
escalation:
  triggers:
    refund: ["money back", "refund please"]
  handoff_messages:
    refund_request: "Our returns desk will take it from here."
`

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(fashionDoc))
	require.NoError(t, err)

	require.Equal(t, "fashionhub", cfg.BrandID)
	require.Equal(t, 15, cfg.Policies.ReturnWindowDays)
	require.Equal(t, 5, cfg.Retrieval.TopK)
	require.Equal(t, defaultMinScore, cfg.Retrieval.MinScore)
	require.Equal(t, defaultModel, cfg.Model)
	require.Equal(t, []string{"money back", "refund please"}, cfg.Escalation.Triggers.Refund)
	require.Equal(t, DefaultTriggers().Legal, cfg.Escalation.Triggers.Legal)
	require.NotEmpty(t, cfg.Facts)
	require.Equal(t, "Our returns desk will take it from here.", cfg.HandoffMessage("refund_request"))
	require.Empty(t, cfg.HandoffMessage("legal_threat"))
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"missing id":     `name: nobody`,
		"bad yaml":       `brand_id: [`,
		"bad pattern":    "brand_id: a\nfacts:\n  - key: order_id\n    pattern: '('\n",
		"group overflow": "brand_id: a\nfacts:\n  - key: order_id\n    pattern: '(\\d+)'\n    group: 2\n",
		"score range":    "brand_id: a\nretrieval:\n  min_score: 1.5\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestRegistry_LoadsOnce(t *testing.T) {
	src := &countingSource{docs: map[string]string{"fashionhub": fashionDoc}}
	reg, err := NewRegistry(src)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		cfg, err := reg.Get(context.Background(), "fashionhub")
		require.NoError(t, err)
		require.Equal(t, "FashionHub", cfg.Name)
	}
	require.Equal(t, 1, src.calls)
}

func TestRegistry_RejectsMismatchedDocument(t *testing.T) {
	src := &countingSource{docs: map[string]string{"techgear": fashionDoc}}
	reg, err := NewRegistry(src)
	require.NoError(t, err)

	_, err = reg.Get(context.Background(), "techgear")
	require.Error(t, err)
	require.Contains(t, err.Error(), "declares brand_id")
}

func TestRegistry_UnknownAndInvalidIDs(t *testing.T) {
	reg, err := NewRegistry(&countingSource{})
	require.NoError(t, err)

	_, err = reg.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownBrand)

	_, err = reg.Get(context.Background(), "../etc/passwd")
	require.ErrorIs(t, err, ErrUnknownBrand)
}

func TestNewRegistry_NilSource(t *testing.T) {
	_, err := NewRegistry(nil)
	require.Error(t, err)
}

type fakeParams struct {
	name string
	val  string
	err  error
}

func (f *fakeParams) GetParameter(_ context.Context, name string) (string, error) {
	f.name = name
	return f.val, f.err
}

func TestParamSource(t *testing.T) {
	_, err := NewParamSource(nil, "/support")
	require.Error(t, err)
	_, err = NewParamSource(&fakeParams{}, " / ")
	require.Error(t, err)

	p := &fakeParams{val: fashionDoc}
	src, err := NewParamSource(p, "/support-agent/")
	require.NoError(t, err)
	raw, err := src.Load(context.Background(), "fashionhub")
	require.NoError(t, err)
	require.Equal(t, "/support-agent/brands/fashionhub", p.name)
	require.Equal(t, fashionDoc, string(raw))

	p.err = errors.New("ssm down")
	_, err = src.Load(context.Background(), "fashionhub")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnknownBrand)

	p.err = fmt.Errorf("%w: %q", paramstore.ErrNotFound, "/support-agent/brands/ghost")
	_, err = src.Load(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrUnknownBrand)
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fashionhub.yaml"), []byte(fashionDoc), 0o600))

	raw, err := DirSource{Dir: dir}.Load(context.Background(), "fashionhub")
	require.NoError(t, err)
	require.Contains(t, string(raw), "FashionHub")

	_, err = DirSource{Dir: dir}.Load(context.Background(), "techgear")
	require.ErrorIs(t, err, ErrUnknownBrand)
}
