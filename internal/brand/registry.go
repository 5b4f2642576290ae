package brand

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"support-agent/internal/integrations/paramstore"
)

// ErrUnknownBrand is returned when a Source has no document for a brand.
var ErrUnknownBrand = errors.New("brand: unknown brand")

var brandIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Source fetches the raw YAML document for a brand.
type Source interface {
	Load(ctx context.Context, brandID string) ([]byte, error)
}

// Registry loads each brand once and serves the cached, validated config.
// It is an explicit object so several registries can coexist in one process.
type Registry struct {
	src Source

	mu     sync.RWMutex
	brands map[string]Config
}

// NewRegistry creates a Registry backed by src.
func NewRegistry(src Source) (*Registry, error) {
	if src == nil {
		return nil, errors.New("brand: source must not be nil")
	}
	return &Registry{src: src, brands: make(map[string]Config)}, nil
}

// Get returns the config for brandID, loading it on first use.
func (r *Registry) Get(ctx context.Context, brandID string) (Config, error) {
	brandID = strings.TrimSpace(brandID)
	if !ValidID(brandID) {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownBrand, brandID)
	}

	r.mu.RLock()
	cfg, ok := r.brands[brandID]
	r.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg, ok := r.brands[brandID]; ok {
		return cfg, nil
	}

	raw, err := r.src.Load(ctx, brandID)
	if err != nil {
		return Config{}, fmt.Errorf("brand: load %s: %w", brandID, err)
	}
	cfg, err = Parse(raw)
	if err != nil {
		return Config{}, err
	}
	if cfg.BrandID != brandID {
		return Config{}, fmt.Errorf("brand: document for %s declares brand_id %q", brandID, cfg.BrandID)
	}
	r.brands[brandID] = cfg
	return cfg, nil
}

// ValidID reports whether id is a well-formed brand identifier.
func ValidID(id string) bool {
	return brandIDPattern.MatchString(id)
}

// ParamGetter is the parameter-store read used by ParamSource.
type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ParamSource reads brand documents from "<prefix>/brands/<id>".
type ParamSource struct {
	params ParamGetter
	prefix string
}

// NewParamSource creates a ParamSource.
func NewParamSource(params ParamGetter, prefix string) (*ParamSource, error) {
	if params == nil {
		return nil, errors.New("brand: param getter must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("brand: parameter prefix must not be empty")
	}
	return &ParamSource{params: params, prefix: prefix}, nil
}

func (s *ParamSource) Load(ctx context.Context, brandID string) ([]byte, error) {
	v, err := s.params.GetParameter(ctx, s.prefix+"/brands/"+brandID)
	if errors.Is(err, paramstore.ErrNotFound) {
		return nil, ErrUnknownBrand
	}
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

// DirSource reads brand documents from "<dir>/<id>.yaml".
type DirSource struct {
	Dir string
}

func (s DirSource) Load(_ context.Context, brandID string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.Dir, brandID+".yaml"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrUnknownBrand
	}
	return raw, err
}
