// Package tools registers typed external lookups and dispatches calls to
// them with validation, timeouts, a single retry and per-session ordering.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"support-agent/internal/brand"
	"support-agent/internal/domain"
)

// FieldType is the JSON type an argument must have.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
)

// Field declares one argument.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	// Pattern constrains string values; it must match the whole value.
	Pattern string

	re *regexp.Regexp
}

// Schema is the ordered argument list of a tool. Arguments not declared
// here are rejected.
type Schema struct {
	Fields []Field
}

func (s *Schema) compile() error {
	seen := make(map[string]struct{}, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Name == "" {
			return fmt.Errorf("field %d: name is required", i)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("field %s declared twice", f.Name)
		}
		seen[f.Name] = struct{}{}
		switch f.Type {
		case TypeString, TypeNumber, TypeInteger, TypeBoolean:
		default:
			return fmt.Errorf("field %s: unknown type %q", f.Name, f.Type)
		}
		if f.Pattern != "" {
			if f.Type != TypeString {
				return fmt.Errorf("field %s: pattern only applies to strings", f.Name)
			}
			re, err := regexp.Compile(`^(?:` + f.Pattern + `)$`)
			if err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
			f.re = re
		}
	}
	return nil
}

// Validate checks args and returns a normalized copy: strings are trimmed,
// numbers become float64 and integers int64.
func (s Schema) Validate(args map[string]any) (map[string]any, error) {
	known := make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Name] = f
	}
	for k := range args {
		if _, ok := known[k]; !ok {
			return nil, fmt.Errorf("unexpected argument %q", k)
		}
	}

	out := make(map[string]any, len(args))
	for _, f := range s.Fields {
		v, present := args[f.Name]
		if !present || v == nil {
			if f.Required {
				return nil, fmt.Errorf("missing argument %q", f.Name)
			}
			continue
		}
		nv, err := f.coerce(v)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", f.Name, err)
		}
		out[f.Name] = nv
	}
	return out, nil
}

func (f Field) coerce(v any) (any, error) {
	switch f.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", v)
		}
		s = strings.TrimSpace(s)
		if s == "" && f.Required {
			return nil, errors.New("must not be empty")
		}
		if f.re != nil && !f.re.MatchString(s) {
			return nil, fmt.Errorf("%q does not match %s", s, f.Pattern)
		}
		return s, nil
	case TypeNumber:
		n, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("want number, got %T", v)
		}
		return n, nil
	case TypeInteger:
		n, ok := toFloat(v)
		if !ok || n != math.Trunc(n) {
			return nil, fmt.Errorf("want integer, got %v", v)
		}
		return int64(n), nil
	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("want boolean, got %T", v)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown type %q", f.Type)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Scope identifies who a call is made for.
type Scope struct {
	BrandID   string
	SessionID string
	Policies  brand.Policies
}

// ExecFunc performs the lookup. args have already been validated.
type ExecFunc func(ctx context.Context, scope Scope, args map[string]any) (map[string]any, error)

// Tool is a registered lookup.
type Tool struct {
	Name        string
	Description string
	Schema      Schema
	Exec        ExecFunc
}

// Error classifies an execution failure. Transient failures are retried
// once; permanent ones are reported immediately with Reason.
type Error struct {
	Reason    string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound reports a definite "no such entity" answer.
func NotFound(err error) *Error {
	return &Error{Reason: domain.ReasonNotFound, Err: err}
}

// Upstream reports a backend failure that may succeed on retry.
func Upstream(err error) *Error {
	return &Error{Reason: domain.ReasonUpstream, Transient: true, Err: err}
}

// Registry holds tools by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t. Names are unique.
func (r *Registry) Register(t Tool) error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("tools: name is required")
	}
	if t.Exec == nil {
		return fmt.Errorf("tools: %s: exec must not be nil", t.Name)
	}
	fields := make([]Field, len(t.Schema.Fields))
	copy(fields, t.Schema.Fields)
	t.Schema.Fields = fields
	if err := t.Schema.compile(); err != nil {
		return fmt.Errorf("tools: %s: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("tools: %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tools alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
