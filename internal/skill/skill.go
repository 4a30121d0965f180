// Package skill defines the contract every skill handler implements and
// the registry the orchestrator resolves skill ids through.
package skill

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Params are the JSON-decoded arguments of a skill invocation.
type Params = map[string]any

// Result is what a handler reports back. Success=false is a failure even
// when Execute returns a nil error.
type Result struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Handler is a pluggable unit of business logic. Implementations must be
// safe for concurrent use.
type Handler interface {
	ID() string
	Version() string
	Validate(params Params) error
	Execute(ctx context.Context, params Params) (Result, error)
}

// UnknownSkillError is returned for skill ids with no registered handler.
type UnknownSkillError struct {
	SkillID string
}

func (e *UnknownSkillError) Error() string {
	return fmt.Sprintf("skill: unknown skill %q", e.SkillID)
}

type entry struct {
	handler Handler
	enabled bool
}

// Registry maps skill ids to handlers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

// Register installs an enabled handler. Returns an error if the id exists.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("skill: handler is required")
	}
	id := h.ID()
	if id == "" {
		return fmt.Errorf("skill: id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("skill: %s already registered", id)
	}
	r.entries[id] = &entry{handler: h, enabled: true}
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Get resolves a handler regardless of its enabled flag.
func (r *Registry) Get(id string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, &UnknownSkillError{SkillID: id}
	}
	return e.handler, nil
}

// SetEnabled toggles a skill. Disabled skills reject new submissions and
// are skipped as failover alternatives.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return &UnknownSkillError{SkillID: id}
	}
	e.enabled = enabled
	return nil
}

func (r *Registry) Enabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return ok && e.enabled
}

// Info describes a registered skill.
type Info struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Enabled bool   `json:"enabled"`
}

// List returns registered skills sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, Info{ID: id, Version: e.handler.Version(), Enabled: e.enabled})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Func adapts plain functions to Handler. Handy for tests and small skills.
type Func struct {
	Name       string
	Ver        string
	ValidateFn func(Params) error
	ExecuteFn  func(context.Context, Params) (Result, error)
}

func (f Func) ID() string { return f.Name }

func (f Func) Version() string {
	if f.Ver == "" {
		return "1.0.0"
	}
	return f.Ver
}

func (f Func) Validate(p Params) error {
	if f.ValidateFn == nil {
		return nil
	}
	return f.ValidateFn(p)
}

func (f Func) Execute(ctx context.Context, p Params) (Result, error) {
	return f.ExecuteFn(ctx, p)
}
