// Package provider defines the backend abstraction the dispatcher executes
// personas against, plus the registry concrete adapters register with.
// Adapters normalize every backend-specific error to a domain error kind at
// this boundary; the core never inspects backend error shapes.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/openpersona/agent-runner/internal/domain"
)

// Request carries everything one Execute call needs. The RunContext is
// shared read-only across concurrent calls.
type Request struct {
	Persona  domain.Persona
	Context  *domain.RunContext
	Settings ResolvedSettings
}

// Result is the normalized outcome of a successful Execute call
type Result struct {
	Content    string
	Structured json.RawMessage
	RawMeta    map[string]string
}

// Provider executes one persona's prompt against a backend. Execute must be
// safe to call concurrently and must honor ctx's deadline: when the deadline
// expires the call returns promptly with ctx.Err() (the dispatcher treats a
// non-returning adapter as a defect).
type Provider interface {
	Name() string
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Issue is one preflight finding for a persona
type Issue struct {
	Level   string // ERROR or WARN
	Message string
	Fix     string
}

// Preflighter is optionally implemented by providers that can validate a
// persona's configuration before any run directory exists.
type Preflighter interface {
	Preflight(p domain.Persona, settings ResolvedSettings) []Issue
}

// Factory builds a provider instance for a run
type Factory func() (Provider, error)

// Registry maps provider names to factories. New backends register without
// the dispatcher changing.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a provider factory under name
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get builds the provider registered under name
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (known: %v)", name, r.Names())
	}
	return f()
}

// Names returns all registered provider names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Failure wraps a backend error as a persona-local provider failure unless
// it already carries a domain kind.
func Failure(err error, format string, args ...interface{}) error {
	if domain.KindOf(err) != "" {
		return err
	}
	return domain.WrapErr(domain.KindProviderFailure, err, format, args...)
}
