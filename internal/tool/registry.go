// Package tool provides a named-handler registry with per-caller rate
// limiting for tool invocations from workflows and agents.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrToolNotFound reports an invocation of an unregistered tool.
var ErrToolNotFound = errors.New("tool not found")

// RateLimitError reports a caller exceeding a tool's rate limit. The
// call is dropped, never queued.
type RateLimitError struct {
	Tool   string
	Caller string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("tool %s: rate limit exceeded for caller %s", e.Tool, e.Caller)
}

// Handler executes one tool call.
type Handler interface {
	Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, args)
}

// Spec describes a registered tool.
type Spec struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Limit       rate.Limit `json:"-"`
	Burst       int        `json:"-"`
}

type entry struct {
	spec    Spec
	handler Handler

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// limiter returns the per-caller token bucket, creating it on first use.
func (e *entry) limiter(caller string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[caller]
	if !ok {
		l = rate.NewLimiter(e.spec.Limit, e.spec.Burst)
		e.limiters[caller] = l
	}
	return l
}

// Registry holds named tools and enforces their rate limits.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*entry
	logger *zap.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*entry),
		logger: logger,
	}
}

// Register adds or replaces a tool under its spec name. A zero Limit
// means unlimited.
func (r *Registry) Register(spec Spec, handler Handler) {
	if spec.Limit == 0 {
		spec.Limit = rate.Inf
	}
	if spec.Burst <= 0 {
		spec.Burst = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = &entry{
		spec:     spec,
		handler:  handler,
		limiters: make(map[string]*rate.Limiter),
	}
	r.logger.Info("tool registered", zap.String("tool", spec.Name))
}

// List returns the specs of all registered tools.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.spec)
	}
	return out
}

// Invoke runs the named tool for a caller, charging the caller's token
// bucket first.
func (r *Registry) Invoke(ctx context.Context, name, caller string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if !e.limiter(caller).Allow() {
		r.logger.Warn("tool call rate limited",
			zap.String("tool", name),
			zap.String("caller", caller))
		return nil, &RateLimitError{Tool: name, Caller: caller}
	}
	out, err := e.handler.Invoke(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	return out, nil
}
