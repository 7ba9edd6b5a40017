package llm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Reserved alias roles. "default" answers the main loop; "router" handles
// cheap classification calls (skills, transitions, disambiguation). When no
// router is registered, callers fall back to the default alias.
const (
	AliasDefault = "default"
	AliasRouter  = "router"
)

// Registry maps alias names to providers. It is immutable after wiring and
// safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	limiters  map[string]*rate.Limiter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Register binds alias to provider, replacing any previous binding.
func (r *Registry) Register(alias string, p Provider) {
	r.mu.Lock()
	r.providers[alias] = p
	r.mu.Unlock()
}

// SetRateLimit throttles calls through Get(alias) to callsPerSecond with the
// given burst. A non-positive rate removes the limit.
func (r *Registry) SetRateLimit(alias string, callsPerSecond float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if callsPerSecond <= 0 {
		delete(r.limiters, alias)
		return
	}
	r.limiters[alias] = rate.NewLimiter(rate.Limit(callsPerSecond), burst)
}

// Get returns the provider bound to alias wrapped with its throttle, if one
// is configured.
func (r *Registry) Get(alias string) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[alias]
	lim := r.limiters[alias]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("llm: no provider registered for alias %q", alias)
	}
	if lim != nil {
		return &throttledProvider{inner: p, limiter: lim}, nil
	}
	return p, nil
}

// Default returns the provider for the "default" alias.
func (r *Registry) Default() (Provider, error) {
	return r.Get(AliasDefault)
}

// Router returns the provider for the "router" alias, falling back to
// "default" when no router is registered.
func (r *Registry) Router() (Provider, error) {
	if p, err := r.Get(AliasRouter); err == nil {
		return p, nil
	}
	return r.Get(AliasDefault)
}

// Resolve returns the provider for alias, or the default provider when alias
// is empty.
func (r *Registry) Resolve(alias string) (Provider, error) {
	if alias == "" {
		return r.Default()
	}
	return r.Get(alias)
}

// Aliases lists the registered alias names.
func (r *Registry) Aliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for a := range r.providers {
		out = append(out, a)
	}
	return out
}

// Has reports whether alias is registered.
func (r *Registry) Has(alias string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[alias]
	return ok
}

// ---------------------------------------------------------------------------
// Throttling wrapper
// ---------------------------------------------------------------------------

type throttledProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

func (t *throttledProvider) Complete(ctx context.Context, messages []ChatMessage, cfg *CompletionConfig) (*CompletionResponse, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: ErrOther, Message: "rate limiter wait cancelled", Err: err}
	}
	return t.inner.Complete(ctx, messages, cfg)
}

func (t *throttledProvider) CompleteStream(ctx context.Context, messages []ChatMessage, cfg *CompletionConfig) (<-chan StreamChunk, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: ErrOther, Message: "rate limiter wait cancelled", Err: err}
	}
	return t.inner.CompleteStream(ctx, messages, cfg)
}

func (t *throttledProvider) ProviderName() string { return t.inner.ProviderName() }
func (t *throttledProvider) Supports(f Feature) bool { return t.inner.Supports(f) }
