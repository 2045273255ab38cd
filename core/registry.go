// core/registry.go
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chhz0/inferq/backend"
	"github.com/chhz0/inferq/types"
)

// FallbackPolicy decides what a whole-batch failure does to the members.
type FallbackPolicy int

const (
	// FallbackFail marks every member Failed with the captured error.
	FallbackFail FallbackPolicy = iota
	// FallbackDegraded completes every member with a placeholder result
	// flagged as degraded.
	FallbackDegraded
)

func (p FallbackPolicy) String() string {
	if p == FallbackDegraded {
		return "degraded"
	}
	return "fail"
}

func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch s {
	case "", "fail":
		return FallbackFail, nil
	case "degraded":
		return FallbackDegraded, nil
	}
	return FallbackFail, fmt.Errorf("unknown fallback policy %q", s)
}

type registered struct {
	adapter  backend.Adapter
	fallback FallbackPolicy
}

// BackendRegistry owns the adapter instances the dispatcher calls.
type BackendRegistry struct {
	mu       sync.RWMutex
	backends map[types.BackendVariant]registered
}

func NewBackendRegistry() *BackendRegistry {
	return &BackendRegistry{
		backends: make(map[types.BackendVariant]registered),
	}
}

// Register adds or replaces the adapter for its variant.
func (r *BackendRegistry) Register(a backend.Adapter, fallback FallbackPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[a.Variant()] = registered{adapter: a, fallback: fallback}
}

func (r *BackendRegistry) Get(v types.BackendVariant) (backend.Adapter, FallbackPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[v]
	return b.adapter, b.fallback, ok
}

func (r *BackendRegistry) Has(v types.BackendVariant) bool {
	_, _, ok := r.Get(v)
	return ok
}

// Variants lists registered variants in their canonical order.
func (r *BackendRegistry) Variants() []types.BackendVariant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.BackendVariant, 0, len(r.backends))
	for _, v := range types.BackendVariants {
		if _, ok := r.backends[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

const healthTimeout = 5 * time.Second

// Health probes every backend in parallel. Capabilities are listed only for
// backends that answered the health check.
func (r *BackendRegistry) Health(ctx context.Context) []types.BackendHealth {
	variants := r.Variants()
	out := make([]types.BackendHealth, len(variants))

	var g errgroup.Group
	for i, v := range variants {
		a, fallback, _ := r.Get(v)
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, healthTimeout)
			defer cancel()

			h := types.BackendHealth{Variant: v, Fallback: fallback.String()}
			if err := a.HealthCheck(ctx); err != nil {
				h.Error = err.Error()
				out[i] = h
				return nil
			}
			h.Healthy = true
			if caps, err := a.ListCapabilities(ctx); err == nil {
				h.Capabilities = caps
			}
			out[i] = h
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *BackendRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, b := range r.backends {
		if err := b.adapter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
