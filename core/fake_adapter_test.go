package core

import (
	"context"
	"errors"
	"sync"

	"github.com/chhz0/inferq/backend"
	"github.com/chhz0/inferq/types"
)

// fakeAdapter records every call and answers through fn.
type fakeAdapter struct {
	variant types.BackendVariant
	fn      func(ctx context.Context, payloads [][]byte) ([]backend.Outcome, error)
	healthy bool

	mu    sync.Mutex
	calls [][]string
}

func newFakeAdapter(variant types.BackendVariant) *fakeAdapter {
	return &fakeAdapter{variant: variant, healthy: true}
}

func (f *fakeAdapter) Variant() types.BackendVariant { return f.variant }

func (f *fakeAdapter) Execute(ctx context.Context, payloads [][]byte) ([]backend.Outcome, error) {
	call := make([]string, len(payloads))
	for i, p := range payloads {
		call[i] = string(p)
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(ctx, payloads)
	}
	out := make([]backend.Outcome, len(payloads))
	for i, p := range payloads {
		out[i] = backend.Outcome{Result: []byte(`{"output":"` + string(p) + `"}`)}
	}
	return out, nil
}

func (f *fakeAdapter) HealthCheck(context.Context) error {
	if !f.healthy {
		return types.NewError(types.KindBackendUnavailable, "down")
	}
	return nil
}

func (f *fakeAdapter) ListCapabilities(context.Context) ([]string, error) {
	if !f.healthy {
		return nil, errors.New("down")
	}
	return []string{"model-a"}, nil
}

func (f *fakeAdapter) Close() error { return nil }

func (f *fakeAdapter) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeAdapter) CallSizes() []int {
	calls := f.Calls()
	sizes := make([]int, len(calls))
	for i, c := range calls {
		sizes[i] = len(c)
	}
	return sizes
}
