package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/chhz0/inferq/backend"
	"github.com/chhz0/inferq/types"
)

func testBatch(n int) (*types.Batch, [][]byte) {
	b := &types.Batch{ID: "batch-1", Backend: types.BackendLocal}
	payloads := make([][]byte, n)
	for i := range payloads {
		payloads[i] = []byte("p")
		b.Members = append(b.Members, &types.Task{ID: "t"})
	}
	return b, payloads
}

func okExecutor(_ context.Context, _ *types.Batch, payloads [][]byte) ([]backend.Outcome, error) {
	out := make([]backend.Outcome, len(payloads))
	for i := range out {
		out[i] = backend.Outcome{Result: []byte("ok")}
	}
	return out, nil
}

func TestChainOrder(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return func(next Executor) Executor {
			return func(ctx context.Context, b *types.Batch, p [][]byte) ([]backend.Outcome, error) {
				trace = append(trace, name)
				return next(ctx, b, p)
			}
		}
	}
	exec := Chain(mark("a"), mark("b"), mark("c"))(okExecutor)
	b, p := testBatch(1)
	_, err := exec(context.Background(), b, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, trace)
}

func TestTimeout(t *testing.T) {
	t.Run("slow backend fails the batch with timeout", func(t *testing.T) {
		block := make(chan struct{})
		defer close(block)
		slow := func(ctx context.Context, _ *types.Batch, _ [][]byte) ([]backend.Outcome, error) {
			<-block // ignores ctx
			return nil, nil
		}
		b, p := testBatch(2)
		_, err := Timeout(20*time.Millisecond)(slow)(context.Background(), b, p)
		assert.True(t, errors.Is(err, types.ErrTimeout))
	})

	t.Run("fast backend passes through", func(t *testing.T) {
		b, p := testBatch(2)
		out, err := Timeout(time.Second)(okExecutor)(context.Background(), b, p)
		require.NoError(t, err)
		assert.Len(t, out, 2)
	})

	t.Run("parent cancellation is not a timeout", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		wait := func(ctx context.Context, _ *types.Batch, _ [][]byte) ([]backend.Outcome, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		b, p := testBatch(1)
		_, err := Timeout(time.Second)(wait)(ctx, b, p)
		require.Error(t, err)
		assert.False(t, errors.Is(err, types.ErrTimeout))
	})
}

func TestRecover(t *testing.T) {
	boom := func(context.Context, *types.Batch, [][]byte) ([]backend.Outcome, error) {
		panic("driver crashed")
	}
	b, p := testBatch(3)
	out, err := Recover(nil)(boom)(context.Background(), b, p)
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, types.ErrBackendUnavailable))
	assert.Contains(t, err.Error(), "driver crashed")
}

func TestConform(t *testing.T) {
	short := func(context.Context, *types.Batch, [][]byte) ([]backend.Outcome, error) {
		return []backend.Outcome{{Result: []byte("x")}}, nil
	}
	b, p := testBatch(2)
	_, err := Conform()(short)(context.Background(), b, p)
	assert.True(t, errors.Is(err, types.ErrBackendUnavailable))

	empty := func(context.Context, *types.Batch, [][]byte) ([]backend.Outcome, error) {
		return []backend.Outcome{{Result: []byte("x")}, {}}, nil
	}
	out, err := Conform()(empty)(context.Background(), b, p)
	require.NoError(t, err)
	assert.True(t, errors.Is(out[1].Err, types.ErrBackendItem))
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	b, p := testBatch(2)

	_, err := Logger(zap.New(core))(okExecutor)(context.Background(), b, p)
	require.NoError(t, err)

	finished := logs.FilterMessage("batch finished").All()
	require.Len(t, finished, 1)
	fields := finished[0].ContextMap()
	assert.Equal(t, "batch-1", fields["batch_id"])
	assert.Equal(t, "local", fields["backend"])
	assert.EqualValues(t, 2, fields["batch_size"])
	assert.EqualValues(t, 0, fields["failed_items"])

	fail := func(context.Context, *types.Batch, [][]byte) ([]backend.Outcome, error) {
		return nil, types.NewError(types.KindBackendUnavailable, "down")
	}
	_, err = Logger(zap.New(core))(fail)(context.Background(), b, p)
	require.Error(t, err)
	failed := logs.FilterMessage("batch failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "backend_unavailable", failed[0].ContextMap()["error_kind"])
}

type fakeRecorder struct {
	mu    sync.Mutex
	sizes []int
	errs  []error
}

func (r *fakeRecorder) ObserveExecution(_ types.BackendVariant, size int, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes = append(r.sizes, size)
	r.errs = append(r.errs, err)
}

func TestMetrics(t *testing.T) {
	rec := &fakeRecorder{}
	b, p := testBatch(4)
	_, err := Metrics(rec)(okExecutor)(context.Background(), b, p)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, rec.sizes)
	assert.Nil(t, rec.errs[0])
}
