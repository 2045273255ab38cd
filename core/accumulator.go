// core/accumulator.go
package core

import (
	"sync"
	"time"

	"github.com/chhz0/inferq/types"
)

// buffer is the open batch of one backend.
type buffer struct {
	mu       sync.Mutex
	members  []*types.Task
	openedAt time.Time
}

// cut closes the buffer into a batch. Callers hold b.mu.
func (b *buffer) cut(variant types.BackendVariant, now time.Time) *types.Batch {
	batch := &types.Batch{
		ID:        types.NewBatchID(),
		Backend:   variant,
		Members:   b.members,
		CreatedAt: b.openedAt,
		FlushedAt: now.UTC(),
	}
	b.members = nil
	b.openedAt = time.Time{}
	return batch
}

// Accumulator groups dequeued tasks into batches per backend. A buffer is
// closed when it reaches maxSize (Add) or on the periodic tick (Flush).
type Accumulator struct {
	maxSize int
	// fixed after construction; each buffer has its own lock
	buffers map[types.BackendVariant]*buffer
}

func NewAccumulator(maxSize int) *Accumulator {
	if maxSize < 1 {
		maxSize = 1
	}
	acc := &Accumulator{
		maxSize: maxSize,
		buffers: make(map[types.BackendVariant]*buffer, len(types.BackendVariants)),
	}
	for _, v := range types.BackendVariants {
		acc.buffers[v] = &buffer{}
	}
	return acc
}

// Add appends the task to its backend's buffer and returns the batch if the
// buffer just became full.
func (a *Accumulator) Add(task *types.Task, now time.Time) *types.Batch {
	buf, ok := a.buffers[task.Backend]
	if !ok {
		return nil
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()

	if len(buf.members) == 0 {
		buf.openedAt = now.UTC()
		buf.members = make([]*types.Task, 0, a.maxSize)
	}
	buf.members = append(buf.members, task)
	if len(buf.members) >= a.maxSize {
		return buf.cut(task.Backend, now)
	}
	return nil
}

// Flush closes every non-empty buffer, in backend order.
func (a *Accumulator) Flush(now time.Time) []*types.Batch {
	var out []*types.Batch
	for _, v := range types.BackendVariants {
		buf := a.buffers[v]
		buf.mu.Lock()
		if len(buf.members) > 0 {
			out = append(out, buf.cut(v, now))
		}
		buf.mu.Unlock()
	}
	return out
}

// Pending counts tasks sitting in open buffers.
func (a *Accumulator) Pending() int {
	n := 0
	for _, buf := range a.buffers {
		buf.mu.Lock()
		n += len(buf.members)
		buf.mu.Unlock()
	}
	return n
}

// Discard empties every buffer and returns what was in them.
func (a *Accumulator) Discard() []*types.Task {
	var out []*types.Task
	for _, v := range types.BackendVariants {
		buf := a.buffers[v]
		buf.mu.Lock()
		out = append(out, buf.members...)
		buf.members = nil
		buf.openedAt = time.Time{}
		buf.mu.Unlock()
	}
	return out
}
