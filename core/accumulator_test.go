package core

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chhz0/inferq/types"
)

func makeTasks(n int, backend types.BackendVariant) []*types.Task {
	now := time.Now()
	out := make([]*types.Task, n)
	for i := range out {
		out[i] = types.NewTask(types.PriorityNormal, []byte(fmt.Sprintf("p%d", i)), backend, now)
	}
	return out
}

func TestAccumulatorSizeTrigger(t *testing.T) {
	acc := NewAccumulator(32)
	now := time.Now()

	var batches []*types.Batch
	for _, task := range makeTasks(40, types.BackendLocal) {
		if b := acc.Add(task, now); b != nil {
			batches = append(batches, b)
		}
	}
	require.Len(t, batches, 1, "only the full buffer flushes before the tick")
	assert.Equal(t, 32, batches[0].Size())
	assert.Equal(t, 8, acc.Pending())

	batches = append(batches, acc.Flush(now)...)
	require.Len(t, batches, 2)
	assert.Equal(t, 8, batches[1].Size())
	assert.Equal(t, "p32", string(batches[1].Members[0].Payload), "fill order is kept")
	assert.NotEqual(t, batches[0].ID, batches[1].ID)
	assert.Zero(t, acc.Pending())
	assert.Empty(t, acc.Flush(now), "empty buffers do not flush")
}

func TestAccumulatorBatchOfOne(t *testing.T) {
	acc := NewAccumulator(1)
	for _, task := range makeTasks(3, types.BackendBatched) {
		b := acc.Add(task, time.Now())
		require.NotNil(t, b)
		assert.Equal(t, 1, b.Size())
		assert.Equal(t, types.BackendBatched, b.Backend)
	}
	assert.Empty(t, acc.Flush(time.Now()))
}

func TestAccumulatorKeepsBackendsApart(t *testing.T) {
	acc := NewAccumulator(10)
	opened := time.Now().Add(-50 * time.Millisecond)
	for _, task := range makeTasks(2, types.BackendCluster) {
		acc.Add(task, opened)
	}
	for _, task := range makeTasks(3, types.BackendLocal) {
		acc.Add(task, opened)
	}

	flushAt := time.Now()
	batches := acc.Flush(flushAt)
	require.Len(t, batches, 2)
	assert.Equal(t, types.BackendLocal, batches[0].Backend)
	assert.Equal(t, 3, batches[0].Size())
	assert.Equal(t, types.BackendCluster, batches[1].Backend)
	assert.Equal(t, 2, batches[1].Size())
	for _, b := range batches {
		assert.True(t, b.CreatedAt.Equal(opened.UTC()))
		assert.True(t, b.FlushedAt.Equal(flushAt.UTC()))
		for _, m := range b.Members {
			assert.Equal(t, b.Backend, m.Backend)
		}
	}
}

func TestAccumulatorDiscard(t *testing.T) {
	acc := NewAccumulator(10)
	for _, task := range makeTasks(4, types.BackendLocal) {
		acc.Add(task, time.Now())
	}
	assert.Len(t, acc.Discard(), 4)
	assert.Zero(t, acc.Pending())
}
