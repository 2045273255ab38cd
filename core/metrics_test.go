package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chhz0/inferq/types"
)

func TestMetricsEstimateWait(t *testing.T) {
	m := NewMetrics(2 * time.Second)
	assert.Equal(t, 6*time.Second, m.EstimateWait(3), "default estimate before any batch")

	m.ObserveExecution(types.BackendLocal, 4, 400*time.Millisecond, nil)
	m.ObserveExecution(types.BackendLocal, 2, 600*time.Millisecond, nil)
	// per-task: 100ms and 300ms
	assert.Equal(t, 200*time.Millisecond, m.AvgTaskTime())
	assert.Equal(t, time.Second, m.EstimateWait(5))

	m.ObserveExecution(types.BackendLocal, 2, time.Hour, errors.New("down"))
	assert.Equal(t, 200*time.Millisecond, m.AvgTaskTime(), "failed calls are ignored")
}

func TestMetricsFailedBatchesCountTowardsAverageSize(t *testing.T) {
	m := NewMetrics(2 * time.Second)
	m.ObserveExecution(types.BackendLocal, 6, time.Hour, errors.New("down"))
	avg, perTask := m.averages()
	assert.Equal(t, 6.0, avg)
	assert.Equal(t, 2*time.Second, perTask, "no timed sample yet")

	m.ObserveExecution(types.BackendLocal, 2, 100*time.Millisecond, nil)
	avg, perTask = m.averages()
	assert.Equal(t, 4.0, avg)
	assert.Equal(t, 50*time.Millisecond, perTask)
}

func TestMetricsWindowRolls(t *testing.T) {
	m := NewMetrics(time.Second)
	for i := 0; i < windowSize; i++ {
		m.ObserveExecution(types.BackendLocal, 10, 10*time.Second, nil)
	}
	for i := 0; i < windowSize; i++ {
		m.ObserveExecution(types.BackendLocal, 2, 2*time.Millisecond, nil)
	}
	avg, perTask := m.averages()
	assert.Equal(t, 2.0, avg)
	assert.Equal(t, time.Millisecond, perTask)
}

func TestMetricsSnapshotAndText(t *testing.T) {
	m := NewMetrics(time.Second)
	m.RecordSubmitted(7)
	m.RecordRejected(2)
	m.RecordCancelled()
	m.BatchStarted(5)
	m.BatchStarted(3)
	m.BatchFinished(5, 4, 1, 0)
	m.ObserveExecution(types.BackendLocal, 5, 50*time.Millisecond, nil)

	v := m.Snapshot(map[types.Priority]int{types.PriorityHigh: 1, types.PriorityLow: 2})
	assert.Equal(t, map[string]int{"high": 1, "normal": 0, "low": 2}, v.Lanes)
	assert.Equal(t, 3, v.TotalQueued)
	assert.EqualValues(t, 1, v.ActiveBatches)
	assert.EqualValues(t, 3, v.ProcessingTasks)
	assert.EqualValues(t, 7, v.Submitted)
	assert.EqualValues(t, 2, v.Rejected)
	assert.EqualValues(t, 4, v.Completed)
	assert.EqualValues(t, 1, v.Failed)
	assert.EqualValues(t, 1, v.Cancelled)
	assert.EqualValues(t, 2, v.BatchesTotal)
	assert.EqualValues(t, 5, v.BatchSizeMax)
	assert.Equal(t, 5.0, v.AvgBatchSize)
	assert.InDelta(t, 10.0, v.AvgTaskMillis, 0.001)

	text := PrometheusText(v)
	assert.Contains(t, text, `inferq_queue_depth{lane="low"} 2`)
	assert.Contains(t, text, "inferq_tasks_completed_total 4\n")
	assert.Contains(t, text, "inferq_active_batches 1\n")
}
