// core/metrics.go
package core

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chhz0/inferq/types"
)

// windowSize is how many recent batches the rolling averages cover.
const windowSize = 128

type batchSample struct {
	size    int
	perTask time.Duration
	// timed is false for failed calls, whose duration says nothing about
	// per-task processing time.
	timed bool
}

// Metrics holds scheduler counters. Counters are atomics; the rolling window
// of recent batch samples has its own lock.
type Metrics struct {
	submitted       atomic.Int64
	rejected        atomic.Int64
	completed       atomic.Int64
	failed          atomic.Int64
	cancelled       atomic.Int64
	degraded        atomic.Int64
	batchesTotal    atomic.Int64
	batchSizeMax    atomic.Int64
	activeBatches   atomic.Int64
	processingTasks atomic.Int64

	defaultEstimate time.Duration

	mu      sync.Mutex
	window  [windowSize]batchSample
	samples int
	next    int
}

func NewMetrics(defaultEstimate time.Duration) *Metrics {
	return &Metrics{defaultEstimate: defaultEstimate}
}

func (m *Metrics) RecordSubmitted(n int) { m.submitted.Add(int64(n)) }
func (m *Metrics) RecordRejected(n int)  { m.rejected.Add(int64(n)) }
func (m *Metrics) RecordCancelled()      { m.cancelled.Add(1) }

// BatchStarted is called once the batch holds a dispatch permit.
func (m *Metrics) BatchStarted(size int) {
	m.activeBatches.Add(1)
	m.processingTasks.Add(int64(size))
	m.batchesTotal.Add(1)
	updateAtomicMax(&m.batchSizeMax, int64(size))
}

// BatchFinished records the terminal outcome of every member.
func (m *Metrics) BatchFinished(size, completed, failed, degraded int) {
	m.activeBatches.Add(-1)
	m.processingTasks.Add(-int64(size))
	m.completed.Add(int64(completed))
	m.failed.Add(int64(failed))
	m.degraded.Add(int64(degraded))
}

// RecordFailed counts tasks failed outside a batch, such as on recovery.
func (m *Metrics) RecordFailed(n int) { m.failed.Add(int64(n)) }

// ObserveExecution adds a backend call to the rolling window.
func (m *Metrics) ObserveExecution(_ types.BackendVariant, size int, took time.Duration, err error) {
	if size <= 0 {
		return
	}
	sample := batchSample{size: size}
	if err == nil {
		sample.perTask = took / time.Duration(size)
		sample.timed = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window[m.next] = sample
	m.next = (m.next + 1) % windowSize
	if m.samples < windowSize {
		m.samples++
	}
}

func (m *Metrics) averages() (avgSize float64, perTask time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.samples == 0 {
		return 0, m.defaultEstimate
	}
	var items, timed int
	var total time.Duration
	for i := 0; i < m.samples; i++ {
		items += m.window[i].size
		if m.window[i].timed {
			total += m.window[i].perTask
			timed++
		}
	}
	avgSize = float64(items) / float64(m.samples)
	if timed == 0 {
		return avgSize, m.defaultEstimate
	}
	return avgSize, total / time.Duration(timed)
}

// AvgTaskTime is the mean per-task processing time over recent batches, or
// the configured estimate before any batch has finished.
func (m *Metrics) AvgTaskTime() time.Duration {
	_, perTask := m.averages()
	return perTask
}

// EstimateWait predicts the wait of a task at the given lane position.
func (m *Metrics) EstimateWait(position int) time.Duration {
	return time.Duration(position) * m.AvgTaskTime()
}

func (m *Metrics) Snapshot(depths map[types.Priority]int) types.QueueMetricsView {
	avgSize, perTask := m.averages()
	lanes := make(map[string]int, len(types.Priorities))
	total := 0
	for _, p := range types.Priorities {
		lanes[p.String()] = depths[p]
		total += depths[p]
	}
	return types.QueueMetricsView{
		Lanes:           lanes,
		TotalQueued:     total,
		ActiveBatches:   m.activeBatches.Load(),
		ProcessingTasks: m.processingTasks.Load(),
		Submitted:       m.submitted.Load(),
		Rejected:        m.rejected.Load(),
		Completed:       m.completed.Load(),
		Failed:          m.failed.Load(),
		Cancelled:       m.cancelled.Load(),
		Degraded:        m.degraded.Load(),
		BatchesTotal:    m.batchesTotal.Load(),
		BatchSizeMax:    m.batchSizeMax.Load(),
		AvgBatchSize:    avgSize,
		AvgTaskMillis:   float64(perTask) / float64(time.Millisecond),
	}
}

// PrometheusText renders a snapshot in the text exposition format.
func PrometheusText(v types.QueueMetricsView) string {
	var b strings.Builder
	for _, p := range types.Priorities {
		fmt.Fprintf(&b, "inferq_queue_depth{lane=%q} %d\n", p.String(), v.Lanes[p.String()])
	}
	fmt.Fprintf(&b,
		"inferq_queue_total %d\n"+
			"inferq_active_batches %d\n"+
			"inferq_processing_tasks %d\n"+
			"inferq_tasks_submitted_total %d\n"+
			"inferq_tasks_rejected_total %d\n"+
			"inferq_tasks_completed_total %d\n"+
			"inferq_tasks_failed_total %d\n"+
			"inferq_tasks_cancelled_total %d\n"+
			"inferq_tasks_degraded_total %d\n"+
			"inferq_batches_total %d\n"+
			"inferq_batch_size_max %d\n"+
			"inferq_batch_size_avg %.6f\n"+
			"inferq_task_processing_ms_avg %.6f\n",
		v.TotalQueued,
		v.ActiveBatches,
		v.ProcessingTasks,
		v.Submitted,
		v.Rejected,
		v.Completed,
		v.Failed,
		v.Cancelled,
		v.Degraded,
		v.BatchesTotal,
		v.BatchSizeMax,
		v.AvgBatchSize,
		v.AvgTaskMillis,
	)
	return b.String()
}

func updateAtomicMax(target *atomic.Int64, value int64) {
	for {
		current := target.Load()
		if value <= current {
			return
		}
		if target.CompareAndSwap(current, value) {
			return
		}
	}
}
