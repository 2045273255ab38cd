package types

import (
	"encoding/json"
	"time"
)

// TaskView is the caller-facing projection of a task record.
type TaskView struct {
	ID          string          `json:"task_id"`
	Priority    Priority        `json:"priority"`
	Status      TaskStatus      `json:"status"`
	Backend     BackendVariant  `json:"backend"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ErrorInfo      `json:"error,omitempty"`
	BatchID     string          `json:"batch_id,omitempty"`
	BatchSize   int             `json:"batch_size,omitempty"`
	Degraded    bool            `json:"degraded,omitempty"`
}

func (t *Task) View() TaskView {
	v := TaskView{
		ID:          t.ID,
		Priority:    t.Priority,
		Status:      t.Status,
		Backend:     t.Backend,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		Error:       t.Error,
		BatchID:     t.BatchID,
		BatchSize:   t.BatchSize,
		Degraded:    t.Degraded,
	}
	if len(t.Result) > 0 {
		if json.Valid(t.Result) {
			v.Result = json.RawMessage(t.Result)
		} else {
			quoted, _ := json.Marshal(string(t.Result))
			v.Result = quoted
		}
	}
	return v
}

// QueueMetricsView is the snapshot returned by metrics queries.
type QueueMetricsView struct {
	Lanes           map[string]int `json:"lanes"`
	TotalQueued     int            `json:"total_queued"`
	ActiveBatches   int64          `json:"active_batches"`
	ProcessingTasks int64          `json:"processing_tasks"`
	Submitted       int64          `json:"submitted"`
	Rejected        int64          `json:"rejected"`
	Completed       int64          `json:"completed"`
	Failed          int64          `json:"failed"`
	Cancelled       int64          `json:"cancelled"`
	Degraded        int64          `json:"degraded"`
	BatchesTotal    int64          `json:"batches_total"`
	BatchSizeMax    int64          `json:"batch_size_max"`
	AvgBatchSize    float64        `json:"avg_batch_size"`
	AvgTaskMillis   float64        `json:"avg_task_processing_ms"`
}

// BackendHealth reports one registered backend.
type BackendHealth struct {
	Variant      BackendVariant `json:"variant"`
	Healthy      bool           `json:"healthy"`
	Fallback     string         `json:"fallback"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Error        string         `json:"error,omitempty"`
}
