package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task 任务元数据
type Task struct {
	ID          string         `json:"id"`
	Priority    Priority       `json:"priority"`
	Payload     []byte         `json:"payload"`
	Status      TaskStatus     `json:"status"`
	Backend     BackendVariant `json:"backend"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      []byte         `json:"result,omitempty"`
	Error       *ErrorInfo     `json:"error,omitempty"`
	BatchID     string         `json:"batch_id,omitempty"`
	BatchSize   int            `json:"batch_size,omitempty"`
	// Degraded marks a Completed result synthesized by the fallback policy.
	Degraded bool `json:"degraded,omitempty"`
}

func NewTask(priority Priority, payload []byte, backend BackendVariant, now time.Time) *Task {
	return &Task{
		ID:        uuid.New().String(),
		Priority:  priority,
		Payload:   payload,
		Status:    StatusQueued,
		Backend:   backend,
		CreatedAt: now.UTC(),
	}
}

func (t *Task) invalid(op string) error {
	return NewError(KindInvalidState, fmt.Sprintf("cannot %s task %s in status %s", op, t.ID, t.Status))
}

// StartProcessing moves a queued task into a batch.
func (t *Task) StartProcessing(batchID string, batchSize int, now time.Time) error {
	if t.Status != StatusQueued {
		return t.invalid("start")
	}
	ts := now.UTC()
	t.Status = StatusProcessing
	t.StartedAt = &ts
	t.BatchID = batchID
	t.BatchSize = batchSize
	return nil
}

// Complete records a result. A second terminal transition is rejected.
func (t *Task) Complete(result []byte, degraded bool, now time.Time) error {
	if t.Status != StatusProcessing {
		return t.invalid("complete")
	}
	t.finish(StatusCompleted, now)
	t.Result = result
	t.Degraded = degraded
	return nil
}

func (t *Task) Fail(info ErrorInfo, now time.Time) error {
	if t.Status != StatusProcessing {
		return t.invalid("fail")
	}
	t.finish(StatusFailed, now)
	t.Error = &info
	return nil
}

// Cancel is only valid while the task is still waiting in its lane.
func (t *Task) Cancel(now time.Time) error {
	if t.Status != StatusQueued {
		return t.invalid("cancel")
	}
	t.finish(StatusCancelled, now)
	return nil
}

func (t *Task) finish(status TaskStatus, now time.Time) {
	ts := now.UTC()
	t.Status = status
	t.CompletedAt = &ts
}

func (t *Task) IsTerminal() bool { return t.Status.Terminal() }

// Clone returns a deep copy so stores never alias a live task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = cloneBytes(t.Payload)
	c.Result = cloneBytes(t.Result)
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.Error != nil {
		v := *t.Error
		c.Error = &v
	}
	return &c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
