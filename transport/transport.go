// transport/transport.go
package transport

import (
	"context"
	"time"

	"github.com/chhz0/inferq/types"
)

// TaskEvent is one lifecycle transition of a task.
type TaskEvent struct {
	TaskID    string           `json:"task_id"`
	Status    types.TaskStatus `json:"status"`
	Backend   string           `json:"backend,omitempty"`
	BatchID   string           `json:"batch_id,omitempty"`
	ErrorKind types.ErrorKind  `json:"error_kind,omitempty"`
	At        time.Time        `json:"at"`
}

// EventFor snapshots the task's current state as an event.
func EventFor(t *types.Task, at time.Time) TaskEvent {
	ev := TaskEvent{
		TaskID:  t.ID,
		Status:  t.Status,
		Backend: string(t.Backend),
		BatchID: t.BatchID,
		At:      at.UTC(),
	}
	if t.Error != nil {
		ev.ErrorKind = t.Error.Kind
	}
	return ev
}

// Publisher fans lifecycle events out to whoever listens. Publishing is best
// effort; the scheduler logs failures and carries on.
type Publisher interface {
	Publish(ctx context.Context, events ...TaskEvent) error
	Close() error
}

// Subscriber delivers published events until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan TaskEvent, error)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, ...TaskEvent) error { return nil }
func (Nop) Close() error                                { return nil }
