package storage

import (
	"context"
	"time"

	"github.com/chhz0/inferq/types"
)

var (
	ErrTaskNotFound = types.NewError(types.KindNotFound, "task not found")
)

// Storage keeps task records. Implementations store copies: a task passed to
// SaveTask or returned from a getter is never shared with the store.
type Storage interface {
	// SaveTask inserts or replaces the full record.
	SaveTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	// GetTasksByStatus returns up to limit records ordered by creation time.
	// A limit <= 0 returns all of them.
	GetTasksByStatus(ctx context.Context, status types.TaskStatus, limit int) ([]*types.Task, error)
	DeleteTask(ctx context.Context, id string) error
	// PurgeExpired deletes terminal records completed before the cutoff.
	PurgeExpired(ctx context.Context, before time.Time) (int, error)
	Close() error
}

func expired(t *types.Task, before time.Time) bool {
	return t.IsTerminal() && t.CompletedAt != nil && t.CompletedAt.Before(before)
}
