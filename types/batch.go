package types

import (
	"time"

	"github.com/google/uuid"
)

// Batch is an immutable group of tasks sent to one backend call.
type Batch struct {
	ID        string
	Backend   BackendVariant
	Members   []*Task
	CreatedAt time.Time
	FlushedAt time.Time
}

func NewBatchID() string { return uuid.New().String() }

func (b *Batch) Size() int { return len(b.Members) }

// TaskIDs returns member ids in batch order.
func (b *Batch) TaskIDs() []string {
	ids := make([]string, len(b.Members))
	for i, t := range b.Members {
		ids[i] = t.ID
	}
	return ids
}
