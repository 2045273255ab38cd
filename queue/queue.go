// Package queue holds queued tasks in three strict-priority FIFO lanes.
package queue

import (
	"fmt"
	"sync"

	"github.com/chhz0/inferq/types"
)

// PriorityQueue drains the high lane completely before normal, and normal
// before low. Lower lanes can starve under sustained high-priority load.
//
// One mutex guards all three lanes so enqueue, dequeue and remove never
// observe a half-updated lane set.
type PriorityQueue struct {
	mu    sync.Mutex
	lanes [len(types.Priorities)][]*types.Task
}

func New() *PriorityQueue {
	return &PriorityQueue{}
}

// Enqueue appends task to its lane and returns the lane depth including it.
// It never blocks and never drops.
func (q *PriorityQueue) Enqueue(task *types.Task) (int, error) {
	if !task.Priority.Valid() {
		return 0, types.NewError(types.KindValidation, fmt.Sprintf("invalid priority %d", int(task.Priority)))
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.lanes[task.Priority] = append(q.lanes[task.Priority], task)
	return len(q.lanes[task.Priority]), nil
}

// DequeueNext removes and returns up to maxN tasks in strict priority order.
func (q *PriorityQueue) DequeueNext(maxN int) []*types.Task {
	if maxN <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.Task
	for i := range q.lanes {
		if len(out) == maxN {
			break
		}
		lane := q.lanes[i]
		n := min(maxN-len(out), len(lane))
		out = append(out, lane[:n]...)
		clear(lane[:n])
		q.lanes[i] = lane[n:]
		if len(q.lanes[i]) == 0 {
			q.lanes[i] = nil
		}
	}
	return out
}

// Remove takes a queued task out of its lane. It fails with InvalidState
// when the task is not waiting in any lane.
func (q *PriorityQueue) Remove(id string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, lane := range q.lanes {
		for j, t := range lane {
			if t.ID != id {
				continue
			}
			q.lanes[i] = append(lane[:j:j], lane[j+1:]...)
			return t, nil
		}
	}
	return nil, types.NewError(types.KindInvalidState, fmt.Sprintf("task %s is not queued", id))
}

func (q *PriorityQueue) Depth(p types.Priority) int {
	if !p.Valid() {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes[p])
}

// Depths returns every lane's length under one lock.
func (q *PriorityQueue) Depths() map[types.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[types.Priority]int, len(q.lanes))
	for _, p := range types.Priorities {
		out[p] = len(q.lanes[p])
	}
	return out
}

func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, lane := range q.lanes {
		n += len(lane)
	}
	return n
}
