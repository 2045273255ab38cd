// storage/memory_store.go
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chhz0/inferq/types"
)

type MemoryStorage struct {
	tasks map[string]*types.Task
	mu    sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tasks: make(map[string]*types.Task),
	}
}

func (s *MemoryStorage) SaveTask(ctx context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStorage) GetTask(ctx context.Context, id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStorage) GetTasksByStatus(ctx context.Context, status types.TaskStatus, limit int) ([]*types.Task, error) {
	s.mu.RLock()
	var result []*types.Task
	for _, t := range s.tasks {
		if t.Status == status {
			result = append(result, t.Clone())
		}
	}
	s.mu.RUnlock()

	sortByCreation(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStorage) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStorage) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, t := range s.tasks {
		if expired(t, before) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

func sortByCreation(tasks []*types.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
