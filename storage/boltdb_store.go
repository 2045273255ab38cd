// storage/boltdb_store.go
package storage

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/chhz0/inferq/codec"
	"github.com/chhz0/inferq/types"
)

var (
	taskBucket = []byte("tasks")
)

type BoltStorage struct {
	db    *bolt.DB
	codec codec.Codec
}

func NewBoltStorage(path string, c codec.Codec) (*BoltStorage, error) {
	if c == nil {
		c = codec.JSON()
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(taskBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db, codec: c}, nil
}

func (s *BoltStorage) SaveTask(ctx context.Context, task *types.Task) error {
	data, err := s.codec.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(taskBucket).Put([]byte(task.ID), data)
	})
}

func (s *BoltStorage) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var task *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(taskBucket).Get([]byte(id))
		if data == nil {
			return ErrTaskNotFound
		}
		var t types.Task
		if err := s.codec.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("decode task %s: %w", id, err)
		}
		task = &t
		return nil
	})
	return task, err
}

func (s *BoltStorage) GetTasksByStatus(ctx context.Context, status types.TaskStatus, limit int) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(taskBucket).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := s.codec.Unmarshal(v, &task); err != nil {
				return nil // 跳过无效数据
			}
			if task.Status == status {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortByCreation(tasks)
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *BoltStorage) DeleteTask(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		if b.Get([]byte(id)) == nil {
			return ErrTaskNotFound
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStorage) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		// cursor deletes skip the following key, collect first
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := s.codec.Unmarshal(v, &task); err != nil {
				return nil
			}
			if expired(&task, before) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}
