// storage/redis_store.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/chhz0/inferq/codec"
	"github.com/chhz0/inferq/types"
)

// RedisStorage keeps one key per task plus a sorted set per status scored by
// creation time. Terminal records expire on their own after the retention
// window; PurgeExpired cleans the index of keys redis already dropped.
type RedisStorage struct {
	client    *redis.Client
	prefix    string
	codec     codec.Codec
	retention time.Duration
}

type RedisOption func(*RedisStorage)

func WithRedisCodec(c codec.Codec) RedisOption {
	return func(s *RedisStorage) { s.codec = c }
}

func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStorage) { s.prefix = prefix }
}

func WithRedisRetention(d time.Duration) RedisOption {
	return func(s *RedisStorage) { s.retention = d }
}

func NewRedisStorage(addr, password string, db int, opts ...RedisOption) *RedisStorage {
	s := &RedisStorage{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		prefix:    "inferq:",
		codec:     codec.JSON(),
		retention: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) key(id string) string {
	return s.prefix + "task:" + id
}

func (s *RedisStorage) statusKey(status types.TaskStatus) string {
	return s.prefix + "status:" + status.String()
}

func (s *RedisStorage) SaveTask(ctx context.Context, task *types.Task) error {
	data, err := s.codec.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}

	ttl := time.Duration(0)
	if task.IsTerminal() && task.CompletedAt != nil {
		ttl = time.Until(task.CompletedAt.Add(s.retention))
		if ttl <= 0 {
			ttl = time.Second
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(task.ID), data, ttl)
		for st := types.StatusQueued; st <= types.StatusCancelled; st++ {
			if st != task.Status {
				pipe.ZRem(ctx, s.statusKey(st), task.ID)
			}
		}
		pipe.ZAdd(ctx, s.statusKey(task.Status), &redis.Z{
			Score:  float64(task.CreatedAt.UnixNano()),
			Member: task.ID,
		})
		return nil
	})
	return err
}

func (s *RedisStorage) GetTask(ctx context.Context, id string) (*types.Task, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	var task types.Task
	if err := s.codec.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, nil
}

func (s *RedisStorage) GetTasksByStatus(ctx context.Context, status types.TaskStatus, limit int) ([]*types.Task, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.statusKey(status), rng).Result()
	if err != nil {
		return nil, err
	}

	tasks := make([]*types.Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.GetTask(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (s *RedisStorage) DeleteTask(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return err
	}
	s.unindex(ctx, id)
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *RedisStorage) unindex(ctx context.Context, id string) {
	pipe := s.client.Pipeline()
	for st := types.StatusQueued; st <= types.StatusCancelled; st++ {
		pipe.ZRem(ctx, s.statusKey(st), id)
	}
	_, _ = pipe.Exec(ctx)
}

func (s *RedisStorage) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	n := 0
	for _, st := range []types.TaskStatus{types.StatusCompleted, types.StatusFailed, types.StatusCancelled} {
		ids, err := s.client.ZRange(ctx, s.statusKey(st), 0, -1).Result()
		if err != nil {
			return n, err
		}
		for _, id := range ids {
			task, err := s.GetTask(ctx, id)
			if errors.Is(err, ErrTaskNotFound) {
				s.client.ZRem(ctx, s.statusKey(st), id)
				n++
				continue
			}
			if err != nil {
				return n, err
			}
			if expired(task, before) {
				if err := s.DeleteTask(ctx, id); err != nil && !errors.Is(err, ErrTaskNotFound) {
					return n, err
				}
				n++
			}
		}
	}
	return n, nil
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}
