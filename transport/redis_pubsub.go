// transport/redis_pubsub.go
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultChannel carries task lifecycle events.
var DefaultChannel = "task_events"

// RedisPubSub 实现
type RedisPubSub struct {
	client  *redis.Client
	channel string
	owned   bool
}

func NewRedisTransport(ctx context.Context, addr, password string, db int, channel string) (*RedisPubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     100,
		MinIdleConns: 10,
		IdleTimeout:  5 * time.Minute,
	})

	// 验证连接
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	rs := NewRedisTransportFromClient(client, channel)
	rs.owned = true
	return rs, nil
}

// NewRedisTransportFromClient shares an existing client; Close leaves it open.
func NewRedisTransportFromClient(client *redis.Client, channel string) *RedisPubSub {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPubSub{client: client, channel: channel}
}

// Publish sends all events in one pipeline.
func (rs *RedisPubSub) Publish(ctx context.Context, events ...TaskEvent) error {
	if len(events) == 0 {
		return nil
	}
	if len(events) == 1 {
		data, err := json.Marshal(events[0])
		if err != nil {
			return err
		}
		return rs.client.Publish(ctx, rs.channel, data).Err()
	}

	pipe := rs.client.Pipeline()
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		pipe.Publish(ctx, rs.channel, data)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// 订阅事件流
func (rs *RedisPubSub) Subscribe(ctx context.Context) (<-chan TaskEvent, error) {
	pubsub := rs.client.Subscribe(ctx, rs.channel)
	// wait for the subscription to be confirmed so no event published after
	// Subscribe returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	ch := make(chan TaskEvent, 100)
	go func() {
		defer close(ch)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev TaskEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// 关闭连接
func (rs *RedisPubSub) Close() error {
	if rs.owned {
		return rs.client.Close()
	}
	return nil
}
