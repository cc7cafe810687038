package followup

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultQueueKey is the Redis list holding pending request IDs.
const DefaultQueueKey = "tablecall:followups"

// ErrEmpty is returned by [Queue.Pop] when nothing is queued.
var ErrEmpty = errors.New("followup: queue empty")

// Queue carries request IDs from the [Service] to the [Worker].
type Queue interface {
	Push(ctx context.Context, id string) error

	// Pop removes the oldest ID. It returns [ErrEmpty] when the queue is
	// empty.
	Pop(ctx context.Context) (string, error)
}

// RedisQueue is a FIFO [Queue] on a Redis list: IDs are pushed on the left
// and popped from the right.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue returns a queue on the list key. An empty key uses
// [DefaultQueueKey].
func NewRedisQueue(client redis.UniversalClient, key string) *RedisQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisQueue{client: client, key: key}
}

// Push implements [Queue].
func (q *RedisQueue) Push(ctx context.Context, id string) error {
	if err := q.client.LPush(ctx, q.key, id).Err(); err != nil {
		return fmt.Errorf("followup: push %s: %w", id, err)
	}
	return nil
}

// Pop implements [Queue].
func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	id, err := q.client.RPop(ctx, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("followup: pop: %w", err)
	}
	return id, nil
}

// Len returns the number of queued IDs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("followup: len: %w", err)
	}
	return n, nil
}

// Ping checks the Redis connection. It serves as a readiness check.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
