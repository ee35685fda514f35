package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"autopilot/internal/config"
)

// RedisQueue is a named-list queue: a ready list, one processing list per consumer,
// a retry set scored by due time and a dead-letter list.
type RedisQueue struct {
	client   *redis.Client
	readyKey string
	retryKey string
	dlqKey   string
}

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue wraps client with the given list names.
func NewRedisQueue(client *redis.Client, name, dlqName string) *RedisQueue {
	if name == "" {
		name = "queue:jobs"
	}
	if dlqName == "" {
		dlqName = name + ":dlq"
	}
	return &RedisQueue{
		client:   client,
		readyKey: name,
		retryKey: name + ":retry",
		dlqKey:   dlqName,
	}
}

func (q *RedisQueue) processingKey(consumerID string) string {
	return fmt.Sprintf("%s:processing:%s", q.readyKey, consumerID)
}

// Push appends a message to the ready list.
func (q *RedisQueue) Push(ctx context.Context, raw []byte) error {
	return q.client.LPush(ctx, q.readyKey, raw).Err()
}

// Pop blocks up to timeout for the oldest ready message and parks it on the consumer's
// processing list until it is acked, retried or dead-lettered. It returns nil when nothing arrived.
func (q *RedisQueue) Pop(ctx context.Context, consumerID string, timeout time.Duration) ([]byte, error) {
	raw, err := q.client.BRPopLPush(ctx, q.readyKey, q.processingKey(consumerID), timeout).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Ack removes a finished message from the consumer's processing list.
func (q *RedisQueue) Ack(ctx context.Context, consumerID string, raw []byte) error {
	return q.client.LRem(ctx, q.processingKey(consumerID), 1, raw).Err()
}

// ScheduleRetry moves a message from processing into the retry set, due at runAt.
func (q *RedisQueue) ScheduleRetry(ctx context.Context, consumerID string, raw []byte, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(consumerID), 1, raw)
	pipe.ZAdd(ctx, q.retryKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: raw})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteDue moves due retries back to the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	n, err := promoteScript.Run(ctx, q.client, []string{q.retryKey, q.readyKey}, now.UnixMilli(), limit).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DeadLetter moves a message from processing to the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, consumerID string, raw []byte) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(consumerID), 1, raw)
	pipe.RPush(ctx, q.dlqKey, raw)
	_, err := pipe.Exec(ctx)
	return err
}

// RecoverProcessing returns messages left on a consumer's processing list by a crash
// to the ready list. Run it before the consumer starts popping.
func (q *RedisQueue) RecoverProcessing(ctx context.Context, consumerID string) (int, error) {
	n := 0
	for {
		err := q.client.RPopLPush(ctx, q.processingKey(consumerID), q.readyKey).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// DLQPeek reads up to count dead-lettered messages, oldest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([][]byte, error) {
	items, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(items))
	for _, it := range items {
		out = append(out, []byte(it))
	}
	return out, nil
}

// DLQRemove deletes one copy of raw from the dead-letter list. It reports false when
// the message was no longer there.
func (q *RedisQueue) DLQRemove(ctx context.Context, raw []byte) (bool, error) {
	n, err := q.client.LRem(ctx, q.dlqKey, 1, raw).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Depth returns the ready list length.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// DLQDepth returns the dead-letter list length.
func (q *RedisQueue) DLQDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.dlqKey).Result()
}

var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, msg in ipairs(due) do
  if redis.call('ZREM', KEYS[1], msg) == 1 then
    redis.call('LPUSH', KEYS[2], msg)
    moved = moved + 1
  end
end
return moved
`)
