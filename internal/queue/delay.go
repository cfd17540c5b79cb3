package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDelayKey is the sorted set holding pending wake-ups.
const DefaultDelayKey = "flexli:wakeups"

// DelayQueue holds continuation keys until their wake time.
type DelayQueue interface {
	// Schedule adds key to wake at at. Rescheduling a key moves it.
	Schedule(ctx context.Context, key string, at time.Time) error
	// Due claims up to limit keys whose time is at or before now. A claimed
	// key is removed and returned to exactly one caller.
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// RedisDelayQueue keeps wake-ups in a Redis sorted set scored by unix
// milliseconds, so any number of dispatchers may share it.
type RedisDelayQueue struct {
	client redis.UniversalClient
	key    string
}

// NewRedisDelayQueue uses set as the sorted set name, or DefaultDelayKey.
func NewRedisDelayQueue(client redis.UniversalClient, set string) *RedisDelayQueue {
	if set == "" {
		set = DefaultDelayKey
	}
	return &RedisDelayQueue{client: client, key: set}
}

func (q *RedisDelayQueue) Schedule(ctx context.Context, key string, at time.Time) error {
	err := q.client.ZAdd(ctx, q.key, redis.Z{Score: float64(at.UnixMilli()), Member: key}).Err()
	if err != nil {
		return queueErr("schedule wake-up", err)
	}
	return nil
}

func (q *RedisDelayQueue) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	keys, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, queueErr("read due wake-ups", err)
	}

	claimed := make([]string, 0, len(keys))
	for _, k := range keys {
		n, err := q.client.ZRem(ctx, q.key, k).Result()
		if err != nil {
			return claimed, queueErr("claim wake-up", err)
		}
		if n == 1 {
			claimed = append(claimed, k)
		}
	}
	return claimed, nil
}

// Len reports the number of pending wake-ups.
func (q *RedisDelayQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, queueErr("count wake-ups", err)
	}
	return n, nil
}

// MemoryDelayQueue is the in-process DelayQueue used when no Redis address
// is configured. Pending wake-ups are lost on restart.
type MemoryDelayQueue struct {
	mu      sync.Mutex
	pending map[string]time.Time
}

func NewMemoryDelayQueue() *MemoryDelayQueue {
	return &MemoryDelayQueue{pending: make(map[string]time.Time)}
}

func (q *MemoryDelayQueue) Schedule(_ context.Context, key string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[key] = at
	return nil
}

func (q *MemoryDelayQueue) Due(_ context.Context, now time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	type item struct {
		key string
		at  time.Time
	}
	var due []item
	for k, at := range q.pending {
		if !at.After(now) {
			due = append(due, item{k, at})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].key < due[j].key
		}
		return due[i].at.Before(due[j].at)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	keys := make([]string, len(due))
	for i, it := range due {
		keys[i] = it.key
		delete(q.pending, it.key)
	}
	return keys, nil
}

// Len reports the number of pending wake-ups.
func (q *MemoryDelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
