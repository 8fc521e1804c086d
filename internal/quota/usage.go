package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AgentFuel/internal/errors"
)

// UsageStore tracks consumed daily quota per caller identity.
type UsageStore interface {
	// Consume records n additional tasks and returns the total used today.
	Consume(ctx context.Context, identity string, n int) (int, error)
	// UsedToday returns the tasks consumed today by the identity.
	UsedToday(ctx context.Context, identity string) (int, error)
	Close() error
}

// MemoryUsage keeps counters in process memory, for tests and single-node
// deployments.
type MemoryUsage struct {
	mu    sync.Mutex
	used  map[string]int
	now   func() time.Time
}

// NewMemoryUsage constructs an in-memory usage store.
func NewMemoryUsage() *MemoryUsage {
	return &MemoryUsage{used: make(map[string]int), now: time.Now}
}

func (m *MemoryUsage) key(identity string) string {
	return identity + ":" + m.now().UTC().Format("2006-01-02")
}

// Consume adds n to today's counter.
func (m *MemoryUsage) Consume(ctx context.Context, identity string, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.key(identity)
	m.used[key] += n
	return m.used[key], nil
}

// UsedToday reports today's counter.
func (m *MemoryUsage) UsedToday(ctx context.Context, identity string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[m.key(identity)], nil
}

// Close implements UsageStore.
func (m *MemoryUsage) Close() error { return nil }

// RedisUsageConfig carries the connection parameters for the Redis store.
type RedisUsageConfig struct {
	Address  string
	Password string
	DB       int
}

// RedisUsage shares daily counters across keeper instances. Keys carry a day
// suffix and expire after 48h so stale days clean themselves up.
type RedisUsage struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisUsage connects and pings the configured Redis instance.
func NewRedisUsage(cfg RedisUsageConfig) (*RedisUsage, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "connect to redis")
	}
	return &RedisUsage{client: client, now: time.Now}, nil
}

func (r *RedisUsage) key(identity string) string {
	return fmt.Sprintf("agentfuel:quota:%s:%s", identity, r.now().UTC().Format("2006-01-02"))
}

// Consume atomically increments today's counter.
func (r *RedisUsage) Consume(ctx context.Context, identity string, n int) (int, error) {
	key := r.key(identity)
	used, err := r.client.IncrBy(ctx, key, int64(n)).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "increment quota usage")
	}
	// Expiry only needs setting once per key; re-setting is harmless.
	_ = r.client.Expire(ctx, key, 48*time.Hour).Err()
	return int(used), nil
}

// UsedToday reads today's counter, zero when absent.
func (r *RedisUsage) UsedToday(ctx context.Context, identity string) (int, error) {
	used, err := r.client.Get(ctx, r.key(identity)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read quota usage")
	}
	return used, nil
}

// Close releases the Redis connection.
func (r *RedisUsage) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

var (
	_ UsageStore = (*MemoryUsage)(nil)
	_ UsageStore = (*RedisUsage)(nil)
)
