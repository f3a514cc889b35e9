// Package sequence provides SequenceAllocator backends that live outside the
// receipt store.
package sequence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/receipt-ledger/billing"
)

// DefaultPrefix namespaces counter keys: "billing:seq:receipt".
const DefaultPrefix = "billing:seq:"

// RedisAllocator hands out counter values with INCR. Each call is atomic on
// the server, so any number of ledger processes may share one counter.
// Values are consumed even when the caller's unit of work later fails.
type RedisAllocator struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisClient connects and pings, like the cache clients elsewhere.
func NewRedisClient(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		PoolSize:        20,
		MinIdleConns:    2,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, billing.Unavailable("redis ping", err)
	}
	logger.Info("redis connected", zap.String("addr", addr), zap.Int("db", db))
	return client, nil
}

// NewRedisAllocator wraps client. An empty prefix means DefaultPrefix.
func NewRedisAllocator(client *redis.Client, prefix string, logger *zap.Logger) *RedisAllocator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisAllocator{client: client, prefix: prefix, logger: logger}
}

// Allocate returns the next value of counter.
func (a *RedisAllocator) Allocate(ctx context.Context, counter string) (int64, error) {
	n, err := a.client.Incr(ctx, a.prefix+counter).Result()
	if err != nil {
		return 0, billing.Unavailable("allocate "+counter, err)
	}
	return n, nil
}

// raiseScript sets KEYS[1] to ARGV[1] unless it is already higher.
var raiseScript = redis.NewScript(`
	local current = tonumber(redis.call('get', KEYS[1]) or '0')
	local floor = tonumber(ARGV[1])
	if current < floor then
		redis.call('set', KEYS[1], floor)
		return floor
	end
	return current
`)

// EnsureFloor raises counter to at least floor. Used at startup when the
// database already holds numbers issued by another backend.
func (a *RedisAllocator) EnsureFloor(ctx context.Context, counter string, floor int64) (int64, error) {
	v, err := raiseScript.Run(ctx, a.client, []string{a.prefix + counter}, floor).Int64()
	if err != nil {
		return 0, billing.Unavailable("raise "+counter, err)
	}
	if v == floor {
		a.logger.Info("sequence floor applied", zap.String("counter", counter), zap.Int64("value", v))
	}
	return v, nil
}

// Close releases the client.
func (a *RedisAllocator) Close() error {
	return a.client.Close()
}
