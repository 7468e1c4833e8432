package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the key-value adapter.
type RedisConfig struct {
	// URL is a redis:// connection string.
	URL string
	// MetricsEnabled turns on per-operation metrics collection.
	MetricsEnabled bool
}

// RedisStore is the key-value adapter backing L1 active context. It also
// provides the lease primitives used by the session lock.
type RedisStore struct {
	cfg     RedisConfig
	client  *redis.Client
	metrics *MetricsCollector
}

// releaseScript deletes the lock key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lock TTL only when the caller still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// NewRedisStore creates an unconnected adapter. Call Connect before use.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	return &RedisStore{
		cfg:     cfg,
		metrics: NewMetricsCollector("redis", cfg.MetricsEnabled),
	}
}

// Name implements Backend.
func (s *RedisStore) Name() string { return "redis" }

// Metrics implements Backend.
func (s *RedisStore) Metrics() *MetricsCollector { return s.metrics }

// Connect parses the URL, opens the client, and verifies connectivity.
func (s *RedisStore) Connect(ctx context.Context) error {
	opts, err := redis.ParseURL(s.cfg.URL)
	if err != nil {
		return DataErr("redis", "connect", fmt.Errorf("parse url: %w", err))
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return ConnectionErr("redis", "connect", err)
	}
	s.client = client
	slog.Info("Redis adapter connected", "addr", opts.Addr)
	return nil
}

// Disconnect closes the client. Idempotent.
func (s *RedisStore) Disconnect(_ context.Context) error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	if err != nil {
		return ConnectionErr("redis", "disconnect", err)
	}
	return nil
}

// Ping verifies the backend is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s.client == nil {
		return ConnectionErr("redis", "ping", errors.New("not connected"))
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.wrap("ping", err)
	}
	return nil
}

// wrap classifies a go-redis error into the storage taxonomy.
func (s *RedisStore) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return NotFoundErr("redis", op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return TimeoutErr("redis", op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return TimeoutErr("redis", op, err)
		}
		return ConnectionErr("redis", op, err)
	}
	return QueryErr("redis", op, err)
}

// ListPush pushes values to the head of the list at key.
func (s *RedisStore) ListPush(ctx context.Context, key string, values ...[]byte) (err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("list_push", start, err) }()

	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	if e := s.client.LPush(ctx, key, args...).Err(); e != nil {
		err = s.wrap("list_push", e)
	}
	return err
}

// ListTrim keeps only the elements in [start, stop].
func (s *RedisStore) ListTrim(ctx context.Context, key string, startIdx, stop int64) (err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("list_trim", start, err) }()

	if e := s.client.LTrim(ctx, key, startIdx, stop).Err(); e != nil {
		err = s.wrap("list_trim", e)
	}
	return err
}

// ListRange returns the elements in [start, stop], head first. A missing key
// yields an empty slice, not an error.
func (s *RedisStore) ListRange(ctx context.Context, key string, startIdx, stop int64) (out [][]byte, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("list_range", start, err) }()

	vals, e := s.client.LRange(ctx, key, startIdx, stop).Result()
	if e != nil {
		return nil, s.wrap("list_range", e)
	}
	out = make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Expire sets the key TTL.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("expire", start, err) }()

	if e := s.client.Expire(ctx, key, ttl).Err(); e != nil {
		err = s.wrap("expire", e)
	}
	return err
}

// PushTrimExpire runs push-head, trim-to-window, refresh-TTL in a single
// pipeline so the window update commits or fails as a unit.
func (s *RedisStore) PushTrimExpire(ctx context.Context, key string, value []byte, keep int64, ttl time.Duration) (err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("push_trim_expire", start, err) }()

	_, e := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, value)
		pipe.LTrim(ctx, key, 0, keep-1)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if e != nil {
		err = s.wrap("push_trim_expire", e)
	}
	return err
}

// ScanKeys returns all keys matching the glob pattern.
func (s *RedisStore) ScanKeys(ctx context.Context, pattern string) (keys []string, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("scan_keys", start, err) }()

	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if e := iter.Err(); e != nil {
		return nil, s.wrap("scan_keys", e)
	}
	return keys, nil
}

// DeleteKey removes a key, reporting whether it existed.
func (s *RedisStore) DeleteKey(ctx context.Context, key string) (existed bool, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("delete_key", start, err) }()

	n, e := s.client.Del(ctx, key).Result()
	if e != nil {
		return false, s.wrap("delete_key", e)
	}
	return n > 0, nil
}

// AcquireLock takes the lease at key for owner with the given TTL. Returns
// false when another owner holds it.
func (s *RedisStore) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (acquired bool, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("acquire_lock", start, err) }()

	ok, e := s.client.SetNX(ctx, key, owner, ttl).Result()
	if e != nil {
		return false, s.wrap("acquire_lock", e)
	}
	return ok, nil
}

// RenewLock extends the lease TTL when owner still holds it.
func (s *RedisStore) RenewLock(ctx context.Context, key, owner string, ttl time.Duration) (renewed bool, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("renew_lock", start, err) }()

	res, e := renewScript.Run(ctx, s.client, []string{key}, owner, ttl.Milliseconds()).Int64()
	if e != nil {
		return false, s.wrap("renew_lock", e)
	}
	return res == 1, nil
}

// ReleaseLock deletes the lease when owner still holds it. Releasing a lock
// that expired or belongs to another owner returns false without error.
func (s *RedisStore) ReleaseLock(ctx context.Context, key, owner string) (released bool, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("release_lock", start, err) }()

	res, e := releaseScript.Run(ctx, s.client, []string{key}, owner).Int64()
	if e != nil {
		return false, s.wrap("release_lock", e)
	}
	return res == 1, nil
}
