// Package lock provides named mutual exclusion for cross-request
// coordination: generation-config updates take a per-table lock, and the
// billing flusher elects a single replica. Single-process deployments use
// the in-memory locker; setting REDIS_URL switches to Redis SetNX locks so
// multiple replicas agree.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Lease is a held lock. Release it when done; Refresh extends the TTL for
// long-running holders such as the billing flusher.
type Lease interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker hands out named leases.
type Locker interface {
	// TryAcquire takes the lock if it is free, without blocking.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)
	// Acquire blocks until the lock is held or ctx is done.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

const acquireRetryDelay = 50 * time.Millisecond

// Connect returns a Redis-backed locker when url is set, otherwise the
// in-process locker.
func Connect(ctx context.Context, url string) (Locker, error) {
	if url == "" {
		return NewLocal(), nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("lock: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("lock: redis ping: %w", err)
	}
	log.Info().Str("addr", opts.Addr).Msg("Lock: using Redis distributed locks")
	return NewRedisLocker(client), nil
}

// ── In-process locker ───────────────────────────────────────

type localEntry struct {
	token   string
	expires time.Time
}

// Local implements Locker with an in-memory table. Expired entries are
// reclaimed lazily on the next acquire of the same key.
type Local struct {
	mu   sync.Mutex
	held map[string]localEntry
}

func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry)}
}

func (l *Local) TryAcquire(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.held[key]; ok && time.Now().Before(e.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: time.Now().Add(ttl)}
	return &localLease{parent: l, key: key, token: token, ttl: ttl}, true, nil
}

func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	for {
		lease, ok, err := l.TryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquireRetryDelay):
		}
	}
}

type localLease struct {
	parent *Local
	key    string
	token  string
	ttl    time.Duration
}

func (l *localLease) Refresh(context.Context) error {
	l.parent.mu.Lock()
	defer l.parent.mu.Unlock()

	e, ok := l.parent.held[l.key]
	if !ok || e.token != l.token {
		return fmt.Errorf("lock: lease on %q lost", l.key)
	}
	e.expires = time.Now().Add(l.ttl)
	l.parent.held[l.key] = e
	return nil
}

func (l *localLease) Release(context.Context) error {
	l.parent.mu.Lock()
	defer l.parent.mu.Unlock()

	if e, ok := l.parent.held[l.key]; ok && e.token == l.token {
		delete(l.parent.held, l.key)
	}
	return nil
}

// ── Redis locker ────────────────────────────────────────────

// Compare-and-delete / compare-and-expire so a replica can only touch a
// lease it still owns.
var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	refreshScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLocker implements Locker over a shared Redis instance.
type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (r *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock: acquire %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{client: r.client, key: key, token: token, ttl: ttl}, true, nil
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	for {
		lease, ok, err := r.TryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquireRetryDelay):
		}
	}
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

func (l *redisLease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("lock: refresh %q: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("lock: lease on %q lost", l.key)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Result(); err != nil && err != redis.Nil {
		return fmt.Errorf("lock: release %q: %w", l.key, err)
	}
	return nil
}
