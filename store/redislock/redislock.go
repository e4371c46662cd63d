// Package redislock provides the per-group lock the cycle scheduler takes
// before advancing a group, so several server replicas never tick the same
// group at once.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotHeld is returned by Release when the lock expired or belongs to
// another holder.
var ErrNotHeld = errors.New("lock not held")

// Locker defines the interface for short-lived named locks.
type Locker interface {
	// Acquire tries once to take key. ok is false when someone else holds it.
	Acquire(ctx context.Context, key string) (token string, ok bool, err error)

	// Release drops key if token still owns it.
	Release(ctx context.Context, key, token string) error
}

// =============================================================================
// REDIS LOCKER
// =============================================================================

// releaseScript deletes the key only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a compare-and-delete
// release script.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewRedisLocker creates a locker whose keys expire after ttl.
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		prefix: "rosca:lock:",
		logger: logger,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
	if err != nil {
		l.logger.Error("lock acquire failed",
			zap.String("key", key),
			zap.Error(err),
		)
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if n == 0 {
		l.logger.Warn("lock expired before release",
			zap.String("key", key),
			zap.Duration("ttl", l.ttl),
		)
		return ErrNotHeld
	}
	return nil
}

// Connect opens a client and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return client, nil
}

// =============================================================================
// LOCAL LOCKER - single-process fallback when Redis is disabled
// =============================================================================

type LocalLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]string)}
}

func (l *LocalLocker) Acquire(_ context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[key] = token
	return token, true, nil
}

func (l *LocalLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] != token {
		return ErrNotHeld
	}
	delete(l.held, key)
	return nil
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*LocalLocker)(nil)
)
