package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockHeld means another replica is running the job.
var ErrLockHeld = errors.New("reconcile: job lock held by another runner")

// Locker serializes a job across replicas.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock is a single-instance Redis lease: SET NX PX to take it, a
// compare-and-expire script every third of the TTL to keep it while the holder
// runs, and a compare-and-delete script to give it back.
type RedisLock struct {
	client redis.Cmdable
	prefix string
	logger *zap.Logger
}

func NewRedisLock(client redis.Cmdable, prefix string) *RedisLock {
	if prefix == "" {
		prefix = "collections:job:"
	}
	return &RedisLock{client: client, prefix: prefix, logger: zap.NewNop()}
}

func (l *RedisLock) WithLogger(logger *zap.Logger) *RedisLock {
	if logger != nil {
		l.logger = logger
	}
	return l
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	full := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("reconcile: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(ctx, full, token, ttl, stop, done)

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() { close(stop) })
		<-done
		if err := releaseScript.Run(ctx, l.client, []string{full}, token).Err(); err != nil {
			return fmt.Errorf("reconcile: release lock %s: %w", key, err)
		}
		return nil
	}, nil
}

// renew keeps the lease alive until stop closes, ctx ends or the lease is lost.
func (l *RedisLock) renew(ctx context.Context, key, token string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	every := ttl / 3
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := renewScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int()
			if err != nil {
				l.logger.Warn("renew job lock", zap.String("key", key), zap.Error(err))
				continue
			}
			if held == 0 {
				l.logger.Warn("job lock lost", zap.String("key", key))
				return
			}
		}
	}
}
