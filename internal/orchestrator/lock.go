package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisPingTimeout bounds the reachability probe at boot.
const redisPingTimeout = 2 * time.Second

// Locker grants advisory locks for maintenance categories. Acquire is
// non-blocking: a held lock reports acquired == false, never an error.
type Locker interface {
	// Acquire attempts the named lock for at most ttl. When acquired, the
	// returned release frees it; releasing a lock that already expired is
	// a no-op and never frees another owner's lock.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context), acquired bool, err error)
}

// NewLocker returns a Redis-backed locker when addr is set and reachable,
// and the in-process fallback otherwise. On a single node the fallback
// preserves the same exclusion semantics.
func NewLocker(ctx context.Context, addr string, logger *slog.Logger) Locker {
	if addr == "" {
		return newLocalLocker()
	}

	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, falling back to in-process locks",
			slog.String("addr", addr),
			slog.Any("error", err),
		)

		_ = client.Close()

		return newLocalLocker()
	}

	logger.Info("advisory locks backed by redis", slog.String("addr", addr))

	return &redisLocker{client: client, logger: logger}
}

// releaseScript deletes the lock only while the owner token still matches,
// so a run that outlived its TTL cannot free a lock someone else now holds.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type redisLocker struct {
	client *redis.Client
	logger *slog.Logger
}

func (l *redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context), bool, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}

	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) {
		err := releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Warn("release advisory lock",
				slog.String("key", key),
				slog.Any("error", err),
			)
		}
	}

	return release, true, nil
}

// localLocker keys a mutex table by lock name. TTLs are ignored: if this
// process dies the locks die with it.
type localLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLocalLocker() *localLocker {
	return &localLocker{held: map[string]struct{}{}}
}

func (l *localLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(context.Context), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[key]; taken {
		return nil, false, nil
	}

	l.held[key] = struct{}{}

	var once sync.Once

	release := func(context.Context) {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}

	return release, true, nil
}
