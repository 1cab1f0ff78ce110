package datelock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/regreport/eclbatch/internal/domain"
)

// KEYS[1] = lock key, ARGV[1] = owner token, ARGV[2] = ttl in milliseconds.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// KEYS[1] = lock key, ARGV[1] = owner token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis holds a lease per date as a key with a ttl. The holder refreshes the
// ttl while the pipeline runs; a crashed holder loses the lease after ttl.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl < time.Second {
		return nil, fmt.Errorf("lock ttl must be at least 1s, got %s", ttl)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, logger: logger}, nil
}

func (r *Redis) key(date domain.BusinessDate) string {
	return r.prefix + date.String()
}

func (r *Redis) Acquire(ctx context.Context, date domain.BusinessDate) (Lease, error) {
	token := uuid.NewString()
	key := r.key(date)
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	lease := &redisLease{locker: r, key: key, token: token, stop: make(chan struct{}), done: make(chan struct{})}
	go lease.keepalive()
	return lease, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

type redisLease struct {
	locker *Redis
	key    string
	token  string
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (l *redisLease) keepalive() {
	defer close(l.done)
	ticker := time.NewTicker(l.locker.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.locker.ttl/3)
			n, err := refreshScript.Run(ctx, l.locker.client, []string{l.key}, l.token, l.locker.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.locker.logger.Warn("date lock refresh failed", "key", l.key, "error", err)
				continue
			}
			if n == 0 {
				l.locker.logger.Error("date lock lost", "key", l.key)
				return
			}
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		err = releaseScript.Run(ctx, l.locker.client, []string{l.key}, l.token).Err()
		if err != nil {
			err = fmt.Errorf("release %s: %w", l.key, err)
		}
	})
	return err
}
