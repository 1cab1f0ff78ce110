package datelock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/regreport/eclbatch/internal/platform/env"
)

const (
	BackendLocal = "local"
	BackendRedis = "redis"
)

type Config struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
	Prefix        string
}

func ConfigFromEnv() (Config, error) {
	db, err := env.Int("ECL_REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}
	ttl, err := env.Duration("ECL_LOCK_TTL", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	backend, err := env.Enum("ECL_LOCK_BACKEND", BackendLocal, BackendLocal, BackendRedis)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Backend:       backend,
		RedisAddr:     env.String("ECL_REDIS_ADDR", "localhost:6379"),
		RedisPassword: env.String("ECL_REDIS_PASSWORD", ""),
		RedisDB:       db,
		TTL:           ttl,
		Prefix:        env.String("ECL_LOCK_PREFIX", "ecl:pipeline:"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendLocal:
		return nil
	case BackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("ECL_REDIS_ADDR is required for the redis lock")
		}
		if c.RedisDB < 0 {
			return fmt.Errorf("ECL_REDIS_DB must be >= 0")
		}
		if c.TTL < time.Second {
			return fmt.Errorf("ECL_LOCK_TTL must be at least 1s")
		}
		return nil
	default:
		return fmt.Errorf("unsupported lock backend %q", c.Backend)
	}
}

// Opened is a ready locker plus its readiness probe and cleanup.
type Opened struct {
	Locker  Locker
	Backend string
	Check   func(ctx context.Context) error
	Close   func() error
}

func Open(cfg Config, logger *slog.Logger) (*Opened, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Backend == BackendLocal {
		return &Opened{
			Locker:  NewLocal(),
			Backend: cfg.Backend,
			Check:   func(context.Context) error { return nil },
			Close:   func() error { return nil },
		}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	locker, err := NewRedis(client, cfg.Prefix, cfg.TTL, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Opened{Locker: locker, Backend: cfg.Backend, Check: locker.Ping, Close: client.Close}, nil
}
