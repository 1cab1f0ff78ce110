package checkpoint

import (
	"context"
	"fmt"
	"strings"

	"github.com/regreport/eclbatch/internal/platform/env"
	"github.com/regreport/eclbatch/internal/platform/objectstore"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMinIO  = "minio"
	BackendMemory = "memory"
)

type Config struct {
	Backend    string
	Dir        string
	SQLitePath string
	MinIO      objectstore.Config
}

func ConfigFromEnv() (Config, error) {
	backend, err := env.Enum("ECL_CHECKPOINT_BACKEND", BackendFile, BackendFile, BackendSQLite, BackendMinIO, BackendMemory)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Backend:    backend,
		Dir:        env.String("ECL_CHECKPOINT_DIR", "progress"),
		SQLitePath: env.String("ECL_CHECKPOINT_SQLITE_PATH", "progress/checkpoints.db"),
	}
	if cfg.Backend == BackendMinIO {
		mcfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			return Config{}, fmt.Errorf("minio: %w", err)
		}
		cfg.MinIO = mcfg
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendFile:
		if strings.TrimSpace(c.Dir) == "" {
			return fmt.Errorf("ECL_CHECKPOINT_DIR is required for the file backend")
		}
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("ECL_CHECKPOINT_SQLITE_PATH is required for the sqlite backend")
		}
	case BackendMinIO:
		return c.MinIO.Validate()
	case BackendMemory:
	default:
		return fmt.Errorf("unsupported checkpoint backend %q", c.Backend)
	}
	return nil
}

// Opened is a ready backend plus its readiness probe and cleanup.
type Opened struct {
	Store   Store
	Backend string
	Check   func(ctx context.Context) error
	Close   func() error
}

func Open(ctx context.Context, cfg Config) (*Opened, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	noClose := func() error { return nil }
	switch cfg.Backend {
	case BackendFile:
		store, err := NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return &Opened{Store: store, Backend: cfg.Backend, Check: store.Check, Close: noClose}, nil
	case BackendSQLite:
		store, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &Opened{Store: store, Backend: cfg.Backend, Check: store.Check, Close: store.Close}, nil
	case BackendMinIO:
		client, err := objectstore.NewMinIOClient(cfg.MinIO)
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		if err := objectstore.EnsureBucket(ctx, client, cfg.MinIO); err != nil {
			return nil, fmt.Errorf("minio bucket: %w", err)
		}
		objects, err := objectstore.NewMinioStore(client)
		if err != nil {
			return nil, err
		}
		store, err := NewObjectStore(objects, cfg.MinIO.Bucket)
		if err != nil {
			return nil, err
		}
		check := func(ctx context.Context) error {
			return objectstore.CheckBucket(ctx, client, cfg.MinIO)
		}
		return &Opened{Store: store, Backend: cfg.Backend, Check: check, Close: noClose}, nil
	default:
		store := NewMemoryStore()
		check := func(context.Context) error { return nil }
		return &Opened{Store: store, Backend: cfg.Backend, Check: check, Close: noClose}, nil
	}
}
