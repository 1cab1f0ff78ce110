package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/regreport/eclbatch/internal/domain"
)

// FileStore keeps one JSON document per date under dir.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("checkpoint dir is required")
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Path(date domain.BusinessDate) string {
	return filepath.Join(s.dir, "progress-"+date.String()+".json")
}

func (s *FileStore) Write(ctx context.Context, cp domain.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(cp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-progress-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.Path(cp.Date))
}

func (s *FileStore) Read(ctx context.Context, date domain.BusinessDate) (domain.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return domain.Checkpoint{}, err
	}
	if !date.Valid() {
		return domain.Checkpoint{}, fmt.Errorf("invalid checkpoint date %q", date)
	}
	data, err := os.ReadFile(s.Path(date))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Checkpoint{}, ErrNoProgress
		}
		return domain.Checkpoint{}, err
	}
	if len(data) == 0 {
		return domain.Checkpoint{}, ErrNoProgress
	}
	return decode(data)
}

func (s *FileStore) Check(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}
