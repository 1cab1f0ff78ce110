package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/regreport/eclbatch/internal/domain"
)

type MemoryStore struct {
	mu     sync.Mutex
	data   map[domain.BusinessDate]domain.Checkpoint
	writes int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[domain.BusinessDate]domain.Checkpoint{}}
}

func (s *MemoryStore) Write(ctx context.Context, cp domain.Checkpoint) error {
	if !cp.Date.Valid() {
		return fmt.Errorf("invalid checkpoint date %q", cp.Date)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[cp.Date] = cp.Clone()
	s.writes++
	return nil
}

func (s *MemoryStore) Read(ctx context.Context, date domain.BusinessDate) (domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.data[date]
	if !ok {
		return domain.Checkpoint{}, ErrNoProgress
	}
	return cp.Clone(), nil
}

// Writes counts successful Write calls.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
