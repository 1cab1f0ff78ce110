// Package memory is a map-backed implementation of the repo interfaces used
// by tests and by the CLI dry runs. Transactions are serialized and roll back
// by restoring a snapshot taken at the start of WithinTx.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/regreport/eclbatch/internal/domain"
	"github.com/regreport/eclbatch/internal/platform/auditlog"
	"github.com/regreport/eclbatch/internal/repo"
)

type Store struct {
	txMu sync.Mutex

	mu      sync.Mutex
	runs    map[int64]domain.RunRecord
	keys    []int64
	audit   []auditlog.Event
	now     func() time.Time
	keysErr error
	upserts []Upsert
}

// Upsert is one recorded UpsertRunStatus call.
type Upsert struct {
	RunKey int64
	Date   domain.BusinessDate
	Status domain.RunStatus
}

func New() *Store {
	return &Store{
		runs: map[int64]domain.RunRecord{},
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source; records created later get later times.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// AddRunKey appends a key to the reference table, like a step would.
func (s *Store) AddRunKey(key int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
}

// FailRunKeys makes CurrentRunKey return err until reset with nil.
func (s *Store) FailRunKeys(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keysErr = err
}

func (s *Store) CurrentRunKey(ctx context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keysErr != nil {
		return 0, false, s.keysErr
	}
	if len(s.keys) == 0 {
		return 0, false, nil
	}
	max := s.keys[0]
	for _, k := range s.keys[1:] {
		if k > max {
			max = k
		}
	}
	return max, true, nil
}

func (s *Store) UpsertRunStatus(ctx context.Context, runKey int64, date domain.BusinessDate, status domain.RunStatus) error {
	rec := domain.RunRecord{RunKey: runKey, Date: date, Status: status}
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.runs[runKey]; ok {
		if existing.Date != date || status == domain.RunStatusRunning {
			existing.Approved = false
			existing.ApprovedBy = ""
			existing.ApprovedAt = nil
		}
		existing.Date = date
		existing.Status = status
		existing.UpdatedAt = now
		s.runs[runKey] = existing
	} else {
		rec.CreatedAt = now
		rec.UpdatedAt = now
		s.runs[runKey] = rec
	}
	s.upserts = append(s.upserts, Upsert{RunKey: runKey, Date: date, Status: status})
	return nil
}

// Upserts returns every UpsertRunStatus call in order.
func (s *Store) Upserts() []Upsert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upsert(nil), s.upserts...)
}

// PutRun stores rec as is, approval columns included.
func (s *Store) PutRun(rec domain.RunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	s.runs[rec.RunKey] = rec
}

func (s *Store) GetRun(ctx context.Context, runKey int64) (domain.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runKey]
	if !ok {
		return domain.RunRecord{}, repo.ErrNotFound
	}
	return rec, nil
}

func (s *Store) ListRunsByDate(ctx context.Context, date domain.BusinessDate) ([]domain.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byDateLocked(date), nil
}

func (s *Store) LatestApprovedByDate(ctx context.Context, date domain.BusinessDate) (domain.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.byDateLocked(date) {
		if rec.Approved {
			return rec, nil
		}
	}
	return domain.RunRecord{}, repo.ErrNotFound
}

func (s *Store) LockRunsByDate(ctx context.Context, date domain.BusinessDate) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []int64
	for key, rec := range s.runs {
		if rec.Date == date {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

func (s *Store) ClearOtherApprovals(ctx context.Context, date domain.BusinessDate, runKey int64, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, rec := range s.runs {
		if rec.Date != date || key == runKey || !rec.Approved {
			continue
		}
		rec.Approved = false
		rec.ApprovedBy = ""
		rec.ApprovedAt = nil
		rec.UpdatedAt = at
		s.runs[key] = rec
		n++
	}
	return n, nil
}

func (s *Store) SetApproved(ctx context.Context, runKey int64, approved bool, actor string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runKey]
	if !ok {
		return repo.ErrNotFound
	}
	rec.Approved = approved
	rec.ApprovedBy = ""
	rec.ApprovedAt = nil
	if approved {
		rec.ApprovedBy = actor
		t := at
		rec.ApprovedAt = &t
	}
	rec.UpdatedAt = at
	s.runs[runKey] = rec
	return nil
}

func (s *Store) Append(ctx context.Context, event auditlog.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, _, err := event.Normalize(s.now())
	if err != nil {
		return 0, err
	}
	s.audit = append(s.audit, event)
	return int64(len(s.audit)), nil
}

func (s *Store) AuditEvents() []auditlog.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]auditlog.Event(nil), s.audit...)
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repo.TxScope) error) error {
	if fn == nil {
		return errors.New("tx func is required")
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	runs := make(map[int64]domain.RunRecord, len(s.runs))
	for k, v := range s.runs {
		runs[k] = v
	}
	auditLen := len(s.audit)
	s.mu.Unlock()

	if err := fn(ctx, repo.TxScope{Runs: s, Audit: s}); err != nil {
		s.mu.Lock()
		s.runs = runs
		s.audit = s.audit[:auditLen]
		s.mu.Unlock()
		return err
	}
	return nil
}

// byDateLocked lists records of date, newest first.
func (s *Store) byDateLocked(date domain.BusinessDate) []domain.RunRecord {
	out := []domain.RunRecord{}
	for _, rec := range s.runs {
		if rec.Date == date {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RunKey > out[j].RunKey
	})
	return out
}

var (
	_ repo.RunRepository  = (*Store)(nil)
	_ repo.RunKeyResolver = (*Store)(nil)
	_ repo.AuditAppender  = (*Store)(nil)
	_ repo.Transactor     = (*Store)(nil)
)
