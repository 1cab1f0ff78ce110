// Package datelock provides per business date mutual exclusion for pipeline
// invocations, either inside one process or across processes through Redis.
package datelock

import (
	"context"
	"errors"
	"sync"

	"github.com/regreport/eclbatch/internal/domain"
)

var ErrHeld = errors.New("date lock held")

type Locker interface {
	// Acquire fails fast with ErrHeld; it never waits for the holder.
	Acquire(ctx context.Context, date domain.BusinessDate) (Lease, error)
}

type Lease interface {
	Release(ctx context.Context) error
}

type Local struct {
	mu   sync.Mutex
	held map[domain.BusinessDate]struct{}
}

func NewLocal() *Local {
	return &Local{held: map[domain.BusinessDate]struct{}{}}
}

func (l *Local) Acquire(ctx context.Context, date domain.BusinessDate) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[date]; ok {
		return nil, ErrHeld
	}
	l.held[date] = struct{}{}
	return &localLease{locker: l, date: date}, nil
}

func (l *Local) Held(date domain.BusinessDate) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[date]
	return ok
}

type localLease struct {
	locker *Local
	date   domain.BusinessDate
	once   sync.Once
}

func (l *localLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		delete(l.locker.held, l.date)
		l.locker.mu.Unlock()
	})
	return nil
}
