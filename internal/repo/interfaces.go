package repo

import (
	"context"
	"errors"
	"time"

	"github.com/regreport/eclbatch/internal/domain"
	"github.com/regreport/eclbatch/internal/platform/auditlog"
)

var ErrNotFound = errors.New("not found")

// RunRepository manages RunRecords. Status upserts never touch approval
// columns; approval changes go through a Transactor.
type RunRepository interface {
	UpsertRunStatus(ctx context.Context, runKey int64, date domain.BusinessDate, status domain.RunStatus) error
	GetRun(ctx context.Context, runKey int64) (domain.RunRecord, error)
	ListRunsByDate(ctx context.Context, date domain.BusinessDate) ([]domain.RunRecord, error)
	LatestApprovedByDate(ctx context.Context, date domain.BusinessDate) (domain.RunRecord, error)

	// LockRunsByDate takes row locks on every record of date and returns
	// their keys. Only meaningful inside a transaction.
	LockRunsByDate(ctx context.Context, date domain.BusinessDate) ([]int64, error)
	// ClearOtherApprovals unapproves every record of date except runKey and
	// returns how many rows changed.
	ClearOtherApprovals(ctx context.Context, date domain.BusinessDate, runKey int64, at time.Time) (int64, error)
	SetApproved(ctx context.Context, runKey int64, approved bool, actor string, at time.Time) error
}

// RunKeyResolver reads the external run-identifier reference table.
type RunKeyResolver interface {
	// CurrentRunKey returns the highest run key, or ok=false when the table
	// is empty.
	CurrentRunKey(ctx context.Context) (runKey int64, ok bool, err error)
}

type AuditAppender interface {
	Append(ctx context.Context, event auditlog.Event) (int64, error)
}

// TxScope exposes stores bound to one transaction.
type TxScope struct {
	Runs  RunRepository
	Audit AuditAppender
}

// Transactor runs fn in a transaction; any error from fn rolls it back.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx TxScope) error) error
}
