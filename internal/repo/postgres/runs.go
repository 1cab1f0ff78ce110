package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/regreport/eclbatch/internal/domain"
	"github.com/regreport/eclbatch/internal/repo"
)

const runColumns = `run_key, run_date, status, approved, approved_by, approved_at, created_at, updated_at`

// keepApproval holds when a status upsert finishes the run it started. A new
// Running upsert or a move to another date starts over unapproved, so a
// reused run key never carries an approval into a second date.
const keepApproval = `(calc_runs.run_date = EXCLUDED.run_date AND EXCLUDED.status <> 'Running')`

const (
	upsertRunStatusQuery = `INSERT INTO calc_runs (run_key, run_date, status, approved, created_at, updated_at)
		VALUES ($1, $2, $3, false, $4, $4)
		ON CONFLICT (run_key) DO UPDATE
		SET run_date = EXCLUDED.run_date, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at,
			approved = calc_runs.approved AND ` + keepApproval + `,
			approved_by = CASE WHEN ` + keepApproval + ` THEN calc_runs.approved_by END,
			approved_at = CASE WHEN ` + keepApproval + ` THEN calc_runs.approved_at END`

	selectRunQuery = `SELECT ` + runColumns + ` FROM calc_runs WHERE run_key = $1`

	listRunsByDateQuery = `SELECT ` + runColumns + ` FROM calc_runs
		WHERE run_date = $1
		ORDER BY created_at DESC, run_key DESC`

	latestApprovedByDateQuery = `SELECT ` + runColumns + ` FROM calc_runs
		WHERE run_date = $1 AND approved
		ORDER BY created_at DESC, run_key DESC
		LIMIT 1`

	lockRunsByDateQuery = `SELECT run_key FROM calc_runs WHERE run_date = $1 ORDER BY run_key FOR UPDATE`

	clearOtherApprovalsQuery = `UPDATE calc_runs
		SET approved = false, approved_by = NULL, approved_at = NULL, updated_at = $3
		WHERE run_date = $1 AND run_key <> $2 AND approved`

	setApprovedQuery = `UPDATE calc_runs
		SET approved = $2, approved_by = $3, approved_at = $4, updated_at = $5
		WHERE run_key = $1`
)

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) UpsertRunStatus(ctx context.Context, runKey int64, date domain.BusinessDate, status domain.RunStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	rec := domain.RunRecord{RunKey: runKey, Date: date, Status: status}
	if err := rec.Validate(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upsertRunStatusQuery, runKey, date.Time(), string(status), normalizeTime(time.Time{})); err != nil {
		return fmt.Errorf("upsert run %d: %w", runKey, err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, runKey int64) (domain.RunRecord, error) {
	if s == nil || s.db == nil {
		return domain.RunRecord{}, fmt.Errorf("run store not initialized")
	}
	rec, err := scanRun(s.db.QueryRowContext(ctx, selectRunQuery, runKey))
	if err != nil {
		return domain.RunRecord{}, handleNotFound(err)
	}
	return rec, nil
}

func (s *RunStore) ListRunsByDate(ctx context.Context, date domain.BusinessDate) ([]domain.RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listRunsByDateQuery, date.Time())
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := []domain.RunRecord{}
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func (s *RunStore) LatestApprovedByDate(ctx context.Context, date domain.BusinessDate) (domain.RunRecord, error) {
	if s == nil || s.db == nil {
		return domain.RunRecord{}, fmt.Errorf("run store not initialized")
	}
	rec, err := scanRun(s.db.QueryRowContext(ctx, latestApprovedByDateQuery, date.Time()))
	if err != nil {
		return domain.RunRecord{}, handleNotFound(err)
	}
	return rec, nil
}

func (s *RunStore) LockRunsByDate(ctx context.Context, date domain.BusinessDate) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, lockRunsByDateQuery, date.Time())
	if err != nil {
		return nil, fmt.Errorf("lock runs: %w", err)
	}
	defer rows.Close()

	var keys []int64
	for rows.Next() {
		var key int64
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan run key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lock runs: %w", err)
	}
	return keys, nil
}

func (s *RunStore) ClearOtherApprovals(ctx context.Context, date domain.BusinessDate, runKey int64, at time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(ctx, clearOtherApprovalsQuery, date.Time(), runKey, normalizeTime(at))
	if err != nil {
		return 0, fmt.Errorf("clear approvals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear approvals: %w", err)
	}
	return n, nil
}

func (s *RunStore) SetApproved(ctx context.Context, runKey int64, approved bool, actor string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	at = normalizeTime(at)
	var approvedBy sql.NullString
	var approvedAt sql.NullTime
	if approved {
		approvedBy = nullIfEmpty(actor)
		approvedAt = sql.NullTime{Time: at, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, setApprovedQuery, runKey, approved, approvedBy, approvedAt, at)
	if err != nil {
		return fmt.Errorf("set approval on run %d: %w", runKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set approval on run %d: %w", runKey, err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanRun(row scanner) (domain.RunRecord, error) {
	var (
		rec        domain.RunRecord
		runDate    time.Time
		status     string
		approvedBy sql.NullString
		approvedAt sql.NullTime
	)
	if err := row.Scan(&rec.RunKey, &runDate, &status, &rec.Approved, &approvedBy, &approvedAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return domain.RunRecord{}, err
	}
	rec.Date = domain.BusinessDateFromTime(runDate)
	rec.Status = domain.RunStatus(status)
	rec.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		t := approvedAt.Time.UTC()
		rec.ApprovedAt = &t
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}
