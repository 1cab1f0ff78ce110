package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/regreport/eclbatch/internal/domain"
	"github.com/regreport/eclbatch/internal/platform/auditlog"
	"github.com/regreport/eclbatch/internal/repo"
)

var (
	ErrActorRequired = errors.New("approval actor is required")
	ErrConflict      = errors.New("run changed date during approval")
)

type Service struct {
	tx     repo.Transactor
	runs   repo.RunRepository
	logger *slog.Logger
	now    func() time.Time
}

// AuditInfo identifies who changed an approval.
type AuditInfo struct {
	Actor     string
	RequestID string
	IP        net.IP
	UserAgent string
}

func New(tx repo.Transactor, runs repo.RunRepository, logger *slog.Logger) *Service {
	if tx == nil || runs == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tx:     tx,
		runs:   runs,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetApproval approves or revokes runKey and returns the updated record.
func (s *Service) SetApproval(ctx context.Context, runKey int64, approved bool, info AuditInfo) (domain.RunRecord, error) {
	if s == nil {
		return domain.RunRecord{}, errors.New("approval service not initialized")
	}
	info.Actor = strings.TrimSpace(info.Actor)
	if info.Actor == "" {
		return domain.RunRecord{}, ErrActorRequired
	}
	at := s.now()

	var updated domain.RunRecord
	err := s.tx.WithinTx(ctx, func(ctx context.Context, tx repo.TxScope) error {
		rec, err := tx.Runs.GetRun(ctx, runKey)
		if err != nil {
			return err
		}

		payload := map[string]any{
			"run_key":  runKey,
			"date":     rec.Date.String(),
			"approved": approved,
		}
		action := auditlog.ActionRunUnapproved
		if approved {
			action = auditlog.ActionRunApproved
			locked, err := tx.Runs.LockRunsByDate(ctx, rec.Date)
			if err != nil {
				return fmt.Errorf("lock runs of %s: %w", rec.Date, err)
			}
			current, err := tx.Runs.GetRun(ctx, runKey)
			if err != nil {
				return err
			}
			if current.Date != rec.Date {
				return fmt.Errorf("%w: %s -> %s", ErrConflict, rec.Date, current.Date)
			}
			cleared, err := tx.Runs.ClearOtherApprovals(ctx, rec.Date, runKey, at)
			if err != nil {
				return fmt.Errorf("clear approvals of %s: %w", rec.Date, err)
			}
			payload["locked"] = len(locked)
			payload["cleared"] = cleared
		}

		if err := tx.Runs.SetApproved(ctx, runKey, approved, info.Actor, at); err != nil {
			return err
		}
		if _, err := tx.Audit.Append(ctx, auditlog.Event{
			OccurredAt:   at,
			Actor:        info.Actor,
			Action:       action,
			ResourceType: auditlog.ResourceRun,
			ResourceID:   strconv.FormatInt(runKey, 10),
			RequestID:    info.RequestID,
			IP:           info.IP,
			UserAgent:    info.UserAgent,
			Payload:      payload,
		}); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}

		updated, err = tx.Runs.GetRun(ctx, runKey)
		return err
	})
	if err != nil {
		return domain.RunRecord{}, err
	}
	s.logger.Info("run approval changed", "run_key", runKey, "date", updated.Date.String(), "approved", approved, "actor", info.Actor)
	return updated, nil
}

func (s *Service) LatestApproved(ctx context.Context, date domain.BusinessDate) (domain.RunRecord, error) {
	if s == nil {
		return domain.RunRecord{}, errors.New("approval service not initialized")
	}
	return s.runs.LatestApprovedByDate(ctx, date)
}

func (s *Service) ListRuns(ctx context.Context, date domain.BusinessDate) ([]domain.RunRecord, error) {
	if s == nil {
		return nil, errors.New("approval service not initialized")
	}
	return s.runs.ListRunsByDate(ctx, date)
}

func (s *Service) GetRun(ctx context.Context, runKey int64) (domain.RunRecord, error) {
	if s == nil {
		return domain.RunRecord{}, errors.New("approval service not initialized")
	}
	return s.runs.GetRun(ctx, runKey)
}
