package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/regreport/eclbatch/internal/repo"
)

type Transactor struct {
	db   *sql.DB
	opts *sql.TxOptions
}

func NewTransactor(db *sql.DB) *Transactor {
	if db == nil {
		return nil
	}
	return &Transactor{db: db}
}

func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repo.TxScope) error) error {
	if t == nil || t.db == nil {
		return errors.New("transactor not initialized")
	}
	tx, err := t.db.BeginTx(ctx, t.opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, repo.TxScope{
		Runs:  NewRunStore(tx),
		Audit: NewAuditAppender(tx),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
