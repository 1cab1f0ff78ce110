package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

const currentRunKeyQuery = `SELECT MAX(run_key) FROM calc_run_keys`

// RunKeyStore reads calc_run_keys, the reference table steps append to.
type RunKeyStore struct {
	db DB
}

func NewRunKeyStore(db DB) *RunKeyStore {
	if db == nil {
		return nil
	}
	return &RunKeyStore{db: db}
}

func (s *RunKeyStore) CurrentRunKey(ctx context.Context) (int64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, fmt.Errorf("run key store not initialized")
	}
	var key sql.NullInt64
	if err := s.db.QueryRowContext(ctx, currentRunKeyQuery).Scan(&key); err != nil {
		return 0, false, fmt.Errorf("current run key: %w", err)
	}
	if !key.Valid {
		return 0, false, nil
	}
	return key.Int64, true, nil
}
