package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/regreport/eclbatch/internal/domain"

	_ "modernc.org/sqlite"
)

const (
	sqliteSchema = `
CREATE TABLE IF NOT EXISTS progress_checkpoints (
	date TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`
	sqliteUpsert = `INSERT INTO progress_checkpoints (date, body, updated_at) VALUES (?, ?, ?)
ON CONFLICT(date) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`
	sqliteSelect = `SELECT body FROM progress_checkpoints WHERE date = ?`
)

// SQLiteStore keeps checkpoints in a local database file.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set sqlite journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Write(ctx context.Context, cp domain.Checkpoint) error {
	data, err := encode(cp)
	if err != nil {
		return err
	}
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, sqliteUpsert, cp.Date.String(), string(data), updatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("upsert checkpoint %s: %w", cp.Date, err)
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, date domain.BusinessDate) (domain.Checkpoint, error) {
	var body string
	if err := s.db.QueryRowContext(ctx, sqliteSelect, date.String()).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Checkpoint{}, ErrNoProgress
		}
		return domain.Checkpoint{}, fmt.Errorf("query checkpoint %s: %w", date, err)
	}
	return decode([]byte(body))
}

func (s *SQLiteStore) Check(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
