// Package checkpoint persists the progress of a pipeline invocation, keyed by
// business date, so observers in other processes can read it back.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/regreport/eclbatch/internal/domain"
)

var ErrNoProgress = errors.New("no progress recorded")

// Store overwrites and reads the single checkpoint of a date.
type Store interface {
	Write(ctx context.Context, cp domain.Checkpoint) error
	Read(ctx context.Context, date domain.BusinessDate) (domain.Checkpoint, error)
}

// Checker is implemented by backends that can report readiness.
type Checker interface {
	Check(ctx context.Context) error
}

func encode(cp domain.Checkpoint) ([]byte, error) {
	if !cp.Date.Valid() {
		return nil, fmt.Errorf("invalid checkpoint date %q", cp.Date)
	}
	return json.MarshalIndent(cp.Clone(), "", "  ")
}

func decode(raw []byte) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp.Clone(), nil
}
