package domain

import (
	"errors"
	"fmt"
	"time"
)

type RunStatus string

const (
	RunStatusRunning RunStatus = "Running"
	RunStatusSuccess RunStatus = "Success"
	RunStatusFailed  RunStatus = "Failed"
)

func ParseRunStatus(value string) (RunStatus, error) {
	switch RunStatus(value) {
	case RunStatusRunning, RunStatusSuccess, RunStatusFailed:
		return RunStatus(value), nil
	default:
		return "", fmt.Errorf("unknown run status %q", value)
	}
}

// RunRecord is the persisted lifecycle row of one run key.
type RunRecord struct {
	RunKey     int64        `json:"run_key"`
	Date       BusinessDate `json:"date"`
	Status     RunStatus    `json:"status"`
	Approved   bool         `json:"approved"`
	ApprovedBy string       `json:"approved_by,omitempty"`
	ApprovedAt *time.Time   `json:"approved_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func (r RunRecord) Validate() error {
	if r.RunKey <= 0 {
		return errors.New("run key must be positive")
	}
	if !r.Date.Valid() {
		return fmt.Errorf("invalid date %q", r.Date)
	}
	if _, err := ParseRunStatus(string(r.Status)); err != nil {
		return err
	}
	return nil
}
