package domain

import (
	"errors"
	"strings"
	"time"
)

// StepDefinition names one external calculation step. Order in the registry
// is significant: later steps read what earlier steps wrote.
type StepDefinition struct {
	Name          string `json:"name" yaml:"name"`
	Description   string `json:"description" yaml:"description"`
	ExecutableRef string `json:"executable" yaml:"executable"`
}

func (d StepDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("step name is required")
	}
	if strings.TrimSpace(d.ExecutableRef) == "" {
		return errors.New("step executable is required")
	}
	return nil
}

type StepStatus string

const (
	StepRunning StepStatus = "Running"
	StepSuccess StepStatus = "Success"
	StepFailed  StepStatus = "Failed"
	StepError   StepStatus = "Error"
)

func (s StepStatus) Terminal() bool {
	switch s {
	case StepSuccess, StepFailed, StepError:
		return true
	default:
		return false
	}
}

// StepOutcome is the recorded result of one step. Running outcomes are only
// published as step_started events and are never checkpointed.
type StepOutcome struct {
	StepName    string     `json:"step_name"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	Output      string     `json:"output"`
	ExitCode    int        `json:"exit_code"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func RunningOutcome(def StepDefinition, startedAt time.Time) StepOutcome {
	return StepOutcome{
		StepName:    def.Name,
		Description: def.Description,
		Status:      StepRunning,
		StartedAt:   startedAt,
	}
}

// ErrorOutcome records an orchestrator-side failure to run the step.
func ErrorOutcome(def StepDefinition, startedAt, finishedAt time.Time, err error) StepOutcome {
	out := RunningOutcome(def, startedAt)
	out.Status = StepError
	out.ExitCode = -1
	out.FinishedAt = &finishedAt
	if err != nil {
		out.Output = err.Error()
	}
	return out
}
