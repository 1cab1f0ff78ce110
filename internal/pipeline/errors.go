package pipeline

import "errors"

var (
	ErrPipelineInFlight = errors.New("pipeline already running for date")
	ErrNoRunKey         = errors.New("no run key in reference table")
	ErrStepFailed       = errors.New("step failed")
	ErrNoSteps          = errors.New("no steps configured")
	ErrShuttingDown     = errors.New("orchestrator is draining")
	ErrBadTransition    = errors.New("invalid pipeline state transition")
)
