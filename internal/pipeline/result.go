package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/regreport/eclbatch/internal/datelock"
	"github.com/regreport/eclbatch/internal/domain"
)

// Result is the outcome of one invocation.
type Result struct {
	Date        domain.BusinessDate  `json:"date"`
	RunKey      int64                `json:"run_key"`
	FinalRunKey int64                `json:"final_run_key"`
	State       domain.PipelineState `json:"state"`
	Success     bool                 `json:"success"`
	Outcomes    []domain.StepOutcome `json:"outcomes"`
	Err         error                `json:"-"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(r)}
	if out.Outcomes == nil {
		out.Outcomes = []domain.StepOutcome{}
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// RunContext carries the mutable state of one invocation through the
// orchestrator.
type RunContext struct {
	Date     domain.BusinessDate
	RunKey   int64
	State    domain.PipelineState
	Index    int
	Total    int
	Outcomes []domain.StepOutcome
}

// advance moves to next, leaving the state untouched when the transition
// table refuses it.
func (rc *RunContext) advance(next domain.PipelineState) error {
	if !domain.CanTransition(rc.State, next) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, rc.State, next)
	}
	rc.State = next
	return nil
}

// Invocation is a pipeline running on its own goroutine.
type Invocation struct {
	date   domain.BusinessDate
	lease  datelock.Lease
	done   chan struct{}
	result Result
}

func (i *Invocation) Date() domain.BusinessDate {
	return i.date
}

// Done is closed once the result is available and the date lock released.
func (i *Invocation) Done() <-chan struct{} {
	return i.done
}

// Result is only meaningful after Done is closed.
func (i *Invocation) Result() Result {
	select {
	case <-i.done:
		return i.result
	default:
		return Result{Date: i.date, State: domain.StateNotStarted}
	}
}

// Wait stops waiting when ctx is done; the invocation keeps running.
func (i *Invocation) Wait(ctx context.Context) (Result, error) {
	select {
	case <-i.done:
		return i.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
