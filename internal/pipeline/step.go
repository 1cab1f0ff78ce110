package pipeline

import (
	"context"

	"github.com/regreport/eclbatch/internal/domain"
	"github.com/regreport/eclbatch/internal/stream"
)

// Step is one executable unit of the pipeline. Execute reports step level
// failures as a Failed outcome and orchestrator side problems as an error.
type Step interface {
	Definition() domain.StepDefinition
	Execute(ctx context.Context, date domain.BusinessDate) (domain.StepOutcome, error)
}

type RunRecorder interface {
	UpsertRunStatus(ctx context.Context, runKey int64, date domain.BusinessDate, status domain.RunStatus) error
}

// EventSink is satisfied by *stream.Gateway.
type EventSink interface {
	Subscribe(date domain.BusinessDate) *stream.Subscription
	Publish(date domain.BusinessDate, ev stream.Event)
	Finish(date domain.BusinessDate)
}
