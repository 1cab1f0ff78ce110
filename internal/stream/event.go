package stream

import (
	"time"

	"github.com/google/uuid"

	"github.com/regreport/eclbatch/internal/domain"
)

type EventType string

const (
	EventInitializing EventType = "initializing"
	EventStepStarted  EventType = "step_started"
	EventStep         EventType = "step"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
	EventError        EventType = "error"
)

// Terminal reports whether no further events follow for the invocation.
func (t EventType) Terminal() bool {
	switch t {
	case EventCompleted, EventFailed, EventError:
		return true
	default:
		return false
	}
}

type Event struct {
	ID      string               `json:"id"`
	Type    EventType            `json:"type"`
	Date    domain.BusinessDate  `json:"date"`
	RunKey  int64                `json:"run_key,omitempty"`
	Index   int                  `json:"index,omitempty"`
	Total   int                  `json:"total,omitempty"`
	Step    *domain.StepOutcome  `json:"step,omitempty"`
	State   domain.PipelineState `json:"state"`
	Message string               `json:"message,omitempty"`
	At      time.Time            `json:"at"`
}

// NewEvent stamps an event with a fresh id.
func NewEvent(typ EventType, date domain.BusinessDate, state domain.PipelineState, at time.Time) Event {
	return Event{
		ID:    uuid.NewString(),
		Type:  typ,
		Date:  date,
		State: state,
		At:    at.UTC(),
	}
}
