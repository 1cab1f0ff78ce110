package domain

// PipelineState is the orchestrator state of one invocation.
type PipelineState string

const (
	StateNotStarted   PipelineState = "not_started"
	StateInitializing PipelineState = "initializing"
	StateRunningStep  PipelineState = "running_step"
	StateCompleted    PipelineState = "completed"
	StateFailed       PipelineState = "failed"
	StateError        PipelineState = "error"
)

var stateTransitions = map[PipelineState][]PipelineState{
	StateNotStarted:   {StateInitializing},
	StateInitializing: {StateRunningStep, StateError},
	StateRunningStep:  {StateRunningStep, StateCompleted, StateFailed, StateError},
}

func (s PipelineState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateError:
		return true
	default:
		return false
	}
}

// CanTransition enforces forward-only progression; terminal states are final.
func CanTransition(current, next PipelineState) bool {
	for _, allowed := range stateTransitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}
