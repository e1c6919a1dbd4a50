package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/logging"
)

// RunnerState is the lifecycle phase of a Runner.
type RunnerState string

const (
	// RunnerStateIdle is the initial state before Run is called
	RunnerStateIdle RunnerState = "idle"

	// RunnerStateStarting means dependencies are being started in post-order
	RunnerStateStarting RunnerState = "starting"

	// RunnerStateRunning means every unit started and the runner awaits the run outcome
	RunnerStateRunning RunnerState = "running"

	// RunnerStateStopping means started units are being stopped in reverse order
	RunnerStateStopping RunnerState = "stopping"

	// RunnerStateStopped is terminal
	RunnerStateStopped RunnerState = "stopped"
)

// StateTransition records one state change.
type StateTransition struct {
	From      RunnerState
	To        RunnerState
	Operation string
	Timestamp time.Time
	Error     error
}

// StateInfo is a snapshot of the state machine.
type StateInfo struct {
	RunnerID        string
	CurrentState    RunnerState
	LastTransition  *StateTransition
	TransitionCount int
	ValidNextStates []RunnerState
}

// RunnerStateMachine guards runner state transitions.
type RunnerStateMachine struct {
	runnerID         string
	currentState     RunnerState
	transitions      []StateTransition
	validTransitions map[RunnerState][]RunnerState
	mutex            sync.RWMutex
	logger           logging.Logger
}

func NewRunnerStateMachine(runnerID string, logger logging.Logger) *RunnerStateMachine {
	return &RunnerStateMachine{
		runnerID:     runnerID,
		currentState: RunnerStateIdle,
		transitions:  make([]StateTransition, 0, 4),
		logger:       logger,
		validTransitions: map[RunnerState][]RunnerState{
			RunnerStateIdle: {
				RunnerStateStarting, // Run
			},
			RunnerStateStarting: {
				RunnerStateRunning,  // every unit started
				RunnerStateStopping, // startup failure or cancellation
			},
			RunnerStateRunning: {
				RunnerStateStopping, // run completed, task failure or cancellation
			},
			RunnerStateStopping: {
				RunnerStateStopped,
			},
			RunnerStateStopped: {},
		},
	}
}

func (sm *RunnerStateMachine) GetCurrentState() RunnerState {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.currentState
}

func (sm *RunnerStateMachine) CanTransition(to RunnerState) bool {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.canTransitionUnsafe(to)
}

// Transition moves to the given state or returns a validation error when
// the edge does not exist.
func (sm *RunnerStateMachine) Transition(to RunnerState, operation string, err error) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	from := sm.currentState

	if !sm.canTransitionUnsafe(to) {
		return errors.NewValidationError(
			fmt.Sprintf("invalid state transition from %s to %s for operation %s", from, to, operation),
			nil,
		).WithContext("runner_id", sm.runnerID).WithContext("current_state", string(from)).WithContext("target_state", string(to))
	}

	sm.transitions = append(sm.transitions, StateTransition{
		From:      from,
		To:        to,
		Operation: operation,
		Timestamp: time.Now(),
		Error:     err,
	})
	sm.currentState = to

	if err != nil {
		sm.logger.Warnf("Runner state transition, runner: %s, %s->%s, operation: %s, error: %v",
			sm.runnerID, from, to, operation, err)
	} else {
		sm.logger.Infof("Runner state transition, runner: %s, %s->%s, operation: %s",
			sm.runnerID, from, to, operation)
	}

	return nil
}

func (sm *RunnerStateMachine) canTransitionUnsafe(to RunnerState) bool {
	for _, valid := range sm.validTransitions[sm.currentState] {
		if valid == to {
			return true
		}
	}
	return false
}

// GetTransitionHistory returns a copy of all recorded transitions.
func (sm *RunnerStateMachine) GetTransitionHistory() []StateTransition {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	history := make([]StateTransition, len(sm.transitions))
	copy(history, sm.transitions)
	return history
}

func (sm *RunnerStateMachine) GetStateInfo() StateInfo {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	var last *StateTransition
	if len(sm.transitions) > 0 {
		t := sm.transitions[len(sm.transitions)-1]
		last = &t
	}

	next := make([]RunnerState, len(sm.validTransitions[sm.currentState]))
	copy(next, sm.validTransitions[sm.currentState])

	return StateInfo{
		RunnerID:        sm.runnerID,
		CurrentState:    sm.currentState,
		LastTransition:  last,
		TransitionCount: len(sm.transitions),
		ValidNextStates: next,
	}
}
