package lifecycle

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-users/pkg/errors"
)

func TestRunnerStateMachine(t *testing.T) {
	logger := createTestLogger()

	t.Run("initial_state", func(t *testing.T) {
		sm := NewRunnerStateMachine("test", logger)
		assert.Equal(t, RunnerStateIdle, sm.GetCurrentState())
		assert.True(t, sm.CanTransition(RunnerStateStarting))
		assert.False(t, sm.CanTransition(RunnerStateRunning))
		assert.Empty(t, sm.GetTransitionHistory())
	})

	t.Run("valid_cycle", func(t *testing.T) {
		sm := NewRunnerStateMachine("test", logger)
		require.NoError(t, sm.Transition(RunnerStateStarting, "run", nil))
		require.NoError(t, sm.Transition(RunnerStateRunning, "startup", nil))
		require.NoError(t, sm.Transition(RunnerStateStopping, "run", nil))
		require.NoError(t, sm.Transition(RunnerStateStopped, "shutdown", nil))

		assert.Equal(t, RunnerStateStopped, sm.GetCurrentState())
		assert.Len(t, sm.GetTransitionHistory(), 4)
	})

	t.Run("startup_failure_edge", func(t *testing.T) {
		sm := NewRunnerStateMachine("test", logger)
		cause := stderrors.New("failed")
		require.NoError(t, sm.Transition(RunnerStateStarting, "run", nil))
		require.NoError(t, sm.Transition(RunnerStateStopping, "startup", cause))

		history := sm.GetTransitionHistory()
		require.Len(t, history, 2)
		assert.Equal(t, cause, history[1].Error)
	})

	t.Run("invalid_transition", func(t *testing.T) {
		sm := NewRunnerStateMachine("test", logger)
		err := sm.Transition(RunnerStateStopped, "shutdown", nil)
		require.Error(t, err)
		assert.True(t, errors.IsValidationError(err))
		assert.Equal(t, RunnerStateIdle, sm.GetCurrentState())
	})

	t.Run("stopped_is_terminal", func(t *testing.T) {
		sm := NewRunnerStateMachine("test", logger)
		require.NoError(t, sm.Transition(RunnerStateStarting, "run", nil))
		require.NoError(t, sm.Transition(RunnerStateStopping, "startup", nil))
		require.NoError(t, sm.Transition(RunnerStateStopped, "shutdown", nil))

		assert.Error(t, sm.Transition(RunnerStateStarting, "run", nil))
		assert.Empty(t, sm.GetStateInfo().ValidNextStates)
	})

	t.Run("state_info", func(t *testing.T) {
		sm := NewRunnerStateMachine("runner-1", logger)
		require.NoError(t, sm.Transition(RunnerStateStarting, "run", nil))

		info := sm.GetStateInfo()
		assert.Equal(t, "runner-1", info.RunnerID)
		assert.Equal(t, RunnerStateStarting, info.CurrentState)
		assert.Equal(t, 1, info.TransitionCount)
		require.NotNil(t, info.LastTransition)
		assert.Equal(t, "run", info.LastTransition.Operation)
		assert.ElementsMatch(t, []RunnerState{RunnerStateRunning, RunnerStateStopping}, info.ValidNextStates)
	})
}
