package processstate

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-users/pkg/errors"
)

func TestIsProcessRunning(t *testing.T) {
	t.Run("current_process", func(t *testing.T) {
		running, err := IsProcessRunning(os.Getpid())
		require.NoError(t, err)
		assert.True(t, running)
	})

	t.Run("invalid_pid", func(t *testing.T) {
		_, err := IsProcessRunning(0)
		require.Error(t, err)
		assert.True(t, errors.IsValidationError(err))
	})
}
