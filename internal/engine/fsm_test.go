package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averoa/flowcore/pkg/schema"
)

func TestRunTransitions(t *testing.T) {
	allowed := []struct {
		from, to schema.RunStatus
	}{
		{schema.RunStatusRunning, schema.RunStatusAwaitingApproval},
		{schema.RunStatusRunning, schema.RunStatusCompleted},
		{schema.RunStatusRunning, schema.RunStatusFailed},
		{schema.RunStatusRunning, schema.RunStatusCancelled},
		{schema.RunStatusAwaitingApproval, schema.RunStatusRunning},
		{schema.RunStatusAwaitingApproval, schema.RunStatusFailed},
		{schema.RunStatusAwaitingApproval, schema.RunStatusCancelled},
	}
	for _, tt := range allowed {
		assert.NoError(t, ValidateRunTransition("run-1", tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	denied := []struct {
		from, to schema.RunStatus
	}{
		{schema.RunStatusAwaitingApproval, schema.RunStatusCompleted},
		{schema.RunStatusCompleted, schema.RunStatusRunning},
		{schema.RunStatusFailed, schema.RunStatusRunning},
		{schema.RunStatusCancelled, schema.RunStatusRunning},
		{schema.RunStatusCompleted, schema.RunStatusFailed},
	}
	for _, tt := range denied {
		err := ValidateRunTransition("run-1", tt.from, tt.to)
		require.Error(t, err, "%s -> %s", tt.from, tt.to)
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	}
}

func TestStepTransitions(t *testing.T) {
	allowed := []struct {
		from, to schema.StepStatus
	}{
		{schema.StepStatusPending, schema.StepStatusRunning},
		{schema.StepStatusPending, schema.StepStatusAwaitingApproval},
		{schema.StepStatusPending, schema.StepStatusCompleted},
		{schema.StepStatusPending, schema.StepStatusFailed},
		{schema.StepStatusRunning, schema.StepStatusCompleted},
		{schema.StepStatusRunning, schema.StepStatusFailed},
		{schema.StepStatusAwaitingApproval, schema.StepStatusCompleted},
		{schema.StepStatusAwaitingApproval, schema.StepStatusFailed},
	}
	for _, tt := range allowed {
		assert.NoError(t, ValidateStepTransition("step-1", tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	denied := []struct {
		from, to schema.StepStatus
	}{
		{schema.StepStatusRunning, schema.StepStatusPending},
		{schema.StepStatusCompleted, schema.StepStatusRunning},
		{schema.StepStatusFailed, schema.StepStatusCompleted},
		{schema.StepStatusAwaitingApproval, schema.StepStatusRunning},
	}
	for _, tt := range denied {
		err := ValidateStepTransition("step-1", tt.from, tt.to)
		require.Error(t, err, "%s -> %s", tt.from, tt.to)
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, status := range []schema.RunStatus{schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled} {
		assert.Empty(t, ValidRunTransitions[status])
		assert.True(t, status.Terminal())
	}
	for _, status := range []schema.StepStatus{schema.StepStatusCompleted, schema.StepStatusFailed} {
		assert.Empty(t, ValidStepTransitions[status])
		assert.True(t, status.Terminal())
	}
}
