package engine

import (
	"github.com/averoa/flowcore/pkg/schema"
)

// ValidRunTransitions defines the allowed state transitions for runs.
// Terminal statuses have no outgoing edges; a terminal run is never reopened.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning:          {schema.RunStatusAwaitingApproval, schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusAwaitingApproval: {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted:        {},
	schema.RunStatusFailed:           {},
	schema.RunStatusCancelled:        {},
}

// ValidStepTransitions defines the allowed state transitions for run steps.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:          {schema.StepStatusRunning, schema.StepStatusAwaitingApproval, schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusRunning:          {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusAwaitingApproval: {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted:        {},
	schema.StepStatusFailed:           {},
}

// ValidateRunTransition returns an INVALID_TRANSITION error when from -> to
// is not an allowed run transition.
func ValidateRunTransition(runID string, from, to schema.RunStatus) error {
	if !contains(ValidRunTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}
	return nil
}

// ValidateStepTransition returns an INVALID_TRANSITION error when from -> to
// is not an allowed step transition.
func ValidateStepTransition(stepID string, from, to schema.StepStatus) error {
	if !contains(ValidStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	return nil
}

func contains[T comparable](xs []T, x T) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
