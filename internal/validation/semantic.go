package validation

import (
	"time"

	"github.com/averoa/flowcore/pkg/schema"
)

// validateSemantics runs the per-kind config checks that JSON Schema cannot
// express: config decodability, required fields, duration parseability and
// branch targets in range. Configs are validated once here, at workflow
// creation, so run advancement never sees an undecodable config.
func validateSemantics(def *schema.WorkflowDefinition) error {
	for i, step := range def.Steps {
		if err := validateStep(def, i, step); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(def *schema.WorkflowDefinition, index int, step schema.Step) error {
	switch step.Kind {
	case schema.StepKindAgent:
		cfg, err := schema.DecodeAgentConfig(step.Config)
		if err != nil {
			return stepError(index, err)
		}
		if cfg.AgentID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %d: agent step requires agent_id", index)
		}
		if cfg.Timeout != "" {
			if _, err := time.ParseDuration(cfg.Timeout); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %d: invalid agent timeout %q", index, cfg.Timeout)
			}
		}

	case schema.StepKindApproval:
		cfg, err := schema.DecodeApprovalConfig(step.Config)
		if err != nil {
			return stepError(index, err)
		}
		if cfg.AssigneeID == "" && cfg.AssigneeRole == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %d: approval step requires assignee_id or assignee_role", index)
		}
		switch cfg.Priority {
		case "low", "normal", "high", "urgent":
		default:
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %d: invalid approval priority %q", index, cfg.Priority)
		}

	case schema.StepKindDelay:
		if _, _, err := schema.DecodeDelayConfig(step.Config); err != nil {
			return stepError(index, err)
		}

	case schema.StepKindBranch:
		cfg, err := schema.DecodeBranchConfig(step.Config)
		if err != nil {
			return stepError(index, err)
		}
		if cfg.Language != "cel" && cfg.Language != "expr" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %d: unknown branch language %q", index, cfg.Language)
		}
		// Targets must point forward within the step list; a branch that
		// jumps backwards could loop a run forever.
		for _, target := range []int{cfg.IfTrue, cfg.IfFalse} {
			if target <= index || target >= len(def.Steps) {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %d: branch target %d out of range (must be in (%d, %d))",
					index, target, index, len(def.Steps))
			}
		}

	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"step %d: unknown step kind %q", index, step.Kind)
	}
	return nil
}

func stepError(index int, err error) error {
	if fe, ok := err.(*schema.FlowError); ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %d: %s", index, fe.Message).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "step %d: %s", index, err.Error()).WithCause(err)
}
