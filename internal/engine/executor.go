package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/averoa/flowcore/pkg/schema"
)

// DefaultAgentTimeout bounds an agent executor call when the step config
// does not set its own timeout.
const DefaultAgentTimeout = 60 * time.Second

// AgentExecutor performs the actual work of an agent step. Implementations
// may be slow or unreliable; the orchestrator records their failures on the
// step and keeps the run alive.
type AgentExecutor interface {
	Execute(ctx context.Context, cfg *schema.AgentConfig) (json.RawMessage, error)
}

// AgentExecutorFunc adapts a function to the AgentExecutor interface.
type AgentExecutorFunc func(ctx context.Context, cfg *schema.AgentConfig) (json.RawMessage, error)

func (f AgentExecutorFunc) Execute(ctx context.Context, cfg *schema.AgentConfig) (json.RawMessage, error) {
	return f(ctx, cfg)
}

// executeAgent calls the executor with a deadline taken from the step
// config, falling back to defaultTimeout. A deadline hit comes back as a
// TIMEOUT_ERROR, which the orchestrator treats like any executor failure.
func executeAgent(ctx context.Context, exec AgentExecutor, cfg *schema.AgentConfig, defaultTimeout time.Duration) (json.RawMessage, error) {
	timeout := defaultTimeout
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.Execute(ctx, cfg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"agent %s timed out after %s", cfg.AgentID, timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecutorFailure,
			"agent %s failed: %s", cfg.AgentID, err.Error()).WithCause(err)
	}
	return out, nil
}
