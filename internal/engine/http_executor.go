package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/averoa/flowcore/pkg/schema"
)

const maxExecutorResponse = 1 << 20 // 1 MiB

// HTTPAgentExecutor invokes the external agent service over HTTP: the step
// config is POSTed as JSON and the response body becomes the step output.
type HTTPAgentExecutor struct {
	endpoint string
	client   *http.Client
}

// NewHTTPAgentExecutor creates an executor calling the given endpoint.
// A nil client gets a default one; the orchestrator supplies the deadline.
func NewHTTPAgentExecutor(endpoint string, client *http.Client) *HTTPAgentExecutor {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPAgentExecutor{endpoint: endpoint, client: client}
}

func (e *HTTPAgentExecutor) Execute(ctx context.Context, cfg *schema.AgentConfig) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{
		"agent_id": cfg.AgentID,
		"params":   cfg.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxExecutorResponse))
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent service returned HTTP %d", resp.StatusCode)
	}
	if !json.Valid(out) {
		out, _ = json.Marshal(map[string]any{"raw": string(out)})
	}
	return out, nil
}

// EchoExecutor returns the step's params as its output. Used when no agent
// endpoint is configured and in tests.
type EchoExecutor struct{}

func (EchoExecutor) Execute(ctx context.Context, cfg *schema.AgentConfig) (json.RawMessage, error) {
	out, err := json.Marshal(map[string]any{
		"agent_id": cfg.AgentID,
		"params":   cfg.Params,
		"echo":     true,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var (
	_ AgentExecutor = (*HTTPAgentExecutor)(nil)
	_ AgentExecutor = EchoExecutor{}
)
