package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averoa/flowcore/pkg/schema"
)

func branchData() map[string]any {
	return map[string]any{
		"run": map[string]any{
			"id":     "run-1",
			"status": "running",
		},
		"steps": map[string]any{
			"0": map[string]any{
				"status": "completed",
				"output": map[string]any{"amount": 1200.0},
			},
		},
		"summary": map[string]any{
			"total_steps":     3,
			"completed_steps": 1,
			"failed_steps":    0,
		},
	}
}

func TestCELEngineEvaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	result, err := e.Evaluate(ctx, `summary.completed_steps >= 1`, branchData())
	require.NoError(t, err)
	assert.Equal(t, true, result)

	result, err = e.Evaluate(ctx, `summary.failed_steps > 0`, branchData())
	require.NoError(t, err)
	assert.Equal(t, false, result)
}

func TestCELEngineMissingKeysDefaultToEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	result, err := e.Evaluate(context.Background(), `"total_steps" in summary`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, false, result)
}

func TestCELEngineCompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `summary ..`, branchData())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCELEngineCachesPrograms(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	const expr = `run.status == "running"`
	for i := 0; i < 3; i++ {
		result, err := e.Evaluate(ctx, expr, branchData())
		require.NoError(t, err)
		assert.Equal(t, true, result)
	}
}

func TestExprEngineEvaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	result, err := e.Evaluate(ctx, `summary.completed_steps + summary.failed_steps`, branchData())
	require.NoError(t, err)
	assert.EqualValues(t, 1, result)

	result, err = e.Evaluate(ctx, `run.status == "running"`, branchData())
	require.NoError(t, err)
	assert.Equal(t, true, result)
}

func TestExprEngineCompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `summary.completed_steps >=`, branchData())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestExprEngineMissingKeysDefaultToEmptyMaps(t *testing.T) {
	e := NewExprEngine()

	result, err := e.Evaluate(context.Background(), `"total_steps" in summary`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, false, result)
}

func TestExprEngineScopeIsIndependentOfFirstCaller(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	// First evaluation caches the program with empty data; richer data on a
	// later run must still flow through the same compiled program.
	const expr = `(summary.completed_steps ?? 0) >= 1`
	result, err := e.Evaluate(ctx, expr, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, false, result)

	result, err = e.Evaluate(ctx, expr, branchData())
	require.NoError(t, err)
	assert.Equal(t, true, result)
}

func TestExprEngineRejectsOutOfScopeVariables(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `secrets.token != ""`, branchData())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestGoJQEngineEvaluate(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	result, err := e.Evaluate(ctx, `.summary.completed_steps`, branchData())
	require.NoError(t, err)
	assert.EqualValues(t, 1, result)

	// Object construction, the common payload-transform shape.
	result, err = e.Evaluate(ctx, `{id: .run.id, done: .summary.completed_steps}`, branchData())
	require.NoError(t, err)
	obj, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "run-1", obj["id"])
}

func TestGoJQEngineMultipleResults(t *testing.T) {
	e := NewGoJQEngine()

	result, err := e.Evaluate(context.Background(), `.steps | keys[]`, branchData())
	require.NoError(t, err)
	// Single key collapses to the bare value.
	assert.Equal(t, "0", result)
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		value any
		want  bool
	}{
		{true, true},
		{false, false},
		{nil, false},
		{0, false},
		{int64(0), false},
		{0.0, false},
		{1, true},
		{-2.5, true},
		{"", false},
		{"yes", true},
		{map[string]any{}, true},
		{[]any{}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Truthy(tt.value), "value %#v", tt.value)
	}
}
