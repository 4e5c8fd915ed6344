package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/averoa/flowcore/pkg/schema"
)

// ExprEngine implements the Engine interface using expr-lang/expr. Branch
// conditions can opt into it for richer logic than CEL offers out of the
// box: array operations, string helpers, nil coalescing (??) and optional
// chaining (?.). It sees the same three scope variables as the CEL engine
// (run, steps, summary), so a condition can be ported between languages
// without touching the workflow data it reads.
// Thread-safe: compiled *vm.Program objects are cached and reused.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// branchScope is the compile-time environment for branch conditions. Every
// expression is typed against these three maps and nothing else, so the
// cached program is valid for any run's data.
func branchScope() map[string]any {
	return map[string]any{
		"run":     map[string]any{},
		"steps":   map[string]any{},
		"summary": map[string]any{},
	}
}

// Evaluate compiles (or retrieves from cache) an Expr expression and
// evaluates it against the provided data. Missing scope keys default to
// empty maps so conditions written before a step produced output still
// evaluate.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutorFailure,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.Env(branchScope()))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
