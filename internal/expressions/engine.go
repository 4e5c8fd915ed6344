package expressions

import "context"

// Engine evaluates branch conditions against run-scoped data.
// Two implementations: CEL (default) and Expr.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
