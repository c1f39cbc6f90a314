package types

import "context"

// Runner executes a costed command after the ledger has approved the debit.
// Implementations are supplied by collaborators (analysis engines and the
// like); the ledger never sees command semantics, only the command name and
// its cost.
type Runner interface {
	Run(ctx context.Context, userID int64, params string) (string, error)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, userID int64, params string) (string, error)

func (f RunnerFunc) Run(ctx context.Context, userID int64, params string) (string, error) {
	return f(ctx, userID, params)
}
