package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/genia-platform/nl2sql/internal/logger"
)

// Executor runs an accepted candidate under resource limits and shapes
// tabular output.
type Executor struct {
	runner  SQLRunner
	maxRows int
	timeout time.Duration
}

func NewExecutor(runner SQLRunner, maxRows int, timeout time.Duration) *Executor {
	if maxRows <= 0 {
		maxRows = 500
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{runner: runner, maxRows: maxRows, timeout: timeout}
}

// Execute re-enforces the read-only restriction regardless of the reviewer's
// verdict, then runs the statement with a row cap and query timeout. A
// timeout yields ErrExecutionTimeout and is never retried here.
func (e *Executor) Execute(ctx context.Context, candidate SQLCandidate) (ExecutionResult, error) {
	if !isReadOnly(candidate.Text) {
		// Reaching this point means the reviewer accepted a mutating
		// statement, which is an internal contract violation.
		logger.L.Error("accepted candidate failed read-only re-check", "revision", candidate.Revision)
		return ExecutionResult{}, fmt.Errorf("%w: statement is not SELECT-class", ErrUnsafeStatement)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	columns, rows, truncated, err := e.runner.Execute(execCtx, candidate.Text, e.maxRows)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return ExecutionResult{}, fmt.Errorf("%w after %s", ErrExecutionTimeout, e.timeout)
		}
		return ExecutionResult{}, &ExecutionError{Err: err}
	}

	logger.L.Info("candidate executed", "revision", candidate.Revision, "rows", len(rows), "truncated", truncated)
	return ExecutionResult{Columns: columns, Rows: rows, Truncated: truncated}, nil
}
