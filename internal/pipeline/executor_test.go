package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecute_ReturnsShapedResult(t *testing.T) {
	runner := &fakeRunner{
		execColumns:   []string{"name", "city"},
		execRows:      [][]any{{"Ada", "London"}},
		execTruncated: false,
	}
	executor := NewExecutor(runner, 500, time.Second)

	result, err := executor.Execute(context.Background(), SQLCandidate{Text: "SELECT name, city FROM employees"})
	require.NoError(t, err)
	require.Equal(t, []string{"name", "city"}, result.Columns)
	require.Len(t, result.Rows, 1)
	require.False(t, result.Truncated)
}

func TestExecute_PropagatesTruncation(t *testing.T) {
	runner := &fakeRunner{execColumns: []string{"id"}, execRows: [][]any{{1}, {2}}, execTruncated: true}
	executor := NewExecutor(runner, 2, time.Second)

	result, err := executor.Execute(context.Background(), SQLCandidate{Text: "SELECT id FROM employees"})
	require.NoError(t, err)
	require.True(t, result.Truncated)
}

// The read-only restriction is re-checked at the execution boundary even for
// a candidate the reviewer accepted.
func TestExecute_RejectsNonSelectCandidate(t *testing.T) {
	runner := &fakeRunner{}
	executor := NewExecutor(runner, 500, time.Second)

	_, err := executor.Execute(context.Background(), SQLCandidate{Text: "DROP TABLE employees"})
	require.ErrorIs(t, err, ErrUnsafeStatement)
	require.Zero(t, runner.execCalls, "unsafe statement must never reach the store")
}

func TestExecute_TimeoutIsTyped(t *testing.T) {
	runner := &fakeRunner{execErr: context.DeadlineExceeded}
	executor := NewExecutor(runner, 500, 50*time.Millisecond)

	_, err := executor.Execute(context.Background(), SQLCandidate{Text: "SELECT pg_sleep(60)"})
	require.ErrorIs(t, err, ErrExecutionTimeout)
}

func TestExecute_RuntimeFailureIsExecutionError(t *testing.T) {
	runner := &fakeRunner{execErr: errors.New("division by zero")}
	executor := NewExecutor(runner, 500, time.Second)

	_, err := executor.Execute(context.Background(), SQLCandidate{Text: "SELECT 1/0"})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.False(t, errors.Is(err, ErrExecutionTimeout))
}
