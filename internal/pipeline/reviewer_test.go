package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// This mirrors SQLRunner.
type fakeRunner struct {
	dryColumns []string
	dryRows    [][]any
	dryErr     error
	dryCalls   int

	execColumns   []string
	execRows      [][]any
	execTruncated bool
	execErr       error
	execCalls     int
}

func (f *fakeRunner) DryRun(ctx context.Context, sqlText string, limit int) ([]string, [][]any, error) {
	f.dryCalls++
	if f.dryErr != nil {
		return nil, nil, f.dryErr
	}
	return f.dryColumns, f.dryRows, nil
}

func (f *fakeRunner) Execute(ctx context.Context, sqlText string, maxRows int) ([]string, [][]any, bool, error) {
	f.execCalls++
	if f.execErr != nil {
		return nil, nil, false, f.execErr
	}
	return f.execColumns, f.execRows, f.execTruncated, nil
}

func TestReview_AcceptsWithPreview(t *testing.T) {
	runner := &fakeRunner{
		dryColumns: []string{"name"},
		dryRows:    [][]any{{"Ada"}, {"Grace"}},
	}
	reviewer := NewReviewer(runner, 5, time.Second)

	result := reviewer.Review(context.Background(), SQLCandidate{Text: "SELECT name FROM employees"}, testSchema())
	require.True(t, result.Accepted)
	require.Empty(t, result.Issues)
	require.Equal(t, []string{"name"}, result.PreviewColumns)
	require.Len(t, result.Preview, 2)
	require.Equal(t, 1, runner.dryCalls)
}

// A static rejection must never reach the database.
func TestReview_StaticRejectionSkipsDryRun(t *testing.T) {
	runner := &fakeRunner{}
	reviewer := NewReviewer(runner, 5, time.Second)

	result := reviewer.Review(context.Background(), SQLCandidate{Text: "DELETE FROM employees"}, testSchema())
	require.False(t, result.Accepted)
	require.NotEmpty(t, result.Issues)
	require.Equal(t, IssueUnsafeStatement, result.Issues[0].Kind)
	require.Zero(t, runner.dryCalls)
}

func TestReview_UnknownColumnRejected(t *testing.T) {
	runner := &fakeRunner{}
	reviewer := NewReviewer(runner, 5, time.Second)

	result := reviewer.Review(context.Background(), SQLCandidate{Text: "SELECT wage FROM employees"}, testSchema())
	require.False(t, result.Accepted)
	require.Equal(t, IssueUnknownColumn, result.Issues[0].Kind)
	require.Equal(t, "wage", result.Issues[0].Fragment)
	require.Zero(t, runner.dryCalls)
}

func TestReview_DryRunFailureRejects(t *testing.T) {
	runner := &fakeRunner{dryErr: errors.New(`syntax error at or near "FORM"`)}
	reviewer := NewReviewer(runner, 5, time.Second)

	result := reviewer.Review(context.Background(), SQLCandidate{Text: "SELECT name FROM employees"}, testSchema())
	require.False(t, result.Accepted)
	require.Len(t, result.Issues, 1)
	require.Equal(t, IssueDryRun, result.Issues[0].Kind)
	require.Contains(t, result.Issues[0].Detail, "FORM")
}

func TestReview_DeterministicForUnchangedCandidate(t *testing.T) {
	runner := &fakeRunner{dryColumns: []string{"name"}}
	reviewer := NewReviewer(runner, 5, time.Second)
	candidate := SQLCandidate{Text: "SELECT name FROM employees", Revision: 1}

	first := reviewer.Review(context.Background(), candidate, testSchema())
	second := reviewer.Review(context.Background(), candidate, testSchema())
	require.Equal(t, first, second)
}
