package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmbeddingUnavailable marks an embedding call that failed after its
	// single retry. The orchestrator degrades to empty context instead of
	// failing the turn.
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrUnsafeStatement marks a non-SELECT statement reaching the execution
	// controller. It indicates a reviewer/drafter contract violation and is
	// never retried.
	ErrUnsafeStatement = errors.New("unsafe statement")

	// ErrExecutionTimeout marks an execution exceeding its configured query
	// timeout. It is fatal for the turn and never retried automatically.
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrConsumerTimeout marks a session dropped because its message consumer
	// stalled past the backpressure limit.
	ErrConsumerTimeout = errors.New("message consumer timed out")
)

// PlanParseError reports model output that could not be parsed into a Plan.
type PlanParseError struct {
	Raw string
	Err error
}

func (e *PlanParseError) Error() string {
	return fmt.Sprintf("parse plan: %v", e.Err)
}

func (e *PlanParseError) Unwrap() error { return e.Err }

// DraftParseError reports model output that could not be shaped into a
// SQL candidate.
type DraftParseError struct {
	Raw string
}

func (e *DraftParseError) Error() string {
	return "parse draft: model returned no SQL"
}

// ValidationError aggregates the structured issues of a rejected candidate.
// It drives the draft/review retry loop and is surfaced to the user only at
// exhaustion.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if issue.Fragment != "" {
			parts = append(parts, fmt.Sprintf("%s (%s): %s", issue.Kind, issue.Fragment, issue.Detail))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", issue.Kind, issue.Detail))
		}
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ExecutionError wraps a database failure during controlled execution.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
