package pipeline

import (
	"context"
	"time"

	"github.com/genia-platform/nl2sql/internal/logger"
	"github.com/genia-platform/nl2sql/internal/store"
)

// SQLRunner is the relational-store contract for validation and execution.
type SQLRunner interface {
	DryRun(ctx context.Context, sqlText string, limit int) ([]string, [][]any, error)
	Execute(ctx context.Context, sqlText string, maxRows int) ([]string, [][]any, bool, error)
}

// Reviewer validates a candidate against schema metadata and a bounded
// dry-run. It never mutates the database: the dry-run runs in a read-only
// transaction that is always rolled back.
type Reviewer struct {
	runner        SQLRunner
	previewRows   int
	dryRunTimeout time.Duration
}

func NewReviewer(runner SQLRunner, previewRows int, dryRunTimeout time.Duration) *Reviewer {
	if previewRows <= 0 {
		previewRows = 5
	}
	if dryRunTimeout <= 0 {
		dryRunTimeout = 5 * time.Second
	}
	return &Reviewer{runner: runner, previewRows: previewRows, dryRunTimeout: dryRunTimeout}
}

// Review runs static checks first, then the dry-run; any static issue skips
// the database entirely. The result is deterministic for an unchanged
// candidate against unchanged schema metadata.
func (r *Reviewer) Review(ctx context.Context, candidate SQLCandidate, schema store.Metadata) ValidationResult {
	if issues := staticIssues(candidate.Text, schema); len(issues) > 0 {
		logger.L.Info("candidate rejected by static checks", "revision", candidate.Revision, "issues", len(issues))
		return ValidationResult{Accepted: false, Issues: issues}
	}

	dryCtx, cancel := context.WithTimeout(ctx, r.dryRunTimeout)
	defer cancel()
	columns, rows, err := r.runner.DryRun(dryCtx, candidate.Text, r.previewRows)
	if err != nil {
		logger.L.Info("candidate rejected by dry-run", "revision", candidate.Revision, "error", err)
		return ValidationResult{Accepted: false, Issues: []Issue{{
			Kind:   IssueDryRun,
			Detail: err.Error(),
		}}}
	}

	return ValidationResult{Accepted: true, PreviewColumns: columns, Preview: rows}
}
