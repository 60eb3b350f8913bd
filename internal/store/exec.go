package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Runner executes candidate statements against Postgres under row limits.
// Callers bound wall-clock time through the context.
type Runner struct {
	db *sql.DB
}

func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db}
}

// Ping verifies store connectivity.
func (r *Runner) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	return nil
}

// DryRun executes the statement inside a read-only transaction with a row
// cap and rolls back unconditionally. It surfaces syntax and runtime errors
// without producing user-facing results.
func (r *Runner) DryRun(ctx context.Context, sqlText string, limit int) ([]string, [][]any, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("begin dry-run tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	capped := capRows(sqlText, limit)
	rows, err := tx.QueryContext(ctx, capped)
	if err != nil {
		return nil, nil, fmt.Errorf("dry-run query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanAll(rows)
}

// Execute runs an accepted statement with a row cap. The boolean result
// reports whether the cap was hit, in which case rows are trimmed to the cap.
func (r *Runner) Execute(ctx context.Context, sqlText string, maxRows int) ([]string, [][]any, bool, error) {
	capped := capRows(sqlText, maxRows+1)
	rows, err := r.db.QueryContext(ctx, capped)
	if err != nil {
		return nil, nil, false, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, result, err := scanAll(rows)
	if err != nil {
		return nil, nil, false, err
	}

	truncated := false
	if maxRows > 0 && len(result) > maxRows {
		result = result[:maxRows]
		truncated = true
	}
	return columns, result, truncated, nil
}

// capRows wraps the statement in a limiting subquery so the cap applies
// regardless of what the statement itself selects.
func capRows(sqlText string, limit int) string {
	sqlText = stripTrailingSemicolons(sqlText)
	if limit <= 0 {
		return sqlText
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, limit)
}

func stripTrailingSemicolons(sqlText string) string {
	return strings.TrimRight(strings.TrimSpace(sqlText), "; \t\n")
}

func scanAll(rows *sql.Rows) ([]string, [][]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("query columns: %w", err)
	}

	result := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		result = append(result, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows: %w", err)
	}
	return columns, result, nil
}

// normalizeValues converts driver byte slices to strings so results
// marshal cleanly as JSON.
func normalizeValues(values []any) []any {
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}
	return values
}
