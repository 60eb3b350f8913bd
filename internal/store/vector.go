package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Doc is one nearest-neighbour match from the embeddings table.
type Doc struct {
	ID    int64
	Text  string
	Score float64
}

// VectorStore runs pgvector cosine searches against a single embeddings
// table of shape (id, entity_id, embedding, text, database).
type VectorStore struct {
	db    *sql.DB
	table string
}

func NewVectorStore(db *sql.DB, table string) (*VectorStore, error) {
	table = strings.TrimSpace(table)
	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid embeddings table name %q", table)
	}
	return &VectorStore{db: db, table: table}, nil
}

// Nearest returns up to topK documents ranked by cosine similarity. Ties are
// broken by most-recently-indexed document first. A scope restricts matches
// to one named collection via the database column. Zero matches is not an
// error.
func (v *VectorStore) Nearest(ctx context.Context, embedding []float32, topK int, scope string) ([]Doc, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	where := ""
	args := []any{vectorLiteral(embedding)}
	if scope != "" {
		where = "WHERE database = $2"
		args = append(args, scope)
	}
	args = append(args, topK)

	query := fmt.Sprintf(`
WITH q AS (SELECT $1::vector AS v)
SELECT id, text, 1 - (embedding <=> q.v) AS score
FROM public.%s, q
%s
ORDER BY embedding <=> q.v ASC, id DESC
LIMIT $%d`, v.table, where, len(args))

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("nearest neighbours: %w", err)
	}
	defer func() { _ = rows.Close() }()

	docs := make([]Doc, 0, topK)
	for rows.Next() {
		var doc Doc
		var text sql.NullString
		if err := rows.Scan(&doc.ID, &text, &doc.Score); err != nil {
			return nil, fmt.Errorf("scan neighbour: %w", err)
		}
		doc.Text = text.String
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate neighbours: %w", err)
	}
	return docs, nil
}

// vectorLiteral renders an embedding as a pgvector input literal.
func vectorLiteral(embedding []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
