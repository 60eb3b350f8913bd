package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Column describes one column of a user table.
type Column struct {
	Name string
	Type string
}

// Table describes one user table with its columns in ordinal order.
type Table struct {
	Name    string
	Columns []Column
}

// ForeignKey describes one foreign-key relationship between user tables.
type ForeignKey struct {
	Table     string
	Column    string
	RefTable  string
	RefColumn string
}

// Metadata is the fixed schema contract the reviewer validates candidates
// against. It is read-only from the pipeline's perspective.
type Metadata struct {
	Tables      map[string]Table
	ForeignKeys []ForeignKey
}

// HasTable reports whether the schema contains the named table.
func (m Metadata) HasTable(name string) bool {
	_, ok := m.Tables[strings.ToLower(name)]
	return ok
}

// HasColumn reports whether the named table contains the named column.
func (m Metadata) HasColumn(table, column string) bool {
	t, ok := m.Tables[strings.ToLower(table)]
	if !ok {
		return false
	}
	column = strings.ToLower(column)
	for _, c := range t.Columns {
		if strings.ToLower(c.Name) == column {
			return true
		}
	}
	return false
}

// HasColumnAnywhere reports whether any of the named tables contains the
// column. Used to resolve unqualified column references.
func (m Metadata) HasColumnAnywhere(tables []string, column string) bool {
	for _, table := range tables {
		if m.HasColumn(table, column) {
			return true
		}
	}
	return false
}

// LoadMetadata reads tables, columns, and foreign keys of the public schema,
// skipping vector embedding tables which are retrieval infrastructure.
func LoadMetadata(ctx context.Context, db *sql.DB) (Metadata, error) {
	meta := Metadata{Tables: make(map[string]Table)}

	rows, err := db.QueryContext(ctx, `
SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = 'public' AND table_name NOT LIKE 'vector_embeddings%'
ORDER BY table_name, ordinal_position`)
	if err != nil {
		return Metadata{}, fmt.Errorf("load schema columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var tableName, columnName, dataType string
		if err := rows.Scan(&tableName, &columnName, &dataType); err != nil {
			return Metadata{}, fmt.Errorf("scan schema column: %w", err)
		}
		key := strings.ToLower(tableName)
		t := meta.Tables[key]
		t.Name = tableName
		t.Columns = append(t.Columns, Column{Name: columnName, Type: dataType})
		meta.Tables[key] = t
	}
	if err := rows.Err(); err != nil {
		return Metadata{}, fmt.Errorf("iterate schema columns: %w", err)
	}

	fkRows, err := db.QueryContext(ctx, `
SELECT tc.table_name, kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = 'public'
ORDER BY tc.table_name, kcu.column_name`)
	if err != nil {
		return Metadata{}, fmt.Errorf("load foreign keys: %w", err)
	}
	defer func() { _ = fkRows.Close() }()

	for fkRows.Next() {
		var fk ForeignKey
		if err := fkRows.Scan(&fk.Table, &fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			return Metadata{}, fmt.Errorf("scan foreign key: %w", err)
		}
		meta.ForeignKeys = append(meta.ForeignKeys, fk)
	}
	if err := fkRows.Err(); err != nil {
		return Metadata{}, fmt.Errorf("iterate foreign keys: %w", err)
	}

	return meta, nil
}
