package pipeline

import (
	"regexp"
	"strings"

	"github.com/genia-platform/nl2sql/internal/store"
)

// Static statement analysis shared by the reviewer and the execution
// controller. This is a deliberately conservative lexical check against the
// known schema, not a full SQL parser; the dry-run catches what it cannot.

var (
	stringLiteralRe = regexp.MustCompile(`'(?:[^']|'')*'`)
	tableRefRe      = regexp.MustCompile(`(?i)\b(?:from|join)\s+([A-Za-z_][A-Za-z0-9_.]*)(?:\s+(?:as\s+)?([A-Za-z_][A-Za-z0-9_]*))?`)
	qualifiedColRe  = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)`)
	identRe         = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_.]*`)
	outputAliasRe   = regexp.MustCompile(`(?i)\bas\s+([A-Za-z_][A-Za-z0-9_]*)`)
)

var mutationKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "create",
	"truncate", "grant", "revoke", "copy", "vacuum", "merge",
}

var mutationRe = regexp.MustCompile(`\b(?:` + strings.Join(mutationKeywords, "|") + `)\b`)

var sqlKeywords = map[string]struct{}{}

func init() {
	for _, kw := range []string{
		"select", "from", "where", "join", "inner", "left", "right", "full",
		"outer", "cross", "natural", "on", "using", "and", "or", "not", "in",
		"is", "null", "as", "group", "by", "order", "having", "limit",
		"offset", "asc", "desc", "distinct", "union", "intersect", "except",
		"all", "any", "some", "case", "when", "then", "else", "end", "like",
		"ilike", "similar", "between", "exists", "with", "recursive", "true",
		"false", "interval", "cast", "extract", "filter", "over", "partition",
		"rows", "range", "preceding", "following", "unbounded", "current",
		"row", "fetch", "first", "next", "only", "nulls", "last", "lateral",
		"year", "month", "day", "hour", "minute", "second", "epoch", "dow",
		"doy", "week", "quarter", "decade", "century", "timezone",
	} {
		sqlKeywords[kw] = struct{}{}
	}
	for _, kw := range mutationKeywords {
		sqlKeywords[kw] = struct{}{}
	}
}

// isReadOnly reports whether the statement is SELECT-class. WITH is allowed
// because CTE pipelines still resolve to a SELECT; mutating CTE bodies are
// caught by the keyword scan.
func isReadOnly(sqlText string) bool {
	normalized := strings.ToLower(strings.TrimSpace(sqlText))
	if normalized == "" {
		return false
	}
	return strings.HasPrefix(normalized, "select") || strings.HasPrefix(normalized, "with")
}

// staticIssues validates the statement shape against schema metadata.
func staticIssues(sqlText string, schema store.Metadata) []Issue {
	cleaned := stringLiteralRe.ReplaceAllString(sqlText, "''")
	var issues []Issue

	if !isReadOnly(cleaned) {
		head := strings.Fields(strings.TrimSpace(cleaned))
		fragment := ""
		if len(head) > 0 {
			fragment = head[0]
		}
		issues = append(issues, Issue{
			Kind:     IssueUnsafeStatement,
			Fragment: fragment,
			Detail:   "only SELECT-class statements are allowed",
		})
		return issues
	}

	if rest := strings.TrimSpace(strings.TrimRight(cleaned, "; \t\n")); strings.Contains(rest, ";") {
		issues = append(issues, Issue{
			Kind:     IssueUnsafeStatement,
			Fragment: ";",
			Detail:   "multiple statements are not allowed",
		})
	}

	lowered := strings.ToLower(cleaned)
	reported := make(map[string]bool)
	for _, kw := range mutationRe.FindAllString(lowered, -1) {
		if reported[kw] {
			continue
		}
		reported[kw] = true
		issues = append(issues, Issue{
			Kind:     IssueUnsafeStatement,
			Fragment: kw,
			Detail:   "mutating keyword is not allowed in a read-only statement",
		})
	}
	if len(issues) > 0 {
		return issues
	}

	aliases, tables, tableIssues := referencedTables(cleaned, schema)
	issues = append(issues, tableIssues...)
	issues = append(issues, columnIssues(cleaned, schema, aliases, tables)...)
	return issues
}

// referencedTables resolves FROM/JOIN references, returning an alias map and
// the list of resolved table names.
func referencedTables(cleaned string, schema store.Metadata) (map[string]string, []string, []Issue) {
	aliases := make(map[string]string)
	var tables []string
	var issues []Issue

	type ref struct {
		raw  string
		name string
	}
	var unresolved []ref

	for _, match := range tableRefRe.FindAllStringSubmatch(cleaned, -1) {
		name := strings.TrimPrefix(strings.ToLower(match[1]), "public.")
		if _, isKeyword := sqlKeywords[name]; isKeyword {
			continue
		}
		if !schema.HasTable(name) {
			unresolved = append(unresolved, ref{raw: match[1], name: name})
			continue
		}
		tables = append(tables, name)
		aliases[name] = name
		if alias := strings.ToLower(match[2]); alias != "" {
			if _, isKeyword := sqlKeywords[alias]; !isKeyword {
				aliases[alias] = name
			}
		}
	}

	// EXTRACT(field FROM col) and qualified column references also match
	// the FROM pattern; only flag names that resolve to nothing at all.
	for _, r := range unresolved {
		if strings.Contains(r.name, ".") {
			continue
		}
		if schema.HasColumnAnywhere(tables, r.name) {
			continue
		}
		issues = append(issues, Issue{
			Kind:     IssueUnknownTable,
			Fragment: r.raw,
			Detail:   "table is not present in the schema",
		})
	}
	return aliases, tables, issues
}

// columnIssues flags qualified references to missing columns and unqualified
// identifiers that resolve to no referenced table's column.
func columnIssues(cleaned string, schema store.Metadata, aliases map[string]string, tables []string) []Issue {
	var issues []Issue
	seen := make(map[string]bool)

	for _, match := range qualifiedColRe.FindAllStringSubmatch(cleaned, -1) {
		qualifier := strings.ToLower(match[1])
		column := strings.ToLower(match[2])
		table, ok := aliases[qualifier]
		if !ok {
			// Unknown qualifier: either a schema prefix or already reported
			// as an unknown table.
			continue
		}
		fragment := match[0]
		if !schema.HasColumn(table, column) && !seen[fragment] {
			seen[fragment] = true
			issues = append(issues, Issue{
				Kind:     IssueUnknownColumn,
				Fragment: fragment,
				Detail:   "column is not present in table " + table,
			})
		}
	}

	if len(tables) == 0 {
		return issues
	}

	outputAliases := make(map[string]bool)
	for _, match := range outputAliasRe.FindAllStringSubmatch(cleaned, -1) {
		outputAliases[strings.ToLower(match[1])] = true
	}

	for _, loc := range identRe.FindAllStringIndex(cleaned, -1) {
		token := cleaned[loc[0]:loc[1]]
		if strings.Contains(token, ".") {
			continue // qualified, handled above
		}
		if loc[1] < len(cleaned) && cleaned[loc[1]] == '(' {
			continue // function call
		}
		lower := strings.ToLower(token)
		if _, isKeyword := sqlKeywords[lower]; isKeyword {
			continue
		}
		if _, isRef := aliases[lower]; isRef {
			continue
		}
		if outputAliases[lower] || schema.HasTable(lower) {
			continue
		}
		if schema.HasColumnAnywhere(tables, lower) {
			continue
		}
		if !seen[lower] {
			seen[lower] = true
			issues = append(issues, Issue{
				Kind:     IssueUnknownColumn,
				Fragment: token,
				Detail:   "column is not present in any referenced table",
			})
		}
	}
	return issues
}
