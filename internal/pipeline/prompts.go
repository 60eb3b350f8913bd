package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

const plannerSystemPrompt = `You are a query planner for a PostgreSQL database.
Given a user question and retrieved schema context, produce a JSON object with
exactly these fields:
{"tables": [], "joins": [], "filters": [], "aggregations": [], "needs_clarification": false, "clarification": ""}
- "tables": the table names needed to answer the question.
- "joins": join conditions in reading order, e.g. "employees.office_id = offices.id".
- "filters": restrictions implied by the question.
- "aggregations": aggregate expressions, if any.
If the question is ambiguous or references entities absent from the context,
set "needs_clarification" to true and put a short question for the user in
"clarification". Return ONLY the JSON object. No markdown, no explanation.`

const drafterSystemPrompt = `You convert a query plan into a single PostgreSQL SELECT statement.
Rules:
- Output exactly one read-only SELECT (or WITH ... SELECT) statement.
- Never produce INSERT, UPDATE, DELETE, DDL, or multiple statements.
- Use only tables and columns present in the provided context.
- Prefer explicit column lists over SELECT *.
Return ONLY SQL. No markdown, no explanation.`

const noContextFallback = "No relevant documents were found in the vector store."

// formatContext renders retrieved documents for prompting. Documents are
// ordered by source id so chunks from one source read contiguously.
func formatContext(docs RetrievedContext) string {
	if len(docs) == 0 {
		return noContextFallback
	}
	ordered := make([]ContextDoc, len(docs))
	copy(ordered, docs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].SourceID < ordered[j].SourceID })

	parts := make([]string, 0, len(ordered))
	for _, doc := range ordered {
		parts = append(parts, doc.Text)
	}
	return strings.Join(parts, "\n\n")
}

// formatHistory renders the sliding window of prior turns for prompting.
func formatHistory(history []HistoryTurn, window int) string {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	for _, turn := range history {
		fmt.Fprintf(&b, "user: %s\n", turn.Question)
		if turn.Answer != "" {
			fmt.Fprintf(&b, "assistant: %s\n", turn.Answer)
		}
	}
	return b.String()
}

// formatIssues renders reviewer feedback for the next drafting attempt.
func formatIssues(issues []Issue) string {
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		if issue.Fragment != "" {
			parts = append(parts, fmt.Sprintf("- %s at %q: %s", issue.Kind, issue.Fragment, issue.Detail))
		} else {
			parts = append(parts, fmt.Sprintf("- %s: %s", issue.Kind, issue.Detail))
		}
	}
	return strings.Join(parts, "\n")
}

// stripCodeFences returns the inner content when the message is a single
// fenced code block, with an optional language label after the opening fence.
func stripCodeFences(message string) string {
	trimmed := strings.TrimSpace(message)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```sql")
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

// stripTermination removes the legacy "TERMINATE" suffix some models append,
// keeping the SQL intact.
func stripTermination(message string) string {
	cleaned := strings.TrimSpace(message)
	if strings.HasSuffix(strings.ToLower(cleaned), "terminate") {
		cleaned = cleaned[:len(cleaned)-len("terminate")]
		cleaned = strings.TrimRight(cleaned, " -:\n")
	}
	return cleaned
}
