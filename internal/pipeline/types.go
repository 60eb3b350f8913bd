package pipeline

import "time"

// Stage identifies which pipeline component produced an AgentMessage.
type Stage string

const (
	StageRetrieval Stage = "retrieval"
	StagePlan      Stage = "plan"
	StageClarify   Stage = "clarify"
	StageDraft     Stage = "draft"
	StageReview    Stage = "review"
	StageExecution Stage = "execution"
	StageFailure   Stage = "failure"
)

// AgentMessage is one entry in a session's append-only audit trail. It is
// immutable once emitted; Seq is strictly increasing and gapless per session
// and insertion order is the source of truth for replay.
type AgentMessage struct {
	Stage     Stage     `json:"stage"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageSink receives pipeline messages in emission order. The session layer
// implements it, assigning sequence numbers and streaming to the transport.
type MessageSink interface {
	Emit(stage Stage, role, content string) (AgentMessage, error)
}

// ContextDoc is one retrieved grounding document.
type ContextDoc struct {
	SourceID int64   `json:"source_id"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

// RetrievedContext is produced fresh per question and never persisted.
type RetrievedContext []ContextDoc

// Plan is the structured intent extracted from a question before any SQL is
// generated. It is immutable once produced.
type Plan struct {
	Tables             []string `json:"tables"`
	Joins              []string `json:"joins"`
	Filters            []string `json:"filters"`
	Aggregations       []string `json:"aggregations"`
	NeedsClarification bool     `json:"needs_clarification"`
	Clarification      string   `json:"clarification,omitempty"`
}

// SQLCandidate is a single proposed statement awaiting review. Revision
// starts at 0 and increments by one per retry; superseded candidates stay in
// the message log, never mutated.
type SQLCandidate struct {
	Text     string `json:"text"`
	Revision int    `json:"revision"`
	Plan     Plan   `json:"plan"`
}

// IssueKind classifies a structured review issue.
type IssueKind string

const (
	IssueUnsafeStatement IssueKind = "unsafe_statement"
	IssueUnknownTable    IssueKind = "unknown_table"
	IssueUnknownColumn   IssueKind = "unknown_column"
	IssueDryRun          IssueKind = "dry_run"
	IssueDraftParse      IssueKind = "draft_parse"
)

// Issue is one structured validation problem, citing the offending fragment.
type Issue struct {
	Kind     IssueKind `json:"kind"`
	Fragment string    `json:"fragment,omitempty"`
	Detail   string    `json:"detail"`
}

// ValidationResult is produced once per SQLCandidate.
type ValidationResult struct {
	Accepted       bool     `json:"accepted"`
	Issues         []Issue  `json:"issues,omitempty"`
	PreviewColumns []string `json:"preview_columns,omitempty"`
	Preview        [][]any  `json:"preview,omitempty"`
}

// ExecutionResult is the terminal artifact of a successful turn.
type ExecutionResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated"`
}

// HistoryTurn is one prior question/answer pair carried into later prompts.
type HistoryTurn struct {
	Question string
	Answer   string
}
