package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/qmuntal/stateless"

	"github.com/genia-platform/nl2sql/internal/logger"
	"github.com/genia-platform/nl2sql/internal/store"
)

// FSM States
type FSMState stateless.State

var (
	StateRetrieving FSMState = "Retrieving"
	StatePlanning   FSMState = "Planning"
	StateClarifying FSMState = "Clarifying"
	StateDrafting   FSMState = "Drafting"
	StateReviewing  FSMState = "Reviewing"
	StateExecuting  FSMState = "Executing"
	StateDone       FSMState = "Done"   // Terminal: successful completion or clarification
	StateFailed     FSMState = "Failed" // Terminal: error state
)

// FSM Triggers
type FSMTrigger stateless.Trigger

var (
	TriggerStart                FSMTrigger = "Start"
	TriggerContextReady         FSMTrigger = "ContextReady"
	TriggerPlanReady            FSMTrigger = "PlanReady"
	TriggerPlanRetry            FSMTrigger = "PlanRetry"
	TriggerClarificationNeeded  FSMTrigger = "ClarificationNeeded"
	TriggerClarificationEmitted FSMTrigger = "ClarificationEmitted"
	TriggerCandidateReady       FSMTrigger = "CandidateReady"
	TriggerAccepted             FSMTrigger = "Accepted"
	TriggerRejected             FSMTrigger = "Rejected"
	TriggerExecuted             FSMTrigger = "Executed"
	TriggerErrorOccurred        FSMTrigger = "ErrorOccurred"
)

// TurnInput describes one user question entering the pipeline.
type TurnInput struct {
	Question string
	TopK     int
	Scope    string
	History  []HistoryTurn
}

// TurnOutcome is the terminal artifact of one pipeline run. Clarification
// and Execution are mutually exclusive. Degraded marks a turn that ran
// without grounding context because the embedding service was unavailable.
type TurnOutcome struct {
	State         string            `json:"state"`
	Plan          *Plan             `json:"plan,omitempty"`
	Candidate     *SQLCandidate     `json:"candidate,omitempty"`
	Validation    *ValidationResult `json:"validation,omitempty"`
	Execution     *ExecutionResult  `json:"execution,omitempty"`
	Clarification string            `json:"clarification,omitempty"`
	Degraded      bool              `json:"degraded,omitempty"`
}

// Orchestrator sequences retrieval, planning, drafting, review, and
// execution as a directed state machine with bounded retries. Every
// transition emits exactly one AgentMessage before the pipeline moves on.
type Orchestrator struct {
	retriever *Retriever
	planner   *Planner
	drafter   *Drafter
	reviewer  *Reviewer
	executor  *Executor
	schema    store.Metadata

	maxRetries  int
	planRetries int
}

func NewOrchestrator(retriever *Retriever, planner *Planner, drafter *Drafter, reviewer *Reviewer, executor *Executor, schema store.Metadata, maxRetries, planRetries int) *Orchestrator {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if planRetries <= 0 {
		planRetries = 2
	}
	return &Orchestrator{
		retriever:   retriever,
		planner:     planner,
		drafter:     drafter,
		reviewer:    reviewer,
		executor:    executor,
		schema:      schema,
		maxRetries:  maxRetries,
		planRetries: planRetries,
	}
}

// Run executes one turn. The returned error is the consolidated turn
// failure; intermediate detail is already in the emitted message trail.
func (o *Orchestrator) Run(ctx context.Context, sink MessageSink, input TurnInput) (TurnOutcome, error) {
	// Mutable turn state threaded through the FSM actions.
	type turnContext struct {
		docs         RetrievedContext
		plan         Plan
		planAttempts int
		candidate    SQLCandidate
		validation   ValidationResult
		allIssues    []Issue
		feedback     []Issue
		revision     int
		outcome      TurnOutcome
		lastError    error
	}
	tc := &turnContext{}

	fsm := stateless.NewStateMachine(StateRetrieving)

	emit := func(stage Stage, role, content string) bool {
		if _, err := sink.Emit(stage, role, content); err != nil {
			tc.lastError = err
			return false
		}
		return true
	}

	// fail routes any non-retryable error to the terminal Failed state.
	fail := func(ctx context.Context, err error) error {
		tc.lastError = err
		return fsm.FireCtx(ctx, TriggerErrorOccurred)
	}

	// cancelled stops the pipeline at the stage boundary; external calls are
	// never interrupted mid-flight by this check.
	cancelled := func(ctx context.Context) bool {
		return ctx.Err() != nil
	}

	fsm.Configure(StateRetrieving).
		PermitReentry(TriggerStart).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if cancelled(ctx) {
				return fail(ctx, ctx.Err())
			}
			docs, err := o.retriever.Retrieve(ctx, input.Question, input.TopK, input.Scope)
			switch {
			case errors.Is(err, ErrEmbeddingUnavailable):
				// Degraded context is allowed through; the turn proceeds
				// without grounding.
				tc.outcome.Degraded = true
				logger.L.Warn("continuing with degraded context", "error", err)
				if !emit(StageRetrieval, "retriever", "Context retrieval degraded: embedding service unavailable; continuing without grounding.") {
					return fsm.FireCtx(ctx, TriggerErrorOccurred)
				}
			case err != nil:
				return fail(ctx, err)
			default:
				tc.docs = docs
				if !emit(StageRetrieval, "retriever", renderRetrieval(docs)) {
					return fsm.FireCtx(ctx, TriggerErrorOccurred)
				}
			}
			return fsm.FireCtx(ctx, TriggerContextReady)
		}).
		Permit(TriggerContextReady, StatePlanning).
		Permit(TriggerErrorOccurred, StateFailed)

	fsm.Configure(StatePlanning).
		PermitReentry(TriggerPlanRetry).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if cancelled(ctx) {
				return fail(ctx, ctx.Err())
			}
			plan, err := o.planner.BuildPlan(ctx, input.Question, tc.docs, input.History)
			if err != nil {
				var parseErr *PlanParseError
				if errors.As(err, &parseErr) && tc.planAttempts < o.planRetries {
					tc.planAttempts++
					logger.L.Warn("plan output malformed, retrying", "attempt", tc.planAttempts, "error", err)
					if !emit(StagePlan, "planner", fmt.Sprintf("Planner output was malformed, retrying (attempt %d of %d).", tc.planAttempts, o.planRetries)) {
						return fsm.FireCtx(ctx, TriggerErrorOccurred)
					}
					return fsm.FireCtx(ctx, TriggerPlanRetry)
				}
				return fail(ctx, err)
			}
			tc.plan = plan
			tc.outcome.Plan = &tc.plan
			if plan.NeedsClarification {
				if !emit(StagePlan, "planner", "The question needs clarification before SQL can be drafted.") {
					return fsm.FireCtx(ctx, TriggerErrorOccurred)
				}
				return fsm.FireCtx(ctx, TriggerClarificationNeeded)
			}
			if !emit(StagePlan, "planner", renderPlan(plan)) {
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			return fsm.FireCtx(ctx, TriggerPlanReady)
		}).
		Permit(TriggerPlanReady, StateDrafting).
		Permit(TriggerClarificationNeeded, StateClarifying).
		Permit(TriggerErrorOccurred, StateFailed)

	fsm.Configure(StateClarifying).
		OnEntry(func(ctx context.Context, _ ...any) error {
			tc.outcome.Clarification = tc.plan.Clarification
			if !emit(StageClarify, "planner", tc.plan.Clarification) {
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			return fsm.FireCtx(ctx, TriggerClarificationEmitted)
		}).
		Permit(TriggerClarificationEmitted, StateDone).
		Permit(TriggerErrorOccurred, StateFailed)

	fsm.Configure(StateDrafting).
		PermitReentry(TriggerRejected).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if cancelled(ctx) {
				return fail(ctx, ctx.Err())
			}
			candidate, err := o.drafter.Draft(ctx, input.Question, tc.plan, tc.docs, tc.feedback, tc.revision)
			if err != nil {
				var parseErr *DraftParseError
				if errors.As(err, &parseErr) {
					issue := Issue{Kind: IssueDraftParse, Detail: "model returned no usable SQL"}
					tc.allIssues = append(tc.allIssues, issue)
					if !emit(StageDraft, "sql_agent", "Drafting produced no usable SQL.") {
						return fsm.FireCtx(ctx, TriggerErrorOccurred)
					}
					if tc.revision < o.maxRetries {
						tc.feedback = []Issue{issue}
						tc.revision++
						return fsm.FireCtx(ctx, TriggerRejected)
					}
					return fail(ctx, &ValidationError{Issues: tc.allIssues})
				}
				return fail(ctx, err)
			}
			tc.candidate = candidate
			tc.outcome.Candidate = &tc.candidate
			if !emit(StageDraft, "sql_agent", "```sql\n"+candidate.Text+"\n```") {
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			return fsm.FireCtx(ctx, TriggerCandidateReady)
		}).
		Permit(TriggerCandidateReady, StateReviewing).
		Permit(TriggerErrorOccurred, StateFailed)

	fsm.Configure(StateReviewing).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if cancelled(ctx) {
				return fail(ctx, ctx.Err())
			}
			result := o.reviewer.Review(ctx, tc.candidate, o.schema)
			tc.validation = result
			tc.outcome.Validation = &tc.validation
			if result.Accepted {
				if !emit(StageReview, "reviewer", fmt.Sprintf("Accepted revision %d (%d preview rows).", tc.candidate.Revision, len(result.Preview))) {
					return fsm.FireCtx(ctx, TriggerErrorOccurred)
				}
				return fsm.FireCtx(ctx, TriggerAccepted)
			}

			tc.allIssues = append(tc.allIssues, result.Issues...)
			if !emit(StageReview, "reviewer", fmt.Sprintf("Rejected revision %d:\n%s", tc.candidate.Revision, formatIssues(result.Issues))) {
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			if tc.candidate.Revision < o.maxRetries {
				tc.feedback = result.Issues
				tc.revision = tc.candidate.Revision + 1
				return fsm.FireCtx(ctx, TriggerRejected)
			}
			return fail(ctx, &ValidationError{Issues: tc.allIssues})
		}).
		Permit(TriggerAccepted, StateExecuting).
		Permit(TriggerRejected, StateDrafting).
		Permit(TriggerErrorOccurred, StateFailed)

	fsm.Configure(StateExecuting).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if cancelled(ctx) {
				return fail(ctx, ctx.Err())
			}
			result, err := o.executor.Execute(ctx, tc.candidate)
			if err != nil {
				return fail(ctx, err)
			}
			tc.outcome.Execution = &result
			if !emit(StageExecution, "executor", renderExecution(result)) {
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			return fsm.FireCtx(ctx, TriggerExecuted)
		}).
		Permit(TriggerExecuted, StateDone).
		Permit(TriggerErrorOccurred, StateFailed)

	fsm.Configure(StateDone)

	fsm.Configure(StateFailed).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if tc.lastError == nil {
				tc.lastError = errors.New("pipeline reached failed state without a specific error")
			}
			// Best effort: the sink may be the reason we are here.
			_, _ = sink.Emit(StageFailure, "system", userFacingError(tc.lastError))
			return nil
		})

	if err := fsm.FireCtx(ctx, TriggerStart); err != nil {
		logger.L.Error("pipeline fire error", "error", err)
		if tc.lastError == nil {
			tc.lastError = err
		}
	}

	state, err := fsm.State(ctx)
	if err != nil {
		return tc.outcome, fmt.Errorf("state machine error: %w", err)
	}
	tc.outcome.State = fmt.Sprintf("%v", state)

	if state == StateFailed {
		return tc.outcome, tc.lastError
	}
	return tc.outcome, nil
}

func renderRetrieval(docs RetrievedContext) string {
	if len(docs) == 0 {
		return noContextFallback
	}
	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		text := doc.Text
		if len(text) > 220 {
			// Back off to a rune boundary so the cut never splits UTF-8.
			cut := 220
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			text = strings.TrimSpace(text[:cut]) + "…"
		}
		parts = append(parts, fmt.Sprintf("- %s (score: %.4f; source: %d)", text, doc.Score, doc.SourceID))
	}
	return strings.Join(parts, "\n")
}

func renderPlan(plan Plan) string {
	data, err := json.Marshal(plan)
	if err != nil {
		return "plan unavailable"
	}
	return string(data)
}

func renderExecution(result ExecutionResult) string {
	suffix := ""
	if result.Truncated {
		suffix = " (truncated at row cap)"
	}
	return fmt.Sprintf("Returned %d rows, %d columns%s.", len(result.Rows), len(result.Columns), suffix)
}

// userFacingError maps internal failures to the structured kind plus a
// human-readable summary, never raw stack detail.
func userFacingError(err error) string {
	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr):
		return "The query could not be validated after all retries:\n" + formatIssues(validationErr.Issues)
	case errors.Is(err, ErrExecutionTimeout):
		return "The query timed out during execution."
	case errors.Is(err, ErrUnsafeStatement):
		return "The generated statement was rejected as unsafe."
	case errors.Is(err, ErrEmbeddingUnavailable):
		return "The embedding service is unavailable."
	case errors.Is(err, ErrConsumerTimeout):
		return "The session consumer stalled and the turn was aborted."
	case errors.Is(err, context.Canceled):
		return "The turn was cancelled."
	default:
		var planErr *PlanParseError
		if errors.As(err, &planErr) {
			return "The planner could not produce a usable plan."
		}
		return "The turn failed: " + err.Error()
	}
}
