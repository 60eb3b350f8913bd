package session

import (
	"context"

	"github.com/google/uuid"

	"github.com/genia-platform/nl2sql/internal/logger"
	"github.com/genia-platform/nl2sql/internal/pipeline"
)

// Runner is the transport-facing entry point: it resolves a session, runs
// one pipeline turn against it, and records the turn in the session history.
type Runner struct {
	manager *Manager
	orch    *pipeline.Orchestrator
}

func NewRunner(manager *Manager, orch *pipeline.Orchestrator) *Runner {
	return &Runner{manager: manager, orch: orch}
}

// StartTurn runs one question-to-result cycle. Messages stream through the
// session channel while the turn runs; the outcome is the terminal artifact.
// Turns within a session are serialized: starting one while another is
// running fails with ErrTurnInProgress. Cancelling ctx or the session stops
// the pipeline at the next stage boundary.
func (r *Runner) StartTurn(ctx context.Context, sessionID uuid.UUID, question string, topK int, scope string) (pipeline.TurnOutcome, error) {
	s, err := r.manager.Get(sessionID)
	if err != nil {
		return pipeline.TurnOutcome{}, err
	}
	if err := s.beginTurn(); err != nil {
		return pipeline.TurnOutcome{}, err
	}
	defer s.endTurn()
	s.touch()

	runCtx, cancel := context.WithCancel(s.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	outcome, runErr := r.orch.Run(runCtx, s, pipeline.TurnInput{
		Question: question,
		TopK:     topK,
		Scope:    scope,
		History:  s.History(),
	})

	answer := summarizeOutcome(outcome, runErr)
	s.RecordTurn(question, answer)
	if runErr != nil {
		logger.WithSession(sessionID.String()).Warn("turn failed", "error", runErr)
	}
	return outcome, runErr
}

// ContinueTurn feeds the user's answer to a clarification request back into
// the pipeline as a continuation of the same session history, not a new
// session.
func (r *Runner) ContinueTurn(ctx context.Context, sessionID uuid.UUID, answer string, topK int, scope string) (pipeline.TurnOutcome, error) {
	return r.StartTurn(ctx, sessionID, answer, topK, scope)
}

// summarizeOutcome is what later prompts see as the assistant side of a turn.
func summarizeOutcome(outcome pipeline.TurnOutcome, err error) string {
	switch {
	case outcome.Clarification != "":
		return outcome.Clarification
	case outcome.Candidate != nil && err == nil:
		return outcome.Candidate.Text
	case err != nil:
		return "turn failed"
	default:
		return ""
	}
}
