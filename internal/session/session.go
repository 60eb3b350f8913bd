package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genia-platform/nl2sql/internal/history"
	"github.com/genia-platform/nl2sql/internal/logger"
	"github.com/genia-platform/nl2sql/internal/pipeline"
)

// ErrTurnInProgress marks an attempt to start a turn on a session that is
// already running one. Turns within a session are strictly serialized.
var ErrTurnInProgress = errors.New("another turn is already running in this session")

// Session is one conversation, owned by the Manager for its lifetime. It is
// the single writer of its message stream: sequence numbers are assigned
// here and are strictly increasing and gapless.
type Session struct {
	ID uuid.UUID

	turnMu sync.Mutex

	mu         sync.Mutex
	seq        uint64
	turns      []pipeline.HistoryTurn
	lastActive time.Time
	closed     bool

	msgs    chan pipeline.AgentMessage
	sending sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	audit           *history.Log
	consumerTimeout time.Duration
}

// Messages is the ordered stream consumed by the transport layer. It is
// closed when the session is torn down.
func (s *Session) Messages() <-chan pipeline.AgentMessage {
	return s.msgs
}

// Context is cancelled when the session is aborted or torn down.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Cancel is the cancellation hook for transports: the orchestrator stops at
// the next stage boundary, never mid external call.
func (s *Session) Cancel() {
	s.cancel()
}

// Emit implements pipeline.MessageSink. It blocks at most the configured
// backpressure limit on a slow consumer, then fails with ErrConsumerTimeout.
func (s *Session) Emit(stage pipeline.Stage, role, content string) (pipeline.AgentMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return pipeline.AgentMessage{}, fmt.Errorf("session %s is closed", s.ID)
	}
	s.seq++
	msg := pipeline.AgentMessage{
		Stage:     stage,
		Role:      role,
		Content:   content,
		Seq:       s.seq,
		Timestamp: time.Now().UTC(),
	}
	s.lastActive = msg.Timestamp
	s.sending.Add(1)
	s.mu.Unlock()
	defer s.sending.Done()

	timer := time.NewTimer(s.consumerTimeout)
	defer timer.Stop()
	select {
	case s.msgs <- msg:
	case <-timer.C:
		logger.WithSession(s.ID.String()).Warn("message consumer stalled, dropping session")
		s.cancel()
		return pipeline.AgentMessage{}, pipeline.ErrConsumerTimeout
	case <-s.ctx.Done():
		return pipeline.AgentMessage{}, s.ctx.Err()
	}

	s.audit.Append(history.Record{
		SessionID: s.ID.String(),
		Stage:     string(stage),
		Role:      role,
		Content:   content,
		Seq:       msg.Seq,
		CreatedAt: msg.Timestamp,
	})
	return msg, nil
}

// History returns a copy of the recorded turns, oldest first.
func (s *Session) History() []pipeline.HistoryTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pipeline.HistoryTurn, len(s.turns))
	copy(out, s.turns)
	return out
}

// RecordTurn appends one completed question/answer pair.
func (s *Session) RecordTurn(question, answer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, pipeline.HistoryTurn{Question: question, Answer: answer})
	s.lastActive = time.Now().UTC()
}

// beginTurn reserves the session for one turn so at most one candidate is
// live per session at any time.
func (s *Session) beginTurn() error {
	if !s.turnMu.TryLock() {
		return ErrTurnInProgress
	}
	return nil
}

func (s *Session) endTurn() {
	s.turnMu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive.Before(cutoff)
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	// Wait out any in-flight Emit before closing the stream; cancellation
	// above unblocks it.
	s.sending.Wait()
	close(s.msgs)
}
