package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/genia-platform/nl2sql/internal/config"
	"github.com/genia-platform/nl2sql/internal/history"
	"github.com/genia-platform/nl2sql/internal/llm"
	"github.com/genia-platform/nl2sql/internal/pipeline"
	"github.com/genia-platform/nl2sql/internal/store"
)

type scriptedLLM struct {
	calls []openai.ChatCompletionResponse
}

func (m *scriptedLLM) CreateChatCompletion(ctx context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if len(m.calls) == 0 {
		panic("scriptedLLM: no more responses configured")
	}
	resp := m.calls[0]
	m.calls = m.calls[1:]
	return resp, nil
}

func (m *scriptedLLM) CreateEmbeddings(ctx context.Context, r openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	return openai.EmbeddingResponse{Data: []openai.Embedding{{Embedding: []float32{0.1}}}}, nil
}

type stubSearcher struct{}

func (stubSearcher) Nearest(ctx context.Context, embedding []float32, topK int, scope string) ([]store.Doc, error) {
	return []store.Doc{{ID: 1, Text: "employees(id, name)", Score: 0.9}}, nil
}

type stubRunner struct{}

func (stubRunner) DryRun(ctx context.Context, sqlText string, limit int) ([]string, [][]any, error) {
	return []string{"name"}, [][]any{{"Ada"}}, nil
}

func (stubRunner) Execute(ctx context.Context, sqlText string, maxRows int) ([]string, [][]any, bool, error) {
	return []string{"name"}, [][]any{{"Ada"}, {"Grace"}}, false, nil
}

func scripted(contents ...string) *scriptedLLM {
	m := &scriptedLLM{}
	for _, c := range contents {
		m.calls = append(m.calls, openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: c}}},
		})
	}
	return m
}

func testOrchestrator(client llm.Client) *pipeline.Orchestrator {
	schema := store.Metadata{Tables: map[string]store.Table{
		"employees": {Name: "employees", Columns: []store.Column{{Name: "id"}, {Name: "name"}}},
	}}
	return pipeline.NewOrchestrator(
		pipeline.NewRetriever(client, stubSearcher{}, "text-embedding-3-large", 1536, 3, 10),
		pipeline.NewPlanner(client, "gpt-4o-mini", 6),
		pipeline.NewDrafter(client, "gpt-4o-mini"),
		pipeline.NewReviewer(stubRunner{}, 5, time.Second),
		pipeline.NewExecutor(stubRunner{}, 500, time.Second),
		schema,
		3,
		2,
	)
}

func TestStartTurn_StreamsMessagesAndRecordsHistory(t *testing.T) {
	audit := history.Open(filepath.Join(t.TempDir(), "audit.db"))
	defer audit.Close()
	m := NewManager(config.SessionConfig{Buffer: 32, ConsumerTimeout: time.Second}, audit)
	s := m.Create()

	client := scripted(
		`{"tables":["employees"]}`,
		"SELECT name FROM employees",
	)
	runner := NewRunner(m, testOrchestrator(client))

	outcome, err := runner.StartTurn(context.Background(), s.ID, "who is there?", 0, "")
	require.NoError(t, err)
	require.Equal(t, "Done", outcome.State)
	require.NotNil(t, outcome.Execution)

	// All five stage messages are buffered on the session stream, in order.
	var msgs []pipeline.AgentMessage
	for len(msgs) < 5 {
		select {
		case msg := <-s.Messages():
			msgs = append(msgs, msg)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for messages, got %d", len(msgs))
		}
	}
	for i, msg := range msgs {
		require.Equal(t, uint64(i+1), msg.Seq)
	}
	require.Equal(t, pipeline.StageExecution, msgs[4].Stage)

	// The turn lands in session history for later prompts.
	turns := s.History()
	require.Len(t, turns, 1)
	require.Equal(t, "who is there?", turns[0].Question)
	require.Equal(t, "SELECT name FROM employees", turns[0].Answer)

	// And in the audit log for replay.
	records := audit.Replay(s.ID.String())
	require.Len(t, records, 5)
	require.Equal(t, "retrieval", records[0].Stage)
}

func TestStartTurn_UnknownSession(t *testing.T) {
	audit := history.Open(filepath.Join(t.TempDir(), "audit.db"))
	defer audit.Close()
	m := NewManager(config.SessionConfig{}, audit)
	runner := NewRunner(m, testOrchestrator(scripted()))

	_, err := runner.StartTurn(context.Background(), uuid.New(), "q", 0, "")
	require.Error(t, err)
}

// gatedLLM blocks the first chat call until released, holding its turn
// mid-flight.
type gatedLLM struct {
	entered chan struct{}
	release chan struct{}
	inner   *scriptedLLM
	gated   bool
}

func (g *gatedLLM) CreateChatCompletion(ctx context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if !g.gated {
		g.gated = true
		g.entered <- struct{}{}
		<-g.release
	}
	return g.inner.CreateChatCompletion(ctx, r)
}

func (g *gatedLLM) CreateEmbeddings(ctx context.Context, r openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	return g.inner.CreateEmbeddings(ctx, r)
}

// Turns are serialized per session: while one pipeline is running, a second
// StartTurn must be rejected so only one candidate is ever live.
func TestStartTurn_ConcurrentTurnRejected(t *testing.T) {
	audit := history.Open(filepath.Join(t.TempDir(), "audit.db"))
	defer audit.Close()
	m := NewManager(config.SessionConfig{Buffer: 32, ConsumerTimeout: time.Second}, audit)
	s := m.Create()

	gate := &gatedLLM{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		inner: scripted(
			`{"tables":["employees"]}`,
			"SELECT name FROM employees",
			`{"tables":["employees"]}`,
			"SELECT id FROM employees",
		),
	}
	runner := NewRunner(m, testOrchestrator(gate))

	firstDone := make(chan error, 1)
	go func() {
		_, err := runner.StartTurn(context.Background(), s.ID, "who is there?", 0, "")
		firstDone <- err
	}()
	<-gate.entered // first turn is mid model call

	_, err := runner.StartTurn(context.Background(), s.ID, "and also this?", 0, "")
	require.ErrorIs(t, err, ErrTurnInProgress)

	close(gate.release)
	require.NoError(t, <-firstDone)

	// The rejected turn left no trace: only the first turn's messages and
	// history exist.
	require.Len(t, s.History(), 1)
	require.Equal(t, "who is there?", s.History()[0].Question)

	// With the first turn finished the session accepts a new one.
	outcome, err := runner.StartTurn(context.Background(), s.ID, "one more", 0, "")
	require.NoError(t, err)
	require.Equal(t, "Done", outcome.State)
}

// A cancelled session stops the pipeline at the next stage boundary.
func TestStartTurn_CancelledSessionStopsTurn(t *testing.T) {
	audit := history.Open(filepath.Join(t.TempDir(), "audit.db"))
	defer audit.Close()
	m := NewManager(config.SessionConfig{Buffer: 32, ConsumerTimeout: time.Second}, audit)
	s := m.Create()
	s.Cancel()

	runner := NewRunner(m, testOrchestrator(scripted()))
	outcome, err := runner.StartTurn(context.Background(), s.ID, "who is there?", 0, "")
	require.Error(t, err)
	require.Equal(t, "Failed", outcome.State)
}
