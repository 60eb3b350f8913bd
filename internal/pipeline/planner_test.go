package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

// This mirrors llm.Client: a queue of canned responses.
type mockLLM struct {
	calls    []openai.ChatCompletionResponse
	chatErr  error
	requests []openai.ChatCompletionRequest

	embedding []float32
	embedErr  error
}

func (m *mockLLM) CreateChatCompletion(ctx context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.requests = append(m.requests, r)
	if m.chatErr != nil {
		return openai.ChatCompletionResponse{}, m.chatErr
	}
	if len(m.calls) == 0 {
		panic("mockLLM: no more responses configured")
	}
	resp := m.calls[0]
	m.calls = m.calls[1:]
	return resp, nil
}

func (m *mockLLM) CreateEmbeddings(ctx context.Context, r openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	if m.embedErr != nil {
		return openai.EmbeddingResponse{}, m.embedErr
	}
	return openai.EmbeddingResponse{
		Data: []openai.Embedding{{Embedding: m.embedding}},
	}, nil
}

func chatText(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
	}
}

func TestBuildPlan_ParsesJSON(t *testing.T) {
	client := &mockLLM{calls: []openai.ChatCompletionResponse{
		chatText(`{"tables":["employees","offices"],"joins":["employees.office_id = offices.id"],"filters":["offices.city = 'Lisbon'"],"aggregations":[],"needs_clarification":false}`),
	}}
	planner := NewPlanner(client, "gpt-4o-mini", 6)

	plan, err := planner.BuildPlan(context.Background(), "who works in Lisbon?", nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"employees", "offices"}, plan.Tables)
	require.Equal(t, []string{"employees.office_id = offices.id"}, plan.Joins)
	require.False(t, plan.NeedsClarification)
}

func TestBuildPlan_StripsJSONFence(t *testing.T) {
	client := &mockLLM{calls: []openai.ChatCompletionResponse{
		chatText("```json\n{\"tables\":[\"employees\"]}\n```"),
	}}
	planner := NewPlanner(client, "gpt-4o-mini", 6)

	plan, err := planner.BuildPlan(context.Background(), "list employees", nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"employees"}, plan.Tables)
}

func TestBuildPlan_ClarificationGetsDefaultText(t *testing.T) {
	client := &mockLLM{calls: []openai.ChatCompletionResponse{
		chatText(`{"tables":[],"needs_clarification":true}`),
	}}
	planner := NewPlanner(client, "gpt-4o-mini", 6)

	plan, err := planner.BuildPlan(context.Background(), "what about it?", nil, nil)
	require.NoError(t, err)
	require.True(t, plan.NeedsClarification)
	require.NotEmpty(t, plan.Clarification)
}

func TestBuildPlan_MalformedOutputIsParseError(t *testing.T) {
	client := &mockLLM{calls: []openai.ChatCompletionResponse{
		chatText("I think you need the employees table."),
	}}
	planner := NewPlanner(client, "gpt-4o-mini", 6)

	_, err := planner.BuildPlan(context.Background(), "list employees", nil, nil)
	var parseErr *PlanParseError
	require.ErrorAs(t, err, &parseErr)
	require.Contains(t, parseErr.Raw, "employees")
}

func TestBuildPlan_TransportErrorIsNotParseError(t *testing.T) {
	client := &mockLLM{chatErr: errors.New("connection refused")}
	planner := NewPlanner(client, "gpt-4o-mini", 6)

	_, err := planner.BuildPlan(context.Background(), "list employees", nil, nil)
	require.Error(t, err)
	var parseErr *PlanParseError
	require.False(t, errors.As(err, &parseErr))
}

func TestBuildPlan_HistoryEntersPrompt(t *testing.T) {
	client := &mockLLM{calls: []openai.ChatCompletionResponse{
		chatText(`{"tables":["employees"]}`),
	}}
	planner := NewPlanner(client, "gpt-4o-mini", 6)

	_, err := planner.BuildPlan(context.Background(), "and their salaries?", nil, []HistoryTurn{
		{Question: "who works in Lisbon?", Answer: "SELECT name FROM employees"},
	})
	require.NoError(t, err)
	require.Len(t, client.requests, 1)

	var found bool
	for _, msg := range client.requests[0].Messages {
		if msg.Role == openai.ChatMessageRoleUser &&
			strings.Contains(msg.Content, "Conversation so far:") &&
			strings.Contains(msg.Content, "who works in Lisbon?") {
			found = true
		}
	}
	require.True(t, found, "history window should be threaded into the prompt")
}
