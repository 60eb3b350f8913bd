package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/genia-platform/nl2sql/internal/llm"
	"github.com/genia-platform/nl2sql/internal/logger"
)

// Planner turns a question plus retrieved context and conversation history
// into a structured Plan, or a clarification request.
type Planner struct {
	llm           llm.Client
	model         string
	historyWindow int
}

func NewPlanner(client llm.Client, model string, historyWindow int) *Planner {
	return &Planner{llm: client, model: model, historyWindow: historyWindow}
}

// BuildPlan makes exactly one model call and parses the response into a
// Plan. Malformed model output yields a *PlanParseError; the orchestrator
// owns the bounded retry.
func (p *Planner) BuildPlan(ctx context.Context, question string, docs RetrievedContext, history []HistoryTurn) (Plan, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: plannerSystemPrompt},
	}
	if h := formatHistory(history, p.historyWindow); h != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: "Conversation so far:\n" + h,
		})
	}
	messages = append(messages,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: "User question: " + question},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: "Retrieved context:\n" + formatContext(docs)},
	)

	resp, err := p.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: messages,
	})
	if err != nil {
		return Plan{}, fmt.Errorf("plan completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Plan{}, &PlanParseError{Err: fmt.Errorf("empty completion choices")}
	}

	raw := stripCodeFences(resp.Choices[0].Message.Content)
	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return Plan{}, &PlanParseError{Raw: raw, Err: err}
	}
	if plan.NeedsClarification && strings.TrimSpace(plan.Clarification) == "" {
		plan.Clarification = "Could you rephrase the question? I could not map it to the known schema."
	}
	logger.L.Debug("plan built", "tables", plan.Tables, "needs_clarification", plan.NeedsClarification)
	return plan, nil
}
