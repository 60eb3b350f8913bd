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

// Drafter turns a plan into a candidate SQL statement. Read-only enforcement
// belongs to the reviewer; the drafter only instructs the model against
// mutating statements.
type Drafter struct {
	llm   llm.Client
	model string
}

func NewDrafter(client llm.Client, model string) *Drafter {
	return &Drafter{llm: client, model: model}
}

// Draft produces the candidate for the given revision. priorIssues is empty
// on the first attempt and carries the previous reviewer verdict on retries.
func (d *Drafter) Draft(ctx context.Context, question string, plan Plan, docs RetrievedContext, priorIssues []Issue, revision int) (SQLCandidate, error) {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return SQLCandidate{}, fmt.Errorf("marshal plan: %w", err)
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: drafterSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: "Original question: " + question},
		{Role: openai.ChatMessageRoleUser, Content: "Planning notes:\n" + string(planJSON)},
		{Role: openai.ChatMessageRoleUser, Content: "Retrieved context:\n" + formatContext(docs)},
	}
	if len(priorIssues) > 0 {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: "Your previous attempt was rejected. Fix these issues:\n" + formatIssues(priorIssues),
		})
	}

	resp, err := d.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    d.model,
		Messages: messages,
	})
	if err != nil {
		return SQLCandidate{}, fmt.Errorf("draft completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return SQLCandidate{}, &DraftParseError{}
	}

	sqlText := stripCodeFences(stripTermination(resp.Choices[0].Message.Content))
	if strings.TrimSpace(sqlText) == "" {
		return SQLCandidate{}, &DraftParseError{Raw: resp.Choices[0].Message.Content}
	}

	logger.L.Debug("drafted candidate", "revision", revision)
	return SQLCandidate{Text: sqlText, Revision: revision, Plan: plan}, nil
}
