package llm

import (
	"context"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/genia-platform/nl2sql/internal/config"
	"github.com/genia-platform/nl2sql/internal/logger"
)

// NewClient creates a new OpenAI client
func NewClient(cfg config.LLMConfig) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(clientCfg)
}

// Retrying wraps a Client with a per-call timeout and a single automatic
// retry on transient failure. Callers always receive either a response or a
// final error; a timed-out call never blocks past its deadline.
type Retrying struct {
	inner            Client
	chatTimeout      time.Duration
	embeddingTimeout time.Duration
}

func NewRetrying(inner Client, chatTimeout, embeddingTimeout time.Duration) *Retrying {
	if chatTimeout <= 0 {
		chatTimeout = 30 * time.Second
	}
	if embeddingTimeout <= 0 {
		embeddingTimeout = 10 * time.Second
	}
	return &Retrying{inner: inner, chatTimeout: chatTimeout, embeddingTimeout: embeddingTimeout}
}

func (r *Retrying) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	resp, err := r.chatOnce(ctx, req)
	if err == nil || ctx.Err() != nil {
		return resp, err
	}
	logger.L.Warn("chat completion failed, retrying once", "error", err)
	return r.chatOnce(ctx, req)
}

func (r *Retrying) chatOnce(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.chatTimeout)
	defer cancel()
	return r.inner.CreateChatCompletion(callCtx, req)
}

func (r *Retrying) CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	resp, err := r.embedOnce(ctx, req)
	if err == nil || ctx.Err() != nil {
		return resp, err
	}
	logger.L.Warn("embedding call failed, retrying once", "error", err)
	return r.embedOnce(ctx, req)
}

func (r *Retrying) embedOnce(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.embeddingTimeout)
	defer cancel()
	return r.inner.CreateEmbeddings(callCtx, req)
}
