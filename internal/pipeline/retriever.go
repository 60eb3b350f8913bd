package pipeline

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/genia-platform/nl2sql/internal/llm"
	"github.com/genia-platform/nl2sql/internal/logger"
	"github.com/genia-platform/nl2sql/internal/store"
)

// VectorSearcher is the vector-store contract the retriever depends on.
type VectorSearcher interface {
	Nearest(ctx context.Context, embedding []float32, topK int, scope string) ([]store.Doc, error)
}

// Retriever embeds a question and ranks stored schema/context documents by
// similarity.
type Retriever struct {
	llm        llm.Client
	vectors    VectorSearcher
	model      string
	dimensions int

	defaultTopK int
	maxTopK     int
}

func NewRetriever(client llm.Client, vectors VectorSearcher, model string, dimensions, defaultTopK, maxTopK int) *Retriever {
	if defaultTopK <= 0 {
		defaultTopK = 3
	}
	if maxTopK < defaultTopK {
		maxTopK = defaultTopK
	}
	return &Retriever{
		llm:         client,
		vectors:     vectors,
		model:       model,
		dimensions:  dimensions,
		defaultTopK: defaultTopK,
		maxTopK:     maxTopK,
	}
}

// Retrieve returns up to topK grounding documents for the query. topK <= 0
// selects the configured default; values above the maximum are clamped so
// prompts stay bounded. Fewer documents than topK, including zero, is a
// normal result, never padded.
func (r *Retriever) Retrieve(ctx context.Context, queryText string, topK int, scope string) (RetrievedContext, error) {
	if topK <= 0 {
		topK = r.defaultTopK
	}
	if topK > r.maxTopK {
		topK = r.maxTopK
	}

	resp, err := r.llm.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{queryText},
		Model:      openai.EmbeddingModel(r.model),
		Dimensions: r.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: empty embedding response", ErrEmbeddingUnavailable)
	}

	docs, err := r.vectors.Nearest(ctx, resp.Data[0].Embedding, topK, scope)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	logger.L.Info("retrieved context documents", "count", len(docs), "top_k", topK, "scope", scope)

	result := make(RetrievedContext, 0, len(docs))
	for _, doc := range docs {
		result = append(result, ContextDoc{SourceID: doc.ID, Text: doc.Text, Score: doc.Score})
	}
	return result, nil
}
