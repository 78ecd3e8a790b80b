package ingest

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangchainEmbedder implements Embedder over langchaingo's embeddings
// client, the same library the Agent Runner uses for chat completions,
// so a single SIBYL_LLM_API_KEY configures both. It targets whatever
// OpenAI-compatible embeddings endpoint is configured, rather than a
// single hardcoded vendor.
type LangchainEmbedder struct {
	client *embeddings.EmbedderImpl
	dimension int
}

// NewLangchainEmbedder builds an Embedder backed by an OpenAI-compatible
// embeddings endpoint. baseURL may point at a self-hosted/Ollama-style
// server; dimension must match the graph store's configured vector
// index width.
func NewLangchainEmbedder(apiKey, model, baseURL string, dimension int) (*LangchainEmbedder, error) {
	opts := []openai.Option{openai.WithEmbeddingModel(model)}
	if apiKey != "" {
		opts = append(opts, openai.WithToken(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("ingest: building embeddings client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("ingest: building embedder: %w", err)
	}
	return &LangchainEmbedder{client: embedder, dimension: dimension}, nil
}

func (e *LangchainEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := e.client.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ingest: embedding batch of %d texts: %w", len(texts), err)
	}
	return vectors, nil
}

func (e *LangchainEmbedder) Dimension() int { return e.dimension }
