package ai

import (
	"context"
	"errors"
	"fmt"

	"invoqa/internal/config"

	openaiembed "github.com/cloudwego/eino-ext/components/embedding/openai"
	"github.com/cloudwego/eino/components/embedding"
)

// Embedder turns text into a fixed-dimension vector. The pipeline requires
// it to be stable across calls so similarity queries don't drift within a
// session.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

type embedderService struct {
	embedder embedding.Embedder
}

// NewEmbedderService builds an embedder against an OpenAI-compatible
// embedding endpoint.
func NewEmbedderService(ctx context.Context, provCfg config.ProviderConfig) (Embedder, error) {
	if provCfg.EmbeddingModel == "" {
		return nil, errors.New("embedding_model must be configured")
	}
	emb, err := openaiembed.NewEmbedder(ctx, &openaiembed.EmbeddingConfig{
		BaseURL: provCfg.BaseURL,
		APIKey:  provCfg.APIKey,
		Model:   provCfg.EmbeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	return &embedderService{embedder: emb}, nil
}

func (s *embedderService) Embed(ctx context.Context, text string) ([]float64, error) {
	vectors, err := s.embedder.EmbedStrings(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, errors.New("embedding service returned empty vector")
	}
	return vectors[0], nil
}
