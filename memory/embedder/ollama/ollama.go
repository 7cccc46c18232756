// Package ollama embeds text through a local Ollama server, which keeps
// the whole memory pipeline offline.
package ollama

import (
	"context"
	"fmt"

	"github.com/ollama/ollama/api"

	"github.com/becomeliminal/recall-go/memory"
)

var _ memory.Embedder = (*Embedder)(nil)

// Config configures the Ollama embedder.
type Config struct {
	// Model is the embedding model (default: nomic-embed-text).
	Model string

	// Dimensions is the vector size the model produces (default: 768,
	// matching nomic-embed-text).
	Dimensions int
}

// Embedder calls a local Ollama server.
type Embedder struct {
	client     *api.Client
	model      string
	dimensions int
}

// New creates an Ollama embedder. The server address comes from
// OLLAMA_HOST, falling back to the default local port.
func New(cfg Config) (*Embedder, error) {
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 768
	}
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	return &Embedder{
		client:     client,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

// Embed converts text to an embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings(ctx, &api.EmbeddingRequest{
		Model:  e.model,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embedding: %w", err)
	}

	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}
