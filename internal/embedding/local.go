package embedding

import (
	"context"
	"sync"
)

// LocalProvider implements Provider using an Ollama-compatible embeddings API.
type LocalProvider struct {
	endpoint   string
	model      string
	dimension  int
	maxRetries uint64

	mu      sync.RWMutex
	dimSeen int
}

// NewLocalProvider creates a new LocalProvider from the given Config.
func NewLocalProvider(cfg Config) *LocalProvider {
	return &LocalProvider{
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		maxRetries: cfg.MaxRetries,
	}
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed sends each text to the Ollama-compatible endpoint and returns embeddings.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for _, text := range texts {
		var result localResponse
		req := localRequest{Model: p.model, Prompt: text}
		if err := postJSON(ctx, p.endpoint+"/api/embeddings", "", p.maxRetries, req, &result); err != nil {
			return nil, err
		}
		embeddings = append(embeddings, result.Embedding)
	}

	if len(embeddings[0]) > 0 {
		p.mu.Lock()
		if p.dimSeen == 0 {
			p.dimSeen = len(embeddings[0])
		}
		p.mu.Unlock()
	}
	return embeddings, nil
}

// Dimension returns the embedding vector dimension.
// It returns the dimension observed on the first result, or the configured default.
func (p *LocalProvider) Dimension() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.dimSeen > 0 {
		return p.dimSeen
	}
	return p.dimension
}
