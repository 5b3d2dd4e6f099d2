package embedding

import (
	"context"
	"fmt"
	"sync"
)

// APIProvider implements Provider using an OpenAI-compatible embeddings API.
type APIProvider struct {
	endpoint   string
	model      string
	apiKey     string
	dimension  int
	maxRetries uint64

	mu      sync.RWMutex
	dimSeen int
}

// NewAPIProvider creates a new APIProvider from the given Config.
func NewAPIProvider(cfg Config) *APIProvider {
	return &APIProvider{
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		dimension:  cfg.Dimension,
		maxRetries: cfg.MaxRetries,
	}
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiEmbeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type apiResponse struct {
	Data []apiEmbeddingData `json:"data"`
}

// Embed sends texts to the OpenAI-compatible endpoint and returns embeddings
// in input order.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var result apiResponse
	req := apiRequest{Model: p.model, Input: texts}
	if err := postJSON(ctx, p.endpoint+"/embeddings", p.apiKey, p.maxRetries, req, &result); err != nil {
		return nil, err
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d embeddings for %d inputs", len(result.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for i, d := range result.Data {
		pos := d.Index
		if pos < 0 || pos >= len(texts) || embeddings[pos] != nil {
			pos = i
		}
		embeddings[pos] = d.Embedding
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
func (p *APIProvider) Dimension() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.dimSeen > 0 {
		return p.dimSeen
	}
	return p.dimension
}
