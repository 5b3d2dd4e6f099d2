package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
)

// CachedProvider memoizes embeddings by exact text in a ristretto cache.
type CachedProvider struct {
	inner  Provider
	cache  *ristretto.Cache
	logger *zap.Logger
}

// NewCachedProvider wraps inner with a cache holding roughly maxEntries vectors.
func NewCachedProvider(inner Provider, maxEntries int64, logger *zap.Logger) (*CachedProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: create cache: %w", err)
	}
	return &CachedProvider{inner: inner, cache: cache, logger: logger}, nil
}

// Embed serves hits from the cache and forwards only the misses.
func (p *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	var (
		missIdx   []int
		missTexts []string
	)
	for i, t := range texts {
		if v, ok := p.cache.Get(t); ok {
			out[i] = v.([]float32)
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := p.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d texts", len(vecs), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		p.cache.Set(missTexts[j], vecs[j], 1)
	}
	p.logger.Debug("Embedding cache", zap.Int("hits", len(texts)-len(missTexts)), zap.Int("misses", len(missTexts)))
	return out, nil
}

// Dimension implements Provider.
func (p *CachedProvider) Dimension() int { return p.inner.Dimension() }

// Wait blocks until pending cache writes are visible.
func (p *CachedProvider) Wait() { p.cache.Wait() }

// Close releases the cache.
func (p *CachedProvider) Close() { p.cache.Close() }
