package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/nuka-mind/internal/apperr"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider    string `json:"provider"` // "api", "local" or "hash"
	Endpoint    string `json:"endpoint"`
	Model       string `json:"model"`
	APIKey      string `json:"api_key"`
	Dimension   int    `json:"dimension"`
	BatchSize   int    `json:"batch_size"`
	Parallelism int    `json:"parallelism"`
	MaxRetries  uint64 `json:"max_retries"`
	CacheSize   int64  `json:"cache_size"` // 0 disables the cache
}

// DefaultConfig returns an offline configuration backed by HashProvider.
func DefaultConfig() Config {
	return Config{
		Provider:    "hash",
		Dimension:   256,
		BatchSize:   10,
		Parallelism: 2,
		MaxRetries:  3,
	}
}

// NewProvider builds the provider named by cfg.Provider, wrapped in a
// cache when cfg.CacheSize is positive.
func NewProvider(cfg Config, logger *zap.Logger) (Provider, error) {
	var p Provider
	switch cfg.Provider {
	case "api":
		p = NewAPIProvider(cfg)
	case "local":
		p = NewLocalProvider(cfg)
	case "", "hash":
		p = NewHashProvider(cfg.Dimension)
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}
	if cfg.CacheSize > 0 {
		cached, err := NewCachedProvider(p, cfg.CacheSize, logger)
		if err != nil {
			return nil, err
		}
		p = cached
	}
	return p, nil
}

// Batcher splits embedding work into fixed-size batches and runs them with
// bounded parallelism. Blank texts get a zero vector without a provider call.
type Batcher struct {
	provider    Provider
	batchSize   int
	parallelism int
}

// NewBatcher wraps p. Non-positive sizes fall back to 10 texts per batch and
// a parallelism of 1.
func NewBatcher(p Provider, batchSize, parallelism int) *Batcher {
	if batchSize <= 0 {
		batchSize = 10
	}
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Batcher{provider: p, batchSize: batchSize, parallelism: parallelism}
}

// Provider returns the wrapped provider.
func (b *Batcher) Provider() Provider { return b.provider }

// EmbedOne embeds a single text.
func (b *Batcher) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := b.EmbedAll(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedAll returns one vector per input text, in input order. Errors are
// classified as apperr.ErrEmbedding.
func (b *Batcher) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	pending := make([]int, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			out[i] = make([]float32, b.provider.Dimension())
			continue
		}
		pending = append(pending, i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallelism)
	for start := 0; start < len(pending); start += b.batchSize {
		idx := pending[start:min(start+b.batchSize, len(pending))]
		g.Go(func() error {
			batch := make([]string, len(idx))
			for j, i := range idx {
				batch[j] = texts[i]
			}
			vecs, err := b.provider.Embed(gctx, batch)
			if err != nil {
				return err
			}
			if len(vecs) != len(batch) {
				return fmt.Errorf("got %d vectors for %d texts", len(vecs), len(batch))
			}
			for j, i := range idx {
				out[i] = vecs[j]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, apperr.Embedding("embed texts", err)
	}
	return out, nil
}

// Cosine returns the cosine similarity of a and b clamped to [-1,1].
// Vectors of different length or with zero norm score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	case math.IsNaN(s):
		return 0
	}
	return s
}
