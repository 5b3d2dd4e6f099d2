package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashProvider is a deterministic, offline embedder. Each lowercased word is
// hashed into a few dimensions, so texts sharing words score a high cosine
// similarity. Blank text yields the zero vector.
type HashProvider struct {
	dimension int
}

// NewHashProvider returns a HashProvider; non-positive dimensions default to 256.
func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = 256
	}
	return &HashProvider{dimension: dimension}
}

// Embed implements Provider.
func (p *HashProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.embed(t)
	}
	return out, nil
}

// Dimension implements Provider.
func (p *HashProvider) Dimension() int { return p.dimension }

func (p *HashProvider) embed(text string) []float32 {
	vec := make([]float32, p.dimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return vec
	}

	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		sum := h.Sum32()
		for i := uint32(0); i < 3; i++ {
			dim := (sum + i*2654435761) % uint32(p.dimension)
			vec[dim] += float32(math.Sin(float64(sum+i)*0.1) + 1.0)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec
}
