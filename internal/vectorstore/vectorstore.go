// Package vectorstore stores embedding vectors keyed by the id of the memory
// that owns them and answers filtered cosine-similarity queries.
package vectorstore

import (
	"context"
	"sort"

	"github.com/nidhogg/nuka-mind/internal/apperr"
	"github.com/nidhogg/nuka-mind/internal/embedding"
)

// Metadata keys understood by filters.
const (
	KeyType      = "type"
	KeyPersonaID = "persona_id"
	KeyDomain    = "domain"
)

// Memory types stored under KeyType.
const (
	TypeEpisodic   = "episodic"
	TypeSemantic   = "semantic"
	TypeProcedural = "procedural"
)

// DefaultThreshold is the minimum similarity returned by Search when the
// caller does not pick one.
const DefaultThreshold = 0.7

// NoThreshold disables similarity filtering in SearchOptions.
const NoThreshold = -2.0

var filterKeys = map[string]bool{
	KeyType:      true,
	KeyPersonaID: true,
	KeyDomain:    true,
}

// Metadata is the small tagged map attached to every entry.
type Metadata map[string]string

// Filter restricts a query to entries whose metadata equals every pair.
// Only KeyType, KeyPersonaID and KeyDomain are accepted.
type Filter map[string]string

// Validate rejects keys outside the allow-list.
func (f Filter) Validate() error {
	for k := range f {
		if !filterKeys[k] {
			return apperr.Invalid("filter", "unsupported key %q", k)
		}
	}
	return nil
}

// Entry is one stored vector. Its ID is shared with the owning memory row.
type Entry struct {
	ID        string
	Embedding []float32
	Metadata  Metadata
}

// Match is a search hit.
type Match struct {
	ID       string   `json:"id"`
	Score    float64  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// SearchOptions tunes Search. A zero Threshold means DefaultThreshold;
// NoThreshold returns every candidate.
type SearchOptions struct {
	Limit     int
	Threshold float64
	Filter    Filter
}

func (o SearchOptions) threshold(def float64) float64 {
	switch {
	case o.Threshold == NoThreshold:
		return -1
	case o.Threshold == 0:
		return def
	}
	return o.Threshold
}

// Index is the contract every vector backend satisfies.
type Index interface {
	Upsert(ctx context.Context, e Entry) error
	// UpsertBatch stores all entries or none.
	UpsertBatch(ctx context.Context, entries []Entry) error
	Search(ctx context.Context, query []float32, opts SearchOptions) ([]Match, error)
	Delete(ctx context.Context, id string) error
	DeleteByFilter(ctx context.Context, f Filter) (int, error)
	Count(ctx context.Context, f Filter) (int, error)
}

type candidate struct {
	id       string
	vec      []float32
	metadata Metadata
}

// rank scores every candidate against query, drops scores below threshold,
// sorts by descending score (ties by id) and truncates to limit.
func rank(query []float32, cands []candidate, threshold float64, limit int) []Match {
	out := make([]Match, 0, len(cands))
	for _, c := range cands {
		s := embedding.Cosine(query, c.vec)
		if s < threshold {
			continue
		}
		out = append(out, Match{ID: c.id, Score: s, Metadata: c.metadata})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Transactional is implemented by indexes whose writes join the relational
// transaction carried by the context.
type Transactional interface {
	Transactional() bool
}
