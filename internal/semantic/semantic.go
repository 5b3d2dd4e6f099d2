// Package semantic stores concept-level knowledge, builds the concept graph
// implied by knowledge relationships, and merges near-duplicate entries.
package semantic

import (
	"context"
	"strings"
	"time"

	"github.com/nidhogg/nuka-mind/internal/memory"
)

// Knowledge is one semantic memory.
type Knowledge struct {
	ID                 string         `json:"id"`
	PersonaID          string         `json:"persona_id"`
	Domain             string         `json:"domain"`
	Concept            string         `json:"concept"`
	Content            memory.Payload `json:"content"`
	ConfidenceLevel    float64        `json:"confidence_level"`
	Source             string         `json:"source"`
	Relationships      []string       `json:"relationships"`
	ReinforcementCount int            `json:"reinforcement_count"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Config holds the semantic-memory tuning.
type Config struct {
	MergeThreshold      float64 `json:"merge_threshold"`
	ConceptWeight       float64 `json:"concept_weight"`
	ContentWeight       float64 `json:"content_weight"`
	MergeConfidenceStep float64 `json:"merge_confidence_step"`
	StrengthPerLink     float64 `json:"strength_per_link"`
	MaxLinkStrength     float64 `json:"max_link_strength"`
	DefaultDepth        int     `json:"default_depth"`
	SearchOverfetch     int     `json:"search_overfetch"`
}

// DefaultConfig returns the standard semantic constants.
func DefaultConfig() Config {
	return Config{
		MergeThreshold:      0.8,
		ConceptWeight:       0.7,
		ContentWeight:       0.3,
		MergeConfidenceStep: 0.05,
		StrengthPerLink:     0.1,
		MaxLinkStrength:     0.3,
		DefaultDepth:        2,
		SearchOverfetch:     3,
	}
}

// QueryOptions narrows QueryKnowledge.
type QueryOptions struct {
	Limit         int
	Domain        string
	MinConfidence float64
	Threshold     float64
}

// QueryResult is a search hit.
type QueryResult struct {
	Knowledge *Knowledge `json:"knowledge"`
	Score     float64    `json:"score"`
}

// Node is one knowledge item in the concept graph.
type Node struct {
	ID          string   `json:"id"`
	Concept     string   `json:"concept"`
	Domain      string   `json:"domain"`
	Strength    float64  `json:"strength"`
	Connections []string `json:"connections"`
}

// Graph is the concept adjacency implied by knowledge relationships.
type Graph struct {
	Nodes     []Node              `json:"nodes"`
	Adjacency map[string][]string `json:"adjacency"`
}

// GraphSink receives every freshly built graph, e.g. to mirror it into a
// graph database.
type GraphSink interface {
	SyncKnowledgeGraph(ctx context.Context, personaID string, g *Graph) error
}

// ConsolidationResult summarizes one ConsolidateKnowledge run.
type ConsolidationResult struct {
	Groups  int      `json:"groups"`
	Merged  []string `json:"merged"`
	Removed []string `json:"removed"`
}

// Similarity scores two knowledge items: an exact (case-insensitive)
// concept match weighted against the shared-word ratio of their content.
func Similarity(a, b *Knowledge, cfg Config) float64 {
	s := cfg.ContentWeight * memory.SharedWordRatio(a.Content.String(), b.Content.String())
	if strings.EqualFold(strings.TrimSpace(a.Concept), strings.TrimSpace(b.Concept)) {
		s += cfg.ConceptWeight
	}
	return s
}

// EmbeddingText is the deterministic text embedded for a knowledge item.
func EmbeddingText(k *Knowledge) string {
	parts := []string{k.Domain, k.Concept}
	if s := k.Content.String(); s != "" {
		parts = append(parts, s)
	}
	if len(k.Relationships) > 0 {
		parts = append(parts, "related: "+strings.Join(k.Relationships, ", "))
	}
	return strings.Join(parts, " | ")
}
