package graph

import (
	"testing"

	"github.com/nidhogg/nuka-mind/internal/semantic"
)

func TestNodeParams(t *testing.T) {
	g := &semantic.Graph{Nodes: []semantic.Node{
		{ID: "k1", Concept: "addition", Domain: "math", Strength: 0.9},
	}}
	got := NodeParams(g)
	if len(got) != 1 || got[0]["id"] != "k1" || got[0]["concept"] != "addition" || got[0]["strength"] != 0.9 {
		t.Fatalf("got %v", got)
	}
}

func TestEdgeParams(t *testing.T) {
	g := &semantic.Graph{
		Nodes: []semantic.Node{
			{ID: "k1", Concept: "addition", Strength: 0.6},
			{ID: "k2", Concept: "addition", Strength: 0.8},
			{ID: "k3", Concept: "algebra", Strength: 0.5},
		},
		Adjacency: map[string][]string{
			"algebra":  {"addition"},
			"addition": {"subtraction", "", "addition", "algebra"},
		},
	}
	got := EdgeParams(g)
	want := [][3]any{
		{"addition", "algebra", 0.8},
		{"addition", "subtraction", 0.8},
		{"algebra", "addition", 0.5},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d edges, want %d: %v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i]["from"] != w[0] || got[i]["to"] != w[1] || got[i]["weight"] != w[2] {
			t.Fatalf("edge %d: got %v, want %v", i, got[i], w)
		}
	}
}

func TestEdgeParamsEmpty(t *testing.T) {
	if got := EdgeParams(&semantic.Graph{}); len(got) != 0 {
		t.Fatalf("got %v, want no edges", got)
	}
}

func TestProjectorImplementsSink(t *testing.T) {
	var _ semantic.GraphSink = (*Projector)(nil)
}
