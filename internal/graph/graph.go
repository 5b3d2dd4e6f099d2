// Package graph mirrors semantic knowledge graphs into Neo4j and answers
// concept traversals from there.
package graph

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/semantic"
)

// Projector writes knowledge graphs to Neo4j. It implements
// semantic.GraphSink.
type Projector struct {
	driver   neo4j.DriverWithContext
	database string
	owned    bool
	logger   *zap.Logger
}

// NewProjector connects to Neo4j.
func NewProjector(uri, user, password, database string, logger *zap.Logger) (*Projector, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	p := NewProjectorFromDriver(driver, database, logger)
	p.owned = true
	return p, nil
}

// NewProjectorFromDriver wraps an existing driver. Close leaves it open.
func NewProjectorFromDriver(driver neo4j.DriverWithContext, database string, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{driver: driver, database: database, logger: logger}
}

// Close shuts down the driver when the projector created it.
func (p *Projector) Close(ctx context.Context) error {
	if !p.owned {
		return nil
	}
	return p.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (p *Projector) Ping(ctx context.Context) error {
	return p.driver.VerifyConnectivity(ctx)
}

func (p *Projector) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return p.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: p.database})
}

var schema = []string{
	`CREATE CONSTRAINT knowledge_id IF NOT EXISTS FOR (k:Knowledge) REQUIRE k.id IS UNIQUE`,
	`CREATE INDEX concept_name IF NOT EXISTS FOR (c:Concept) ON (c.persona_id, c.name)`,
}

// EnsureSchema creates the constraints and indexes the projection relies on.
func (p *Projector) EnsureSchema(ctx context.Context) error {
	session := p.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	for _, stmt := range schema {
		res, err := session.Run(ctx, stmt, nil)
		if err != nil {
			return fmt.Errorf("neo4j schema: %w", err)
		}
		if _, err := res.Consume(ctx); err != nil {
			return fmt.Errorf("neo4j schema: %w", err)
		}
	}
	return nil
}

const (
	upsertNodes = `
		UNWIND $nodes AS n
		MERGE (k:Knowledge {id: n.id})
		SET k.persona_id = $personaId, k.concept = n.concept,
		    k.domain = n.domain, k.strength = n.strength
		MERGE (c:Concept {persona_id: $personaId, name: n.concept})
		MERGE (k)-[:ABOUT]->(c)`
	upsertEdges = `
		UNWIND $edges AS e
		MERGE (a:Concept {persona_id: $personaId, name: e.from})
		MERGE (b:Concept {persona_id: $personaId, name: e.to})
		MERGE (a)-[r:RELATED_TO]->(b)
		SET r.weight = e.weight`
	pruneNodes = `
		MATCH (k:Knowledge {persona_id: $personaId})
		WHERE NOT k.id IN $ids
		DETACH DELETE k`
	pruneEdges = `
		MATCH (a:Concept {persona_id: $personaId})-[r:RELATED_TO]->(b:Concept)
		WHERE NOT [a.name, b.name] IN $pairs
		DELETE r`
)

// SyncKnowledgeGraph replaces the persona's projection with g in one write
// transaction.
func (p *Projector) SyncKnowledgeGraph(ctx context.Context, personaID string, g *semantic.Graph) error {
	nodes := NodeParams(g)
	edges := EdgeParams(g)
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n["id"].(string))
	}
	pairs := make([][]string, 0, len(edges))
	for _, e := range edges {
		pairs = append(pairs, []string{e["from"].(string), e["to"].(string)})
	}

	session := p.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		steps := []struct {
			cypher string
			params map[string]any
		}{
			{upsertNodes, map[string]any{"personaId": personaID, "nodes": nodes}},
			{upsertEdges, map[string]any{"personaId": personaID, "edges": edges}},
			{pruneNodes, map[string]any{"personaId": personaID, "ids": ids}},
			{pruneEdges, map[string]any{"personaId": personaID, "pairs": pairs}},
		}
		for _, s := range steps {
			res, err := tx.Run(ctx, s.cypher, s.params)
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("sync knowledge graph: %w", err)
	}
	p.logger.Debug("Knowledge graph projected",
		zap.String("persona", personaID),
		zap.Int("nodes", len(nodes)),
		zap.Int("edges", len(edges)))
	return nil
}

// NodeParams flattens graph nodes into Cypher parameters.
func NodeParams(g *semantic.Graph) []map[string]any {
	out := make([]map[string]any, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		out = append(out, map[string]any{
			"id":       n.ID,
			"concept":  n.Concept,
			"domain":   n.Domain,
			"strength": n.Strength,
		})
	}
	return out
}

// EdgeParams flattens the adjacency into concept edges, sorted by endpoint.
// An edge weighs the strongest node of its source concept.
func EdgeParams(g *semantic.Graph) []map[string]any {
	strength := map[string]float64{}
	for _, n := range g.Nodes {
		strength[n.Concept] = max(strength[n.Concept], n.Strength)
	}
	froms := make([]string, 0, len(g.Adjacency))
	for from := range g.Adjacency {
		froms = append(froms, from)
	}
	sort.Strings(froms)

	out := []map[string]any{}
	for _, from := range froms {
		tos := append([]string(nil), g.Adjacency[from]...)
		sort.Strings(tos)
		for _, to := range tos {
			if to == "" || to == from {
				continue
			}
			out = append(out, map[string]any{"from": from, "to": to, "weight": strength[from]})
		}
	}
	return out
}

// Related is a concept reached from a traversal start.
type Related struct {
	Concept string  `json:"concept"`
	Hops    int     `json:"hops"`
	Weight  float64 `json:"weight"`
}

// Related walks RELATED_TO edges in either direction from concept, up to
// depth hops, returning each reached concept once at its shortest distance.
// Path weight is the product of edge weights.
func (p *Projector) Related(ctx context.Context, personaID, concept string, depth, limit int) ([]Related, error) {
	if depth <= 0 {
		depth = 2
	}
	if limit <= 0 {
		limit = 50
	}
	query := `
		MATCH path = (start:Concept {persona_id: $personaId, name: $concept})
		      -[:RELATED_TO*1..` + strconv.Itoa(depth) + `]-(c:Concept {persona_id: $personaId})
		WHERE c <> start
		WITH c, length(path) AS hops,
		     reduce(w = 1.0, r IN relationships(path) | w * coalesce(r.weight, 0.5)) AS weight
		WITH c, min(hops) AS hops, max(weight) AS weight
		RETURN c.name AS concept, hops, weight
		ORDER BY hops, weight DESC, concept
		LIMIT $limit`

	session := p.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)
	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"personaId": personaID,
			"concept":   concept,
			"limit":     limit,
		})
		if err != nil {
			return nil, err
		}
		related := []Related{}
		for res.Next(ctx) {
			rec := res.Record()
			r := Related{}
			if v, ok := rec.Get("concept"); ok && v != nil {
				r.Concept = v.(string)
			}
			if v, ok := rec.Get("hops"); ok && v != nil {
				r.Hops = int(v.(int64))
			}
			if v, ok := rec.Get("weight"); ok && v != nil {
				r.Weight = v.(float64)
			}
			related = append(related, r)
		}
		return related, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("related concepts: %w", err)
	}
	return out.([]Related), nil
}
