//go:build e2e

package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/consciousness"
	"github.com/nidhogg/nuka-mind/internal/consolidation"
	"github.com/nidhogg/nuka-mind/internal/embedding"
	"github.com/nidhogg/nuka-mind/internal/episodic"
	"github.com/nidhogg/nuka-mind/internal/graph"
	"github.com/nidhogg/nuka-mind/internal/memory"
	"github.com/nidhogg/nuka-mind/internal/persona"
	"github.com/nidhogg/nuka-mind/internal/procedural"
	"github.com/nidhogg/nuka-mind/internal/semantic"
	"github.com/nidhogg/nuka-mind/internal/sleep"
	"github.com/nidhogg/nuka-mind/internal/store"
	"github.com/nidhogg/nuka-mind/internal/vectorstore"
)

// Package-level shared state, set by TestMain.
var (
	testLogger   *zap.Logger
	testDB       *store.DB
	testNeo4jURI string
	testRedisURL string
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	b, err := startBackends(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backends: %v\n", err)
		return 1
	}
	defer b.terminate()
	testNeo4jURI = b.Neo4jURI
	testRedisURL = b.RedisURL

	testDB, err = store.Open(ctx, store.Config{Driver: "postgres", DSN: b.PostgresDSN}, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres store: %v\n", err)
		return 1
	}
	defer testDB.Close()
	if err := testDB.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}

	return m.Run()
}

type stack struct {
	index     *vectorstore.SQLIndex
	episodes  *episodic.Store
	knowledge *semantic.Store
	skills    *procedural.Store
	engine    *consolidation.Engine
	core      *persona.Core
	sleeper   *sleep.Manager
	mind      *consciousness.Engine
}

func newStack(t *testing.T, locker consolidation.Locker) *stack {
	t.Helper()
	embedder := embedding.NewBatcher(embedding.NewHashProvider(128), 10, 2)
	s := &stack{index: vectorstore.NewSQLIndex(testDB, vectorstore.DefaultThreshold, testLogger)}
	s.episodes = episodic.NewStore(testDB, s.index, embedder, episodic.DefaultConfig(), testLogger)
	s.knowledge = semantic.NewStore(testDB, s.index, embedder, semantic.DefaultConfig(), testLogger)
	s.skills = procedural.NewStore(testDB, s.index, embedder, procedural.DefaultConfig(), testLogger)
	s.engine = consolidation.NewEngine(consolidation.Deps{
		Episodic:   s.episodes,
		Semantic:   s.knowledge,
		Procedural: s.skills,
		Index:      s.index,
		Locker:     locker,
	}, consolidation.DefaultConfig(), testLogger)
	s.mind = consciousness.NewEngine(testDB, consciousness.DefaultConfig(), testLogger)
	s.sleeper = sleep.NewManager(testDB, s.engine, 0, testLogger)
	s.core = persona.NewCore(testDB, s.mind, s.sleeper, persona.DefaultConfig(), testLogger)
	return s
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestPostgresPersonaLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, consolidation.NewKeyedMutex())
	id := uniqueID("pg")

	session, err := s.core.Initialize(ctx, id, "Postgres")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !session.Created {
		t.Fatal("first initialize must create the persona")
	}
	traits, err := s.core.Traits(ctx, id)
	if err != nil {
		t.Fatalf("traits: %v", err)
	}
	if len(traits) != len(persona.DefaultTraits()) {
		t.Fatalf("got %d traits, want %d", len(traits), len(persona.DefaultTraits()))
	}

	again, err := s.core.Initialize(ctx, id, "Postgres")
	if err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
	if again.Created {
		t.Fatal("second initialize must resume")
	}

	if _, err := s.core.Sleep(ctx, id); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if _, err := s.core.Awaken(ctx, id); err != nil {
		t.Fatalf("awaken: %v", err)
	}
	st, err := s.mind.Get(ctx, id)
	if err != nil {
		t.Fatalf("consciousness: %v", err)
	}
	if st.CurrentState != consciousness.Awake {
		t.Fatalf("got %s, want awake", st.CurrentState)
	}
}

func TestPostgresEpisodeSearchAndConsolidation(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, consolidation.NewKeyedMutex())
	id := uniqueID("mem")
	if _, err := s.core.Initialize(ctx, id, "Memory"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	text := "walked along the harbour at dawn"
	stored, err := s.episodes.StoreEpisode(ctx, id, &episodic.Entry{
		EventType:       "observation",
		Content:         memory.Text(text),
		ImportanceScore: 0.6,
	})
	if err != nil {
		t.Fatalf("store episode: %v", err)
	}
	results, err := s.episodes.SearchEpisodes(ctx, id, text, episodic.SearchOptions{Limit: 5, Threshold: 0.1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	found := false
	for _, r := range results {
		found = found || r.Entry.ID == stored
	}
	if !found {
		t.Fatalf("search did not return episode %s", stored)
	}

	for _, pass := range []consolidation.Pass{
		consolidation.PassRecent, consolidation.PassPatterns, consolidation.PassCreative,
		consolidation.PassFull, consolidation.PassMaintenance,
	} {
		if _, err := s.engine.Run(ctx, id, pass); err != nil {
			t.Fatalf("pass %s: %v", pass, err)
		}
	}

	c, err := s.sleeper.ProcessSleepCycle(ctx, id, 3*time.Hour)
	if err != nil {
		t.Fatalf("sleep cycle: %v", err)
	}
	if c.Type != sleep.DeepConsolidation || !c.ConsolidationProcessed {
		t.Fatalf("got %s processed=%v, want deep consolidation processed", c.Type, c.ConsolidationProcessed)
	}
}

func TestRedisLockerSerializesConsolidation(t *testing.T) {
	ctx := context.Background()
	a, err := consolidation.NewRedisLocker(ctx, testRedisURL, time.Minute, testLogger)
	if err != nil {
		t.Fatalf("redis locker: %v", err)
	}
	defer a.Close()
	b, err := consolidation.NewRedisLocker(ctx, testRedisURL, time.Minute, testLogger)
	if err != nil {
		t.Fatalf("redis locker: %v", err)
	}
	defer b.Close()

	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for _, l := range []*consolidation.RedisLocker{a, b, a, b} {
		wg.Add(1)
		go func(l *consolidation.RedisLocker) {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "consolidation:e2e")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(20 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}(l)
	}
	wg.Wait()
	if overlap.Load() {
		t.Fatal("two holders entered the critical section at once")
	}

	unlock, err := a.Lock(ctx, "consolidation:held")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()
	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := b.Lock(short, "consolidation:held"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}

	s := newStack(t, a)
	id := uniqueID("locked")
	if _, err := s.core.Initialize(ctx, id, "Locked"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := s.engine.Run(ctx, id, consolidation.PassRecent); err != nil {
		t.Fatalf("consolidate under redis lock: %v", err)
	}
}

func TestKnowledgeGraphProjection(t *testing.T) {
	ctx := context.Background()
	p, err := graph.NewProjector(testNeo4jURI, "", "", "", testLogger)
	if err != nil {
		t.Fatalf("projector: %v", err)
	}
	defer p.Close(ctx)
	if err := p.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := p.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	s := newStack(t, consolidation.NewKeyedMutex())
	s.knowledge.SetGraphSink(p)
	id := uniqueID("graph")
	if _, err := s.core.Initialize(ctx, id, "Graph"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	for _, k := range []*semantic.Knowledge{
		{Domain: "science", Concept: "tides", ConfidenceLevel: 0.8, Relationships: []string{"moon"}},
		{Domain: "science", Concept: "moon", ConfidenceLevel: 0.7, Relationships: []string{"gravity"}},
		{Domain: "science", Concept: "gravity", ConfidenceLevel: 0.9},
	} {
		k.Content = memory.Text(k.Concept)
		if _, err := s.knowledge.StoreKnowledge(ctx, id, k); err != nil {
			t.Fatalf("store %s: %v", k.Concept, err)
		}
	}
	if _, err := s.knowledge.BuildKnowledgeGraph(ctx, id); err != nil {
		t.Fatalf("build graph: %v", err)
	}

	related, err := p.Related(ctx, id, "tides", 2, 10)
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	hops := map[string]int{}
	for _, r := range related {
		hops[r.Concept] = r.Hops
	}
	if hops["moon"] != 1 || hops["gravity"] != 2 {
		t.Fatalf("got %v, want moon at 1 hop and gravity at 2", hops)
	}

	near, err := p.Related(ctx, id, "tides", 1, 10)
	if err != nil {
		t.Fatalf("related depth 1: %v", err)
	}
	if len(near) != 1 || near[0].Concept != "moon" {
		t.Fatalf("got %+v, want only moon", near)
	}
}
