package persona

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/nidhogg/nuka-mind/internal/apperr"
	"github.com/nidhogg/nuka-mind/internal/consciousness"
	"github.com/nidhogg/nuka-mind/internal/sleep"
	"github.com/nidhogg/nuka-mind/internal/testutil"
)

var t0 = time.Date(2026, 5, 10, 22, 0, 0, 0, time.UTC)

type fakeSleep struct {
	mu        sync.Mutex
	durations []time.Duration
}

func (f *fakeSleep) ProcessSleepCycle(_ context.Context, personaID string, d time.Duration) (*sleep.Cycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durations = append(f.durations, d)
	return &sleep.Cycle{PersonaID: personaID, Type: sleep.Classify(d), Duration: d, ConsolidationProcessed: true}, nil
}

func (f *fakeSleep) Analytics(context.Context, string) *sleep.Analytics {
	return &sleep.Analytics{TotalCycles: len(f.durations), TypeDistribution: map[sleep.Type]int{}}
}

func newCore(t *testing.T) (*Core, *fakeSleep, *testutil.Clock) {
	t.Helper()
	env := testutil.NewEnv(t)
	clock := testutil.NewClock(t0)
	cons := consciousness.NewEngine(env.DB, consciousness.DefaultConfig(), env.Logger).WithClock(clock.Now)
	fs := &fakeSleep{}
	return NewCore(env.DB, cons, fs, DefaultConfig(), env.Logger).WithClock(clock.Now), fs, clock
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func traitValue(t *testing.T, c *Core, id, name string) float64 {
	t.Helper()
	traits, err := c.Traits(context.Background(), id)
	if err != nil {
		t.Fatalf("traits: %v", err)
	}
	for _, tr := range traits {
		if tr.Name == name {
			return tr.Value
		}
	}
	t.Fatalf("trait %s missing", name)
	return 0
}

func TestInitializeCreatesOnce(t *testing.T) {
	c, _, _ := newCore(t)
	ctx := context.Background()

	s, err := c.Initialize(ctx, "p1", "Ada")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !s.Created || s.Persona.Name != "Ada" || s.Awakening != nil {
		t.Fatalf("got %+v, want created persona without awakening", s)
	}
	traits, err := c.Traits(ctx, "p1")
	if err != nil {
		t.Fatalf("traits: %v", err)
	}
	if len(traits) != 7 {
		t.Fatalf("got %d traits, want 7", len(traits))
	}
	st, err := c.consciousness.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("consciousness: %v", err)
	}
	if st.Levels != consciousness.DefaultLevels() || st.CurrentState != consciousness.Awake {
		t.Fatalf("got %+v, want default awake state", st)
	}

	s, err = c.Initialize(ctx, "p1", "Other")
	if err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if s.Created || s.Persona.Name != "Ada" {
		t.Fatalf("got %+v, want existing persona", s)
	}
	if s.Awakening == nil || s.Awakening.Elapsed != 0 || s.Awakening.Cycle != nil {
		t.Fatalf("got awakening %+v, want zero-length awakening", s.Awakening)
	}
	if traits, _ := c.Traits(ctx, "p1"); len(traits) != 7 {
		t.Fatalf("got %d traits after reload, want 7", len(traits))
	}
	if ids, _ := c.List(ctx); len(ids) != 1 || ids[0] != "p1" {
		t.Fatalf("got ids %v", ids)
	}
}

func TestInitializeAfterShortSleep(t *testing.T) {
	c, fs, clock := newCore(t)
	ctx := context.Background()
	if _, err := c.Initialize(ctx, "p1", ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := c.Sleep(ctx, "p1"); err != nil {
		t.Fatalf("sleep: %v", err)
	}

	clock.Advance(30 * time.Minute)
	s, err := c.Initialize(ctx, "p1", "")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if s.Awakening == nil {
		t.Fatal("want awakening")
	}
	if s.Awakening.Elapsed != 30*time.Minute {
		t.Fatalf("got elapsed %v, want 30m", s.Awakening.Elapsed)
	}
	if got := s.Awakening.State.Levels.TemporalContinuity; got != 0.95 {
		t.Fatalf("got continuity %v, want 0.95", got)
	}
	if got := s.Awakening.State.StateContext["time_away"]; got != "30 minutes" {
		t.Fatalf("got time_away %v", got)
	}
	if s.Awakening.Cycle != nil || len(fs.durations) != 0 {
		t.Fatalf("got cycle %+v, want no consolidation at exactly 30 minutes", s.Awakening.Cycle)
	}

	s, err = c.Initialize(ctx, "p1", "")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if s.Awakening == nil || s.Awakening.Elapsed != 0 || len(fs.durations) != 0 {
		t.Fatalf("got %+v, want an awake persona resumed without measured sleep", s.Awakening)
	}
}

func TestInitializeAfterUncleanStop(t *testing.T) {
	c, fs, clock := newCore(t)
	ctx := context.Background()
	if _, err := c.Initialize(ctx, "p1", ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	clock.Advance(5 * time.Hour)
	s, err := c.Initialize(ctx, "p1", "")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if s.Awakening == nil || s.Awakening.State.CurrentState != consciousness.Awake {
		t.Fatalf("got %+v, want the persona awakened", s.Awakening)
	}
	if s.Awakening.Elapsed != 0 || s.Awakening.Cycle != nil || len(fs.durations) != 0 {
		t.Fatalf("got elapsed %v cycle %+v, want no measured sleep", s.Awakening.Elapsed, s.Awakening.Cycle)
	}
	p, _ := c.Get(ctx, "p1")
	if !p.LastAwakening.Equal(t0.Add(5 * time.Hour)) {
		t.Fatalf("got last awakening %v", p.LastAwakening)
	}
}

func TestSleepAllMeasuresDowntime(t *testing.T) {
	c, fs, clock := newCore(t)
	ctx := context.Background()
	for _, id := range []string{"p1", "p2"} {
		if _, err := c.Initialize(ctx, id, ""); err != nil {
			t.Fatalf("initialize %s: %v", id, err)
		}
	}
	if _, err := c.Sleep(ctx, "p2"); err != nil {
		t.Fatalf("sleep: %v", err)
	}

	n, err := c.SleepAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("got %d, %v, want 1 persona put to sleep", n, err)
	}

	clock.Advance(3 * time.Hour)
	s, err := c.Initialize(ctx, "p1", "")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if s.Awakening.Elapsed != 3*time.Hour || s.Awakening.Cycle == nil || s.Awakening.Cycle.Type != sleep.DeepConsolidation {
		t.Fatalf("got %+v, want a 3h deep consolidation after restart", s.Awakening)
	}
	if len(fs.durations) != 1 || fs.durations[0] != 3*time.Hour {
		t.Fatalf("got cycles %v", fs.durations)
	}
}

func TestAwakenAfterLongSleepConsolidates(t *testing.T) {
	c, fs, clock := newCore(t)
	ctx := context.Background()
	if _, err := c.Initialize(ctx, "p1", ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := c.Awaken(ctx, "p1"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("got %v, want validation error while awake", err)
	}
	if _, err := c.Sleep(ctx, "p1"); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if _, err := c.Sleep(ctx, "p1"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("got %v, want validation error when already asleep", err)
	}

	clock.Advance(3 * time.Hour)
	a, err := c.Awaken(ctx, "p1")
	if err != nil {
		t.Fatalf("awaken: %v", err)
	}
	if a.Cycle == nil || a.Cycle.Type != sleep.DeepConsolidation {
		t.Fatalf("got cycle %+v, want deep consolidation", a.Cycle)
	}
	if len(fs.durations) != 1 || fs.durations[0] != 3*time.Hour {
		t.Fatalf("got durations %v, want [3h]", fs.durations)
	}
	if got := a.State.Levels.TemporalContinuity; got != 0.9 {
		t.Fatalf("got continuity %v, want 0.9", got)
	}
	p, _ := c.Get(ctx, "p1")
	if p.Asleep() || !p.LastAwakening.Equal(t0.Add(3*time.Hour)) {
		t.Fatalf("got %+v, want awake persona", p)
	}
}

func TestSleepUnknownPersona(t *testing.T) {
	c, _, _ := newCore(t)
	if _, err := c.Sleep(context.Background(), "ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("got %v, want not found", err)
	}
	if _, err := c.Initialize(context.Background(), "", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("got %v, want validation error", err)
	}
}

func TestEvolvePersonality(t *testing.T) {
	c, _, _ := newCore(t)
	ctx := context.Background()
	if _, err := c.Initialize(ctx, "p1", ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	changes, err := c.EvolvePersonalityFromExperience(ctx, "p1", Experience{
		EventType: "social_interaction", Outcome: OutcomePositive, EmotionalImpact: 0.8,
	})
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	want := map[string]float64{"agreeableness": 0.704, "empathy": 0.7024, "extraversion": 0.508}
	if len(changes) != len(want) {
		t.Fatalf("got %+v, want %d changes", changes, len(want))
	}
	if changes[0].Trait != "agreeableness" || changes[2].Trait != "extraversion" {
		t.Fatalf("got %+v, want changes sorted by trait", changes)
	}
	for name, v := range want {
		if got := traitValue(t, c, "p1", name); !near(got, v) {
			t.Fatalf("got %s %v, want %v", name, got, v)
		}
	}

	changes, err = c.EvolvePersonalityFromExperience(ctx, "p1", Experience{
		EventType: "social_interaction", EmotionalImpact: 0.05,
	})
	if err != nil || len(changes) != 0 {
		t.Fatalf("got %+v, %v, want changes below the minimum skipped", changes, err)
	}

	changes, err = c.EvolvePersonalityFromExperience(ctx, "p1", Experience{
		EventType: "stressful_situation", Outcome: OutcomeNegative, EmotionalImpact: 1,
	})
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if len(changes) != 1 || changes[0].Trait != "neuroticism" || !near(changes[0].To, 0.31) {
		t.Fatalf("got %+v, want only neuroticism to 0.31", changes)
	}

	if _, err := c.EvolvePersonalityFromExperience(ctx, "p1", Experience{
		EventType: "learning", EmotionalImpact: 1, ContextTags: []string{"Curiosity"},
	}); err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if got := traitValue(t, c, "p1", "curiosity"); !near(got, 0.815) {
		t.Fatalf("got curiosity %v, want 0.815", got)
	}
}

func TestEvolvePersonalityClampsAndValidates(t *testing.T) {
	c, _, _ := newCore(t)
	ctx := context.Background()
	if _, err := c.Initialize(ctx, "p1", ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := c.UpdateTrait(ctx, "p1", "curiosity", 0.999, ""); err != nil {
		t.Fatalf("update trait: %v", err)
	}
	changes, err := c.EvolvePersonalityFromExperience(ctx, "p1", Experience{EventType: "learning", EmotionalImpact: 1})
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	for _, ch := range changes {
		if ch.Trait == "curiosity" && ch.To != 1 {
			t.Fatalf("got %+v, want curiosity clamped to 1", ch)
		}
	}

	bad := []Experience{
		{EventType: "learning", EmotionalImpact: 1.5},
		{EventType: "learning", EmotionalImpact: math.NaN()},
		{EmotionalImpact: 0.5},
	}
	for _, exp := range bad {
		if _, err := c.EvolvePersonalityFromExperience(ctx, "p1", exp); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("got %v for %+v, want validation error", err, exp)
		}
	}
	if _, err := c.EvolvePersonalityFromExperience(ctx, "ghost", Experience{EventType: "learning", EmotionalImpact: 1}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("got %v, want not found", err)
	}
}

func TestEvolvePersonalityStaysInUnitRange(t *testing.T) {
	c, _, _ := newCore(t)
	ctx := context.Background()
	if _, err := c.Initialize(ctx, "p1", ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	events := []string{"social_interaction", "problem_solving", "stressful_situation", "learning", "creative_task", "conflict", "unknown"}
	outcomes := []string{OutcomePositive, OutcomeNegative, OutcomeNeutral}
	names := []string{"openness", "conscientiousness", "extraversion", "agreeableness", "neuroticism", "curiosity", "empathy"}

	rapid.Check(t, func(rt *rapid.T) {
		for _, name := range names {
			v := rapid.SampledFrom([]float64{0, 0.0005, 0.5, 0.9995, 1}).Draw(rt, name)
			if _, err := c.UpdateTrait(ctx, "p1", name, v, ""); err != nil {
				rt.Fatalf("update trait: %v", err)
			}
		}
		exp := Experience{
			EventType:       rapid.SampledFrom(events).Draw(rt, "event"),
			Outcome:         rapid.SampledFrom(outcomes).Draw(rt, "outcome"),
			EmotionalImpact: rapid.Float64Range(0, 1).Draw(rt, "impact"),
			ContextTags:     rapid.SliceOfN(rapid.SampledFrom(names), 0, 3).Draw(rt, "tags"),
		}
		changes, err := c.EvolvePersonalityFromExperience(ctx, "p1", exp)
		if err != nil {
			rt.Fatalf("evolve: %v", err)
		}
		for _, ch := range changes {
			if ch.To < 0 || ch.To > 1 || math.Abs(ch.Delta) > 0.03 {
				rt.Fatalf("got %+v, want value in [0,1] and bounded delta", ch)
			}
		}
		traits, err := c.Traits(ctx, "p1")
		if err != nil {
			rt.Fatalf("traits: %v", err)
		}
		for _, tr := range traits {
			if tr.Value < 0 || tr.Value > 1 {
				rt.Fatalf("trait %s = %v out of range", tr.Name, tr.Value)
			}
		}
	})
}

func TestUpdateTrait(t *testing.T) {
	c, _, _ := newCore(t)
	ctx := context.Background()
	if _, err := c.Initialize(ctx, "p1", ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	tr, err := c.UpdateTrait(ctx, "p1", "openness", 0.9, "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if tr.Value != 0.9 || tr.Description != "Openness to new experiences and ideas" {
		t.Fatalf("got %+v, want value updated and description kept", tr)
	}

	tr, err = c.UpdateTrait(ctx, "p1", "humor", 0.4, "Playfulness")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tr.Name != "humor" || tr.Value != 0.4 || tr.Description != "Playfulness" {
		t.Fatalf("got %+v", tr)
	}
	if traits, _ := c.Traits(ctx, "p1"); len(traits) != 8 {
		t.Fatalf("got %d traits, want 8", len(traits))
	}

	if _, err := c.UpdateTrait(ctx, "p1", "openness", 1.2, ""); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("got %v, want validation error", err)
	}
	if _, err := c.UpdateTrait(ctx, "p1", "", 0.5, ""); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("got %v, want validation error", err)
	}
	if _, err := c.UpdateTrait(ctx, "ghost", "openness", 0.5, ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("got %v, want not found", err)
	}
}

func TestStatus(t *testing.T) {
	c, _, _ := newCore(t)
	ctx := context.Background()
	if _, err := c.Initialize(ctx, "p1", "Ada"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	s, err := c.Status(ctx, "p1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if s.Persona.Name != "Ada" || len(s.Traits) != 7 || s.Sleep == nil {
		t.Fatalf("got %+v", s)
	}
	if s.Consciousness == nil || !near(s.Consciousness.Overall, 0.645) {
		t.Fatalf("got consciousness %+v, want overall 0.645", s.Consciousness)
	}
	if _, err := c.Status(ctx, "ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("got %v, want not found", err)
	}
}

func TestTraitDeltas(t *testing.T) {
	cfg := DefaultConfig()
	d := TraitDeltas(Experience{EventType: "problem_solving", Outcome: OutcomeNegative, EmotionalImpact: 1, ContextTags: []string{" Empathy "}}, cfg)
	if !near(d["conscientiousness"], 0.005) || !near(d["openness"], 0.002) || !near(d["empathy"], 0.005) {
		t.Fatalf("got %v", d)
	}
	if len(TraitDeltas(Experience{EventType: "unknown", EmotionalImpact: 1}, cfg)) != 0 {
		t.Fatal("want no deltas for unknown event without tags")
	}
}
