package sleep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"unicode"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/nidhogg/nuka-mind/internal/consolidation"
	"github.com/nidhogg/nuka-mind/internal/testutil"
)

var t0 = time.Date(2026, 5, 10, 23, 0, 0, 0, time.UTC)

type fakeConsolidator struct {
	mu     sync.Mutex
	passes []consolidation.Pass
	err    error
}

func (f *fakeConsolidator) Run(_ context.Context, personaID string, pass consolidation.Pass) (*consolidation.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passes = append(f.passes, pass)
	if f.err != nil {
		return nil, f.err
	}
	return &consolidation.Report{Pass: pass, PersonaID: personaID, ConsolidatedCount: 2, Insights: []string{"ok"}}, nil
}

func (f *fakeConsolidator) calls() []consolidation.Pass {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]consolidation.Pass(nil), f.passes...)
}

type cycleRecorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *cycleRecorder) ObserveSleepCycle(sleepType string, processed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !processed {
		sleepType += ":failed"
	}
	r.seen = append(r.seen, sleepType)
}

func newManager(t *testing.T, personas ...string) (*Manager, *fakeConsolidator, *testutil.Clock) {
	t.Helper()
	env := testutil.NewEnv(t)
	for _, p := range personas {
		env.SeedPersona(t, p)
	}
	fake := &fakeConsolidator{}
	clock := testutil.NewClock(t0)
	return NewManager(env.DB, fake, 12*time.Hour, env.Logger).WithClock(clock.Now), fake, clock
}

func TestClassifyBrackets(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want Type
	}{
		{0, LightProcessing},
		{90 * time.Minute, LightProcessing},
		{2*time.Hour - time.Nanosecond, LightProcessing},
		{2 * time.Hour, DeepConsolidation},
		{6*time.Hour - time.Second, DeepConsolidation},
		{6 * time.Hour, REMIntegration},
		{12 * time.Hour, ExtendedReorganization},
		{100 * time.Hour, ExtendedReorganization},
	}
	for _, tt := range tests {
		if got := Classify(tt.d); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.d, got, tt.want)
		}
	}
}

func TestClassifyMonotonic(t *testing.T) {
	rank := map[Type]int{LightProcessing: 0, DeepConsolidation: 1, REMIntegration: 2, ExtendedReorganization: 3}
	rapid.Check(t, func(t *rapid.T) {
		a := time.Duration(rapid.Int64Range(0, int64(48*time.Hour)).Draw(t, "a"))
		b := time.Duration(rapid.Int64Range(0, int64(48*time.Hour)).Draw(t, "b"))
		if a > b {
			a, b = b, a
		}
		if rank[Classify(a)] > rank[Classify(b)] {
			t.Fatalf("Classify(%v)=%s ranks above Classify(%v)=%s", a, Classify(a), b, Classify(b))
		}
	})
}

func TestTypePass(t *testing.T) {
	want := map[Type]consolidation.Pass{
		LightProcessing:        consolidation.PassRecent,
		DeepConsolidation:      consolidation.PassPatterns,
		REMIntegration:         consolidation.PassCreative,
		ExtendedReorganization: consolidation.PassFull,
		Maintenance:            consolidation.PassMaintenance,
	}
	for typ, pass := range want {
		if got := typ.Pass(); got != pass {
			t.Errorf("%s.Pass() = %s, want %s", typ, got, pass)
		}
	}
}

func TestProcessSleepCycleLogsReport(t *testing.T) {
	m, fake, _ := newManager(t, "p1")
	rec := &cycleRecorder{}
	m.SetRecorder(rec)
	ctx := context.Background()

	c, err := m.ProcessSleepCycle(ctx, "p1", 3*time.Hour)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if c.Type != DeepConsolidation || !c.ConsolidationProcessed {
		t.Fatalf("got %+v, want processed deep consolidation", c)
	}
	if calls := fake.calls(); len(calls) != 1 || calls[0] != consolidation.PassPatterns {
		t.Fatalf("got passes %v, want [patterns]", calls)
	}

	cycles, err := m.RecentCycles(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(cycles) != 1 {
		t.Fatalf("got %d cycles, want 1", len(cycles))
	}
	got := cycles[0]
	if got.ID != c.ID || got.Duration != 3*time.Hour || !got.Timestamp.Equal(t0) {
		t.Fatalf("got %+v, want logged cycle %s", got, c.ID)
	}
	if got.Report == nil || got.Report.ConsolidatedCount != 2 || got.Report.Pass != consolidation.PassPatterns {
		t.Fatalf("got report %+v, want stored pass report", got.Report)
	}
	if len(rec.seen) != 1 || rec.seen[0] != string(DeepConsolidation) {
		t.Fatalf("got recorded %v", rec.seen)
	}
}

func TestProcessSleepCycleFailureStillLogged(t *testing.T) {
	m, fake, _ := newManager(t, "p1")
	fake.err = errors.New("boom")
	rec := &cycleRecorder{}
	m.SetRecorder(rec)

	c, err := m.ProcessSleepCycle(context.Background(), "p1", 30*time.Minute)
	if !errors.Is(err, fake.err) {
		t.Fatalf("got %v, want pass error", err)
	}
	if c == nil || c.ConsolidationProcessed {
		t.Fatalf("got %+v, want unprocessed cycle", c)
	}
	cycles, _ := m.RecentCycles(context.Background(), "p1", 0)
	if len(cycles) != 1 || cycles[0].ConsolidationProcessed {
		t.Fatalf("got %+v, want one unprocessed row", cycles)
	}
	if len(rec.seen) != 1 || rec.seen[0] != "light_processing:failed" {
		t.Fatalf("got recorded %v", rec.seen)
	}
}

func TestProcessSleepCycleValidation(t *testing.T) {
	m, fake, _ := newManager(t, "p1")
	if _, err := m.ProcessSleepCycle(context.Background(), "", time.Hour); err == nil {
		t.Fatal("want error for empty persona")
	}
	if _, err := m.ProcessSleepCycle(context.Background(), "p1", -time.Second); err == nil {
		t.Fatal("want error for negative duration")
	}
	if n := len(fake.calls()); n != 0 {
		t.Fatalf("got %d passes, want 0", n)
	}
}

func TestScheduleMaintenanceInterval(t *testing.T) {
	m, fake, clock := newManager(t, "p1")
	ctx := context.Background()

	c, err := m.ScheduleMaintenance(ctx, "p1")
	if err != nil || c == nil {
		t.Fatalf("got %v, %v, want first maintenance to run", c, err)
	}
	if c.Type != Maintenance {
		t.Fatalf("got type %s", c.Type)
	}

	clock.Advance(11 * time.Hour)
	if c, err := m.ScheduleMaintenance(ctx, "p1"); err != nil || c != nil {
		t.Fatalf("got %v, %v, want not due", c, err)
	}

	clock.Advance(time.Hour)
	if c, err := m.ScheduleMaintenance(ctx, "p1"); err != nil || c == nil {
		t.Fatalf("got %v, %v, want due at 12h", c, err)
	}

	calls := fake.calls()
	if len(calls) != 2 || calls[0] != consolidation.PassMaintenance {
		t.Fatalf("got passes %v, want two maintenance passes", calls)
	}
}

func TestAnalytics(t *testing.T) {
	m, _, clock := newManager(t, "p1")
	ctx := context.Background()

	if a := m.Analytics(ctx, "p1"); a.TotalCycles != 0 || a.Efficiency != 0 || len(a.TypeDistribution) != 0 {
		t.Fatalf("got %+v, want empty analytics", a)
	}

	for _, d := range []time.Duration{time.Hour, 3 * time.Hour, 8 * time.Hour} {
		if _, err := m.ProcessSleepCycle(ctx, "p1", d); err != nil {
			t.Fatalf("process: %v", err)
		}
		clock.Advance(10 * time.Hour)
	}
	if _, err := m.ScheduleMaintenance(ctx, "p1"); err != nil {
		t.Fatalf("maintenance: %v", err)
	}

	a := m.Analytics(ctx, "p1")
	if a.TotalCycles != 3 {
		t.Fatalf("got %d cycles, want 3 (maintenance excluded)", a.TotalCycles)
	}
	if a.AverageDuration != 4*time.Hour {
		t.Fatalf("got average duration %v, want 4h", a.AverageDuration)
	}
	if a.AverageInterval != 10*time.Hour {
		t.Fatalf("got average interval %v, want 10h", a.AverageInterval)
	}
	if a.Efficiency != 1 {
		t.Fatalf("got efficiency %v, want 1", a.Efficiency)
	}
	want := map[Type]int{LightProcessing: 1, DeepConsolidation: 1, REMIntegration: 1}
	for k, v := range want {
		if a.TypeDistribution[k] != v {
			t.Fatalf("got distribution %v, want %v", a.TypeDistribution, want)
		}
	}
	if !a.LastSleep.Equal(t0.Add(20 * time.Hour)) {
		t.Fatalf("got last sleep %v", a.LastSleep)
	}
}

func TestSummarizeEfficiency(t *testing.T) {
	a := Summarize([]Cycle{
		{Type: LightProcessing, ConsolidationProcessed: true, Timestamp: t0},
		{Type: LightProcessing, Timestamp: t0.Add(time.Hour)},
	})
	if a.Efficiency != 0.5 || a.TypeDistribution[LightProcessing] != 2 || a.AverageInterval != time.Hour {
		t.Fatalf("got %+v", a)
	}
}

func TestSchedulerTick(t *testing.T) {
	m, fake, clock := newManager(t, "p1", "p2")
	list := func(context.Context) ([]string, error) { return []string{"p1", "p2"}, nil }
	s := NewScheduler(time.Hour, m, list, nil)
	ctx := context.Background()

	if ran := s.Tick(ctx); ran != 2 {
		t.Fatalf("got %d runs, want 2", ran)
	}
	if ran := s.Tick(ctx); ran != 0 {
		t.Fatalf("got %d runs, want 0 before interval", ran)
	}
	clock.Advance(12 * time.Hour)
	if ran := s.Tick(ctx); ran != 2 {
		t.Fatalf("got %d runs, want 2 after interval", ran)
	}
	if n := len(fake.calls()); n != 4 {
		t.Fatalf("got %d passes, want 4", n)
	}
	if s.LastTick().IsZero() {
		t.Fatal("want last tick recorded")
	}

	failing := NewScheduler(time.Hour, m, func(context.Context) ([]string, error) {
		return nil, errors.New("db down")
	}, nil)
	if ran := failing.Tick(ctx); ran != 0 {
		t.Fatalf("got %d runs, want 0 on list failure", ran)
	}
}

func TestSchedulerLogMessages(t *testing.T) {
	m, _, _ := newManager(t, "p1")
	core, logs := observer.New(zap.DebugLevel)
	s := NewScheduler(time.Hour, m, func(context.Context) ([]string, error) {
		return []string{"p1"}, nil
	}, zap.New(core))
	s.Tick(context.Background())
	s.Start()
	s.Stop()

	failing := NewScheduler(time.Hour, m, func(context.Context) ([]string, error) {
		return nil, errors.New("db down")
	}, zap.New(core))
	failing.Tick(context.Background())

	for _, msg := range []string{
		"Scheduled maintenance ran",
		"Maintenance scheduler started",
		"Maintenance scheduler stopped",
		"Listing personas failed",
	} {
		if n := logs.FilterMessage(msg).Len(); n != 1 {
			t.Fatalf("got %d %q entries, want 1", n, msg)
		}
	}
	for _, e := range logs.All() {
		if r := []rune(e.Message)[0]; !unicode.IsUpper(r) {
			t.Fatalf("got message %q, want capitalized", e.Message)
		}
	}
}

func TestSchedulerStartStop(t *testing.T) {
	m, _, _ := newManager(t, "p1")
	ticked := make(chan struct{}, 1)
	list := func(context.Context) ([]string, error) {
		select {
		case ticked <- struct{}{}:
		default:
		}
		return []string{"p1"}, nil
	}
	s := NewScheduler(5*time.Millisecond, m, list, nil)
	s.Start()
	s.Start()
	select {
	case <-ticked:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never ticked")
	}
	s.Stop()
	s.Stop()
	if s.LastTick().IsZero() {
		t.Fatal("want last tick recorded")
	}
}
