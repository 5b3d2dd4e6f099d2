package consolidation

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/apperr"
	"github.com/nidhogg/nuka-mind/internal/episodic"
	"github.com/nidhogg/nuka-mind/internal/memory"
	"github.com/nidhogg/nuka-mind/internal/procedural"
	"github.com/nidhogg/nuka-mind/internal/semantic"
	"github.com/nidhogg/nuka-mind/internal/vectorstore"
)

// Deps are the collaborators an Engine works on. Locker, Reorganizer and
// Recorder are optional.
type Deps struct {
	Episodic    *episodic.Store
	Semantic    *semantic.Store
	Procedural  *procedural.Store
	Index       vectorstore.Index
	Locker      Locker
	Reorganizer Reorganizer
	Recorder    Recorder
}

// Engine runs consolidation passes, one at a time per persona.
type Engine struct {
	episodic    *episodic.Store
	semantic    *semantic.Store
	procedural  *procedural.Store
	index       vectorstore.Index
	locker      Locker
	reorganizer Reorganizer
	recorder    Recorder
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time
}

// NewEngine creates a consolidation engine.
func NewEngine(deps Deps, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		episodic:    deps.Episodic,
		semantic:    deps.Semantic,
		procedural:  deps.Procedural,
		index:       deps.Index,
		locker:      deps.Locker,
		reorganizer: deps.Reorganizer,
		recorder:    deps.Recorder,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
	if e.locker == nil {
		e.locker = NewKeyedMutex()
	}
	if e.reorganizer == nil {
		e.reorganizer = NopReorganizer{}
	}
	if e.recorder == nil {
		e.recorder = nopRecorder{}
	}
	return e
}

// WithClock replaces the time source used for decay.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Run dispatches to the named pass.
func (e *Engine) Run(ctx context.Context, personaID string, pass Pass) (*Report, error) {
	switch pass {
	case PassRecent:
		return e.ConsolidateRecent(ctx, personaID, e.cfg.RecentLimit)
	case PassPatterns:
		return e.ConsolidateWithPatterns(ctx, personaID)
	case PassCreative:
		return e.IntegrateCreativeInsights(ctx, personaID)
	case PassFull:
		return e.FullMemoryReorganization(ctx, personaID)
	case PassMaintenance:
		return e.Maintenance(ctx, personaID)
	}
	return nil, apperr.Invalid("pass", "unknown consolidation pass %q", pass)
}

// ConsolidateRecent re-scores the limit most recent episodes.
func (e *Engine) ConsolidateRecent(ctx context.Context, personaID string, limit int) (*Report, error) {
	return e.run(ctx, PassRecent, personaID, func(ctx context.Context, r *Report) error {
		return e.recent(ctx, personaID, limit, r)
	})
}

// ConsolidateWithPatterns runs the recent pass, full episodic consolidation,
// knowledge and skill extraction, knowledge merging and cross-memory
// pattern detection.
func (e *Engine) ConsolidateWithPatterns(ctx context.Context, personaID string) (*Report, error) {
	return e.run(ctx, PassPatterns, personaID, func(ctx context.Context, r *Report) error {
		return e.withPatterns(ctx, personaID, r)
	})
}

// IntegrateCreativeInsights runs the pattern pass and then records the
// strongest unexpected connections as new knowledge.
func (e *Engine) IntegrateCreativeInsights(ctx context.Context, personaID string) (*Report, error) {
	return e.run(ctx, PassCreative, personaID, func(ctx context.Context, r *Report) error {
		return e.creative(ctx, personaID, r)
	})
}

// FullMemoryReorganization runs the creative pass, removes decayed and
// archives stale episodes, applies the Reorganizer and reruns the pattern
// pass.
func (e *Engine) FullMemoryReorganization(ctx context.Context, personaID string) (*Report, error) {
	return e.run(ctx, PassFull, personaID, func(ctx context.Context, r *Report) error {
		return e.full(ctx, personaID, r)
	})
}

func (e *Engine) run(ctx context.Context, pass Pass, personaID string, fn func(context.Context, *Report) error) (*Report, error) {
	if err := apperr.Required("persona_id", personaID); err != nil {
		return nil, err
	}
	unlock, err := e.locker.Lock(ctx, "consolidation:"+personaID)
	if err != nil {
		return nil, fmt.Errorf("lock %s consolidation: %w", personaID, err)
	}
	defer unlock()

	start := time.Now()
	r := newReport(pass, personaID, e.now())
	err = fn(ctx, r)
	r.Duration = time.Since(start)
	e.recorder.ObservePass(string(pass), r.Duration, r.ConsolidatedCount, len(r.ImportanceAdjustments), err)
	if err != nil {
		e.logger.Error("Consolidation pass failed",
			zap.String("persona", personaID),
			zap.String("pass", string(pass)),
			zap.Error(err))
		return r, err
	}
	e.logger.Info("Consolidation pass finished",
		zap.String("persona", personaID),
		zap.String("pass", string(pass)),
		zap.Int("consolidated", r.ConsolidatedCount),
		zap.Int("adjustments", len(r.ImportanceAdjustments)),
		zap.Int("insights", len(r.Insights)),
		zap.Duration("duration", r.Duration))
	return r, nil
}

// RecentImportance recomputes an episode's importance from its base score
// with the soft recent-pass bonuses, the tag reinforcement bonus and a
// half-life decay. It depends only on stored state and now.
func RecentImportance(ep *episodic.Entry, tags []string, now time.Time, cfg Config) float64 {
	bonus := 0.0
	for _, tag := range tags {
		switch tag {
		case episodic.TagEmotionPositive:
			bonus += cfg.RecentPositiveBonus
		case episodic.TagEmotionNegative:
			bonus += cfg.RecentNegativeBonus
		case episodic.TagImportanceHigh:
			bonus += cfg.RecentHighBonus
		}
	}
	patterns := memory.MergeTags(ep.Patterns, tags...)
	bonus += math.Min(cfg.MaxReinforcement, cfg.ReinforcementPerTag*float64(len(patterns)))
	decay := memory.HalfLifeDecay(memory.AgeDays(ep.Timestamp, now), cfg.RecentHalfLifeDays)
	return memory.Clamp01((ep.BaseImportance + bonus) * decay)
}

func (e *Engine) recent(ctx context.Context, personaID string, limit int, r *Report) error {
	if limit <= 0 {
		limit = e.cfg.RecentLimit
	}
	episodes, err := e.episodic.GetRecentEpisodes(ctx, personaID, limit)
	if err != nil {
		return err
	}
	now := e.now()
	epCfg := e.episodic.Config()
	counts := map[string]int{}
	for _, ep := range episodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		base := *ep
		base.ImportanceScore = ep.BaseImportance
		tags := episodic.DerivePatterns(&base, epCfg)
		after := RecentImportance(ep, tags, now, e.cfg)
		before := ep.ImportanceScore

		if math.Abs(after-before) > 1e-9 || len(memory.MergeTags(ep.Patterns, tags...)) != len(ep.Patterns) {
			if err := e.episodic.Rescore(ctx, ep, after, tags); err != nil {
				return err
			}
		}
		r.ConsolidatedCount++
		r.adjust(episodic.ImportanceChange{MemoryID: ep.ID, Before: before, After: after}, e.cfg.AdjustmentThreshold)
		for _, t := range tags {
			counts[t]++
		}
	}
	r.patterns(counts)
	return nil
}
