package consciousness

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/apperr"
	"github.com/nidhogg/nuka-mind/internal/memory"
	"github.com/nidhogg/nuka-mind/internal/store"
)

const (
	stateTable     = "consciousness_states"
	evolutionTable = "consciousness_evolution"
)

var stateColumns = []string{
	"persona_id", "self_awareness", "temporal_continuity", "social_cognition", "metacognition",
	"current_state", "state_context", "last_awakening", "updated_at",
}

// Engine owns the consciousness state of personas.
type Engine struct {
	db     *store.DB
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates a consciousness engine.
func NewEngine(db *store.DB, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{db: db, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock replaces the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func validateLevels(l Levels) error {
	for _, m := range Metrics {
		if err := apperr.Unit(string(m), l.Get(m)); err != nil {
			return err
		}
	}
	return nil
}

// Initialize returns the persona's state, creating it awake with levels
// when none exists.
func (e *Engine) Initialize(ctx context.Context, personaID string, levels Levels) (*State, error) {
	if err := validateLevels(levels); err != nil {
		return nil, err
	}
	var out *State
	err := e.db.WithTx(ctx, func(ctx context.Context) error {
		st, err := e.Get(ctx, personaID)
		if err == nil {
			out = st
			return nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		now := e.now()
		st = &State{
			PersonaID:     personaID,
			Levels:        levels,
			CurrentState:  Awake,
			StateContext:  map[string]any{"initialized_at": now.Format(time.RFC3339)},
			LastAwakening: now,
			LastUpdated:   now,
		}
		b, _ := json.Marshal(st.StateContext)
		_, err = e.db.Exec(ctx, e.db.Builder().Insert(stateTable).Columns(stateColumns...).Values(
			personaID, levels.SelfAwareness, levels.TemporalContinuity, levels.SocialCognition, levels.Metacognition,
			string(Awake), string(b), store.Millis(now), store.Millis(now),
		))
		if err != nil {
			return apperr.Storage("insert consciousness state", err)
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get loads the persona's state.
func (e *Engine) Get(ctx context.Context, personaID string) (*State, error) {
	var (
		st        State
		mode, raw string
		awakened  sql.NullInt64
		updated   int64
	)
	err := e.db.QueryRow(ctx, e.db.Builder().Select(stateColumns...).From(stateTable).
		Where(sq.Eq{"persona_id": personaID}),
		&st.PersonaID, &st.Levels.SelfAwareness, &st.Levels.TemporalContinuity, &st.Levels.SocialCognition,
		&st.Levels.Metacognition, &mode, &raw, &awakened, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("consciousness state", personaID)
	}
	if err != nil {
		return nil, apperr.Storage("get consciousness state", err)
	}
	st.CurrentState = Mode(mode)
	st.LastAwakening = store.FromNullMillis(awakened)
	st.LastUpdated = store.FromMillis(updated)
	if err := json.Unmarshal([]byte(raw), &st.StateContext); err != nil || st.StateContext == nil {
		st.StateContext = map[string]any{}
	}
	return &st, nil
}

// transition moves the persona to mode, merges extra into the state
// context and, when levels is non-nil, applies and logs the new levels.
func (e *Engine) transition(ctx context.Context, personaID string, allowed []Mode, mode Mode, extra map[string]any, reason string, levels func(Levels) Levels) (*State, error) {
	var out *State
	err := e.db.WithTx(ctx, func(ctx context.Context) error {
		st, err := e.Get(ctx, personaID)
		if err != nil {
			return err
		}
		if len(allowed) > 0 && !containsMode(allowed, st.CurrentState) {
			return apperr.Invalid("current_state", "cannot enter %s from %s", mode, st.CurrentState)
		}
		now := e.now()
		before := st.Levels
		if levels != nil {
			st.Levels = clampLevels(levels(st.Levels))
		}
		for k, v := range extra {
			st.StateContext[k] = v
		}
		st.StateContext["previous_state"] = string(st.CurrentState)
		st.CurrentState = mode
		st.LastUpdated = now
		if mode == Awake {
			st.LastAwakening = now
		}
		if err := e.write(ctx, st); err != nil {
			return err
		}
		if err := e.logEvolution(ctx, personaID, reason, before, st.Levels); err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("Consciousness state changed",
		zap.String("persona", personaID),
		zap.String("state", string(mode)),
		zap.String("reason", reason))
	return out, nil
}

func containsMode(modes []Mode, m Mode) bool {
	for _, x := range modes {
		if x == m {
			return true
		}
	}
	return false
}

func clampLevels(l Levels) Levels {
	for _, m := range Metrics {
		l.Set(m, memory.Clamp01(l.Get(m)))
	}
	return l
}

func (e *Engine) write(ctx context.Context, st *State) error {
	b, err := json.Marshal(st.StateContext)
	if err != nil {
		return apperr.Invalid("state_context", "%v", err)
	}
	_, err = e.db.Exec(ctx, e.db.Builder().Update(stateTable).
		Set("self_awareness", st.Levels.SelfAwareness).
		Set("temporal_continuity", st.Levels.TemporalContinuity).
		Set("social_cognition", st.Levels.SocialCognition).
		Set("metacognition", st.Levels.Metacognition).
		Set("current_state", string(st.CurrentState)).
		Set("state_context", string(b)).
		Set("last_awakening", store.NullMillis(st.LastAwakening)).
		Set("updated_at", store.Millis(st.LastUpdated)).
		Where(sq.Eq{"persona_id": st.PersonaID}))
	return apperr.Storage("update consciousness state", err)
}

// logEvolution appends an entry holding the metrics that moved by at least
// the log threshold. Nothing is written when none did.
func (e *Engine) logEvolution(ctx context.Context, personaID, reason string, before, after Levels) error {
	changes := map[Metric]Change{}
	net := 0.0
	for _, m := range Metrics {
		b, a := before.Get(m), after.Get(m)
		if math.Abs(a-b) >= e.cfg.LogThreshold {
			changes[m] = Change{Before: b, After: a}
			net += a - b
		}
	}
	if len(changes) == 0 {
		return nil
	}
	raw, _ := json.Marshal(changes)
	_, err := e.db.Exec(ctx, e.db.Builder().Insert(evolutionTable).
		Columns("id", "persona_id", "reason", "changes", "net_change", "created_at").
		Values(uuid.New().String(), personaID, reason, string(raw), net, store.Millis(e.now())))
	return apperr.Storage("log consciousness evolution", err)
}

// TransitionToSleep moves an awake or dreaming persona to sleeping.
func (e *Engine) TransitionToSleep(ctx context.Context, personaID string) (*State, error) {
	return e.transition(ctx, personaID, []Mode{Awake, Dreaming}, Sleeping, map[string]any{
		"sleep_started_at": e.now().Format(time.RFC3339),
	}, "sleep", nil)
}

// HandleAwakening wakes the persona after sleeping for d, resetting
// temporal continuity by sleep length and recording the elapsed time.
func (e *Engine) HandleAwakening(ctx context.Context, personaID string, d time.Duration) (*State, error) {
	if d < 0 {
		return nil, apperr.Invalid("sleep_duration", "must not be negative")
	}
	continuity := ContinuityAfterSleep(d)
	return e.transition(ctx, personaID, nil, Awake, map[string]any{
		"last_sleep_duration_ms": d.Milliseconds(),
		"time_away":              ElapsedPhrase(d),
		"awakened_at":            e.now().Format(time.RFC3339),
	}, "awakening", func(l Levels) Levels {
		l.TemporalContinuity = continuity
		return l
	})
}

// EnterDreamState moves a sleeping or awake persona into a dream of the
// given type.
func (e *Engine) EnterDreamState(ctx context.Context, personaID, dreamType string) (*State, error) {
	if err := apperr.Required("dream_type", dreamType); err != nil {
		return nil, err
	}
	return e.transition(ctx, personaID, []Mode{Sleeping, Awake}, Dreaming, map[string]any{
		"dream_type":       dreamType,
		"dream_started_at": e.now().Format(time.RFC3339),
	}, "dream", nil)
}

// UpdateConsciousnessLevel sets the given scalars. Values outside [0,1] are
// rejected. The state is written only when some scalar moves by at least
// the write threshold, and the move is logged per the log threshold. The
// returned bool reports whether anything was written.
func (e *Engine) UpdateConsciousnessLevel(ctx context.Context, personaID, reason string, updates map[Metric]float64) (*State, bool, error) {
	for m, v := range updates {
		if !containsMetric(m) {
			return nil, false, apperr.Invalid(string(m), "unknown consciousness metric")
		}
		if err := apperr.Unit(string(m), v); err != nil {
			return nil, false, err
		}
	}
	if reason == "" {
		reason = "update"
	}

	var (
		out     *State
		written bool
	)
	err := e.db.WithTx(ctx, func(ctx context.Context) error {
		st, err := e.Get(ctx, personaID)
		if err != nil {
			return err
		}
		before := st.Levels
		for m, v := range updates {
			st.Levels.Set(m, v)
		}
		out = st
		moved := false
		for _, m := range Metrics {
			if math.Abs(st.Levels.Get(m)-before.Get(m)) >= e.cfg.WriteThreshold {
				moved = true
			}
		}
		if !moved {
			st.Levels = before
			return nil
		}
		st.LastUpdated = e.now()
		if err := e.write(ctx, st); err != nil {
			return err
		}
		written = true
		return e.logEvolution(ctx, personaID, reason, before, st.Levels)
	})
	if err != nil {
		return nil, false, err
	}
	return out, written, nil
}

func containsMetric(m Metric) bool {
	for _, x := range Metrics {
		if x == m {
			return true
		}
	}
	return false
}

// ExperienceDeltas derives scalar targets for an experience from the
// current levels. Every target is clamped into [0,1].
func ExperienceDeltas(cur Levels, exp Experience, cfg Config) map[Metric]float64 {
	out := map[Metric]float64{}
	if exp.Novelty > cfg.NoveltyTrigger {
		out[SelfAwareness] = memory.Clamp01(cur.SelfAwareness + cfg.NoveltyGain*exp.Novelty)
	}
	if exp.Complexity > cfg.OverloadTrigger && cur.TemporalContinuity > cfg.ContinuityFloor {
		out[TemporalContinuity] = math.Max(cfg.ContinuityFloor, cur.TemporalContinuity-cfg.OverloadLoss*exp.Complexity)
	}
	if exp.Social {
		out[SocialCognition] = memory.Clamp01(cur.SocialCognition + cfg.SocialGain*exp.EmotionalIntensity)
	}
	if exp.Complexity > cfg.ReflectionTrigger {
		out[Metacognition] = memory.Clamp01(cur.Metacognition + cfg.ReflectionGain*exp.Complexity)
	}
	return out
}

// ProcessExperienceImpact applies an experience's effect on consciousness.
func (e *Engine) ProcessExperienceImpact(ctx context.Context, personaID string, exp Experience) (*State, error) {
	for name, v := range map[string]float64{"novelty": exp.Novelty, "complexity": exp.Complexity, "emotional_intensity": exp.EmotionalIntensity} {
		if err := apperr.Unit(name, v); err != nil {
			return nil, err
		}
	}
	st, err := e.Get(ctx, personaID)
	if err != nil {
		return nil, err
	}
	updates := ExperienceDeltas(st.Levels, exp, e.cfg)
	if len(updates) == 0 {
		return st, nil
	}
	st, _, err = e.UpdateConsciousnessLevel(ctx, personaID, "experience", updates)
	return st, err
}
