package persona

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/apperr"
	"github.com/nidhogg/nuka-mind/internal/consciousness"
	"github.com/nidhogg/nuka-mind/internal/memory"
	"github.com/nidhogg/nuka-mind/internal/sleep"
	"github.com/nidhogg/nuka-mind/internal/store"
)

const (
	personaTable = "personas"
	traitTable   = "personality_traits"
)

var personaColumns = []string{"id", "name", "created_at", "updated_at", "last_sleep", "last_awakening"}

// SleepProcessor runs and summarizes sleep cycles.
type SleepProcessor interface {
	ProcessSleepCycle(ctx context.Context, personaID string, d time.Duration) (*sleep.Cycle, error)
	Analytics(ctx context.Context, personaID string) *sleep.Analytics
}

// Core orchestrates a persona's identity, traits, consciousness and sleep.
type Core struct {
	db            *store.DB
	consciousness *consciousness.Engine
	sleep         SleepProcessor
	cfg           Config
	logger        *zap.Logger
	now           func() time.Time
}

// NewCore creates a persona core.
func NewCore(db *store.DB, c *consciousness.Engine, s SleepProcessor, cfg Config, logger *zap.Logger) *Core {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Core{db: db, consciousness: c, sleep: s, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock replaces the time source.
func (c *Core) WithClock(now func() time.Time) *Core {
	c.now = now
	return c
}

// Initialize loads and awakens the persona, or creates it with the default
// traits and initial consciousness. Calling it again is safe.
func (c *Core) Initialize(ctx context.Context, id, name string) (*Session, error) {
	if err := apperr.Required("persona_id", id); err != nil {
		return nil, err
	}
	p, err := c.Get(ctx, id)
	switch {
	case err == nil:
		return c.resume(ctx, p)
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}

	if name == "" {
		name = id
	}
	now := c.now()
	p = &Persona{ID: id, Name: name, CreatedAt: now, UpdatedAt: now, LastAwakening: now}
	err = c.db.WithTx(ctx, func(ctx context.Context) error {
		_, err := c.db.Exec(ctx, c.db.Builder().Insert(personaTable).Columns(personaColumns...).
			Values(p.ID, p.Name, store.Millis(now), store.Millis(now), nil, store.Millis(now)))
		if err != nil {
			return apperr.Storage("insert persona", err)
		}
		ins := c.db.Builder().Insert(traitTable).Columns("persona_id", "name", "value", "description", "updated_at")
		for _, t := range DefaultTraits() {
			ins = ins.Values(id, t.Name, t.Value, t.Description, store.Millis(now))
		}
		if _, err := c.db.Exec(ctx, ins); err != nil {
			return apperr.Storage("seed traits", err)
		}
		_, err = c.consciousness.Initialize(ctx, id, c.cfg.InitialLevels)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("Persona created", zap.String("persona", id), zap.String("name", name))
	return &Session{Persona: p, Created: true}, nil
}

func (c *Core) resume(ctx context.Context, p *Persona) (*Session, error) {
	if _, err := c.consciousness.Initialize(ctx, p.ID, c.cfg.InitialLevels); err != nil {
		return nil, err
	}
	s := &Session{Persona: p}
	c.logger.Info("Persona loaded", zap.String("persona", p.ID), zap.Bool("asleep", p.Asleep()))
	a, err := c.awaken(ctx, p)
	if err != nil {
		return nil, err
	}
	s.Awakening = a
	return s, nil
}

// Awaken wakes a sleeping persona. Sleep longer than the consolidation
// threshold triggers the matching sleep cycle.
func (c *Core) Awaken(ctx context.Context, id string) (*Awakening, error) {
	p, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Asleep() {
		return nil, apperr.Invalid("persona", "%s is not asleep", id)
	}
	return c.awaken(ctx, p)
}

// awaken measures sleep from the recorded last sleep. A persona that was
// never put to sleep (an unclean stop) has no sleep to measure and wakes
// with zero elapsed time.
func (c *Core) awaken(ctx context.Context, p *Persona) (*Awakening, error) {
	now := c.now()
	var elapsed time.Duration
	if p.Asleep() {
		elapsed = max(now.Sub(p.LastSleep), 0)
	}
	a := &Awakening{Elapsed: elapsed}
	err := c.db.WithTx(ctx, func(ctx context.Context) error {
		st, err := c.consciousness.HandleAwakening(ctx, p.ID, elapsed)
		if err != nil {
			return err
		}
		a.State = st
		_, err = c.db.Exec(ctx, c.db.Builder().Update(personaTable).
			Set("last_awakening", store.Millis(now)).
			Set("updated_at", store.Millis(now)).
			Where(sq.Eq{"id": p.ID}))
		return apperr.Storage("stamp awakening", err)
	})
	if err != nil {
		return nil, err
	}
	p.LastAwakening, p.UpdatedAt = now, now
	c.logger.Info("Persona awakened",
		zap.String("persona", p.ID),
		zap.Duration("elapsed", elapsed))

	if elapsed > c.cfg.ConsolidationThreshold {
		cycle, err := c.sleep.ProcessSleepCycle(ctx, p.ID, elapsed)
		if err != nil {
			c.logger.Warn("Post-sleep consolidation failed", zap.String("persona", p.ID), zap.Error(err))
		}
		a.Cycle = cycle
	}
	return a, nil
}

// Sleep puts an awake or dreaming persona to sleep.
func (c *Core) Sleep(ctx context.Context, id string) (*consciousness.State, error) {
	var out *consciousness.State
	err := c.db.WithTx(ctx, func(ctx context.Context) error {
		if _, err := c.Get(ctx, id); err != nil {
			return err
		}
		st, err := c.consciousness.TransitionToSleep(ctx, id)
		if err != nil {
			return err
		}
		now := c.now()
		_, err = c.db.Exec(ctx, c.db.Builder().Update(personaTable).
			Set("last_sleep", store.Millis(now)).
			Set("updated_at", store.Millis(now)).
			Where(sq.Eq{"id": id}))
		if err != nil {
			return apperr.Storage("stamp sleep", err)
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("Persona asleep", zap.String("persona", id))
	return out, nil
}

// SleepAll puts every persona that is not already asleep to sleep, so the
// next Initialize can measure the downtime. Failures are logged and the
// rest still sleep. It returns how many personas were put to sleep.
func (c *Core) SleepAll(ctx context.Context) (int, error) {
	ids, err := c.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		p, err := c.Get(ctx, id)
		if err != nil {
			c.logger.Warn("Persona not put to sleep", zap.String("persona", id), zap.Error(err))
			continue
		}
		if p.Asleep() {
			continue
		}
		if _, err := c.Sleep(ctx, id); err != nil {
			c.logger.Warn("Persona not put to sleep", zap.String("persona", id), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// Get loads a persona.
func (c *Core) Get(ctx context.Context, id string) (*Persona, error) {
	var (
		p               Persona
		created, update int64
		slept, awoke    sql.NullInt64
	)
	err := c.db.QueryRow(ctx, c.db.Builder().Select(personaColumns...).From(personaTable).
		Where(sq.Eq{"id": id}),
		&p.ID, &p.Name, &created, &update, &slept, &awoke)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("persona", id)
	}
	if err != nil {
		return nil, apperr.Storage("get persona", err)
	}
	p.CreatedAt = store.FromMillis(created)
	p.UpdatedAt = store.FromMillis(update)
	p.LastSleep = store.FromNullMillis(slept)
	p.LastAwakening = store.FromNullMillis(awoke)
	return &p, nil
}

// List returns all persona ids.
func (c *Core) List(ctx context.Context) ([]string, error) {
	ids := []string{}
	err := c.db.Query(ctx, c.db.Builder().Select("id").From(personaTable).OrderBy("id"), func(rows *sql.Rows) error {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	return ids, apperr.Storage("list personas", err)
}

// Traits returns the persona's traits ordered by name.
func (c *Core) Traits(ctx context.Context, id string) ([]Trait, error) {
	traits := []Trait{}
	err := c.db.Query(ctx, c.db.Builder().Select("name", "value", "description", "updated_at").
		From(traitTable).Where(sq.Eq{"persona_id": id}).OrderBy("name"), func(rows *sql.Rows) error {
		var (
			t       Trait
			updated int64
		)
		if err := rows.Scan(&t.Name, &t.Value, &t.Description, &updated); err != nil {
			return err
		}
		t.UpdatedAt = store.FromMillis(updated)
		traits = append(traits, t)
		return nil
	})
	if err != nil {
		return nil, apperr.Storage("list traits", err)
	}
	return traits, nil
}

// UpdateTrait sets a trait's value, creating the trait if the persona does
// not have it. An empty description keeps the existing one.
func (c *Core) UpdateTrait(ctx context.Context, id, name string, value float64, description string) (*Trait, error) {
	if err := apperr.Required("name", name); err != nil {
		return nil, err
	}
	if err := apperr.Unit("value", value); err != nil {
		return nil, err
	}
	var out *Trait
	err := c.db.WithTx(ctx, func(ctx context.Context) error {
		if _, err := c.Get(ctx, id); err != nil {
			return err
		}
		now := c.now()
		_, err := c.db.Exec(ctx, c.db.Builder().Insert(traitTable).
			Columns("persona_id", "name", "value", "description", "updated_at").
			Values(id, name, value, description, store.Millis(now)).
			Suffix(`ON CONFLICT (persona_id, name) DO UPDATE SET value = excluded.value,
				description = CASE WHEN excluded.description = '' THEN ` + traitTable + `.description ELSE excluded.description END,
				updated_at = excluded.updated_at`))
		if err != nil {
			return apperr.Storage("update trait", err)
		}
		t, err := c.trait(ctx, id, name)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Core) trait(ctx context.Context, id, name string) (*Trait, error) {
	var (
		t       Trait
		updated int64
	)
	err := c.db.QueryRow(ctx, c.db.Builder().Select("name", "value", "description", "updated_at").
		From(traitTable).Where(sq.Eq{"persona_id": id, "name": name}),
		&t.Name, &t.Value, &t.Description, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("trait", name)
	}
	if err != nil {
		return nil, apperr.Storage("get trait", err)
	}
	t.UpdatedAt = store.FromMillis(updated)
	return &t, nil
}

// EvolvePersonalityFromExperience nudges traits by the rule table scaled by
// the experience's emotional impact. Only changes larger than
// MinTraitChange are applied, and values stay in [0,1].
func (c *Core) EvolvePersonalityFromExperience(ctx context.Context, id string, exp Experience) ([]TraitChange, error) {
	if err := apperr.Required("event_type", exp.EventType); err != nil {
		return nil, err
	}
	if err := apperr.Unit("emotional_impact", exp.EmotionalImpact); err != nil {
		return nil, err
	}
	deltas := TraitDeltas(exp, c.cfg)
	changes := []TraitChange{}
	err := c.db.WithTx(ctx, func(ctx context.Context) error {
		if _, err := c.Get(ctx, id); err != nil {
			return err
		}
		traits, err := c.Traits(ctx, id)
		if err != nil {
			return err
		}
		now := c.now()
		for _, t := range traits {
			d, ok := deltas[t.Name]
			if !ok || math.Abs(d) <= c.cfg.MinTraitChange {
				continue
			}
			next := memory.Clamp01(t.Value + d)
			if next == t.Value {
				continue
			}
			_, err := c.db.Exec(ctx, c.db.Builder().Update(traitTable).
				Set("value", next).
				Set("updated_at", store.Millis(now)).
				Where(sq.Eq{"persona_id": id, "name": t.Name}))
			if err != nil {
				return apperr.Storage("evolve trait", err)
			}
			changes = append(changes, TraitChange{Trait: t.Name, From: t.Value, To: next, Delta: next - t.Value})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortChanges(changes)
	if len(changes) > 0 {
		c.logger.Info("Personality evolved",
			zap.String("persona", id),
			zap.String("event_type", exp.EventType),
			zap.Int("changes", len(changes)))
	}
	return changes, nil
}

// Status gathers the persona overview. Consciousness and sleep summaries
// are advisory and left empty when unavailable.
func (c *Core) Status(ctx context.Context, id string) (*Status, error) {
	p, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	traits, err := c.Traits(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("status traits: %w", err)
	}
	s := &Status{
		Persona:  p,
		Traits:   traits,
		Insights: c.consciousness.GenerateInsights(ctx, id),
		Sleep:    c.sleep.Analytics(ctx, id),
	}
	if r, err := c.consciousness.GetConsciousnessMetrics(ctx, id); err == nil {
		s.Consciousness = r
	} else {
		c.logger.Warn("Consciousness metrics unavailable", zap.String("persona", id), zap.Error(err))
	}
	return s, nil
}
