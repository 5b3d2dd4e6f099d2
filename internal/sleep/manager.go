package sleep

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/apperr"
	"github.com/nidhogg/nuka-mind/internal/consolidation"
	"github.com/nidhogg/nuka-mind/internal/store"
)

const table = "sleep_cycles"

var columns = []string{"id", "persona_id", "sleep_type", "duration_ms", "occurred_at", "consolidation_processed", "report"}

// Consolidator runs a consolidation pass.
type Consolidator interface {
	Run(ctx context.Context, personaID string, pass consolidation.Pass) (*consolidation.Report, error)
}

// Recorder observes logged sleep cycles.
type Recorder interface {
	ObserveSleepCycle(sleepType string, processed bool)
}

// Manager runs sleep cycles and maintenance and keeps their log.
type Manager struct {
	db          *store.DB
	consolidate Consolidator
	recorder    Recorder
	interval    time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewManager creates a Manager. Maintenance runs when at least
// maintenanceInterval has passed since the last maintenance row.
func NewManager(db *store.DB, c Consolidator, maintenanceInterval time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maintenanceInterval <= 0 {
		maintenanceInterval = 12 * time.Hour
	}
	return &Manager{db: db, consolidate: c, interval: maintenanceInterval, logger: logger, now: time.Now}
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// SetRecorder registers a metrics recorder.
func (m *Manager) SetRecorder(r Recorder) { m.recorder = r }

// ProcessSleepCycle classifies a sleep of length d, runs the matching pass
// and logs the cycle. A failed pass is still logged, unprocessed, and its
// error returned alongside the cycle.
func (m *Manager) ProcessSleepCycle(ctx context.Context, personaID string, d time.Duration) (*Cycle, error) {
	if err := apperr.Required("persona_id", personaID); err != nil {
		return nil, err
	}
	if d < 0 {
		return nil, apperr.Invalid("duration", "must not be negative")
	}
	t := Classify(d)
	m.logger.Info("Processing sleep cycle",
		zap.String("persona", personaID),
		zap.String("type", string(t)),
		zap.Duration("duration", d))
	return m.cycle(ctx, personaID, t, d)
}

// cycle runs t's pass and appends the log row. Maintenance rows record how
// long the pass itself took.
func (m *Manager) cycle(ctx context.Context, personaID string, t Type, d time.Duration) (*Cycle, error) {
	start := time.Now()
	report, runErr := m.consolidate.Run(ctx, personaID, t.Pass())
	if t == Maintenance {
		d = time.Since(start)
	}
	c := &Cycle{
		ID:                     uuid.New().String(),
		PersonaID:              personaID,
		Type:                   t,
		Duration:               d,
		Timestamp:              m.now(),
		ConsolidationProcessed: runErr == nil,
		Report:                 report,
	}
	if err := m.append(context.WithoutCancel(ctx), c); err != nil {
		return nil, errors.Join(runErr, err)
	}
	if m.recorder != nil {
		m.recorder.ObserveSleepCycle(string(t), c.ConsolidationProcessed)
	}
	if runErr != nil {
		m.logger.Warn("Sleep cycle consolidation failed",
			zap.String("persona", personaID),
			zap.String("type", string(t)),
			zap.Error(runErr))
		return c, runErr
	}
	return c, nil
}

func (m *Manager) append(ctx context.Context, c *Cycle) error {
	report := []byte("{}")
	if c.Report != nil {
		b, err := json.Marshal(c.Report)
		if err != nil {
			return err
		}
		report = b
	}
	_, err := m.db.Exec(ctx, m.db.Builder().Insert(table).Columns(columns...).Values(
		c.ID, c.PersonaID, string(c.Type), c.Duration.Milliseconds(), store.Millis(c.Timestamp),
		store.Bool(c.ConsolidationProcessed), string(report),
	))
	return apperr.Storage("log sleep cycle", err)
}

// ScheduleMaintenance runs a maintenance pass when none ran within the
// maintenance interval. It returns the logged cycle, or nil when it was
// not due.
func (m *Manager) ScheduleMaintenance(ctx context.Context, personaID string) (*Cycle, error) {
	var last sql.NullInt64
	err := m.db.QueryRow(ctx, m.db.Builder().Select("MAX(occurred_at)").From(table).
		Where(sq.Eq{"persona_id": personaID, "sleep_type": string(Maintenance)}), &last)
	if err != nil {
		return nil, apperr.Storage("last maintenance", err)
	}
	if last.Valid && m.now().Sub(store.FromMillis(last.Int64)) < m.interval {
		return nil, nil
	}
	c, err := m.cycle(ctx, personaID, Maintenance, 0)
	if err != nil {
		return c, err
	}
	m.logger.Info("Maintenance completed", zap.String("persona", personaID), zap.Duration("took", c.Duration))
	return c, nil
}

// RecentCycles returns up to limit cycles, newest first.
func (m *Manager) RecentCycles(ctx context.Context, personaID string, limit int) ([]Cycle, error) {
	q := m.db.Builder().Select(columns...).From(table).
		Where(sq.Eq{"persona_id": personaID}).
		OrderBy("occurred_at DESC", "id")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	cycles, err := m.list(ctx, q)
	return cycles, apperr.Storage("list sleep cycles", err)
}

func (m *Manager) list(ctx context.Context, q sq.SelectBuilder) ([]Cycle, error) {
	out := []Cycle{}
	err := m.db.Query(ctx, q, func(rows *sql.Rows) error {
		var (
			c                  Cycle
			t, report          string
			duration, occurred int64
			processed          int
		)
		if err := rows.Scan(&c.ID, &c.PersonaID, &t, &duration, &occurred, &processed, &report); err != nil {
			return err
		}
		c.Type = Type(t)
		c.Duration = time.Duration(duration) * time.Millisecond
		c.Timestamp = store.FromMillis(occurred)
		c.ConsolidationProcessed = processed != 0
		if report != "" && report != "{}" {
			var r consolidation.Report
			if json.Unmarshal([]byte(report), &r) == nil {
				c.Report = &r
			}
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// Analytics summarizes the persona's sleep (non-maintenance) cycles.
// Failures are logged and yield empty analytics.
func (m *Manager) Analytics(ctx context.Context, personaID string) *Analytics {
	cycles, err := m.list(ctx, m.db.Builder().Select(columns...).From(table).
		Where(sq.And{
			sq.Eq{"persona_id": personaID},
			sq.NotEq{"sleep_type": string(Maintenance)},
		}).
		OrderBy("occurred_at", "id"))
	if err != nil {
		m.logger.Warn("Sleep analytics unavailable", zap.String("persona", personaID), zap.Error(err))
		return Summarize(nil)
	}
	return Summarize(cycles)
}
