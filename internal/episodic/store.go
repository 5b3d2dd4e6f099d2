package episodic

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/apperr"
	"github.com/nidhogg/nuka-mind/internal/embedding"
	"github.com/nidhogg/nuka-mind/internal/memory"
	"github.com/nidhogg/nuka-mind/internal/store"
	"github.com/nidhogg/nuka-mind/internal/vectorstore"
)

const table = "episodic_memories"

var columns = []string{
	"id", "persona_id", "occurred_at", "event_type", "content", "context",
	"emotional_valence", "importance", "base_importance", "participants", "location",
	"patterns", "is_consolidated", "is_archived", "consolidated_at", "created_at",
}

// Store persists episodic memories and their vectors.
type Store struct {
	db       *store.DB
	indexer  *memory.Indexer
	embedder *embedding.Batcher
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewStore creates an episodic store.
func NewStore(db *store.DB, index vectorstore.Index, embedder *embedding.Batcher, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:       db,
		indexer:  memory.NewIndexer(db, index, logger),
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Config returns the store's tuning.
func (s *Store) Config() Config { return s.cfg }

func validate(personaID string, e *Entry) error {
	if err := apperr.Required("persona_id", personaID); err != nil {
		return err
	}
	if err := apperr.Required("event_type", e.EventType); err != nil {
		return err
	}
	if err := apperr.Range("emotional_valence", e.EmotionalValence, -1, 1); err != nil {
		return err
	}
	return apperr.Unit("importance_score", e.ImportanceScore)
}

// StoreEpisode embeds and persists e for personaID, filling in its id and
// timestamps, and returns the id.
func (s *Store) StoreEpisode(ctx context.Context, personaID string, e *Entry) (string, error) {
	if err := validate(personaID, e); err != nil {
		return "", err
	}
	now := s.now()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.PersonaID = personaID
	e.BaseImportance = e.ImportanceScore
	e.CreatedAt = now
	if e.Participants == nil {
		e.Participants = []string{}
	}
	if e.Patterns == nil {
		e.Patterns = []string{}
	}

	vec, err := s.embedder.EmbedOne(ctx, EmbeddingText(e))
	if err != nil {
		return "", err
	}

	participants, _ := json.Marshal(e.Participants)
	patterns, _ := json.Marshal(e.Patterns)
	entry := vectorstore.Entry{
		ID:        e.ID,
		Embedding: vec,
		Metadata: vectorstore.Metadata{
			vectorstore.KeyType:      vectorstore.TypeEpisodic,
			vectorstore.KeyPersonaID: personaID,
			"event_type":             e.EventType,
		},
	}
	err = s.indexer.Put(ctx, entry, true, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, s.db.Builder().Insert(table).Columns(columns...).Values(
			e.ID, personaID, store.Millis(e.Timestamp), e.EventType, e.Content.Stored(), e.Context.Stored(),
			e.EmotionalValence, e.ImportanceScore, e.BaseImportance, string(participants), e.Location,
			string(patterns), store.Bool(e.IsConsolidated), store.Bool(e.IsArchived),
			store.NullMillis(e.ConsolidatedAt), store.Millis(e.CreatedAt),
		))
		return apperr.Storage("insert episode", err)
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("Episode stored",
		zap.String("persona", personaID),
		zap.String("id", e.ID),
		zap.String("event_type", e.EventType))
	return e.ID, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e                      Entry
		occurred, created      int64
		content, ctxPayload    string
		participants, patterns string
		consolidated, archived int
		consolidatedAt         sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.PersonaID, &occurred, &e.EventType, &content, &ctxPayload,
		&e.EmotionalValence, &e.ImportanceScore, &e.BaseImportance, &participants, &e.Location,
		&patterns, &consolidated, &archived, &consolidatedAt, &created)
	if err != nil {
		return nil, err
	}
	e.Timestamp = store.FromMillis(occurred)
	e.CreatedAt = store.FromMillis(created)
	e.ConsolidatedAt = store.FromNullMillis(consolidatedAt)
	e.Content = memory.Payload(content)
	e.Context = memory.Payload(ctxPayload)
	e.IsConsolidated = consolidated != 0
	e.IsArchived = archived != 0
	if err := json.Unmarshal([]byte(participants), &e.Participants); err != nil || e.Participants == nil {
		e.Participants = []string{}
	}
	if err := json.Unmarshal([]byte(patterns), &e.Patterns); err != nil || e.Patterns == nil {
		e.Patterns = []string{}
	}
	return &e, nil
}

func (s *Store) list(ctx context.Context, q sq.SelectBuilder) ([]*Entry, error) {
	var out []*Entry
	err := s.db.Query(ctx, q, func(rows *sql.Rows) error {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

func (s *Store) selectEntries() sq.SelectBuilder {
	return s.db.Builder().Select(columns...).From(table)
}

// Get returns one episode.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	entries, err := s.list(ctx, s.selectEntries().Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, apperr.Storage("get episode", err)
	}
	if len(entries) == 0 {
		return nil, apperr.NotFound("episode", id)
	}
	return entries[0], nil
}

// GetRecentEpisodes returns the persona's newest episodes, newest first.
func (s *Store) GetRecentEpisodes(ctx context.Context, personaID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	q := s.selectEntries().
		Where(sq.Eq{"persona_id": personaID}).
		OrderBy("occurred_at DESC", "id").
		Limit(uint64(limit))
	entries, err := s.list(ctx, q)
	if err != nil {
		s.logger.Warn("Recent episodes unavailable", zap.String("persona", personaID), zap.Error(err))
		return []*Entry{}, nil
	}
	return entries, nil
}

// ListUnconsolidated returns up to limit pending episodes, newest first.
func (s *Store) ListUnconsolidated(ctx context.Context, personaID string, limit int) ([]*Entry, error) {
	q := s.selectEntries().
		Where(sq.Eq{"persona_id": personaID, "is_consolidated": 0}).
		OrderBy("occurred_at DESC", "id")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	entries, err := s.list(ctx, q)
	return entries, apperr.Storage("list pending episodes", err)
}

// SearchEpisodes embeds query, searches the persona's episodic vectors and
// applies the remaining filters to the loaded rows. Storage or embedding
// failures are logged and yield an empty result.
func (s *Store) SearchEpisodes(ctx context.Context, personaID, query string, opts SearchOptions) ([]Result, error) {
	if err := apperr.Required("persona_id", personaID); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	results, err := s.search(ctx, personaID, query, opts)
	if err != nil {
		s.logger.Warn("Episode search degraded", zap.String("persona", personaID), zap.Error(err))
		return []Result{}, nil
	}
	return results, nil
}

func (s *Store) search(ctx context.Context, personaID, query string, opts SearchOptions) ([]Result, error) {
	vec, err := s.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, err
	}
	overfetch := max(s.cfg.SearchOverfetch, 1)
	matches, err := s.indexer.Index().Search(ctx, vec, vectorstore.SearchOptions{
		Limit:     opts.Limit * overfetch,
		Threshold: opts.Threshold,
		Filter: vectorstore.Filter{
			vectorstore.KeyType:      vectorstore.TypeEpisodic,
			vectorstore.KeyPersonaID: personaID,
		},
	})
	if err != nil || len(matches) == 0 {
		return []Result{}, err
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	entries, err := s.list(ctx, s.selectEntries().Where(sq.Eq{"id": ids}))
	if err != nil {
		return nil, apperr.Storage("load episodes", err)
	}
	byID := make(map[string]*Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	types := make(map[string]bool, len(opts.EventTypes))
	for _, t := range opts.EventTypes {
		types[t] = true
	}
	results := make([]Result, 0, opts.Limit)
	for _, m := range matches {
		e, ok := byID[m.ID]
		if !ok {
			continue
		}
		if !opts.From.IsZero() && e.Timestamp.Before(opts.From) {
			continue
		}
		if !opts.To.IsZero() && e.Timestamp.After(opts.To) {
			continue
		}
		if len(types) > 0 && !types[e.EventType] {
			continue
		}
		if e.ImportanceScore < opts.MinImportance {
			continue
		}
		results = append(results, Result{Entry: e, Score: m.Score})
		if len(results) == opts.Limit {
			break
		}
	}
	return results, nil
}

// UpdateImportance overwrites an episode's current importance.
func (s *Store) UpdateImportance(ctx context.Context, id string, importance float64) error {
	if err := apperr.Unit("importance_score", importance); err != nil {
		return err
	}
	res, err := s.db.Exec(ctx, s.db.Builder().Update(table).Set("importance", importance).Where(sq.Eq{"id": id}))
	if err != nil {
		return apperr.Storage("update importance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("episode", id)
	}
	return nil
}

// AddPatterns merges tags into an episode's pattern list.
func (s *Store) AddPatterns(ctx context.Context, id string, tags ...string) error {
	return s.db.WithTx(ctx, func(ctx context.Context) error {
		e, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return s.writePatterns(ctx, id, memory.MergeTags(e.Patterns, tags...))
	})
}

func (s *Store) writePatterns(ctx context.Context, id string, patterns []string) error {
	b, _ := json.Marshal(patterns)
	_, err := s.db.Exec(ctx, s.db.Builder().Update(table).Set("patterns", string(b)).Where(sq.Eq{"id": id}))
	return apperr.Storage("update patterns", err)
}

// Delete removes an episode and its vector.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.indexer.Remove(ctx, []string{id}, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx, s.db.Builder().Delete(table).Where(sq.Eq{"id": id}))
		if err != nil {
			return apperr.Storage("delete episode", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound("episode", id)
		}
		return nil
	})
}

// Count returns the number of stored episodes for the persona.
func (s *Store) Count(ctx context.Context, personaID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, s.db.Builder().Select("COUNT(*)").From(table).Where(sq.Eq{"persona_id": personaID}), &n)
	return n, apperr.Storage("count episodes", err)
}
