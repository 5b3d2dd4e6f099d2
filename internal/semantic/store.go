package semantic

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

const (
	table        = "semantic_knowledge"
	sourcesTable = "knowledge_sources"
)

var columns = []string{
	"id", "persona_id", "domain", "concept", "content", "confidence", "source",
	"relationships", "reinforcement_count", "created_at", "updated_at",
}

// Store persists semantic knowledge and its vectors.
type Store struct {
	db       *store.DB
	indexer  *memory.Indexer
	embedder *embedding.Batcher
	sink     GraphSink
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewStore creates a semantic store.
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

// SetGraphSink registers a receiver for built graphs.
func (s *Store) SetGraphSink(sink GraphSink) { s.sink = sink }

// StoreKnowledge embeds and persists k for personaID and returns its id.
func (s *Store) StoreKnowledge(ctx context.Context, personaID string, k *Knowledge) (string, error) {
	ids, err := s.StoreKnowledgeBatch(ctx, personaID, []*Knowledge{k})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// StoreKnowledgeBatch validates every item, embeds them together and
// persists all of them or none. It returns the ids in input order.
func (s *Store) StoreKnowledgeBatch(ctx context.Context, personaID string, items []*Knowledge) ([]string, error) {
	if err := apperr.Required("persona_id", personaID); err != nil {
		return nil, err
	}
	for _, k := range items {
		if err := apperr.Required("domain", k.Domain); err != nil {
			return nil, err
		}
		if err := apperr.Required("concept", k.Concept); err != nil {
			return nil, err
		}
		if err := apperr.Unit("confidence_level", k.ConfidenceLevel); err != nil {
			return nil, err
		}
	}
	if len(items) == 0 {
		return nil, nil
	}

	now := s.now()
	ids := make([]string, len(items))
	texts := make([]string, len(items))
	for i, k := range items {
		if k.ID == "" {
			k.ID = uuid.New().String()
		}
		k.PersonaID = personaID
		k.CreatedAt, k.UpdatedAt = now, now
		if k.Relationships == nil {
			k.Relationships = []string{}
		}
		ids[i] = k.ID
		texts[i] = EmbeddingText(k)
	}

	vecs, err := s.embedder.EmbedAll(ctx, texts)
	if err != nil {
		return nil, err
	}
	entries := make([]vectorstore.Entry, len(items))
	insert := s.db.Builder().Insert(table).Columns(columns...)
	for i, k := range items {
		entries[i] = s.vectorEntry(k, vecs[i])
		rels, _ := json.Marshal(k.Relationships)
		insert = insert.Values(
			k.ID, personaID, k.Domain, k.Concept, k.Content.Stored(), k.ConfidenceLevel, k.Source,
			string(rels), k.ReinforcementCount, store.Millis(now), store.Millis(now),
		)
	}
	err = s.indexer.PutAll(ctx, entries, func(ctx context.Context) error {
		if _, err := s.db.Exec(ctx, insert); err != nil {
			return apperr.Storage("insert knowledge", err)
		}
		for _, k := range items {
			if err := s.addSources(ctx, k.ID, personaID, k.Source); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, k := range items {
		s.logger.Debug("Knowledge stored",
			zap.String("persona", personaID),
			zap.String("id", k.ID),
			zap.String("concept", k.Concept))
	}
	return ids, nil
}

func (s *Store) vectorEntry(k *Knowledge, vec []float32) vectorstore.Entry {
	return vectorstore.Entry{
		ID:        k.ID,
		Embedding: vec,
		Metadata: vectorstore.Metadata{
			vectorstore.KeyType:      vectorstore.TypeSemantic,
			vectorstore.KeyPersonaID: k.PersonaID,
			vectorstore.KeyDomain:    k.Domain,
			"concept":                k.Concept,
		},
	}
}

func scanKnowledge(rows *sql.Rows) (*Knowledge, error) {
	var (
		k                Knowledge
		content, rels    string
		created, updated int64
	)
	err := rows.Scan(&k.ID, &k.PersonaID, &k.Domain, &k.Concept, &content, &k.ConfidenceLevel,
		&k.Source, &rels, &k.ReinforcementCount, &created, &updated)
	if err != nil {
		return nil, err
	}
	k.Content = memory.Payload(content)
	k.CreatedAt = store.FromMillis(created)
	k.UpdatedAt = store.FromMillis(updated)
	if err := json.Unmarshal([]byte(rels), &k.Relationships); err != nil || k.Relationships == nil {
		k.Relationships = []string{}
	}
	return &k, nil
}

func (s *Store) list(ctx context.Context, where sq.Sqlizer) ([]*Knowledge, error) {
	var out []*Knowledge
	q := s.db.Builder().Select(columns...).From(table).Where(where).OrderBy("confidence DESC", "id")
	err := s.db.Query(ctx, q, func(rows *sql.Rows) error {
		k, err := scanKnowledge(rows)
		if err != nil {
			return err
		}
		out = append(out, k)
		return nil
	})
	return out, err
}

// Get returns one knowledge item.
func (s *Store) Get(ctx context.Context, id string) (*Knowledge, error) {
	items, err := s.list(ctx, sq.Eq{"id": id})
	if err != nil {
		return nil, apperr.Storage("get knowledge", err)
	}
	if len(items) == 0 {
		return nil, apperr.NotFound("knowledge", id)
	}
	return items[0], nil
}

// ListForPersona returns all knowledge for the persona, highest confidence first.
func (s *Store) ListForPersona(ctx context.Context, personaID string) ([]*Knowledge, error) {
	items, err := s.list(ctx, sq.Eq{"persona_id": personaID})
	return items, apperr.Storage("list knowledge", err)
}

// ExistsBySource reports whether the persona holds knowledge recorded with
// the given source marker, including markers inherited through merges.
func (s *Store) ExistsBySource(ctx context.Context, personaID, source string) (bool, error) {
	var n int
	err := s.db.QueryRow(ctx, s.db.Builder().Select("COUNT(*)").From(sourcesTable).
		Where(sq.Eq{"persona_id": personaID, "source": source}), &n)
	if err != nil {
		return false, apperr.Storage("lookup knowledge source", err)
	}
	return n > 0, nil
}

// QueryKnowledge embeds query and searches the persona's knowledge, with an
// optional domain restriction and confidence floor. Failures other than
// validation are logged and yield an empty result.
func (s *Store) QueryKnowledge(ctx context.Context, personaID, query string, opts QueryOptions) ([]QueryResult, error) {
	if err := apperr.Required("persona_id", personaID); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	results, err := s.query(ctx, personaID, query, opts)
	if err != nil {
		s.logger.Warn("Knowledge query degraded", zap.String("persona", personaID), zap.Error(err))
		return []QueryResult{}, nil
	}
	return results, nil
}

func (s *Store) query(ctx context.Context, personaID, query string, opts QueryOptions) ([]QueryResult, error) {
	vec, err := s.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, err
	}
	filter := vectorstore.Filter{
		vectorstore.KeyType:      vectorstore.TypeSemantic,
		vectorstore.KeyPersonaID: personaID,
	}
	if opts.Domain != "" {
		filter[vectorstore.KeyDomain] = opts.Domain
	}
	matches, err := s.indexer.Index().Search(ctx, vec, vectorstore.SearchOptions{
		Limit:     opts.Limit * max(s.cfg.SearchOverfetch, 1),
		Threshold: opts.Threshold,
		Filter:    filter,
	})
	if err != nil || len(matches) == 0 {
		return []QueryResult{}, err
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	items, err := s.list(ctx, sq.Eq{"id": ids})
	if err != nil {
		return nil, apperr.Storage("load knowledge", err)
	}
	byID := make(map[string]*Knowledge, len(items))
	for _, k := range items {
		byID[k.ID] = k
	}

	results := make([]QueryResult, 0, opts.Limit)
	for _, m := range matches {
		k, ok := byID[m.ID]
		if !ok || k.ConfidenceLevel < opts.MinConfidence {
			continue
		}
		results = append(results, QueryResult{Knowledge: k, Score: m.Score})
		if len(results) == opts.Limit {
			break
		}
	}
	return results, nil
}

// ReinforceKnowledge adds delta to an item's confidence (clamped to [0,1])
// and counts the reinforcement.
func (s *Store) ReinforceKnowledge(ctx context.Context, id string, delta float64) (*Knowledge, error) {
	if err := apperr.Range("delta", delta, -1, 1); err != nil {
		return nil, err
	}
	var out *Knowledge
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		k, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		k.ConfidenceLevel = memory.Clamp01(k.ConfidenceLevel + delta)
		k.ReinforcementCount++
		k.UpdatedAt = s.now()
		_, err = s.db.Exec(ctx, s.db.Builder().Update(table).
			Set("confidence", k.ConfidenceLevel).
			Set("reinforcement_count", k.ReinforcementCount).
			Set("updated_at", store.Millis(k.UpdatedAt)).
			Where(sq.Eq{"id": id}))
		if err != nil {
			return apperr.Storage("reinforce knowledge", err)
		}
		out = k
		return nil
	})
	return out, err
}

// Delete removes a knowledge item and its vector.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.indexer.Remove(ctx, []string{id}, func(ctx context.Context) error {
		if _, err := s.db.Exec(ctx, s.db.Builder().Delete(sourcesTable).Where(sq.Eq{"knowledge_id": id})); err != nil {
			return apperr.Storage("delete knowledge sources", err)
		}
		res, err := s.db.Exec(ctx, s.db.Builder().Delete(table).Where(sq.Eq{"id": id}))
		if err != nil {
			return apperr.Storage("delete knowledge", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound("knowledge", id)
		}
		return nil
	})
}

// Count returns the number of knowledge items for the persona.
func (s *Store) Count(ctx context.Context, personaID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, s.db.Builder().Select("COUNT(*)").From(table).Where(sq.Eq{"persona_id": personaID}), &n)
	return n, apperr.Storage("count knowledge", err)
}

// addSources records source markers for a knowledge item. Blank markers
// and ones already recorded are skipped.
func (s *Store) addSources(ctx context.Context, knowledgeID, personaID string, sources ...string) error {
	q := s.db.Builder().Insert(sourcesTable).Columns("knowledge_id", "persona_id", "source")
	n := 0
	for _, src := range sources {
		if src == "" {
			continue
		}
		q = q.Values(knowledgeID, personaID, src)
		n++
	}
	if n == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, q.Suffix("ON CONFLICT DO NOTHING"))
	return apperr.Storage("record knowledge sources", err)
}

// sources returns every marker recorded for the given items.
func (s *Store) sources(ctx context.Context, ids []string) ([]string, error) {
	var out []string
	q := s.db.Builder().Select("source").From(sourcesTable).Where(sq.Eq{"knowledge_id": ids}).OrderBy("source")
	err := s.db.Query(ctx, q, func(rows *sql.Rows) error {
		var src string
		if err := rows.Scan(&src); err != nil {
			return err
		}
		out = append(out, src)
		return nil
	})
	return out, apperr.Storage("list knowledge sources", err)
}
