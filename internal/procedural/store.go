package procedural

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

const table = "procedural_skills"

var columns = []string{
	"id", "persona_id", "name", "domain", "pattern", "success_rate",
	"context_conditions", "usage_count", "last_used", "created_at", "updated_at",
}

// Store persists procedural skills and their vectors.
type Store struct {
	db       *store.DB
	indexer  *memory.Indexer
	embedder *embedding.Batcher
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewStore creates a procedural store.
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

// StoreSkillPattern embeds and persists a new skill with one recorded use
// and returns its id.
func (s *Store) StoreSkillPattern(ctx context.Context, personaID string, sk *Skill) (string, error) {
	if err := apperr.Required("persona_id", personaID); err != nil {
		return "", err
	}
	if err := apperr.Required("name", sk.Name); err != nil {
		return "", err
	}
	if err := apperr.Required("domain", sk.Domain); err != nil {
		return "", err
	}
	if err := apperr.Unit("success_rate", sk.SuccessRate); err != nil {
		return "", err
	}
	now := s.now()
	if sk.ID == "" {
		sk.ID = uuid.New().String()
	}
	sk.PersonaID = personaID
	sk.UsageCount = 1
	sk.LastUsed, sk.CreatedAt, sk.UpdatedAt = now, now, now
	if sk.ContextConditions == nil {
		sk.ContextConditions = []string{}
	}

	vec, err := s.embedder.EmbedOne(ctx, EmbeddingText(sk))
	if err != nil {
		return "", err
	}
	conds, _ := json.Marshal(sk.ContextConditions)
	err = s.indexer.Put(ctx, s.vectorEntry(sk, vec), true, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, s.db.Builder().Insert(table).Columns(columns...).Values(
			sk.ID, personaID, sk.Name, sk.Domain, sk.Pattern.Stored(), sk.SuccessRate,
			string(conds), sk.UsageCount, store.Millis(now), store.Millis(now), store.Millis(now),
		))
		return apperr.Storage("insert skill", err)
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("Skill stored",
		zap.String("persona", personaID),
		zap.String("id", sk.ID),
		zap.String("name", sk.Name))
	return sk.ID, nil
}

func (s *Store) vectorEntry(sk *Skill, vec []float32) vectorstore.Entry {
	return vectorstore.Entry{
		ID:        sk.ID,
		Embedding: vec,
		Metadata: vectorstore.Metadata{
			vectorstore.KeyType:      vectorstore.TypeProcedural,
			vectorstore.KeyPersonaID: sk.PersonaID,
			vectorstore.KeyDomain:    sk.Domain,
			"name":                   sk.Name,
		},
	}
}

func scanSkill(rows *sql.Rows) (*Skill, error) {
	var (
		sk                         Skill
		pattern, conds             string
		lastUsed, created, updated int64
	)
	err := rows.Scan(&sk.ID, &sk.PersonaID, &sk.Name, &sk.Domain, &pattern, &sk.SuccessRate,
		&conds, &sk.UsageCount, &lastUsed, &created, &updated)
	if err != nil {
		return nil, err
	}
	sk.Pattern = memory.Payload(pattern)
	sk.LastUsed = store.FromMillis(lastUsed)
	sk.CreatedAt = store.FromMillis(created)
	sk.UpdatedAt = store.FromMillis(updated)
	if err := json.Unmarshal([]byte(conds), &sk.ContextConditions); err != nil || sk.ContextConditions == nil {
		sk.ContextConditions = []string{}
	}
	return &sk, nil
}

func (s *Store) list(ctx context.Context, where sq.Sqlizer) ([]*Skill, error) {
	var out []*Skill
	q := s.db.Builder().Select(columns...).From(table).Where(where).
		OrderBy("success_rate DESC", "usage_count DESC", "id")
	err := s.db.Query(ctx, q, func(rows *sql.Rows) error {
		sk, err := scanSkill(rows)
		if err != nil {
			return err
		}
		out = append(out, sk)
		return nil
	})
	return out, err
}

// Get returns one skill.
func (s *Store) Get(ctx context.Context, id string) (*Skill, error) {
	skills, err := s.list(ctx, sq.Eq{"id": id})
	if err != nil {
		return nil, apperr.Storage("get skill", err)
	}
	if len(skills) == 0 {
		return nil, apperr.NotFound("skill", id)
	}
	return skills[0], nil
}

// ListForPersona returns the persona's skills, optionally within one
// domain, best success rate and usage first.
func (s *Store) ListForPersona(ctx context.Context, personaID, domain string) ([]*Skill, error) {
	where := sq.Eq{"persona_id": personaID}
	if domain != "" {
		where["domain"] = domain
	}
	skills, err := s.list(ctx, where)
	return skills, apperr.Storage("list skills", err)
}

// GetApplicableSkills returns the skills whose context conditions match any
// of tags. Without tags every skill in scope is returned. Failures are
// logged and yield an empty result.
func (s *Store) GetApplicableSkills(ctx context.Context, personaID string, tags []string, domain string) ([]*Skill, error) {
	skills, err := s.ListForPersona(ctx, personaID, domain)
	if err != nil {
		s.logger.Warn("Applicable skills unavailable", zap.String("persona", personaID), zap.Error(err))
		return []*Skill{}, nil
	}
	if len(tags) == 0 {
		return append([]*Skill{}, skills...), nil
	}
	out := []*Skill{}
	for _, sk := range skills {
		if Applies(sk.ContextConditions, tags) {
			out = append(out, sk)
		}
	}
	return out, nil
}

// UpdateSkillPerformance smooths the success rate toward the outcome,
// counts the use and stamps last_used.
func (s *Store) UpdateSkillPerformance(ctx context.Context, id string, success bool) (*Skill, error) {
	var out *Skill
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		sk, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		s.applyOutcome(sk, success)
		if err := s.writeUsage(ctx, sk); err != nil {
			return err
		}
		out = sk
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Skill performance updated",
		zap.String("id", id),
		zap.Bool("success", success),
		zap.Float64("success_rate", out.SuccessRate))
	return out, nil
}

func (s *Store) applyOutcome(sk *Skill, success bool) {
	now := s.now()
	sk.SuccessRate = Smooth(sk.SuccessRate, s.cfg.LearningRate, success)
	sk.UsageCount++
	sk.LastUsed, sk.UpdatedAt = now, now
}

func (s *Store) writeUsage(ctx context.Context, sk *Skill) error {
	_, err := s.db.Exec(ctx, s.db.Builder().Update(table).
		Set("success_rate", sk.SuccessRate).
		Set("usage_count", sk.UsageCount).
		Set("pattern", sk.Pattern.Stored()).
		Set("last_used", store.Millis(sk.LastUsed)).
		Set("updated_at", store.Millis(sk.UpdatedAt)).
		Where(sq.Eq{"id": sk.ID}))
	return apperr.Storage("update skill", err)
}

// SearchSkills embeds query and searches the persona's skills. Failures
// other than validation are logged and yield an empty result.
func (s *Store) SearchSkills(ctx context.Context, personaID, query string, opts SearchOptions) ([]Result, error) {
	if err := apperr.Required("persona_id", personaID); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	results, err := s.search(ctx, personaID, query, opts)
	if err != nil {
		s.logger.Warn("Skill search degraded", zap.String("persona", personaID), zap.Error(err))
		return []Result{}, nil
	}
	return results, nil
}

func (s *Store) search(ctx context.Context, personaID, query string, opts SearchOptions) ([]Result, error) {
	vec, err := s.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, err
	}
	filter := vectorstore.Filter{
		vectorstore.KeyType:      vectorstore.TypeProcedural,
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
		return []Result{}, err
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	skills, err := s.list(ctx, sq.Eq{"id": ids})
	if err != nil {
		return nil, apperr.Storage("load skills", err)
	}
	byID := make(map[string]*Skill, len(skills))
	for _, sk := range skills {
		byID[sk.ID] = sk
	}
	results := make([]Result, 0, opts.Limit)
	for _, m := range matches {
		sk, ok := byID[m.ID]
		if !ok || sk.SuccessRate < opts.MinSuccessRate {
			continue
		}
		results = append(results, Result{Skill: sk, Score: m.Score})
		if len(results) == opts.Limit {
			break
		}
	}
	return results, nil
}

// PruneSkills removes the persona's weak, rarely used, idle skills and
// returns their ids.
func (s *Store) PruneSkills(ctx context.Context, personaID string) ([]string, error) {
	cutoff := s.now().Add(-s.cfg.PruneIdle)
	candidates, err := s.list(ctx, sq.And{
		sq.Eq{"persona_id": personaID},
		sq.Lt{"success_rate": s.cfg.PruneRate},
		sq.Lt{"usage_count": s.cfg.PruneUsage},
		sq.LtOrEq{"last_used": store.Millis(cutoff)},
	})
	if err != nil {
		return nil, apperr.Storage("list prunable skills", err)
	}
	ids := []string{}
	now := s.now()
	for _, sk := range candidates {
		if Prunable(sk, now, s.cfg) {
			ids = append(ids, sk.ID)
		}
	}
	if len(ids) == 0 {
		return ids, nil
	}
	err = s.indexer.Remove(ctx, ids, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, s.db.Builder().Delete(table).Where(sq.Eq{"id": ids}))
		return apperr.Storage("prune skills", err)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Skills pruned", zap.String("persona", personaID), zap.Int("count", len(ids)))
	return ids, nil
}

// Delete removes a skill and its vector.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.indexer.Remove(ctx, []string{id}, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx, s.db.Builder().Delete(table).Where(sq.Eq{"id": id}))
		if err != nil {
			return apperr.Storage("delete skill", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound("skill", id)
		}
		return nil
	})
}

// Count returns the number of skills for the persona.
func (s *Store) Count(ctx context.Context, personaID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, s.db.Builder().Select("COUNT(*)").From(table).Where(sq.Eq{"persona_id": personaID}), &n)
	return n, apperr.Storage("count skills", err)
}
