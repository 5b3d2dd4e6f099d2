package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/apperr"
	"github.com/nidhogg/nuka-mind/internal/store"
)

const vectorTable = "vector_entries"

// SQLIndex keeps vectors in the relational store and answers queries with a
// linear cosine scan over the filtered rows. Calls made with a context
// carrying a store transaction join that transaction.
type SQLIndex struct {
	db        *store.DB
	threshold float64
	logger    *zap.Logger
}

// NewSQLIndex returns an index over db. A zero threshold means DefaultThreshold.
func NewSQLIndex(db *store.DB, threshold float64, logger *zap.Logger) *SQLIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	return &SQLIndex{db: db, threshold: threshold, logger: logger}
}

// Upsert stores or replaces one entry.
func (x *SQLIndex) Upsert(ctx context.Context, e Entry) error {
	if err := apperr.Required("vector id", e.ID); err != nil {
		return err
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return apperr.Storage("encode vector metadata", err)
	}
	if e.Metadata == nil {
		meta = []byte("{}")
	}
	q := x.db.Builder().Insert(vectorTable).
		Columns("id", "persona_id", "type", "domain", "embedding", "dimension", "metadata", "updated_at").
		Values(e.ID, e.Metadata[KeyPersonaID], e.Metadata[KeyType], e.Metadata[KeyDomain],
			encodeVector(e.Embedding), len(e.Embedding), string(meta), store.Millis(time.Now())).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			persona_id = excluded.persona_id,
			type = excluded.type,
			domain = excluded.domain,
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`)
	if _, err := x.db.Exec(ctx, q); err != nil {
		return apperr.Storage("upsert vector "+e.ID, err)
	}
	return nil
}

// UpsertBatch stores every entry in one transaction.
func (x *SQLIndex) UpsertBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return x.db.WithTx(ctx, func(ctx context.Context) error {
		for _, e := range entries {
			if err := x.Upsert(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Search scores every entry matching the filter against query.
func (x *SQLIndex) Search(ctx context.Context, query []float32, opts SearchOptions) ([]Match, error) {
	if err := opts.Filter.Validate(); err != nil {
		return nil, err
	}
	q := x.db.Builder().Select("id", "embedding", "metadata").From(vectorTable).Where(filterPredicate(opts.Filter))

	var cands []candidate
	err := x.db.Query(ctx, q, func(rows *sql.Rows) error {
		var (
			c    candidate
			blob []byte
			meta string
		)
		if err := rows.Scan(&c.id, &blob, &meta); err != nil {
			return err
		}
		vec, err := decodeVector(blob)
		if err != nil {
			x.logger.Warn("Skipping corrupt vector", zap.String("id", c.id), zap.Error(err))
			return nil
		}
		c.vec = vec
		if err := json.Unmarshal([]byte(meta), &c.metadata); err != nil {
			c.metadata = Metadata{}
		}
		cands = append(cands, c)
		return nil
	})
	if err != nil {
		return nil, apperr.Storage("scan vectors", err)
	}
	return rank(query, cands, opts.threshold(x.threshold), opts.Limit), nil
}

// Delete removes one entry. Deleting a missing id is not an error.
func (x *SQLIndex) Delete(ctx context.Context, id string) error {
	if _, err := x.db.Exec(ctx, x.db.Builder().Delete(vectorTable).Where(sq.Eq{"id": id})); err != nil {
		return apperr.Storage("delete vector "+id, err)
	}
	return nil
}

// DeleteByFilter removes every entry matching f. An empty filter is
// rejected so a typo cannot wipe the index.
func (x *SQLIndex) DeleteByFilter(ctx context.Context, f Filter) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	if len(f) == 0 {
		return 0, apperr.Invalid("filter", "delete requires at least one key")
	}
	res, err := x.db.Exec(ctx, x.db.Builder().Delete(vectorTable).Where(filterPredicate(f)))
	if err != nil {
		return 0, apperr.Storage("delete vectors by filter", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Count returns the number of entries matching f.
func (x *SQLIndex) Count(ctx context.Context, f Filter) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	var n int
	q := x.db.Builder().Select("COUNT(*)").From(vectorTable).Where(filterPredicate(f))
	if err := x.db.QueryRow(ctx, q, &n); err != nil {
		return 0, apperr.Storage("count vectors", err)
	}
	return n, nil
}

// filterPredicate maps allow-listed keys onto their mirror columns.
func filterPredicate(f Filter) sq.Sqlizer {
	if len(f) == 0 {
		return sq.Expr("1 = 1")
	}
	eq := sq.Eq{}
	for k, v := range f {
		eq[k] = v
	}
	return eq
}

// Transactional reports that SQLIndex joins store transactions.
func (x *SQLIndex) Transactional() bool { return true }
