package memory

import (
	"context"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/store"
	"github.com/nidhogg/nuka-mind/internal/vectorstore"
)

// Indexer pairs relational rows with their vector entries so a row and its
// vector are written and removed together.
type Indexer struct {
	db     *store.DB
	index  vectorstore.Index
	logger *zap.Logger
}

// NewIndexer returns an Indexer over db and index.
func NewIndexer(db *store.DB, index vectorstore.Index, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{db: db, index: index, logger: logger}
}

// DB returns the relational store.
func (x *Indexer) DB() *store.DB { return x.db }

// Index returns the vector index.
func (x *Indexer) Index() vectorstore.Index { return x.index }

func (x *Indexer) transactional() bool {
	t, ok := x.index.(vectorstore.Transactional)
	return ok && t.Transactional()
}

// Put runs write and upserts entry in one transaction. When the index cannot
// join the transaction, a vector written for a new row (fresh) is deleted
// again if the outermost transaction rolls back.
func (x *Indexer) Put(ctx context.Context, entry vectorstore.Entry, fresh bool, write func(ctx context.Context) error) error {
	return x.db.WithTx(ctx, func(ctx context.Context) error {
		if err := write(ctx); err != nil {
			return err
		}
		if err := x.index.Upsert(ctx, entry); err != nil {
			return err
		}
		if fresh && !x.transactional() {
			store.OnRollback(ctx, func(ctx context.Context) {
				if err := x.index.Delete(ctx, entry.ID); err != nil {
					x.logger.Error("Compensating vector delete failed", zap.String("id", entry.ID), zap.Error(err))
				}
			})
		}
		return nil
	})
}

// PutAll runs write and upserts entries for new rows in one batch. Vectors
// on an index that cannot join the transaction are deleted again if the
// outermost transaction rolls back.
func (x *Indexer) PutAll(ctx context.Context, entries []vectorstore.Entry, write func(ctx context.Context) error) error {
	return x.db.WithTx(ctx, func(ctx context.Context) error {
		if err := write(ctx); err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		if err := x.index.UpsertBatch(ctx, entries); err != nil {
			return err
		}
		if !x.transactional() {
			store.OnRollback(ctx, func(ctx context.Context) {
				for _, e := range entries {
					if err := x.index.Delete(ctx, e.ID); err != nil {
						x.logger.Error("Compensating vector delete failed", zap.String("id", e.ID), zap.Error(err))
					}
				}
			})
		}
		return nil
	})
}

// Remove runs write and deletes the vectors for ids. A transactional index
// joins the transaction; otherwise vectors are removed after the outermost
// commit and a failure there only leaves orphaned vectors, which is logged.
func (x *Indexer) Remove(ctx context.Context, ids []string, write func(ctx context.Context) error) error {
	return x.db.WithTx(ctx, func(ctx context.Context) error {
		if err := write(ctx); err != nil {
			return err
		}
		if !x.transactional() {
			store.AfterCommit(ctx, func(ctx context.Context) {
				for _, id := range ids {
					if err := x.index.Delete(ctx, id); err != nil {
						x.logger.Warn("Orphaned vector left behind", zap.String("id", id), zap.Error(err))
					}
				}
			})
			return nil
		}
		for _, id := range ids {
			if err := x.index.Delete(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
}
