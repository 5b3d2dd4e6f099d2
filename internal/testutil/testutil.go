// Package testutil builds migrated in-memory stores for package tests.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/embedding"
	"github.com/nidhogg/nuka-mind/internal/store"
	"github.com/nidhogg/nuka-mind/internal/vectorstore"
)

var seq atomic.Int64

// Env bundles the dependencies every memory store needs.
type Env struct {
	DB       *store.DB
	Index    *vectorstore.SQLIndex
	Embedder *embedding.Batcher
	Logger   *zap.Logger
}

// NewEnv opens a private in-memory SQLite database, applies migrations and
// wires an SQLIndex and a HashProvider over it.
func NewEnv(t testing.TB) *Env {
	t.Helper()
	name := fmt.Sprintf("t%d_%s", seq.Add(1), strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	logger := zap.NewNop()
	db, err := store.Open(context.Background(), store.Config{Driver: "sqlite", DSN: store.MemoryDSN(name)}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &Env{
		DB:       db,
		Index:    vectorstore.NewSQLIndex(db, 0, logger),
		Embedder: embedding.NewBatcher(embedding.NewHashProvider(128), 10, 1),
		Logger:   logger,
	}
}

// SeedPersona inserts a bare persona row so foreign keys resolve.
func (e *Env) SeedPersona(t testing.TB, id string) {
	t.Helper()
	now := store.Millis(time.Now())
	_, err := e.DB.Exec(context.Background(), e.DB.Builder().Insert("personas").
		Columns("id", "name", "created_at", "updated_at").
		Values(id, "persona-"+id, now, now))
	if err != nil {
		t.Fatalf("seed persona: %v", err)
	}
}

// Clock is a settable time source.
type Clock struct {
	now atomic.Int64
}

// NewClock returns a clock frozen at t.
func NewClock(t time.Time) *Clock {
	c := &Clock{}
	c.Set(t)
	return c
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time { return time.Unix(0, c.now.Load()).UTC() }

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) { c.now.Store(t.UnixNano()) }

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) { c.now.Add(int64(d)) }
