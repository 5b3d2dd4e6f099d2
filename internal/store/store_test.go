package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := Open(context.Background(), Config{Driver: "sqlite", DSN: MemoryDSN(name)}, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func insertPersona(ctx context.Context, db *DB, id string) error {
	now := Millis(time.Now())
	_, err := db.Exec(ctx, db.Builder().Insert("personas").
		Columns("id", "name", "created_at", "updated_at").
		Values(id, "test", now, now))
	return err
}

func countPersonas(t *testing.T, db *DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(context.Background(), db.Builder().Select("COUNT(*)").From("personas"), &n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestMigrateIsRepeatable(t *testing.T) {
	db := newTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestWithTxCommit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(ctx context.Context) error {
		if !InTx(ctx) {
			t.Fatal("expected transaction in context")
		}
		return insertPersona(ctx, db, "p1")
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if n := countPersonas(t, db); n != 1 {
		t.Fatalf("got %d personas, want 1", n)
	}
}

func TestWithTxRollback(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithTx(ctx, func(ctx context.Context) error {
		if err := insertPersona(ctx, db, "p1"); err != nil {
			return err
		}
		// Nested calls join the outer transaction.
		if err := db.WithTx(ctx, func(ctx context.Context) error {
			return insertPersona(ctx, db, "p2")
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if n := countPersonas(t, db); n != 0 {
		t.Fatalf("got %d personas after rollback, want 0", n)
	}
}

func TestForeignKeyCascade(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if err := insertPersona(ctx, db, "p1"); err != nil {
		t.Fatalf("insert persona: %v", err)
	}
	now := Millis(time.Now())
	_, err := db.Exec(ctx, db.Builder().Insert("personality_traits").
		Columns("persona_id", "name", "value", "updated_at").
		Values("p1", "openness", 0.5, now))
	if err != nil {
		t.Fatalf("insert trait: %v", err)
	}

	if _, err := db.Exec(ctx, db.Builder().Delete("personas").Where(sq.Eq{"id": "p1"})); err != nil {
		t.Fatalf("delete persona: %v", err)
	}
	var n int
	if err := db.QueryRow(ctx, db.Builder().Select("COUNT(*)").From("personality_traits"), &n); err != nil {
		t.Fatalf("count traits: %v", err)
	}
	if n != 0 {
		t.Fatalf("got %d traits after cascade, want 0", n)
	}
}

func TestCheckConstraintRejectsOutOfRange(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if err := insertPersona(ctx, db, "p1"); err != nil {
		t.Fatalf("insert persona: %v", err)
	}
	_, err := db.Exec(ctx, db.Builder().Insert("personality_traits").
		Columns("persona_id", "name", "value", "updated_at").
		Values("p1", "openness", 1.5, Millis(time.Now())))
	if err == nil {
		t.Fatal("expected CHECK constraint violation")
	}
}

func TestQueryRowNoRows(t *testing.T) {
	db := newTestDB(t)
	var id string
	err := db.QueryRow(context.Background(), db.Builder().Select("id").From("personas").Where(sq.Eq{"id": "missing"}), &id)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("got %v, want sql.ErrNoRows", err)
	}
}

func TestMillisRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	if got := FromMillis(Millis(now)); !got.Equal(now) {
		t.Fatalf("got %v, want %v", got, now)
	}
	if !FromMillis(Millis(time.Time{})).IsZero() {
		t.Fatal("zero time should survive the round trip")
	}
	if NullMillis(time.Time{}).Valid {
		t.Fatal("zero time should be stored as NULL")
	}
}

func TestTxHooks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	var committed, rolledBack int

	AfterCommit(ctx, func(context.Context) { committed++ })
	if committed != 1 {
		t.Fatalf("hook outside a transaction should run at once, got %d", committed)
	}

	err := db.WithTx(ctx, func(ctx context.Context) error {
		return db.WithTx(ctx, func(ctx context.Context) error {
			AfterCommit(ctx, func(context.Context) { committed++ })
			OnRollback(ctx, func(context.Context) { rolledBack++ })
			if committed != 1 {
				t.Fatal("commit hook ran inside the transaction")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if committed != 2 || rolledBack != 0 {
		t.Fatalf("got committed=%d rolledBack=%d, want 2 and 0", committed, rolledBack)
	}

	boom := errors.New("boom")
	err = db.WithTx(ctx, func(ctx context.Context) error {
		AfterCommit(ctx, func(context.Context) { committed++ })
		OnRollback(ctx, func(context.Context) { rolledBack++ })
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if committed != 2 || rolledBack != 1 {
		t.Fatalf("got committed=%d rolledBack=%d, want 2 and 1", committed, rolledBack)
	}
}
