package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/apperr"
)

// Dialect names the SQL backend behind a DB.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config selects and locates the relational backend.
type Config struct {
	Driver string `json:"driver"` // "sqlite" or "postgres"
	DSN    string `json:"dsn"`
}

// Runner is the subset of *sql.DB and *sql.Tx used by repositories.
type Runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a database/sql handle with a dialect-aware statement builder.
type DB struct {
	sql     *sql.DB
	dialect Dialect
	builder sq.StatementBuilderType
	logger  *zap.Logger
}

type txKey struct{}

// txState is the transaction carried in a context plus the hooks that run
// once the outermost transaction finishes.
type txState struct {
	tx          *sql.Tx
	mu          sync.Mutex
	afterCommit []func(context.Context)
	onRollback  []func(context.Context)
}

// Open connects to the configured backend. SQLite runs on a single
// connection so writes serialize at the store.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		driverName string
		dialect    Dialect
	)
	switch cfg.Driver {
	case "", "sqlite", "sqlite3":
		driverName, dialect = "sqlite3", DialectSQLite
	case "postgres", "pgx":
		driverName, dialect = "pgx", DialectPostgres
	default:
		return nil, fmt.Errorf("open store: unsupported driver %q", cfg.Driver)
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	logger.Info("Relational store connected", zap.String("dialect", string(dialect)))
	return Wrap(db, dialect, logger), nil
}

// Wrap adopts an already opened *sql.DB.
func Wrap(db *sql.DB, dialect Dialect, logger *zap.Logger) *DB {
	if logger == nil {
		logger = zap.NewNop()
	}
	var format sq.PlaceholderFormat = sq.Question
	if dialect == DialectPostgres {
		format = sq.Dollar
	}
	return &DB{
		sql:     db,
		dialect: dialect,
		builder: sq.StatementBuilder.PlaceholderFormat(format),
		logger:  logger,
	}
}

// Dialect reports the backend in use.
func (d *DB) Dialect() Dialect { return d.dialect }

// Builder returns a statement builder with the dialect's placeholder format.
func (d *DB) Builder() sq.StatementBuilderType { return d.builder }

// SQL exposes the underlying handle.
func (d *DB) SQL() *sql.DB { return d.sql }

// Close releases the connection pool.
func (d *DB) Close() error { return d.sql.Close() }

// Runner returns the transaction carried by ctx, or the pool.
func (d *DB) Runner(ctx context.Context) Runner {
	if st, ok := ctx.Value(txKey{}).(*txState); ok {
		return st.tx
	}
	return d.sql
}

// InTx reports whether ctx already carries a transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*txState)
	return ok
}

// AfterCommit defers fn until the transaction carried by ctx commits. It
// is dropped on rollback. Without a transaction fn runs immediately.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	st, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		fn(ctx)
		return
	}
	st.mu.Lock()
	st.afterCommit = append(st.afterCommit, fn)
	st.mu.Unlock()
}

// OnRollback registers fn to run if the transaction carried by ctx rolls
// back or fails to commit. Without a transaction it is a no-op.
func OnRollback(ctx context.Context, fn func(ctx context.Context)) {
	st, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return
	}
	st.mu.Lock()
	st.onRollback = append(st.onRollback, fn)
	st.mu.Unlock()
}

// WithTx runs fn inside a transaction carried by the context passed to fn.
// Nested calls join the outer transaction. Hooks registered with
// AfterCommit or OnRollback run once the outermost call finishes.
func (d *DB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Storage("begin tx", err)
	}
	st := &txState{tx: tx}
	if err := fn(context.WithValue(ctx, txKey{}, st)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			d.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
		st.run(ctx, st.onRollback)
		return err
	}
	if err := tx.Commit(); err != nil {
		st.run(ctx, st.onRollback)
		return apperr.Storage("commit tx", err)
	}
	st.run(ctx, st.afterCommit)
	return nil
}

func (st *txState) run(ctx context.Context, hooks []func(context.Context)) {
	ctx = context.WithoutCancel(ctx)
	for _, fn := range hooks {
		fn(ctx)
	}
}

// Exec runs a built statement.
func (d *DB) Exec(ctx context.Context, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return d.Runner(ctx).ExecContext(ctx, query, args...)
}

// Query runs a built select and calls scan once per row. Rows are fully
// drained and closed before Query returns.
func (d *DB) Query(ctx context.Context, b sq.Sqlizer, scan func(*sql.Rows) error) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	rows, err := d.Runner(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// QueryRow runs a built select expected to return a single row.
// sql.ErrNoRows is returned unchanged so callers can map it.
func (d *DB) QueryRow(ctx context.Context, b sq.Sqlizer, dest ...any) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return d.Runner(ctx).QueryRowContext(ctx, query, args...).Scan(dest...)
}

// Millis converts a time to the stored unix-millisecond form.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// NullMillis stores zero times as NULL.
func NullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// FromNullMillis is the inverse of NullMillis.
func FromNullMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return FromMillis(ms.Int64)
}

// Bool encodes a flag as the 0/1 integer both dialects store.
func Bool(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MemoryDSN returns a DSN for a named, private in-memory SQLite database.
func MemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", name)
}
