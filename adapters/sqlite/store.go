// Package sqlite implements the store port on SQLite databases, one
// database per shard.
//
// Two drivers are registered: "sqlite" (modernc.org/sqlite, pure Go) and
// "sqlite3" (github.com/mattn/go-sqlite3, needs cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/codewandler/clstr-sharding/core/sharding"
	"github.com/codewandler/clstr-sharding/ports/store"
)

const (
	DriverModernc = "sqlite"
	DriverCgo     = "sqlite3"
)

type Options struct {
	// Driver is DriverModernc (default) or DriverCgo.
	Driver string
	DSN    string
	// Table receives the created records.
	Table string
	// Schema statements run once after opening, e.g. CREATE TABLE IF NOT EXISTS.
	Schema []string
	Log    *slog.Logger
}

// Store is a shard backed by one SQLite database.
type Store struct {
	db    *sql.DB
	table string
	log   *slog.Logger
}

func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Driver == "" {
		opts.Driver = DriverModernc
	}
	if opts.Table == "" {
		return nil, errors.New("sqlite: Options.Table is required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	db, err := sql.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", opts.DSN, err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY between
	// our own statements
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", opts.DSN, err)
	}
	for _, stmt := range opts.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: schema: %w", err)
		}
	}

	return &Store{
		db:    db,
		table: opts.Table,
		log:   opts.Log.With(slog.String("dsn", opts.DSN)),
	}, nil
}

// DB exposes the underlying database for queries outside the store port.
func (s *Store) DB() *sql.DB { return s.db }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) Create(ctx context.Context, attrs store.Attributes) (store.Record, error) {
	return insert(ctx, s.db, s.table, attrs)
}

func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err = fn(ctx, &sqlTx{tx: tx, table: s.table}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error("rollback failed", slog.Any("error", rbErr))
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) Count(ctx context.Context) (n int, err error) {
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(s.table)).Scan(&n)
	return n, err
}

func (s *Store) Close() error { return s.db.Close() }

type sqlTx struct {
	tx    *sql.Tx
	table string
}

func (t *sqlTx) Create(ctx context.Context, attrs store.Attributes) (store.Record, error) {
	return insert(ctx, t.tx, t.table, attrs)
}

func insert(ctx context.Context, db execer, table string, attrs store.Attributes) (store.Record, error) {
	if len(attrs) == 0 {
		return store.Record{}, errors.New("sqlite: no attributes to insert")
	}
	cols := make([]string, 0, len(attrs))
	for c := range attrs {
		cols = append(cols, c)
	}
	slices.Sort(cols)

	quoted := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		args[i] = attrs[c]
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table),
		strings.Join(quoted, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
	)
	if _, err := db.ExecContext(ctx, q, args...); err != nil {
		if isConstraint(err) {
			return store.Record{}, fmt.Errorf("%w: %w", store.ErrDuplicateKey, err)
		}
		return store.Record{}, err
	}
	return store.Record{Attributes: attrs.Clone()}, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// isConstraint matches the unique/primary key messages of both drivers.
func isConstraint(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

// Opener opens a Store per shard using the shard's driver and DSN.
func Opener(table string, schema []string, log *slog.Logger) sharding.Opener[store.Store] {
	return func(ctx context.Context, spec sharding.ShardSpec) (store.Store, error) {
		driver := spec.Driver
		if driver != DriverCgo {
			driver = DriverModernc
		}
		return Open(ctx, Options{
			Driver: driver,
			DSN:    spec.DSN,
			Table:  table,
			Schema: schema,
			Log:    log,
		})
	}
}

var _ store.Store = (*Store)(nil)
