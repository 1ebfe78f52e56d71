// Package sqlstore implements port.Store on database/sql. SQLite (modernc)
// and PostgreSQL (lib/pq) share one schema; nested values live in JSON body
// columns next to the columns used for lookups.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/boddenberg/quality-loop-go/internal/domain"
)

// Driver names accepted by Open and New.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type dialect struct {
	serial string // auto-increment primary key column
	dollar bool   // $n placeholders instead of ?
}

var dialects = map[string]dialect{
	DriverSQLite:   {serial: "INTEGER PRIMARY KEY AUTOINCREMENT"},
	DriverPostgres: {serial: "BIGSERIAL PRIMARY KEY", dollar: true},
}

// Store is a port.Store backed by a SQL database.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the database, applies the schema and returns the store.
// SQLite is limited to one connection so writers queue instead of failing
// with SQLITE_BUSY, and so an in-memory database is shared by every query.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	s, err := New(db, driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle. The schema is not touched.
func New(db *sql.DB, driver string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	return &Store{db: db, dialect: d}, nil
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// q rewrites ? placeholders for dialects that number them.
func (s *Store) q(query string) string {
	if !s.dialect.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// exists reports whether table has a row whose key column equals id. Table
// and column names are package constants, never input.
func (s *Store) exists(ctx context.Context, db queryer, table, column, id string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, s.q("SELECT 1 FROM "+table+" WHERE "+column+" = ?"), id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// staleOrMissing explains an UPDATE that matched no row.
func (s *Store) staleOrMissing(ctx context.Context, tx *sql.Tx, table, column string, entity domain.EntityType, id string, expected int) error {
	ok, err := s.exists(ctx, tx, table, column, id)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.ErrNotFound{Resource: string(entity), ID: id}
	}
	return &domain.ErrConflict{Entity: entity, ID: id, Expected: expected}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
