package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrCorrupt reports durable state that fails startup re-validation.
// Callers must refuse to operate on a store that returns it.
var ErrCorrupt = errors.New("store corrupt")

// DBTX is the query surface shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// #region store-struct
// Store owns the SQLite database holding constraints, the witness ledger,
// learning traces and the audit log.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations. The pool is limited to a
// single connection so every write transaction is serialized in append order.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion close

// #region db-accessor
// DB returns the underlying *sql.DB for use by other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion db-accessor

// #region tx
// WithTx runs fn inside a transaction, committing on nil and rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return InTx(ctx, s.db, fn)
}

// InTx runs fn inside a transaction on db.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Scope binds a component to either the shared database or an open transaction.
// Components embed it and call Run for every read-check-write sequence.
type Scope struct {
	DB *sql.DB
	Tx *sql.Tx
}

// Run executes fn against the bound transaction, or inside a fresh one.
func (sc Scope) Run(ctx context.Context, fn func(q DBTX) error) error {
	if sc.Tx != nil {
		return fn(sc.Tx)
	}
	return InTx(ctx, sc.DB, func(tx *sql.Tx) error { return fn(tx) })
}

// Query returns the handle for read-only statements.
func (sc Scope) Query() DBTX {
	if sc.Tx != nil {
		return sc.Tx
	}
	return sc.DB
}

// #endregion tx
