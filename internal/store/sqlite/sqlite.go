// Package sqlite opens the embedded SQLite store (modernc.org/sqlite, no cgo).
// It backs local development and the integration tests.
package sqlite

import (
	"database/sql"
	"errors"
	"net/url"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Crypto-SI/wafflepayment/internal/migrate"
	"github.com/Crypto-SI/wafflepayment/internal/store/sqlstore"
	"github.com/Crypto-SI/wafflepayment/migrations"
)

// Dialect classifies SQLite extended result codes.
var Dialect = sqlstore.Dialect{
	Name:                  "sqlite",
	IsUniqueViolation:     IsUniqueViolation,
	IsForeignKeyViolation: IsForeignKeyViolation,
}

// Open opens (creating if needed) the database at path. ":memory:" is
// accepted. A single connection serialises writers so concurrent
// transactions queue instead of failing with SQLITE_BUSY.
func Open(path string) (*sqlstore.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return sqlstore.New(db, Dialect), nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	return "file:" + path + "?" + q.Encode()
}

// Migrator returns a migration manager for the embedded SQLite schema.
func Migrator(db *sql.DB) *migrate.Manager {
	return migrate.NewManager(db, migrations.SQLite())
}

func IsUniqueViolation(err error) bool {
	var e *sqlite.Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func IsForeignKeyViolation(err error) bool {
	var e *sqlite.Error
	return errors.As(err, &e) && e.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}
