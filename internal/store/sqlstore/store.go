// Package sqlstore implements the ledger, identity and nonce stores over
// database/sql. Queries are written once for PostgreSQL and SQLite; the
// dialect only supplies driver-specific error classification.
//
// Placeholders are numbered ($1, $2, ...) and each appears once, in order.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Crypto-SI/wafflepayment/internal/challenge"
	"github.com/Crypto-SI/wafflepayment/internal/identity"
	"github.com/Crypto-SI/wafflepayment/internal/ledger"
)

// Dialect captures what differs between drivers.
type Dialect struct {
	Name string
	// IsUniqueViolation reports whether err is a unique or primary key violation.
	IsUniqueViolation func(error) bool
	// IsForeignKeyViolation reports whether err references a missing row.
	IsForeignKeyViolation func(error) bool
}

type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var (
	_ ledger.Service       = (*Store)(nil)
	_ identity.Store       = (*Store)(nil)
	_ challenge.NonceStore = (*Store)(nil)
)

func New(db *sql.DB, d Dialect) *Store {
	if d.IsUniqueViolation == nil {
		d.IsUniqueViolation = func(error) bool { return false }
	}
	if d.IsForeignKeyViolation == nil {
		d.IsForeignKeyViolation = func(error) bool { return false }
	}
	return &Store{db: db, dialect: d, now: time.Now}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() string { return s.dialect.Name }

func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database is reachable (readiness).
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) isUnique(err error) bool {
	return err != nil && s.dialect.IsUniqueViolation(err)
}

func (s *Store) isForeignKey(err error) bool {
	return err != nil && s.dialect.IsForeignKeyViolation(err)
}
