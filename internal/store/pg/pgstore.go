// Package pg opens the PostgreSQL-backed store through the pgx stdlib driver.
package pg

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Crypto-SI/wafflepayment/internal/migrate"
	"github.com/Crypto-SI/wafflepayment/internal/store/sqlstore"
	"github.com/Crypto-SI/wafflepayment/migrations"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Pool tunes the connection pool; zero values keep the defaults.
type Pool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Dialect classifies pgx errors by SQLSTATE.
var Dialect = sqlstore.Dialect{
	Name:                  "postgres",
	IsUniqueViolation:     IsUniqueViolation,
	IsForeignKeyViolation: IsForeignKeyViolation,
}

func Open(dsn string, pool Pool) (*sqlstore.Store, error) {
	if dsn == "" {
		return nil, errors.New("pg: dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(orInt(pool.MaxOpenConns, 50))
	db.SetMaxIdleConns(orInt(pool.MaxIdleConns, 25))
	db.SetConnMaxLifetime(orDuration(pool.ConnMaxLifetime, 15*time.Minute))
	db.SetConnMaxIdleTime(orDuration(pool.ConnMaxIdleTime, 5*time.Minute))
	return sqlstore.New(db, Dialect), nil
}

// Migrator returns a migration manager for the embedded PostgreSQL schema.
func Migrator(db *sql.DB) *migrate.Manager {
	return migrate.NewManager(db, migrations.Postgres())
}

func IsUniqueViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation
}

func IsForeignKeyViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrForeignKeyViolation
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
