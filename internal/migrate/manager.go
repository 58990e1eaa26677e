// Package migrate applies versioned SQL migrations and seed files to a
// database/sql handle. Files are read from an fs.FS so the schema can ship
// embedded in the binary.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
	migrationsDir          = "."
	seedsDir               = "seeds"
)

var ErrNoMigrations = errors.New("migrate: no migrations applied")

// Manager executes SQL migrations and seed files.
//
// Migrations are files named NNNN_description.up.sql with a matching
// .down.sql; they are applied in lexical order. Seeds are plain .sql files
// under seeds/ applied once each.
type Manager struct {
	db              *sql.DB
	files           fs.FS
	migrationsTable string
	seedsTable      string
	now             func() time.Time
}

// Status describes one migration file.
type Status struct {
	Name    string
	Applied bool
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// NewManager constructs a Manager reading migrations from the root of files.
func NewManager(db *sql.DB, files fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		files:           files,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations and returns the names applied.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	executed, err := m.listExecuted(ctx, m.migrationsTable)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(m.files, migrationsDir, ".up.sql")
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, name := range files {
		if executed[name] {
			continue
		}
		if err := m.apply(ctx, path.Join(migrationsDir, name), m.migrationsTable, name, false); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}

// Down rolls back the most recent applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return "", err
	}
	executed, err := m.history(ctx, m.migrationsTable)
	if err != nil {
		return "", err
	}
	if len(executed) == 0 {
		return "", ErrNoMigrations
	}
	last := executed[len(executed)-1]
	downPath := path.Join(migrationsDir, strings.TrimSuffix(last, ".up.sql")+".down.sql")
	if _, err := fs.Stat(m.files, downPath); err != nil {
		return "", fmt.Errorf("missing down migration for %s", last)
	}
	if err := m.apply(ctx, downPath, m.migrationsTable, last, true); err != nil {
		return "", fmt.Errorf("rollback migration %s: %w", last, err)
	}
	return last, nil
}

// Status lists every known migration and whether it has been applied.
func (m *Manager) Status(ctx context.Context) ([]Status, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	executed, err := m.listExecuted(ctx, m.migrationsTable)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(m.files, migrationsDir, ".up.sql")
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(files))
	for _, name := range files {
		out = append(out, Status{Name: name, Applied: executed[name]})
	}
	return out, nil
}

// Seed applies seed files idempotently.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	executed, err := m.listExecuted(ctx, m.seedsTable)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(m.files, seedsDir, ".sql")
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, name := range files {
		if executed[name] {
			continue
		}
		if err := m.apply(ctx, path.Join(seedsDir, name), m.seedsTable, name, false); err != nil {
			return applied, fmt.Errorf("apply seed %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamp not null default current_timestamp
		)`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// apply runs a file and its bookkeeping row in one transaction.
func (m *Manager) apply(ctx context.Context, file, table, name string, remove bool) error {
	sqlBytes, err := fs.ReadFile(m.files, file)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(sqlBytes)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if remove {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, table), name)
	} else {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, table),
			name, m.now().UTC())
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) listExecuted(ctx context.Context, table string) (map[string]bool, error) {
	names, err := m.history(ctx, table)
	if err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(names))
	for _, name := range names {
		result[name] = true
	}
	return result, nil
}

func (m *Manager) history(ctx context.Context, table string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

func collectSQL(files fs.FS, dir, suffix string) ([]string, error) {
	if files == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements naively splits SQL by semicolon, ignoring semicolons inside
// single-quoted strings and -- comments.
func splitStatements(sql string) []string {
	var (
		stmts     []string
		current   strings.Builder
		inString  bool
		inComment bool
		prev      rune
	)
	for _, r := range sql {
		switch {
		case inComment:
			if r == '\n' {
				inComment = false
				current.WriteRune(r)
			}
		case r == '-' && prev == '-' && !inString:
			inComment = true
			s := current.String()
			current.Reset()
			current.WriteString(strings.TrimSuffix(s, "-"))
		case r == '\'':
			current.WriteRune(r)
			inString = !inString
		case r == ';' && !inString:
			stmts = append(stmts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
		prev = r
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
