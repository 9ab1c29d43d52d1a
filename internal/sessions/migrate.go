package sessions

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one embedded up/down SQL pair for the History Store's
// schema (the sessions and messages tables SQLHistoryStore's prepared
// statements address).
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// AppliedMigration records when a migration was applied.
type AppliedMigration struct {
	ID        string
	AppliedAt time.Time
}

// Migrator applies the History Store's schema migrations: an embedded
// migrations/ tree, a schema_migrations tracking table, and one
// transaction per applied or rolled-back step.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator creates a migrator backed by db.
func NewMigrator(db *sql.DB) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("sessions: migrator requires a db")
	}
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, migrations: migrations}, nil
}

// EnsureSchema creates the schema_migrations tracking table if absent.
func (m *Migrator) EnsureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("sessions: create schema_migrations: %w", err)
	}
	return nil
}

// step runs one migration statement plus its tracking-table bookkeeping
// inside a single transaction, so a failed migration leaves no partial
// schema change recorded.
func (m *Migrator) step(ctx context.Context, verb, migrationSQL, trackSQL, id string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sessions: begin %s %s: %w", verb, id, err)
	}
	if _, err := tx.ExecContext(ctx, migrationSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sessions: %s %s: %w", verb, id, err)
	}
	if _, err := tx.ExecContext(ctx, trackSQL, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sessions: track %s %s: %w", verb, id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sessions: commit %s %s: %w", verb, id, err)
	}
	return nil
}

// Up applies pending migrations in id order. steps <= 0 applies all.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedSet(ctx)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, migration := range m.migrations {
		if applied[migration.ID] {
			continue
		}
		if steps > 0 && len(done) >= steps {
			break
		}
		if strings.TrimSpace(migration.UpSQL) == "" {
			return done, fmt.Errorf("sessions: missing up migration for %s", migration.ID)
		}
		err := m.step(ctx, "apply", migration.UpSQL,
			`INSERT INTO schema_migrations (id) VALUES ($1)`, migration.ID)
		if err != nil {
			return done, err
		}
		done = append(done, migration.ID)
	}
	return done, nil
}

// Down rolls back the most recently applied migrations (default 1).
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	if steps <= 0 {
		steps = 1
	}
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedList(ctx)
	if err != nil {
		return nil, err
	}
	if steps > len(applied) {
		steps = len(applied)
	}

	var done []string
	for i := len(applied) - 1; i >= len(applied)-steps; i-- {
		migration, ok := m.byID(applied[i].ID)
		if !ok {
			return done, fmt.Errorf("sessions: migration %s not found", applied[i].ID)
		}
		if strings.TrimSpace(migration.DownSQL) == "" {
			return done, fmt.Errorf("sessions: missing down migration for %s", migration.ID)
		}
		err := m.step(ctx, "rollback", migration.DownSQL,
			`DELETE FROM schema_migrations WHERE id = $1`, migration.ID)
		if err != nil {
			return done, err
		}
		done = append(done, migration.ID)
	}
	return done, nil
}

// Status reports applied and pending migrations.
func (m *Migrator) Status(ctx context.Context) (applied []AppliedMigration, pending []Migration, err error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	applied, err = m.appliedList(ctx)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]bool, len(applied))
	for _, entry := range applied {
		seen[entry.ID] = true
	}
	for _, migration := range m.migrations {
		if !seen[migration.ID] {
			pending = append(pending, migration)
		}
	}
	return applied, pending, nil
}

func (m *Migrator) appliedSet(ctx context.Context) (map[string]bool, error) {
	list, err := m.appliedList(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(list))
	for _, entry := range list {
		set[entry.ID] = true
	}
	return set, nil
}

func (m *Migrator) appliedList(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, applied_at FROM schema_migrations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sessions: query schema_migrations: %w", err)
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var entry AppliedMigration
		if err := rows.Scan(&entry.ID, &entry.AppliedAt); err != nil {
			return nil, fmt.Errorf("sessions: scan schema_migrations: %w", err)
		}
		applied = append(applied, entry)
	}
	return applied, rows.Err()
}

func (m *Migrator) byID(id string) (Migration, bool) {
	for _, migration := range m.migrations {
		if migration.ID == id {
			return migration, true
		}
	}
	return Migration{}, false
}

// loadMigrations pairs every <id>.up.sql with its <id>.down.sql and
// returns the pairs sorted by id.
func loadMigrations() ([]Migration, error) {
	paths, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("sessions: list migrations: %w", err)
	}

	entries := map[string]*Migration{}
	for _, path := range paths {
		base := strings.TrimPrefix(path, "migrations/")
		direction := ""
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			direction = ".up.sql"
		case strings.HasSuffix(base, ".down.sql"):
			direction = ".down.sql"
		default:
			continue
		}

		id := strings.TrimSuffix(base, direction)
		entry := entries[id]
		if entry == nil {
			entry = &Migration{ID: id}
			entries[id] = entry
		}
		data, err := migrationsFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("sessions: read migration %s: %w", path, err)
		}
		if direction == ".up.sql" {
			entry.UpSQL = string(data)
		} else {
			entry.DownSQL = string(data)
		}
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	migrations := make([]Migration, 0, len(ids))
	for _, id := range ids {
		migrations = append(migrations, *entries[id])
	}
	return migrations, nil
}
