// Package migrations versions the cachestore's sqlite schema, the same
// tracked-table-plus-ordered-Up-funcs approach ldfd's db/migrations package
// uses for its own embedded database.
package migrations

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/bitswalk/dbfsd/src/common/logs"
)

var log *logs.Logger

// SetLogger sets the logger used for migration progress messages.
func SetLogger(l *logs.Logger) {
	log = l
}

// Migration is a single versioned schema change.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// Runner applies pending migrations against a *sql.DB in version order.
type Runner struct {
	db         *sql.DB
	migrations []Migration
}

// NewRunner creates a Runner and registers every known migration.
func NewRunner(db *sql.DB) *Runner {
	r := &Runner{db: db}
	r.registerAll()
	return r
}

func (r *Runner) registerAll() {
	r.migrations = []Migration{
		migration001InitialSchema(),
	}
	sort.Slice(r.migrations, func(i, j int) bool {
		return r.migrations[i].Version < r.migrations[j].Version
	})
}

func (r *Runner) ensureMigrationsTable() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func (r *Runner) getAppliedVersions() (map[int]bool, error) {
	rows, err := r.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// Run applies every migration not yet recorded in schema_migrations.
func (r *Runner) Run() error {
	if err := r.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := r.getAppliedVersions()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range r.migrations {
		if applied[m.Version] {
			continue
		}
		if err := r.runMigration(m); err != nil {
			if log != nil {
				log.Error("cache migration failed", "version", m.Version, "description", m.Description, "error", err)
			}
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

func (r *Runner) runMigration(m Migration) error {
	if log != nil {
		log.Debug("applying cache migration", "version", m.Version, "description", m.Description)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := m.Up(tx); err != nil {
		tx.Rollback()
		return err
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Description, time.Now().UTC(),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit()
}
