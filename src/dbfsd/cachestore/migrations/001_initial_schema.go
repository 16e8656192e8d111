package migrations

import "database/sql"

// migration001InitialSchema creates the single table cachestore persists:
// one row per (database, table) pair the reflector has ever resolved a
// primary key for — the in-memory schema-reflection cache, made durable.
func migration001InitialSchema() Migration {
	return Migration{
		Version:     1,
		Description: "create pk_cache table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS pk_cache (
					db_name     TEXT NOT NULL,
					table_name  TEXT NOT NULL,
					pk_column   TEXT NOT NULL,
					updated_at  DATETIME NOT NULL,
					PRIMARY KEY (db_name, table_name)
				)
			`)
			return err
		},
	}
}
