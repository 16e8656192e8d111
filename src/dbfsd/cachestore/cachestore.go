// Package cachestore gives the schema reflector's in-memory primary-key
// cache a durable backing store, so a restarted dbfsd does not have to
// re-run SHOW FIELDS against every table it already knows about. It never
// participates in upcall correctness: a miss just falls through to a live
// lookup, the same as a cold cache.
package cachestore

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/ulikunitz/xz"

	"github.com/bitswalk/dbfsd/src/common/logs"
	"github.com/bitswalk/dbfsd/src/dbfsd/cachestore/migrations"
)

// Store is a small embedded SQLite database holding one row per (db,table)
// pair the reflector has resolved a primary key for. Unlike ldfd's
// db.Database, it lives entirely on disk — there is no in-memory working
// copy to VACUUM INTO, since this store is pure cache: PutAll upserts the
// reflector's Snapshot into it and LoadAll reads it back.
type Store struct {
	db  *sql.DB
	log *logs.Logger
}

// Open creates (if necessary) and opens the cache database at path,
// running any pending migrations.
func Open(path string, log *logs.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	db.SetMaxOpenConns(1)

	migrations.SetLogger(log)
	if err := migrations.NewRunner(db).Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run cache migrations: %w", err)
	}

	if log != nil {
		log.Debug("cache store opened", "path", path)
	}
	return &Store{db: db, log: log}, nil
}

// Close releases the underlying sqlite handle.
func (s *Store) Close() error {
	if s.log != nil {
		s.log.Debug("cache store closing")
	}
	return s.db.Close()
}

// PutAll upserts every "db/table" -> pkColumn entry from snapshot (the
// shape schema.Reflector.Snapshot returns) into pk_cache.
func (s *Store) PutAll(snapshot map[string]string) error {
	if len(snapshot) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO pk_cache (db_name, table_name, pk_column, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(db_name, table_name) DO UPDATE SET
			pk_column = excluded.pk_column,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for key, pk := range snapshot {
		db, table, ok := splitKey(key)
		if !ok {
			continue
		}
		if _, err := stmt.Exec(db, table, pk, now); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// LoadAll returns every persisted entry, in schema.Reflector.Warm's
// "db/table" -> pkColumn shape.
func (s *Store) LoadAll() (map[string]string, error) {
	rows, err := s.db.Query("SELECT db_name, table_name, pk_column FROM pk_cache")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var db, table, pk string
		if err := rows.Scan(&db, &table, &pk); err != nil {
			return nil, err
		}
		out[db+"/"+table] = pk
	}
	return out, rows.Err()
}

// InvalidateDB removes every cached entry for db. The filesystem's own
// mkdir/rmdir invalidate only the in-memory reflector and do not call it.
func (s *Store) InvalidateDB(db string) error {
	_, err := s.db.Exec("DELETE FROM pk_cache WHERE db_name = ?", db)
	return err
}

// InvalidateTable removes the cached entry for a single db/table pair.
func (s *Store) InvalidateTable(db, table string) error {
	_, err := s.db.Exec("DELETE FROM pk_cache WHERE db_name = ? AND table_name = ?", db, table)
	return err
}

// Count returns the number of cached entries, for the diag stats endpoint.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM pk_cache").Scan(&n)
	return n, err
}

func splitKey(key string) (db, table string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// ExportCompressed xz-compresses the sqlite file at dbPath and writes the
// result to snapshotPath (the `cache_path` configuration key, default
// ~/.dbfsd/cache.db.xz). Call after closing or at least quiescing the
// store so sqlite has flushed its page cache.
func ExportCompressed(dbPath, snapshotPath string) error {
	raw, err := os.ReadFile(dbPath)
	if err != nil {
		return fmt.Errorf("read cache database: %w", err)
	}

	if dir := filepath.Dir(snapshotPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
	}

	f, err := os.Create(snapshotPath)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer f.Close()

	w, err := xz.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create xz writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("compress snapshot: %w", err)
	}
	return w.Close()
}

// ImportCompressed is ExportCompressed's inverse: it decompresses
// snapshotPath and writes the sqlite file to dbPath, for a startup Load
// when no local cache database exists yet (e.g. restored from the S3
// mirror).
func ImportCompressed(snapshotPath, dbPath string) error {
	f, err := os.Open(snapshotPath)
	if err != nil {
		return fmt.Errorf("open snapshot file: %w", err)
	}
	defer f.Close()

	r, err := xz.NewReader(f)
	if err != nil {
		return fmt.Errorf("create xz reader: %w", err)
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cache directory: %w", err)
		}
	}

	out, err := os.Create(dbPath)
	if err != nil {
		return fmt.Errorf("create cache database: %w", err)
	}
	defer out.Close()

	buf := make([]byte, 32*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write cache database: %w", werr)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return fmt.Errorf("decompress snapshot: %w", rerr)
		}
	}
}
