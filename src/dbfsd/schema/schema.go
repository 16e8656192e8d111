// Package schema resolves a table's primary-key column and the field
// index of a named column within a statement's result set. Primary keys
// are cached for the process lifetime; field-index lookups are not cached.
package schema

import (
	"fmt"
	"sync"

	"github.com/bitswalk/dbfsd/src/dbfsd/conn"
	"github.com/bitswalk/dbfsd/src/dbfsd/sqlgen"
)

// Reflector resolves and caches primary-key columns and field indexes.
type Reflector struct {
	conn *conn.Conn

	mu      sync.RWMutex
	pkCache map[string]pkEntry // "db/table" -> resolved primary key
}

type pkEntry struct {
	column string
	hasPK  bool
}

// New creates a Reflector bound to conn.
func New(c *conn.Conn) *Reflector {
	return &Reflector{conn: c, pkCache: make(map[string]pkEntry)}
}

// FieldIndex executes stmt (adding LIMIT 1 when it is a SELECT without
// one), reads the result set's column metadata, and returns the
// zero-based index of fieldName, or -1 when the field is absent.
func (r *Reflector) FieldIndex(stmt sqlgen.Stmt, fieldName string) (int, error) {
	query := sqlgen.WithLimitOne(stmt.Query)

	rows, err := r.conn.Execute(query, stmt.Args...)
	if err != nil {
		return -1, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return -1, err
	}
	for i, c := range cols {
		if c == fieldName {
			return i, nil
		}
	}
	return -1, nil
}

// PrimaryKey returns the primary-key column name for db/table, using the
// cache when available. ok is false when the table has no primary key
// (or was not found); err carries the underlying server error in that
// case so callers can classify it, but ok=false with err=nil means "no
// primary key", which is not an upcall failure — reflection errors never
// escape the reflector as upcall failures, they downgrade the directory
// to DIR_NOPK.
func (r *Reflector) PrimaryKey(db, table string) (column string, ok bool, err error) {
	key := cacheKey(db, table)

	r.mu.RLock()
	if entry, found := r.pkCache[key]; found {
		r.mu.RUnlock()
		return entry.column, entry.hasPK, nil
	}
	r.mu.RUnlock()

	column, ok, err = r.resolvePrimaryKey(table)
	if err != nil {
		// Don't cache lookups that failed outright (table missing, access
		// denied) — only cache a definite "has PK" / "no PK" answer.
		return "", false, err
	}

	r.mu.Lock()
	r.pkCache[key] = pkEntry{column: column, hasPK: ok}
	r.mu.Unlock()

	return column, ok, nil
}

func (r *Reflector) resolvePrimaryKey(table string) (string, bool, error) {
	stmt := sqlgen.ShowFields(table)
	rows, err := r.conn.Execute(stmt.Query, stmt.Args...)
	if err != nil {
		return "", false, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", false, err
	}
	fieldIdx, keyIdx := -1, -1
	for i, c := range cols {
		switch c {
		case "Field":
			fieldIdx = i
		case "Key":
			keyIdx = i
		}
	}
	if fieldIdx < 0 || keyIdx < 0 {
		return "", false, fmt.Errorf("SHOW FIELDS result missing Field/Key columns")
	}

	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return "", false, err
		}
		// Every value is copied out of the driver's buffers into an owned
		// Go string immediately — getPrimaryKeyName's original bug returned
		// a pointer into a result set that had just been released.
		keyVal := toString(raw[keyIdx])
		if keyVal == "PRI" {
			return toString(raw[fieldIdx]), true, nil
		}
	}
	return "", false, nil
}

// Invalidate drops every cached primary key for db. Called on mkdir/rmdir
// at level 1; mkdir/rmdir at level 2 use InvalidateTable instead.
func (r *Reflector) Invalidate(db string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := db + "/"
	for k := range r.pkCache {
		if k == db || len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(r.pkCache, k)
		}
	}
}

// InvalidateTable drops the cached primary key for a single db/table pair.
func (r *Reflector) InvalidateTable(db, table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pkCache, cacheKey(db, table))
}

// InvalidateAll drops every cached primary key, for the diagnostics API's
// operator-triggered cache-clear escape hatch.
func (r *Reflector) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pkCache = make(map[string]pkEntry)
}

// Snapshot returns a copy of the cache's current contents, keyed by
// "db/table", for cachestore to persist.
func (r *Reflector) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.pkCache))
	for k, v := range r.pkCache {
		if v.hasPK {
			out[k] = v.column
		}
	}
	return out
}

// Warm seeds the cache from a previously persisted snapshot. Warmed
// entries are served as cache hits without a live check; only keys absent
// from the cache fall through to a live SHOW FIELDS.
func (r *Reflector) Warm(snapshot map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, col := range snapshot {
		r.pkCache[k] = pkEntry{column: col, hasPK: true}
	}
}

func cacheKey(db, table string) string {
	return db + "/" + table
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
