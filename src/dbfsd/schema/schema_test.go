package schema

import (
	"database/sql/driver"
	"strings"
	"testing"

	"github.com/bitswalk/dbfsd/src/dbfsd/conn"
	"github.com/bitswalk/dbfsd/src/dbfsd/sqlgen"
	"github.com/bitswalk/dbfsd/src/dbfsd/sqltest"
)

func newTestReflector(t *testing.T, h sqltest.Handler) *Reflector {
	db := sqltest.Register(t.Name(), h)
	return New(conn.New(db, nil))
}

func showFieldsResult(pkColumn string) sqltest.Result {
	return sqltest.Result{
		Columns: []string{"Field", "Type", "Null", "Key", "Default", "Extra"},
		Rows: [][]driver.Value{
			{pkColumn, "int", "NO", "PRI", nil, "auto_increment"},
			{"name", "varchar(255)", "YES", "", nil, ""},
		},
	}
}

func TestPrimaryKeyResolvesAndCaches(t *testing.T) {
	calls := 0
	refl := newTestReflector(t, func(query string, args []driver.Value) (sqltest.Result, error) {
		calls++
		return showFieldsResult("id"), nil
	})

	col, ok, err := refl.PrimaryKey("mydb", "users")
	if err != nil || !ok || col != "id" {
		t.Fatalf("PrimaryKey = %q, %v, %v", col, ok, err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}

	// Second call must hit the cache, not issue another statement.
	col, ok, err = refl.PrimaryKey("mydb", "users")
	if err != nil || !ok || col != "id" {
		t.Fatalf("cached PrimaryKey = %q, %v, %v", col, ok, err)
	}
	if calls != 1 {
		t.Fatalf("expected cache hit, got %d calls", calls)
	}
}

func TestPrimaryKeyNoPKIsNotAnError(t *testing.T) {
	refl := newTestReflector(t, func(query string, args []driver.Value) (sqltest.Result, error) {
		return sqltest.Result{
			Columns: []string{"Field", "Type", "Null", "Key", "Default", "Extra"},
			Rows: [][]driver.Value{
				{"col", "int", "YES", "", nil, ""},
			},
		}, nil
	})

	_, ok, err := refl.PrimaryKey("mydb", "nopk")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for table with no primary key")
	}
}

func TestInvalidateDropsOnlyThatDatabase(t *testing.T) {
	refl := newTestReflector(t, func(query string, args []driver.Value) (sqltest.Result, error) {
		return showFieldsResult("id"), nil
	})

	refl.PrimaryKey("db1", "t1")
	refl.PrimaryKey("db2", "t1")

	refl.Invalidate("db1")

	snap := refl.Snapshot()
	if _, ok := snap["db1/t1"]; ok {
		t.Fatal("db1/t1 should have been invalidated")
	}
	if _, ok := snap["db2/t1"]; !ok {
		t.Fatal("db2/t1 should still be cached")
	}
}

func TestInvalidateAllClearsEverything(t *testing.T) {
	refl := newTestReflector(t, func(query string, args []driver.Value) (sqltest.Result, error) {
		return showFieldsResult("id"), nil
	})
	refl.PrimaryKey("db1", "t1")
	refl.PrimaryKey("db2", "t2")

	refl.InvalidateAll()

	if len(refl.Snapshot()) != 0 {
		t.Fatalf("expected empty snapshot, got %v", refl.Snapshot())
	}
}

func TestWarmSeedsCacheWithoutLiveLookup(t *testing.T) {
	calls := 0
	refl := newTestReflector(t, func(query string, args []driver.Value) (sqltest.Result, error) {
		calls++
		return showFieldsResult("id"), nil
	})

	refl.Warm(map[string]string{"db1/t1": "id"})

	col, ok, err := refl.PrimaryKey("db1", "t1")
	if err != nil || !ok || col != "id" {
		t.Fatalf("PrimaryKey = %q, %v, %v", col, ok, err)
	}
	if calls != 0 {
		t.Fatalf("expected warmed entry to avoid a live lookup, got %d calls", calls)
	}
}

func TestFieldIndexAddsLimitOne(t *testing.T) {
	var gotQuery string
	refl := newTestReflector(t, func(query string, args []driver.Value) (sqltest.Result, error) {
		gotQuery = query
		return sqltest.Result{Columns: []string{"id", "name"}}, nil
	})

	stmt := sqlgen.Stmt{Query: "SELECT * FROM users"}
	idx, err := refl.FieldIndex(stmt, "name")
	if err != nil {
		t.Fatalf("FieldIndex: %v", err)
	}
	if idx != 1 {
		t.Fatalf("FieldIndex = %d, want 1", idx)
	}
	if !strings.HasSuffix(gotQuery, "LIMIT 1") {
		t.Fatalf("query = %q, want LIMIT 1 appended", gotQuery)
	}
}

func TestFieldIndexMissingFieldReturnsNegativeOne(t *testing.T) {
	refl := newTestReflector(t, sqltest.StaticHandler(sqltest.Result{Columns: []string{"id"}}))

	idx, err := refl.FieldIndex(sqlgen.Stmt{Query: "SELECT * FROM users"}, "missing")
	if err != nil {
		t.Fatalf("FieldIndex: %v", err)
	}
	if idx != -1 {
		t.Fatalf("FieldIndex = %d, want -1", idx)
	}
}
