package rowset

import (
	"database/sql/driver"
	"testing"

	dbconn "github.com/bitswalk/dbfsd/src/dbfsd/conn"
	"github.com/bitswalk/dbfsd/src/dbfsd/schema"
	"github.com/bitswalk/dbfsd/src/dbfsd/sqlgen"
	"github.com/bitswalk/dbfsd/src/dbfsd/sqltest"
)

func newTestFixture(t *testing.T, h sqltest.Handler) (*dbconn.Conn, *schema.Reflector) {
	db := sqltest.Register(t.Name(), h)
	c := dbconn.New(db, nil)
	return c, schema.New(c)
}

func TestValueByNumericIndex(t *testing.T) {
	c, refl := newTestFixture(t, sqltest.StaticHandler(sqltest.Result{
		Columns: []string{"id", "name"},
		Rows: [][]driver.Value{
			{int64(1), "alice"},
		},
	}))

	val, ok, err := Value(c, refl, sqlgen.Stmt{Query: "SELECT * FROM t"}, "1", nil)
	if err != nil || !ok || val != "alice" {
		t.Fatalf("Value = %q, %v, %v", val, ok, err)
	}
}

func TestValueByFieldName(t *testing.T) {
	c, refl := newTestFixture(t, sqltest.StaticHandler(sqltest.Result{
		Columns: []string{"id", "name"},
		Rows: [][]driver.Value{
			{int64(1), "alice"},
		},
	}))

	val, ok, err := Value(c, refl, sqlgen.Stmt{Query: "SELECT * FROM t"}, "name", nil)
	if err != nil || !ok || val != "alice" {
		t.Fatalf("Value = %q, %v, %v", val, ok, err)
	}
}

func TestValueNoRowsReturnsNotOK(t *testing.T) {
	c, refl := newTestFixture(t, sqltest.StaticHandler(sqltest.Result{
		Columns: []string{"id", "name"},
	}))

	_, ok, err := Value(c, refl, sqlgen.Stmt{Query: "SELECT * FROM t"}, "0", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for empty result set")
	}
}

func TestValueNullCellReturnsNotOK(t *testing.T) {
	c, refl := newTestFixture(t, sqltest.StaticHandler(sqltest.Result{
		Columns: []string{"id", "name"},
		Rows: [][]driver.Value{
			{int64(1), nil},
		},
	}))

	_, ok, err := Value(c, refl, sqlgen.Stmt{Query: "SELECT * FROM t"}, "1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a null cell")
	}
}

func TestValueRowCountOutParam(t *testing.T) {
	c, refl := newTestFixture(t, sqltest.StaticHandler(sqltest.Result{
		Columns: []string{"id"},
		Rows: [][]driver.Value{
			{int64(1)}, {int64(2)}, {int64(3)},
		},
	}))

	var rowCount int64
	_, ok, err := Value(c, refl, sqlgen.Stmt{Query: "SELECT * FROM t"}, "0", &rowCount)
	if err != nil || !ok {
		t.Fatalf("Value: %v, %v", ok, err)
	}
	if rowCount != 3 {
		t.Fatalf("rowCount = %d, want 3", rowCount)
	}
}

func TestValueCompositeSelectorReadsBothFields(t *testing.T) {
	c, refl := newTestFixture(t, sqltest.StaticHandler(sqltest.Result{
		Columns: []string{"name", "count"},
		Rows: [][]driver.Value{
			{"alice", int64(42)},
		},
	}))

	var rowCount int64
	val, ok, err := Value(c, refl, sqlgen.Stmt{Query: "SELECT * FROM t"}, "0l1", &rowCount)
	if err != nil || !ok || val != "alice" {
		t.Fatalf("Value = %q, %v, %v", val, ok, err)
	}
	if rowCount != 42 {
		t.Fatalf("rowCount = %d, want 42 (from composite secondary field)", rowCount)
	}
}

func TestFillInvokesFillerForEveryNonNullRow(t *testing.T) {
	c, refl := newTestFixture(t, sqltest.StaticHandler(sqltest.Result{
		Columns: []string{"name"},
		Rows: [][]driver.Value{
			{"alice"}, {nil}, {"bob"},
		},
	}))

	var got []string
	err := Fill(c, refl, "mydb", sqlgen.Stmt{Query: "SELECT name FROM t"}, "name", func(v string) {
		got = append(got, v)
	})
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("filled = %v, want [alice bob]", got)
	}
}

func TestFillPrimaryKeySelectorResolvesFromTable(t *testing.T) {
	calls := 0
	c, refl := newTestFixture(t, func(query string, args []driver.Value) (sqltest.Result, error) {
		calls++
		if calls == 1 {
			// schema.Reflector.PrimaryKey's SHOW FIELDS lookup.
			return sqltest.Result{
				Columns: []string{"Field", "Type", "Null", "Key", "Default", "Extra"},
				Rows: [][]driver.Value{
					{"id", "int", "NO", "PRI", nil, ""},
				},
			}, nil
		}
		return sqltest.Result{
			Columns: []string{"id"},
			Rows: [][]driver.Value{
				{int64(1)}, {int64(2)},
			},
		}, nil
	})

	var got []string
	err := Fill(c, refl, "mydb", sqlgen.Stmt{Query: "SELECT * FROM `users`"}, "$PRI$", func(v string) {
		got = append(got, v)
	})
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("filled = %v, want [1 2]", got)
	}
}
