package conn

import (
	"database/sql/driver"
	"errors"
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/bitswalk/dbfsd/src/dbfsd/sqltest"
)

func newTestConn(t *testing.T, h sqltest.Handler) *Conn {
	db := sqltest.Register(t.Name(), h)
	return New(db, nil)
}

func TestSelectDatabaseTracksSelected(t *testing.T) {
	var seen []string
	c := newTestConn(t, func(query string, args []driver.Value) (sqltest.Result, error) {
		seen = append(seen, query)
		return sqltest.Result{}, nil
	})

	if c.Selected() != "" {
		t.Fatalf("Selected() before SelectDatabase = %q", c.Selected())
	}
	if err := c.SelectDatabase("mydb"); err != nil {
		t.Fatalf("SelectDatabase: %v", err)
	}
	if c.Selected() != "mydb" {
		t.Fatalf("Selected() = %q, want mydb", c.Selected())
	}
	if len(seen) != 1 || seen[0] != "USE `mydb`" {
		t.Fatalf("queries = %v", seen)
	}
}

func TestSelectDatabaseFailureLeavesSelectedUnchanged(t *testing.T) {
	c := newTestConn(t, func(query string, args []driver.Value) (sqltest.Result, error) {
		return sqltest.Result{Err: &mysqldriver.MySQLError{Number: ErrnoAccessDenied, Message: "denied"}}, nil
	})

	if err := c.SelectDatabase("mydb"); err == nil {
		t.Fatal("expected error")
	}
	if c.Selected() != "" {
		t.Fatalf("Selected() after failed USE = %q, want empty", c.Selected())
	}
}

func TestExecuteReturnsRows(t *testing.T) {
	c := newTestConn(t, sqltest.StaticHandler(sqltest.Result{
		Columns: []string{"id", "name"},
		Rows: [][]driver.Value{
			{int64(1), "alice"},
		},
	}))

	rows, err := c.Execute("SELECT * FROM users")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil || len(cols) != 2 {
		t.Fatalf("Columns() = %v, %v", cols, err)
	}
	if !rows.Next() {
		t.Fatal("expected a row")
	}
}

func TestExecRunsStatementWithoutRows(t *testing.T) {
	c := newTestConn(t, sqltest.StaticHandler(sqltest.Result{RowsAffected: 1}))

	res, err := c.Exec("UPDATE users SET name = ? WHERE id = ?", "bob", 1)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil || n != 1 {
		t.Fatalf("RowsAffected = %d, %v", n, err)
	}
}

func TestErrnoExtractsMySQLError(t *testing.T) {
	c := newTestConn(t, sqltest.StaticHandler(sqltest.Result{
		Err: &mysqldriver.MySQLError{Number: ErrnoTableNotFound, Message: "no such table"},
	}))

	_, err := c.Execute("SELECT * FROM missing")
	if err == nil {
		t.Fatal("expected error")
	}
	num, msg := Errno(err)
	if num != ErrnoTableNotFound {
		t.Fatalf("Errno number = %d, want %d", num, ErrnoTableNotFound)
	}
	if msg != "no such table" {
		t.Fatalf("Errno message = %q", msg)
	}
}

func TestErrnoNonMySQLError(t *testing.T) {
	num, msg := Errno(errors.New("connection refused"))
	if num != 0 || msg != "" {
		t.Fatalf("Errno(non-MySQL error) = %d, %q, want 0, \"\"", num, msg)
	}
}
