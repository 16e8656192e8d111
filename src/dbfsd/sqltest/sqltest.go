// Package sqltest is a minimal in-memory database/sql/driver fake, used
// by other dbfsd packages' tests to exercise conn.Conn without a real
// MySQL server.
package sqltest

import (
	"database/sql"
	"database/sql/driver"
	"io"
	"sync"
)

// Result is the scripted response to a single query or exec.
type Result struct {
	Columns      []string
	Rows         [][]driver.Value
	LastInsertID int64
	RowsAffected int64
	Err          error
}

// Handler decides how to answer a statement. query is the raw SQL text
// passed to Query/Exec; args are the bound parameters in order.
type Handler func(query string, args []driver.Value) (Result, error)

type fakeDriver struct {
	mu      sync.Mutex
	handler Handler
}

// Register installs a fake driver under name (sql.Register panics if
// name is already taken, so callers should use a unique name per test,
// e.g. t.Name()) and returns an *sql.DB opened against it.
func Register(name string, h Handler) *sql.DB {
	sql.Register(name, &fakeDriver{handler: h})
	db, err := sql.Open(name, "")
	if err != nil {
		panic(err)
	}
	return db
}

func (d *fakeDriver) Open(dsn string) (driver.Conn, error) {
	return &fakeConn{handler: d.handler}, nil
}

type fakeConn struct {
	handler Handler
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, driver.ErrSkip
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return fakeTx{}, nil }

func (c *fakeConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	res, err := c.handler(query, args)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return &fakeRows{columns: res.Columns, rows: res.Rows}, nil
}

func (c *fakeConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	res, err := c.handler(query, args)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return fakeResult{lastID: res.LastInsertID, affected: res.RowsAffected}, nil
}

type fakeTx struct{}

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

type fakeResult struct {
	lastID   int64
	affected int64
}

func (r fakeResult) LastInsertId() (int64, error) { return r.lastID, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.affected, nil }

type fakeRows struct {
	columns []string
	rows    [][]driver.Value
	pos     int
}

func (r *fakeRows) Columns() []string { return r.columns }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}

// StaticHandler answers every statement with the same Result, useful
// for tests that only issue one kind of statement.
func StaticHandler(res Result) Handler {
	return func(string, []driver.Value) (Result, error) { return res, nil }
}
