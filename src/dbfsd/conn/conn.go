// Package conn wraps a single MySQL connection behind a
// connect/select_database/execute/errno surface. It owns exactly one
// *sql.DB (capped to one open connection) for the lifetime of the
// process, and serialises every upcall's statements through a mutex so
// that, within a single upcall, statements run in the exact order the
// filesystem op state machine issues them.
package conn

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/bitswalk/dbfsd/src/common/logs"
	mysqldriver "github.com/go-sql-driver/mysql"
)

// Config holds the connection parameters for the fronted MySQL server.
type Config struct {
	// Server is the host[:port] passed to the driver.
	Server string
	// User is the database user.
	User string
	// Password is the (already-decoded) password.
	Password string
}

// Conn is the single process-wide server connection. It is safe for
// concurrent use; callers never need their own locking.
type Conn struct {
	mu       sync.Mutex
	db       *sql.DB
	selected string
	log      *logs.Logger
}

// Open connects to the MySQL server named in cfg. No database is
// selected yet — callers must call SelectDatabase before running
// statements that assume one.
func Open(cfg Config, log *logs.Logger) (*Conn, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/", cfg.User, cfg.Password, cfg.Server)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}

	// Exactly one server connection exists per process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach mysql server %s: %w", cfg.Server, err)
	}

	return &Conn{db: db, log: log}, nil
}

// New wraps an already-open *sql.DB (e.g. one opened against a fake
// driver in a test, or a pool shared with another component) without
// going through Open's dial-and-ping sequence.
func New(db *sql.DB, log *logs.Logger) *Conn {
	return &Conn{db: db, log: log}
}

// Close releases the underlying connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Close()
}

// SelectDatabase issues USE <name>. name must already be validated as a
// bare identifier by the caller (pathmap.ValidIdentifier); typeOf relies
// on this call's error to detect a missing database.
func (c *Conn) SelectDatabase(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.Exec("USE `" + name + "`"); err != nil {
		return err
	}
	c.selected = name
	return nil
}

// Selected returns the name of the currently selected database, if any.
func (c *Conn) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Execute runs a statement and returns its rows. Callers must Close the
// returned *sql.Rows. The mutex is held only long enough to issue the
// query; the kernel transport's single-threaded dispatch means this
// rarely contends, but a future thread-pool dispatcher would need it.
func (c *Conn) Execute(query string, args ...any) (*sql.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.db.Query(query, args...)
	if err != nil && c.log != nil {
		c.log.Debug("statement failed", "query", query, "error", err)
	}
	return rows, err
}

// Exec runs a statement that doesn't return rows (DDL, INSERT/UPDATE/DELETE).
func (c *Conn) Exec(query string, args ...any) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.db.Exec(query, args...)
	if err != nil && c.log != nil {
		c.log.Debug("statement failed", "query", query, "error", err)
	}
	return res, err
}

// Errno extracts the MySQL server error number and message from err, when
// err (or something it wraps) is a *mysql.MySQLError. Returns (0, "")
// otherwise.
func Errno(err error) (uint16, string) {
	var me *mysqldriver.MySQLError
	if errors.As(err, &me) {
		return me.Number, me.Message
	}
	return 0, ""
}

// Server error numbers classifyServerError (in dbfs) cares about.
const (
	ErrnoAccessDenied  = 1044
	ErrnoTableNotFound = 1146
)
