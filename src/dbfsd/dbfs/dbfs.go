// Package dbfs is the filesystem op state machine: it classifies every
// mount-relative path into NOENT/FILE/DIR/DIR_NOPK and implements the ten
// FUSE upcalls on top of that classification, the way fuse-mysql.c's
// fmysql_* functions do against libfuse's fuse_operations.
package dbfs

import (
	"strconv"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bitswalk/dbfsd/src/common/logs"
	"github.com/bitswalk/dbfsd/src/dbfsd/conn"
	"github.com/bitswalk/dbfsd/src/dbfsd/pathmap"
	"github.com/bitswalk/dbfsd/src/dbfsd/rowset"
	"github.com/bitswalk/dbfsd/src/dbfsd/schema"
	"github.com/bitswalk/dbfsd/src/dbfsd/sqlgen"
)

// Kind is the classification typeOf assigns to a path.
type Kind int

const (
	NOENT Kind = iota
	FILE
	DIR
	DIRNoPK
)

// statusOK/EPERM/EIO/ENOENT/EISDIR are the fixed fuse.Status values every
// upcall returns; go-fuse only names OK itself, so the rest are built by
// converting the matching syscall.Errno once, here.
var (
	statusOK     = fuse.OK
	statusEPERM  = fuse.Status(syscall.EPERM)
	statusEIO    = fuse.Status(syscall.EIO)
	statusENOENT = fuse.Status(syscall.ENOENT)
	statusEISDIR = fuse.Status(syscall.EISDIR)
)

// errnoStatus converts a POSIX errno into the fuse.Status an upcall returns.
func errnoStatus(errno syscall.Errno) fuse.Status {
	return fuse.Status(errno)
}

// errnoFrom extracts a server errno from err via conn.Errno, defaulting to
// 0 (no server errno) for errors that never reached the driver.
func errnoFrom(err error) uint16 {
	errno, _ := conn.Errno(err)
	return errno
}

// Options configures the filesystem's policy knobs.
type Options struct {
	ReadOnly        bool
	UseCorrectCodes bool
}

// FS implements the mount tree over a single database connection. It
// carries no per-path state between upcalls — every upcall re-resolves
// its path from scratch, the same way the original re-ran getType on
// every entry point rather than caching a file handle's type.
type FS struct {
	conn *conn.Conn
	refl *schema.Reflector
	opts Options
	log  *logs.Logger
}

// New creates an FS bound to c, using refl for primary-key resolution.
func New(c *conn.Conn, refl *schema.Reflector, opts Options, log *logs.Logger) *FS {
	return &FS{conn: c, refl: refl, opts: opts, log: log}
}

// classification is typeOf's result: the path's kind plus enough context
// to avoid re-deriving it (the resolved primary-key column, and the
// server errno that produced a NOENT so getattr can classify it).
type classification struct {
	kind     Kind
	db       string
	table    string
	pkColumn string
	pkValue  string
	column   string
	errno    uint16
}

// typeOf classifies path exactly as fuse-mysql.c's getType does: level 0
// is always a directory; level 1+ requires the database to select
// successfully; levels 1-2 are directories (level 2 downgrading to
// DIR_NOPK when the table has no primary key); level 3 requires a row to
// exist for the given primary-key value; level 4 requires the SELECT of
// that column to execute without error.
func (fs *FS) typeOf(path string) classification {
	level := pathmap.Level(path)
	if level == 0 {
		return classification{kind: DIR}
	}
	if level > pathmap.MaxLevel {
		return classification{kind: NOENT}
	}

	db, _ := pathmap.Database(path)
	if !pathmap.ValidIdentifier(db) {
		return classification{kind: NOENT}
	}
	if err := fs.conn.SelectDatabase(db); err != nil {
		errno, _ := conn.Errno(err)
		return classification{kind: NOENT, db: db, errno: errno}
	}

	if level <= 2 {
		if level == 1 {
			return classification{kind: DIR, db: db}
		}
		table, _ := pathmap.Table(path)
		if !pathmap.ValidIdentifier(table) {
			return classification{kind: NOENT, db: db}
		}
		pk, hasPK, err := fs.refl.PrimaryKey(db, table)
		if err != nil {
			// A reflection error downgrades the table to DIR_NOPK; GetAttr's
			// size query then reports a missing table as ENOENT.
			errno, _ := conn.Errno(err)
			return classification{kind: DIRNoPK, db: db, table: table, errno: errno}
		}
		if !hasPK {
			return classification{kind: DIRNoPK, db: db, table: table}
		}
		return classification{kind: DIR, db: db, table: table, pkColumn: pk}
	}

	table, _ := pathmap.Table(path)
	if !pathmap.ValidIdentifier(table) {
		return classification{kind: NOENT, db: db}
	}
	pk, hasPK, err := fs.refl.PrimaryKey(db, table)
	if err != nil {
		errno, _ := conn.Errno(err)
		return classification{kind: NOENT, db: db, table: table, errno: errno}
	}
	if !hasPK {
		return classification{kind: NOENT, db: db, table: table}
	}
	pkVal, _ := pathmap.PKValue(path)

	if level == 3 {
		stmt := sqlgen.RowExists(table, pk, pkVal)
		count, ok, err := rowset.Value(fs.conn, fs.refl, stmt, "0", nil)
		if err != nil {
			errno, _ := conn.Errno(err)
			return classification{kind: NOENT, db: db, table: table, pkColumn: pk, pkValue: pkVal, errno: errno}
		}
		if !ok || count == "0" || count == "" {
			return classification{kind: NOENT, db: db, table: table, pkColumn: pk, pkValue: pkVal}
		}
		return classification{kind: DIR, db: db, table: table, pkColumn: pk, pkValue: pkVal}
	}

	// level == 4
	column, _ := pathmap.Column(path)
	if !pathmap.ValidIdentifier(column) {
		return classification{kind: NOENT, db: db, table: table, pkColumn: pk, pkValue: pkVal}
	}
	stmt := sqlgen.CellExists(table, pk, pkVal, column)
	rows, err := fs.conn.Execute(stmt.Query, stmt.Args...)
	if err != nil {
		errno, _ := conn.Errno(err)
		return classification{kind: NOENT, db: db, table: table, pkColumn: pk, pkValue: pkVal, column: column, errno: errno}
	}
	rows.Close()
	return classification{kind: FILE, db: db, table: table, pkColumn: pk, pkValue: pkVal, column: column}
}

// classifyServerError maps a server errno to the POSIX errno a NOENT
// classification should report, the way fuse-mysql.c's getErrorCode
// does: table-not-found (1146) is always ENOENT; access-denied (1044)
// is EPERM only when useCorrectCodes is set; anything else (including
// errno == 0, no server error at all) is ENOENT.
func classifyServerError(errno uint16, useCorrectCodes bool) syscall.Errno {
	switch errno {
	case 0:
		return syscall.ENOENT
	case conn.ErrnoTableNotFound:
		return syscall.ENOENT
	case conn.ErrnoAccessDenied:
		if useCorrectCodes {
			return syscall.EPERM
		}
		return syscall.ENOENT
	default:
		return syscall.ENOENT
	}
}

// isReadOnlyColumn reports whether column is c's resolved primary-key
// column — writes to it are always rejected.
func isReadOnlyColumn(c classification) bool {
	return c.pkColumn != "" && c.column == c.pkColumn
}

// sizeOf computes st_size exactly as fuse-mysql.c's getSize does: a
// count of entries for directories, and a cell's text length (plus the
// trailing newline byte dbfs always appends) for files.
func (fs *FS) sizeOf(c classification) (int64, error) {
	switch c.kind {
	case DIR, DIRNoPK:
		switch {
		case c.db == "":
			rows, err := fs.conn.Execute(sqlgen.ListDatabases().Query)
			if err != nil {
				return 0, err
			}
			defer rows.Close()
			return countRows(rows)
		case c.table == "":
			rows, err := fs.conn.Execute(sqlgen.ListTables().Query)
			if err != nil {
				return 0, err
			}
			defer rows.Close()
			return countRows(rows)
		case c.pkValue == "":
			stmt := sqlgen.CountRows(c.table)
			n, ok, err := rowset.Value(fs.conn, fs.refl, stmt, "0", nil)
			if err != nil {
				return 0, err
			}
			if !ok {
				return 0, nil
			}
			v, _ := strconv.ParseInt(n, 10, 64)
			return v, nil
		default:
			stmt := sqlgen.ListColumns(c.table)
			var columns int64
			if _, _, err := rowset.Value(fs.conn, fs.refl, stmt, "0", &columns); err != nil {
				return 0, err
			}
			return columns, nil
		}
	case FILE:
		stmt := sqlgen.ReadCell(c.table, c.pkColumn, c.pkValue, c.column)
		text, ok, err := rowset.Value(fs.conn, fs.refl, stmt, "0", nil)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		return int64(len(text)) + 1, nil
	}
	return 0, nil
}

func countRows(rows interface{ Next() bool }) (int64, error) {
	var n int64
	for rows.Next() {
		n++
	}
	return n, nil
}
