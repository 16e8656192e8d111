package dbfs

import (
	"database/sql/driver"
	"strings"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"

	mysqldriver "github.com/go-sql-driver/mysql"

	dbconn "github.com/bitswalk/dbfsd/src/dbfsd/conn"
	"github.com/bitswalk/dbfsd/src/dbfsd/schema"
	"github.com/bitswalk/dbfsd/src/dbfsd/sqltest"
)

func newTestFileSystem(t *testing.T, opts Options, h sqltest.Handler) *fileSystem {
	db := sqltest.Register(t.Name(), h)
	c := dbconn.New(db, nil)
	fs := New(c, schema.New(c), opts, nil)
	return NewFileSystem(fs).(*fileSystem)
}

func noQueryHandler(t *testing.T) sqltest.Handler {
	return func(query string, args []driver.Value) (sqltest.Result, error) {
		t.Fatalf("unexpected statement issued in read-only mode: %s", query)
		return sqltest.Result{}, nil
	}
}

func TestGetAttrDirectory(t *testing.T) {
	fs := newTestFileSystem(t, Options{}, func(query string, args []driver.Value) (sqltest.Result, error) {
		if strings.Contains(query, "SHOW TABLES") {
			return sqltest.Result{Columns: []string{"Tables"}, Rows: [][]driver.Value{{"a"}, {"b"}}}, nil
		}
		return sqltest.Result{}, nil
	})
	attr, status := fs.GetAttr("/mydb", &fuse.Context{})
	if !status.Ok() {
		t.Fatalf("GetAttr status = %v", status)
	}
	if attr.Mode&fuse.S_IFDIR == 0 {
		t.Fatalf("attr.Mode = %v, want a directory", attr.Mode)
	}
	if attr.Size != 2 {
		t.Fatalf("attr.Size = %d, want 2", attr.Size)
	}
}

func TestGetAttrFileIsReadOnlyOnPrimaryKey(t *testing.T) {
	fs := newTestFileSystem(t, Options{}, func(query string, args []driver.Value) (sqltest.Result, error) {
		switch {
		case strings.Contains(query, "SHOW FIELDS"):
			return showFieldsRow("id", true), nil
		case strings.Contains(query, "COUNT(*)"):
			return sqltest.Result{Columns: []string{"COUNT(*)"}, Rows: [][]driver.Value{{int64(1)}}}, nil
		case strings.Contains(query, "LENGTH"):
			return sqltest.Result{Columns: []string{"id", "LENGTH(`id`)"}, Rows: [][]driver.Value{{"42", int64(2)}}}, nil
		}
		return sqltest.Result{Columns: []string{"id"}, Rows: [][]driver.Value{{"42"}}}, nil
	})
	attr, status := fs.GetAttr("/mydb/users/42/id", &fuse.Context{})
	if !status.Ok() {
		t.Fatalf("GetAttr status = %v", status)
	}
	if attr.Mode != fuse.S_IFREG|0444 {
		t.Fatalf("attr.Mode = %o, want a read-only regular file", attr.Mode)
	}
}

func TestGetAttrNoentMapsServerError(t *testing.T) {
	fs := newTestFileSystem(t, Options{}, sqltest.StaticHandler(sqltest.Result{
		Err: &mysqldriver.MySQLError{Number: dbconn.ErrnoTableNotFound, Message: "unknown database"},
	}))
	_, status := fs.GetAttr("/missing", &fuse.Context{})
	if status != statusENOENT {
		t.Fatalf("GetAttr status = %v, want ENOENT", status)
	}
}

func TestOpenDirLevel0ListsDatabases(t *testing.T) {
	fs := newTestFileSystem(t, Options{}, func(query string, args []driver.Value) (sqltest.Result, error) {
		if strings.Contains(query, "SHOW DATABASES") {
			return sqltest.Result{Columns: []string{"Database"}, Rows: [][]driver.Value{{"a"}, {"b"}}}, nil
		}
		return sqltest.Result{}, nil
	})
	entries, status := fs.OpenDir("", &fuse.Context{})
	if !status.Ok() || len(entries) != 2 {
		t.Fatalf("OpenDir(\"\") = %v, %v", entries, status)
	}
	for _, e := range entries {
		if e.Mode != fuse.S_IFDIR {
			t.Fatalf("entry %q mode = %v, want directory", e.Name, e.Mode)
		}
	}
}

func TestOpenDirLevel3ListsColumnsAsFiles(t *testing.T) {
	fs := newTestFileSystem(t, Options{}, func(query string, args []driver.Value) (sqltest.Result, error) {
		switch {
		case strings.Contains(query, "SHOW FIELDS"):
			return showFieldsRow("id", true), nil
		case strings.Contains(query, "COUNT(*)"):
			return sqltest.Result{Columns: []string{"COUNT(*)"}, Rows: [][]driver.Value{{int64(1)}}}, nil
		}
		return sqltest.Result{}, nil
	})
	entries, status := fs.OpenDir("/mydb/users/42", &fuse.Context{})
	if !status.Ok() {
		t.Fatalf("OpenDir status = %v", status)
	}
	if len(entries) != 1 || entries[0].Name != "id" || entries[0].Mode != fuse.S_IFREG {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestOpenDirMissingRowIsNoent(t *testing.T) {
	fs := newTestFileSystem(t, Options{}, func(query string, args []driver.Value) (sqltest.Result, error) {
		switch {
		case strings.Contains(query, "SHOW FIELDS"):
			return showFieldsRow("id", true), nil
		case strings.Contains(query, "COUNT(*)"):
			return sqltest.Result{Columns: []string{"COUNT(*)"}, Rows: [][]driver.Value{{int64(0)}}}, nil
		}
		return sqltest.Result{}, nil
	})
	_, status := fs.OpenDir("/mydb/users/999", &fuse.Context{})
	if status != statusENOENT {
		t.Fatalf("OpenDir status = %v, want ENOENT", status)
	}
}

func TestOpenRejectsWriteOnPrimaryKeyColumn(t *testing.T) {
	fs := newTestFileSystem(t, Options{}, func(query string, args []driver.Value) (sqltest.Result, error) {
		switch {
		case strings.Contains(query, "SHOW FIELDS"):
			return showFieldsRow("id", true), nil
		case strings.Contains(query, "COUNT(*)"):
			return sqltest.Result{Columns: []string{"COUNT(*)"}, Rows: [][]driver.Value{{int64(1)}}}, nil
		}
		return sqltest.Result{Columns: []string{"id"}, Rows: [][]driver.Value{{"42"}}}, nil
	})
	_, status := fs.Open("/mydb/users/42/id", uint32(syscall.O_WRONLY), &fuse.Context{})
	if status != statusEPERM {
		t.Fatalf("Open status = %v, want EPERM", status)
	}
}

func TestOpenReadOnlyModeRejectsWriteIntent(t *testing.T) {
	fs := newTestFileSystem(t, Options{ReadOnly: true}, func(query string, args []driver.Value) (sqltest.Result, error) {
		switch {
		case strings.Contains(query, "SHOW FIELDS"):
			return showFieldsRow("id", true), nil
		case strings.Contains(query, "COUNT(*)"):
			return sqltest.Result{Columns: []string{"COUNT(*)"}, Rows: [][]driver.Value{{int64(1)}}}, nil
		}
		return sqltest.Result{Columns: []string{"name"}, Rows: [][]driver.Value{{"alice"}}}, nil
	})
	_, status := fs.Open("/mydb/users/42/name", uint32(syscall.O_WRONLY), &fuse.Context{})
	if status != statusEPERM {
		t.Fatalf("Open status = %v, want EPERM", status)
	}
}

func TestCreateReadOnlyModeRejectsWithoutQuery(t *testing.T) {
	fs := newTestFileSystem(t, Options{ReadOnly: true}, noQueryHandler(t))
	_, status := fs.Create("/mydb/users/42/new", 0, 0644, &fuse.Context{})
	if status != statusEPERM {
		t.Fatalf("Create status = %v, want EPERM", status)
	}
}

func TestCreateRejectsHiddenFile(t *testing.T) {
	fs := newTestFileSystem(t, Options{}, noQueryHandler(t))
	_, status := fs.Create("/mydb/users/42/.hidden", 0, 0644, &fuse.Context{})
	if status != statusEPERM {
		t.Fatalf("Create status = %v, want EPERM", status)
	}
}

func TestCreateAddsColumnAndReturnsHandle(t *testing.T) {
	var ran []string
	fs := newTestFileSystem(t, Options{}, func(query string, args []driver.Value) (sqltest.Result, error) {
		ran = append(ran, query)
		if strings.Contains(query, "SHOW FIELDS") {
			return showFieldsRow("id", true), nil
		}
		return sqltest.Result{}, nil
	})
	f, status := fs.Create("/mydb/users/42/bio", 0, 0644, &fuse.Context{})
	if !status.Ok() || f == nil {
		t.Fatalf("Create = %v, %v", f, status)
	}
	found := false
	for _, q := range ran {
		if strings.Contains(q, "ALTER TABLE") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an ALTER TABLE statement, ran = %v", ran)
	}
}

func TestMkdirReadOnlyModeRejectsWithoutQuery(t *testing.T) {
	fs := newTestFileSystem(t, Options{ReadOnly: true}, noQueryHandler(t))
	if status := fs.Mkdir("/newdb", 0755, &fuse.Context{}); status != statusEPERM {
		t.Fatalf("Mkdir status = %v, want EPERM", status)
	}
}

func TestMkdirLevel1CreatesDatabaseAndInvalidatesCache(t *testing.T) {
	var ran []string
	fs := newTestFileSystem(t, Options{}, func(query string, args []driver.Value) (sqltest.Result, error) {
		ran = append(ran, query)
		return sqltest.Result{}, nil
	})
	fs.fs.refl.Warm(map[string]string{"newdb/stale": "id"})
	if status := fs.Mkdir("/newdb", 0755, &fuse.Context{}); !status.Ok() {
		t.Fatalf("Mkdir status = %v", status)
	}
	if len(ran) != 1 || !strings.Contains(ran[0], "CREATE DATABASE") {
		t.Fatalf("ran = %v", ran)
	}
	if snap := fs.fs.refl.Snapshot(); len(snap) != 0 {
		t.Fatalf("expected the stale cache entry to be invalidated, snapshot = %v", snap)
	}
}

func TestRmdirReadOnlyModeRejectsWithoutQuery(t *testing.T) {
	fs := newTestFileSystem(t, Options{ReadOnly: true}, noQueryHandler(t))
	if status := fs.Rmdir("/mydb", &fuse.Context{}); status != statusEPERM {
		t.Fatalf("Rmdir status = %v, want EPERM", status)
	}
}

func TestRmdirLevel2DropsTableAndInvalidatesCache(t *testing.T) {
	var ran []string
	fs := newTestFileSystem(t, Options{}, func(query string, args []driver.Value) (sqltest.Result, error) {
		ran = append(ran, query)
		return sqltest.Result{}, nil
	})
	fs.fs.refl.Warm(map[string]string{"mydb/users": "id"})
	if status := fs.Rmdir("/mydb/users", &fuse.Context{}); !status.Ok() {
		t.Fatalf("Rmdir status = %v", status)
	}
	found := false
	for _, q := range ran {
		if strings.Contains(q, "DROP TABLE") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a DROP TABLE statement, ran = %v", ran)
	}
	if snap := fs.fs.refl.Snapshot(); len(snap) != 0 {
		t.Fatalf("expected the dropped table's cache entry to be invalidated, snapshot = %v", snap)
	}
}

func TestUnlinkReadOnlyModeRejectsWithoutQuery(t *testing.T) {
	fs := newTestFileSystem(t, Options{ReadOnly: true}, noQueryHandler(t))
	if status := fs.Unlink("/mydb/users/42/name", &fuse.Context{}); status != statusEPERM {
		t.Fatalf("Unlink status = %v, want EPERM", status)
	}
}

func TestUnlinkNullsCellRatherThanDroppingColumn(t *testing.T) {
	var ran []string
	fs := newTestFileSystem(t, Options{}, func(query string, args []driver.Value) (sqltest.Result, error) {
		ran = append(ran, query)
		if strings.Contains(query, "SHOW FIELDS") {
			return showFieldsRow("id", true), nil
		}
		return sqltest.Result{}, nil
	})
	if status := fs.Unlink("/mydb/users/42/name", &fuse.Context{}); !status.Ok() {
		t.Fatalf("Unlink status = %v", status)
	}
	last := ran[len(ran)-1]
	if !strings.Contains(last, "SET `name` = NULL") {
		t.Fatalf("last statement = %q, want a null-out UPDATE, not a DROP COLUMN; ran = %v", last, ran)
	}
}

func TestUnlinkRejectsPrimaryKeyColumn(t *testing.T) {
	fs := newTestFileSystem(t, Options{}, func(query string, args []driver.Value) (sqltest.Result, error) {
		if strings.Contains(query, "SHOW FIELDS") {
			return showFieldsRow("id", true), nil
		}
		return sqltest.Result{}, nil
	})
	if status := fs.Unlink("/mydb/users/42/id", &fuse.Context{}); status != statusEPERM {
		t.Fatalf("Unlink status = %v, want EPERM", status)
	}
}

func TestFSTruncateReadOnlyModeRejectsWithoutQuery(t *testing.T) {
	fs := newTestFileSystem(t, Options{ReadOnly: true}, noQueryHandler(t))
	if status := fs.Truncate("/mydb/users/42/name", 0, &fuse.Context{}); status != statusEPERM {
		t.Fatalf("Truncate status = %v, want EPERM", status)
	}
}
