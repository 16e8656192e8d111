package dbfs

import (
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"

	"github.com/bitswalk/dbfsd/src/dbfsd/rowset"
	"github.com/bitswalk/dbfsd/src/dbfsd/sqlgen"
)

// cellFile is the open handle for a single column/row cell. It carries
// only the resolved coordinates (db/table/pk/column), never the cell's
// text — every Read/Write/Truncate/GetAttr re-fetches it, matching
// fmysql_read's "no caching across calls" approach.
type cellFile struct {
	nodefs.File
	fs *FS

	db, table, pkColumn, pkValue, column string
}

func newCellFile(fs *FS, c classification) nodefs.File {
	return &cellFile{
		File:     nodefs.NewDefaultFile(),
		fs:       fs,
		db:       c.db,
		table:    c.table,
		pkColumn: c.pkColumn,
		pkValue:  c.pkValue,
		column:   c.column,
	}
}

// readText fetches the cell's current text. ok is false for a SQL NULL.
func (cf *cellFile) readText() (string, bool, error) {
	if err := cf.fs.conn.SelectDatabase(cf.db); err != nil {
		return "", false, err
	}
	stmt := sqlgen.ReadCell(cf.table, cf.pkColumn, cf.pkValue, cf.column)
	return rowset.Value(cf.fs.conn, cf.fs.refl, stmt, "0", nil)
}

// contentBytes is the cell's text plus the trailing newline mysql_read
// always appends, or a bare "\n" for a NULL cell.
func contentBytes(text string, ok bool) []byte {
	if !ok {
		return []byte("\n")
	}
	out := make([]byte, 0, len(text)+1)
	out = append(out, text...)
	out = append(out, '\n')
	return out
}

func (cf *cellFile) Read(dest []byte, off int64) (fuse.ReadResult, fuse.Status) {
	text, ok, err := cf.readText()
	if err != nil {
		return nil, statusEIO
	}
	content := contentBytes(text, ok)

	if off >= int64(len(content)) {
		return fuse.ReadResultData(nil), statusOK
	}
	end := off + int64(len(dest))
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return fuse.ReadResultData(content[off:end]), statusOK
}

func (cf *cellFile) Write(data []byte, off int64) (uint32, fuse.Status) {
	if cf.fs.opts.ReadOnly {
		return 0, statusEPERM
	}
	if cf.column != "" && cf.column == cf.pkColumn {
		return 0, statusEPERM
	}

	text, ok, err := cf.readText()
	if err != nil {
		return 0, statusEIO
	}
	var existing []byte
	if ok {
		existing = []byte(text)
	}

	end := off + int64(len(data))
	if end > int64(len(existing)) {
		grown := make([]byte, end)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[off:end], data)

	stmt := sqlgen.WriteCell(cf.table, cf.pkColumn, cf.pkValue, cf.column, string(existing))
	if _, err := cf.fs.conn.Exec(stmt.Query, stmt.Args...); err != nil {
		return 0, statusEIO
	}
	return uint32(len(data)), statusOK
}

func (cf *cellFile) Truncate(size uint64) fuse.Status {
	if cf.fs.opts.ReadOnly {
		return statusEPERM
	}
	if cf.column != "" && cf.column == cf.pkColumn {
		return statusEPERM
	}
	if err := cf.fs.conn.SelectDatabase(cf.db); err != nil {
		return statusEIO
	}
	c := classification{db: cf.db, table: cf.table, pkColumn: cf.pkColumn, pkValue: cf.pkValue, column: cf.column}
	return truncateCell(cf.fs, c, size)
}

func (cf *cellFile) GetAttr(out *fuse.Attr) fuse.Status {
	text, ok, err := cf.readText()
	if err != nil {
		return statusEIO
	}
	out.Mode = fuse.S_IFREG | 0666
	if cf.column != "" && cf.column == cf.pkColumn {
		out.Mode = fuse.S_IFREG | 0444
	}
	out.Nlink = 1
	out.Size = uint64(len(contentBytes(text, ok)))
	return statusOK
}

// truncateCell implements shrink-only truncation: fuse-mysql.c's
// fmysql_truncate clips the cell's existing text to size bytes and
// writes it back; it never extends a short cell (growing via truncate is
// a no-op), and a NULL cell has nothing to clip, so it is also a no-op.
func truncateCell(fs *FS, c classification, size uint64) fuse.Status {
	stmt := sqlgen.ReadCell(c.table, c.pkColumn, c.pkValue, c.column)
	text, ok, err := rowset.Value(fs.conn, fs.refl, stmt, "0", nil)
	if err != nil {
		return statusEIO
	}
	if !ok || uint64(len(text)) <= size {
		return statusOK
	}

	clipped := text[:size]
	writeStmt := sqlgen.WriteCell(c.table, c.pkColumn, c.pkValue, c.column, clipped)
	if _, err := fs.conn.Exec(writeStmt.Query, writeStmt.Args...); err != nil {
		return statusEIO
	}
	return statusOK
}
