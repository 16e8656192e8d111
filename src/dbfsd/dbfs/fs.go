package dbfs

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"

	"github.com/bitswalk/dbfsd/src/dbfsd/conn"
	"github.com/bitswalk/dbfsd/src/dbfsd/pathmap"
	"github.com/bitswalk/dbfsd/src/dbfsd/rowset"
	"github.com/bitswalk/dbfsd/src/dbfsd/sqlgen"
)

// fileSystem adapts FS to pathfs.FileSystem. Every unimplemented method
// (Readlink, Symlink, Rename, Link, Chmod, Chown, Access, xattrs,
// Utimens, StatFs, OnMount/OnUnmount) falls through to the embedded
// default, which answers ENOSYS — none of those upcalls has meaning
// over a relational schema.
type fileSystem struct {
	pathfs.FileSystem
	fs *FS
}

// NewFileSystem builds the pathfs.FileSystem dbfsd mounts.
func NewFileSystem(fs *FS) pathfs.FileSystem {
	return &fileSystem{FileSystem: pathfs.NewDefaultFileSystem(), fs: fs}
}

func (f *fileSystem) String() string { return "dbfsd" }

func (f *fileSystem) GetAttr(name string, context *fuse.Context) (*fuse.Attr, fuse.Status) {
	c := f.fs.typeOf(name)

	attr := &fuse.Attr{Owner: fuse.Owner{Uid: context.Uid, Gid: context.Gid}}

	switch c.kind {
	case DIR, DIRNoPK:
		size, err := f.fs.sizeOf(c)
		if err != nil {
			if errnoFrom(err) == conn.ErrnoTableNotFound {
				return nil, statusENOENT
			}
			if f.fs.log != nil {
				f.fs.log.Debug("directory size query failed", "path", name, "error", err)
			}
		}
		attr.Mode = fuse.S_IFDIR | 0755
		if c.kind == DIRNoPK {
			attr.Mode = fuse.S_IFDIR | 0444
		}
		attr.Nlink = 1
		attr.Size = uint64(size)
		return attr, statusOK

	case FILE:
		size, err := f.fs.sizeOf(c)
		if err != nil {
			return nil, errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
		}
		attr.Mode = fuse.S_IFREG | 0666
		if isReadOnlyColumn(c) {
			attr.Mode = fuse.S_IFREG | 0444
		}
		attr.Nlink = 1
		attr.Size = uint64(size)
		return attr, statusOK

	default:
		return nil, errnoStatus(classifyServerError(c.errno, f.fs.opts.UseCorrectCodes))
	}
}

// entryMode returns the d_type bits OpenDir reports for a given level:
// databases/tables/rows are directories, columns are files.
func entryMode(level int) uint32 {
	if level == pathmap.MaxLevel-1 {
		return fuse.S_IFREG
	}
	return fuse.S_IFDIR
}

func (f *fileSystem) OpenDir(name string, context *fuse.Context) ([]fuse.DirEntry, fuse.Status) {
	level := pathmap.Level(name)
	if level < 0 || level > pathmap.MaxLevel-1 {
		return nil, statusENOENT
	}

	var entries []fuse.DirEntry
	fill := func(v string) {
		entries = append(entries, fuse.DirEntry{Name: v, Mode: entryMode(level)})
	}

	switch level {
	case 0:
		if err := rowset.Fill(f.fs.conn, f.fs.refl, "", sqlgen.ListDatabases(), "0", fill); err != nil {
			return nil, errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
		}

	case 1:
		db, _ := pathmap.Database(name)
		if !pathmap.ValidIdentifier(db) {
			return nil, statusENOENT
		}
		if err := f.fs.conn.SelectDatabase(db); err != nil {
			return nil, errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
		}
		if err := rowset.Fill(f.fs.conn, f.fs.refl, db, sqlgen.ListTables(), "0", fill); err != nil {
			return nil, errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
		}

	case 2:
		db, _ := pathmap.Database(name)
		table, _ := pathmap.Table(name)
		if !pathmap.ValidIdentifier(db) || !pathmap.ValidIdentifier(table) {
			return nil, statusENOENT
		}
		if err := f.fs.conn.SelectDatabase(db); err != nil {
			return nil, errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
		}
		pk, hasPK, err := f.fs.refl.PrimaryKey(db, table)
		if err != nil {
			return nil, errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
		}
		if !hasPK {
			return nil, statusENOENT
		}
		if err := rowset.Fill(f.fs.conn, f.fs.refl, db, sqlgen.ListRows(table, pk), "0", fill); err != nil {
			return nil, errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
		}

	case 3:
		db, _ := pathmap.Database(name)
		table, _ := pathmap.Table(name)
		pkVal, _ := pathmap.PKValue(name)
		if !pathmap.ValidIdentifier(db) || !pathmap.ValidIdentifier(table) {
			return nil, statusENOENT
		}
		if err := f.fs.conn.SelectDatabase(db); err != nil {
			return nil, errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
		}
		pk, hasPK, err := f.fs.refl.PrimaryKey(db, table)
		if err != nil {
			return nil, errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
		}
		if !hasPK {
			return nil, statusENOENT
		}
		count, ok, err := rowset.Value(f.fs.conn, f.fs.refl, sqlgen.RowExists(table, pk, pkVal), "0", nil)
		if err != nil {
			return nil, errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
		}
		if !ok || count == "" || count == "0" {
			return nil, statusENOENT
		}
		if err := rowset.Fill(f.fs.conn, f.fs.refl, db, sqlgen.ListColumns(table), "Field", fill); err != nil {
			return nil, errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
		}
	}

	return entries, statusOK
}

func (f *fileSystem) Open(name string, flags uint32, context *fuse.Context) (nodefs.File, fuse.Status) {
	c := f.fs.typeOf(name)
	switch c.kind {
	case DIR, DIRNoPK:
		return nil, statusEISDIR
	case NOENT:
		return nil, errnoStatus(classifyServerError(c.errno, f.fs.opts.UseCorrectCodes))
	}

	wantsWrite := flags&(uint32(syscall.O_WRONLY)|uint32(syscall.O_RDWR)) != 0
	if wantsWrite {
		if f.fs.opts.ReadOnly {
			return nil, statusEPERM
		}
		if isReadOnlyColumn(c) {
			return nil, statusEPERM
		}
	}
	return newCellFile(f.fs, c), statusOK
}

func (f *fileSystem) Create(name string, flags uint32, mode uint32, context *fuse.Context) (nodefs.File, fuse.Status) {
	if f.fs.opts.ReadOnly {
		return nil, statusEPERM
	}
	if pathmap.Level(name) != pathmap.MaxLevel {
		return nil, statusEPERM
	}
	// Disallow invisible file creation (fuse-mysql.c's fmysql_create).
	if pathmap.Hidden(name) {
		return nil, statusEPERM
	}

	db, _ := pathmap.Database(name)
	table, _ := pathmap.Table(name)
	pkVal, _ := pathmap.PKValue(name)
	column, _ := pathmap.Column(name)
	if !pathmap.ValidIdentifier(db) || !pathmap.ValidIdentifier(table) || !pathmap.ValidIdentifier(column) {
		return nil, statusEPERM
	}
	if err := f.fs.conn.SelectDatabase(db); err != nil {
		return nil, errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
	}

	stmt := sqlgen.AddColumn(table, column)
	if _, err := f.fs.conn.Exec(stmt.Query, stmt.Args...); err != nil {
		return nil, statusEIO
	}

	// The new column exists whether or not pkVal's row does (fuse-mysql.c's
	// fmysql_create never checks row existence) — build the handle directly
	// rather than re-classifying through typeOf.
	pk, _, err := f.fs.refl.PrimaryKey(db, table)
	if err != nil {
		return nil, errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
	}
	c := classification{db: db, table: table, pkColumn: pk, pkValue: pkVal, column: column}
	return newCellFile(f.fs, c), statusOK
}

func (f *fileSystem) Mkdir(name string, mode uint32, context *fuse.Context) fuse.Status {
	if f.fs.opts.ReadOnly {
		return statusEPERM
	}
	level := pathmap.Level(name)
	db, _ := pathmap.Database(name)

	switch level {
	case 1:
		if !pathmap.ValidIdentifier(db) {
			return statusEPERM
		}
		stmt := sqlgen.CreateDatabase(db)
		if _, err := f.fs.conn.Exec(stmt.Query, stmt.Args...); err != nil {
			return statusEIO
		}
		f.fs.refl.Invalidate(db)
		return statusOK

	case 2:
		table, _ := pathmap.Table(name)
		if !pathmap.ValidIdentifier(db) || !pathmap.ValidIdentifier(table) {
			return statusEPERM
		}
		if err := f.fs.conn.SelectDatabase(db); err != nil {
			return errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
		}
		stmt := sqlgen.CreateTable(table)
		if _, err := f.fs.conn.Exec(stmt.Query, stmt.Args...); err != nil {
			return statusEIO
		}
		// A just-created table can't reuse a stale cache entry left by a
		// previous table of the same name.
		f.fs.refl.InvalidateTable(db, table)
		return statusOK

	case 3:
		table, _ := pathmap.Table(name)
		pkVal, _ := pathmap.PKValue(name)
		if !pathmap.ValidIdentifier(db) || !pathmap.ValidIdentifier(table) {
			return statusEPERM
		}
		if err := f.fs.conn.SelectDatabase(db); err != nil {
			return errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
		}
		pk, hasPK, err := f.fs.refl.PrimaryKey(db, table)
		if err != nil {
			return errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
		}
		if !hasPK {
			return statusEPERM
		}
		stmt := sqlgen.InsertRow(table, pk, pkVal)
		if _, err := f.fs.conn.Exec(stmt.Query, stmt.Args...); err != nil {
			return statusEIO
		}
		return statusOK

	default:
		return statusEPERM
	}
}

func (f *fileSystem) Rmdir(name string, context *fuse.Context) fuse.Status {
	if f.fs.opts.ReadOnly {
		return statusEPERM
	}
	level := pathmap.Level(name)
	db, _ := pathmap.Database(name)

	switch level {
	case 1:
		if !pathmap.ValidIdentifier(db) {
			return statusEPERM
		}
		stmt := sqlgen.DropDatabase(db)
		if _, err := f.fs.conn.Exec(stmt.Query, stmt.Args...); err != nil {
			return statusEIO
		}
		f.fs.refl.Invalidate(db)
		return statusOK

	case 2:
		table, _ := pathmap.Table(name)
		if !pathmap.ValidIdentifier(db) || !pathmap.ValidIdentifier(table) {
			return statusEPERM
		}
		if err := f.fs.conn.SelectDatabase(db); err != nil {
			return errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
		}
		stmt := sqlgen.DropTable(table)
		if _, err := f.fs.conn.Exec(stmt.Query, stmt.Args...); err != nil {
			return statusEIO
		}
		f.fs.refl.InvalidateTable(db, table)
		return statusOK

	case 3:
		table, _ := pathmap.Table(name)
		pkVal, _ := pathmap.PKValue(name)
		if !pathmap.ValidIdentifier(db) || !pathmap.ValidIdentifier(table) {
			return statusEPERM
		}
		if err := f.fs.conn.SelectDatabase(db); err != nil {
			return errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
		}
		pk, hasPK, err := f.fs.refl.PrimaryKey(db, table)
		if err != nil {
			return errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
		}
		if !hasPK {
			return statusEPERM
		}
		stmt := sqlgen.DeleteRow(table, pk, pkVal)
		if _, err := f.fs.conn.Exec(stmt.Query, stmt.Args...); err != nil {
			return statusEIO
		}
		return statusOK

	default:
		return statusEPERM
	}
}

// resolveCell extracts and validates a level-4 path's coordinates and
// resolves its primary-key column, the minimal lookup fuse-mysql.c's
// fmysql_rm/fmysql_truncate/fmysql_write do — neither checks that the
// target row or cell already exists.
func (f *fileSystem) resolveCell(name string) (classification, fuse.Status) {
	db, _ := pathmap.Database(name)
	table, _ := pathmap.Table(name)
	pkVal, _ := pathmap.PKValue(name)
	column, _ := pathmap.Column(name)
	if !pathmap.ValidIdentifier(db) || !pathmap.ValidIdentifier(table) || !pathmap.ValidIdentifier(column) {
		return classification{}, statusEPERM
	}
	if err := f.fs.conn.SelectDatabase(db); err != nil {
		return classification{}, errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
	}
	pk, hasPK, err := f.fs.refl.PrimaryKey(db, table)
	if err != nil {
		return classification{}, errnoStatus(classifyServerError(errnoFrom(err), f.fs.opts.UseCorrectCodes))
	}
	if !hasPK {
		return classification{}, statusEPERM
	}
	c := classification{db: db, table: table, pkColumn: pk, pkValue: pkVal, column: column}
	if isReadOnlyColumn(c) {
		return classification{}, statusEPERM
	}
	return c, statusOK
}

func (f *fileSystem) Unlink(name string, context *fuse.Context) fuse.Status {
	if f.fs.opts.ReadOnly {
		return statusEPERM
	}
	if pathmap.Level(name) != pathmap.MaxLevel {
		return statusEPERM
	}
	c, status := f.resolveCell(name)
	if status != statusOK {
		return status
	}
	stmt := sqlgen.NullCell(c.table, c.pkColumn, c.pkValue, c.column)
	if _, err := f.fs.conn.Exec(stmt.Query, stmt.Args...); err != nil {
		return statusEIO
	}
	return statusOK
}

func (f *fileSystem) Truncate(name string, size uint64, context *fuse.Context) fuse.Status {
	if f.fs.opts.ReadOnly {
		return statusEPERM
	}
	if pathmap.Level(name) != pathmap.MaxLevel {
		return statusEPERM
	}
	c, status := f.resolveCell(name)
	if status != statusOK {
		return status
	}
	return truncateCell(f.fs, c, size)
}
