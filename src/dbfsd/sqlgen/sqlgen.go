// Package sqlgen builds the parameterised statements the filesystem op
// state machine needs, one per (level, operation) pair. Identifiers
// (database/table/column names) are backtick-quoted directly, since
// MySQL gives no other way to parameterise them; callers are expected to
// have already validated them with pathmap.ValidIdentifier. Values
// (primary-key values, cell contents) are never interpolated — they come
// back as '?' placeholders plus a matching argument slice, ready for
// database/sql.
package sqlgen

import (
	"fmt"
	"strings"
)

// Stmt is a statement template paired with its bind arguments.
type Stmt struct {
	Query string
	Args  []any
}

func ident(name string) string {
	return "`" + name + "`"
}

// ListDatabases is the level-0 SHOW DATABASES statement.
func ListDatabases() Stmt {
	return Stmt{Query: "SHOW DATABASES"}
}

// ListTables is the level-1 SHOW TABLES statement (run after selecting db).
func ListTables() Stmt {
	return Stmt{Query: "SHOW TABLES"}
}

// ListRows is the level-2 statement enumerating primary-key values in order.
func ListRows(table, pkColumn string) Stmt {
	return Stmt{Query: fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", ident(pkColumn), ident(table), ident(pkColumn))}
}

// ListColumns is the level-3 SHOW FIELDS statement.
func ListColumns(table string) Stmt {
	return Stmt{Query: fmt.Sprintf("SHOW FIELDS FROM %s", ident(table))}
}

// CountRows counts the rows in table (level-2 getattr size).
func CountRows(table string) Stmt {
	return Stmt{Query: fmt.Sprintf("SELECT COUNT(*) FROM %s", ident(table))}
}

// RowExists is the level-3 existence check for a given primary-key value.
func RowExists(table, pkColumn, pkValue string) Stmt {
	return Stmt{
		Query: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", ident(table), ident(pkColumn)),
		Args:  []any{pkValue},
	}
}

// ReadCell fetches a cell's text and its byte length in one round-trip.
func ReadCell(table, pkColumn, pkValue, column string) Stmt {
	return Stmt{
		Query: fmt.Sprintf("SELECT %s, LENGTH(%s) FROM %s WHERE %s = ?",
			ident(column), ident(column), ident(table), ident(pkColumn)),
		Args: []any{pkValue},
	}
}

// CellExists is the level-4 typeOf probe.
func CellExists(table, pkColumn, pkValue, column string) Stmt {
	return Stmt{
		Query: fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", ident(column), ident(table), ident(pkColumn)),
		Args:  []any{pkValue},
	}
}

// CreateDatabase is the mkdir-at-level-1 statement.
func CreateDatabase(db string) Stmt {
	return Stmt{Query: fmt.Sprintf("CREATE DATABASE %s", ident(db))}
}

// CreateTable is the mkdir-at-level-2 statement: a single varchar(255)
// primary-key column named "id".
func CreateTable(table string) Stmt {
	return Stmt{Query: fmt.Sprintf("CREATE TABLE %s(id varchar(255), PRIMARY KEY(id))", ident(table))}
}

// InsertRow is the mkdir-at-level-3 statement.
func InsertRow(table, pkColumn, pkValue string) Stmt {
	return Stmt{
		Query: fmt.Sprintf("INSERT INTO %s(%s) VALUES(?)", ident(table), ident(pkColumn)),
		Args:  []any{pkValue},
	}
}

// AddColumn is the create-at-level-4 statement: a new text column.
func AddColumn(table, column string) Stmt {
	return Stmt{Query: fmt.Sprintf("ALTER TABLE %s ADD %s text", ident(table), ident(column))}
}

// DropDatabase is the rmdir-at-level-1 statement.
func DropDatabase(db string) Stmt {
	return Stmt{Query: fmt.Sprintf("DROP DATABASE %s", ident(db))}
}

// DropTable is the rmdir-at-level-2 statement.
func DropTable(table string) Stmt {
	return Stmt{Query: fmt.Sprintf("DROP TABLE %s", ident(table))}
}

// DeleteRow is the rmdir-at-level-3 statement.
func DeleteRow(table, pkColumn, pkValue string) Stmt {
	return Stmt{
		Query: fmt.Sprintf("DELETE FROM %s WHERE %s = ?", ident(table), ident(pkColumn)),
		Args:  []any{pkValue},
	}
}

// NullCell is the unlink statement: it clears the cell rather than
// dropping the column.
func NullCell(table, pkColumn, pkValue, column string) Stmt {
	return Stmt{
		Query: fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = ?", ident(table), ident(column), ident(pkColumn)),
		Args:  []any{pkValue},
	}
}

// WriteCell is the write-upcall statement.
func WriteCell(table, pkColumn, pkValue, column, newValue string) Stmt {
	return Stmt{
		Query: fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", ident(table), ident(column), ident(pkColumn)),
		Args:  []any{newValue, pkValue},
	}
}

// ShowFields is the primary-key-resolution statement.
func ShowFields(table string) Stmt {
	return Stmt{Query: fmt.Sprintf("SHOW FIELDS FROM %s", ident(table))}
}

// UseDatabase selects a database for the connection.
func UseDatabase(db string) Stmt {
	return Stmt{Query: fmt.Sprintf("USE %s", ident(db))}
}

// WithLimitOne appends "LIMIT 1" to a SELECT statement that doesn't
// already have one, matching the reflector's field-index lookup rule.
func WithLimitOne(query string) string {
	if !isSelect(query) || hasLimit(query) {
		return query
	}
	return query + " LIMIT 1"
}

func isSelect(query string) bool {
	trimmed := strings.TrimSpace(query)
	return strings.HasPrefix(strings.ToUpper(trimmed), "SELECT")
}

func hasLimit(query string) bool {
	return strings.Contains(strings.ToUpper(query), "LIMIT")
}
