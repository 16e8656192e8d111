// Package rowset executes a statement and extracts values from its first
// row (or streams every row into a directory filler). Apart from the
// schema reflector's own SHOW FIELDS scan, it is the only component that
// materialises driver row data into Go values.
package rowset

import (
	"strconv"
	"strings"

	"github.com/bitswalk/dbfsd/src/dbfsd/conn"
	"github.com/bitswalk/dbfsd/src/dbfsd/schema"
	"github.com/bitswalk/dbfsd/src/dbfsd/sqlgen"
)

// Filler receives each non-null value encountered by Fill, in row order.
type Filler func(value string)

// Value executes stmt, fetches the first row, and returns the field
// chosen by selector. selector is one of:
//   - a bare numeric index, e.g. "0"
//   - a field name, resolved via the schema reflector
//   - a composite "<primary>l<secondary>", e.g. "0l1": return the first
//     field's value, and also deliver the second field's value as an
//     integer through outRowCount.
//
// Returns ok=false when no row exists or the chosen cell is null. When
// outRowCount is non-nil and selector is not composite, it is set to the
// total number of rows the statement produced.
func Value(c *conn.Conn, refl *schema.Reflector, stmt sqlgen.Stmt, selector string, outRowCount *int64) (value string, ok bool, err error) {
	primary, secondary, composite := splitSelector(selector)

	rows, err := c.Execute(stmt.Query, stmt.Args...)
	if err != nil {
		return "", false, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", false, err
	}

	primaryIdx, err := resolveIndex(refl, stmt, cols, primary)
	if err != nil {
		return "", false, err
	}
	if primaryIdx < 0 {
		return "", false, nil
	}

	secondaryIdx := -1
	if composite {
		secondaryIdx, err = resolveIndex(refl, stmt, cols, secondary)
		if err != nil {
			return "", false, err
		}
	}

	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	rowCount := int64(0)
	var firstVal string
	var firstOK bool
	var secondaryVal int64

	for rows.Next() {
		rowCount++
		if rowCount == 1 {
			if err := rows.Scan(ptrs...); err != nil {
				return "", false, err
			}
			if raw[primaryIdx] != nil {
				firstVal, firstOK = toString(raw[primaryIdx]), true
			}
			if composite && secondaryIdx >= 0 && raw[secondaryIdx] != nil {
				secondaryVal, _ = strconv.ParseInt(toString(raw[secondaryIdx]), 10, 64)
			}
			if !composite {
				// Keep draining to count remaining rows below.
				continue
			}
			break
		}
	}
	if err := rows.Err(); err != nil {
		return "", false, err
	}

	if outRowCount != nil {
		if composite {
			*outRowCount = secondaryVal
		} else {
			*outRowCount = rowCount
		}
	}

	return firstVal, firstOK, nil
}

// Fill executes stmt, resolves fieldName to a column index, and invokes
// filler for every row whose cell is non-null. The special selector
// "$PRI$" means: derive the field name from the first table name after
// FROM in stmt's query text, and resolve it via primary-key resolution.
func Fill(c *conn.Conn, refl *schema.Reflector, db string, stmt sqlgen.Stmt, fieldName string, filler Filler) error {
	resolvedField := fieldName
	if fieldName == "$PRI$" {
		table, ok := tableFromFrom(stmt.Query)
		if !ok {
			return nil
		}
		pk, hasPK, err := refl.PrimaryKey(db, table)
		if err != nil {
			return err
		}
		if !hasPK {
			return nil
		}
		resolvedField = pk
	}

	rows, err := c.Execute(stmt.Query, stmt.Args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	idx, err := resolveIndex(refl, stmt, cols, resolvedField)
	if err != nil {
		return err
	}
	if idx < 0 {
		return nil
	}

	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		if raw[idx] == nil {
			continue
		}
		filler(toString(raw[idx]))
	}
	return rows.Err()
}

// splitSelector parses a selector of the shape "idx" or "idxlidx2".
func splitSelector(selector string) (primary, secondary string, composite bool) {
	if i := strings.IndexByte(selector, 'l'); i > 0 {
		// Only two numeric indexes form a composite; a field name that
		// merely contains an 'l' stays a field name.
		if _, err := strconv.Atoi(selector[:i]); err == nil {
			if _, err := strconv.Atoi(selector[i+1:]); err == nil {
				return selector[:i], selector[i+1:], true
			}
		}
	}
	return selector, "", false
}

// resolveIndex interprets sel as a numeric index if possible, otherwise
// looks it up by name among the already-fetched column names; falling
// back to the schema reflector's statement-scoped lookup keeps this
// consistent with the cached primary-key resolution path.
func resolveIndex(refl *schema.Reflector, stmt sqlgen.Stmt, cols []string, sel string) (int, error) {
	if n, err := strconv.Atoi(sel); err == nil && n >= 0 {
		return n, nil
	}
	for i, c := range cols {
		if c == sel {
			return i, nil
		}
	}
	return refl.FieldIndex(stmt, sel)
}

// tableFromFrom extracts the first table name following "FROM" in query,
// stripping backticks.
func tableFromFrom(query string) (string, bool) {
	upper := strings.ToUpper(query)
	idx := strings.Index(upper, "FROM")
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimSpace(query[idx+len("FROM"):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", false
	}
	return strings.Trim(fields[0], "`"), true
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return strconvFormat(t)
	}
}

func strconvFormat(v any) string {
	switch t := v.(type) {
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
