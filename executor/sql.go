package executor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgtype"
	"github.com/mattn/go-sqlite3"
)

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// rewritePlaceholders converts $N parameter references to the ?N form
// the store binds by position.
func rewritePlaceholders(stmt string) string {
	return placeholderRe.ReplaceAllString(stmt, "?$1")
}

// returnsRows reports whether the statement produces a result set.
func returnsRows(stmt string) bool {
	switch firstWord(stmt) {
	case "SELECT", "WITH", "SHOW", "PRAGMA", "EXPLAIN", "VALUES":
		return true
	}
	return false
}

func firstWord(stmt string) string {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// tagFor builds the command tag for a non-row statement. Tags that
// carry a row count follow the frontend's expectations; INSERT also
// carries a zero oid.
func tagFor(stmt string, affected int64) string {
	switch firstWord(stmt) {
	case "INSERT":
		return fmt.Sprintf("INSERT 0 %d", affected)
	case "UPDATE":
		return fmt.Sprintf("UPDATE %d", affected)
	case "DELETE":
		return fmt.Sprintf("DELETE %d", affected)
	case "CREATE":
		return "CREATE " + secondWord(stmt)
	case "DROP":
		return "DROP " + secondWord(stmt)
	case "ALTER":
		return "ALTER " + secondWord(stmt)
	case "BEGIN":
		return "BEGIN"
	case "COMMIT", "END":
		return "COMMIT"
	case "ROLLBACK":
		return "ROLLBACK"
	case "":
		return ""
	default:
		return firstWord(stmt)
	}
}

func secondWord(stmt string) string {
	fields := strings.Fields(stmt)
	if len(fields) < 2 {
		return ""
	}
	return strings.ToUpper(fields[1])
}

// oidFor maps the store's declared column types onto wire type oids.
// SQLite integers are 64-bit, so they travel as int8.
func oidFor(declared string) uint32 {
	switch strings.ToUpper(declared) {
	case "INTEGER", "INT", "BIGINT":
		return pgtype.Int8OID
	case "REAL", "FLOAT", "DOUBLE":
		return pgtype.Float8OID
	case "BLOB":
		return pgtype.ByteaOID
	case "NUMERIC", "DECIMAL":
		return pgtype.NumericOID
	case "BOOLEAN", "BOOL":
		return pgtype.BoolOID
	default:
		return pgtype.TextOID
	}
}

// execError carries a SQLSTATE alongside the store's message so the
// protocol layer can surface a coded ErrorResponse.
type execError struct {
	code string
	err  error
}

func (e *execError) Error() string { return e.err.Error() }
func (e *execError) Code() string  { return e.code }
func (e *execError) Unwrap() error { return e.err }

// wrapSQLError translates store errors into SQLSTATE-coded ones.
func wrapSQLError(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrConstraint:
			switch serr.ExtendedCode {
			case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
				return &execError{code: "23505", err: err}
			case sqlite3.ErrConstraintNotNull:
				return &execError{code: "23502", err: err}
			case sqlite3.ErrConstraintForeignKey:
				return &execError{code: "23503", err: err}
			}
			return &execError{code: "23514", err: err}
		case sqlite3.ErrInterrupt:
			return &execError{code: "57014", err: err}
		case sqlite3.ErrError:
			if strings.Contains(err.Error(), "syntax error") {
				return &execError{code: "42601", err: err}
			}
			return &execError{code: "42000", err: err}
		}
	}
	if errors.Is(err, context.Canceled) {
		return &execError{code: "57014", err: err}
	}
	return &execError{code: "XX000", err: err}
}
