package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"io"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/tavstaldev/rebus-core/internal/entity"
	"github.com/tavstaldev/rebus-core/internal/infrastructure/database"
)

// MySQL server error numbers.
// See: https://dev.mysql.com/doc/mysql-errors/8.0/en/server-error-reference.html
const (
	mysqlTooManyConnections = 1040
	mysqlDBAccessDenied     = 1044
	mysqlAccessDenied       = 1045
	mysqlUnknownDatabase    = 1049
	mysqlServerShutdown     = 1053
	mysqlUnknownColumn      = 1054
	mysqlTableAccessDenied  = 1142
	mysqlNoSuchTable        = 1146
	mysqlLockWaitTimeout    = 1205
	mysqlDeadlock           = 1213
	mysqlReadOnly           = 1290
)

// classify maps a driver error onto the retry taxonomy. Anything it cannot
// recognise is Transient so that unknown failures are retried, not dropped.
func classify(err error) entity.Class {
	if err == nil {
		return entity.ClassNone
	}

	switch {
	case errors.Is(err, entity.ErrNotFound):
		return entity.ClassNotFound
	case errors.Is(err, entity.ErrRevisionConflict),
		errors.Is(err, entity.ErrSchemaMismatch),
		errors.Is(err, database.ErrSchemaMismatch),
		errors.Is(err, database.ErrUnsupportedDriver):
		return entity.ClassFatal
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, mysql.ErrInvalidConn),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return entity.ClassTransient
	}

	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return entity.ClassFatal
	}

	var mattnErr sqlite3.Error
	if errors.As(err, &mattnErr) {
		return classifySQLiteCode(int(mattnErr.Code))
	}

	var modernErr *msqlite.Error
	if errors.As(err, &modernErr) {
		return classifySQLiteCode(modernErr.Code() & 0xff)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return classifyMySQL(myErr.Number)
	}

	// Network failures and anything unrecognised end up here.
	return entity.ClassTransient
}

// classifySQLiteCode classifies a primary SQLite result code. Both drivers
// report the same numeric codes.
func classifySQLiteCode(code int) entity.Class {
	switch code {
	case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED, sqlite3lib.SQLITE_IOERR,
		sqlite3lib.SQLITE_FULL, sqlite3lib.SQLITE_PROTOCOL:
		return entity.ClassTransient
	case sqlite3lib.SQLITE_ERROR, sqlite3lib.SQLITE_CORRUPT, sqlite3lib.SQLITE_NOTADB,
		sqlite3lib.SQLITE_AUTH, sqlite3lib.SQLITE_PERM, sqlite3lib.SQLITE_READONLY,
		sqlite3lib.SQLITE_CANTOPEN, sqlite3lib.SQLITE_SCHEMA, sqlite3lib.SQLITE_MISMATCH,
		sqlite3lib.SQLITE_CONSTRAINT:
		return entity.ClassFatal
	default:
		return entity.ClassTransient
	}
}

func classifyMySQL(number uint16) entity.Class {
	switch number {
	case mysqlTooManyConnections, mysqlServerShutdown, mysqlLockWaitTimeout, mysqlDeadlock, mysqlReadOnly:
		return entity.ClassTransient
	case mysqlDBAccessDenied, mysqlAccessDenied, mysqlUnknownDatabase, mysqlUnknownColumn,
		mysqlTableAccessDenied, mysqlNoSuchTable:
		return entity.ClassFatal
	default:
		return entity.ClassTransient
	}
}
