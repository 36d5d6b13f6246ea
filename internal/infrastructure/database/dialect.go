package database

import (
	"errors"
	"fmt"
)

// ErrUnsupportedDriver is returned for driver names Open does not know.
var ErrUnsupportedDriver = errors.New("database: unsupported driver")

// Dialect names. Both SQLite drivers share the sqlite dialect.
const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

const (
	driverMattn   = "sqlite3"
	driverModernc = "sqlite"
	driverMySQL   = "mysql"
)

// Dialect describes the SQL differences between supported databases.
type Dialect struct {
	// Name is the dialect name and also the migrations subdirectory.
	Name string

	// DriverName is the database/sql driver to open.
	DriverName string

	// SingleWriter caps the pool at one connection.
	SingleWriter bool

	// MigrationsTableDDL creates the schema_migrations table.
	MigrationsTableDDL string
}

var dialects = map[string]Dialect{
	driverMattn: {
		Name:         DialectSQLite,
		DriverName:   driverMattn,
		SingleWriter: true,
		MigrationsTableDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`,
	},
	driverModernc: {
		Name:         DialectSQLite,
		DriverName:   driverModernc,
		SingleWriter: true,
		MigrationsTableDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`,
	},
	driverMySQL: {
		Name:       DialectMySQL,
		DriverName: driverMySQL,
		MigrationsTableDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(32) NOT NULL PRIMARY KEY,
			applied_at VARCHAR(40) NOT NULL
		)`,
	},
}

// DialectFor returns the dialect for a configured driver name.
// An empty name selects the default cgo SQLite driver.
func DialectFor(driver string) (Dialect, error) {
	if driver == "" {
		driver = driverMattn
	}
	d, ok := dialects[driver]
	if !ok {
		return Dialect{}, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	return d, nil
}
