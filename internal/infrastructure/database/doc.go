// Package database provides relational database connectivity for Rebus Core.
//
// This package manages:
//   - Connections for SQLite (mattn/go-sqlite3 or modernc.org/sqlite) and MySQL
//   - Connection pool sizing per dialect (SQLite is single-writer)
//   - Versioned, idempotent schema migrations per dialect
//   - Schema version verification against configuration
//
// Security Considerations:
//   - All queries use parameterised statements
//   - SQLite database files are chmod 0600
//
// Usage:
//
//	db, err := database.Open(database.Config{Driver: "sqlite3", Path: "./data/rebus.db"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration Strategy:
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql, and live in one directory per dialect.
// Migrations are additive-only: new columns must be NULLABLE or have
// DEFAULT values.
package database
