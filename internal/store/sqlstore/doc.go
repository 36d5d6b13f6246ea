// Package sqlstore implements the entity Store on a relational database.
//
// It supports SQLite (cgo mattn/go-sqlite3 or pure-Go modernc.org/sqlite)
// and MySQL through the database package. Rows live in the entities table,
// keyed by (context, record_type, entity_id), where context is the storage
// context that lets several game servers share one database.
//
// Every operation first acquires a pooled connection within the acquire
// timeout (failing with entity.ErrPoolTimeout) and then runs under the
// operation timeout. Writes are single-key transactions guarded by revision,
// so a stale write never overwrites a newer one.
package sqlstore
