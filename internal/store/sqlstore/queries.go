package sqlstore

import (
	"fmt"

	"github.com/tavstaldev/rebus-core/internal/infrastructure/database"
)

// queries holds the dialect-specific statements. All of them take the
// (context, record_type, entity_id) key columns first.
type queries struct {
	load     string
	revision string
	upsert   string
	delete   string
	purge    string
}

const (
	loadSQL = `SELECT revision, balance, state, updated_at FROM entities
		WHERE context = ? AND record_type = ? AND entity_id = ?`

	revisionSQL = `SELECT revision FROM entities
		WHERE context = ? AND record_type = ? AND entity_id = ?`

	deleteSQL = `DELETE FROM entities
		WHERE context = ? AND record_type = ? AND entity_id = ? AND revision < ?`

	purgeSQL = `DELETE FROM entities
		WHERE context = ? AND record_type = ? AND entity_id = ?`

	sqliteUpsertSQL = `INSERT INTO entities
		(context, record_type, entity_id, revision, balance, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (context, record_type, entity_id) DO UPDATE SET
			revision = excluded.revision,
			balance = excluded.balance,
			state = excluded.state,
			updated_at = excluded.updated_at
		WHERE excluded.revision > entities.revision`

	// MySQL applies assignments left to right, so revision must come last
	// for the other columns to compare against the old value.
	mysqlUpsertSQL = `INSERT INTO entities
		(context, record_type, entity_id, revision, balance, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			balance = IF(VALUES(revision) > revision, VALUES(balance), balance),
			state = IF(VALUES(revision) > revision, VALUES(state), state),
			updated_at = IF(VALUES(revision) > revision, VALUES(updated_at), updated_at),
			revision = IF(VALUES(revision) > revision, VALUES(revision), revision)`
)

func queriesFor(dialect string) (queries, error) {
	q := queries{load: loadSQL, revision: revisionSQL, delete: deleteSQL, purge: purgeSQL}
	switch dialect {
	case database.DialectSQLite:
		q.upsert = sqliteUpsertSQL
	case database.DialectMySQL:
		q.upsert = mysqlUpsertSQL
	default:
		return queries{}, fmt.Errorf("sqlstore: no statements for dialect %q", dialect)
	}
	return q, nil
}
