// Package migrations embeds SQL migration files into the binary.
//
// Each dialect has its own directory (sqlite/, mysql/) with identically
// versioned files, so both backends report the same schema version.
package migrations

import (
	"embed"

	"github.com/tavstaldev/rebus-core/internal/infrastructure/database"
)

//go:embed sqlite/*.sql mysql/*.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
