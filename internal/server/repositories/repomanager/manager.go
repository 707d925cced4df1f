package repomanager

import (
	"context"
	"database/sql"

	"github.com/permamap/permamap/internal/dbx"
	"github.com/permamap/permamap/internal/server/repositories/challenges"
	"github.com/permamap/permamap/internal/server/repositories/credentials"
	"github.com/permamap/permamap/internal/server/repositories/identities"
)

// RepositoryManager vends the per-aggregate repositories and exposes a
// schema migration hook. Implementations exist for PostgreSQL and for
// process-local memory (development and tests).
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Identities(db dbx.DBTX) identities.Repository
	Credentials(db dbx.DBTX) credentials.Repository
	Challenges(db dbx.DBTX) challenges.Repository
}
