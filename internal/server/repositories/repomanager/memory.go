package repomanager

import (
	"context"
	"database/sql"

	"github.com/permamap/permamap/internal/dbx"
	"github.com/permamap/permamap/internal/server/repositories/challenges"
	"github.com/permamap/permamap/internal/server/repositories/credentials"
	"github.com/permamap/permamap/internal/server/repositories/identities"
)

// MemoryRepositoryManager vends process-local repositories. The db argument
// is ignored; the same repository instances are returned on every call so
// state is shared across the process.
type MemoryRepositoryManager struct {
	identities  *identities.MemoryRepository
	credentials *credentials.MemoryRepository
	challenges  *challenges.MemoryRepository
}

// NewMemoryRepositoryManager constructs an in-memory RepositoryManager.
func NewMemoryRepositoryManager() *MemoryRepositoryManager {
	identityRepo := identities.NewMemoryRepository()
	return &MemoryRepositoryManager{
		identities:  identityRepo,
		credentials: credentials.NewMemoryRepository(identityRepo),
		challenges:  challenges.NewMemoryRepository(),
	}
}

func (m *MemoryRepositoryManager) Identities(db dbx.DBTX) identities.Repository {
	return m.identities
}

func (m *MemoryRepositoryManager) Credentials(db dbx.DBTX) credentials.Repository {
	return m.credentials
}

func (m *MemoryRepositoryManager) Challenges(db dbx.DBTX) challenges.Repository {
	return m.challenges
}

// RunMigrations is a no-op for the memory backend.
func (m *MemoryRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	return nil
}
