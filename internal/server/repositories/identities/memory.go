package identities

import (
	"context"
	"sync"
	"time"

	"github.com/permamap/permamap/internal/common"
	"github.com/permamap/permamap/internal/server/models"
)

// MemoryRepository keeps identities in a process-wide map. Suitable for a
// single instance only; the Postgres repository replaces it when state must
// survive restarts or be shared.
type MemoryRepository struct {
	mu         sync.RWMutex
	identities map[string]models.UserIdentity
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{identities: make(map[string]models.UserIdentity)}
}

func (r *MemoryRepository) Create(ctx context.Context, identity *models.UserIdentity) (*models.UserIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *identity
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	r.identities[stored.ID] = stored

	result := stored
	return &result, nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*models.UserIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, ok := r.identities[id]
	if !ok {
		return nil, common.ErrorIdentityNotFound
	}

	result := identity
	return &result, nil
}
