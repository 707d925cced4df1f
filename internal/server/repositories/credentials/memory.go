package credentials

import (
	"context"
	"sync"
	"time"

	"github.com/permamap/permamap/internal/common"
	"github.com/permamap/permamap/internal/server/models"
	"github.com/permamap/permamap/internal/server/repositories/identities"
)

// MemoryRepository keeps credentials in process-wide maps plus the reverse
// index credential id → identity id. A single mutex gives the per-credential
// single-writer discipline counter updates need within one process.
type MemoryRepository struct {
	mu         sync.Mutex
	byID       map[string]models.Credential
	byIdentity map[string][]string
	identities identities.Repository
}

func NewMemoryRepository(identityRepo identities.Repository) *MemoryRepository {
	return &MemoryRepository{
		byID:       make(map[string]models.Credential),
		byIdentity: make(map[string][]string),
		identities: identityRepo,
	}
}

func (r *MemoryRepository) Put(ctx context.Context, credential *models.Credential) error {
	if _, err := r.identities.GetByID(ctx, credential.IdentityID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *credential
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	if existing, ok := r.byID[stored.ID]; ok {
		// upsert keeps the original registration time; when the owner
		// changed the credential moves to the new identity
		stored.CreatedAt = existing.CreatedAt
		r.byID[stored.ID] = stored
		if existing.IdentityID != stored.IdentityID {
			r.unlink(existing.IdentityID, stored.ID)
			r.byIdentity[stored.IdentityID] = append(r.byIdentity[stored.IdentityID], stored.ID)
		}
		return nil
	}

	r.byID[stored.ID] = stored
	r.byIdentity[stored.IdentityID] = append(r.byIdentity[stored.IdentityID], stored.ID)
	return nil
}

func (r *MemoryRepository) unlink(identityID, credentialID string) {
	ids := r.byIdentity[identityID]
	for i, id := range ids {
		if id == credentialID {
			r.byIdentity[identityID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

func (r *MemoryRepository) GetByCredentialID(ctx context.Context, id string) (*models.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	credential, ok := r.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}

	result := credential
	return &result, nil
}

func (r *MemoryRepository) ListByIdentity(ctx context.Context, identityID string) ([]models.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byIdentity[identityID]
	result := make([]models.Credential, 0, len(ids))
	for _, id := range ids {
		result = append(result, r.byID[id])
	}
	return result, nil
}

func (r *MemoryRepository) UpdateCounter(ctx context.Context, credentialID string, newCounter uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	credential, ok := r.byID[credentialID]
	if !ok {
		return common.ErrorNotFound
	}
	if newCounter <= credential.SignCount {
		return common.ErrorCounterRegression
	}

	now := time.Now().UTC()
	credential.SignCount = newCounter
	credential.LastUsedAt = &now
	r.byID[credentialID] = credential
	return nil
}

func (r *MemoryRepository) SetFlagged(ctx context.Context, credentialID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	credential, ok := r.byID[credentialID]
	if !ok {
		return common.ErrorNotFound
	}
	credential.Flagged = true
	r.byID[credentialID] = credential
	return nil
}
