package challenges

import (
	"context"
	"sync"

	"github.com/permamap/permamap/internal/common"
	"github.com/permamap/permamap/internal/server/models"
)

// MemoryRepository keeps pending challenges in a process-wide map. The mutex
// makes Take a delete-and-return, so one of two racing verifications always
// loses.
type MemoryRepository struct {
	mu         sync.Mutex
	challenges map[string]models.PendingChallenge
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{challenges: make(map[string]models.PendingChallenge)}
}

func (r *MemoryRepository) Put(ctx context.Context, challenge *models.PendingChallenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.challenges[challenge.Key] = *challenge
	return nil
}

func (r *MemoryRepository) Take(ctx context.Context, key string) (*models.PendingChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	challenge, ok := r.challenges[key]
	if !ok {
		return nil, common.ErrorNotFound
	}
	delete(r.challenges, key)

	result := challenge
	return &result, nil
}
