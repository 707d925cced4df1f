// Package identities stores user identities: created on registration start,
// never deleted.
package identities

import (
	"context"

	"github.com/permamap/permamap/internal/server/models"
)

type Repository interface {
	// Create persists a new identity.
	Create(ctx context.Context, identity *models.UserIdentity) (*models.UserIdentity, error)

	// GetByID returns the identity or common.ErrorIdentityNotFound.
	GetByID(ctx context.Context, id string) (*models.UserIdentity, error)
}
