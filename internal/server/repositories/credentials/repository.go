// Package credentials stores registered passkeys and maintains the reverse
// index from credential id to owning identity: every stored credential id
// resolves to exactly one identity.
package credentials

import (
	"context"

	"github.com/permamap/permamap/internal/server/models"
)

type Repository interface {
	// Put upserts a credential by id within its identity's credential set.
	// Fails with common.ErrorIdentityNotFound when the identity is absent.
	Put(ctx context.Context, credential *models.Credential) error

	// GetByCredentialID resolves a credential (and thus its identity) or
	// returns common.ErrorNotFound.
	GetByCredentialID(ctx context.Context, id string) (*models.Credential, error)

	// ListByIdentity returns the identity's credentials in registration order.
	ListByIdentity(ctx context.Context, identityID string) ([]models.Credential, error)

	// UpdateCounter atomically persists a new signature counter. The new
	// value must be strictly greater than the stored one; otherwise the
	// update is rejected with common.ErrorCounterRegression and the stored
	// value is left untouched.
	UpdateCounter(ctx context.Context, credentialID string, newCounter uint32) error

	// SetFlagged marks a credential for manual review.
	SetFlagged(ctx context.Context, credentialID string) error
}
