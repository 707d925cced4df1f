// Package challenges stores single-use pending ceremony challenges.
//
// A challenge moves Issued → Consumed exactly once: Take removes it
// atomically, so no challenge can be verified twice even under concurrent
// verification attempts. Expiry is enforced lazily by the caller on the
// returned row; there is no background sweeper.
package challenges

import (
	"context"

	"github.com/permamap/permamap/internal/server/models"
)

type Repository interface {
	// Put stores the challenge, overwriting any live challenge under the
	// same key (last write wins on the pending-challenge slot).
	Put(ctx context.Context, challenge *models.PendingChallenge) error

	// Take atomically removes and returns the challenge for the key, or
	// common.ErrorNotFound. The returned challenge may already be expired;
	// checking is the caller's job — it is consumed either way.
	Take(ctx context.Context, key string) (*models.PendingChallenge, error)
}
