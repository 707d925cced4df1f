package models

import "time"

// Ceremony kinds for a pending challenge.
const (
	CeremonyRegistration   = "registration"
	CeremonyAuthentication = "authentication"
)

// PendingChallenge is a single-use ceremony challenge. Registration
// challenges are keyed by identity id (at most one live challenge per
// identity, last write wins); authentication challenges are keyed by the
// challenge value itself because no identity is known yet.
//
// SessionJSON carries the marshaled webauthn session data the verification
// step needs to bind the response to the exact issued challenge.
type PendingChallenge struct {
	Key         string
	Kind        string
	IdentityID  string
	SessionJSON []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the challenge is past its expiry at time now.
func (c *PendingChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
