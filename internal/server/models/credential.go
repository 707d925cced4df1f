package models

import "time"

// Credential is a registered passkey. ID is the base64url raw credential id
// reported by the authenticator; the public key is the COSE-encoded key used
// to verify assertions.
//
// SignCount is monotonically non-decreasing across successful
// authentications. A reported counter that is not strictly greater than the
// stored one signals a cloned authenticator; the credential is then flagged
// for manual review.
type Credential struct {
	ID              string
	IdentityID      string
	PublicKey       []byte
	SignCount       uint32
	Transports      []string
	AttestationType string
	Flagged         bool
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}
