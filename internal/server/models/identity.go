package models

import "time"

// UserIdentity is the owner of zero or more passkey credentials. Created on
// registration start; never deleted.
type UserIdentity struct {
	ID        string
	Username  string
	CreatedAt time.Time
}
