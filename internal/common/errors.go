// Package common defines shared constants and sentinel errors used across
// permamap components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound         = errors.New("not found")
	ErrorIdentityNotFound = errors.New("identity not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal   = errors.New("internal error")
	ErrorValidation = errors.New("validation error")

	// Ceremony errors.
	ErrorNoPendingChallenge = errors.New("no pending challenge")
	ErrorAttestationInvalid = errors.New("attestation invalid")
	ErrorAssertionInvalid   = errors.New("assertion invalid")
	ErrorUnknownCredential  = errors.New("unknown credential")

	// ErrorCounterRegression signals a likely cloned authenticator.
	// Fatal per credential: never retried, never auto-recovered.
	ErrorCounterRegression = errors.New("authenticator counter regression")

	// Codec errors. ErrorIntegrityFailure covers tag mismatch, wrong key and
	// corrupted IV alike so callers cannot tell the causes apart.
	ErrorIntegrityFailure = errors.New("integrity failure")
	ErrorMalformedPayload = errors.New("malformed payload")

	// Ledger errors.
	ErrorLedgerUnavailable = errors.New("ledger unavailable")
	ErrorEntryNotFound     = errors.New("ledger entry not found")
	ErrorNoBindingFound    = errors.New("no binding found")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
)
