package common

// AccessTokenHeaderName is the HTTP header used to carry the access token on
// requests to token-protected endpoints.
const AccessTokenHeaderName = "Authorization"

// Ledger tag schema. Every binding entry is written with both tags so it can
// be found again by credential id.
const (
	// AppTagName / AppTagValue identify entries written by this application.
	AppTagName  = "App-Name"
	AppTagValue = "PasskeyArweaveMapper"

	// CredentialTagName carries the credential id an entry belongs to.
	CredentialTagName = "Credential-ID"
)
