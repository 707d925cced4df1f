package models

// Binding maps a credential to a wallet address. It exists in plaintext only
// in memory; at rest it lives inside an encrypted ledger record.
//
// Timestamp is unix milliseconds at creation time.
type Binding struct {
	CredentialID  string `json:"credentialID"`
	WalletAddress string `json:"walletAddress"`
	Timestamp     int64  `json:"timestamp"`
}
