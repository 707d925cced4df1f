// Package cryptox implements the authenticated encryption of binding
// records: AES-256-GCM with a 16-byte IV and 16-byte authentication tag,
// serialized on the wire as hex-encoded JSON fields.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/permamap/permamap/internal/common"
	"github.com/permamap/permamap/internal/server/models"
	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the GCM nonce length in bytes.
	IVSize = 16
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

// DeriveKey derives a KeySize-byte encryption key from a passphrase and salt
// using argon2id.
func DeriveKey(passphrase []byte, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}

// KeyFromHex decodes an operator-supplied hex key and checks its length.
func KeyFromHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Record is a binding under authenticated encryption. All three fields are
// required; a record with any of them missing or altered is unrecoverable.
type Record struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// recordWire is the persisted JSON form of a Record (hex-encoded fields).
type recordWire struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"initializationVector"`
	Tag        string `json:"authenticationTag"`
}

// MarshalRecord serializes a Record to its JSON wire form.
func MarshalRecord(r *Record) ([]byte, error) {
	return json.Marshal(recordWire{
		Ciphertext: hex.EncodeToString(r.Ciphertext),
		IV:         hex.EncodeToString(r.IV),
		Tag:        hex.EncodeToString(r.Tag),
	})
}

// UnmarshalRecord parses the JSON wire form back into a Record. A missing or
// non-hex field is an integrity failure, not data absence: the record existed
// but cannot be recovered.
func UnmarshalRecord(data []byte) (*Record, error) {
	var w recordWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorIntegrityFailure, err)
	}
	if w.Ciphertext == "" || w.IV == "" || w.Tag == "" {
		return nil, fmt.Errorf("%w: missing required record field", common.ErrorIntegrityFailure)
	}
	ciphertext, err := hex.DecodeString(w.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorIntegrityFailure, err)
	}
	iv, err := hex.DecodeString(w.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorIntegrityFailure, err)
	}
	tag, err := hex.DecodeString(w.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorIntegrityFailure, err)
	}
	return &Record{Ciphertext: ciphertext, IV: iv, Tag: tag}, nil
}

// Codec encrypts and decrypts bindings under a process-wide symmetric key.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec builds a Codec from a KeySize-byte AES key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("codec key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead}, nil
}

// Encode serializes the binding to JSON and encrypts it with a fresh random
// IV. The GCM output is split into ciphertext and tag so the wire format
// carries them as separate fields.
func (c *Codec) Encode(binding *models.Binding) (*Record, error) {
	plaintext, err := json.Marshal(binding)
	if err != nil {
		return nil, err
	}

	iv := common.GenerateRandByteArray(IVSize)

	sealed := c.aead.Seal(nil, iv, plaintext, nil)

	// Seal appends the tag to the ciphertext.
	n := len(sealed) - TagSize
	return &Record{
		Ciphertext: sealed[:n],
		IV:         iv,
		Tag:        sealed[n:],
	}, nil
}

// Decode decrypts a Record back into a Binding.
//
// A tag mismatch, wrong key or corrupted IV all fail with
// common.ErrorIntegrityFailure carrying no distinguishing detail, so the
// caller cannot be used as a decryption oracle. A record that decrypts but
// does not contain a well-formed binding fails with
// common.ErrorMalformedPayload.
func (c *Codec) Decode(r *Record) (*models.Binding, error) {
	if len(r.Ciphertext) == 0 || len(r.IV) != IVSize || len(r.Tag) != TagSize {
		return nil, common.ErrorIntegrityFailure
	}

	sealed := make([]byte, 0, len(r.Ciphertext)+len(r.Tag))
	sealed = append(sealed, r.Ciphertext...)
	sealed = append(sealed, r.Tag...)

	plaintext, err := c.aead.Open(nil, r.IV, sealed, nil)
	if err != nil {
		return nil, common.ErrorIntegrityFailure
	}

	var binding models.Binding
	if err := json.Unmarshal(plaintext, &binding); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorMalformedPayload, err)
	}
	if binding.CredentialID == "" || binding.WalletAddress == "" {
		return nil, fmt.Errorf("%w: incomplete binding", common.ErrorMalformedPayload)
	}

	return &binding, nil
}
