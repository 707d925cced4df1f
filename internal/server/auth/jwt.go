// Package auth issues and validates the short-lived session tokens handed
// out after a successful authentication ceremony.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/permamap/permamap/internal/common"
)

// Claims binds a session to the credential that authenticated it and the
// identity that owns the credential.
type Claims struct {
	jwt.RegisteredClaims
	CredentialID string
	IdentityID   string
}

func GenerateToken(credentialID, identityID string, secretKey []byte, validityDuration time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validityDuration)),
		},
		CredentialID: credentialID,
		IdentityID:   identityID,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

func GetClaimsFromToken(tokenString string, secretKey []byte) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	})
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, common.ErrInvalidToken
	}

	return claims, nil
}
