package auth

import (
	"fmt"
	"time"

	"crypta.vault/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// SignAssertion builds the RS256 assertion a service account presents to
// the token endpoint. privateKeyPEM is the PKCS#8 key returned when the
// account was created.
func SignAssertion(privateKeyPEM []byte, clientID, audience string, lifetime time.Duration) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("parsing private key: %w", err)
	}
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		ID:        models.NewID(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
}
