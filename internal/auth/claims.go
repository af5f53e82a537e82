package auth

import (
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeSecretAccess is the only scope the issuer grants.
const ScopeSecretAccess = "secret.access"

// AccessClaims are carried by the HS256 access token minted for a service
// account.
type AccessClaims struct {
	ServiceAccountID string   `json:"service_account_id"`
	ProjectID        string   `json:"project_id"`
	ClientID         string   `json:"client_id"`
	Scope            []string `json:"scope"`
	jwt.RegisteredClaims
}

func (c *AccessClaims) HasScope(scope string) bool {
	return slices.Contains(c.Scope, scope)
}

// SessionClaims are the claims of a human session token. Older tokens carry
// the user id as userId instead of sub.
type SessionClaims struct {
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

func (c *SessionClaims) Subject() string {
	if c.RegisteredClaims.Subject != "" {
		return c.RegisteredClaims.Subject
	}
	return c.UserID
}

// TokenResponse is the body returned by the token endpoint.
type TokenResponse struct {
	TokenType   string `json:"token_type"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}
