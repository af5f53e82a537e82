package auth

import (
	"errors"
	"strings"

	"crypta.vault/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
)

var hs256 = []string{jwt.SigningMethodHS256.Alg()}

// VerifyAccessToken checks an access token minted by Issue.
func (i *Issuer) VerifyAccessToken(token string) (*AccessClaims, error) {
	var claims AccessClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return i.cfg.AccessTokenSecret, nil },
		jwt.WithValidMethods(hs256),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(i.cfg.Leeway),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unauthorized, "invalid token", err)
	}
	if claims.ServiceAccountID == "" || claims.ProjectID == "" {
		return nil, apperr.New(apperr.Unauthorized, "invalid token")
	}
	if !claims.HasScope(ScopeSecretAccess) {
		return nil, apperr.New(apperr.Forbidden, "token lacks secret.access scope")
	}
	return &claims, nil
}

// UserVerifier validates human session tokens. Issuing them is the job of
// the login service.
type UserVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewUserVerifier(secret []byte) (*UserVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("user token secret is required")
	}
	return &UserVerifier{
		secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods(hs256), jwt.WithExpirationRequired()),
	}, nil
}

// Verify returns the user id carried by token.
func (v *UserVerifier) Verify(token string) (string, error) {
	var claims SessionClaims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", apperr.New(apperr.Unauthorized, "token expired")
		}
		return "", apperr.Wrap(apperr.Unauthorized, "invalid token", err)
	}
	if claims.Subject() == "" {
		return "", apperr.New(apperr.Unauthorized, "invalid token")
	}
	return claims.Subject(), nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
