// Package auth exchanges signed service-account assertions for short-lived
// access tokens and verifies the bearer tokens presented to the API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"crypta.vault/internal/apperr"
	"crypta.vault/internal/audit"
	"crypta.vault/internal/metrics"
	"crypta.vault/internal/models"
	"crypta.vault/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	DefaultAccessTokenTTL       = 10 * time.Minute
	DefaultMaxAssertionLifetime = time.Hour
	DefaultLeeway               = 30 * time.Second
)

// AccountFinder resolves the issuer of an assertion.
type AccountFinder interface {
	GetActiveServiceAccountByClientID(ctx context.Context, clientID string) (*models.ServiceAccount, error)
}

type Auditor interface {
	Record(ctx context.Context, ev audit.Event) error
}

type IssuerConfig struct {
	Audience             string
	AccessTokenSecret    []byte
	AccessTokenTTL       time.Duration
	MaxAssertionLifetime time.Duration
	Leeway               time.Duration
}

type Issuer struct {
	cfg      IssuerConfig
	accounts AccountFinder
	nonces   store.NonceCache
	auditor  Auditor
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

type IssuerOption func(*Issuer)

// WithReplayCache rejects a second use of an assertion jti.
func WithReplayCache(c store.NonceCache) IssuerOption {
	return func(i *Issuer) { i.nonces = c }
}

func WithAuditor(a Auditor) IssuerOption {
	return func(i *Issuer) { i.auditor = a }
}

func WithMetrics(m *metrics.Metrics) IssuerOption {
	return func(i *Issuer) { i.metrics = m }
}

func WithLogger(l *zap.Logger) IssuerOption {
	return func(i *Issuer) { i.logger = l }
}

func NewIssuer(cfg IssuerConfig, accounts AccountFinder, opts ...IssuerOption) (*Issuer, error) {
	if cfg.Audience == "" {
		return nil, errors.New("auth audience is required")
	}
	if len(cfg.AccessTokenSecret) == 0 {
		return nil, errors.New("access token secret is required")
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.MaxAssertionLifetime <= 0 {
		cfg.MaxAssertionLifetime = DefaultMaxAssertionLifetime
	}
	if cfg.Leeway < 0 {
		cfg.Leeway = 0
	}

	i := &Issuer{cfg: cfg, accounts: accounts, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue validates a self-signed RS256 assertion and mints an access token
// for the service account named by its iss claim.
func (i *Issuer) Issue(ctx context.Context, assertion string, meta models.RequestMeta) (*TokenResponse, error) {
	if assertion == "" || strings.Count(assertion, ".") != 2 {
		i.count(metrics.OutcomeDenied)
		return nil, apperr.New(apperr.Validation, "assertion must be a signed JWT")
	}

	var unverified jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, &unverified); err != nil {
		i.count(metrics.OutcomeDenied)
		return nil, apperr.New(apperr.Validation, "assertion is malformed")
	}
	if unverified.Issuer == "" {
		i.count(metrics.OutcomeDenied)
		return nil, apperr.New(apperr.Validation, "assertion iss is required")
	}
	if len(unverified.Audience) == 0 {
		i.count(metrics.OutcomeDenied)
		return nil, apperr.New(apperr.Validation, "assertion aud is required")
	}
	if !slices.Contains(unverified.Audience, i.cfg.Audience) {
		i.count(metrics.OutcomeDenied)
		return nil, apperr.New(apperr.Unauthorized, "invalid audience")
	}

	clientID := unverified.Issuer
	sa, err := i.accounts.GetActiveServiceAccountByClientID(ctx, clientID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		i.count(metrics.OutcomeError)
		return nil, apperr.Wrap(apperr.Internal, "service account lookup failed", err)
	}
	if sa == nil || sa.PublicKey == "" {
		i.count(metrics.OutcomeDenied)
		return nil, apperr.New(apperr.Unauthorized, "service account not found or disabled")
	}

	resp, err := i.exchange(ctx, assertion, sa)

	ev := audit.Event{
		Subject: models.ServiceAccountSubject(sa.ID),
		Action:  models.ActionTokenIssue,
		Meta:    meta,
		Status:  models.AuditSuccess,
	}
	switch {
	case err == nil:
	case apperr.KindOf(err) == apperr.Internal:
		ev.Status = models.AuditError
		ev.Message = err.Error()
	default:
		ev.Status = models.AuditDenied
		ev.Message = apperr.ReasonOf(err)
	}
	if i.auditor != nil {
		// Failures are logged and counted by the recorder.
		_ = i.auditor.Record(ctx, ev)
	}

	if err != nil {
		if ev.Status == models.AuditError {
			i.count(metrics.OutcomeError)
		} else {
			i.count(metrics.OutcomeDenied)
		}
		return nil, err
	}
	i.count(metrics.OutcomeSuccess)
	i.logger.Info("access token issued",
		zap.String("service_account_id", sa.ID),
		zap.String("client_id", sa.ClientID))
	return resp, nil
}

func (i *Issuer) exchange(ctx context.Context, assertion string, sa *models.ServiceAccount) (*TokenResponse, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(sa.PublicKey))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "stored public key is unusable", err)
	}

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(assertion, &claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(i.cfg.Audience),
		jwt.WithIssuer(sa.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(i.cfg.Leeway),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unauthorized, "assertion verification failed", err)
	}

	now := i.now()
	start := now
	if claims.IssuedAt != nil {
		start = claims.IssuedAt.Time
	}
	if claims.ExpiresAt.Sub(start) > i.cfg.MaxAssertionLifetime+i.cfg.Leeway {
		return nil, apperr.New(apperr.Unauthorized, "assertion lifetime too long")
	}

	if claims.ID != "" && i.nonces != nil {
		ttl := claims.ExpiresAt.Sub(now) + i.cfg.Leeway
		fresh, err := i.nonces.Remember(ctx, sa.ClientID+":"+claims.ID, ttl)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "replay cache unavailable", err)
		}
		if !fresh {
			return nil, apperr.New(apperr.Unauthorized, "assertion already used")
		}
	}

	return i.mint(sa, now)
}

func (i *Issuer) mint(sa *models.ServiceAccount, now time.Time) (*TokenResponse, error) {
	expires := now.Add(i.cfg.AccessTokenTTL)
	claims := AccessClaims{
		ServiceAccountID: sa.ID,
		ProjectID:        sa.ProjectID,
		ClientID:         sa.ClientID,
		Scope:            []string{ScopeSecretAccess},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sa.ID,
			ID:        models.NewID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.AccessTokenSecret)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "token signing failed", fmt.Errorf("hs256: %w", err))
	}

	return &TokenResponse{
		TokenType:   "Bearer",
		AccessToken: signed,
		ExpiresIn:   int64(i.cfg.AccessTokenTTL / time.Second),
	}, nil
}

func (i *Issuer) count(outcome string) {
	if i.metrics != nil {
		i.metrics.TokensIssuedTotal.WithLabelValues(outcome).Inc()
	}
}
