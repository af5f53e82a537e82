package auth

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"crypta.vault/internal/apperr"
	"crypta.vault/internal/audit"
	"crypta.vault/internal/crypto"
	"crypta.vault/internal/models"
	"crypta.vault/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAudience = "https://crypta.test/v1/auth/token"

var testSecret = []byte("access-token-secret-for-tests-only")

type countingFinder struct {
	inner AccountFinder
	calls atomic.Int32
}

func (c *countingFinder) GetActiveServiceAccountByClientID(ctx context.Context, clientID string) (*models.ServiceAccount, error) {
	c.calls.Add(1)
	return c.inner.GetActiveServiceAccountByClientID(ctx, clientID)
}

type harness struct {
	store  *store.MemoryStore
	finder *countingFinder
	issuer *Issuer
	sa     *models.ServiceAccount
	keys   *crypto.KeyPair
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Now().UTC()

	p := &models.Project{ID: models.NewID(), Name: "acme", Slug: "acme", Status: models.LifecycleActive, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateProject(ctx, p))

	keys, err := crypto.GenerateServiceAccountKeyPair()
	require.NoError(t, err)
	sa := &models.ServiceAccount{
		ID: models.NewID(), ProjectID: p.ID, Name: "ci", ClientID: "ci@acme.crypta",
		PublicKey: keys.PublicKeyPEM, Status: models.LifecycleActive, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateServiceAccount(ctx, sa))

	finder := &countingFinder{inner: s}
	issuer, err := NewIssuer(IssuerConfig{Audience: testAudience, AccessTokenSecret: testSecret}, finder,
		WithReplayCache(store.NewMemoryCache(time.Minute)),
		WithAuditor(audit.NewRecorder(s, nil, nil, 0)),
	)
	require.NoError(t, err)

	return &harness{store: s, finder: finder, issuer: issuer, sa: sa, keys: keys}
}

func (h *harness) sign(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(h.keys.PrivateKeyPEM))
	require.NoError(t, err)
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func (h *harness) claims() jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Issuer:    h.sa.ClientID,
		Audience:  jwt.ClaimStrings{testAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		ID:        models.NewID(),
	}
}

func (h *harness) auditStatuses(t *testing.T) []models.AuditStatus {
	t.Helper()
	logs, err := h.store.ListAuditLogs(context.Background(), models.AuditFilter{SubjectID: h.sa.ID})
	require.NoError(t, err)
	out := make([]models.AuditStatus, 0, len(logs))
	for _, l := range logs {
		assert.Equal(t, models.ActionTokenIssue, l.Action)
		out = append(out, l.Status)
	}
	return out
}

func TestIssueAndVerify(t *testing.T) {
	h := newHarness(t)
	assertion, err := SignAssertion([]byte(h.keys.PrivateKeyPEM), h.sa.ClientID, testAudience, time.Minute)
	require.NoError(t, err)

	resp, err := h.issuer.Issue(context.Background(), assertion, models.RequestMeta{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(600), resp.ExpiresIn)

	claims, err := h.issuer.VerifyAccessToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, h.sa.ID, claims.ServiceAccountID)
	assert.Equal(t, h.sa.ProjectID, claims.ProjectID)
	assert.Equal(t, h.sa.ClientID, claims.ClientID)
	assert.Equal(t, []string{ScopeSecretAccess}, claims.Scope)
	assert.Equal(t, []models.AuditStatus{models.AuditSuccess}, h.auditStatuses(t))
}

func TestIssueRejectsAudienceBeforeLookup(t *testing.T) {
	h := newHarness(t)
	claims := h.claims()
	claims.Audience = jwt.ClaimStrings{"https://elsewhere.example"}

	_, err := h.issuer.Issue(context.Background(), h.sign(t, claims), models.RequestMeta{})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.Equal(t, "invalid audience", apperr.ReasonOf(err))
	assert.Zero(t, h.finder.calls.Load())
}

func TestIssueValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, assertion := range []string{"", "abc", "a.b", "a.b.c.d"} {
		_, err := h.issuer.Issue(ctx, assertion, models.RequestMeta{})
		assert.ErrorIs(t, err, apperr.ErrValidation, assertion)
	}

	_, err := h.issuer.Issue(ctx, "not.a.jwt", models.RequestMeta{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	noIss := h.claims()
	noIss.Issuer = ""
	_, err = h.issuer.Issue(ctx, h.sign(t, noIss), models.RequestMeta{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	noAud := h.claims()
	noAud.Audience = nil
	_, err = h.issuer.Issue(ctx, h.sign(t, noAud), models.RequestMeta{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	assert.Zero(t, h.finder.calls.Load())
}

func TestIssueUnknownOrDisabledAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	unknown := h.claims()
	unknown.Issuer = "ghost@acme.crypta"
	_, err := h.issuer.Issue(ctx, h.sign(t, unknown), models.RequestMeta{})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	require.NoError(t, h.store.DeleteServiceAccount(ctx, h.sa.ID, time.Now()))
	_, err = h.issuer.Issue(ctx, h.sign(t, h.claims()), models.RequestMeta{})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestIssueRejectsBadSignatures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	other, err := crypto.GenerateServiceAccountKeyPair()
	require.NoError(t, err)
	otherKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(other.PrivateKeyPEM))
	require.NoError(t, err)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodRS256, h.claims()).SignedString(otherKey)
	require.NoError(t, err)

	_, err = h.issuer.Issue(ctx, forged, models.RequestMeta{})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	// HS256 keyed with the public key must not pass as RS256.
	confused, err := jwt.NewWithClaims(jwt.SigningMethodHS256, h.claims()).SignedString([]byte(h.keys.PublicKeyPEM))
	require.NoError(t, err)
	_, err = h.issuer.Issue(ctx, confused, models.RequestMeta{})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	assert.Equal(t, []models.AuditStatus{models.AuditDenied, models.AuditDenied}, h.auditStatuses(t))
}

func TestIssueRejectsExpiryProblems(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	expired := h.claims()
	expired.IssuedAt = jwt.NewNumericDate(time.Now().Add(-2 * time.Hour))
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	_, err := h.issuer.Issue(ctx, h.sign(t, expired), models.RequestMeta{})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	noExp := h.claims()
	noExp.ExpiresAt = nil
	_, err = h.issuer.Issue(ctx, h.sign(t, noExp), models.RequestMeta{})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	longLived := h.claims()
	longLived.ExpiresAt = jwt.NewNumericDate(time.Now().Add(24 * time.Hour))
	_, err = h.issuer.Issue(ctx, h.sign(t, longLived), models.RequestMeta{})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.Equal(t, "assertion lifetime too long", apperr.ReasonOf(err))
}

func TestIssueRejectsReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	assertion := h.sign(t, h.claims())

	_, err := h.issuer.Issue(ctx, assertion, models.RequestMeta{})
	require.NoError(t, err)

	_, err = h.issuer.Issue(ctx, assertion, models.RequestMeta{})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.Equal(t, "assertion already used", apperr.ReasonOf(err))
}

func TestVerifyAccessTokenRejects(t *testing.T) {
	h := newHarness(t)
	resp, err := h.issuer.Issue(context.Background(), h.sign(t, h.claims()), models.RequestMeta{})
	require.NoError(t, err)

	parts := strings.Split(resp.AccessToken, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	_, err = h.issuer.VerifyAccessToken(tampered)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	other, err := NewIssuer(IssuerConfig{Audience: testAudience, AccessTokenSecret: []byte("different")}, h.finder)
	require.NoError(t, err)
	_, err = other.VerifyAccessToken(resp.AccessToken)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	h.issuer.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = h.issuer.VerifyAccessToken(resp.AccessToken)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestVerifyAccessTokenRequiresScope(t *testing.T) {
	h := newHarness(t)
	claims := AccessClaims{
		ServiceAccountID: h.sa.ID,
		ProjectID:        h.sa.ProjectID,
		Scope:            []string{"secret.list"},
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)

	_, err = h.issuer.VerifyAccessToken(token)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestNewIssuerRequiresConfig(t *testing.T) {
	_, err := NewIssuer(IssuerConfig{AccessTokenSecret: testSecret}, nil)
	assert.Error(t, err)
	_, err = NewIssuer(IssuerConfig{Audience: testAudience}, nil)
	assert.Error(t, err)
}
