package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crypta.vault/config"
	"crypta.vault/internal/apperr"
	"crypta.vault/internal/audit"
	"crypta.vault/internal/auth"
	"crypta.vault/internal/crypto"
	"crypta.vault/internal/iam"
	"crypta.vault/internal/metrics"
	"crypta.vault/internal/models"
	"crypta.vault/internal/service"
	"crypta.vault/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const audience = "https://crypta.test/v1/auth/token"

var userSecret = []byte("user-session-secret")

type testServer struct {
	router  *chi.Mux
	store   *store.MemoryStore
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.Audience = audience
	for _, fn := range mutate {
		fn(cfg)
	}

	s := store.NewMemoryStore()
	cache := store.NewMemoryCache(time.Minute)
	t.Cleanup(func() { cache.Close() })

	kek, err := crypto.GenerateKey()
	require.NoError(t, err)
	keys, err := crypto.NewStaticKeyProvider(kek)
	require.NoError(t, err)
	t.Cleanup(keys.Destroy)

	m := metrics.New()
	logger := zap.NewNop()
	recorder := audit.NewRecorder(s, logger, m, time.Second)
	svc := service.New(service.Config{MaxSecretSize: cfg.Secrets.MaxSize}, s, crypto.NewCipher(keys), iam.NewEngine(s, logger), recorder, m, logger)

	issuer, err := auth.NewIssuer(auth.IssuerConfig{Audience: audience, AccessTokenSecret: []byte("access-secret")}, s,
		auth.WithReplayCache(cache), auth.WithAuditor(recorder), auth.WithMetrics(m), auth.WithLogger(logger))
	require.NoError(t, err)
	users, err := auth.NewUserVerifier(userSecret)
	require.NoError(t, err)

	router := SetupRouter(Dependencies{
		Service: svc,
		Issuer:  issuer,
		Users:   users,
		Counter: cache,
		Metrics: m,
		Logger:  logger,
	}, cfg)
	return &testServer{router: router, store: s, metrics: m}
}

func userToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(userSecret)
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", "api-test")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type createdAccount struct {
	ID         string `json:"id"`
	ClientID   string `json:"client_id"`
	PrivateKey string `json:"private_key"`
}

// setup creates a project with one secret and one service account, and
// returns the owner token.
func (ts *testServer) setup(t *testing.T) (owner string, project models.Project, secret models.Secret, sa createdAccount) {
	t.Helper()
	owner = userToken(t, "user-1")

	rec := ts.do(t, http.MethodPost, "/v1/projects", owner, ProjectRequest{Name: "Payments"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	project = decodeBody[models.Project](t, rec)

	rec = ts.do(t, http.MethodPost, "/v1/projects/"+project.ID+"/service-accounts", owner, ServiceAccountRequest{Name: "billing-worker"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sa = decodeBody[createdAccount](t, rec)
	require.NotEmpty(t, sa.PrivateKey)

	value := "hunter2"
	rec = ts.do(t, http.MethodPost, "/v1/projects/"+project.ID+"/secrets", owner, SecretRequest{
		Name:   "DB_PASSWORD",
		Labels: map[string]string{"env": "prod"},
		Value:  &value,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	secret = decodeBody[models.Secret](t, rec)
	return owner, project, secret, sa
}

func (ts *testServer) accessToken(t *testing.T, sa createdAccount) string {
	t.Helper()
	assertion, err := auth.SignAssertion([]byte(sa.PrivateKey), sa.ClientID, audience, time.Minute)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/v1/auth/token", "", TokenRequest{Assertion: assertion})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	resp := decodeBody[auth.TokenResponse](t, rec)
	assert.Equal(t, "Bearer", resp.TokenType)
	return resp.AccessToken
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAccessFlow(t *testing.T) {
	ts := newTestServer(t)
	owner, _, secret, sa := ts.setup(t)

	rec := ts.do(t, http.MethodPost, "/v1/iam/bindings", owner, BindingRequest{
		SubjectType:  "service_account",
		SubjectID:    sa.ID,
		ResourceType: "secret",
		ResourceID:   secret.ID,
		Role:         "secret.accessor",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	token := ts.accessToken(t, sa)

	rec = ts.do(t, http.MethodGet, "/v1/secrets/DB_PASSWORD/versions/latest:access", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	got := decodeBody[AccessResponse](t, rec)
	assert.Equal(t, AccessResponse{Name: "DB_PASSWORD", Version: 1, Data: "hunter2"}, got)

	rotated := "correct-horse"
	rec = ts.do(t, http.MethodPost, "/v1/secrets/"+secret.ID+"/versions", owner, VersionRequest{Value: &rotated})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	v := decodeBody[models.VersionMetadata](t, rec)
	assert.Equal(t, 2, v.Version)

	rec = ts.do(t, http.MethodGet, "/v1/secrets/DB_PASSWORD/versions/latest:access", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got = decodeBody[AccessResponse](t, rec)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "correct-horse", got.Data)

	rec = ts.do(t, http.MethodGet, "/v1/secrets/"+secret.ID+"/versions", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "ciphertext")
	versions := decodeBody[[]models.VersionMetadata](t, rec)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)

	rec = ts.do(t, http.MethodGet, "/v1/secrets/"+secret.ID+"/audit-logs?limit=10", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decodeBody[[]models.AuditLog](t, rec)
	require.NotEmpty(t, logs)
	assert.Equal(t, models.ActionSecretAccess, logs[0].Action)
	assert.Equal(t, "api-test", logs[0].UserAgent)
	assert.Equal(t, "192.0.2.1", logs[0].IPAddress)
}

func TestAccessDeniedHidesExistence(t *testing.T) {
	ts := newTestServer(t)
	_, _, _, sa := ts.setup(t)
	token := ts.accessToken(t, sa)

	unbound := ts.do(t, http.MethodGet, "/v1/secrets/DB_PASSWORD/versions/latest:access", token, nil)
	missing := ts.do(t, http.MethodGet, "/v1/secrets/NO_SUCH_SECRET/versions/latest:access", token, nil)

	assert.Equal(t, http.StatusForbidden, unbound.Code)
	assert.Equal(t, http.StatusForbidden, missing.Code)
	assert.Equal(t, unbound.Body.String(), missing.Body.String())
}

func TestAuthenticationRequired(t *testing.T) {
	ts := newTestServer(t)
	_, project, secret, sa := ts.setup(t)

	rec := ts.do(t, http.MethodGet, "/v1/projects/"+project.ID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// An access token is not a user session.
	saToken := ts.accessToken(t, sa)
	rec = ts.do(t, http.MethodGet, "/v1/secrets/"+secret.ID, saToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Nor is a user session an access token.
	rec = ts.do(t, http.MethodGet, "/v1/secrets/DB_PASSWORD/versions/latest:access", userToken(t, "user-1"), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOtherUsersAreForbidden(t *testing.T) {
	ts := newTestServer(t)
	_, project, secret, _ := ts.setup(t)
	stranger := userToken(t, "user-2")

	rec := ts.do(t, http.MethodGet, "/v1/projects/"+project.ID+"/secrets", stranger, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/v1/secrets/"+secret.ID, stranger, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/projects", stranger, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestProjectLifecycle(t *testing.T) {
	ts := newTestServer(t)
	owner, project, secret, sa := ts.setup(t)

	rec := ts.do(t, http.MethodGet, "/v1/projects/"+project.ID+"/secrets", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]models.Secret](t, rec), 1)

	rec = ts.do(t, http.MethodDelete, "/v1/service-accounts/"+sa.ID, owner, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodGet, "/v1/projects/"+project.ID+"/service-accounts", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = ts.do(t, http.MethodDelete, "/v1/secrets/"+secret.ID, owner, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/v1/secrets/"+secret.ID, owner, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/v1/projects/"+project.ID, owner, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodGet, "/v1/projects/"+project.ID, owner, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBindingRoutes(t *testing.T) {
	ts := newTestServer(t)
	owner, _, secret, sa := ts.setup(t)

	rec := ts.do(t, http.MethodPost, "/v1/iam/bindings", owner, BindingRequest{
		SubjectType: "group", SubjectID: sa.ID, ResourceType: "secret", ResourceID: secret.ID, Role: "secret.accessor",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := BindingRequest{
		SubjectType: "service_account", SubjectID: sa.ID, ResourceType: "secret", ResourceID: secret.ID, Role: "secret.accessor",
	}
	rec = ts.do(t, http.MethodPost, "/v1/iam/bindings", owner, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	binding := decodeBody[models.IamBinding](t, rec)

	rec = ts.do(t, http.MethodPost, "/v1/iam/bindings", owner, body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/iam/bindings", owner, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/iam/bindings?resource_id="+secret.ID, owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]models.IamBinding](t, rec), 1)

	rec = ts.do(t, http.MethodDelete, "/v1/iam/bindings/"+binding.ID, owner, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/iam/bindings?subject_id="+sa.ID, owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestRequestValidation(t *testing.T) {
	ts := newTestServer(t)
	owner, _, secret, _ := ts.setup(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/projects", strings.NewReader(`name=x`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+owner)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/projects", strings.NewReader(`{"name":`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+owner)
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/secrets/"+secret.ID+"/versions", owner, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	huge := strings.Repeat("x", 64*1024+1)
	rec = ts.do(t, http.MethodPost, "/v1/secrets/"+secret.ID+"/versions", owner, VersionRequest{Value: &huge})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/secrets/"+secret.ID+"/audit-logs?limit=ten", owner, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/auth/token", "", TokenRequest{Assertion: "not-a-jwt"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.RateLimit.TokenPerMin = 2 })

	for range 2 {
		rec := ts.do(t, http.MethodPost, "/v1/auth/token", "", TokenRequest{Assertion: "a.b.c"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
	rec := ts.do(t, http.MethodPost, "/v1/auth/token", "", TokenRequest{Assertion: "a.b.c"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/health", "", nil)

	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "crypta_http_requests_total")

	disabled := newTestServer(t, func(c *config.Config) { c.Metrics.Enabled = false })
	rec = disabled.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWriteErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		body   string
	}{
		{apperr.New(apperr.Validation, "bad name"), http.StatusBadRequest, "bad name"},
		{apperr.New(apperr.NotFound, "secret not found"), http.StatusNotFound, "secret not found"},
		{apperr.New(apperr.InvalidState, "already deleted"), http.StatusConflict, "already deleted"},
		{apperr.New(apperr.Conflict, "exists"), http.StatusConflict, "exists"},
		{apperr.New(apperr.Forbidden, "no"), http.StatusForbidden, "no"},
		{apperr.New(apperr.Unauthorized, "invalid token"), http.StatusUnauthorized, "invalid token"},
		{apperr.New(apperr.Authentication, "envelope authentication failed"), http.StatusInternalServerError, "internal error"},
		{assert.AnError, http.StatusInternalServerError, "internal error"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, tc.err)
		assert.Equal(t, tc.status, rec.Code)
		assert.Equal(t, tc.body, decodeBody[ErrorResponse](t, rec).Error)
	}
}
