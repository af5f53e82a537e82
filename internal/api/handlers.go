package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"crypta.vault/internal/apperr"
	"crypta.vault/internal/auth"
	"crypta.vault/internal/models"
	"crypta.vault/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// maxBodyOverhead is added to the secret size limit to bound request bodies.
const maxBodyOverhead = 16 * 1024

type Handler struct {
	svc     *service.Service
	issuer  *auth.Issuer
	logger  *zap.Logger
	maxBody int64
}

func NewHandler(svc *service.Service, issuer *auth.Issuer, maxSecretSize int, logger *zap.Logger) *Handler {
	return &Handler{
		svc:    svc,
		issuer: issuer,
		logger: logger,
		// JSON escaping can at most sextuple a byte (\u00XX).
		maxBody: int64(maxSecretSize)*6 + maxBodyOverhead,
	}
}

type TokenRequest struct {
	Assertion string `json:"assertion"`
}

type AccessResponse struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Data    string `json:"data"`
}

type ProjectRequest struct {
	Name string `json:"name"`
}

type ServiceAccountRequest struct {
	Name string `json:"name"`
}

type SecretRequest struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  *string           `json:"value,omitempty"`
}

type VersionRequest struct {
	Value *string `json:"value"`
}

type BindingRequest struct {
	SubjectType  string `json:"subject_type"`
	SubjectID    string `json:"subject_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Role         string `json:"role"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.issuer.Issue(r.Context(), req.Assertion, requestMeta(r))
	if err != nil {
		h.error(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	h.json(w, http.StatusOK, resp)
}

func (h *Handler) AccessLatest(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "secret")

	result, err := h.svc.AccessLatest(r.Context(), callerFrom(r), name, requestMeta(r))
	if err != nil {
		h.error(w, err)
		return
	}
	defer result.Wipe()

	w.Header().Set("Cache-Control", "no-store")
	h.json(w, http.StatusOK, AccessResponse{
		Name:    result.Name,
		Version: result.Version,
		Data:    string(result.Plaintext),
	})
}

func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.svc.CreateProject(r.Context(), userID(r), req.Name)
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusCreated, p)
}

func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.svc.ListProjects(r.Context(), userID(r))
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusOK, orEmpty(projects))
}

func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetProject(r.Context(), userID(r), chi.URLParam(r, "project"))
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusOK, p)
}

func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteProject(r.Context(), userID(r), chi.URLParam(r, "project")); err != nil {
		h.error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CreateServiceAccount(w http.ResponseWriter, r *http.Request) {
	var req ServiceAccountRequest
	if !h.decode(w, r, &req) {
		return
	}

	sa, err := h.svc.CreateServiceAccount(r.Context(), userID(r), chi.URLParam(r, "project"), req.Name)
	if err != nil {
		h.error(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.json(w, http.StatusCreated, sa)
}

func (h *Handler) ListServiceAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.svc.ListServiceAccounts(r.Context(), userID(r), chi.URLParam(r, "project"))
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusOK, orEmpty(accounts))
}

func (h *Handler) DeleteServiceAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteServiceAccount(r.Context(), userID(r), chi.URLParam(r, "account")); err != nil {
		h.error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CreateSecret(w http.ResponseWriter, r *http.Request) {
	var req SecretRequest
	if !h.decode(w, r, &req) {
		return
	}

	secret, err := h.svc.CreateSecret(r.Context(), userID(r), chi.URLParam(r, "project"), service.CreateSecretInput{
		Name:   req.Name,
		Labels: models.Labels(req.Labels),
		Value:  req.Value,
	}, requestMeta(r))
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusCreated, secret)
}

func (h *Handler) ListSecrets(w http.ResponseWriter, r *http.Request) {
	secrets, err := h.svc.ListSecrets(r.Context(), userID(r), chi.URLParam(r, "project"))
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusOK, orEmpty(secrets))
}

func (h *Handler) GetSecret(w http.ResponseWriter, r *http.Request) {
	secret, err := h.svc.GetSecret(r.Context(), userID(r), chi.URLParam(r, "secret"))
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusOK, secret)
}

func (h *Handler) DeleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSecret(r.Context(), userID(r), chi.URLParam(r, "secret"), requestMeta(r)); err != nil {
		h.error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AddVersion(w http.ResponseWriter, r *http.Request) {
	var req VersionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Value == nil {
		h.error(w, apperr.New(apperr.Validation, "value is required"))
		return
	}

	v, err := h.svc.AddVersion(r.Context(), userID(r), chi.URLParam(r, "secret"), *req.Value, requestMeta(r))
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusCreated, v)
}

func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.svc.ListVersions(r.Context(), userID(r), chi.URLParam(r, "secret"))
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusOK, orEmpty(versions))
}

func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.error(w, apperr.New(apperr.Validation, "limit must be an integer"))
			return
		}
		limit = n
	}

	logs, err := h.svc.ListAuditLogs(r.Context(), userID(r), chi.URLParam(r, "secret"), limit)
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusOK, orEmpty(logs))
}

func (h *Handler) CreateBinding(w http.ResponseWriter, r *http.Request) {
	var req BindingRequest
	if !h.decode(w, r, &req) {
		return
	}

	b, err := req.binding()
	if err != nil {
		h.error(w, err)
		return
	}

	binding, err := h.svc.CreateBinding(r.Context(), userID(r), b, requestMeta(r))
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusCreated, binding)
}

func (h *Handler) ListBindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bindings, err := h.svc.ListBindings(r.Context(), userID(r), models.BindingFilter{
		SubjectID:  q.Get("subject_id"),
		ResourceID: q.Get("resource_id"),
	})
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusOK, orEmpty(bindings))
}

func (h *Handler) RevokeBinding(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RevokeBinding(r.Context(), userID(r), chi.URLParam(r, "binding"), requestMeta(r)); err != nil {
		h.error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (req BindingRequest) binding() (models.Binding, error) {
	st, err := models.ParseSubjectType(req.SubjectType)
	if err != nil {
		return models.Binding{}, apperr.Wrap(apperr.Validation, "invalid subject_type", err)
	}
	rt, err := models.ParseResourceType(req.ResourceType)
	if err != nil {
		return models.Binding{}, apperr.Wrap(apperr.Validation, "invalid resource_type", err)
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		return models.Binding{}, apperr.Wrap(apperr.Validation, "invalid role", err)
	}
	return models.Binding{
		SubjectType:  st,
		SubjectID:    req.SubjectID,
		ResourceType: rt,
		ResourceID:   req.ResourceID,
		Role:         role,
	}, nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large"})
			return false
		}
		h.error(w, apperr.New(apperr.Validation, "invalid request body"))
		return false
	}
	return true
}

func (h *Handler) json(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data)
}

func (h *Handler) error(w http.ResponseWriter, err error) {
	if apperr.KindOf(err) == apperr.Internal {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(apperr.KindOf(err))
	reason := apperr.ReasonOf(err)
	if status == http.StatusInternalServerError {
		reason = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: reason})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.InvalidState, apperr.Conflict:
		return http.StatusConflict
	case apperr.Forbidden:
		return http.StatusForbidden
	case apperr.Unauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// requestMeta reads the client address after middleware.RealIP has run.
func requestMeta(r *http.Request) models.RequestMeta {
	return models.RequestMeta{IP: clientIP(r), UserAgent: r.UserAgent()}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// orEmpty keeps empty listings as [] rather than null.
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
