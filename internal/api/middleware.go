package api

import (
	"context"
	"mime"
	"net/http"
	"strconv"
	"time"

	"crypta.vault/internal/apperr"
	"crypta.vault/internal/auth"
	"crypta.vault/internal/metrics"
	"crypta.vault/internal/service"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type ctxKey int

const (
	userKey ctxKey = iota
	callerKey
)

// Logger logs one line per request. Query strings are not logged.
func Logger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("remote_ip", clientIP(r)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// Instrument counts requests and observes their latency.
func Instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
			m.HTTPRequestDurationSec.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

// JSONOnly rejects request bodies that are not application/json.
func JSONOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || mt != "application/json" {
				writeJSON(w, http.StatusUnsupportedMediaType, ErrorResponse{Error: "content type must be application/json"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUser authenticates a human session token.
func RequireUser(users *auth.UserVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := auth.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeError(w, apperr.New(apperr.Unauthorized, "missing bearer token"))
				return
			}
			userID, err := users.Verify(token)
			if err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
		})
	}
}

// RequireServiceAccount authenticates an access token minted by the issuer.
func RequireServiceAccount(issuer *auth.Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := auth.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeError(w, apperr.New(apperr.Unauthorized, "missing bearer token"))
				return
			}
			claims, err := issuer.VerifyAccessToken(token)
			if err != nil {
				writeError(w, err)
				return
			}
			caller := service.Caller{ServiceAccountID: claims.ServiceAccountID, ProjectID: claims.ProjectID}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
		})
	}
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey).(string)
	return id
}

func callerFrom(r *http.Request) service.Caller {
	c, _ := r.Context().Value(callerKey).(service.Caller)
	return c
}
