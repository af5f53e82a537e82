// Package audit persists the append-only record of who touched which
// secret and how it went.
package audit

import (
	"context"
	"fmt"
	"time"

	"crypta.vault/internal/apperr"
	"crypta.vault/internal/metrics"
	"crypta.vault/internal/models"
	"crypta.vault/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultListLimit    = 100
	MaxListLimit        = 1000
)

// Event is one audited attempt. Empty optional fields are stored as NULL.
type Event struct {
	Subject       models.Subject
	Action        string
	SecretID      string
	SecretVersion string
	Meta          models.RequestMeta
	Status        models.AuditStatus
	Message       string
}

type Recorder struct {
	store   store.AuditStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time
}

func NewRecorder(s store.AuditStore, logger *zap.Logger, m *metrics.Metrics, timeout time.Duration) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &Recorder{store: s, logger: logger, metrics: m, timeout: timeout, now: time.Now}
}

// Record writes ev. The write survives cancellation of ctx so that an
// aborted request is still audited; it is bounded by the recorder timeout.
// A failure is logged and counted before it is returned.
func (r *Recorder) Record(ctx context.Context, ev Event) error {
	entry := &models.AuditLog{
		ID:            models.NewID(),
		SubjectType:   ev.Subject.Type,
		SubjectID:     ev.Subject.ID,
		Action:        ev.Action,
		SecretID:      optional(ev.SecretID),
		SecretVersion: optional(ev.SecretVersion),
		IPAddress:     ev.Meta.IP,
		UserAgent:     ev.Meta.UserAgent,
		Status:        ev.Status,
		ErrorMessage:  optional(ev.Message),
		CreatedAt:     r.now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.store.AppendAuditLog(ctx, entry); err != nil {
		if r.metrics != nil {
			r.metrics.AuditWriteFailures.Inc()
		}
		r.logger.Error("audit write failed",
			zap.String("action", ev.Action),
			zap.String("subject_type", string(ev.Subject.Type)),
			zap.String("subject_id", ev.Subject.ID),
			zap.String("secret_id", ev.SecretID),
			zap.String("status", string(ev.Status)),
			zap.Error(err))
		return fmt.Errorf("audit write: %w", err)
	}
	return nil
}

func (r *Recorder) List(ctx context.Context, f models.AuditFilter) ([]*models.AuditLog, error) {
	switch {
	case f.Limit < 0:
		return nil, apperr.New(apperr.Validation, "limit must not be negative")
	case f.Limit == 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	logs, err := r.store.ListAuditLogs(ctx, f)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "audit list failed", err)
	}
	return logs, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
