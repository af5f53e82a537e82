// Package service implements the secrets manager operations on top of the
// store, the envelope cipher, the IAM engine and the audit recorder.
package service

import (
	"context"
	"errors"
	"time"

	"crypta.vault/internal/apperr"
	"crypta.vault/internal/audit"
	"crypta.vault/internal/crypto"
	"crypta.vault/internal/iam"
	"crypta.vault/internal/metrics"
	"crypta.vault/internal/models"
	"crypta.vault/internal/store"
	"go.uber.org/zap"
)

const DefaultMaxSecretSize = 64 * 1024

type Config struct {
	MaxSecretSize int
}

type Service struct {
	store   store.Store
	cipher  *crypto.Cipher
	iam     *iam.Engine
	audit   *audit.Recorder
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time
}

func New(cfg Config, s store.Store, cipher *crypto.Cipher, engine *iam.Engine, recorder *audit.Recorder, m *metrics.Metrics, logger *zap.Logger) *Service {
	if cfg.MaxSecretSize <= 0 {
		cfg.MaxSecretSize = DefaultMaxSecretSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Service{
		store:   s,
		cipher:  cipher,
		iam:     engine,
		audit:   recorder,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

func (s *Service) IAM() *iam.Engine { return s.iam }

// authorizeProject lets the project owner and holders of secret.admin on the
// project through.
func (s *Service) authorizeProject(ctx context.Context, userID, projectID string) (*models.Project, error) {
	p, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "project not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "project lookup failed", err)
	}
	if p.OwnerID != "" && p.OwnerID == userID {
		return p, nil
	}

	ok, err := s.iam.IsAuthorized(ctx, models.Binding{
		SubjectType:  models.SubjectUser,
		SubjectID:    userID,
		ResourceType: models.ResourceProject,
		ResourceID:   p.ID,
		Role:         models.RoleSecretAdmin,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.Forbidden, "permission denied")
	}
	return p, nil
}

// authorizeSecret resolves the secret and checks the caller may manage its
// project. Tombstoned secrets are still returned.
func (s *Service) authorizeSecret(ctx context.Context, userID, secretID string) (*models.Secret, error) {
	secret, err := s.store.GetSecret(ctx, secretID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "secret not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "secret lookup failed", err)
	}
	if _, err := s.authorizeProject(ctx, userID, secret.ProjectID); err != nil {
		return nil, err
	}
	return secret, nil
}

// recordAudit writes a management audit entry. Failures are already logged
// and counted by the recorder and do not undo the committed change.
func (s *Service) recordAudit(ctx context.Context, ev audit.Event) {
	_ = s.audit.Record(ctx, ev)
}

func storeError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return apperr.New(apperr.NotFound, what+" not found")
	case errors.Is(err, store.ErrConflict):
		return apperr.New(apperr.Conflict, what+" already exists")
	case errors.Is(err, store.ErrInvalidState):
		return apperr.New(apperr.InvalidState, what+" is not active")
	}
	return apperr.Wrap(apperr.Internal, what+" store failure", err)
}
