package service

import (
	"context"
	"strconv"
	"strings"

	"crypta.vault/internal/apperr"
	"crypta.vault/internal/audit"
	"crypta.vault/internal/models"
	"go.uber.org/zap"
)

type CreateSecretInput struct {
	Name   string
	Labels models.Labels
	// Value, when set, becomes version 1.
	Value *string
}

func (s *Service) CreateSecret(ctx context.Context, userID, projectID string, in CreateSecretInput, meta models.RequestMeta) (*models.Secret, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := validateSecretName(in.Name); err != nil {
		return nil, err
	}
	if err := validateLabels(in.Labels); err != nil {
		return nil, err
	}
	if in.Value != nil {
		if err := s.checkSize(*in.Value); err != nil {
			return nil, err
		}
	}
	p, err := s.authorizeProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}

	labels := in.Labels
	if labels == nil {
		labels = models.Labels{}
	}
	now := s.now().UTC()
	secret := &models.Secret{
		ID:        models.NewID(),
		ProjectID: p.ID,
		Name:      in.Name,
		Labels:    labels,
		CreatedBy: userID,
		Status:    models.LifecycleActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.Value == nil {
		if err := s.store.CreateSecret(ctx, secret); err != nil {
			return nil, storeError(err, "secret")
		}
		s.logger.Info("secret created", zap.String("secret_id", secret.ID), zap.String("project_id", p.ID))
		return secret, nil
	}

	v, err := s.sealVersion(ctx, secret.ID, []byte(*in.Value))
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateSecretWithVersion(ctx, secret, v); err != nil {
		return nil, storeError(err, "secret")
	}
	s.logger.Info("secret created", zap.String("secret_id", secret.ID), zap.String("project_id", p.ID))
	s.versionCreated(ctx, userID, v, meta)
	return secret, nil
}

func (s *Service) GetSecret(ctx context.Context, userID, secretID string) (*models.Secret, error) {
	return s.authorizeSecret(ctx, userID, secretID)
}

func (s *Service) ListSecrets(ctx context.Context, userID, projectID string) ([]*models.Secret, error) {
	if _, err := s.authorizeProject(ctx, userID, projectID); err != nil {
		return nil, err
	}
	out, err := s.store.ListSecrets(ctx, projectID)
	if err != nil {
		return nil, storeError(err, "secret")
	}
	return out, nil
}

// DeleteSecret tombstones the secret and disables all of its versions.
func (s *Service) DeleteSecret(ctx context.Context, userID, secretID string, meta models.RequestMeta) error {
	secret, err := s.authorizeSecret(ctx, userID, secretID)
	if err != nil {
		return err
	}

	err = storeError(s.store.DeleteSecret(ctx, secret.ID, s.now().UTC()), "secret")
	s.recordAudit(ctx, manageEvent(userID, models.ActionSecretDelete, secret.ID, "", meta, err))
	if err != nil {
		return err
	}

	s.logger.Info("secret deleted", zap.String("secret_id", secret.ID))
	return nil
}

// AddVersion encrypts value and makes it the only enabled version.
func (s *Service) AddVersion(ctx context.Context, userID, secretID, value string, meta models.RequestMeta) (*models.VersionMetadata, error) {
	if err := s.checkSize(value); err != nil {
		return nil, err
	}
	secret, err := s.authorizeSecret(ctx, userID, secretID)
	if err != nil {
		return nil, err
	}
	if !secret.Active() {
		return nil, apperr.New(apperr.InvalidState, "secret is not active")
	}
	return s.appendVersion(ctx, userID, secret, []byte(value), meta)
}

func (s *Service) appendVersion(ctx context.Context, userID string, secret *models.Secret, plaintext []byte, meta models.RequestMeta) (*models.VersionMetadata, error) {
	v, err := s.sealVersion(ctx, secret.ID, plaintext)
	if err != nil {
		return nil, err
	}
	if err := storeError(s.store.AppendVersion(ctx, v), "secret"); err != nil {
		s.recordAudit(ctx, manageEvent(userID, models.ActionSecretVersionCreate, secret.ID, "", meta, err))
		return nil, err
	}
	return s.versionCreated(ctx, userID, v, meta), nil
}

// sealVersion encrypts plaintext into an unnumbered version row.
func (s *Service) sealVersion(ctx context.Context, secretID string, plaintext []byte) (*models.SecretVersion, error) {
	env, err := s.cipher.WrapAndEncrypt(ctx, plaintext)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "encryption failed", err)
	}
	return &models.SecretVersion{
		ID:         models.NewID(),
		SecretID:   secretID,
		CreatedAt:  s.now().UTC(),
		Ciphertext: env.Ciphertext,
		DataIV:     env.DataIV,
		DataTag:    env.DataTag,
		WrappedDEK: env.WrappedDEK,
		DEKIV:      env.DEKIV,
		DEKTag:     env.DEKTag,
	}, nil
}

func (s *Service) versionCreated(ctx context.Context, userID string, v *models.SecretVersion, meta models.RequestMeta) *models.VersionMetadata {
	s.recordAudit(ctx, manageEvent(userID, models.ActionSecretVersionCreate, v.SecretID, strconv.Itoa(v.Version), meta, nil))
	s.metrics.VersionsCreatedTotal.Inc()
	s.logger.Info("secret version created",
		zap.String("secret_id", v.SecretID),
		zap.Int("version", v.Version))
	md := v.Metadata()
	return &md
}

func (s *Service) ListVersions(ctx context.Context, userID, secretID string) ([]models.VersionMetadata, error) {
	secret, err := s.authorizeSecret(ctx, userID, secretID)
	if err != nil {
		return nil, err
	}
	out, err := s.store.ListVersions(ctx, secret.ID)
	if err != nil {
		return nil, storeError(err, "secret version")
	}
	return out, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, userID, secretID string, limit int) ([]*models.AuditLog, error) {
	secret, err := s.authorizeSecret(ctx, userID, secretID)
	if err != nil {
		return nil, err
	}
	return s.audit.List(ctx, models.AuditFilter{SecretID: secret.ID, Limit: limit})
}

func (s *Service) checkSize(value string) error {
	if len(value) > s.cfg.MaxSecretSize {
		return apperr.Newf(apperr.Validation, "secret value exceeds %d bytes", s.cfg.MaxSecretSize)
	}
	return nil
}

func manageEvent(userID, action, secretID, version string, meta models.RequestMeta, err error) audit.Event {
	ev := audit.Event{
		Subject:       models.User(userID),
		Action:        action,
		SecretID:      secretID,
		SecretVersion: version,
		Meta:          meta,
		Status:        models.AuditSuccess,
	}
	if err != nil {
		ev.Status = models.AuditError
		ev.Message = err.Error()
	}
	return ev
}
