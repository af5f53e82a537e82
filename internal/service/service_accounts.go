package service

import (
	"context"
	"errors"

	"crypta.vault/internal/apperr"
	"crypta.vault/internal/crypto"
	"crypta.vault/internal/models"
	"crypta.vault/internal/store"
	"github.com/iancoleman/strcase"
	"go.uber.org/zap"
)

// CreatedServiceAccount carries the private key, which is never stored and
// is only available in this response.
type CreatedServiceAccount struct {
	*models.ServiceAccount
	PrivateKey string `json:"private_key"`
}

func ClientID(accountName, projectSlug string) string {
	return strcase.ToKebab(accountName) + "@" + projectSlug + ".crypta"
}

func (s *Service) CreateServiceAccount(ctx context.Context, userID, projectID, name string) (*CreatedServiceAccount, error) {
	if err := validateAccountName(name); err != nil {
		return nil, err
	}
	p, err := s.authorizeProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}

	keys, err := crypto.GenerateServiceAccountKeyPair()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "key generation failed", err)
	}

	now := s.now().UTC()
	sa := &models.ServiceAccount{
		ID:        models.NewID(),
		ProjectID: p.ID,
		Name:      name,
		ClientID:  ClientID(name, p.Slug),
		PublicKey: keys.PublicKeyPEM,
		Status:    models.LifecycleActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateServiceAccount(ctx, sa); err != nil {
		return nil, storeError(err, "service account")
	}

	s.logger.Info("service account created",
		zap.String("service_account_id", sa.ID),
		zap.String("client_id", sa.ClientID))
	return &CreatedServiceAccount{ServiceAccount: sa, PrivateKey: keys.PrivateKeyPEM}, nil
}

func (s *Service) ListServiceAccounts(ctx context.Context, userID, projectID string) ([]*models.ServiceAccount, error) {
	if _, err := s.authorizeProject(ctx, userID, projectID); err != nil {
		return nil, err
	}
	out, err := s.store.ListServiceAccounts(ctx, projectID)
	if err != nil {
		return nil, storeError(err, "service account")
	}
	return out, nil
}

func (s *Service) DeleteServiceAccount(ctx context.Context, userID, accountID string) error {
	sa, err := s.store.GetServiceAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.NotFound, "service account not found")
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, "service account lookup failed", err)
	}
	if _, err := s.authorizeProject(ctx, userID, sa.ProjectID); err != nil {
		return err
	}
	if err := s.store.DeleteServiceAccount(ctx, sa.ID, s.now().UTC()); err != nil {
		return storeError(err, "service account")
	}

	s.logger.Info("service account deleted", zap.String("service_account_id", sa.ID))
	return nil
}
