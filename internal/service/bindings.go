package service

import (
	"context"
	"errors"

	"crypta.vault/internal/apperr"
	"crypta.vault/internal/audit"
	"crypta.vault/internal/models"
	"crypta.vault/internal/store"
)

func (s *Service) CreateBinding(ctx context.Context, userID string, b models.Binding, meta models.RequestMeta) (*models.IamBinding, error) {
	if _, err := models.ParseResourceType(string(b.ResourceType)); err != nil {
		return nil, apperr.New(apperr.Validation, "resource_type must be project or secret")
	}
	projectID, err := s.iam.ResourceProject(ctx, b.ResourceType, b.ResourceID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorizeProject(ctx, userID, projectID); err != nil {
		return nil, err
	}

	binding, err := s.iam.CreateBinding(ctx, b)
	s.recordAudit(ctx, bindingEvent(userID, models.ActionBindingCreate, b, meta, err))
	return binding, err
}

func (s *Service) RevokeBinding(ctx context.Context, userID, bindingID string, meta models.RequestMeta) error {
	b, err := s.iam.GetBinding(ctx, bindingID)
	if err != nil {
		return err
	}
	projectID, err := s.owningProject(ctx, b.ResourceType, b.ResourceID)
	if err != nil {
		return err
	}
	if _, err := s.authorizeProject(ctx, userID, projectID); err != nil {
		return err
	}

	err = s.iam.RevokeBinding(ctx, b.ID)
	s.recordAudit(ctx, bindingEvent(userID, models.ActionBindingRevoke, b.Binding, meta, err))
	return err
}

// ListBindings needs a resource_id or subject_id. The caller must manage the
// project behind it, or be the subject.
func (s *Service) ListBindings(ctx context.Context, userID string, f models.BindingFilter) ([]*models.IamBinding, error) {
	switch {
	case f.ResourceID != "":
		projectID, err := s.resourceOwner(ctx, f.ResourceID)
		if err != nil {
			return nil, err
		}
		if _, err := s.authorizeProject(ctx, userID, projectID); err != nil {
			return nil, err
		}
	case f.SubjectID == userID:
	case f.SubjectID != "":
		sa, err := s.store.GetServiceAccount(ctx, f.SubjectID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.Forbidden, "permission denied")
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "service account lookup failed", err)
		}
		if _, err := s.authorizeProject(ctx, userID, sa.ProjectID); err != nil {
			return nil, err
		}
	default:
		return nil, apperr.New(apperr.Validation, "subject_id or resource_id is required")
	}
	return s.iam.ListBindings(ctx, f)
}

// owningProject resolves the project of a resource in any lifecycle state so
// that bindings on tombstoned secrets can still be revoked.
func (s *Service) owningProject(ctx context.Context, t models.ResourceType, id string) (string, error) {
	switch t {
	case models.ResourceProject:
		return id, nil
	case models.ResourceSecret:
		secret, err := s.store.GetSecret(ctx, id)
		if err != nil {
			return "", storeError(err, "secret")
		}
		return secret.ProjectID, nil
	}
	return "", apperr.Newf(apperr.Validation, "unknown resource type %q", t)
}

// resourceOwner resolves a bare resource id, trying projects then secrets.
func (s *Service) resourceOwner(ctx context.Context, id string) (string, error) {
	if p, err := s.store.GetProject(ctx, id); err == nil {
		return p.ID, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", storeError(err, "project")
	}
	return s.owningProject(ctx, models.ResourceSecret, id)
}

func bindingEvent(userID, action string, b models.Binding, meta models.RequestMeta, err error) audit.Event {
	secretID := ""
	if b.ResourceType == models.ResourceSecret {
		secretID = b.ResourceID
	}
	ev := manageEvent(userID, action, secretID, "", meta, err)
	if k := apperr.KindOf(err); err != nil && (k == apperr.Forbidden || k == apperr.Unauthorized) {
		ev.Status = models.AuditDenied
	}
	return ev
}
