// Package iam decides whether a subject holds a role on a resource and
// manages the bindings that grant it.
package iam

import (
	"context"
	"errors"
	"time"

	"crypta.vault/internal/apperr"
	"crypta.vault/internal/models"
	"crypta.vault/internal/store"
	"go.uber.org/zap"
)

// Repository is the slice of the store the engine needs.
type Repository interface {
	store.BindingStore
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetSecret(ctx context.Context, id string) (*models.Secret, error)
	GetServiceAccount(ctx context.Context, id string) (*models.ServiceAccount, error)
}

type Engine struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

func NewEngine(repo Repository, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{repo: repo, logger: logger, now: time.Now}
}

// IsAuthorized is an exact tuple match. A binding on a project grants
// nothing on the secrets inside it.
func (e *Engine) IsAuthorized(ctx context.Context, b models.Binding) (bool, error) {
	if b.SubjectID == "" || b.ResourceID == "" {
		return false, nil
	}
	ok, err := e.repo.HasBinding(ctx, b)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "binding lookup failed", err)
	}
	return ok, nil
}

func (e *Engine) CreateBinding(ctx context.Context, b models.Binding) (*models.IamBinding, error) {
	if err := validateBinding(b); err != nil {
		return nil, err
	}

	resourceProject, err := e.ResourceProject(ctx, b.ResourceType, b.ResourceID)
	if err != nil {
		return nil, err
	}

	if b.SubjectType == models.SubjectServiceAccount {
		sa, err := e.repo.GetServiceAccount(ctx, b.SubjectID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "service account not found")
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "service account lookup failed", err)
		}
		if !sa.Active() {
			return nil, apperr.New(apperr.InvalidState, "service account is not active")
		}
		if sa.ProjectID != resourceProject {
			return nil, apperr.New(apperr.Forbidden, "service account belongs to a different project")
		}
	}

	binding := &models.IamBinding{
		ID:        models.NewID(),
		Binding:   b,
		CreatedAt: e.now().UTC(),
	}
	if err := e.repo.CreateBinding(ctx, binding); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.New(apperr.Conflict, "binding already exists")
		}
		return nil, apperr.Wrap(apperr.Internal, "binding insert failed", err)
	}

	e.logger.Info("iam binding created",
		zap.String("binding_id", binding.ID),
		zap.String("subject_type", string(b.SubjectType)),
		zap.String("subject_id", b.SubjectID),
		zap.String("resource_type", string(b.ResourceType)),
		zap.String("resource_id", b.ResourceID),
		zap.String("role", string(b.Role)))
	return binding, nil
}

func (e *Engine) GetBinding(ctx context.Context, id string) (*models.IamBinding, error) {
	b, err := e.repo.GetBinding(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "binding not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "binding lookup failed", err)
	}
	return b, nil
}

func (e *Engine) RevokeBinding(ctx context.Context, id string) error {
	err := e.repo.DeleteBinding(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.NotFound, "binding not found")
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, "binding delete failed", err)
	}
	e.logger.Info("iam binding revoked", zap.String("binding_id", id))
	return nil
}

func (e *Engine) ListBindings(ctx context.Context, f models.BindingFilter) ([]*models.IamBinding, error) {
	out, err := e.repo.ListBindings(ctx, f)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "binding list failed", err)
	}
	return out, nil
}

// ResourceProject resolves the project a resource belongs to. The resource
// must exist and be active.
func (e *Engine) ResourceProject(ctx context.Context, t models.ResourceType, id string) (string, error) {
	switch t {
	case models.ResourceProject:
		p, err := e.repo.GetProject(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return "", apperr.New(apperr.NotFound, "project not found")
		}
		if err != nil {
			return "", apperr.Wrap(apperr.Internal, "project lookup failed", err)
		}
		if !p.Active() {
			return "", apperr.New(apperr.InvalidState, "project is not active")
		}
		return p.ID, nil
	case models.ResourceSecret:
		s, err := e.repo.GetSecret(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return "", apperr.New(apperr.NotFound, "secret not found")
		}
		if err != nil {
			return "", apperr.Wrap(apperr.Internal, "secret lookup failed", err)
		}
		if !s.Active() {
			return "", apperr.New(apperr.InvalidState, "secret is not active")
		}
		return s.ProjectID, nil
	}
	return "", apperr.Newf(apperr.Validation, "unknown resource type %q", t)
}

func validateBinding(b models.Binding) error {
	if _, err := models.ParseSubjectType(string(b.SubjectType)); err != nil {
		return apperr.New(apperr.Validation, "subject_type must be user or service_account")
	}
	if _, err := models.ParseResourceType(string(b.ResourceType)); err != nil {
		return apperr.New(apperr.Validation, "resource_type must be project or secret")
	}
	if _, err := models.ParseRole(string(b.Role)); err != nil {
		return apperr.New(apperr.Validation, "role must be secret.admin or secret.accessor")
	}
	if b.SubjectID == "" {
		return apperr.New(apperr.Validation, "subject_id is required")
	}
	if b.ResourceID == "" {
		return apperr.New(apperr.Validation, "resource_id is required")
	}
	return nil
}
