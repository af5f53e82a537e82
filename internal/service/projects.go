package service

import (
	"context"
	"strings"

	"crypta.vault/internal/apperr"
	"crypta.vault/internal/models"
	"github.com/iancoleman/strcase"
	"go.uber.org/zap"
)

func (s *Service) CreateProject(ctx context.Context, userID, name string) (*models.Project, error) {
	name = strings.TrimSpace(name)
	if err := validateProjectName(name); err != nil {
		return nil, err
	}
	slug := strcase.ToKebab(name)
	if slug == "" {
		return nil, apperr.New(apperr.Validation, "project name must contain letters or numbers")
	}

	now := s.now().UTC()
	p := &models.Project{
		ID:        models.NewID(),
		Name:      name,
		Slug:      slug,
		OwnerID:   userID,
		Status:    models.LifecycleActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, storeError(err, "project")
	}

	s.logger.Info("project created", zap.String("project_id", p.ID), zap.String("slug", p.Slug))
	return p, nil
}

func (s *Service) GetProject(ctx context.Context, userID, projectID string) (*models.Project, error) {
	return s.authorizeProject(ctx, userID, projectID)
}

func (s *Service) ListProjects(ctx context.Context, userID string) ([]*models.Project, error) {
	out, err := s.store.ListProjectsByOwner(ctx, userID)
	if err != nil {
		return nil, storeError(err, "project")
	}
	return out, nil
}

// DeleteProject removes the project and everything it owns. Only the owner
// may do this.
func (s *Service) DeleteProject(ctx context.Context, userID, projectID string) error {
	p, err := s.authorizeProject(ctx, userID, projectID)
	if err != nil {
		return err
	}
	if p.OwnerID != userID {
		return apperr.New(apperr.Forbidden, "only the project owner can delete a project")
	}
	if err := s.store.DeleteProject(ctx, p.ID); err != nil {
		return storeError(err, "project")
	}

	s.logger.Info("project deleted", zap.String("project_id", p.ID))
	return nil
}
