package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"crypta.vault/internal/models"
)

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps everything in process. A single mutex serializes
// writers, which is what makes version creation atomic per secret.
type MemoryStore struct {
	mu              sync.RWMutex
	projects        map[string]*models.Project
	secrets         map[string]*models.Secret
	versions        map[string][]*models.SecretVersion // by secret id, ascending
	serviceAccounts map[string]*models.ServiceAccount
	bindings        map[string]*models.IamBinding
	auditLogs       []*models.AuditLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:        make(map[string]*models.Project),
		secrets:         make(map[string]*models.Secret),
		versions:        make(map[string][]*models.SecretVersion),
		serviceAccounts: make(map[string]*models.ServiceAccount),
		bindings:        make(map[string]*models.IamBinding),
	}
}

// Projects

func (s *MemoryStore) CreateProject(ctx context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.projects {
		if existing.Slug == p.Slug {
			return ErrConflict
		}
	}
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListProjectsByOwner(ctx context.Context, ownerID string) ([]*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.Project{}
	for _, p := range s.projects {
		if p.OwnerID == ownerID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sortNewestFirst(out, func(p *models.Project) string { return p.ID })
	return out, nil
}

func (s *MemoryStore) DeleteProject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return ErrNotFound
	}
	for sid, secret := range s.secrets {
		if secret.ProjectID == id {
			delete(s.versions, sid)
			delete(s.secrets, sid)
		}
	}
	for aid, sa := range s.serviceAccounts {
		if sa.ProjectID == id {
			delete(s.serviceAccounts, aid)
		}
	}
	delete(s.projects, id)
	return nil
}

// Secrets

func (s *MemoryStore) CreateSecret(ctx context.Context, secret *models.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkNewSecret(secret); err != nil {
		return err
	}
	s.secrets[secret.ID] = copySecret(secret)
	return nil
}

func (s *MemoryStore) CreateSecretWithVersion(ctx context.Context, secret *models.Secret, v *models.SecretVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkNewSecret(secret); err != nil {
		return err
	}
	for _, versions := range s.versions {
		for _, existing := range versions {
			if existing.ID == v.ID {
				return ErrConflict
			}
		}
	}

	v.SecretID = secret.ID
	v.Version = 1
	v.Status = models.VersionEnabled
	cp := *v
	s.secrets[secret.ID] = copySecret(secret)
	s.versions[secret.ID] = []*models.SecretVersion{&cp}
	return nil
}

// checkNewSecret must be called with the write lock held.
func (s *MemoryStore) checkNewSecret(secret *models.Secret) error {
	if _, ok := s.projects[secret.ProjectID]; !ok {
		return ErrNotFound
	}
	for _, existing := range s.secrets {
		if existing.ID == secret.ID || (existing.ProjectID == secret.ProjectID && existing.Name == secret.Name) {
			return ErrConflict
		}
	}
	return nil
}

func (s *MemoryStore) GetSecret(ctx context.Context, id string) (*models.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secret, ok := s.secrets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySecret(secret), nil
}

func (s *MemoryStore) GetSecretByName(ctx context.Context, projectID, name string) (*models.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, secret := range s.secrets {
		if secret.ProjectID == projectID && secret.Name == name {
			return copySecret(secret), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListSecrets(ctx context.Context, projectID string) ([]*models.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.Secret{}
	for _, secret := range s.secrets {
		if secret.ProjectID == projectID && secret.Status != models.LifecycleDeleted {
			out = append(out, copySecret(secret))
		}
	}
	sortNewestFirst(out, func(s *models.Secret) string { return s.ID })
	return out, nil
}

func (s *MemoryStore) DeleteSecret(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, ok := s.secrets[id]
	if !ok {
		return ErrNotFound
	}
	if secret.Status == models.LifecycleDeleted {
		return ErrInvalidState
	}
	for _, v := range s.versions[id] {
		v.Status = models.VersionDisabled
	}
	secret.Status = models.LifecycleDeleted
	secret.UpdatedAt = at
	secret.DeletedAt = &at
	return nil
}

// Versions

func (s *MemoryStore) AppendVersion(ctx context.Context, v *models.SecretVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, ok := s.secrets[v.SecretID]
	if !ok {
		return ErrNotFound
	}
	if !secret.Active() {
		return ErrInvalidState
	}

	existing := s.versions[v.SecretID]
	next := 1
	if n := len(existing); n > 0 {
		next = existing[n-1].Version + 1
	}
	for _, prev := range existing {
		prev.Status = models.VersionDisabled
	}

	v.Version = next
	v.Status = models.VersionEnabled
	cp := *v
	s.versions[v.SecretID] = append(existing, &cp)
	return nil
}

func (s *MemoryStore) GetLatestEnabledVersion(ctx context.Context, secretID string) (*models.SecretVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.versions[secretID]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Status == models.VersionEnabled {
			cp := *versions[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListVersions(ctx context.Context, secretID string) ([]models.VersionMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.versions[secretID]
	out := make([]models.VersionMetadata, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		out = append(out, versions[i].Metadata())
	}
	return out, nil
}

// Service accounts

func (s *MemoryStore) CreateServiceAccount(ctx context.Context, sa *models.ServiceAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[sa.ProjectID]; !ok {
		return ErrNotFound
	}
	for _, existing := range s.serviceAccounts {
		if existing.ClientID == sa.ClientID {
			return ErrConflict
		}
	}
	cp := *sa
	s.serviceAccounts[sa.ID] = &cp
	return nil
}

func (s *MemoryStore) GetServiceAccount(ctx context.Context, id string) (*models.ServiceAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sa, ok := s.serviceAccounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sa
	return &cp, nil
}

func (s *MemoryStore) GetActiveServiceAccountByClientID(ctx context.Context, clientID string) (*models.ServiceAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sa := range s.serviceAccounts {
		if sa.ClientID == clientID && sa.Active() {
			cp := *sa
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListServiceAccounts(ctx context.Context, projectID string) ([]*models.ServiceAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.ServiceAccount{}
	for _, sa := range s.serviceAccounts {
		if sa.ProjectID == projectID && sa.Status != models.LifecycleDeleted {
			cp := *sa
			out = append(out, &cp)
		}
	}
	sortNewestFirst(out, func(sa *models.ServiceAccount) string { return sa.ID })
	return out, nil
}

func (s *MemoryStore) DeleteServiceAccount(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sa, ok := s.serviceAccounts[id]
	if !ok {
		return ErrNotFound
	}
	if sa.Status == models.LifecycleDeleted {
		return ErrInvalidState
	}
	sa.Status = models.LifecycleDeleted
	sa.UpdatedAt = at
	sa.DeletedAt = &at
	return nil
}

// Bindings

func (s *MemoryStore) CreateBinding(ctx context.Context, b *models.IamBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.bindings {
		if existing.Binding == b.Binding {
			return ErrConflict
		}
	}
	cp := *b
	s.bindings[b.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBinding(ctx context.Context, id string) (*models.IamBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bindings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) HasBinding(ctx context.Context, tuple models.Binding) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.bindings {
		if b.Binding == tuple {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListBindings(ctx context.Context, f models.BindingFilter) ([]*models.IamBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.IamBinding{}
	for _, b := range s.bindings {
		if f.SubjectID != "" && b.SubjectID != f.SubjectID {
			continue
		}
		if f.ResourceID != "" && b.ResourceID != f.ResourceID {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sortNewestFirst(out, func(b *models.IamBinding) string { return b.ID })
	return out, nil
}

func (s *MemoryStore) DeleteBinding(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bindings[id]; !ok {
		return ErrNotFound
	}
	delete(s.bindings, id)
	return nil
}

// Audit logs

func (s *MemoryStore) AppendAuditLog(ctx context.Context, entry *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.auditLogs = append(s.auditLogs, &cp)
	return nil
}

func (s *MemoryStore) ListAuditLogs(ctx context.Context, f models.AuditFilter) ([]*models.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.AuditLog{}
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if f.SecretID != "" && (entry.SecretID == nil || *entry.SecretID != f.SecretID) {
			continue
		}
		if f.SubjectID != "" && entry.SubjectID != f.SubjectID {
			continue
		}
		cp := *entry
		out = append(out, &cp)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.projects = nil
	s.secrets = nil
	s.versions = nil
	s.serviceAccounts = nil
	s.bindings = nil
	s.auditLogs = nil
	return nil
}

// Helpers

func copySecret(s *models.Secret) *models.Secret {
	cp := *s
	cp.Labels = make(models.Labels, len(s.Labels))
	for k, v := range s.Labels {
		cp.Labels[k] = v
	}
	return &cp
}

func sortNewestFirst[T any](items []T, id func(T) string) {
	slices.SortFunc(items, func(a, b T) int {
		return strings.Compare(id(b), id(a))
	})
}
