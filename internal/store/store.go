package store

import (
	"context"
	"errors"
	"time"

	"crypta.vault/internal/models"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrConflict     = errors.New("record already exists")
	ErrInvalidState = errors.New("record is not active")
)

type ProjectStore interface {
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjectsByOwner(ctx context.Context, ownerID string) ([]*models.Project, error)
	// DeleteProject removes the project together with its secrets, their
	// versions and its service accounts.
	DeleteProject(ctx context.Context, id string) error
}

type SecretStore interface {
	CreateSecret(ctx context.Context, s *models.Secret) error
	// CreateSecretWithVersion inserts s and v as its enabled version 1 in one
	// transaction. Neither row is kept if either insert fails.
	CreateSecretWithVersion(ctx context.Context, s *models.Secret, v *models.SecretVersion) error
	GetSecret(ctx context.Context, id string) (*models.Secret, error)
	// GetSecretByName matches regardless of lifecycle state.
	GetSecretByName(ctx context.Context, projectID, name string) (*models.Secret, error)
	ListSecrets(ctx context.Context, projectID string) ([]*models.Secret, error)
	// DeleteSecret disables every enabled version and tombstones the secret
	// in one transaction.
	DeleteSecret(ctx context.Context, id string, at time.Time) error
}

type VersionStore interface {
	// AppendVersion locks the secret, assigns the next version number,
	// disables the previous enabled version and inserts v as enabled.
	// ID, SecretID, CreatedAt and the envelope fields come from the caller.
	AppendVersion(ctx context.Context, v *models.SecretVersion) error
	GetLatestEnabledVersion(ctx context.Context, secretID string) (*models.SecretVersion, error)
	ListVersions(ctx context.Context, secretID string) ([]models.VersionMetadata, error)
}

type ServiceAccountStore interface {
	CreateServiceAccount(ctx context.Context, sa *models.ServiceAccount) error
	GetServiceAccount(ctx context.Context, id string) (*models.ServiceAccount, error)
	GetActiveServiceAccountByClientID(ctx context.Context, clientID string) (*models.ServiceAccount, error)
	ListServiceAccounts(ctx context.Context, projectID string) ([]*models.ServiceAccount, error)
	DeleteServiceAccount(ctx context.Context, id string, at time.Time) error
}

type BindingStore interface {
	CreateBinding(ctx context.Context, b *models.IamBinding) error
	GetBinding(ctx context.Context, id string) (*models.IamBinding, error)
	HasBinding(ctx context.Context, b models.Binding) (bool, error)
	ListBindings(ctx context.Context, f models.BindingFilter) ([]*models.IamBinding, error)
	DeleteBinding(ctx context.Context, id string) error
}

type AuditStore interface {
	AppendAuditLog(ctx context.Context, entry *models.AuditLog) error
	ListAuditLogs(ctx context.Context, f models.AuditFilter) ([]*models.AuditLog, error)
}

// Store is the full persistence surface. Listings are newest first; ids are
// time-ordered so ordering by id is ordering by creation.
type Store interface {
	ProjectStore
	SecretStore
	VersionStore
	ServiceAccountStore
	BindingStore
	AuditStore
	Close() error
}

// NonceCache remembers single-use values until they expire.
type NonceCache interface {
	// Remember reports false if key was already recorded and has not expired.
	Remember(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Counter is a fixed-window counter.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Cache is the ephemeral state shared by the token issuer and rate limiter.
type Cache interface {
	NonceCache
	Counter
	Close() error
}
