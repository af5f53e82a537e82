package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"crypta.vault/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runConformance exercises the behaviour every Store implementation must
// share.
func runConformance(t *testing.T, newStore func(t *testing.T) Store) {
	tests := map[string]func(t *testing.T, s Store){
		"ProjectSlugUnique":          testProjectSlugUnique,
		"SecretNameUniqueInProject":  testSecretNameUnique,
		"SecretWithFirstVersion":     testSecretWithFirstVersion,
		"VersionMonotonic":           testVersionMonotonic,
		"ConcurrentAppend":           testConcurrentAppend,
		"AppendRequiresActiveSecret": testAppendRequiresActiveSecret,
		"DeleteSecret":               testDeleteSecret,
		"ServiceAccounts":            testServiceAccounts,
		"Bindings":                   testBindings,
		"AuditLogs":                  testAuditLogs,
		"DeleteProjectCascades":      testDeleteProjectCascades,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			fn(t, newStore(t))
		})
	}
}

func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

func seedProject(t *testing.T, s Store, slug string) *models.Project {
	t.Helper()
	p := &models.Project{
		ID:        models.NewID(),
		Name:      slug,
		Slug:      slug,
		OwnerID:   "owner-1",
		Status:    models.LifecycleActive,
		CreatedAt: now(),
		UpdatedAt: now(),
	}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func seedSecret(t *testing.T, s Store, projectID, name string) *models.Secret {
	t.Helper()
	secret := &models.Secret{
		ID:        models.NewID(),
		ProjectID: projectID,
		Name:      name,
		Labels:    models.Labels{"env": "prod"},
		CreatedBy: "owner-1",
		Status:    models.LifecycleActive,
		CreatedAt: now(),
		UpdatedAt: now(),
	}
	require.NoError(t, s.CreateSecret(context.Background(), secret))
	return secret
}

func newVersion(secretID string) *models.SecretVersion {
	return &models.SecretVersion{
		ID:         models.NewID(),
		SecretID:   secretID,
		CreatedAt:  now(),
		Ciphertext: []byte("ct"),
		DataIV:     make([]byte, 12),
		DataTag:    make([]byte, 16),
		WrappedDEK: make([]byte, 32),
		DEKIV:      make([]byte, 12),
		DEKTag:     make([]byte, 16),
	}
}

func testProjectSlugUnique(t *testing.T, s Store) {
	ctx := context.Background()
	p := seedProject(t, s, "acme")

	dup := *p
	dup.ID = models.NewID()
	assert.ErrorIs(t, s.CreateProject(ctx, &dup), ErrConflict)

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Slug)

	_, err = s.GetProject(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	other := seedProject(t, s, "globex")
	list, err := s.ListProjectsByOwner(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, other.ID, list[0].ID)
}

func testSecretNameUnique(t *testing.T, s Store) {
	ctx := context.Background()
	p := seedProject(t, s, "acme")
	secret := seedSecret(t, s, p.ID, "DB_PASSWORD")

	dup := *secret
	dup.ID = models.NewID()
	assert.ErrorIs(t, s.CreateSecret(ctx, &dup), ErrConflict)

	// Same name in a different project is fine.
	other := seedProject(t, s, "globex")
	seedSecret(t, s, other.ID, "DB_PASSWORD")

	got, err := s.GetSecretByName(ctx, p.ID, "DB_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, secret.ID, got.ID)
	assert.Equal(t, models.Labels{"env": "prod"}, got.Labels)

	// Tombstones keep the name reserved.
	require.NoError(t, s.DeleteSecret(ctx, secret.ID, now()))
	dup.ID = models.NewID()
	assert.ErrorIs(t, s.CreateSecret(ctx, &dup), ErrConflict)
}

func testSecretWithFirstVersion(t *testing.T, s Store) {
	ctx := context.Background()
	p := seedProject(t, s, "acme")

	secret := &models.Secret{
		ID:        models.NewID(),
		ProjectID: p.ID,
		Name:      "API_KEY",
		Labels:    models.Labels{},
		Status:    models.LifecycleActive,
		CreatedAt: now(),
		UpdatedAt: now(),
	}
	v := newVersion(secret.ID)
	require.NoError(t, s.CreateSecretWithVersion(ctx, secret, v))
	assert.Equal(t, 1, v.Version)
	assert.Equal(t, models.VersionEnabled, v.Status)

	latest, err := s.GetLatestEnabledVersion(ctx, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, v.ID, latest.ID)

	// A failing version insert must not leave the secret behind.
	orphan := &models.Secret{
		ID:        models.NewID(),
		ProjectID: p.ID,
		Name:      "ORPHAN",
		Labels:    models.Labels{},
		Status:    models.LifecycleActive,
		CreatedAt: now(),
		UpdatedAt: now(),
	}
	clash := newVersion(orphan.ID)
	clash.ID = v.ID
	assert.ErrorIs(t, s.CreateSecretWithVersion(ctx, orphan, clash), ErrConflict)

	_, err = s.GetSecretByName(ctx, p.ID, "ORPHAN")
	assert.ErrorIs(t, err, ErrNotFound)
	versions, err := s.ListVersions(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)

	// The name is still free afterwards.
	require.NoError(t, s.CreateSecretWithVersion(ctx, orphan, newVersion(orphan.ID)))

	// A duplicate name inserts neither row.
	dup := *secret
	dup.ID = models.NewID()
	assert.ErrorIs(t, s.CreateSecretWithVersion(ctx, &dup, newVersion(dup.ID)), ErrConflict)
	versions, err = s.ListVersions(ctx, dup.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func testVersionMonotonic(t *testing.T, s Store) {
	ctx := context.Background()
	p := seedProject(t, s, "acme")
	secret := seedSecret(t, s, p.ID, "API_KEY")

	_, err := s.GetLatestEnabledVersion(ctx, secret.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	for want := 1; want <= 3; want++ {
		v := newVersion(secret.ID)
		require.NoError(t, s.AppendVersion(ctx, v))
		assert.Equal(t, want, v.Version)
		assert.Equal(t, models.VersionEnabled, v.Status)
	}

	latest, err := s.GetLatestEnabledVersion(ctx, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Version)
	assert.Equal(t, []byte("ct"), latest.Ciphertext)

	versions, err := s.ListVersions(ctx, secret.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{versions[0].Version, versions[1].Version, versions[2].Version})
	assert.Equal(t, models.VersionEnabled, versions[0].Status)
	assert.Equal(t, models.VersionDisabled, versions[1].Status)
	assert.Equal(t, models.VersionDisabled, versions[2].Status)
}

func testConcurrentAppend(t *testing.T, s Store) {
	ctx := context.Background()
	p := seedProject(t, s, "acme")
	secret := seedSecret(t, s, p.ID, "TOKEN")

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.AppendVersion(ctx, newVersion(secret.ID))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	versions, err := s.ListVersions(ctx, secret.ID)
	require.NoError(t, err)
	require.Len(t, versions, n)

	enabled := 0
	seen := map[int]bool{}
	for _, v := range versions {
		seen[v.Version] = true
		if v.Status == models.VersionEnabled {
			enabled++
			assert.Equal(t, n, v.Version)
		}
	}
	assert.Equal(t, 1, enabled)
	for i := 1; i <= n; i++ {
		assert.True(t, seen[i], "version %d missing", i)
	}
}

func testAppendRequiresActiveSecret(t *testing.T, s Store) {
	ctx := context.Background()
	p := seedProject(t, s, "acme")
	secret := seedSecret(t, s, p.ID, "TOKEN")
	require.NoError(t, s.DeleteSecret(ctx, secret.ID, now()))

	assert.ErrorIs(t, s.AppendVersion(ctx, newVersion(secret.ID)), ErrInvalidState)
	assert.ErrorIs(t, s.AppendVersion(ctx, newVersion("missing")), ErrNotFound)
}

func testDeleteSecret(t *testing.T, s Store) {
	ctx := context.Background()
	p := seedProject(t, s, "acme")
	secret := seedSecret(t, s, p.ID, "TOKEN")
	require.NoError(t, s.AppendVersion(ctx, newVersion(secret.ID)))
	require.NoError(t, s.AppendVersion(ctx, newVersion(secret.ID)))

	at := now()
	require.NoError(t, s.DeleteSecret(ctx, secret.ID, at))

	got, err := s.GetSecret(ctx, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleDeleted, got.Status)
	require.NotNil(t, got.DeletedAt)
	assert.True(t, at.Equal(*got.DeletedAt))

	_, err = s.GetLatestEnabledVersion(ctx, secret.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	versions, err := s.ListVersions(ctx, secret.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	list, err := s.ListSecrets(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.ErrorIs(t, s.DeleteSecret(ctx, secret.ID, now()), ErrInvalidState)
	assert.ErrorIs(t, s.DeleteSecret(ctx, "missing", now()), ErrNotFound)
}

func testServiceAccounts(t *testing.T, s Store) {
	ctx := context.Background()
	p := seedProject(t, s, "acme")
	sa := &models.ServiceAccount{
		ID:        models.NewID(),
		ProjectID: p.ID,
		Name:      "ci",
		ClientID:  "ci@acme.crypta",
		PublicKey: "-----BEGIN PUBLIC KEY-----",
		Status:    models.LifecycleActive,
		CreatedAt: now(),
		UpdatedAt: now(),
	}
	require.NoError(t, s.CreateServiceAccount(ctx, sa))

	dup := *sa
	dup.ID = models.NewID()
	assert.ErrorIs(t, s.CreateServiceAccount(ctx, &dup), ErrConflict)

	got, err := s.GetActiveServiceAccountByClientID(ctx, "ci@acme.crypta")
	require.NoError(t, err)
	assert.Equal(t, sa.ID, got.ID)
	assert.Equal(t, sa.PublicKey, got.PublicKey)

	require.NoError(t, s.DeleteServiceAccount(ctx, sa.ID, now()))
	_, err = s.GetActiveServiceAccountByClientID(ctx, "ci@acme.crypta")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListServiceAccounts(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.ErrorIs(t, s.DeleteServiceAccount(ctx, sa.ID, now()), ErrInvalidState)
	assert.ErrorIs(t, s.DeleteServiceAccount(ctx, "missing", now()), ErrNotFound)
}

func testBindings(t *testing.T, s Store) {
	ctx := context.Background()
	tuple := models.Binding{
		SubjectType:  models.SubjectServiceAccount,
		SubjectID:    "sa-1",
		ResourceType: models.ResourceSecret,
		ResourceID:   "secret-1",
		Role:         models.RoleSecretAccessor,
	}
	first := &models.IamBinding{ID: models.NewID(), Binding: tuple, CreatedAt: now()}
	require.NoError(t, s.CreateBinding(ctx, first))
	assert.ErrorIs(t, s.CreateBinding(ctx, &models.IamBinding{ID: models.NewID(), Binding: tuple, CreatedAt: now()}), ErrConflict)

	admin := tuple
	admin.Role = models.RoleSecretAdmin
	second := &models.IamBinding{ID: models.NewID(), Binding: admin, CreatedAt: now()}
	require.NoError(t, s.CreateBinding(ctx, second))

	ok, err := s.HasBinding(ctx, tuple)
	require.NoError(t, err)
	assert.True(t, ok)

	other := tuple
	other.ResourceID = "secret-2"
	ok, err = s.HasBinding(ctx, other)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := s.ListBindings(ctx, models.BindingFilter{ResourceID: "secret-1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, tuple, list[1].Binding)

	list, err = s.ListBindings(ctx, models.BindingFilter{SubjectID: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.DeleteBinding(ctx, first.ID))
	assert.ErrorIs(t, s.DeleteBinding(ctx, first.ID), ErrNotFound)
	_, err = s.GetBinding(ctx, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testAuditLogs(t *testing.T, s Store) {
	ctx := context.Background()
	secretID := "secret-1"
	for i, status := range []models.AuditStatus{models.AuditSuccess, models.AuditDenied, models.AuditError} {
		msg := "boom"
		entry := &models.AuditLog{
			ID:          models.NewID(),
			SubjectType: models.SubjectServiceAccount,
			SubjectID:   "sa-1",
			Action:      models.ActionSecretAccess,
			SecretID:    &secretID,
			IPAddress:   "10.0.0.1",
			UserAgent:   "test",
			Status:      status,
			CreatedAt:   now(),
		}
		if i > 0 {
			entry.ErrorMessage = &msg
		}
		require.NoError(t, s.AppendAuditLog(ctx, entry))
	}
	require.NoError(t, s.AppendAuditLog(ctx, &models.AuditLog{
		ID:          models.NewID(),
		SubjectType: models.SubjectUser,
		SubjectID:   "user-1",
		Action:      models.ActionBindingCreate,
		Status:      models.AuditSuccess,
		CreatedAt:   now(),
	}))

	logs, err := s.ListAuditLogs(ctx, models.AuditFilter{SecretID: secretID})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, models.AuditError, logs[0].Status)
	assert.Equal(t, models.AuditSuccess, logs[2].Status)
	assert.Nil(t, logs[2].ErrorMessage)
	require.NotNil(t, logs[0].SecretID)
	assert.Equal(t, secretID, *logs[0].SecretID)

	logs, err = s.ListAuditLogs(ctx, models.AuditFilter{SubjectID: "sa-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	logs, err = s.ListAuditLogs(ctx, models.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, logs, 4)
	assert.Nil(t, logs[0].SecretID)
}

func testDeleteProjectCascades(t *testing.T, s Store) {
	ctx := context.Background()
	p := seedProject(t, s, "acme")
	secret := seedSecret(t, s, p.ID, "TOKEN")
	require.NoError(t, s.AppendVersion(ctx, newVersion(secret.ID)))
	sa := &models.ServiceAccount{
		ID: models.NewID(), ProjectID: p.ID, Name: "ci", ClientID: "ci@acme.crypta",
		PublicKey: "pem", Status: models.LifecycleActive, CreatedAt: now(), UpdatedAt: now(),
	}
	require.NoError(t, s.CreateServiceAccount(ctx, sa))

	require.NoError(t, s.DeleteProject(ctx, p.ID))

	_, err := s.GetProject(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSecret(ctx, secret.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetLatestEnabledVersion(ctx, secret.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetServiceAccount(ctx, sa.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteProject(ctx, p.ID), ErrNotFound)
}
