package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	runConformance(t, func(t *testing.T) Store {
		s := NewMemoryStore()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := seedProject(t, s, "acme")
	secret := seedSecret(t, s, p.ID, "TOKEN")

	got, err := s.GetSecret(ctx, secret.ID)
	require.NoError(t, err)
	got.Labels["env"] = "dev"
	got.Name = "changed"

	again, err := s.GetSecret(ctx, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, "TOKEN", again.Name)
	assert.Equal(t, "prod", again.Labels["env"])
}
