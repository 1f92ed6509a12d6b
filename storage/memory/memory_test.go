package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azisaba/commander/storage"
	"github.com/azisaba/commander/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.RunRepositoryTests(t, NewRepository())
}

func TestMemoryRepositoryReturnsClones(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()

	u := &storage.User{Username: "alice", PasswordHash: "h", Permissions: []string{"a"}}
	require.NoError(t, repo.CreateUser(ctx, u))

	got, err := repo.GetUser(ctx, u.ID)
	require.NoError(t, err)
	got.Group = "admin"
	got.Permissions[0] = "X"

	again, err := repo.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, again.Group)
	assert.Equal(t, []string{"a"}, again.Permissions)
}
