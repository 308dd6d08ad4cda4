package mesh_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heimdallr-mesh/fabric/heimdall/identity"
	"github.com/heimdallr-mesh/fabric/heimdall/identity/memory"
	"github.com/heimdallr-mesh/fabric/heimdall/mesh"
	"github.com/heimdallr-mesh/fabric/pkg/clock"
)

func TestMeshJoinHappyPath(t *testing.T) {
	ctx := context.Background()
	reg := mesh.New(memory.New(), clock.NewFake())

	m, isNew, err := reg.RegisterDevice(ctx, "D1", "U1", []byte("pub"))
	require.NoError(t, err)
	require.True(t, isNew)
	require.False(t, m.IsActive)

	m, isNew, err = reg.RegisterDevice(ctx, "D1", "U1", []byte("pub"))
	require.NoError(t, err)
	require.False(t, isNew)

	m, err = reg.Approve(ctx, "D1", "U1", identity.RoleAdmin)
	require.NoError(t, err)
	require.True(t, m.IsActive)
	require.Equal(t, identity.RoleAdmin, m.Role)
}

func TestNonOwnerRejected(t *testing.T) {
	ctx := context.Background()
	reg := mesh.New(memory.New(), clock.NewFake())

	_, _, err := reg.RegisterDevice(ctx, "D1", "U1", nil)
	require.NoError(t, err)

	_, err = reg.Approve(ctx, "D1", "U2", identity.RoleAdmin)
	require.ErrorIs(t, err, mesh.ErrNotOwner)

	m, err := reg.Get(ctx, "D1", "U1")
	require.NoError(t, err)
	require.False(t, m.IsActive, "D1 should still be pending")
}

func TestInvalidRoleRejected(t *testing.T) {
	ctx := context.Background()
	reg := mesh.New(memory.New(), clock.NewFake())
	_, _, err := reg.RegisterDevice(ctx, "D1", "U1", nil)
	require.NoError(t, err)

	_, err = reg.Approve(ctx, "D1", "U1", identity.MeshRole("superuser"))
	require.ErrorIs(t, err, mesh.ErrInvalidRole)
}

func TestEraseRemovesBindingOnly(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	reg := mesh.New(store, clock.NewFake())

	require.NoError(t, store.CreateDevice(ctx, identity.Device{DeviceID: "D1", UserID: "U1"}))
	_, _, err := reg.RegisterDevice(ctx, "D1", "U1", nil)
	require.NoError(t, err)

	require.NoError(t, reg.Erase(ctx, "D1", "U1"))

	_, err = store.GetMeshDevice(ctx, "D1")
	require.ErrorIs(t, err, identity.ErrNotFound)

	_, err = store.GetDevice(ctx, "D1")
	require.NoError(t, err, "device identity row must survive mesh erasure")
}
