package roles_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heimdallr-mesh/fabric/heimdall/identity"
	"github.com/heimdallr-mesh/fabric/heimdall/identity/memory"
	"github.com/heimdallr-mesh/fabric/heimdall/roles"
)

func TestEnsureBaseRolesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mgr := roles.New(memory.New())

	require.NoError(t, mgr.EnsureBaseRoles(ctx))
	require.NoError(t, mgr.EnsureBaseRoles(ctx))

	chain, err := mgr.InheritedRoleIDs(ctx, "admin")
	require.NoError(t, err)
	require.Equal(t, []string{"admin", "user", "guest"}, chain)
}

func TestAssignAndPermissionSet(t *testing.T) {
	ctx := context.Background()
	mgr := roles.New(memory.New())
	require.NoError(t, mgr.EnsureBaseRoles(ctx))

	require.NoError(t, mgr.Assign(ctx, "dev-1", "user"))
	perms, err := mgr.PermissionSet(ctx, "dev-1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"user", "guest"}, perms)

	require.NoError(t, mgr.Remove(ctx, "dev-1", "user"))
	perms, err = mgr.PermissionSet(ctx, "dev-1")
	require.NoError(t, err)
	require.Empty(t, perms)
}

func TestCycleDetected(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	mgr := roles.New(store)

	require.NoError(t, store.CreateRole(ctx, identity.Role{Name: "a", ParentName: "b"}))
	require.NoError(t, store.CreateRole(ctx, identity.Role{Name: "b", ParentName: "a"}))

	_, err := mgr.InheritedRoleIDs(ctx, "a")
	require.ErrorIs(t, err, roles.ErrCycleDetected)
}

func TestCreateRoleRequiresExistingParent(t *testing.T) {
	ctx := context.Background()
	mgr := roles.New(memory.New())

	err := mgr.CreateRole(ctx, "child", "missing-parent", "")
	require.Error(t, err)
}
