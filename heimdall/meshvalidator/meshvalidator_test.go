package meshvalidator_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/heimdallr-mesh/fabric/heimdall/identity"
	"github.com/heimdallr-mesh/fabric/heimdall/identity/memory"
	"github.com/heimdallr-mesh/fabric/heimdall/keyrotation"
	"github.com/heimdallr-mesh/fabric/heimdall/keystore"
	"github.com/heimdallr-mesh/fabric/heimdall/meshvalidator"
	"github.com/heimdallr-mesh/fabric/heimdall/tokencodec"
	"github.com/heimdallr-mesh/fabric/pkg/clock"
	"github.com/heimdallr-mesh/fabric/pkg/log"
)

func testLogger() log.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return log.NewLogrusLogger(l)
}

func newFixture(t *testing.T) (*meshvalidator.Validator, *tokencodec.Codec, identity.Storage) {
	t.Helper()
	store := keystore.NewFileStore(t.TempDir())
	clk := clock.NewFake()
	rot := keyrotation.New(store, clk, keyrotation.Config{RotationInterval: time.Hour, GracePeriod: time.Hour}, testLogger())
	require.NoError(t, rot.Rotate("heimdall"))

	codec := tokencodec.New(rot, clk, tokencodec.Config{KeyID: "heimdall", ClockSkew: time.Minute})
	idStore := memory.New()
	return meshvalidator.New(codec, idStore), codec, idStore
}

func TestValidateMeshTokenHappyPath(t *testing.T) {
	ctx := context.Background()
	v, codec, store := newFixture(t)

	require.NoError(t, store.CreateDevice(ctx, identity.Device{DeviceID: "D1", UserID: "U1"}))
	require.NoError(t, store.CreateMeshDevice(ctx, identity.MeshDevice{
		DeviceID: "D1", Role: identity.RoleAdmin, OwnerUserID: "U1", IsActive: true,
	}))

	tok, _, expiresAt, err := codec.GenerateMeshToken("D1", "U1", []string{"admin"}, time.Hour)
	require.NoError(t, err)

	result, err := v.ValidateMeshToken(ctx, tok)
	require.NoError(t, err)
	require.Equal(t, "D1", result.DeviceID)
	require.Equal(t, "U1", result.UserID)
	require.Equal(t, identity.RoleAdmin, result.Role)
	require.Equal(t, expiresAt, result.ExpiresAt)
}

func TestValidateMeshTokenUnknownDevice(t *testing.T) {
	ctx := context.Background()
	v, codec, _ := newFixture(t)

	tok, _, _, err := codec.GenerateMeshToken("ghost", "U1", nil, time.Hour)
	require.NoError(t, err)

	_, err = v.ValidateMeshToken(ctx, tok)
	require.ErrorIs(t, err, meshvalidator.ErrDeviceNotInMesh)
}

func TestValidateMeshTokenInactiveBinding(t *testing.T) {
	ctx := context.Background()
	v, codec, store := newFixture(t)

	require.NoError(t, store.CreateDevice(ctx, identity.Device{DeviceID: "D1", UserID: "U1"}))
	require.NoError(t, store.CreateMeshDevice(ctx, identity.MeshDevice{
		DeviceID: "D1", Role: identity.RoleGuest, OwnerUserID: "U1", IsActive: false,
	}))

	tok, _, _, err := codec.GenerateMeshToken("D1", "U1", nil, time.Hour)
	require.NoError(t, err)

	_, err = v.ValidateMeshToken(ctx, tok)
	require.ErrorIs(t, err, meshvalidator.ErrDeviceNotInMesh)
}

func TestValidateMeshTokenWrongKindRejected(t *testing.T) {
	ctx := context.Background()
	v, codec, store := newFixture(t)

	require.NoError(t, store.CreateDevice(ctx, identity.Device{DeviceID: "D1", UserID: "U1"}))
	require.NoError(t, store.CreateMeshDevice(ctx, identity.MeshDevice{
		DeviceID: "D1", Role: identity.RoleAdmin, OwnerUserID: "U1", IsActive: true,
	}))

	tok, _, _, err := codec.GenerateSessionToken("D1", "U1", time.Hour)
	require.NoError(t, err)

	_, err = v.ValidateMeshToken(ctx, tok)
	require.ErrorIs(t, err, tokencodec.ErrWrongKind)
}
