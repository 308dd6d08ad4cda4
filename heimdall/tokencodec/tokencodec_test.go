package tokencodec_test

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/heimdallr-mesh/fabric/heimdall/keyrotation"
	"github.com/heimdallr-mesh/fabric/heimdall/keystore"
	"github.com/heimdallr-mesh/fabric/heimdall/tokencodec"
	"github.com/heimdallr-mesh/fabric/pkg/clock"
	"github.com/heimdallr-mesh/fabric/pkg/log"
)

func testLogger() log.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return log.NewLogrusLogger(l)
}

func newCodec(t *testing.T) (*tokencodec.Codec, *keyrotation.Manager, clock.Clock) {
	t.Helper()
	store := keystore.NewFileStore(t.TempDir())
	clk := clock.NewFake()
	rot := keyrotation.New(store, clk, keyrotation.Config{RotationInterval: time.Hour, GracePeriod: time.Hour}, testLogger())
	require.NoError(t, rot.Rotate("heimdall"))

	codec := tokencodec.New(rot, clk, tokencodec.Config{KeyID: "heimdall", ClockSkew: time.Minute})
	return codec, rot, clk
}

func TestHeimdallTokenRoundTrip(t *testing.T) {
	codec, _, _ := newCodec(t)

	tok, tokenID, expiresAt, err := codec.GenerateHeimdallToken("device-1", "user-1", []string{"mesh:admin"}, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, tokenID)

	payload, err := codec.Validate(tok, tokencodec.KindHeimdall)
	require.NoError(t, err)
	require.Equal(t, tokenID, payload.TokenID)
	require.Equal(t, "device-1", payload.DeviceID)
	require.Equal(t, "user-1", payload.UserID)
	require.Equal(t, []string{"mesh:admin"}, payload.Permissions)
	require.True(t, payload.ExpiresAt.Equal(expiresAt))
	require.True(t, payload.ExpiresAt.After(payload.IssuedAt))
}

func TestSessionTokenRejectedAsHeimdallToken(t *testing.T) {
	codec, _, _ := newCodec(t)

	tok, _, _, err := codec.GenerateSessionToken("device-1", "user-1", time.Hour)
	require.NoError(t, err)

	_, err = codec.Validate(tok, tokencodec.KindHeimdall)
	require.ErrorIs(t, err, tokencodec.ErrWrongKind)
}

func TestExpiredTokenRejected(t *testing.T) {
	codec, _, clk := newCodec(t)

	tok, _, _, err := codec.GenerateSessionToken("device-1", "user-1", time.Minute)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	_, err = codec.Validate(tok, tokencodec.KindSession)
	require.ErrorIs(t, err, tokencodec.ErrExpired)
}

func TestClockSkewTolerated(t *testing.T) {
	codec, _, clk := newCodec(t)

	tok, _, _, err := codec.GenerateSessionToken("device-1", "user-1", time.Minute)
	require.NoError(t, err)

	clk.Advance(time.Minute + 30*time.Second)
	_, err = codec.Validate(tok, tokencodec.KindSession)
	require.NoError(t, err, "expiry plus configured skew has not yet elapsed")
}

func TestTokenVerifiesUnderDeprecatedKeyDuringGracePeriod(t *testing.T) {
	codec, rot, clk := newCodec(t)

	tok, _, _, err := codec.GenerateSessionToken("device-1", "user-1", 3*time.Hour)
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	require.NoError(t, rot.Rotate("heimdall"))

	payload, err := codec.Validate(tok, tokencodec.KindSession)
	require.NoError(t, err)
	require.Equal(t, "device-1", payload.DeviceID)
}

func TestTokenRejectedAfterGracePeriodCleanup(t *testing.T) {
	codec, rot, clk := newCodec(t)

	tok, _, _, err := codec.GenerateSessionToken("device-1", "user-1", 3*time.Hour)
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	require.NoError(t, rot.Rotate("heimdall"))
	clk.Advance(2 * time.Hour)
	require.NoError(t, rot.CleanupDeprecated("heimdall"))

	_, err = codec.Validate(tok, tokencodec.KindSession)
	require.ErrorIs(t, err, tokencodec.ErrBadSignature)
}

func TestMalformedTokenRejected(t *testing.T) {
	codec, _, _ := newCodec(t)

	_, err := codec.Validate("not-a-jwt", tokencodec.KindSession)
	require.ErrorIs(t, err, tokencodec.ErrMalformed)
}

func TestMeshAndRefreshTokenKinds(t *testing.T) {
	codec, _, _ := newCodec(t)

	meshTok, _, _, err := codec.GenerateMeshToken("device-1", "user-1", []string{"mesh:user"}, time.Hour)
	require.NoError(t, err)
	payload, err := codec.Validate(meshTok, tokencodec.KindMesh)
	require.NoError(t, err)
	require.Equal(t, tokencodec.KindMesh, payload.TokenKind)

	refreshTok, _, _, err := codec.GenerateRefreshToken("device-1", "user-1", time.Hour)
	require.NoError(t, err)
	_, err = codec.Validate(refreshTok, tokencodec.KindRefresh)
	require.NoError(t, err)
}
