package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heimdallr-mesh/fabric/heimdall/identity"
	"github.com/heimdallr-mesh/fabric/heimdall/identity/memory"
	"github.com/heimdallr-mesh/fabric/heimdall/session"
	"github.com/heimdallr-mesh/fabric/pkg/clock"
)

type fakeAudit struct {
	events []string
}

func (f *fakeAudit) SecurityEvent(_ context.Context, kind, detail string) {
	f.events = append(f.events, kind+":"+detail)
}

func TestCrossUserCollisionDetected(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake()
	store := memory.New()
	mgr := session.New(store, clk, session.Config{TTL: time.Hour, IdleTimeout: time.Hour})
	det := session.NewDetector(store, clk, session.DetectorConfig{}, nil)

	s1, err := mgr.Create(ctx, "D1", "U1")
	require.NoError(t, err)
	_, err = mgr.Create(ctx, "D1", "U2")
	require.NoError(t, err)

	signals, err := det.DetectAnomalies(ctx, s1.SessionID)
	require.NoError(t, err)
	require.Contains(t, signals, session.SignalCrossUserCollision)
}

func TestNoCollisionForSingleUser(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake()
	store := memory.New()
	mgr := session.New(store, clk, session.Config{})
	det := session.NewDetector(store, clk, session.DetectorConfig{}, nil)

	s1, err := mgr.Create(ctx, "D1", "U1")
	require.NoError(t, err)

	signals, err := det.DetectAnomalies(ctx, s1.SessionID)
	require.NoError(t, err)
	require.NotContains(t, signals, session.SignalCrossUserCollision)
}

func TestRateSpikeDetected(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake()
	store := memory.New()
	mgr := session.New(store, clk, session.Config{})
	det := session.NewDetector(store, clk, session.DetectorConfig{RateWindow: time.Second, RateLimit: 3}, nil)

	s, err := mgr.Create(ctx, "D1", "U1")
	require.NoError(t, err)

	var lastSignals []session.Signal
	for i := 0; i < 5; i++ {
		prev, err := mgr.Get(ctx, s.SessionID)
		require.NoError(t, err)
		require.NoError(t, mgr.UpdateActivity(ctx, s.SessionID))
		lastSignals = det.RecordActivity(s.SessionID, prev.LastActivity)
	}
	require.Contains(t, lastSignals, session.SignalRateSpike)
}

func TestClockRewindDetected(t *testing.T) {
	clk := clock.NewFake()
	store := memory.New()
	det := session.NewDetector(store, clk, session.DetectorConfig{}, nil)

	future := clk.Now().Add(time.Hour)
	signals := det.RecordActivity("s1", future)
	require.Contains(t, signals, session.SignalClockRewind)
}

func TestRevokeSessionOnHijackingRevokesTokensWithinLifetime(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake()
	store := memory.New()
	mgr := session.New(store, clk, session.Config{TTL: time.Hour, IdleTimeout: time.Hour})
	audit := &fakeAudit{}
	det := session.NewDetector(store, clk, session.DetectorConfig{}, audit)

	s, err := mgr.Create(ctx, "D1", "U1")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	withinLifetime := identity.TokenRecord{
		TokenID:   "tok-in",
		DeviceID:  "D1",
		UserID:    "U1",
		Kind:      identity.TokenKindSession,
		IssuedAt:  clk.Now().UTC(),
		ExpiresAt: clk.Now().Add(time.Hour).UTC(),
	}
	require.NoError(t, store.CreateTokenRecord(ctx, withinLifetime))

	beforeLifetime := identity.TokenRecord{
		TokenID:   "tok-before",
		DeviceID:  "D1",
		UserID:    "U1",
		Kind:      identity.TokenKindSession,
		IssuedAt:  s.CreatedAt.Add(-time.Hour),
		ExpiresAt: s.CreatedAt.Add(-time.Minute),
	}
	require.NoError(t, store.CreateTokenRecord(ctx, beforeLifetime))

	require.NoError(t, det.RevokeSessionOnHijacking(ctx, s.SessionID, []session.Signal{session.SignalRateSpike}))

	got, err := mgr.Get(ctx, s.SessionID)
	require.NoError(t, err)
	require.False(t, got.IsActive)

	in, err := store.GetTokenRecord(ctx, "tok-in")
	require.NoError(t, err)
	require.True(t, in.IsRevoked)

	before, err := store.GetTokenRecord(ctx, "tok-before")
	require.NoError(t, err)
	require.False(t, before.IsRevoked, "token issued before the session's lifetime must not be revoked")

	require.Len(t, audit.events, 1)
	require.Contains(t, audit.events[0], "HIJACKING")
}
