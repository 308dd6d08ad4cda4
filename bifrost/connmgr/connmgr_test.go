package connmgr_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heimdallr-mesh/fabric/bifrost/connmgr"
	"github.com/heimdallr-mesh/fabric/pkg/clock"
)

type fakeWriter struct {
	buf    bytes.Buffer
	closed bool
}

func (w *fakeWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *fakeWriter) Close() error                { w.closed = true; return nil }

func TestRegisterGetRemove(t *testing.T) {
	mgr := connmgr.New(clock.NewFake())
	w := &fakeWriter{}

	c := mgr.Register("D1", "U1", w)
	got, ok := mgr.Get(c.ConnectionID)
	require.True(t, ok)
	require.Equal(t, "D1", got.DeviceID)

	require.Equal(t, []string{c.ConnectionID}, mgr.ListByDevice("D1"))

	require.NoError(t, mgr.Remove(c.ConnectionID))
	require.True(t, w.closed)
	_, ok = mgr.Get(c.ConnectionID)
	require.False(t, ok)
	require.Empty(t, mgr.ListByDevice("D1"))
}

func TestRemoveIsIdempotent(t *testing.T) {
	mgr := connmgr.New(clock.NewFake())
	require.NoError(t, mgr.Remove("never-registered"))
}

func TestHeartbeatTimeoutClosesConnection(t *testing.T) {
	clk := clock.NewFake()
	mgr := connmgr.New(clk)
	w := &fakeWriter{}
	c := mgr.Register("D1", "U1", w)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.RunHeartbeats(ctx, func(*connmgr.Connection) {})

	clk.BlockUntil(1)
	clk.Advance(connmgr.HeartbeatTimeout + connmgr.HeartbeatTick)
	clk.BlockUntil(1)

	require.Eventually(t, func() bool {
		_, ok := mgr.Get(c.ConnectionID)
		return !ok
	}, time.Second, time.Millisecond)
}

func TestHeartbeatIntervalTriggersPing(t *testing.T) {
	clk := clock.NewFake()
	mgr := connmgr.New(clk)
	w := &fakeWriter{}
	c := mgr.Register("D1", "U1", w)

	pinged := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.RunHeartbeats(ctx, func(conn *connmgr.Connection) { pinged <- conn.ConnectionID })

	clk.BlockUntil(1)
	clk.Advance(connmgr.HeartbeatInterval + connmgr.HeartbeatTick)

	select {
	case id := <-pinged:
		require.Equal(t, c.ConnectionID, id)
	case <-time.After(time.Second):
		t.Fatal("expected a ping before timeout")
	}
}
