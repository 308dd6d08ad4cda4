package router_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heimdallr-mesh/fabric/bifrost/connmgr"
	"github.com/heimdallr-mesh/fabric/bifrost/message"
	"github.com/heimdallr-mesh/fabric/bifrost/router"
	"github.com/heimdallr-mesh/fabric/pkg/clock"
)

type fakeSender struct {
	mu  sync.Mutex
	got []string
	err error
}

func (s *fakeSender) Send(connectionID string, _ message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, connectionID)
	return s.err
}

type fakeWriter struct{}

func (fakeWriter) Write(p []byte) (int, error) { return len(p), nil }
func (fakeWriter) Close() error                { return nil }

func TestRouteDispatchesLocally(t *testing.T) {
	var handled message.Message
	r := router.New("local", connmgr.New(clock.NewFake()), &fakeSender{}, nil, func(m message.Message) error {
		handled = m
		return nil
	})

	m := message.Message{MessageID: "m1", TargetDeviceID: "local"}
	require.NoError(t, r.Route(m))
	require.Equal(t, "m1", handled.MessageID)
}

func TestRouteForwardsToLiveConnection(t *testing.T) {
	conns := connmgr.New(clock.NewFake())
	c := conns.Register("remote", "U1", fakeWriter{})
	sender := &fakeSender{}
	r := router.New("local", conns, sender, nil, nil)

	require.NoError(t, r.Route(message.Message{MessageID: "m1", TargetDeviceID: "remote"}))
	require.Equal(t, []string{c.ConnectionID}, sender.got)
}

func TestRouteNoRouteWhenNoConnection(t *testing.T) {
	r := router.New("local", connmgr.New(clock.NewFake()), &fakeSender{}, nil, nil)
	err := r.Route(message.Message{MessageID: "m1", TargetDeviceID: "ghost"})
	require.ErrorIs(t, err, router.ErrNoRoute)
}

func TestFloodDedupByOriginAndSequence(t *testing.T) {
	conns := connmgr.New(clock.NewFake())
	conns.Register("peer1", "U1", fakeWriter{})
	conns.Register("peer2", "U1", fakeWriter{})
	sender := &fakeSender{}
	r := router.New("local", conns, sender, nil, nil)

	m := message.Message{MessageID: "m1", OriginNodeID: "other", Sequence: 1, HopLimit: 3}
	r.Flood(m, "")
	require.Len(t, sender.got, 2)

	sender.got = nil
	r.Flood(m, "")
	require.Empty(t, sender.got, "a duplicate (origin, sequence) must not be forwarded twice")
}

func TestFloodNeverForwardsBackToArrivalConnection(t *testing.T) {
	conns := connmgr.New(clock.NewFake())
	c1 := conns.Register("peer1", "U1", fakeWriter{})
	conns.Register("peer2", "U1", fakeWriter{})
	sender := &fakeSender{}
	r := router.New("local", conns, sender, nil, nil)

	r.Flood(message.Message{MessageID: "m1", OriginNodeID: "other", Sequence: 1, HopLimit: 3}, c1.ConnectionID)
	require.NotContains(t, sender.got, c1.ConnectionID)
}

func TestFloodDropsOwnOrigin(t *testing.T) {
	r := router.New("local", connmgr.New(clock.NewFake()), &fakeSender{}, nil, nil)
	require.False(t, r.ShouldForward(message.Message{OriginNodeID: "local", Sequence: 1}))
}

type failingQuality struct{ failed []string }

func (f *failingQuality) RecordFailure(connectionID string) { f.failed = append(f.failed, connectionID) }

func TestSendFailureRecordsQualityFailure(t *testing.T) {
	conns := connmgr.New(clock.NewFake())
	c := conns.Register("remote", "U1", fakeWriter{})
	sender := &fakeSender{err: errors.New("boom")}
	q := &failingQuality{}
	r := router.New("local", conns, sender, q, nil)

	err := r.Route(message.Message{MessageID: "m1", TargetDeviceID: "remote"})
	require.Error(t, err)
	require.Equal(t, []string{c.ConnectionID}, q.failed)
}
