package wsserver_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/heimdallr-mesh/fabric/bifrost/audit"
	"github.com/heimdallr-mesh/fabric/bifrost/connmgr"
	"github.com/heimdallr-mesh/fabric/bifrost/message"
	"github.com/heimdallr-mesh/fabric/bifrost/wsserver"
	"github.com/heimdallr-mesh/fabric/pkg/clock"
	"github.com/heimdallr-mesh/fabric/pkg/log"
)

type nullLogger struct{}

func (nullLogger) Debug(...interface{})          {}
func (nullLogger) Info(...interface{})           {}
func (nullLogger) Warn(...interface{})           {}
func (nullLogger) Error(...interface{})          {}
func (nullLogger) Debugf(string, ...interface{}) {}
func (nullLogger) Infof(string, ...interface{})  {}
func (nullLogger) Warnf(string, ...interface{})  {}
func (nullLogger) Errorf(string, ...interface{}) {}

var _ log.Logger = nullLogger{}

type stubAuth struct {
	deviceID, userID string
	err              error
}

func (s stubAuth) Authenticate(context.Context, string) (string, string, error) {
	return s.deviceID, s.userID, s.err
}

type recordingRouter struct {
	mu      sync.Mutex
	routed  []message.Message
	flooded []message.Message
}

func (r *recordingRouter) Route(m message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, m)
	return nil
}

func (r *recordingRouter) ShouldForward(message.Message) bool { return true }

func (r *recordingRouter) Flood(m message.Message, arrivedOn string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flooded = append(r.flooded, m)
}

func (r *recordingRouter) snapshot() (routed, flooded []message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Message(nil), r.routed...), append([]message.Message(nil), r.flooded...)
}

func newTestServer(t *testing.T, router *recordingRouter) (*httptest.Server, *connmgr.Manager) {
	t.Helper()
	conns := connmgr.New(clock.New())
	srv := wsserver.New(
		wsserver.Config{MaxParseErrors: 3, PerAddressRateLimit: 1000, PerAddressBurst: 1000},
		conns,
		stubAuth{deviceID: "device-1", userID: "user-1"},
		router,
		audit.NewLogSink(nullLogger{}),
		nullLogger{},
		"node-local",
	)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return hs, conns
}

func dial(t *testing.T, hs *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHandshakeRegistersConnection(t *testing.T) {
	router := &recordingRouter{}
	hs, conns := newTestServer(t, router)

	dial(t, hs, "sometoken")

	require.Eventually(t, func() bool {
		return len(conns.ListByDevice("device-1")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUnauthenticatedHandshakeRejected(t *testing.T) {
	router := &recordingRouter{}
	hs, _ := newTestServer(t, router)

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 401, resp.StatusCode)
}

func TestRoutesWellFormedMessage(t *testing.T) {
	router := &recordingRouter{}
	hs, _ := newTestServer(t, router)
	conn := dial(t, hs, "sometoken")

	m := message.Message{
		MessageID:      "m1",
		MessageType:    message.TypeData,
		SourceDeviceID: "device-1",
		TargetDeviceID: "device-2",
		Timestamp:      time.Now(),
	}
	body, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, body))

	require.Eventually(t, func() bool {
		routed, _ := router.snapshot()
		return len(routed) == 1
	}, time.Second, 10*time.Millisecond)

	routed, _ := router.snapshot()
	require.Equal(t, "m1", routed[0].MessageID)
}

func TestFloodFrameDispatchedAsFlood(t *testing.T) {
	router := &recordingRouter{}
	hs, _ := newTestServer(t, router)
	conn := dial(t, hs, "sometoken")

	flood := map[string]interface{}{
		"message_id":       "f1",
		"message_type":     "flood",
		"source_device_id": "device-1",
		"target_device_id": "",
		"origin_node_id":   "origin-9",
		"sequence":         uint64(1),
		"hop_limit":        5,
		"timestamp":        time.Now(),
	}
	body, err := json.Marshal(flood)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, body))

	require.Eventually(t, func() bool {
		_, flooded := router.snapshot()
		return len(flooded) == 1
	}, time.Second, 10*time.Millisecond)

	_, flooded := router.snapshot()
	require.Equal(t, "origin-9", flooded[0].OriginNodeID)
	require.Equal(t, message.TypeFlood, flooded[0].MessageType)
}

func TestParseErrorThresholdDisconnects(t *testing.T) {
	router := &recordingRouter{}
	hs, _ := newTestServer(t, router)
	conn := dial(t, hs, "sometoken")

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	router := &recordingRouter{}
	hs, _ := newTestServer(t, router)
	conn := dial(t, hs, "sometoken")

	pongCh := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		pongCh <- struct{}{}
		return nil
	})
	require.NoError(t, conn.WriteMessage(websocket.PingMessage, nil))

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pongCh:
	case <-time.After(time.Second):
		t.Fatal("expected a pong in response to our ping")
	}
}
