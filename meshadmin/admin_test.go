package meshadmin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heimdallr-mesh/fabric/bifrost/audit"
	"github.com/heimdallr-mesh/fabric/heimdall/identity"
	"github.com/heimdallr-mesh/fabric/heimdall/identity/memory"
	"github.com/heimdallr-mesh/fabric/heimdall/mesh"
	"github.com/heimdallr-mesh/fabric/heimdall/roles"
	"github.com/heimdallr-mesh/fabric/heimdall/session"
	"github.com/heimdallr-mesh/fabric/meshadmin"
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

type nullAuditSink struct{}

func (nullAuditSink) SecurityEvent(context.Context, string, string)               {}
func (nullAuditSink) ConnectionEvent(context.Context, string, string, string)     {}
func (nullAuditSink) AuthenticationEvent(context.Context, string, string, string) {}

var _ audit.Sink = nullAuditSink{}

func newTestAdmin(t *testing.T) (*meshadmin.Admin, *audit.BufferedSink) {
	t.Helper()
	store := memory.New()
	clk := clock.NewFake()
	meshRegistry := mesh.New(store, clk)
	roleMgr := roles.New(store)
	require.NoError(t, roleMgr.EnsureBaseRoles(context.Background()))
	sessionMgr := session.New(store, clk, session.Config{})
	sink := audit.NewBufferedSink(nullAuditSink{})
	hijack := session.NewDetector(store, clk, session.DetectorConfig{}, sink)
	return meshadmin.New(meshRegistry, roleMgr, sessionMgr, hijack, sink, nullLogger{}), sink
}

func TestRegisterDeviceCreatesPendingDevice(t *testing.T) {
	admin, _ := newTestAdmin(t)

	body, err := json.Marshal(map[string]string{
		"device_id":       "D1",
		"owner_user_id":   "U1",
		"mesh_public_key": "cHVi", // base64("pub")
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/devices/register", bytes.NewReader(body))
	w := httptest.NewRecorder()
	admin.Handler().ServeHTTP(w, req)

	require.Equal(t, 201, w.Code)

	var device identity.MeshDevice
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &device))
	require.Equal(t, "D1", device.DeviceID)
	require.False(t, device.IsActive)
}

func TestApproveRejectsNonOwner(t *testing.T) {
	admin, _ := newTestAdmin(t)

	register := func() {
		body, _ := json.Marshal(map[string]string{
			"device_id":       "D1",
			"owner_user_id":   "U1",
			"mesh_public_key": "cHVi",
		})
		req := httptest.NewRequest("POST", "/devices/register", bytes.NewReader(body))
		w := httptest.NewRecorder()
		admin.Handler().ServeHTTP(w, req)
		require.Equal(t, 201, w.Code)
	}
	register()

	body, _ := json.Marshal(map[string]string{"caller_user_id": "U2", "role": "admin"})
	req := httptest.NewRequest("POST", "/devices/D1/approve", bytes.NewReader(body))
	w := httptest.NewRecorder()
	admin.Handler().ServeHTTP(w, req)

	require.Equal(t, 403, w.Code)
}

type recordingAuditSink struct{ connectionEvents int }

func (s *recordingAuditSink) SecurityEvent(context.Context, string, string) {}
func (s *recordingAuditSink) ConnectionEvent(context.Context, string, string, string) {
	s.connectionEvents++
}
func (s *recordingAuditSink) AuthenticationEvent(context.Context, string, string, string) {}

var _ audit.Sink = (*recordingAuditSink)(nil)

func TestEraseDevicePurgesBufferedAudit(t *testing.T) {
	store := memory.New()
	clk := clock.NewFake()
	meshRegistry := mesh.New(store, clk)
	roleMgr := roles.New(store)
	require.NoError(t, roleMgr.EnsureBaseRoles(context.Background()))
	sessionMgr := session.New(store, clk, session.Config{})
	underlying := &recordingAuditSink{}
	sink := audit.NewBufferedSink(underlying)
	hijack := session.NewDetector(store, clk, session.DetectorConfig{}, sink)
	admin := meshadmin.New(meshRegistry, roleMgr, sessionMgr, hijack, sink, nullLogger{})

	body, _ := json.Marshal(map[string]string{
		"device_id":       "D1",
		"owner_user_id":   "U1",
		"mesh_public_key": "cHVi",
	})
	req := httptest.NewRequest("POST", "/devices/register", bytes.NewReader(body))
	w := httptest.NewRecorder()
	admin.Handler().ServeHTTP(w, req)
	require.Equal(t, 201, w.Code)

	// Buffered, not yet flushed to the underlying sink.
	sink.ConnectionEvent(context.Background(), "connected", "conn-1", "D1")
	require.Equal(t, 0, underlying.connectionEvents)

	req = httptest.NewRequest("DELETE", "/devices/D1?caller_user_id=U1", nil)
	w = httptest.NewRecorder()
	admin.Handler().ServeHTTP(w, req)
	require.Equal(t, 204, w.Code)

	// Erasure purged the buffered event rather than flushing it.
	sink.Flush(context.Background(), "D1")
	require.Equal(t, 0, underlying.connectionEvents)
}
