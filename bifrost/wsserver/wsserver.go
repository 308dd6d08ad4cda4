// Package wsserver implements the L4 WebSocket Server of spec.md §4.13: the
// accept loop, handshake identity extraction, upgrade, Connection Manager
// registration, and per-connection frame-reading loop (heartbeats are
// swept separately by connmgr.Manager.RunHeartbeats). Grounded on this codebase's net/http + gorilla/mux
// server wiring, pkiutil's client-certificate distinguished-name context
// carrier (used here as the mTLS identity fallback, the same way a PKI
// connector package would read it), and original_source/bifrost/src/websocket/server.rs's
// per-socket read loop (flood vs. Message dispatch, ping/pong/close
// handling, parse-error-counter-before-disconnect policy).
package wsserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/heimdallr-mesh/fabric/bifrost/audit"
	"github.com/heimdallr-mesh/fabric/bifrost/connmgr"
	"github.com/heimdallr-mesh/fabric/bifrost/message"
	"github.com/heimdallr-mesh/fabric/pkg/log"
	"github.com/heimdallr-mesh/fabric/pkiutil"
)

// AEADCipherSuites is the TLS 1.3 AEAD suite set spec.md §6 requires
// ("cipher suites restricted to AEAD (AES-GCM, CHACHA20-POLY1305); no
// downgrade accepted"). Go's crypto/tls always restricts a TLS 1.3
// handshake to exactly these three regardless of tls.Config.CipherSuites
// — TLS 1.3 has no non-AEAD suites to begin with — but the list is still
// set explicitly here so the restriction is asserted, not merely assumed,
// and so it keeps holding if MinVersion is ever loosened by a future edit.
var AEADCipherSuites = []uint16{
	tls.TLS_AES_128_GCM_SHA256,
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_CHACHA20_POLY1305_SHA256,
}

// NewTLSConfig loads certFile/keyFile and returns a *tls.Config pinned to
// TLS 1.3 and the AEAD cipher suite set (spec.md §6 "TLS 1.3 only... no
// downgrade accepted").
func NewTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
		CipherSuites: AEADCipherSuites,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ErrParseErrorLimitExceeded is logged (not returned to the caller — the
// connection is simply closed) once a connection's inbound parse-error
// counter crosses Config.MaxParseErrors (spec.md §4.13 "disconnect at a
// threshold").
var ErrParseErrorLimitExceeded = errors.New("wsserver: parse error limit exceeded")

// Authenticator resolves a handshake's bearer token to a device/user
// identity. bifrost has no dependency on heimdall's concrete
// meshvalidator.Validator; cmd/meshfabricd supplies the adapter (spec.md §9
// "Dynamic dispatch across transport... captured as interface
// abstractions").
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (deviceID, userID string, err error)
}

// Router is the subset of bifrost/router.Router the server hands parsed
// Messages to.
type Router interface {
	Route(m message.Message) error
	ShouldForward(m message.Message) bool
	Flood(m message.Message, arrivedOn string)
}

// Config tunes a Server.
type Config struct {
	// MaxParseErrors is how many consecutive unparseable frames a connection
	// may send before it is disconnected (spec.md §4.13).
	MaxParseErrors int
	// PerAddressRateLimit and PerAddressBurst bound pre-handshake connection
	// attempts per source address (spec.md §5 "Rate-limiting is applied per
	// source address pre-handshake").
	PerAddressRateLimit rate.Limit
	PerAddressBurst     int
}

const defaultMaxParseErrors = 5

func (c Config) withDefaults() Config {
	if c.MaxParseErrors <= 0 {
		c.MaxParseErrors = defaultMaxParseErrors
	}
	if c.PerAddressRateLimit <= 0 {
		c.PerAddressRateLimit = 5
	}
	if c.PerAddressBurst <= 0 {
		c.PerAddressBurst = 10
	}
	return c
}

// Server accepts WebSocket connections and drives their per-connection
// event loop (spec.md §4.13).
type Server struct {
	cfg       Config
	upgrader  websocket.Upgrader
	conns     *connmgr.Manager
	auth      Authenticator
	router    Router
	sink      audit.Sink
	logger    log.Logger
	limiters  *perAddressLimiter
	localNode string

	// OnConnectionsChanged, if set, is called after every register/remove
	// with the current live connection count, so cmd/meshfabricd can feed
	// bifrost/metrics.State.SetConnectionsCount without this package
	// depending on metrics directly.
	OnConnectionsChanged func(count int)
}

// New returns a Server. localNodeID is this process's node id, used to
// recognize messages addressed to itself and threaded into flood dedup
// upstream of router.Router (spec.md §9 Open Question (a)).
func New(cfg Config, conns *connmgr.Manager, auth Authenticator, router Router, sink audit.Sink, logger log.Logger, localNodeID string) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:       cfg,
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		conns:     conns,
		auth:      auth,
		router:    router,
		sink:      sink,
		logger:    logger,
		limiters:  newPerAddressLimiter(cfg.PerAddressRateLimit, cfg.PerAddressBurst),
		localNode: localNodeID,
	}
}

// Handler returns an http.Handler mounting the upgrade endpoint, the same
// gorilla/mux shape the rest of this codebase uses for its HTTP surfaces.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleUpgrade)
	return r
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	addr := r.RemoteAddr
	if !s.limiters.Allow(addr) {
		s.sink.SecurityEvent(r.Context(), "rate_limited", addr)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	deviceID, userID, ok := s.identify(r)
	if !ok {
		s.sink.AuthenticationEvent(r.Context(), "rejected", "", "")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("wsserver: upgrade: %v", err)
		return
	}

	c := s.conns.Register(deviceID, userID, wsWriter{conn})
	s.sink.ConnectionEvent(r.Context(), "connected", c.ConnectionID, deviceID)
	s.reportConnectionCount()

	s.runLoop(r.Context(), c, conn)
}

// identify extracts device and user identity from the handshake: a token
// taken verbatim from the Authorization header (no "Bearer " scheme prefix
// is stripped) or from the "token" query parameter, validated
// through Authenticator, falling back to a client-certificate distinguished
// name via pkiutil if present, and finally an "unknown" bucket used only to
// reject traffic (spec.md §4.13 step 1).
func (s *Server) identify(r *http.Request) (deviceID, userID string, ok bool) {
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token != "" && s.auth != nil {
		deviceID, userID, err := s.auth.Authenticate(r.Context(), token)
		if err == nil {
			return deviceID, userID, true
		}
	}

	if dn, found := pkiutil.DistinguishedNameFromContext(r.Context()); found && dn != "" {
		return dn, dn, true
	}

	return "unknown", "unknown", false
}

// runLoop is the per-connection event loop (spec.md §4.13 step 4). It
// reads incoming frames only; it does not select on a heartbeat tick.
// Heartbeat pings and timeouts are driven by connmgr.Manager.RunHeartbeats
// in its own goroutine, so heartbeat and frame processing are not
// serialized by this loop; only writes through the Connection are
// serialized, by the Connection's own mutex.
func (s *Server) runLoop(ctx context.Context, c *connmgr.Connection, conn *websocket.Conn) {
	defer func() {
		_ = s.conns.Remove(c.ConnectionID)
		s.sink.ConnectionEvent(ctx, "closed", c.ConnectionID, c.DeviceID)
		s.reportConnectionCount()
	}()

	conn.SetPongHandler(func(string) error {
		c.RecordReceived(time.Now())
		return nil
	})

	var parseErrors int64
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.RecordReceived(time.Now())

		switch msgType {
		case websocket.PingMessage:
			_ = conn.WriteMessage(websocket.PongMessage, nil)
			continue
		case websocket.PongMessage:
			continue
		case websocket.CloseMessage:
			return
		}

		if s.handleFloodFrame(data, c.ConnectionID) {
			continue
		}

		var m message.Message
		if err := json.Unmarshal(data, &m); err != nil {
			if atomic.AddInt64(&parseErrors, 1) >= int64(s.cfg.MaxParseErrors) {
				s.logger.Warnf("%v: connection %s", ErrParseErrorLimitExceeded, c.ConnectionID)
				return
			}
			continue
		}
		atomic.StoreInt64(&parseErrors, 0)

		if err := s.router.Route(m); err != nil {
			s.logger.Debugf("wsserver: route: %v", err)
		}
	}
}

// wsWriter adapts *websocket.Conn to connmgr.Writer: a Write call sends one
// complete text frame rather than a raw byte stream, since the WebSocket
// wire format has no notion of a partial frame write.
type wsWriter struct {
	conn *websocket.Conn
}

func (w wsWriter) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w wsWriter) Close() error {
	return w.conn.Close()
}

// Ping sends a WebSocket control-frame ping, satisfying connmgr's optional
// pinger interface so the heartbeat sweep triggers a real ping/pong
// round-trip instead of an ordinary data frame.
func (w wsWriter) Ping() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (s *Server) reportConnectionCount() {
	if s.OnConnectionsChanged == nil {
		return
	}
	s.OnConnectionsChanged(len(s.conns.ListConnectionIDs()))
}

// handleFloodFrame attempts to parse data as a mesh packet (spec.md §6
// "Mesh packet") and, if it is one, applies flood policy and reports true
// so the caller never also tries to parse it as a Message (spec.md §4.13
// "never echo to the arriving connection").
func (s *Server) handleFloodFrame(data []byte, arrivedOn string) bool {
	var flood struct {
		OriginNodeID string `json:"origin_node_id"`
		Sequence     uint64 `json:"sequence"`
	}
	if err := json.Unmarshal(data, &flood); err != nil || flood.OriginNodeID == "" {
		return false
	}

	var m message.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	m.MessageType = message.TypeFlood
	s.router.Flood(m, arrivedOn)
	return true
}
