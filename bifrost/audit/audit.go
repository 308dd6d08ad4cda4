// Package audit implements spec.md §4.15's audit sink contract: three
// typed events (Security, Connection, Authentication), none of which ever
// carry a raw message payload. There is no single precedent for this
// elsewhere in the codebase — it is grounded on pkg/log's Logger interface shape (a small sink
// interface plus a logrus-backed implementation) generalized from free-text
// logging to structured, typed events.
package audit

import (
	"context"
	"sync"

	"github.com/heimdallr-mesh/fabric/pkg/log"
)

// SecurityEvent, ConnectionEvent, and AuthenticationEvent are the three
// audit shapes spec.md §4.15 names. None carries a payload field by
// construction.
type SecurityEvent struct {
	Kind    string
	Details string
}

type ConnectionEvent struct {
	Kind         string
	ConnectionID string
	DeviceID     string
}

type AuthenticationEvent struct {
	Kind         string
	ConnectionID string
	DeviceID     string
}

// Sink receives audit events. heimdall/session.AuditSink is a narrower,
// single-method view of this interface so the session package does not
// need to depend on this one.
type Sink interface {
	SecurityEvent(ctx context.Context, kind string, details string)
	ConnectionEvent(ctx context.Context, kind, connectionID, deviceID string)
	AuthenticationEvent(ctx context.Context, kind, connectionID, deviceID string)
}

// LogSink writes audit events to a log.Logger at Info level, one
// structured line per event. This is the only Sink this module ships that
// writes events out itself (BufferedSink below wraps another Sink);
// spec.md §1 Non-goals scopes "audit-log sinks" down to "interfaces only"
// beyond this default.
type LogSink struct {
	logger log.Logger
}

// NewLogSink returns a Sink backed by logger.
func NewLogSink(logger log.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) SecurityEvent(_ context.Context, kind, details string) {
	s.logger.Infof("audit security kind=%s details=%s", kind, details)
}

func (s *LogSink) ConnectionEvent(_ context.Context, kind, connectionID, deviceID string) {
	s.logger.Infof("audit connection kind=%s connection_id=%s device_id=%s", kind, connectionID, deviceID)
}

func (s *LogSink) AuthenticationEvent(_ context.Context, kind, connectionID, deviceID string) {
	s.logger.Infof("audit authentication kind=%s connection_id=%s device_id=%s", kind, connectionID, deviceID)
}

// BufferedSink buffers Connection and Authentication events in memory per
// device id (e.g. per-connection context pending flush) and forwards them
// to an underlying Sink on Flush; Security events carry no device id and
// go straight to the underlying Sink unbuffered. It supports
// Purge for right-to-erasure requests: a device's buffered audit context
// is dropped rather than flushed once erasure is requested, per
// SPEC_FULL.md's audit supplement.
type BufferedSink struct {
	underlying Sink

	mu      sync.Mutex
	pending map[string][]func(context.Context, Sink) // deviceID -> queued emits
}

// NewBufferedSink returns a BufferedSink wrapping underlying.
func NewBufferedSink(underlying Sink) *BufferedSink {
	return &BufferedSink{underlying: underlying, pending: make(map[string][]func(context.Context, Sink))}
}

func (s *BufferedSink) SecurityEvent(ctx context.Context, kind, details string) {
	s.underlying.SecurityEvent(ctx, kind, details)
}

func (s *BufferedSink) ConnectionEvent(ctx context.Context, kind, connectionID, deviceID string) {
	s.enqueue(deviceID, func(ctx context.Context, sink Sink) { sink.ConnectionEvent(ctx, kind, connectionID, deviceID) })
}

func (s *BufferedSink) AuthenticationEvent(ctx context.Context, kind, connectionID, deviceID string) {
	s.enqueue(deviceID, func(ctx context.Context, sink Sink) { sink.AuthenticationEvent(ctx, kind, connectionID, deviceID) })
}

func (s *BufferedSink) enqueue(deviceID string, emit func(context.Context, Sink)) {
	s.mu.Lock()
	s.pending[deviceID] = append(s.pending[deviceID], emit)
	s.mu.Unlock()
}

// Flush emits and clears every buffered event for deviceID.
func (s *BufferedSink) Flush(ctx context.Context, deviceID string) {
	s.mu.Lock()
	queued := s.pending[deviceID]
	delete(s.pending, deviceID)
	s.mu.Unlock()

	for _, emit := range queued {
		emit(ctx, s.underlying)
	}
}

// Purge discards deviceID's buffered audit context without flushing it,
// the erasure path SPEC_FULL.md adds: a device that invokes its
// right-to-erasure should not have its pending audit trail replayed.
func (s *BufferedSink) Purge(deviceID string) {
	s.mu.Lock()
	delete(s.pending, deviceID)
	s.mu.Unlock()
}
