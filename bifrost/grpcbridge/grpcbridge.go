// Package grpcbridge implements the L3 gRPC Bridge of spec.md §4.12:
// tunneling a request/response pair over the message substrate instead of
// a direct network connection, request_id-correlated with a one-shot
// waiter per in-flight request. Grounded on
// original_source/bifrost/src/grpc_bridge.rs's GrpcBridge
// (build_request/send_request_and_wait/register_pending/on_grpc_response),
// translated from a tokio::sync::oneshot channel to a Go buffered channel
// of size 1.
package grpcbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heimdallr-mesh/fabric/bifrost/message"
	"github.com/heimdallr-mesh/fabric/pkg/clock"
)

var (
	// ErrTimeout is returned when no matching response arrives within the
	// bridge's configured Timeout.
	ErrTimeout = errors.New("grpcbridge: timeout")
	// ErrParse is returned when a response envelope is missing fields or
	// carries malformed base64.
	ErrParse = errors.New("grpcbridge: parse error")
	// ErrRemote wraps an error reported by the remote side (ok=false).
	ErrRemote = errors.New("grpcbridge: remote error")
)

// Router is the subset of bifrost/router.Router the bridge needs to send
// its tunneled request.
type Router interface {
	Route(m message.Message) error
}

// Bridge tunnels RPC-shaped request/response pairs over the message
// substrate.
type Bridge struct {
	router  Router
	clock   clock.Clock
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan result
}

type result struct {
	body []byte
	ok   bool
}

// New returns a Bridge routing through router with the given per-request
// timeout.
func New(router Router, clk clock.Clock, timeout time.Duration) *Bridge {
	return &Bridge{router: router, clock: clk, timeout: timeout, pending: make(map[string]chan result)}
}

// BuildRequest produces a (request_id, Message) pair for a tunneled RPC
// call (spec.md §4.12 build_request).
func (b *Bridge) BuildRequest(src, dst, service, method string, body []byte) (string, message.Message, error) {
	requestID := uuid.NewString()
	payload, err := json.Marshal(message.GrpcRequestPayload{
		RequestID: requestID,
		Service:   service,
		Method:    method,
		Body:      body,
	})
	if err != nil {
		return "", message.Message{}, fmt.Errorf("grpcbridge: marshal request: %w", err)
	}

	m := message.Message{
		MessageID:      uuid.NewString(),
		MessageType:    message.TypeGrpcRequest,
		SourceDeviceID: src,
		TargetDeviceID: dst,
		Payload:        payload,
		Timestamp:      b.clock.Now().UTC(),
	}
	return requestID, m, nil
}

// SendAndWait builds a request, routes it, and blocks until either a
// matching OnGrpcResponse call completes it or the bridge's timeout
// elapses (spec.md §4.12 send_and_wait).
func (b *Bridge) SendAndWait(ctx context.Context, src, dst, service, method string, body []byte) ([]byte, error) {
	requestID, m, err := b.BuildRequest(src, dst, service, method, body)
	if err != nil {
		return nil, err
	}

	ch := b.registerPending(requestID)
	defer b.forget(requestID)

	if err := b.router.Route(m); err != nil {
		return nil, fmt.Errorf("grpcbridge: route request: %w", err)
	}

	select {
	case r := <-ch:
		if !r.ok {
			return nil, fmt.Errorf("%w: %s", ErrRemote, string(r.body))
		}
		return r.body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.clock.After(b.timeout):
		return nil, ErrTimeout
	}
}

func (b *Bridge) registerPending(requestID string) chan result {
	ch := make(chan result, 1)
	b.mu.Lock()
	b.pending[requestID] = ch
	b.mu.Unlock()
	return ch
}

func (b *Bridge) forget(requestID string) {
	b.mu.Lock()
	delete(b.pending, requestID)
	b.mu.Unlock()
}

// OnGrpcResponse completes the pending request matching requestID, if
// any. A duplicate or late call (after Timeout has already fired and the
// waiter was forgotten) is silently dropped (spec.md §4.12, §8 scenario
// 5 "late on_grpc_response calls after Timeout are dropped silently").
func (b *Bridge) OnGrpcResponse(requestID string, body []byte, ok bool) {
	b.mu.Lock()
	ch, found := b.pending[requestID]
	if found {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()

	if !found {
		return
	}
	// Buffered size 1: this never blocks, and a concurrent forget() from
	// SendAndWait's own defer is harmless since the channel was already
	// removed from the map above (first one here wins).
	select {
	case ch <- result{body: body, ok: ok}:
	default:
	}
}

// ParseResponsePayload decodes a TypeGrpcResponse Message's payload.
func ParseResponsePayload(m message.Message) (message.GrpcResponsePayload, error) {
	if m.MessageType != message.TypeGrpcResponse {
		return message.GrpcResponsePayload{}, fmt.Errorf("%w: not a grpc_response message", ErrParse)
	}
	var p message.GrpcResponsePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return message.GrpcResponsePayload{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if p.RequestID == "" {
		return message.GrpcResponsePayload{}, fmt.Errorf("%w: missing request_id", ErrParse)
	}
	return p, nil
}
