// Package router implements the L3 Message Router of spec.md §4.10: local
// dispatch, cross-device forwarding via the connection manager, and
// flood-variant dedup by (origin_node_id, sequence). Grounded on the
// message-type switch in original_source/bifrost/src/websocket/server.rs,
// with the hardcoded `MY_NODE_ID: u32 = 0` there replaced per spec.md §9
// Open Question (a): the local node id is threaded through the
// constructor instead.
package router

import (
	"errors"
	"fmt"
	"sync"

	"github.com/heimdallr-mesh/fabric/bifrost/connmgr"
	"github.com/heimdallr-mesh/fabric/bifrost/message"
)

// ErrNoRoute is returned when the target device has no live connection
// and retry/pending handling does not apply.
var ErrNoRoute = errors.New("router: no route to device")

// LocalHandler dispatches a Message addressed to the local device
// (spec.md §4.10 step 1, "out-of-scope collaborator" in the source —
// implementations supply their own application handler).
type LocalHandler func(message.Message) error

// Sender writes a Message out over a live connection.
type Sender interface {
	Send(connectionID string, m message.Message) error
}

// QualityRecorder is notified of send outcomes so the quality monitor can
// track per-connection reliability (spec.md §4.10 "Reliability").
type QualityRecorder interface {
	RecordFailure(connectionID string)
}

// dedupKey identifies a flood packet for the dedup predicate.
type dedupKey struct {
	originNodeID string
	sequence     uint64
}

// Router dispatches Messages: locally, to a single remote connection, or,
// for the flood variant, to every live connection but the one it arrived
// on.
type Router struct {
	localNodeID string
	conns       *connmgr.Manager
	sender      Sender
	quality     QualityRecorder
	local       LocalHandler

	mu    sync.Mutex
	seen  map[dedupKey]struct{}
	order []dedupKey // bounds seen's growth, oldest evicted first
}

const dedupWindow = 4096

// New returns a Router. localNodeID identifies this node for flood dedup
// (spec.md §9 Open Question (a)); it must be stable for the process's
// lifetime and unique within the mesh.
func New(localNodeID string, conns *connmgr.Manager, sender Sender, quality QualityRecorder, local LocalHandler) *Router {
	return &Router{
		localNodeID: localNodeID,
		conns:       conns,
		sender:      sender,
		quality:     quality,
		local:       local,
		seen:        make(map[dedupKey]struct{}),
	}
}

// Route dispatches m per spec.md §4.10 steps 1-3: local handler if
// addressed to this device, otherwise one live connection to the target
// (whichever ListByDevice returns first; that order is not defined),
// otherwise ErrNoRoute.
func (r *Router) Route(m message.Message) error {
	if m.TargetDeviceID == r.localNodeID {
		if r.local == nil {
			return nil
		}
		return r.local(m)
	}

	ids := r.conns.ListByDevice(m.TargetDeviceID)
	if len(ids) == 0 {
		return fmt.Errorf("%w: device %s", ErrNoRoute, m.TargetDeviceID)
	}
	return r.sendVia(ids[0], m)
}

func (r *Router) sendVia(connectionID string, m message.Message) error {
	if err := r.sender.Send(connectionID, m); err != nil {
		if r.quality != nil {
			r.quality.RecordFailure(connectionID)
		}
		return fmt.Errorf("router: send via %s: %w", connectionID, err)
	}
	return nil
}

// ShouldForward is the flood dedup predicate (spec.md §4.10 step 4):
// false if m already originated at this node, or was already seen by
// (origin_node_id, sequence).
func (r *Router) ShouldForward(m message.Message) bool {
	if m.OriginNodeID == r.localNodeID {
		return false
	}
	key := dedupKey{originNodeID: m.OriginNodeID, sequence: m.Sequence}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[key]; ok {
		return false
	}
	r.remember(key)
	return true
}

func (r *Router) remember(key dedupKey) {
	r.seen[key] = struct{}{}
	r.order = append(r.order, key)
	if len(r.order) > dedupWindow {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, oldest)
	}
}

// Flood forwards m to every live connection other than arrivedOn, subject
// to hop_limit and ShouldForward (spec.md §4.10 step 4). Callers
// decrement HopLimit before calling Flood is not required: Flood checks
// HopLimit > 0 itself and forwards a copy with HopLimit-1.
func (r *Router) Flood(m message.Message, arrivedOn string) {
	if m.HopLimit <= 0 || !r.ShouldForward(m) {
		return
	}
	fwd := m
	fwd.HopLimit = m.HopLimit - 1

	for _, id := range r.conns.ListConnectionIDs() {
		if id == arrivedOn {
			continue
		}
		_ = r.sendVia(id, fwd)
	}
}
