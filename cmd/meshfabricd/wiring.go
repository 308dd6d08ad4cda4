package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/heimdallr-mesh/fabric/bifrost/connmgr"
	"github.com/heimdallr-mesh/fabric/bifrost/grpcbridge"
	"github.com/heimdallr-mesh/fabric/bifrost/message"
	"github.com/heimdallr-mesh/fabric/bifrost/metrics"
	"github.com/heimdallr-mesh/fabric/bifrost/quality"
	"github.com/heimdallr-mesh/fabric/bifrost/router"
	"github.com/heimdallr-mesh/fabric/bifrost/validation"
	"github.com/heimdallr-mesh/fabric/heimdall/meshvalidator"
	"github.com/heimdallr-mesh/fabric/pkg/clock"
	"github.com/heimdallr-mesh/fabric/pkg/log"
)

// connSender adapts *connmgr.Manager into router.Sender: marshal the
// Message to the JSON wire envelope and write it to the named connection,
// the same framing bifrost/wsserver uses for inbound frames.
type connSender struct {
	conns  *connmgr.Manager
	clock  clock.Clock
	metric *metrics.State
}

func (s connSender) Send(connectionID string, m message.Message) error {
	c, ok := s.conns.Get(connectionID)
	if !ok {
		s.metric.RecordSend(false)
		return fmt.Errorf("connmgr: connection %s not found", connectionID)
	}
	data, err := json.Marshal(m)
	if err != nil {
		s.metric.RecordSend(false)
		return fmt.Errorf("wiring: marshal message: %w", err)
	}
	if _, err := c.Write(data); err != nil {
		s.metric.RecordSend(false)
		return err
	}
	c.RecordSent(s.clock.Now())
	s.metric.RecordSend(true)
	return nil
}

// meshAuthenticator adapts *meshvalidator.Validator into wsserver.Authenticator.
type meshAuthenticator struct {
	validator *meshvalidator.Validator
}

func (a meshAuthenticator) Authenticate(ctx context.Context, token string) (string, string, error) {
	result, err := a.validator.ValidateMeshToken(ctx, token)
	if err != nil {
		return "", "", err
	}
	return result.DeviceID, result.UserID, nil
}

// validatingRouter sits in front of bifrost/router.Router: every Route call
// is validated and sanitized first (spec.md §4.14), gRPC responses are
// handed to the bridge, and every other message is passed to the
// quality-aware router underneath with its routing outcome recorded into
// bifrost/metrics. Messages that fail validation, and gRPC responses, are
// not recorded. It satisfies wsserver.Router.
type validatingRouter struct {
	validator *validation.Validator
	qrouter   *quality.QualityRouter
	plain     *router.Router
	metric    *metrics.State
	bridge    *grpcbridge.Bridge
}

func (r *validatingRouter) Route(m message.Message) error {
	if err := r.validator.Validate(m); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	m = r.validator.Sanitize(m)

	if m.MessageType == message.TypeGrpcResponse {
		payload, err := grpcbridge.ParseResponsePayload(m)
		if err == nil {
			r.bridge.OnGrpcResponse(payload.RequestID, payload.Body, payload.OK)
			return nil
		}
	}

	err := r.qrouter.Route(m)
	r.metric.RecordSend(err == nil)
	return err
}

func (r *validatingRouter) ShouldForward(m message.Message) bool {
	return r.plain.ShouldForward(m)
}

func (r *validatingRouter) Flood(m message.Message, arrivedOn string) {
	r.plain.Flood(m, arrivedOn)
}

// localHandler builds the router.LocalHandler for messages addressed to
// this node: only gRPC bridge responses are meaningful to handle locally
// (spec.md §4.12); anything else is logged and dropped rather than erroring,
// since there is no application layer above the fabric in this repository.
// bridge is a pointer to the caller's *grpcbridge.Bridge variable rather
// than the bridge itself, because the bridge is constructed from the
// router this handler is wired into (bridge needs a router to send
// through, and the router needs this handler to receive its responses).
func localHandler(bridge **grpcbridge.Bridge, logger log.Logger) router.LocalHandler {
	return func(m message.Message) error {
		if m.MessageType != message.TypeGrpcResponse {
			logger.Debugf("wiring: dropping local message of type %s", m.MessageType)
			return nil
		}
		payload, err := grpcbridge.ParseResponsePayload(m)
		if err != nil {
			return err
		}
		(*bridge).OnGrpcResponse(payload.RequestID, payload.Body, payload.OK)
		return nil
	}
}
