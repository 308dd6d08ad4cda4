// Package validation implements spec.md §4.14's message sanitization and
// size checks: the gate every inbound Message passes through before the
// router ever sees it. Grounded on the original MessageHandler's
// parse/sanitize split referenced from bifrost/src/websocket/server.rs,
// generalized into a standalone, reusable Validator.
package validation

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/heimdallr-mesh/fabric/bifrost/message"
)

// ErrPayloadTooLarge is returned when a message's serialized payload
// exceeds the configured limit.
var ErrPayloadTooLarge = errors.New("validation: payload too large")

// ErrEmptyID is returned when message_id or a device id is empty.
var ErrEmptyID = errors.New("validation: empty id")

// ErrUnknownType is returned for a message_type the validator does not
// recognize (spec.md §9 "unknown types are rejected at the validator,
// never silently forwarded").
var ErrUnknownType = errors.New("validation: unknown message type")

const (
	// DefaultMaxPayloadBytes bounds a Message's Payload when Config.MaxPayloadBytes is zero.
	DefaultMaxPayloadBytes = 64 * 1024
	// sanitizeTruncateLen is the length control-character-stripped string
	// fields are truncated to (spec.md §3 Message invariant, §8 "512-byte
	// truncation").
	sanitizeTruncateLen = 512
)

// Config tunes the Validator.
type Config struct {
	MaxPayloadBytes int
}

func (c Config) withDefaults() Config {
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	return c
}

var knownTypes = map[message.Type]bool{
	message.TypeData:         true,
	message.TypeFlood:        true,
	message.TypeGrpcRequest:  true,
	message.TypeGrpcResponse: true,
	message.TypePing:         true,
	message.TypePong:         true,
}

// Validator checks and sanitizes inbound Messages.
type Validator struct {
	cfg Config
}

// New returns a Validator.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg.withDefaults()}
}

// Validate checks non-empty ids, a known message type, and the payload
// size limit. It never mutates m.
func (v *Validator) Validate(m message.Message) error {
	if m.MessageID == "" || m.SourceDeviceID == "" || m.TargetDeviceID == "" {
		return ErrEmptyID
	}
	if !knownTypes[m.MessageType] {
		return fmt.Errorf("%w: %q", ErrUnknownType, m.MessageType)
	}
	if len(m.Payload) > v.cfg.MaxPayloadBytes {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(m.Payload), v.cfg.MaxPayloadBytes)
	}
	return nil
}

// Sanitize strips ASCII control characters from the ids and truncates
// them to sanitizeTruncateLen, returning a new Message. Sanitize is
// idempotent: sanitize(sanitize(m)) == sanitize(m) (spec.md §8).
func (v *Validator) Sanitize(m message.Message) message.Message {
	m.MessageID = stripControl(m.MessageID)
	m.SourceDeviceID = stripControl(m.SourceDeviceID)
	m.TargetDeviceID = stripControl(m.TargetDeviceID)
	m.ProtocolVersion = stripControl(m.ProtocolVersion)
	return m
}

func stripControl(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		out = append(out, r)
	}
	res := string(out)
	if len(res) > sanitizeTruncateLen {
		cut := sanitizeTruncateLen
		for cut > 0 && !utf8.RuneStart(res[cut]) {
			cut--
		}
		res = res[:cut]
	}
	return res
}
