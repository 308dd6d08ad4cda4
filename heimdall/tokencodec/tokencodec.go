// Package tokencodec signs and verifies the signed token envelope spec.md §3
// and §4.3 define: a versioned payload (device, user, kind, validity window,
// permissions) plus a signature over its canonical serialization under a
// logical signing key. Verification tries the current signing key first,
// then the deprecated one, mirroring internal/jwt/keyset.go's multi-key
// verification loop.
package tokencodec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/heimdallr-mesh/fabric/heimdall/keyrotation"
	"github.com/heimdallr-mesh/fabric/pkg/clock"
)

// Kind is the token_kind column of the identity schema (spec.md §6). Callers
// validating a token state which Kind they expect; a token of the wrong kind
// fails with ErrWrongKind even though its signature verifies.
type Kind string

const (
	KindHeimdall Kind = "heimdall"
	KindSession  Kind = "session"
	KindRefresh  Kind = "refresh"
	KindMesh     Kind = "mesh"
)

var (
	// ErrExpired is returned when the token's exp (plus clock skew) has passed.
	ErrExpired = errors.New("tokencodec: token expired")
	// ErrBadSignature is returned when the token does not verify under the
	// current key or the deprecated key still inside its grace period.
	ErrBadSignature = errors.New("tokencodec: bad signature")
	// ErrMalformed is returned for tokens that are not well-formed JWS compact
	// serializations, or whose payload does not decode to a TokenPayload, or
	// whose expires_at is not after issued_at, or whose issued_at is later
	// than now+skew. A token past its expiry fails with ErrExpired instead.
	ErrMalformed = errors.New("tokencodec: malformed token")
	// ErrWrongKind is returned when Validate's want argument does not match
	// the token's TokenKind claim.
	ErrWrongKind = errors.New("tokencodec: wrong token kind")
	// ErrNoSigningKey is returned when the configured key id has no current
	// key in the key store to sign with.
	ErrNoSigningKey = errors.New("tokencodec: no current signing key")
)

// TokenPayload is the signed envelope (spec.md §3).
type TokenPayload struct {
	TokenID     string    `json:"token_id"`
	DeviceID    string    `json:"device_id"`
	UserID      string    `json:"user_id"`
	TokenKind   Kind      `json:"token_kind"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Permissions []string  `json:"permissions,omitempty"`
}

// Codec signs and verifies tokens using the keypair rotated under keyID.
type Codec struct {
	keys      *keyrotation.Manager
	clock     clock.Clock
	keyID     string
	clockSkew time.Duration
	newID     func() string
}

// Config configures a Codec.
type Config struct {
	// KeyID is the logical keystore id the codec signs and verifies with
	// (e.g. "heimdall").
	KeyID string
	// ClockSkew is the tolerance applied to issued_at/expires_at comparisons
	// across devices with unsynchronized clocks (spec.md Open Question (b):
	// ±60s proposed and adopted).
	ClockSkew time.Duration
	// NewID generates the token_id for newly issued tokens. Defaults to
	// uuid.NewString when nil.
	NewID func() string
}

// New returns a Codec backed by keys and clk.
func New(keys *keyrotation.Manager, clk clock.Clock, cfg Config) *Codec {
	newID := cfg.NewID
	if newID == nil {
		newID = defaultNewID
	}
	return &Codec{keys: keys, clock: clk, keyID: cfg.KeyID, clockSkew: cfg.ClockSkew, newID: newID}
}

// GenerateHeimdallToken issues a long-lived token asserting deviceID's
// identity, owner userID, and permission set.
func (c *Codec) GenerateHeimdallToken(deviceID, userID string, permissions []string, ttl time.Duration) (token, tokenID string, expiresAt time.Time, err error) {
	return c.generate(KindHeimdall, deviceID, userID, permissions, ttl)
}

// GenerateSessionToken issues a short-lived session token for deviceID/userID.
func (c *Codec) GenerateSessionToken(deviceID, userID string, ttl time.Duration) (token, tokenID string, expiresAt time.Time, err error) {
	return c.generate(KindSession, deviceID, userID, nil, ttl)
}

// GenerateMeshToken issues a mesh token binding deviceID to an active mesh
// membership with the given role permissions, the "Token issued" step of
// spec.md §2's mesh-join control flow.
func (c *Codec) GenerateMeshToken(deviceID, userID string, permissions []string, ttl time.Duration) (token, tokenID string, expiresAt time.Time, err error) {
	return c.generate(KindMesh, deviceID, userID, permissions, ttl)
}

// GenerateRefreshToken issues a refresh token record for deviceID/userID.
func (c *Codec) GenerateRefreshToken(deviceID, userID string, ttl time.Duration) (token, tokenID string, expiresAt time.Time, err error) {
	return c.generate(KindRefresh, deviceID, userID, nil, ttl)
}

func (c *Codec) generate(kind Kind, deviceID, userID string, permissions []string, ttl time.Duration) (string, string, time.Time, error) {
	now := c.clock.Now().UTC()
	expiresAt := now.Add(ttl)
	tokenID := c.newID()

	token, err := c.sign(TokenPayload{
		TokenID:     tokenID,
		DeviceID:    deviceID,
		UserID:      userID,
		TokenKind:   kind,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
		Permissions: permissions,
	})
	if err != nil {
		return "", "", time.Time{}, err
	}
	return token, tokenID, expiresAt, nil
}

func (c *Codec) sign(payload TokenPayload) (string, error) {
	kp, ok, err := c.keys.GetCurrent(c.keyID)
	if err != nil {
		return "", fmt.Errorf("tokencodec: load signing key: %w", err)
	}
	if !ok {
		return "", ErrNoSigningKey
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: kp.Secret}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("tokencodec: build signer: %w", err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("tokencodec: marshal payload: %w", err)
	}

	obj, err := signer.Sign(raw)
	if err != nil {
		return "", fmt.Errorf("tokencodec: sign: %w", err)
	}
	return obj.CompactSerialize()
}

// Validate verifies token's signature under the current or deprecated key,
// checks the issued_at/expires_at envelope invariant against the configured
// clock skew, and confirms its TokenKind matches want.
func (c *Codec) Validate(token string, want Kind) (TokenPayload, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return TokenPayload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	raw, err := c.verify(jws)
	if err != nil {
		return TokenPayload{}, err
	}

	var payload TokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return TokenPayload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !payload.ExpiresAt.After(payload.IssuedAt) {
		return TokenPayload{}, fmt.Errorf("%w: expires_at not after issued_at", ErrMalformed)
	}

	if payload.TokenKind != want {
		return TokenPayload{}, ErrWrongKind
	}

	now := c.clock.Now().UTC()
	if !now.Before(payload.ExpiresAt.Add(c.clockSkew)) {
		return TokenPayload{}, ErrExpired
	}
	if payload.IssuedAt.After(now.Add(c.clockSkew)) {
		return TokenPayload{}, fmt.Errorf("%w: issued in the future", ErrMalformed)
	}

	return payload, nil
}

func (c *Codec) verify(jws *jose.JSONWebSignature) ([]byte, error) {
	current, ok, err := c.keys.GetCurrent(c.keyID)
	if err != nil {
		return nil, fmt.Errorf("tokencodec: load current key: %w", err)
	}
	if ok {
		if payload, err := jws.Verify(current.Public); err == nil {
			return payload, nil
		}
	}

	deprecated, ok, err := c.keys.GetDeprecated(c.keyID)
	if err != nil {
		return nil, fmt.Errorf("tokencodec: load deprecated key: %w", err)
	}
	if ok {
		if payload, err := jws.Verify(deprecated.Public); err == nil {
			return payload, nil
		}
	}

	return nil, ErrBadSignature
}
