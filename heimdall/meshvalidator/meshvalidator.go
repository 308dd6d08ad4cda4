// Package meshvalidator implements the L2 Mesh Token Validator of spec.md
// §4.8: composing tokencodec's signature/envelope check with identity/mesh
// lookups into a single "is this token good for mesh traffic right now"
// call. It has no single precedent elsewhere in the codebase — it is a thin composition layer the
// same shape as internal/jwt's verifier sitting in front of a storage
// lookup, generalized to the extra DeviceNotInMesh step spec.md §4.8 adds.
package meshvalidator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heimdallr-mesh/fabric/heimdall/identity"
	"github.com/heimdallr-mesh/fabric/heimdall/tokencodec"
)

// ErrDeviceNotInMesh is returned when the token's device_id has no device
// record, or no active MeshDevice binding.
var ErrDeviceNotInMesh = errors.New("meshvalidator: device not in mesh")

// Result is what a successful mesh token validation yields (spec.md §4.8).
type Result struct {
	DeviceID  string
	UserID    string
	Role      identity.MeshRole
	ExpiresAt time.Time
}

// Validator composes a tokencodec.Codec with an identity.Storage.
type Validator struct {
	codec *tokencodec.Codec
	store identity.Storage
}

// New returns a Validator.
func New(codec *tokencodec.Codec, store identity.Storage) *Validator {
	return &Validator{codec: codec, store: store}
}

// ValidateMeshToken runs the four steps spec.md §4.8 specifies in order:
// token codec validation, device lookup, active MeshDevice lookup, then
// returns the device's current role and the token's expiry.
func (v *Validator) ValidateMeshToken(ctx context.Context, token string) (Result, error) {
	payload, err := v.codec.Validate(token, tokencodec.KindMesh)
	if err != nil {
		return Result{}, fmt.Errorf("meshvalidator: token: %w", err)
	}

	if _, err := v.store.GetDevice(ctx, payload.DeviceID); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return Result{}, ErrDeviceNotInMesh
		}
		return Result{}, fmt.Errorf("meshvalidator: look up device: %w", err)
	}

	m, err := v.store.GetMeshDevice(ctx, payload.DeviceID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return Result{}, ErrDeviceNotInMesh
		}
		return Result{}, fmt.Errorf("meshvalidator: look up mesh binding: %w", err)
	}
	if !m.IsActive {
		return Result{}, ErrDeviceNotInMesh
	}

	return Result{
		DeviceID:  payload.DeviceID,
		UserID:    payload.UserID,
		Role:      m.Role,
		ExpiresAt: payload.ExpiresAt,
	}, nil
}
