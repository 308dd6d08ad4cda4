// Package mesh implements the Mesh Registry and owner authorization state
// machine of spec.md §4.6: absent -> pending -> active/inactive, gated on
// the recorded owner_user_id. No precedent elsewhere in this codebase (no
// existing component models device mesh membership); grounded on
// original_source/heimdall/src/mesh/registry.rs for the state machine shape
// and heimdall/identity's Storage conventions for persistence.
package mesh

import (
	"context"
	"errors"
	"fmt"

	"github.com/heimdallr-mesh/fabric/heimdall/identity"
	"github.com/heimdallr-mesh/fabric/pkg/clock"
)

var (
	// ErrNotOwner is returned when a caller other than the recorded
	// owner_user_id attempts to approve, reject, or inspect a device.
	ErrNotOwner = errors.New("mesh: caller is not the device owner")
	// ErrInvalidRole is returned for a role name outside admin/user/guest.
	ErrInvalidRole = errors.New("mesh: invalid role")
)

func validRole(role identity.MeshRole) bool {
	switch role {
	case identity.RoleAdmin, identity.RoleUser, identity.RoleGuest:
		return true
	}
	return false
}

// Registry manages MeshDevice state over an identity.Storage.
type Registry struct {
	store identity.Storage
	clock clock.Clock
}

// New returns a Registry.
func New(store identity.Storage, clk clock.Clock) *Registry {
	return &Registry{store: store, clock: clk}
}

// RegisterDevice idempotently registers deviceID into ownerUserID's mesh in
// the pending state. A second call for the same device returns its current
// MeshDevice and isNew=false rather than erroring (spec.md §4.6).
func (r *Registry) RegisterDevice(ctx context.Context, deviceID, ownerUserID string, meshPublicKey []byte) (identity.MeshDevice, bool, error) {
	existing, err := r.store.GetMeshDevice(ctx, deviceID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return identity.MeshDevice{}, false, fmt.Errorf("mesh: look up existing binding: %w", err)
	}

	m := identity.MeshDevice{
		DeviceID:      deviceID,
		MeshPublicKey: meshPublicKey,
		Role:          identity.RoleGuest,
		OwnerUserID:   ownerUserID,
		IsActive:      false,
		LastSeen:      r.clock.Now().UTC(),
	}
	if err := r.store.CreateMeshDevice(ctx, m); err != nil {
		if errors.Is(err, identity.ErrAlreadyExists) {
			// Lost the race with a concurrent registration; treat like the
			// idempotent read-path above.
			existing, getErr := r.store.GetMeshDevice(ctx, deviceID)
			if getErr != nil {
				return identity.MeshDevice{}, false, getErr
			}
			return existing, false, nil
		}
		return identity.MeshDevice{}, false, fmt.Errorf("mesh: create binding: %w", err)
	}
	return m, true, nil
}

// Approve activates deviceID with role, provided callerUserID is its
// recorded owner.
func (r *Registry) Approve(ctx context.Context, deviceID, callerUserID string, role identity.MeshRole) (identity.MeshDevice, error) {
	if !validRole(role) {
		return identity.MeshDevice{}, ErrInvalidRole
	}
	return r.mutateAsOwner(ctx, deviceID, callerUserID, func(m identity.MeshDevice) (identity.MeshDevice, error) {
		m.Role = role
		m.IsActive = true
		m.LastSeen = r.clock.Now().UTC()
		return m, nil
	})
}

// Reject deactivates deviceID, provided callerUserID is its recorded owner.
// Valid from either pending or active (spec.md §4.6).
func (r *Registry) Reject(ctx context.Context, deviceID, callerUserID string) (identity.MeshDevice, error) {
	return r.mutateAsOwner(ctx, deviceID, callerUserID, func(m identity.MeshDevice) (identity.MeshDevice, error) {
		m.IsActive = false
		return m, nil
	})
}

// UpdateRole changes deviceID's role, provided callerUserID is its recorded
// owner. It does not check whether the device is active: a pending or
// inactive binding has its role changed too, and its active state is left
// as it was.
func (r *Registry) UpdateRole(ctx context.Context, deviceID, callerUserID string, role identity.MeshRole) (identity.MeshDevice, error) {
	if !validRole(role) {
		return identity.MeshDevice{}, ErrInvalidRole
	}
	return r.mutateAsOwner(ctx, deviceID, callerUserID, func(m identity.MeshDevice) (identity.MeshDevice, error) {
		m.Role = role
		return m, nil
	})
}

// Erase deletes deviceID's mesh binding entirely (right-to-erasure path;
// spec.md §4.6 "device rows remain, they are identity not mesh membership").
func (r *Registry) Erase(ctx context.Context, deviceID, callerUserID string) error {
	m, err := r.store.GetMeshDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if m.OwnerUserID != callerUserID {
		return ErrNotOwner
	}
	return r.store.DeleteMeshDevice(ctx, deviceID)
}

// Get returns deviceID's MeshDevice, provided callerUserID is its recorded
// owner (spec.md §4.6 "Only the recorded owner_user_id may ... inspect details").
func (r *Registry) Get(ctx context.Context, deviceID, callerUserID string) (identity.MeshDevice, error) {
	m, err := r.store.GetMeshDevice(ctx, deviceID)
	if err != nil {
		return identity.MeshDevice{}, err
	}
	if m.OwnerUserID != callerUserID {
		return identity.MeshDevice{}, ErrNotOwner
	}
	return m, nil
}

// Touch updates last_seen for deviceID to now, independent of ownership
// (called from the connection path, not an owner-gated API).
func (r *Registry) Touch(ctx context.Context, deviceID string) error {
	return r.store.UpdateMeshDevice(ctx, deviceID, func(m identity.MeshDevice) (identity.MeshDevice, error) {
		m.LastSeen = r.clock.Now().UTC()
		return m, nil
	})
}

func (r *Registry) mutateAsOwner(ctx context.Context, deviceID, callerUserID string, mutate func(identity.MeshDevice) (identity.MeshDevice, error)) (identity.MeshDevice, error) {
	var result identity.MeshDevice
	err := r.store.UpdateMeshDevice(ctx, deviceID, func(m identity.MeshDevice) (identity.MeshDevice, error) {
		if m.OwnerUserID != callerUserID {
			return identity.MeshDevice{}, ErrNotOwner
		}
		updated, err := mutate(m)
		if err != nil {
			return identity.MeshDevice{}, err
		}
		result = updated
		return updated, nil
	})
	if err != nil {
		return identity.MeshDevice{}, err
	}
	return result, nil
}
