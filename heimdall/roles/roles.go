// Package roles implements the hierarchical role manager of spec.md §4.5:
// base roles guaranteed to exist, custom roles with a single parent, and a
// cycle-safe ancestry walk. It has no single precedent elsewhere in this
// codebase (other role concepts here are flat OAuth2 scopes, not a
// hierarchy) so its shape follows heimdall/identity's Storage conventions
// instead.
package roles

import (
	"context"
	"errors"
	"fmt"

	"github.com/heimdallr-mesh/fabric/heimdall/identity"
)

// ErrCycleDetected is returned when a role's ancestry chain revisits a role
// already seen during the walk.
var ErrCycleDetected = errors.New("roles: cycle detected in role inheritance")

// BaseRoles are guaranteed to exist after EnsureBaseRoles runs, forming the
// admin > user > guest chain spec.md §3 requires.
var BaseRoles = []identity.Role{
	{Name: "guest", Description: "no inherited permissions"},
	{Name: "user", ParentName: "guest", Description: "inherits guest"},
	{Name: "admin", ParentName: "user", Description: "inherits user"},
}

// Manager assigns and inspects roles over an identity.Storage.
type Manager struct {
	store identity.Storage
}

// New returns a role Manager over store.
func New(store identity.Storage) *Manager {
	return &Manager{store: store}
}

// EnsureBaseRoles creates admin, user, and guest if they do not already
// exist. Safe to call on every startup.
func (m *Manager) EnsureBaseRoles(ctx context.Context) error {
	for _, r := range BaseRoles {
		if err := m.store.CreateRole(ctx, r); err != nil && !errors.Is(err, identity.ErrAlreadyExists) {
			return fmt.Errorf("roles: ensure base role %q: %w", r.Name, err)
		}
	}
	return nil
}

// CreateRole creates a custom role with an optional parent.
func (m *Manager) CreateRole(ctx context.Context, name, parentName, description string) error {
	if parentName != "" {
		if _, err := m.store.GetRole(ctx, parentName); err != nil {
			return fmt.Errorf("roles: parent role %q: %w", parentName, err)
		}
	}
	return m.store.CreateRole(ctx, identity.Role{Name: name, ParentName: parentName, Description: description})
}

// Assign assigns roleName to deviceID. Idempotent.
func (m *Manager) Assign(ctx context.Context, deviceID, roleName string) error {
	return m.store.AssignRole(ctx, deviceID, roleName)
}

// Remove removes roleName from deviceID. Idempotent.
func (m *Manager) Remove(ctx context.Context, deviceID, roleName string) error {
	return m.store.RemoveRole(ctx, deviceID, roleName)
}

// RolesOf returns the role names directly assigned to deviceID (not expanded
// through inheritance).
func (m *Manager) RolesOf(ctx context.Context, deviceID string) ([]string, error) {
	return m.store.RolesOfDevice(ctx, deviceID)
}

// InheritedRoleIDs returns the transitive ancestor chain of roleName,
// root-last (roleName itself first, its ultimate ancestor last), with no
// duplicates. A cycle in the stored parent links fails with
// ErrCycleDetected instead of looping forever.
func (m *Manager) InheritedRoleIDs(ctx context.Context, roleName string) ([]string, error) {
	seen := make(map[string]bool)
	var chain []string

	current := roleName
	for current != "" {
		if seen[current] {
			return nil, ErrCycleDetected
		}
		seen[current] = true
		chain = append(chain, current)

		r, err := m.store.GetRole(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("roles: load %q: %w", current, err)
		}
		current = r.ParentName
	}
	return chain, nil
}

// PermissionSet returns the union of role names reachable from every role
// directly assigned to deviceID, i.e. the device's effective permission set
// (spec.md §3 "Role": "Permission set of a device is the union over the
// role's ancestry chain").
func (m *Manager) PermissionSet(ctx context.Context, deviceID string) ([]string, error) {
	direct, err := m.RolesOf(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	union := make(map[string]bool)
	for _, roleName := range direct {
		chain, err := m.InheritedRoleIDs(ctx, roleName)
		if err != nil {
			return nil, err
		}
		for _, r := range chain {
			union[r] = true
		}
	}

	out := make([]string, 0, len(union))
	for r := range union {
		out = append(out, r)
	}
	return out, nil
}
