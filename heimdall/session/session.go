// Package session implements the L2 Session Manager of spec.md §4.7:
// session lifecycle over heimdall/identity's Storage, grounded on this
// codebase's session/manager package shape (a thin manager over a repo
// interface, config knobs as struct fields with sane defaults) generalized
// from a single OIDC login session to a device/user session with an idle
// timeout.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heimdallr-mesh/fabric/heimdall/identity"
	"github.com/heimdallr-mesh/fabric/pkg/clock"
)

// Config tunes session lifetime. Zero-value Config uses DefaultTTL and
// DefaultIdleTimeout.
type Config struct {
	TTL         time.Duration
	IdleTimeout time.Duration
	NewID       func() string
}

const (
	// DefaultTTL is the absolute session lifetime.
	DefaultTTL = 12 * time.Hour
	// DefaultIdleTimeout is the maximum gap between activity updates before
	// a session is considered inactive even if not expired.
	DefaultIdleTimeout = 30 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.NewID == nil {
		c.NewID = identity.NewID
	}
	return c
}

// Manager creates and maintains Sessions over an identity.Storage.
type Manager struct {
	store identity.Storage
	clock clock.Clock
	cfg   Config
}

// New returns a session Manager.
func New(store identity.Storage, clk clock.Clock, cfg Config) *Manager {
	return &Manager{store: store, clock: clk, cfg: cfg.withDefaults()}
}

// Create starts a new session for deviceID/userID with TTL from Config. The
// optional context parameter (spec.md §4.7 "optional context") is reserved
// for the hijack detector's context-delta signal and is not yet persisted
// on the Session itself; callers that need it pass it directly to the
// Detector.
func (m *Manager) Create(ctx context.Context, deviceID, userID string) (identity.Session, error) {
	now := m.clock.Now().UTC()
	s := identity.Session{
		SessionID:    m.cfg.NewID(),
		DeviceID:     deviceID,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.cfg.TTL),
		IsActive:     true,
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return identity.Session{}, fmt.Errorf("session: create: %w", err)
	}
	return s, nil
}

// UpdateActivity bumps last_activity to now.
func (m *Manager) UpdateActivity(ctx context.Context, sessionID string) error {
	now := m.clock.Now().UTC()
	return m.store.UpdateSession(ctx, sessionID, func(s identity.Session) (identity.Session, error) {
		s.LastActivity = now
		return s, nil
	})
}

// Deactivate sets is_active = false.
func (m *Manager) Deactivate(ctx context.Context, sessionID string) error {
	return m.store.UpdateSession(ctx, sessionID, func(s identity.Session) (identity.Session, error) {
		s.IsActive = false
		return s, nil
	})
}

// Get returns the stored Session unchanged.
func (m *Manager) Get(ctx context.Context, sessionID string) (identity.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// ActiveSessionsByDevice returns sessions for deviceID that are currently
// IsActive per the stored record (not re-evaluated against now).
func (m *Manager) ActiveSessionsByDevice(ctx context.Context, deviceID string) ([]identity.Session, error) {
	all, err := m.store.ListSessionsByDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	out := make([]identity.Session, 0, len(all))
	for _, s := range all {
		if s.IsActive {
			out = append(out, s)
		}
	}
	return out, nil
}

// IsActive reports whether s is active right now: is_active, not expired,
// and not idle beyond idleTimeout (spec.md §4.7).
func (m *Manager) IsActive(s identity.Session, idleTimeout time.Duration) bool {
	now := m.clock.Now().UTC()
	return s.IsActive &&
		now.Before(s.ExpiresAt) &&
		now.Sub(s.LastActivity) < idleTimeout
}

// ErrUnknownSession is not returned by Manager or Detector: a lookup of a
// session id that does not exist fails with the storage's
// identity.ErrNotFound.
var ErrUnknownSession = errors.New("session: unknown session")
