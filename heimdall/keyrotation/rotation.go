// Package keyrotation implements time- and event-driven rotation of the
// keypairs held by heimdall/keystore, with a grace period during which both
// the current and the just-deprecated key verify signatures (spec.md §4.2).
package keyrotation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/heimdallr-mesh/fabric/heimdall/keystore"
	"github.com/heimdallr-mesh/fabric/pkg/clock"
	"github.com/heimdallr-mesh/fabric/pkg/log"
)

const deprecatedSuffix = ".deprecated"

// Config controls rotation cadence.
type Config struct {
	// RotationInterval is how long a key stays current before should_rotate
	// reports true.
	RotationInterval time.Duration
	// GracePeriod is how long a deprecated key keeps validating signatures
	// after it stops being current.
	GracePeriod time.Duration
}

// Manager rotates keys stored in a keystore.Store.
type Manager struct {
	store  keystore.Store
	clock  clock.Clock
	cfg    Config
	logger log.Logger
}

// New returns a rotation manager over store.
func New(store keystore.Store, clk clock.Clock, cfg Config, logger log.Logger) *Manager {
	return &Manager{store: store, clock: clk, cfg: cfg, logger: logger}
}

// ShouldRotate reports whether id has no current key, or its current key is
// older than the configured rotation interval.
func (m *Manager) ShouldRotate(id string) (bool, error) {
	_, err := m.store.Load(id)
	if errors.Is(err, keystore.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	rotatedAt, ok, err := m.store.RotatedAt(id)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return m.clock.Now().Sub(rotatedAt) >= m.cfg.RotationInterval, nil
}

// Rotate copies the current key (if any) to id.deprecated, generates a fresh
// keypair into id, and records the rotation time. It is a no-op if
// should_rotate(id) is false.
func (m *Manager) Rotate(id string) error {
	should, err := m.ShouldRotate(id)
	if err != nil {
		return fmt.Errorf("keyrotation: check rotation for %q: %w", id, err)
	}
	if !should {
		return nil
	}

	if _, err := m.store.Load(id); err == nil {
		if err := m.store.Copy(id, id+deprecatedSuffix); err != nil {
			return fmt.Errorf("keyrotation: demote current key for %q: %w", id, err)
		}
	} else if !errors.Is(err, keystore.ErrNotFound) {
		return fmt.Errorf("keyrotation: load current key for %q: %w", id, err)
	}

	pub, sec, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("keyrotation: generate key for %q: %w", id, err)
	}
	now := m.clock.Now()
	if err := m.store.StoreKey(keystore.KeyPair{ID: id, Public: pub, Secret: sec}); err != nil {
		return fmt.Errorf("keyrotation: store new key for %q: %w", id, err)
	}
	if err := m.store.SetRotatedAt(id, now); err != nil {
		return fmt.Errorf("keyrotation: record rotation time for %q: %w", id, err)
	}
	m.logger.Infof("keyrotation: rotated key %q", id)
	return nil
}

// GetCurrent returns the current keypair for id, if any.
func (m *Manager) GetCurrent(id string) (keystore.KeyPair, bool, error) {
	kp, err := m.store.Load(id)
	if errors.Is(err, keystore.ErrNotFound) {
		return keystore.KeyPair{}, false, nil
	}
	if err != nil {
		return keystore.KeyPair{}, false, err
	}
	return kp, true, nil
}

// GetDeprecated returns the deprecated keypair for id, if any.
func (m *Manager) GetDeprecated(id string) (keystore.KeyPair, bool, error) {
	return m.GetCurrent(id + deprecatedSuffix)
}

// CleanupDeprecated removes id's deprecated keypair once the grace period
// since id's last rotation has elapsed.
func (m *Manager) CleanupDeprecated(id string) error {
	rotatedAt, ok, err := m.store.RotatedAt(id)
	if err != nil {
		return fmt.Errorf("keyrotation: read rotation marker for %q: %w", id, err)
	}
	if !ok {
		return nil
	}
	if m.clock.Now().Sub(rotatedAt) < m.cfg.GracePeriod {
		return nil
	}
	if err := m.store.Remove(id + deprecatedSuffix); err != nil {
		return fmt.Errorf("keyrotation: remove deprecated key for %q: %w", id, err)
	}
	return nil
}

// Run rotates and cleans up every id in ids immediately, then on every tick
// until ctx is canceled. Like a typical startKeyRotation loop, a failed
// rotation is logged and never crashes the process (spec.md §7, background
// loops).
func (m *Manager) Run(ctx context.Context, ids []string, tick time.Duration) {
	sweep := func() {
		for _, id := range ids {
			if err := m.Rotate(id); err != nil {
				m.logger.Errorf("keyrotation: rotate %q: %v", id, err)
				continue
			}
			if err := m.CleanupDeprecated(id); err != nil {
				m.logger.Errorf("keyrotation: cleanup %q: %v", id, err)
			}
		}
	}

	sweep()
	ticker := m.clock.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			sweep()
		}
	}
}
