package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/heimdallr-mesh/fabric/heimdall/identity"
	"github.com/heimdallr-mesh/fabric/pkg/clock"
)

// Signal names a hijack detector observation (spec.md §4.7, GLOSSARY
// "Hijack signal").
type Signal string

const (
	SignalCrossUserCollision Signal = "cross_user_collision"
	SignalRateSpike          Signal = "rate_spike"
	SignalContextDelta       Signal = "context_delta"
	SignalClockRewind        Signal = "clock_rewind"
)

// AuditSink receives security events. The detector depends on this
// interface rather than importing the audit package directly, so
// heimdall/session has no dependency on the bifrost layer above it.
type AuditSink interface {
	SecurityEvent(ctx context.Context, kind string, detail string)
}

// DetectorConfig tunes the hijack detector's thresholds.
type DetectorConfig struct {
	// RateWindow and RateLimit bound how many update_activity calls a
	// single session may see within RateWindow before signaling a rate
	// spike.
	RateWindow time.Duration
	RateLimit  int
}

const (
	DefaultRateWindow = time.Second
	DefaultRateLimit  = 10
)

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.RateWindow <= 0 {
		c.RateWindow = DefaultRateWindow
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	return c
}

// Detector watches sessions for the three signals spec.md §4.7 names:
// cross-user collision, activity rate spikes, and context deltas
// (including clock rewind, a context delta this implementation tracks
// explicitly since every session carries a last_activity timestamp).
type Detector struct {
	store  identity.Storage
	clock  clock.Clock
	cfg    DetectorConfig
	audit  AuditSink
	mu     sync.Mutex
	recent map[string][]time.Time // sessionID -> recent activity timestamps
}

// NewDetector returns a Detector. audit may be nil, in which case
// detected hijacks are revoked silently (useful in tests).
func NewDetector(store identity.Storage, clk clock.Clock, cfg DetectorConfig, audit AuditSink) *Detector {
	return &Detector{
		store:  store,
		clock:  clk,
		cfg:    cfg.withDefaults(),
		audit:  audit,
		recent: make(map[string][]time.Time),
	}
}

// RecordActivity is called alongside Manager.UpdateActivity so the
// detector can evaluate the rate-spike and clock-rewind signals. lastSeen
// is the session's last_activity value before this update.
func (d *Detector) RecordActivity(sessionID string, lastSeen time.Time) []Signal {
	now := d.clock.Now().UTC()
	d.mu.Lock()
	defer d.mu.Unlock()

	var signals []Signal
	if now.Before(lastSeen) {
		signals = append(signals, SignalClockRewind)
	}

	cutoff := now.Add(-d.cfg.RateWindow)
	kept := d.recent[sessionID][:0]
	for _, ts := range d.recent[sessionID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	d.recent[sessionID] = kept

	if len(kept) > d.cfg.RateLimit {
		signals = append(signals, SignalRateSpike)
	}
	return signals
}

// DetectCrossUserCollision reports whether more than one distinct user_id
// has an active session on deviceID concurrently.
func (d *Detector) DetectCrossUserCollision(ctx context.Context, deviceID string) (bool, error) {
	sessions, err := d.store.ListSessionsByDevice(ctx, deviceID)
	if err != nil {
		return false, err
	}
	now := d.clock.Now().UTC()
	users := make(map[string]struct{})
	for _, s := range sessions {
		if s.IsActive && now.Before(s.ExpiresAt) {
			users[s.UserID] = struct{}{}
		}
	}
	return len(users) > 1, nil
}

// DetectAnomalies checks sessionID for a cross-user collision on its device
// and for a rate spike in the activity RecordActivity has recorded, and
// returns the set observed. Clock rewind is not checked here; only
// RecordActivity reports it. A caller-supplied context delta (e.g. a
// changed source address) can be folded in via extraSignals.
func (d *Detector) DetectAnomalies(ctx context.Context, sessionID string, extraSignals ...Signal) ([]Signal, error) {
	s, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var signals []Signal
	collision, err := d.DetectCrossUserCollision(ctx, s.DeviceID)
	if err != nil {
		return nil, err
	}
	if collision {
		signals = append(signals, SignalCrossUserCollision)
	}

	d.mu.Lock()
	recentCount := len(d.recent[sessionID])
	d.mu.Unlock()
	if recentCount > d.cfg.RateLimit {
		signals = append(signals, SignalRateSpike)
	}

	signals = append(signals, extraSignals...)
	return signals, nil
}

// RevokeSessionOnHijacking deactivates sessionID, marks every TokenRecord
// issued to its device during the session's lifetime as revoked, and
// reports the event to the audit sink (spec.md §4.7, §8 "Hijack revoke").
func (d *Detector) RevokeSessionOnHijacking(ctx context.Context, sessionID string, signals []Signal) error {
	var s identity.Session
	err := d.store.UpdateSession(ctx, sessionID, func(cur identity.Session) (identity.Session, error) {
		s = cur
		cur.IsActive = false
		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("session: revoke on hijacking: %w", err)
	}

	tokens, err := d.store.ListTokenRecordsByDevice(ctx, s.DeviceID)
	if err != nil {
		return fmt.Errorf("session: list tokens for revocation: %w", err)
	}
	for _, t := range tokens {
		if t.IssuedAt.Before(s.CreatedAt) || t.IssuedAt.After(s.ExpiresAt) {
			continue
		}
		if err := d.store.UpdateTokenRecord(ctx, t.TokenID, func(cur identity.TokenRecord) (identity.TokenRecord, error) {
			cur.IsRevoked = true
			return cur, nil
		}); err != nil {
			return fmt.Errorf("session: revoke token %s: %w", t.TokenID, err)
		}
	}

	if d.audit != nil {
		d.audit.SecurityEvent(ctx, "HIJACKING", fmt.Sprintf("session=%s device=%s signals=%v", sessionID, s.DeviceID, signals))
	}
	return nil
}
