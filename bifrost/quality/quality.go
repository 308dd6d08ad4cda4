// Package quality implements the L3 Quality Monitor and Quality-Based
// Router of spec.md §4.11: a bounded latency window plus success/failure
// counters per connection, a blended score, and a router that fails over
// to QualityDegraded when every connection to a target is degraded.
// Grounded on original_source/bifrost/src/routing/quality.rs's
// ConnectionState/ConnectionQualityMonitor/QualityBasedRouter shape,
// translated from a VecDeque-backed ring to a Go slice-backed ring.
package quality

import (
	"errors"
	"sync"

	"github.com/heimdallr-mesh/fabric/bifrost/message"
)

// ErrQualityDegraded is returned when every connection known for a
// target device is degraded.
var ErrQualityDegraded = errors.New("quality: all connections degraded")

const (
	// DefaultWindowSize bounds the latency ring per connection.
	DefaultWindowSize = 50
	// DefaultMaxLatencyMS is the latency at which latency_factor reaches 0.
	DefaultMaxLatencyMS = 1000
	// DefaultDegradationThreshold is the score below which a connection is degraded.
	DefaultDegradationThreshold = 50
	// DefaultLatencyWeight blends latency_factor against reliability in the
	// score formula; spec.md's SPEC_FULL supplement makes this configurable
	// instead of hardcoding 0.5 in both terms.
	DefaultLatencyWeight = 0.5

	maxScore = 100
)

// Config tunes a Monitor.
type Config struct {
	WindowSize           int
	MaxLatencyMS         int64
	DegradationThreshold int
	LatencyWeight        float64
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.MaxLatencyMS <= 0 {
		c.MaxLatencyMS = DefaultMaxLatencyMS
	}
	if c.DegradationThreshold <= 0 {
		c.DegradationThreshold = DefaultDegradationThreshold
	}
	if c.LatencyWeight <= 0 {
		c.LatencyWeight = DefaultLatencyWeight
	}
	return c
}

type connState struct {
	latencies []int64 // milliseconds, ring buffer
	successes uint64
	failures  uint64
}

func (s *connState) addLatency(ms int64, window int) {
	s.latencies = append(s.latencies, ms)
	if len(s.latencies) > window {
		s.latencies = s.latencies[len(s.latencies)-window:]
	}
}

func (s *connState) avgLatencyMS() int64 {
	if len(s.latencies) == 0 {
		return 0
	}
	var sum int64
	for _, l := range s.latencies {
		sum += l
	}
	return sum / int64(len(s.latencies))
}

func (s *connState) score(cfg Config) int {
	total := s.successes + s.failures

	latencyFactor := 1.0
	if len(s.latencies) > 0 && cfg.MaxLatencyMS > 0 {
		ratio := float64(s.avgLatencyMS()) / float64(cfg.MaxLatencyMS)
		latencyFactor = 1.0 - minF(ratio, 1.0)
		latencyFactor = maxF(latencyFactor, 0.0)
	}

	reliability := 1.0
	if total > 0 {
		reliability = 1.0 - float64(s.failures)/float64(total)
	}

	combined := cfg.LatencyWeight*latencyFactor + (1.0-cfg.LatencyWeight)*reliability
	return int(float64(maxScore)*combined + 0.5)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Snapshot reports a connection's current quality.
type Snapshot struct {
	AvgLatencyMS int64
	Score        int
	Successes    uint64
	Failures     uint64
}

// Monitor tracks per-connection latency and reliability and derives a
// quality score (spec.md §4.11).
type Monitor struct {
	cfg Config

	mu    sync.Mutex
	state map[string]*connState
}

// NewMonitor returns a Monitor.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{cfg: cfg.withDefaults(), state: make(map[string]*connState)}
}

func (m *Monitor) entry(connectionID string) *connState {
	s, ok := m.state[connectionID]
	if !ok {
		s = &connState{}
		m.state[connectionID] = s
	}
	return s
}

// RecordLatency appends a latency sample for connectionID.
func (m *Monitor) RecordLatency(connectionID string, ms int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(connectionID).addLatency(ms, m.cfg.WindowSize)
}

// RecordSuccess increments connectionID's success counter.
func (m *Monitor) RecordSuccess(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(connectionID).successes++
}

// RecordFailure increments connectionID's failure counter, satisfying
// router.QualityRecorder.
func (m *Monitor) RecordFailure(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(connectionID).failures++
}

// Score returns connectionID's current quality score, or maxScore if no
// samples exist yet.
func (m *Monitor) Score(connectionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state[connectionID]
	if !ok {
		return maxScore
	}
	return s.score(m.cfg)
}

// IsDegraded reports whether connectionID's score is below the
// degradation threshold. An unknown connection is treated as degraded,
// pessimistically, per spec.md §4.11.
func (m *Monitor) IsDegraded(connectionID string) bool {
	m.mu.Lock()
	_, known := m.state[connectionID]
	m.mu.Unlock()
	if !known {
		return true
	}
	return m.Score(connectionID) < m.cfg.DegradationThreshold
}

// Snapshot returns connectionID's current quality, or false if unknown.
func (m *Monitor) Snapshot(connectionID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state[connectionID]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		AvgLatencyMS: s.avgLatencyMS(),
		Score:        s.score(m.cfg),
		Successes:    s.successes,
		Failures:     s.failures,
	}, true
}

// ConnectionLister resolves a device id to its live connection ids
// (satisfied by *connmgr.Manager).
type ConnectionLister interface {
	ListByDevice(deviceID string) []string
}

// Router is router.Router narrowed to the one method the quality router
// delegates to once a target is deemed healthy enough to try.
type Router interface {
	Route(m message.Message) error
}

// QualityRouter wraps a Router, failing with ErrQualityDegraded before
// ever attempting delivery to a target whose every known connection is
// degraded (spec.md §4.11, §9 Open Question (c): zero known connections
// is NoRoute, handled by the wrapped Router, not QualityDegraded here).
type QualityRouter struct {
	conns   ConnectionLister
	router  Router
	monitor *Monitor
}

// NewQualityRouter returns a QualityRouter.
func NewQualityRouter(conns ConnectionLister, router Router, monitor *Monitor) *QualityRouter {
	return &QualityRouter{conns: conns, router: router, monitor: monitor}
}

// Route fails fast with ErrQualityDegraded if target has at least one
// known connection and all of them are degraded; otherwise it delegates
// to the wrapped Router (which fails with its own ErrNoRoute when there
// are truly zero connections).
func (r *QualityRouter) Route(m message.Message) error {
	ids := r.conns.ListByDevice(m.TargetDeviceID)
	if len(ids) > 0 {
		allDegraded := true
		for _, id := range ids {
			if !r.monitor.IsDegraded(id) {
				allDegraded = false
				break
			}
		}
		if allDegraded {
			return ErrQualityDegraded
		}
	}
	return r.router.Route(m)
}
