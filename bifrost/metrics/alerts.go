package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/heimdallr-mesh/fabric/pkg/clock"
	"github.com/heimdallr-mesh/fabric/pkg/log"
)

// Alert is one threshold breach (spec.md §4.15 "PerformanceAlert{kind, message}").
type Alert struct {
	Kind    string
	Message string
}

// Threshold evaluates a Snapshot and reports whether it is currently
// breached, and the message to alert with if so.
type Threshold struct {
	Kind  string
	Check func(Snapshot) (breached bool, message string)
}

// Evaluator ticks on its own interval and diffs against the last-seen
// breach state per threshold, so a still-breached threshold alerts once on
// transition rather than every tick (original_source/bifrost/src/utils/metrics.rs;
// not in spec.md's text, recorded as an Open Question resolution in
// DESIGN.md since a naive "evaluate every tick" re-alert would be spam).
type Evaluator struct {
	state  *State
	clock  clock.Clock
	logger log.Logger
	emit   func(Alert)

	mu         sync.Mutex
	thresholds []Threshold
	breached   map[string]bool
}

// NewEvaluator returns an Evaluator over state. emit is called once per
// breach transition (ok -> breached); it is never called again for the
// same threshold until it recovers and re-breaches.
func NewEvaluator(state *State, clk clock.Clock, logger log.Logger, emit func(Alert)) *Evaluator {
	return &Evaluator{
		state:    state,
		clock:    clk,
		logger:   logger,
		emit:     emit,
		breached: make(map[string]bool),
	}
}

// Register adds t to the set of thresholds evaluated on every Tick.
func (e *Evaluator) Register(t Threshold) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thresholds = append(e.thresholds, t)
}

// Tick evaluates every registered threshold once against the current
// Snapshot, emitting an Alert for each threshold whose breach state just
// transitioned from ok to breached.
func (e *Evaluator) Tick() {
	snap := e.state.Snapshot()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.thresholds {
		breached, message := t.Check(snap)
		was := e.breached[t.Kind]
		e.breached[t.Kind] = breached
		if breached && !was {
			e.emit(Alert{Kind: t.Kind, Message: message})
		}
	}
}

// Run ticks every interval until ctx is canceled. Like every background
// loop in this module, a panic-free evaluation never crashes the process;
// Tick itself cannot fail (Threshold.Check returns no error), so there is
// nothing to recover from here beyond the loop exiting on cancellation.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration) {
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.Tick()
		}
	}
}
