// Circuit breaker. Tracks request outcomes over a rolling window and stops
// calling a failing dependency once the failure rate crosses a threshold,
// probing again after a reset timeout.
package errhandling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState is a circuit breaker state.
type BreakerState int

const (
	// BreakerClosed passes requests through and records outcomes.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects requests until the reset timeout elapses.
	BreakerOpen

	// BreakerHalfOpen lets probe requests through; enough consecutive
	// successes close the breaker, any failure reopens it.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrCircuitOpen is returned by Allow and Do while the breaker rejects
// requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the failure rate in [0,1] that trips the
	// breaker. Defaults to 0.5.
	FailureThreshold float64

	// MinimumRequests is the number of windowed requests required before
	// the failure rate is evaluated. Defaults to 10.
	MinimumRequests int

	// ResetTimeout is how long the breaker stays open before probing.
	// Defaults to 60s.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// needed to close the breaker. Defaults to 3.
	SuccessThreshold int

	// WindowSize caps the rolling window to the last N requests.
	// Defaults to 100.
	WindowSize int

	// MonitoringPeriod bounds the age of windowed outcomes; older entries
	// are ignored when evaluating the failure rate and removed by
	// Cleanup. Defaults to 10m.
	MonitoringPeriod time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 0.5
	}
	if c.MinimumRequests <= 0 {
		c.MinimumRequests = 10
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 100
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = 10 * time.Minute
	}
	return c
}

type outcome struct {
	at      time.Time
	success bool
}

// BreakerStats are lifetime counters for a breaker.
type BreakerStats struct {
	TotalRequests    int64 `json:"totalRequests"`
	TotalFailures    int64 `json:"totalFailures"`
	TotalSuccesses   int64 `json:"totalSuccesses"`
	StateTransitions int64 `json:"stateTransitions"`
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	Name            string       `json:"name"`
	State           string       `json:"state"`
	WindowRequests  int          `json:"windowRequests"`
	WindowFailures  int          `json:"windowFailures"`
	WindowSuccesses int          `json:"windowSuccesses"`
	FailureRate     float64      `json:"failureRate"`
	LastFailure     time.Time    `json:"lastFailure,omitempty"`
	LastSuccess     time.Time    `json:"lastSuccess,omitempty"`
	OpenedAt        time.Time    `json:"openedAt,omitempty"`
	Stats           BreakerStats `json:"stats"`
}

// Breaker is a circuit breaker. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu                sync.Mutex
	state             BreakerState
	forced            bool
	window            []outcome
	halfOpenSuccesses int
	lastFailure       time.Time
	lastSuccess       time.Time
	openedAt          time.Time
	nextProbe         time.Time
	stats             BreakerStats
	onStateChange     func(name string, from, to BreakerState)
}

// NewBreaker creates a closed breaker with zero config fields defaulted.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: BreakerClosed,
	}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OnStateChange registers a callback invoked after every state transition.
// The callback runs outside the breaker's lock.
func (b *Breaker) OnStateChange(fn func(name string, from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow reports whether a request may proceed. It returns ErrCircuitOpen
// while the breaker is open; once the reset timeout has elapsed it moves to
// half-open and admits the request as a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	if b.state == BreakerOpen {
		if b.forced || time.Now().Before(b.nextProbe) {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		notify := b.transition(BreakerHalfOpen)
		b.halfOpenSuccesses = 0
		b.mu.Unlock()
		notify()
		return nil
	}
	b.mu.Unlock()
	return nil
}

// MarkSuccess records a successful request.
func (b *Breaker) MarkSuccess() {
	now := time.Now()
	b.mu.Lock()
	b.push(outcome{at: now, success: true})
	b.lastSuccess = now
	b.stats.TotalRequests++
	b.stats.TotalSuccesses++

	notify := func() {}
	if b.state == BreakerHalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			notify = b.transition(BreakerClosed)
			b.window = b.window[:0]
			b.halfOpenSuccesses = 0
		}
	}
	b.mu.Unlock()
	notify()
}

// MarkFailure records a failed request. A failure in half-open state reopens
// the breaker immediately; in closed state the breaker trips once the
// windowed failure rate crosses the threshold.
func (b *Breaker) MarkFailure() {
	now := time.Now()
	b.mu.Lock()
	b.push(outcome{at: now, success: false})
	b.lastFailure = now
	b.stats.TotalRequests++
	b.stats.TotalFailures++

	notify := func() {}
	switch b.state {
	case BreakerHalfOpen:
		notify = b.trip(now)
	case BreakerClosed:
		if b.shouldTrip(now) {
			notify = b.trip(now)
		}
	}
	b.mu.Unlock()
	notify()
}

// Do runs op through the breaker: it returns ErrCircuitOpen without calling
// op while the breaker rejects requests, and otherwise records op's outcome.
// Context cancellation is not counted as a dependency failure.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := op(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			b.MarkFailure()
		}
		return err
	}
	b.MarkSuccess()
	return nil
}

// ForceOpen opens the breaker until ForceClose is called; the reset timeout
// does not apply.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	b.forced = true
	notify := func() {}
	if b.state != BreakerOpen {
		notify = b.transition(BreakerOpen)
		b.openedAt = time.Now()
	}
	b.mu.Unlock()
	notify()
}

// ForceClose closes the breaker and clears the rolling window.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	b.forced = false
	notify := func() {}
	if b.state != BreakerClosed {
		notify = b.transition(BreakerClosed)
	}
	b.window = b.window[:0]
	b.halfOpenSuccesses = 0
	b.mu.Unlock()
	notify()
}

// Cleanup removes windowed outcomes older than the monitoring period and
// returns the number removed.
func (b *Breaker) Cleanup(now time.Time) int {
	cutoff := now.Add(-b.cfg.MonitoringPeriod)
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.window[:0]
	for _, o := range b.window {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	removed := len(b.window) - len(kept)
	b.window = kept
	return removed
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{
		Name:        b.name,
		State:       b.state.String(),
		LastFailure: b.lastFailure,
		LastSuccess: b.lastSuccess,
		OpenedAt:    b.openedAt,
		Stats:       b.stats,
	}
	cutoff := time.Now().Add(-b.cfg.MonitoringPeriod)
	for _, o := range b.window {
		if !o.at.After(cutoff) {
			continue
		}
		snap.WindowRequests++
		if o.success {
			snap.WindowSuccesses++
		} else {
			snap.WindowFailures++
		}
	}
	if snap.WindowRequests > 0 {
		snap.FailureRate = float64(snap.WindowFailures) / float64(snap.WindowRequests)
	}
	return snap
}

// push appends an outcome, keeping only the last WindowSize entries.
func (b *Breaker) push(o outcome) {
	b.window = append(b.window, o)
	if over := len(b.window) - b.cfg.WindowSize; over > 0 {
		b.window = b.window[over:]
	}
}

// shouldTrip evaluates the failure rate over outcomes within the monitoring
// period. Caller holds the lock.
func (b *Breaker) shouldTrip(now time.Time) bool {
	cutoff := now.Add(-b.cfg.MonitoringPeriod)
	requests, failures := 0, 0
	for _, o := range b.window {
		if !o.at.After(cutoff) {
			continue
		}
		requests++
		if !o.success {
			failures++
		}
	}
	if requests < b.cfg.MinimumRequests {
		return false
	}
	return float64(failures)/float64(requests) >= b.cfg.FailureThreshold
}

// trip opens the breaker and schedules the next probe. Caller holds the
// lock; the returned func notifies the state-change callback and must be
// called after unlocking.
func (b *Breaker) trip(now time.Time) func() {
	notify := b.transition(BreakerOpen)
	b.openedAt = now
	b.nextProbe = now.Add(b.cfg.ResetTimeout)
	b.halfOpenSuccesses = 0
	return notify
}

// transition moves to the given state. Caller holds the lock; the returned
// func notifies the state-change callback and must be called after
// unlocking.
func (b *Breaker) transition(to BreakerState) func() {
	from := b.state
	if from == to {
		return func() {}
	}
	b.state = to
	b.stats.StateTransitions++
	fn := b.onStateChange
	if fn == nil {
		return func() {}
	}
	name := b.name
	return func() { fn(name, from, to) }
}

// BreakerGroup manages named breakers sharing one config.
type BreakerGroup struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerGroup creates a group whose breakers share cfg.
func NewBreakerGroup(cfg BreakerConfig) *BreakerGroup {
	return &BreakerGroup{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// GetOrCreate returns the breaker for name, creating it if needed.
func (g *BreakerGroup) GetOrCreate(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, g.cfg)
	g.breakers[name] = b
	return b
}

// Snapshots returns a snapshot of every breaker in the group.
func (g *BreakerGroup) Snapshots() []BreakerSnapshot {
	g.mu.Lock()
	breakers := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		breakers = append(breakers, b)
	}
	g.mu.Unlock()

	snaps := make([]BreakerSnapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot())
	}
	return snaps
}

// CleanupAll trims stale window entries on every breaker and returns the
// total removed.
func (g *BreakerGroup) CleanupAll(now time.Time) int {
	g.mu.Lock()
	breakers := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		breakers = append(breakers, b)
	}
	g.mu.Unlock()

	total := 0
	for _, b := range breakers {
		total += b.Cleanup(now)
	}
	return total
}
