// Package pool manages per-system adapter connection pools: bounded size
// with FIFO waiters, per-connection health tracking, periodic health checks
// and idle cleanup, and retry-with-breaker execution.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
	"github.com/nineking424/nificdc-sub004/internal/events"
	"github.com/nineking424/nificdc-sub004/internal/logger"
	"github.com/nineking424/nificdc-sub004/pkg/adapter"
)

// ErrPoolClosed is returned for operations on a closed pool.
var ErrPoolClosed = errors.New("connection pool is closed")

// Consecutive failure thresholds: a connection stops being served after
// unhealthyAfter failures and is destroyed by the health sweep after
// destroyAfter.
const (
	unhealthyAfter = 3
	destroyAfter   = 5
)

// Config tunes one pool. Zero values fall back to defaults.
type Config struct {
	MinConnections      int           `json:"minConnections" yaml:"minConnections"`
	MaxConnections      int           `json:"maxConnections" yaml:"maxConnections"`
	AcquireTimeout      time.Duration `json:"acquireTimeout" yaml:"acquireTimeout"`
	IdleTimeout         time.Duration `json:"idleTimeout" yaml:"idleTimeout"`
	HealthCheckInterval time.Duration `json:"healthCheckInterval" yaml:"healthCheckInterval"`
	MaxRetries          int           `json:"maxRetries" yaml:"maxRetries"`
	RetryDelay          time.Duration `json:"retryDelay" yaml:"retryDelay"`
}

func (c Config) withDefaults() Config {
	if c.MinConnections <= 0 {
		c.MinConnections = 2
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = time.Minute
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// Validate rejects inconsistent configurations.
func (c Config) Validate() error {
	if c.MinConnections < 0 {
		return errors.New("minConnections must be >= 0")
	}
	if c.MaxConnections > 0 && c.MinConnections > c.MaxConnections {
		return fmt.Errorf("minConnections %d exceeds maxConnections %d", c.MinConnections, c.MaxConnections)
	}
	return nil
}

// Factory creates an unconnected adapter for the pool's system; the pool
// connects it.
type Factory func(ctx context.Context) (adapter.Adapter, error)

// ConnectedEvent is emitted on connected when a pooled connection is
// established.
type ConnectedEvent struct {
	SystemID     string `json:"systemId"`
	ConnectionID string `json:"connectionId"`
}

// DisconnectedEvent is emitted on disconnected when a pooled connection is
// destroyed.
type DisconnectedEvent struct {
	SystemID     string `json:"systemId"`
	ConnectionID string `json:"connectionId"`
	Reason       string `json:"reason"`
}

// Stats is a point-in-time pool snapshot.
type Stats struct {
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Unhealthy int    `json:"unhealthy"`
	Waiting   int    `json:"waiting"`
	Created   uint64 `json:"created"`
	Destroyed uint64 `json:"destroyed"`
	Timeouts  uint64 `json:"timeouts"`
}

// Conn is a pooled connection.
type Conn struct {
	id      string
	adapter adapter.Adapter
	created time.Time

	// guarded by the owning pool's mutex
	lastUsed time.Time
	failures int
	healthy  bool
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Adapter returns the underlying adapter.
func (c *Conn) Adapter() adapter.Adapter { return c.adapter }

// Pool is a bounded connection pool for one system.
type Pool struct {
	systemID string
	cfg      Config
	factory  Factory
	emitter  *events.Emitter
	breaker  *errhandling.Breaker

	mu         sync.Mutex
	idle       []*Conn // healthy, servable; oldest first
	quarantine []*Conn // unhealthy, awaiting health verdicts
	active     map[string]*Conn
	waiters    *list.List // of chan *Conn
	creating   int
	checking   int // connections held out of the lists by a health probe
	closed     bool
	created    uint64
	destroyed  uint64
	timeouts   uint64
	lastHealth time.Time
}

// New creates a pool. The emitter may be nil; the breaker must not be.
func New(systemID string, cfg Config, factory Factory, breaker *errhandling.Breaker, emitter *events.Emitter) (*Pool, error) {
	if systemID == "" {
		return nil, errors.New("pool requires a system id")
	}
	if factory == nil {
		return nil, errors.New("pool requires a connection factory")
	}
	if breaker == nil {
		return nil, errors.New("pool requires a breaker")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pool{
		systemID:   systemID,
		cfg:        cfg.withDefaults(),
		factory:    factory,
		emitter:    emitter,
		breaker:    breaker,
		active:     make(map[string]*Conn),
		waiters:    list.New(),
		lastHealth: time.Now(),
	}, nil
}

// SystemID returns the system this pool serves.
func (p *Pool) SystemID() string { return p.systemID }

// Breaker returns the pool's dedicated circuit breaker.
func (p *Pool) Breaker() *errhandling.Breaker { return p.breaker }

// Acquire returns a healthy idle connection, creates one while under
// MaxConnections, or parks the caller FIFO until a connection is released.
// Parked callers time out after AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		conn.lastUsed = time.Now()
		p.active[conn.id] = conn
		p.mu.Unlock()
		return conn, nil
	}
	if p.totalLocked() < p.cfg.MaxConnections {
		p.creating++
		p.mu.Unlock()
		return p.create(ctx)
	}
	ch := make(chan *Conn, 1)
	elem := p.waiters.PushBack(ch)
	p.mu.Unlock()

	return p.waitForConn(ctx, ch, elem)
}

// totalLocked counts every connection the pool accounts for.
func (p *Pool) totalLocked() int {
	return len(p.idle) + len(p.quarantine) + len(p.active) + p.creating + p.checking
}

func (p *Pool) create(ctx context.Context) (*Conn, error) {
	a, err := p.factory(ctx)
	if err == nil {
		err = a.Connect(ctx)
	}

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool %s: connect: %w", p.systemID, err)
	}
	conn := &Conn{
		id:       uuid.NewString(),
		adapter:  a,
		created:  time.Now(),
		lastUsed: time.Now(),
		healthy:  true,
	}
	if p.closed {
		p.mu.Unlock()
		p.disconnect(conn, "pool closed")
		return nil, ErrPoolClosed
	}
	p.active[conn.id] = conn
	p.created++
	p.mu.Unlock()

	p.emit(events.Connected, ConnectedEvent{SystemID: p.systemID, ConnectionID: conn.id})
	return conn, nil
}

func (p *Pool) waitForConn(ctx context.Context, ch chan *Conn, elem *list.Element) (*Conn, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case conn := <-ch:
		if conn == nil {
			return nil, ErrPoolClosed
		}
		return conn, nil
	case <-timer.C:
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.timeouts++
		p.mu.Unlock()
		p.recoverHandoff(ch)
		return nil, errhandling.NewTimeoutError(
			fmt.Sprintf("pool %s: acquire timed out after %s", p.systemID, p.cfg.AcquireTimeout), nil)
	case <-ctx.Done():
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.mu.Unlock()
		p.recoverHandoff(ch)
		return nil, ctx.Err()
	}
}

// recoverHandoff returns a connection that raced onto the waiter channel
// after the waiter gave up.
func (p *Pool) recoverHandoff(ch chan *Conn) {
	select {
	case conn := <-ch:
		if conn != nil {
			p.Release(conn)
		}
	default:
	}
}

// Release returns a connection to the pool. Healthy connections go to the
// head waiter first, then to the idle list; unhealthy ones are quarantined
// for the health sweep.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.active[conn.id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, conn.id)
	conn.lastUsed = time.Now()

	if p.closed {
		p.destroyed++
		p.mu.Unlock()
		p.disconnect(conn, "pool closed")
		return
	}
	if !conn.healthy {
		p.quarantine = append(p.quarantine, conn)
		p.mu.Unlock()
		return
	}
	p.reinsertLocked(conn)
}

// reinsertLocked hands a healthy connection to the head waiter or appends it
// to the idle list. The pool mutex must be held; it is released before
// returning.
func (p *Pool) reinsertLocked(conn *Conn) {
	if p.closed {
		p.destroyed++
		p.mu.Unlock()
		p.disconnect(conn, "pool closed")
		return
	}
	if elem := p.waiters.Front(); elem != nil {
		p.waiters.Remove(elem)
		ch := elem.Value.(chan *Conn)
		p.active[conn.id] = conn
		p.mu.Unlock()
		ch <- conn
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// MarkFailure records a consecutive failure on the connection; at the
// unhealthy threshold it stops being served.
func (p *Pool) MarkFailure(conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn.failures++
	if conn.failures >= unhealthyAfter && conn.healthy {
		conn.healthy = false
		logger.Logger.Warn("connection marked unhealthy",
			"pool", p.systemID,
			"connection", conn.id,
			"consecutiveFailures", conn.failures)
	}
}

// MarkSuccess resets the connection's failure streak.
func (p *Pool) MarkSuccess(conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn.failures = 0
	conn.healthy = true
}

// ExecuteWithRetry acquires a connection and runs op inside the pool's
// breaker, retrying transient failures with exponential backoff. An open
// breaker fails fast; non-retryable failures return immediately with their
// classification.
func (p *Pool) ExecuteWithRetry(ctx context.Context, name string, op func(ctx context.Context, a adapter.Adapter) error) error {
	policy := errhandling.RetryPolicy{
		MaxRetries:   p.cfg.MaxRetries,
		InitialDelay: p.cfg.RetryDelay,
		Backoff:      errhandling.BackoffExponential,
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(policy.Delay(attempt - 1)):
			}
			logger.Logger.Debug("retrying operation",
				"pool", p.systemID,
				"op", name,
				"attempt", attempt+1)
		}

		conn, err := p.Acquire(ctx)
		if err == nil {
			err = p.breaker.Do(ctx, func(ctx context.Context) error {
				return op(ctx, conn.Adapter())
			})
			if err == nil {
				p.MarkSuccess(conn)
				p.Release(conn)
				return nil
			}
			if !errors.Is(err, errhandling.ErrCircuitOpen) {
				p.MarkFailure(conn)
			}
			p.Release(conn)
		}
		if errors.Is(err, errhandling.ErrCircuitOpen) {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrPoolClosed) {
			return err
		}

		ce := errhandling.Classify(err)
		if !ce.Retryable() {
			logger.Logger.Warn("operation failed permanently",
				"pool", p.systemID,
				"op", name,
				"type", ce.Type,
				"error", err)
			return ce
		}
		lastErr = ce
	}
	return fmt.Errorf("pool %s: %s failed after %d retries: %w", p.systemID, name, policy.MaxRetries, lastErr)
}

// HealthCheck probes idle and quarantined connections. A passing probe
// restores the connection to service; quarantined connections reaching the
// destroy threshold are disconnected.
func (p *Pool) HealthCheck(ctx context.Context) {
	p.mu.Lock()
	checking := append(append([]*Conn(nil), p.idle...), p.quarantine...)
	p.idle = nil
	p.quarantine = nil
	p.checking = len(checking)
	p.lastHealth = time.Now()
	p.mu.Unlock()

	for _, conn := range checking {
		err := conn.adapter.TestConnection(ctx)

		p.mu.Lock()
		p.checking--
		if p.closed {
			p.destroyed++
			p.mu.Unlock()
			p.disconnect(conn, "pool closed")
			continue
		}
		if err != nil {
			conn.failures++
			if conn.failures >= unhealthyAfter {
				conn.healthy = false
			}
			if conn.failures >= destroyAfter {
				p.destroyed++
				p.mu.Unlock()
				p.disconnect(conn, "failed health checks")
				continue
			}
			if !conn.healthy {
				p.quarantine = append(p.quarantine, conn)
				p.mu.Unlock()
				continue
			}
			// Below the unhealthy threshold the connection keeps serving.
			p.reinsertLocked(conn)
			continue
		}
		conn.failures = 0
		conn.healthy = true
		p.reinsertLocked(conn)
	}
}

// SweepIdle destroys connections idle beyond IdleTimeout while keeping at
// least MinConnections in the pool.
func (p *Pool) SweepIdle() {
	now := time.Now()

	p.mu.Lock()
	var drop []*Conn
	for len(p.idle) > 0 && p.totalLocked() > p.cfg.MinConnections {
		oldest := p.idle[0]
		if now.Sub(oldest.lastUsed) <= p.cfg.IdleTimeout {
			break
		}
		p.idle = p.idle[1:]
		p.destroyed++
		drop = append(drop, oldest)
	}
	p.mu.Unlock()

	for _, conn := range drop {
		p.disconnect(conn, "idle timeout")
	}
}

// Maintain runs the periodic upkeep: a health check when
// HealthCheckInterval has elapsed, and an idle sweep every call.
func (p *Pool) Maintain(ctx context.Context) {
	p.mu.Lock()
	due := time.Since(p.lastHealth) >= p.cfg.HealthCheckInterval
	p.mu.Unlock()
	if due {
		p.HealthCheck(ctx)
	}
	p.SweepIdle()
}

// WarmUp creates connections until MinConnections are available.
func (p *Pool) WarmUp(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		if p.totalLocked() >= p.cfg.MinConnections {
			p.mu.Unlock()
			return nil
		}
		p.creating++
		p.mu.Unlock()

		conn, err := p.create(ctx)
		if err != nil {
			return err
		}
		p.Release(conn)
	}
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:    len(p.active),
		Idle:      len(p.idle),
		Unhealthy: len(p.quarantine),
		Waiting:   p.waiters.Len(),
		Created:   p.created,
		Destroyed: p.destroyed,
		Timeouts:  p.timeouts,
	}
}

// Close rejects future acquires, fails parked waiters, and disconnects
// every idle connection. Active connections are destroyed as they are
// released.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for elem := p.waiters.Front(); elem != nil; elem = elem.Next() {
		elem.Value.(chan *Conn) <- nil
	}
	p.waiters.Init()
	drop := append(append([]*Conn(nil), p.idle...), p.quarantine...)
	p.idle = nil
	p.quarantine = nil
	p.destroyed += uint64(len(drop))
	p.mu.Unlock()

	var errs []error
	for _, conn := range drop {
		if err := conn.adapter.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", conn.id, err))
		}
		p.emit(events.Disconnected, DisconnectedEvent{SystemID: p.systemID, ConnectionID: conn.id, Reason: "pool closed"})
	}
	return errors.Join(errs...)
}

// disconnect destroys one connection and reports it.
func (p *Pool) disconnect(conn *Conn, reason string) {
	if err := conn.adapter.Disconnect(context.Background()); err != nil {
		logger.Logger.Warn("disconnect failed",
			"pool", p.systemID,
			"connection", conn.id,
			"error", err)
	}
	p.emit(events.Disconnected, DisconnectedEvent{SystemID: p.systemID, ConnectionID: conn.id, Reason: reason})
}

func (p *Pool) emit(event string, payload interface{}) {
	if p.emitter != nil {
		p.emitter.Emit(event, payload)
	}
}
