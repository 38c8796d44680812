package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
	"github.com/nineking424/nificdc-sub004/internal/events"
	"github.com/nineking424/nificdc-sub004/internal/logger"
	"github.com/nineking424/nificdc-sub004/internal/sched"
	"github.com/nineking424/nificdc-sub004/pkg/adapter"
)

// DefaultMaintainInterval is how often the manager's upkeep task runs when
// Attach is called with a non-positive interval. Each pool still applies its
// own HealthCheckInterval on top.
const DefaultMaintainInterval = 15 * time.Second

// ErrUnknownSystem is returned for operations against an unregistered
// system.
var ErrUnknownSystem = errors.New("no pool registered for system")

// Manager owns one pool per source or target system, each with a dedicated
// circuit breaker drawn from a shared group.
type Manager struct {
	emitter  *events.Emitter
	breakers *errhandling.BreakerGroup

	mu    sync.Mutex
	pools map[string]*Pool
}

// NewManager creates a manager whose pool breakers share breakerCfg.
func NewManager(emitter *events.Emitter, breakerCfg errhandling.BreakerConfig) *Manager {
	return &Manager{
		emitter:  emitter,
		breakers: errhandling.NewBreakerGroup(breakerCfg),
		pools:    make(map[string]*Pool),
	}
}

// Register creates the pool for systemID, or returns the existing one when
// already registered.
func (m *Manager) Register(systemID string, cfg Config, factory Factory) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[systemID]; ok {
		return p, nil
	}
	p, err := New(systemID, cfg, factory, m.breakers.GetOrCreate("pool."+systemID), m.emitter)
	if err != nil {
		return nil, err
	}
	m.pools[systemID] = p
	logger.Logger.Info("connection pool registered",
		"system", systemID,
		"minConnections", p.cfg.MinConnections,
		"maxConnections", p.cfg.MaxConnections)
	return p, nil
}

// Pool returns the pool for systemID.
func (m *Manager) Pool(systemID string) (*Pool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[systemID]
	return p, ok
}

// Systems returns the registered system ids, sorted.
func (m *Manager) Systems() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pools))
	for id := range m.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Acquire takes a connection from systemID's pool.
func (m *Manager) Acquire(ctx context.Context, systemID string) (*Conn, error) {
	p, ok := m.Pool(systemID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSystem, systemID)
	}
	return p.Acquire(ctx)
}

// Release returns a connection to systemID's pool.
func (m *Manager) Release(systemID string, conn *Conn) {
	if p, ok := m.Pool(systemID); ok {
		p.Release(conn)
	}
}

// ExecuteWithRetry runs op against systemID's pool with its retry policy
// and breaker.
func (m *Manager) ExecuteWithRetry(ctx context.Context, systemID, name string, op func(ctx context.Context, a adapter.Adapter) error) error {
	p, ok := m.Pool(systemID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSystem, systemID)
	}
	return p.ExecuteWithRetry(ctx, name, op)
}

// Maintain runs one upkeep pass over every pool. Pools registered after the
// runner started are still covered because the task snapshots the pool set
// on each tick.
func (m *Manager) Maintain(ctx context.Context) {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, p := range pools {
		if ctx.Err() != nil {
			return
		}
		p.Maintain(ctx)
	}
}

// Attach registers the upkeep task on the runner. Must be called before the
// runner starts.
func (m *Manager) Attach(r *sched.Runner, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultMaintainInterval
	}
	return r.Add("pool.maintain", interval, m.Maintain)
}

// Stats snapshots every pool.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	pools := make(map[string]*Pool, len(m.pools))
	for id, p := range m.pools {
		pools[id] = p
	}
	m.mu.Unlock()

	out := make(map[string]Stats, len(pools))
	for id, p := range pools {
		out[id] = p.Stats()
	}
	return out
}

// Shutdown closes every pool and drops them from the manager.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	var errs []error
	for id, p := range pools {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
