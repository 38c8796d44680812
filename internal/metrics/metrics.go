// Package metrics exposes engine, pool, and circuit breaker health as
// Prometheus collectors.
//
// Collectors live on a private registry so that embedders decide how the
// numbers leave the process:
//
//   - Per-mapping execution counters and a duration histogram, driven by the
//     engine's completion and error events.
//   - Result cache hit/miss counters read straight from the engine.
//   - Connection pool and breaker gauges sampled at scrape time.
//
// Cache-served executions return early and emit no completion event, so they
// show up in the cache counters rather than the execution counters.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nineking424/nificdc-sub004/internal/engine"
	"github.com/nineking424/nificdc-sub004/internal/errhandling"
	"github.com/nineking424/nificdc-sub004/internal/events"
	"github.com/nineking424/nificdc-sub004/internal/pool"
)

const (
	statusCompleted = "completed"
	statusFailed    = "failed"

	outcomeProcessed = "processed"
	outcomeFailed    = "failed"
)

// Config selects what the collector watches. Every field is optional: a nil
// Engine skips the cache counters, a nil Pool skips the gauges, and a nil
// Emitter leaves the execution counters to explicit Observe calls.
type Config struct {
	Engine  *engine.Engine
	Pool    *pool.Manager
	Emitter *events.Emitter

	// DurationBuckets overrides the execution histogram buckets.
	// Defaults to prometheus.DefBuckets.
	DurationBuckets []float64
}

// Collector owns a private Prometheus registry populated with mapping
// execution, cache, pool, and breaker metrics.
type Collector struct {
	reg *prometheus.Registry

	executions *prometheus.CounterVec   // mapping_executions_total
	records    *prometheus.CounterVec   // mapping_records_total
	duration   *prometheus.HistogramVec // mapping_execution_duration_seconds

	unsubscribe []func()
}

// New builds a collector on a fresh registry and, when cfg provides the
// sources, wires it to the engine's events, cache counters, and pool stats.
func New(cfg Config) (*Collector, error) {
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	reg := prometheus.NewRegistry()

	executions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapping_executions_total",
			Help: "Mapping executions partitioned by mapping id and final status.",
		},
		[]string{"mapping_id", "status"},
	)
	records := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapping_records_total",
			Help: "Records seen by completed executions, partitioned by mapping id and outcome.",
		},
		[]string{"mapping_id", "outcome"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mapping_execution_duration_seconds",
			Help:    "Wall-clock duration of completed mapping executions.",
			Buckets: buckets,
		},
		[]string{"mapping_id"},
	)

	if err := reg.Register(executions); err != nil {
		return nil, fmt.Errorf("metrics: register executions counter: %w", err)
	}
	if err := reg.Register(records); err != nil {
		return nil, fmt.Errorf("metrics: register records counter: %w", err)
	}
	if err := reg.Register(duration); err != nil {
		return nil, fmt.Errorf("metrics: register duration histogram: %w", err)
	}

	c := &Collector{
		reg:        reg,
		executions: executions,
		records:    records,
		duration:   duration,
	}

	if cfg.Engine != nil {
		if err := c.registerCacheCounters(cfg.Engine); err != nil {
			return nil, err
		}
	}
	if cfg.Pool != nil {
		if err := c.registerPoolGauges(cfg.Pool); err != nil {
			return nil, err
		}
	}
	if cfg.Emitter != nil {
		c.subscribe(cfg.Emitter)
	}
	return c, nil
}

// registerCacheCounters reads the engine's monotonic cache totals at scrape
// time. The engine counts result cache traffic only; cached calls never reach
// an executor.
func (c *Collector) registerCacheCounters(eng *engine.Engine) error {
	hits := prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "mapping_cache_hits_total",
			Help: "Executions served from the engine's result cache.",
		},
		func() float64 { return float64(eng.Metrics().CacheHits) },
	)
	misses := prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "mapping_cache_misses_total",
			Help: "Cacheable executions that missed the engine's result cache.",
		},
		func() float64 { return float64(eng.Metrics().CacheMisses) },
	)
	if err := c.reg.Register(hits); err != nil {
		return fmt.Errorf("metrics: register cache hit counter: %w", err)
	}
	if err := c.reg.Register(misses); err != nil {
		return fmt.Errorf("metrics: register cache miss counter: %w", err)
	}
	return nil
}

// registerPoolGauges samples the pool manager at scrape time. The connection
// gauges aggregate across systems; open_breakers counts pools whose breaker
// currently rejects work.
func (c *Collector) registerPoolGauges(mgr *pool.Manager) error {
	gauges := []struct {
		name, help string
		value      func() float64
	}{
		{
			name:  "mapping_pool_active_connections",
			help:  "Connections currently lent out across all pools.",
			value: func() float64 { return sumPoolStats(mgr, func(s pool.Stats) int { return s.Active }) },
		},
		{
			name:  "mapping_pool_idle_connections",
			help:  "Healthy connections parked in the pools.",
			value: func() float64 { return sumPoolStats(mgr, func(s pool.Stats) int { return s.Idle }) },
		},
		{
			name:  "mapping_pool_waiting_requests",
			help:  "Acquire calls blocked waiting for a free connection.",
			value: func() float64 { return sumPoolStats(mgr, func(s pool.Stats) int { return s.Waiting }) },
		},
		{
			name:  "mapping_pool_open_breakers",
			help:  "Pools whose circuit breaker is open.",
			value: func() float64 { return float64(openBreakers(mgr)) },
		},
	}
	for _, g := range gauges {
		fn := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: g.name, Help: g.help}, g.value)
		if err := c.reg.Register(fn); err != nil {
			return fmt.Errorf("metrics: register %s gauge: %w", g.name, err)
		}
	}
	return nil
}

func (c *Collector) subscribe(emitter *events.Emitter) {
	offComplete := emitter.On(events.MappingComplete, func(payload interface{}) {
		if ev, ok := payload.(engine.CompleteEvent); ok {
			c.ObserveCompletion(ev.MappingID, ev.ExecutionTime, ev.RecordsProcessed, ev.RecordsFailed)
		}
	})
	offError := emitter.On(events.MappingError, func(payload interface{}) {
		if ev, ok := payload.(engine.ErrorEvent); ok {
			c.ObserveFailure(ev.MappingID)
		}
	})
	c.unsubscribe = append(c.unsubscribe, offComplete, offError)
}

// ObserveCompletion records a finished execution. Emitter-wired collectors
// call this from the completion event; embedders without an emitter may call
// it directly.
func (c *Collector) ObserveCompletion(mappingID string, elapsed time.Duration, processed, failed int) {
	if c == nil || c.executions == nil {
		return
	}
	c.executions.WithLabelValues(mappingID, statusCompleted).Inc()
	c.duration.WithLabelValues(mappingID).Observe(elapsed.Seconds())
	if processed > 0 {
		c.records.WithLabelValues(mappingID, outcomeProcessed).Add(float64(processed))
	}
	if failed > 0 {
		c.records.WithLabelValues(mappingID, outcomeFailed).Add(float64(failed))
	}
}

// ObserveFailure records an execution that ended in an error.
func (c *Collector) ObserveFailure(mappingID string) {
	if c == nil || c.executions == nil {
		return
	}
	c.executions.WithLabelValues(mappingID, statusFailed).Inc()
}

// Registry returns the private registry holding every collector. It satisfies
// prometheus.Gatherer for callers that wire their own exposition.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Close detaches the collector from the event emitter. The registry and the
// numbers it already holds stay readable.
func (c *Collector) Close() {
	if c == nil {
		return
	}
	for _, off := range c.unsubscribe {
		off()
	}
	c.unsubscribe = nil
}

func sumPoolStats(mgr *pool.Manager, field func(pool.Stats) int) float64 {
	total := 0
	for _, s := range mgr.Stats() {
		total += field(s)
	}
	return float64(total)
}

func openBreakers(mgr *pool.Manager) int {
	n := 0
	for _, id := range mgr.Systems() {
		if p, ok := mgr.Pool(id); ok && p.Breaker().State() == errhandling.BreakerOpen {
			n++
		}
	}
	return n
}
