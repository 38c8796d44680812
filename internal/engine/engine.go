// Package engine executes declarative mappings over records. It compiles
// mapping definitions into pipelines, consults the optimizer for an
// execution strategy, drives the chosen executor under an execution
// context, and caches both compiled pipelines and execution results.
//
// An Engine is built from explicit collaborators via New and torn down
// with Shutdown; injected dependencies are borrowed and keep their own
// lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
	"github.com/nineking424/nificdc-sub004/internal/events"
	"github.com/nineking424/nificdc-sub004/internal/logger"
	"github.com/nineking424/nificdc-sub004/internal/optimizer"
	"github.com/nineking424/nificdc-sub004/internal/pipeline"
	"github.com/nineking424/nificdc-sub004/internal/pool"
	"github.com/nineking424/nificdc-sub004/internal/runtime"
	"github.com/nineking424/nificdc-sub004/internal/validation"
	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

// ErrClosed is returned for executions submitted after Shutdown.
var ErrClosed = errors.New("engine is shut down")

// MappingValidationError reports execution input the engine refuses to run:
// a missing or rule-less mapping definition, or data of an unusable shape.
type MappingValidationError struct {
	MappingID string
	Message   string
}

func (e *MappingValidationError) Error() string {
	if e.MappingID == "" {
		return "mapping validation: " + e.Message
	}
	return fmt.Sprintf("mapping validation: %s: %s", e.MappingID, e.Message)
}

// Config wires the engine's collaborators. Only zero-value fields receive
// defaults; non-nil dependencies are used as given and are not shut down
// by Engine.Shutdown.
type Config struct {
	// Emitter receives mappingComplete/mappingError plus the events the
	// executors publish. Nil disables events.
	Emitter *events.Emitter

	// Optimizer recommends executor strategy, batch size, and parallelism
	// for each run. Nil skips strategy consultation; explicit Options
	// always win over recommendations.
	Optimizer *optimizer.Optimizer

	// Pool provides adapter connections to callers moving records in or
	// out of external systems alongside mapping execution.
	Pool *pool.Manager

	// Executors resolves executor names. Nil builds a registry holding
	// the four built-in executors.
	Executors *runtime.Registry

	// Transformers supplies named transforms to rule compilation. Nil
	// uses a fresh registry with the builtin library.
	Transformers *pipeline.Registry

	// Validators backs per-execution validation hooks (Options.Validators).
	// Optional.
	Validators *validation.Framework

	// Tables supplies named lookup tables to rule compilation.
	Tables map[string]interface{}

	// StrictSchema rejects rules whose fields are not declared in the
	// mapping's schemas.
	StrictSchema bool

	// ScriptTimeout bounds each script transform invocation.
	ScriptTimeout time.Duration

	// PipelineCacheSize bounds the compiled-pipeline cache. Zero means 128.
	PipelineCacheSize int

	// ResultCacheSize bounds the execution-result cache. Zero means 256;
	// negative disables result caching.
	ResultCacheSize int

	// TransformRetries bounds the per-record re-runs attempted when
	// Options.RetryTransformErrors is set. Zero means 2.
	TransformRetries int
}

// Engine executes mappings. Safe for concurrent use.
type Engine struct {
	cfg          Config
	emitter      *events.Emitter
	optimizer    *optimizer.Optimizer
	pool         *pool.Manager
	executors    *runtime.Registry
	transformers *pipeline.Registry
	validators   *validation.Framework
	retry        *errhandling.Manager

	pipelines *lru.Cache[string, *pipeline.Pipeline]
	results   *optimizer.CacheManager

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	executions  atomic.Uint64
	successes   atomic.Uint64
	failures    atomic.Uint64
	execNanos   atomic.Int64
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

// New creates an engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.PipelineCacheSize == 0 {
		cfg.PipelineCacheSize = 128
	}
	if cfg.PipelineCacheSize < 0 {
		return nil, errors.New("pipeline cache size must be positive")
	}
	if cfg.ResultCacheSize == 0 {
		cfg.ResultCacheSize = 256
	}
	if cfg.TransformRetries <= 0 {
		cfg.TransformRetries = 2
	}

	e := &Engine{
		cfg:          cfg,
		emitter:      cfg.Emitter,
		optimizer:    cfg.Optimizer,
		pool:         cfg.Pool,
		executors:    cfg.Executors,
		transformers: cfg.Transformers,
		validators:   cfg.Validators,
	}
	if e.executors == nil {
		e.executors = runtime.NewRegistry(cfg.Emitter)
	}
	if e.transformers == nil {
		e.transformers = pipeline.NewRegistry()
	}
	e.retry = errhandling.NewManager(errhandling.RetryPolicy{
		MaxRetries:    cfg.TransformRetries,
		InitialDelay:  25 * time.Millisecond,
		MaxDelay:      250 * time.Millisecond,
		BackoffFactor: 2,
		Backoff:       errhandling.BackoffExponential,
		Jitter:        true,
	})

	var err error
	if e.pipelines, err = lru.New[string, *pipeline.Pipeline](cfg.PipelineCacheSize); err != nil {
		return nil, fmt.Errorf("pipeline cache: %w", err)
	}
	if cfg.ResultCacheSize > 0 {
		if e.results, err = optimizer.NewCacheManager(cfg.ResultCacheSize, cfg.Emitter); err != nil {
			return nil, fmt.Errorf("result cache: %w", err)
		}
	}
	return e, nil
}

// Shutdown stops admitting executions, waits for in-flight ones bounded by
// ctx, and drops the caches. Injected collaborators are left running.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	already := e.closed
	e.closed = true
	e.mu.Unlock()
	if already {
		return nil
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}

	e.pipelines.Purge()
	if e.results != nil {
		e.results.Clear()
	}
	logger.Info("engine shut down")
	return nil
}

// admit reserves a slot for one execution; release with wg.Done.
func (e *Engine) admit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.wg.Add(1)
	return nil
}

// Executors returns the executor registry.
func (e *Engine) Executors() *runtime.Registry { return e.executors }

// Transformers returns the transformer registry used at compile time.
func (e *Engine) Transformers() *pipeline.Registry { return e.transformers }

// Validators returns the validation framework, or nil.
func (e *Engine) Validators() *validation.Framework { return e.validators }

// Pool returns the adapter pool manager, or nil.
func (e *Engine) Pool() *pool.Manager { return e.pool }

// Optimizer returns the performance optimizer, or nil.
func (e *Engine) Optimizer() *optimizer.Optimizer { return e.optimizer }

// RegisterTransformer adds a named transform available to rule compilation.
func (e *Engine) RegisterTransformer(name string, fn pipeline.Transformer) error {
	return e.transformers.Register(name, fn)
}

// RegisterValidator adds a validator to the configured framework.
func (e *Engine) RegisterValidator(v validation.Validator) error {
	if e.validators == nil {
		return errors.New("no validation framework configured")
	}
	return e.validators.Register(v)
}

// RegisterExecutor adds an executor strategy under its name.
func (e *Engine) RegisterExecutor(ex runtime.Executor) error {
	return e.executors.Register(ex)
}

// InvalidateMapping drops every cached pipeline and result for any version
// of the given mapping id, returning the number of entries removed. Call it
// when a mapping definition or the schemas underneath it change.
func (e *Engine) InvalidateMapping(id string) int {
	prefix := id + "@"
	removed := 0
	for _, key := range e.pipelines.Keys() {
		if strings.HasPrefix(key, prefix) && e.pipelines.Remove(key) {
			removed++
		}
	}
	if e.results != nil {
		for _, key := range e.results.Keys() {
			if strings.HasPrefix(key, prefix) && e.results.Delete(key) {
				removed++
			}
		}
	}
	if removed > 0 {
		logger.Debug("mapping caches invalidated", "mappingId", id, "entries", removed)
	}
	return removed
}

// Metrics is a point-in-time snapshot of engine counters.
type Metrics struct {
	ExecutionCount     uint64        `json:"executionCount"`
	SuccessCount       uint64        `json:"successCount"`
	ErrorCount         uint64        `json:"errorCount"`
	TotalExecutionTime time.Duration `json:"totalExecutionTime"`
	CacheHits          uint64        `json:"cacheHits"`
	CacheMisses        uint64        `json:"cacheMisses"`
	SuccessRate        float64       `json:"successRate"`
	CacheHitRate       float64       `json:"cacheHitRate"`
}

// Metrics returns cumulative execution and result-cache counters with
// derived rates. Rates are zero until the first execution or lookup.
func (e *Engine) Metrics() Metrics {
	m := Metrics{
		ExecutionCount:     e.executions.Load(),
		SuccessCount:       e.successes.Load(),
		ErrorCount:         e.failures.Load(),
		TotalExecutionTime: time.Duration(e.execNanos.Load()),
		CacheHits:          e.cacheHits.Load(),
		CacheMisses:        e.cacheMisses.Load(),
	}
	if m.ExecutionCount > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.ExecutionCount)
	}
	if total := m.CacheHits + m.CacheMisses; total > 0 {
		m.CacheHitRate = float64(m.CacheHits) / float64(total)
	}
	return m
}

// compileOptions assembles the pipeline compilation options from config.
func (e *Engine) compileOptions() pipeline.Options {
	return pipeline.Options{
		Registry:      e.transformers,
		Tables:        e.cfg.Tables,
		StrictSchema:  e.cfg.StrictSchema,
		ScriptTimeout: e.cfg.ScriptTimeout,
	}
}

// pipelineFor returns a compiled pipeline for def, from cache when possible.
// Executions carrying validation hooks compile a dedicated pipeline so the
// cached one stays hook-free.
func (e *Engine) pipelineFor(def *mapping.Mapping, opts Options) (*pipeline.Pipeline, error) {
	hooked := len(opts.Validators) > 0
	key := def.CacheKey()
	if !hooked {
		if p, ok := e.pipelines.Get(key); ok {
			return p, nil
		}
	}

	p, err := pipeline.Compile(def, e.compileOptions())
	if err != nil {
		return nil, errhandling.NewValidationError(err.Error(), err)
	}
	if hooked {
		if e.validators == nil {
			return nil, &MappingValidationError{MappingID: def.ID, Message: "no validation framework configured"}
		}
		if err := p.AddHook(pipeline.PhaseValidate, e.validators.Hook(opts.Validators...)); err != nil {
			return nil, err
		}
		return p, nil
	}
	e.pipelines.Add(key, p)
	return p, nil
}
