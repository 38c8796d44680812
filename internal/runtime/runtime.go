// Package runtime provides the execution strategies that drive a compiled
// pipeline over input data: sequential, batch, stream, and parallel. Every
// executor returns records in input order; parallel execution writes results
// into positionally indexed slots so completion order never leaks into the
// output.
package runtime

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"sort"
	"sync"
	"time"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
	"github.com/nineking424/nificdc-sub004/internal/events"
	"github.com/nineking424/nificdc-sub004/internal/execution"
	"github.com/nineking424/nificdc-sub004/internal/logger"
	"github.com/nineking424/nificdc-sub004/internal/pipeline"
	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

// Executor names. The optimizer's strategy recommendations use the same
// vocabulary.
const (
	NameSequential = "sequential"
	NameBatch      = "batch"
	NameStream     = "stream"
	NameParallel   = "parallel"
)

// Options tune a single execution. Zero values fall back to defaults.
type Options struct {
	// StopOnError aborts the run at the first failed record.
	StopOnError bool
	// SkipFailedRecords removes failed slots from the output so it holds
	// successes only, still in input order. When false, failed records keep
	// a nil placeholder so output indexes align one-to-one with input.
	SkipFailedRecords bool
	// Timeout bounds each pipeline invocation; records exceeding it fail
	// with a timeout error.
	Timeout time.Duration

	// Batch execution.
	BatchSize           int
	DelayBetweenBatches time.Duration

	// Stream execution.
	HighWaterMark         int
	BackpressureThreshold int

	// Parallel execution.
	MaxConcurrency int
	ChunkSize      int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = 16
	}
	if o.BackpressureThreshold <= 0 {
		o.BackpressureThreshold = 2 * o.HighWaterMark
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = min(goruntime.NumCPU(), 8)
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 100
	}
	return o
}

// Outcome is the result of running a pipeline over input data.
type Outcome struct {
	// Records is index-aligned with the input unless SkipFailedRecords
	// compacted it; failed slots are nil.
	Records   []map[string]interface{}
	Processed int
	Succeeded int
	Failed    int
	Errors    []mapping.RecordError
	Batches   int
	Duration  time.Duration
}

// compact removes nil failure slots, leaving successes in input order.
func (o *Outcome) compact() {
	kept := o.Records[:0]
	for _, rec := range o.Records {
		if rec != nil {
			kept = append(kept, rec)
		}
	}
	o.Records = kept
}

// Executor runs a compiled pipeline over input data under an execution
// context. Implementations must return records in input order.
type Executor interface {
	Name() string
	Execute(ctx context.Context, exec *execution.Context, p *pipeline.Pipeline, data interface{}, opts Options) (*Outcome, error)
}

// Event payloads published by the executors.
type (
	// ProgressEvent is emitted on progress.
	ProgressEvent struct {
		ExecutionID string `json:"executionId,omitempty"`
		Executor    string `json:"executor"`
		Current     int    `json:"current"`
		Total       int    `json:"total"`
	}

	// BatchCompleteEvent is emitted on batchComplete after each batch.
	BatchCompleteEvent struct {
		BatchIndex       int           `json:"batchIndex"`
		BatchCount       int           `json:"batchCount"`
		RecordsProcessed int           `json:"recordsProcessed"`
		Failed           int           `json:"failed"`
		Duration         time.Duration `json:"duration"`
	}

	// ChunkCompleteEvent is emitted on chunkComplete after each parallel
	// chunk.
	ChunkCompleteEvent struct {
		ChunkIndex int           `json:"chunkIndex"`
		ChunkCount int           `json:"chunkCount"`
		Records    int           `json:"records"`
		Duration   time.Duration `json:"duration"`
	}

	// StreamProgressEvent is emitted on streamProgress after each wave.
	StreamProgressEvent struct {
		Admitted  int `json:"admitted"`
		Completed int `json:"completed"`
		Total     int `json:"total"`
	}

	// BackpressureEvent is emitted on backpressure when stream admission
	// stalls.
	BackpressureEvent struct {
		InFlight  int `json:"inFlight"`
		Threshold int `json:"threshold"`
		Admitted  int `json:"admitted"`
		Completed int `json:"completed"`
	}
)

// AsSequence normalizes executor input into a record slice. A single record
// comes back as a one-element sequence with single=true.
func AsSequence(data interface{}) (records []map[string]interface{}, single bool, err error) {
	switch t := data.(type) {
	case nil:
		return nil, false, errors.New("execution input is nil")
	case map[string]interface{}:
		return []map[string]interface{}{t}, true, nil
	case []map[string]interface{}:
		return t, false, nil
	case []interface{}:
		out := make([]map[string]interface{}, len(t))
		for i, v := range t {
			rec, ok := v.(map[string]interface{})
			if !ok {
				return nil, false, fmt.Errorf("record %d: expected an object, got %T", i, v)
			}
			out[i] = rec
		}
		return out, false, nil
	}
	return nil, false, fmt.Errorf("unsupported input type %T", data)
}

// base carries the pieces every executor shares.
type base struct {
	name    string
	emitter *events.Emitter
}

func (b *base) Name() string { return b.name }

func (b *base) emit(event string, payload interface{}) {
	if b.emitter != nil {
		b.emitter.Emit(event, payload)
	}
}

func (b *base) progress(exec *execution.Context, current, total int) {
	if total == 0 {
		return
	}
	payload := ProgressEvent{Executor: b.name, Current: current, Total: total}
	if exec != nil {
		exec.UpdateProgress(current, total, "")
		payload.ExecutionID = exec.ID()
	}
	b.emit(events.Progress, payload)
}

// applyRecord runs one record through the pipeline under the per-record
// timeout. On failure it registers an indexed record error on the execution
// context and returns it along with the original error.
func (b *base) applyRecord(ctx context.Context, exec *execution.Context, p *pipeline.Pipeline, rec map[string]interface{}, index int, opts Options) (map[string]interface{}, *mapping.RecordError, error) {
	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if exec != nil {
		exec.AddProcessed(1)
	}
	out, err := p.Process(runCtx, rec, exec)
	if err == nil {
		return out, nil, nil
	}

	recErr := pipeline.AsRecordError(err, index)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		recErr.Code = "RECORD_TIMEOUT"
		recErr.Type = string(errhandling.ErrTypeTimeout)
		recErr.Severity = string(errhandling.DefaultSeverity(errhandling.ErrTypeTimeout))
		recErr.Message = fmt.Sprintf("record %d timed out after %s", index, opts.Timeout)
	}
	if exec != nil {
		exec.AddError(recErr)
	}
	return nil, &recErr, err
}

// waitWhilePaused blocks while the execution context is paused, honoring
// cancellation.
func waitWhilePaused(ctx context.Context, exec *execution.Context) error {
	if exec == nil {
		return nil
	}
	for exec.State() == execution.StatePaused {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil
}

// Registry maps executor names to implementations. Resolving an unknown name
// falls back to the sequential executor.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	fallback  Executor
}

// NewRegistry returns a registry with the four built-in executors
// registered and sequential as the fallback.
func NewRegistry(emitter *events.Emitter) *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	seq := NewSequential(emitter)
	r.fallback = seq
	for _, e := range []Executor{seq, NewBatch(emitter), NewStream(emitter), NewParallel(emitter)} {
		_ = r.Register(e)
	}
	return r
}

// Register adds an executor under its name, replacing any previous one.
func (r *Registry) Register(e Executor) error {
	if e == nil {
		return errors.New("nil executor")
	}
	if e.Name() == "" {
		return errors.New("executor requires a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Name()] = e
	return nil
}

// Get returns the named executor.
func (r *Registry) Get(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	return e, ok
}

// Resolve returns the named executor, or the sequential fallback when the
// name is empty or unknown.
func (r *Registry) Resolve(name string) Executor {
	if name == "" {
		return r.fallback
	}
	if e, ok := r.Get(name); ok {
		return e
	}
	logger.Logger.Warn("unknown executor, falling back to sequential", "executor", name)
	return r.fallback
}

// Names returns the registered executor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
