package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
	"github.com/nineking424/nificdc-sub004/internal/events"
	"github.com/nineking424/nificdc-sub004/internal/execution"
	"github.com/nineking424/nificdc-sub004/internal/logger"
	"github.com/nineking424/nificdc-sub004/internal/pipeline"
	"github.com/nineking424/nificdc-sub004/internal/runtime"
	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

// Options tune one execution. The zero value consults the optimizer (when
// configured) and otherwise runs with executor defaults. Options take part
// in the result-cache key, so two calls differing only in Options never
// share a cached result.
type Options struct {
	// Executor forces a strategy by name; empty lets the optimizer (or a
	// size-based default) choose.
	Executor string `json:"executor,omitempty"`
	// BatchSize overrides the planned batch size.
	BatchSize int `json:"batchSize,omitempty"`
	// MaxConcurrency overrides the planned parallelism.
	MaxConcurrency int `json:"maxConcurrency,omitempty"`
	// StopOnError aborts the run at the first failed record.
	StopOnError bool `json:"stopOnError,omitempty"`
	// SkipFailedRecords compacts failed slots out of Result.Data, leaving
	// successes in input order. When false, failed slots hold nil so the
	// output aligns one-to-one with the input.
	SkipFailedRecords bool `json:"skipFailedRecords,omitempty"`
	// RecordTimeout bounds each record's pipeline pass.
	RecordTimeout time.Duration `json:"recordTimeout,omitempty"`
	// Validators names framework validators to run over each produced
	// record in the pipeline's validation phase.
	Validators []string `json:"validators,omitempty"`
	// RetryTransformErrors re-runs records that failed with a
	// transformation error before reporting them. Off by default:
	// whether a user-defined transform is safe to re-invoke is a
	// per-mapping call, not a global one.
	RetryTransformErrors bool `json:"retryTransformErrors,omitempty"`
	// NoCache bypasses the result cache for this call.
	NoCache bool `json:"noCache,omitempty"`
	// UserID tags the execution context.
	UserID string `json:"userId,omitempty"`
}

// Result is the envelope of one mapping execution. Success reports a clean
// run: every record processed without error. Cached results are shared;
// treat Data as read-only.
type Result struct {
	Success       bool                  `json:"success"`
	Data          interface{}           `json:"data"`
	ExecutionID   string                `json:"executionId"`
	ExecutionTime time.Duration         `json:"executionTime"`
	Processed     int                   `json:"processed"`
	Failed        int                   `json:"failed"`
	Errors        []mapping.RecordError `json:"errors,omitempty"`
}

// BatchItem is the per-record outcome inside a BatchResult.
type BatchItem struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   *mapping.RecordError   `json:"error,omitempty"`
}

// BatchResult is the envelope of one batch execution. Results is index-
// aligned with the input.
type BatchResult struct {
	TotalProcessed int           `json:"totalProcessed"`
	SuccessCount   int           `json:"successCount"`
	ErrorCount     int           `json:"errorCount"`
	Results        []BatchItem   `json:"results"`
	Batches        int           `json:"batches"`
	ExecutionID    string        `json:"executionId"`
	ExecutionTime  time.Duration `json:"executionTime"`
}

// CompleteEvent is emitted on mappingComplete after a run finishes.
type CompleteEvent struct {
	MappingID        string        `json:"mappingId"`
	ExecutionID      string        `json:"executionId"`
	RecordsProcessed int           `json:"recordsProcessed"`
	RecordsFailed    int           `json:"recordsFailed"`
	ExecutionTime    time.Duration `json:"executionTime"`
}

// ErrorEvent is emitted on mappingError when a run fails or is cancelled.
type ErrorEvent struct {
	MappingID   string `json:"mappingId"`
	ExecutionID string `json:"executionId"`
	Message     string `json:"message"`
	Err         error  `json:"-"`
}

// ExecuteMapping runs def over data, which is a single record or a sequence
// of records. A clean run over a sequence is stored in the result cache;
// later identical calls return the cached envelope.
func (e *Engine) ExecuteMapping(ctx context.Context, def *mapping.Mapping, data interface{}, opts Options) (*Result, error) {
	if err := e.admit(); err != nil {
		return nil, err
	}
	defer e.wg.Done()
	if err := validateInput(def, data); err != nil {
		return nil, err
	}

	key, cacheable := "", e.results != nil && !opts.NoCache
	if cacheable {
		key, cacheable = e.resultKey(def, data, opts)
	}
	if cacheable {
		if hit, ok := e.results.Get(key); ok {
			e.cacheHits.Add(1)
			return hit.(*Result), nil
		}
		e.cacheMisses.Add(1)
	}

	outcome, exec, single, elapsed, err := e.run(ctx, def, data, opts)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Success:       outcome.Failed == 0,
		ExecutionID:   exec.ID(),
		ExecutionTime: elapsed,
		Processed:     outcome.Processed,
		Failed:        outcome.Failed,
		Errors:        outcome.Errors,
	}
	if single {
		res.Data = outcome.Records[0]
	} else if opts.SkipFailedRecords {
		res.Data = compactRecords(outcome.Records)
	} else {
		res.Data = outcome.Records
	}

	if cacheable && res.Success {
		e.results.Set(key, res)
	}
	return res, nil
}

// ExecuteBatchMapping runs def over records in batches, reporting per-record
// outcomes. The executor defaults to batch; Options.Executor still wins.
func (e *Engine) ExecuteBatchMapping(ctx context.Context, def *mapping.Mapping, records []map[string]interface{}, opts Options) (*BatchResult, error) {
	if err := e.admit(); err != nil {
		return nil, err
	}
	defer e.wg.Done()
	if verr := validateMapping(def); verr != nil {
		return nil, verr
	}
	if records == nil {
		return nil, &MappingValidationError{MappingID: def.ID, Message: "input records are nil"}
	}
	if len(records) == 0 {
		return &BatchResult{Results: []BatchItem{}}, nil
	}
	if opts.Executor == "" {
		opts.Executor = runtime.NameBatch
	}
	// Per-record reporting needs output slots aligned with the input.
	opts.SkipFailedRecords = false

	outcome, exec, _, elapsed, err := e.run(ctx, def, records, opts)
	if err != nil {
		return nil, err
	}

	failed := make(map[int]*mapping.RecordError, len(outcome.Errors))
	for i := range outcome.Errors {
		re := outcome.Errors[i]
		failed[re.RecordIndex] = &re
	}
	items := make([]BatchItem, len(outcome.Records))
	for i, rec := range outcome.Records {
		if rec != nil {
			items[i] = BatchItem{Success: true, Data: rec}
			continue
		}
		items[i] = BatchItem{Error: failed[i]}
	}

	return &BatchResult{
		TotalProcessed: outcome.Processed,
		SuccessCount:   outcome.Succeeded,
		ErrorCount:     outcome.Failed,
		Results:        items,
		Batches:        outcome.Batches,
		ExecutionID:    exec.ID(),
		ExecutionTime:  elapsed,
	}, nil
}

// run is the shared execution core: compile (or fetch) the pipeline, plan
// the strategy, drive the executor under a fresh execution context, and
// settle events, metrics, and the context's terminal state.
func (e *Engine) run(ctx context.Context, def *mapping.Mapping, data interface{}, opts Options) (*runtime.Outcome, *execution.Context, bool, time.Duration, error) {
	p, err := e.pipelineFor(def, opts)
	if err != nil {
		return nil, nil, false, 0, err
	}
	records, single, err := runtime.AsSequence(data)
	if err != nil {
		return nil, nil, false, 0, &MappingValidationError{MappingID: def.ID, Message: err.Error()}
	}

	name, ropts := e.plan(p, len(records), single, opts)
	exec := execution.NewContext(execution.Meta{
		MappingID:      def.ID,
		MappingName:    def.Name,
		MappingVersion: def.Version,
		Executor:       name,
		UserID:         opts.UserID,
	})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	exec.BindCancel(cancel)
	if err := exec.Start(); err != nil {
		return nil, nil, false, 0, err
	}

	rc := logger.RunContext{
		MappingID:      def.ID,
		MappingName:    def.Name,
		MappingVersion: def.Version,
		ExecutionID:    exec.ID(),
		Executor:       name,
	}
	logger.LogRunStart(rc)

	started := time.Now()
	outcome, execErr := e.executors.Resolve(name).Execute(runCtx, exec, p, data, ropts)
	if execErr == nil && opts.RetryTransformErrors && outcome.Failed > 0 {
		e.retryTransformFailures(runCtx, exec, p, records, outcome)
	}
	elapsed := time.Since(started)

	e.executions.Add(1)
	e.execNanos.Add(int64(elapsed))

	processed := 0
	if outcome != nil {
		processed = outcome.Processed
	}

	if execErr != nil {
		cancelled := errors.Is(execErr, context.Canceled)
		if cancelled {
			_ = exec.Cancel()
		} else {
			_ = exec.Fail(execErr)
		}
		e.failures.Add(1)
		e.emit(events.MappingError, ErrorEvent{
			MappingID:   def.ID,
			ExecutionID: exec.ID(),
			Message:     execErr.Error(),
			Err:         execErr,
		})
		logger.LogRunEnd(rc, string(exec.State()), processed, elapsed)
		if cancelled {
			return nil, nil, false, 0, execErr
		}
		return nil, nil, false, 0, errhandling.Classify(execErr)
	}

	_ = exec.Complete()
	e.successes.Add(1)
	e.emit(events.MappingComplete, CompleteEvent{
		MappingID:        def.ID,
		ExecutionID:      exec.ID(),
		RecordsProcessed: outcome.Processed,
		RecordsFailed:    outcome.Failed,
		ExecutionTime:    elapsed,
	})
	logger.LogRunEnd(rc, string(exec.State()), processed, elapsed)
	return outcome, exec, single, elapsed, nil
}

// plan resolves the executor name and runtime options for one run: explicit
// options first, then the optimizer's recommendation, then a size-based
// default. Failed slots are kept so the engine can retry and report per
// index; envelope compaction happens afterwards.
func (e *Engine) plan(p *pipeline.Pipeline, size int, single bool, opts Options) (string, runtime.Options) {
	ropts := runtime.Options{
		StopOnError:    opts.StopOnError || single,
		Timeout:        opts.RecordTimeout,
		BatchSize:      opts.BatchSize,
		MaxConcurrency: opts.MaxConcurrency,
	}
	name := opts.Executor
	if e.optimizer != nil {
		plan := e.optimizer.OptimizeExecutionStrategy(size, p.Complexity(), e.optimizer.Monitor().Env())
		if name == "" {
			name = plan.ExecutorType
		}
		if ropts.BatchSize == 0 {
			ropts.BatchSize = plan.BatchSize
		}
		if ropts.MaxConcurrency == 0 {
			ropts.MaxConcurrency = plan.Parallelism
		}
	}
	if name == "" {
		if single {
			name = runtime.NameSequential
		} else {
			name = runtime.NameBatch
		}
	}
	return name, ropts
}

// retryTransformFailures re-runs records whose failure classified as a
// transformation error, filling recovered slots in place. Other failure
// types and records that stay broken keep their original errors. The
// execution context keeps the first-attempt errors as history.
func (e *Engine) retryTransformFailures(ctx context.Context, exec *execution.Context, p *pipeline.Pipeline, records []map[string]interface{}, outcome *runtime.Outcome) {
	kept := outcome.Errors[:0]
	for _, re := range outcome.Errors {
		idx := re.RecordIndex
		if re.Type != string(errhandling.ErrTypeTransformation) || idx < 0 || idx >= len(records) {
			kept = append(kept, re)
			continue
		}
		out, err := errhandling.DoValue(ctx, e.retry, func(ctx context.Context) (map[string]interface{}, error) {
			return p.Process(ctx, records[idx], exec)
		})
		if err != nil {
			kept = append(kept, re)
			continue
		}
		outcome.Records[idx] = out
		outcome.Failed--
		outcome.Succeeded++
		logger.Debug("record recovered on transform retry",
			"executionId", exec.ID(), "record", idx, "rule", re.Rule)
	}
	outcome.Errors = kept
}

func (e *Engine) emit(event string, payload interface{}) {
	if e.emitter != nil {
		e.emitter.Emit(event, payload)
	}
}

// resultKey fingerprints (mapping id, version, data, options). Unmarshalable
// data opts the call out of caching.
func (e *Engine) resultKey(def *mapping.Mapping, data interface{}, opts Options) (string, bool) {
	rawData, err := json.Marshal(data)
	if err != nil {
		return "", false
	}
	rawOpts, err := json.Marshal(opts)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%s:%016x:%016x", def.CacheKey(), xxh3.Hash(rawData), xxh3.Hash(rawOpts)), true
}

func validateMapping(def *mapping.Mapping) *MappingValidationError {
	switch {
	case def == nil:
		return &MappingValidationError{Message: "mapping is nil"}
	case def.ID == "":
		return &MappingValidationError{Message: "mapping id is required"}
	case len(def.Rules) == 0:
		return &MappingValidationError{MappingID: def.ID, Message: "mapping has no rules"}
	}
	return nil
}

func validateInput(def *mapping.Mapping, data interface{}) error {
	if verr := validateMapping(def); verr != nil {
		return verr
	}
	if data == nil {
		return &MappingValidationError{MappingID: def.ID, Message: "input data is nil"}
	}
	return nil
}

func compactRecords(records []map[string]interface{}) []map[string]interface{} {
	kept := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		if rec != nil {
			kept = append(kept, rec)
		}
	}
	return kept
}
