package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
	"github.com/nineking424/nificdc-sub004/internal/events"
	"github.com/nineking424/nificdc-sub004/internal/execution"
	"github.com/nineking424/nificdc-sub004/internal/pipeline"
)

// BatchExecutor processes records in fixed-size batches with an optional
// delay between batches. It requires a record sequence; a single record is
// rejected so callers do not accidentally batch a scalar payload.
type BatchExecutor struct {
	base
}

// NewBatch returns the batch executor. The emitter may be nil.
func NewBatch(emitter *events.Emitter) *BatchExecutor {
	return &BatchExecutor{base{name: NameBatch, emitter: emitter}}
}

func (e *BatchExecutor) Execute(ctx context.Context, exec *execution.Context, p *pipeline.Pipeline, data interface{}, opts Options) (*Outcome, error) {
	if p == nil {
		return nil, errors.New("batch executor requires a pipeline")
	}
	records, single, err := AsSequence(data)
	if err != nil {
		return nil, err
	}
	if single {
		return nil, errors.New("batch executor requires a record sequence")
	}
	opts = opts.withDefaults()

	size := opts.BatchSize
	batches := (len(records) + size - 1) / size

	started := time.Now()
	outcome := &Outcome{
		Records: make([]map[string]interface{}, len(records)),
		Batches: batches,
	}
	for b := 0; b < batches; b++ {
		if b > 0 && opts.DelayBetweenBatches > 0 {
			select {
			case <-ctx.Done():
				outcome.Duration = time.Since(started)
				return outcome, ctx.Err()
			case <-time.After(opts.DelayBetweenBatches):
			}
		}

		start := b * size
		end := min(start+size, len(records))
		batchStarted := time.Now()
		processedInBatch, failedInBatch := 0, 0

		// Each batch runs under its own child execution; record errors and
		// counts land there and fold into the parent on merge.
		recCtx := exec
		var batchCtx *execution.Context
		if exec != nil {
			batchCtx = exec.CreateChild(execution.Meta{})
			_ = batchCtx.Start()
			recCtx = batchCtx
		}
		finish := func(err error) {
			if batchCtx == nil {
				return
			}
			if err != nil {
				_ = batchCtx.Fail(err)
			} else {
				_ = batchCtx.Complete()
			}
			_ = exec.MergeChild(batchCtx)
		}

		for i := start; i < end; i++ {
			if err := ctx.Err(); err != nil {
				finish(err)
				outcome.Duration = time.Since(started)
				return outcome, err
			}
			if err := waitWhilePaused(ctx, exec); err != nil {
				finish(err)
				outcome.Duration = time.Since(started)
				return outcome, err
			}

			out, recErr, perr := e.applyRecord(ctx, recCtx, p, records[i], i, opts)
			outcome.Processed++
			processedInBatch++
			if perr != nil {
				if ctx.Err() != nil {
					finish(ctx.Err())
					outcome.Duration = time.Since(started)
					return outcome, ctx.Err()
				}
				outcome.Failed++
				failedInBatch++
				outcome.Errors = append(outcome.Errors, *recErr)
				if opts.StopOnError {
					finish(perr)
					outcome.Duration = time.Since(started)
					return outcome, errhandling.Classify(perr)
				}
			} else {
				outcome.Records[i] = out
				outcome.Succeeded++
			}
		}
		finish(nil)

		e.emit(events.BatchComplete, BatchCompleteEvent{
			BatchIndex:       b,
			BatchCount:       batches,
			RecordsProcessed: processedInBatch,
			Failed:           failedInBatch,
			Duration:         time.Since(batchStarted),
		})
		e.progress(exec, outcome.Processed, len(records))
	}

	if opts.SkipFailedRecords && outcome.Failed > 0 {
		outcome.compact()
	}
	outcome.Duration = time.Since(started)
	return outcome, nil
}
