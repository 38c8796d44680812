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

// SequentialExecutor processes records one at a time in input order. A single
// record is treated as a one-element sequence.
type SequentialExecutor struct {
	base
}

// NewSequential returns the sequential executor. The emitter may be nil.
func NewSequential(emitter *events.Emitter) *SequentialExecutor {
	return &SequentialExecutor{base{name: NameSequential, emitter: emitter}}
}

func (e *SequentialExecutor) Execute(ctx context.Context, exec *execution.Context, p *pipeline.Pipeline, data interface{}, opts Options) (*Outcome, error) {
	if p == nil {
		return nil, errors.New("sequential executor requires a pipeline")
	}
	records, _, err := AsSequence(data)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	started := time.Now()
	outcome := &Outcome{Records: make([]map[string]interface{}, len(records))}
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			outcome.Duration = time.Since(started)
			return outcome, err
		}
		if err := waitWhilePaused(ctx, exec); err != nil {
			outcome.Duration = time.Since(started)
			return outcome, err
		}

		out, recErr, perr := e.applyRecord(ctx, exec, p, rec, i, opts)
		outcome.Processed++
		if perr != nil {
			if ctx.Err() != nil {
				outcome.Duration = time.Since(started)
				return outcome, ctx.Err()
			}
			outcome.Failed++
			outcome.Errors = append(outcome.Errors, *recErr)
			if opts.StopOnError {
				outcome.Duration = time.Since(started)
				return outcome, errhandling.Classify(perr)
			}
		} else {
			outcome.Records[i] = out
			outcome.Succeeded++
		}
		e.progress(exec, outcome.Processed, len(records))
	}

	if opts.SkipFailedRecords && outcome.Failed > 0 {
		outcome.compact()
	}
	outcome.Duration = time.Since(started)
	return outcome, nil
}
