package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
	"github.com/nineking424/nificdc-sub004/internal/events"
	"github.com/nineking424/nificdc-sub004/internal/execution"
	"github.com/nineking424/nificdc-sub004/internal/pipeline"
)

// StreamExecutor feeds records through a bounded queue in waves of
// HighWaterMark. Admission and completion are tracked separately; when the
// in-flight count reaches BackpressureThreshold the producer stalls, emits a
// backpressure event, and resumes once the consumer drains. Pausing the
// execution context suspends admission until resumed.
type StreamExecutor struct {
	base
}

// NewStream returns the stream executor. The emitter may be nil.
func NewStream(emitter *events.Emitter) *StreamExecutor {
	return &StreamExecutor{base{name: NameStream, emitter: emitter}}
}

type streamItem struct {
	index  int
	record map[string]interface{}
}

func (e *StreamExecutor) Execute(ctx context.Context, exec *execution.Context, p *pipeline.Pipeline, data interface{}, opts Options) (*Outcome, error) {
	if p == nil {
		return nil, errors.New("stream executor requires a pipeline")
	}
	records, _, err := AsSequence(data)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	started := time.Now()
	outcome := &Outcome{Records: make([]map[string]interface{}, len(records))}
	if len(records) == 0 {
		outcome.Duration = time.Since(started)
		return outcome, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var admitted, completed atomic.Int64
	queue := make(chan streamItem, opts.HighWaterMark)
	drained := make(chan struct{}, 1)
	producerDone := make(chan error, 1)

	go func() {
		defer close(queue)
		for i := range records {
			if err := waitWhilePaused(runCtx, exec); err != nil {
				producerDone <- err
				return
			}
			stalled := false
			for admitted.Load()-completed.Load() >= int64(opts.BackpressureThreshold) {
				if !stalled {
					stalled = true
					e.emit(events.Backpressure, BackpressureEvent{
						InFlight:  int(admitted.Load() - completed.Load()),
						Threshold: opts.BackpressureThreshold,
						Admitted:  int(admitted.Load()),
						Completed: int(completed.Load()),
					})
				}
				select {
				case <-runCtx.Done():
					producerDone <- runCtx.Err()
					return
				case <-drained:
				}
			}
			select {
			case <-runCtx.Done():
				producerDone <- runCtx.Err()
				return
			case queue <- streamItem{index: i, record: records[i]}:
				admitted.Add(1)
			}
		}
		producerDone <- nil
	}()

	var abortErr error
	for item := range queue {
		out, recErr, perr := e.applyRecord(runCtx, exec, p, item.record, item.index, opts)
		completed.Add(1)
		select {
		case drained <- struct{}{}:
		default:
		}

		outcome.Processed++
		if perr != nil {
			if ctx.Err() != nil {
				abortErr = ctx.Err()
				cancel()
				break
			}
			outcome.Failed++
			outcome.Errors = append(outcome.Errors, *recErr)
			if opts.StopOnError {
				abortErr = errhandling.Classify(perr)
				cancel()
				break
			}
		} else {
			outcome.Records[item.index] = out
			outcome.Succeeded++
		}

		if outcome.Processed%opts.HighWaterMark == 0 || outcome.Processed == len(records) {
			e.progress(exec, outcome.Processed, len(records))
			e.emit(events.StreamProgress, StreamProgressEvent{
				Admitted:  int(admitted.Load()),
				Completed: int(completed.Load()),
				Total:     len(records),
			})
		}
	}
	if abortErr != nil {
		// Unblock the producer so it can observe cancellation and exit.
		for range queue {
		}
	}
	if perr := <-producerDone; abortErr == nil && perr != nil {
		abortErr = perr
	}

	if abortErr != nil {
		outcome.Duration = time.Since(started)
		return outcome, abortErr
	}
	if opts.SkipFailedRecords && outcome.Failed > 0 {
		outcome.compact()
	}
	outcome.Duration = time.Since(started)
	return outcome, nil
}
