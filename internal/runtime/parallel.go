package runtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
	"github.com/nineking424/nificdc-sub004/internal/events"
	"github.com/nineking424/nificdc-sub004/internal/execution"
	"github.com/nineking424/nificdc-sub004/internal/pipeline"
)

// ParallelExecutor splits the input into chunks and processes up to
// MaxConcurrency chunks at once. Each record writes into its own positional
// slot, so results always come back in input order no matter which chunk
// finishes first.
type ParallelExecutor struct {
	base
}

// NewParallel returns the parallel executor. The emitter may be nil.
func NewParallel(emitter *events.Emitter) *ParallelExecutor {
	return &ParallelExecutor{base{name: NameParallel, emitter: emitter}}
}

func (e *ParallelExecutor) Execute(ctx context.Context, exec *execution.Context, p *pipeline.Pipeline, data interface{}, opts Options) (*Outcome, error) {
	if p == nil {
		return nil, errors.New("parallel executor requires a pipeline")
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

	chunks := (len(records) + opts.ChunkSize - 1) / opts.ChunkSize

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.MaxConcurrency)

	var (
		mu        sync.Mutex
		completed atomic.Int64
	)
	for c := 0; c < chunks; c++ {
		start := c * opts.ChunkSize
		end := min(start+opts.ChunkSize, len(records))
		chunkIndex := c

		g.Go(func() error {
			chunkStarted := time.Now()

			// Each chunk runs under its own child execution; record errors
			// and counts land there and fold into the parent on merge.
			recCtx := exec
			var chunk *execution.Context
			if exec != nil {
				chunk = exec.CreateChild(execution.Meta{})
				_ = chunk.Start()
				recCtx = chunk
			}
			finish := func(err error) {
				if chunk == nil {
					return
				}
				if err != nil {
					_ = chunk.Fail(err)
				} else {
					_ = chunk.Complete()
				}
				_ = exec.MergeChild(chunk)
			}

			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					finish(err)
					return err
				}
				if err := waitWhilePaused(gctx, exec); err != nil {
					finish(err)
					return err
				}

				out, recErr, perr := e.applyRecord(gctx, recCtx, p, records[i], i, opts)
				mu.Lock()
				outcome.Processed++
				if perr != nil {
					outcome.Failed++
					outcome.Errors = append(outcome.Errors, *recErr)
					mu.Unlock()
					if gctx.Err() != nil {
						finish(gctx.Err())
						return gctx.Err()
					}
					if opts.StopOnError {
						finish(perr)
						return errhandling.Classify(perr)
					}
					continue
				}
				outcome.Succeeded++
				mu.Unlock()
				// Slot i belongs to this goroutine alone.
				outcome.Records[i] = out
			}
			finish(nil)

			e.emit(events.ChunkComplete, ChunkCompleteEvent{
				ChunkIndex: chunkIndex,
				ChunkCount: chunks,
				Records:    end - start,
				Duration:   time.Since(chunkStarted),
			})
			done := completed.Add(int64(end - start))
			e.progress(exec, int(done), len(records))
			return nil
		})
	}

	waitErr := g.Wait()
	sort.SliceStable(outcome.Errors, func(i, j int) bool {
		return outcome.Errors[i].RecordIndex < outcome.Errors[j].RecordIndex
	})
	outcome.Duration = time.Since(started)

	if waitErr != nil {
		if ctx.Err() != nil {
			return outcome, ctx.Err()
		}
		return outcome, waitErr
	}
	if opts.SkipFailedRecords && outcome.Failed > 0 {
		outcome.compact()
	}
	return outcome, nil
}
