package runtime

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/nineking424/nificdc-sub004/internal/events"
	"github.com/nineking424/nificdc-sub004/internal/execution"
)

func TestBatchRejectsSingleRecord(t *testing.T) {
	e := NewBatch(nil)

	_, err := e.Execute(context.Background(), nil, idPipeline(t), map[string]interface{}{"id": 1}, Options{})
	if err == nil || !strings.Contains(err.Error(), "record sequence") {
		t.Fatalf("err = %v, want record sequence rejection", err)
	}
}

func TestBatchEmitsBatchComplete(t *testing.T) {
	emitter := events.NewEmitter()
	var batches []BatchCompleteEvent
	emitter.On(events.BatchComplete, func(payload interface{}) {
		batches = append(batches, payload.(BatchCompleteEvent))
	})
	e := NewBatch(emitter)

	outcome, err := e.Execute(context.Background(), nil, idPipeline(t), makeRecords(5), Options{BatchSize: 2})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if outcome.Batches != 3 {
		t.Errorf("Batches = %d, want 3", outcome.Batches)
	}
	if got := outputIDs(outcome); !reflect.DeepEqual(got, []int{0, 1, 2, 3, 4}) {
		t.Errorf("ids = %v", got)
	}
	if len(batches) != 3 {
		t.Fatalf("batchComplete events = %d, want 3", len(batches))
	}
	var processed []int
	for i, b := range batches {
		if b.BatchIndex != i || b.BatchCount != 3 {
			t.Errorf("batch %d = %+v", i, b)
		}
		processed = append(processed, b.RecordsProcessed)
	}
	if !reflect.DeepEqual(processed, []int{2, 2, 1}) {
		t.Errorf("recordsProcessed = %v, want [2 2 1]", processed)
	}
}

func TestBatchDelayBetweenBatches(t *testing.T) {
	e := NewBatch(nil)

	started := time.Now()
	_, err := e.Execute(context.Background(), nil, idPipeline(t), makeRecords(6), Options{
		BatchSize:           2,
		DelayBetweenBatches: 15 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// Two inter-batch gaps for three batches.
	if elapsed := time.Since(started); elapsed < 30*time.Millisecond {
		t.Errorf("elapsed = %v, want at least 30ms", elapsed)
	}
}

func TestBatchStopOnErrorMidBatch(t *testing.T) {
	p := idPipeline(t)
	failOn(t, p, 3)
	e := NewBatch(nil)

	outcome, err := e.Execute(context.Background(), nil, p, makeRecords(6), Options{BatchSize: 2, StopOnError: true})
	if err == nil {
		t.Fatal("expected an error")
	}
	if outcome.Processed != 4 || outcome.Succeeded != 3 {
		t.Errorf("counts = %+v", outcome)
	}
}

func TestBatchSkipFailedRecords(t *testing.T) {
	p := idPipeline(t)
	failOn(t, p, 0, 4)
	e := NewBatch(nil)

	outcome, err := e.Execute(context.Background(), nil, p, makeRecords(5), Options{BatchSize: 2, SkipFailedRecords: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := outputIDs(outcome); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Errorf("ids = %v", got)
	}
}

func TestBatchFailureCountsPerBatch(t *testing.T) {
	emitter := events.NewEmitter()
	var batches []BatchCompleteEvent
	emitter.On(events.BatchComplete, func(payload interface{}) {
		batches = append(batches, payload.(BatchCompleteEvent))
	})
	p := idPipeline(t)
	failOn(t, p, 2)
	e := NewBatch(emitter)

	if _, err := e.Execute(context.Background(), nil, p, makeRecords(4), Options{BatchSize: 2}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(batches) != 2 {
		t.Fatalf("events = %d, want 2", len(batches))
	}
	if batches[0].Failed != 0 || batches[1].Failed != 1 {
		t.Errorf("failed per batch = %d, %d, want 0, 1", batches[0].Failed, batches[1].Failed)
	}
}

func TestBatchChildContextsMergeIntoParent(t *testing.T) {
	p := idPipeline(t)
	failOn(t, p, 0, 4)
	exec := runningContext(t)
	e := NewBatch(nil)

	outcome, err := e.Execute(context.Background(), exec, p, makeRecords(5), Options{BatchSize: 2})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.Failed != 2 {
		t.Fatalf("Failed = %d, want 2", outcome.Failed)
	}

	children := exec.Children()
	if len(children) != 3 {
		t.Fatalf("children = %d, want one per batch", len(children))
	}
	for _, child := range children {
		if child.Meta().ParentID != exec.ID() {
			t.Errorf("child %s parentId = %q, want %q", child.ID(), child.Meta().ParentID, exec.ID())
		}
		if child.State() != execution.StateCompleted {
			t.Errorf("child %s state = %v, want completed", child.ID(), child.State())
		}
	}

	if exec.RecordsProcessed() != 5 {
		t.Errorf("RecordsProcessed() = %d, want 5", exec.RecordsProcessed())
	}
	if exec.RecordsFailed() != 2 {
		t.Errorf("RecordsFailed() = %d, want 2", exec.RecordsFailed())
	}
	if exec.ErrorCount() != 2 {
		t.Errorf("ErrorCount() = %d, want both record errors merged up", exec.ErrorCount())
	}
}

func TestBatchCancellationDuringDelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	e := NewBatch(nil)

	started := time.Now()
	outcome, err := e.Execute(ctx, nil, idPipeline(t), makeRecords(4), Options{
		BatchSize:           2,
		DelayBetweenBatches: 5 * time.Second,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}
	if outcome.Processed != 2 {
		t.Errorf("Processed = %d, want 2", outcome.Processed)
	}
}
