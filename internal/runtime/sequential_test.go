package runtime

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
	"github.com/nineking424/nificdc-sub004/internal/events"
)

func TestSequentialProcessesInOrder(t *testing.T) {
	emitter := events.NewEmitter()
	var progress []ProgressEvent
	emitter.On(events.Progress, func(payload interface{}) {
		progress = append(progress, payload.(ProgressEvent))
	})
	e := NewSequential(emitter)
	exec := runningContext(t)

	outcome, err := e.Execute(context.Background(), exec, idPipeline(t), makeRecords(5), Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := outputIDs(outcome); !reflect.DeepEqual(got, []int{0, 1, 2, 3, 4}) {
		t.Errorf("ids = %v", got)
	}
	if outcome.Processed != 5 || outcome.Succeeded != 5 || outcome.Failed != 0 {
		t.Errorf("counts = %+v", outcome)
	}
	if len(progress) != 5 {
		t.Fatalf("progress events = %d, want 5", len(progress))
	}
	last := progress[len(progress)-1]
	if last.Current != 5 || last.Total != 5 || last.Executor != NameSequential {
		t.Errorf("last progress = %+v", last)
	}
	if exec.Progress() != 100 {
		t.Errorf("context progress = %v, want 100", exec.Progress())
	}
	// Sequential counts straight onto the execution, no child contexts.
	if exec.RecordsProcessed() != 5 {
		t.Errorf("RecordsProcessed() = %d, want 5", exec.RecordsProcessed())
	}
	if len(exec.Children()) != 0 {
		t.Errorf("children = %d, want 0", len(exec.Children()))
	}
}

func TestSequentialWrapsSingleRecord(t *testing.T) {
	e := NewSequential(nil)

	outcome, err := e.Execute(context.Background(), nil, idPipeline(t), map[string]interface{}{"id": 7}, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(outcome.Records) != 1 || outcome.Records[0]["id"] != 7 {
		t.Errorf("records = %v", outcome.Records)
	}
}

func TestSequentialCollectsFailures(t *testing.T) {
	p := idPipeline(t)
	failOn(t, p, 2)
	e := NewSequential(nil)

	outcome, err := e.Execute(context.Background(), nil, p, makeRecords(4), Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if outcome.Succeeded != 3 || outcome.Failed != 1 {
		t.Errorf("counts = %+v", outcome)
	}
	if got := outputIDs(outcome); !reflect.DeepEqual(got, []int{0, 1, -1, 3}) {
		t.Errorf("ids = %v", got)
	}
	if len(outcome.Errors) != 1 || outcome.Errors[0].RecordIndex != 2 {
		t.Errorf("errors = %+v", outcome.Errors)
	}
}

func TestSequentialStopOnError(t *testing.T) {
	p := idPipeline(t)
	failOn(t, p, 2)
	e := NewSequential(nil)

	outcome, err := e.Execute(context.Background(), nil, p, makeRecords(5), Options{StopOnError: true})
	if err == nil {
		t.Fatal("expected an error")
	}
	var classified *errhandling.ClassifiedError
	if !errors.As(err, &classified) {
		t.Errorf("error is not classified: %v", err)
	}
	if outcome.Processed != 3 {
		t.Errorf("Processed = %d, want 3", outcome.Processed)
	}
}

func TestSequentialSkipFailedRecords(t *testing.T) {
	p := idPipeline(t)
	failOn(t, p, 1, 3)
	e := NewSequential(nil)

	outcome, err := e.Execute(context.Background(), nil, p, makeRecords(5), Options{SkipFailedRecords: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := outputIDs(outcome); !reflect.DeepEqual(got, []int{0, 2, 4}) {
		t.Errorf("ids = %v", got)
	}
	if outcome.Failed != 2 || len(outcome.Errors) != 2 {
		t.Errorf("counts = %+v", outcome)
	}
}

func TestSequentialCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewSequential(nil)

	outcome, err := e.Execute(ctx, nil, idPipeline(t), makeRecords(3), Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if outcome.Processed != 0 {
		t.Errorf("Processed = %d, want 0", outcome.Processed)
	}
}

func TestSequentialInputErrors(t *testing.T) {
	e := NewSequential(nil)

	if _, err := e.Execute(context.Background(), nil, nil, makeRecords(1), Options{}); err == nil {
		t.Error("nil pipeline should fail")
	}
	if _, err := e.Execute(context.Background(), nil, idPipeline(t), "bogus", Options{}); err == nil {
		t.Error("scalar input should fail")
	}
}
