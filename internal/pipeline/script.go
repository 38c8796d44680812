package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/nineking424/nificdc-sub004/internal/pathutil"
)

const (
	// MaxScriptLength bounds user script source size.
	MaxScriptLength = 100 * 1024

	// DefaultScriptTimeout bounds a single script invocation.
	DefaultScriptTimeout = 5 * time.Second
)

// Script is a compiled JavaScript transform. The source must define a
// transform(value, record) function. The program is compiled once; runtimes
// are pooled because a goja.Runtime is not safe for concurrent use.
type Script struct {
	name    string
	program *goja.Program
	timeout time.Duration
	pool    sync.Pool
}

// CompileScript compiles source under name. A non-positive timeout falls
// back to DefaultScriptTimeout.
func CompileScript(name, source string, timeout time.Duration) (*Script, error) {
	if len(source) > MaxScriptLength {
		return nil, fmt.Errorf("script %q exceeds maximum length of %d bytes", name, MaxScriptLength)
	}
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("script %q is empty", name)
	}
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}

	program, err := goja.Compile(name+".js", source, false)
	if err != nil {
		return nil, fmt.Errorf("script %q does not compile: %v", name, err)
	}

	s := &Script{name: name, program: program, timeout: timeout}
	// Fail fast on scripts that compile but never define transform.
	rt, err := s.newRuntime()
	if err != nil {
		return nil, err
	}
	s.pool.Put(rt)
	return s, nil
}

type scriptRuntime struct {
	vm *goja.Runtime
	fn goja.Callable
}

func (s *Script) runtime() (*scriptRuntime, error) {
	if rt, ok := s.pool.Get().(*scriptRuntime); ok && rt != nil {
		return rt, nil
	}
	return s.newRuntime()
}

func (s *Script) newRuntime() (*scriptRuntime, error) {
	vm := goja.New()
	if _, err := vm.RunProgram(s.program); err != nil {
		return nil, s.wrapError(err)
	}
	fn, ok := goja.AssertFunction(vm.Get("transform"))
	if !ok {
		return nil, fmt.Errorf("script %q must define a transform(value, record) function", s.name)
	}
	return &scriptRuntime{vm: vm, fn: fn}, nil
}

// Eval runs the transform function against value. The record is deep
// copied before binding so scripts cannot mutate pipeline state.
func (s *Script) Eval(ctx context.Context, value interface{}, record map[string]interface{}) (interface{}, error) {
	rt, err := s.runtime()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	interruptDone := make(chan struct{})
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		select {
		case <-timer.C:
			rt.vm.Interrupt(fmt.Sprintf("script %q timed out after %s", s.name, s.timeout))
		case <-ctx.Done():
			rt.vm.Interrupt(fmt.Sprintf("script %q cancelled", s.name))
		case <-interruptDone:
		}
	}()

	result, err := rt.fn(goja.Undefined(), rt.vm.ToValue(value), rt.vm.ToValue(pathutil.DeepCopyMap(record)))

	close(interruptDone)
	<-watchdogDone
	rt.vm.ClearInterrupt()

	if err != nil {
		// An interrupted or throwing runtime may hold partial state; let
		// it be collected instead of pooling it.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, s.wrapError(err)
	}

	s.pool.Put(rt)
	return exportValue(result), nil
}

func (s *Script) wrapError(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return fmt.Errorf("script %q threw: %v", s.name, ex.Value())
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("script %q interrupted: %v", s.name, interrupted.Value())
	}
	return fmt.Errorf("script %q failed: %v", s.name, err)
}

// exportValue converts a goja value into plain Go types.
func exportValue(v goja.Value) interface{} {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}
