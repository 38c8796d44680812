// Package events provides a synchronous in-process event emitter used by the
// engine, executors, validators, and adapters to publish lifecycle signals.
// Handlers run on the emitting goroutine; slow handlers slow the emitter.
package events

import (
	"fmt"
	"sync"

	"github.com/nineking424/nificdc-sub004/internal/logger"
)

// Event names published by the engine and its services.
const (
	// MappingComplete fires after a mapping execution finishes successfully.
	MappingComplete = "mappingComplete"

	// MappingError fires when a mapping execution fails.
	MappingError = "mappingError"

	// DataOptimized fires when the optimizer compresses or restructures a
	// payload.
	DataOptimized = "dataOptimized"

	// PerformanceWarning fires when resource monitoring crosses a
	// threshold.
	PerformanceWarning = "performanceWarning"

	// Progress fires periodically during sequential and batch execution.
	Progress = "progress"

	// BatchComplete fires after each batch in batch execution.
	BatchComplete = "batchComplete"

	// ChunkComplete fires after each chunk in parallel execution.
	ChunkComplete = "chunkComplete"

	// StreamProgress fires periodically during stream execution.
	StreamProgress = "streamProgress"

	// Backpressure fires when stream execution stalls on its admission
	// window.
	Backpressure = "backpressure"

	// ValidationComplete fires after a validation pass finishes.
	ValidationComplete = "validationComplete"

	// ValidationError fires when a validator fails a record or schema.
	ValidationError = "validationError"

	// Connected fires when an adapter establishes its connection.
	Connected = "connected"

	// Disconnected fires when an adapter drops its connection.
	Disconnected = "disconnected"

	// CacheEviction fires when a cache entry is evicted.
	CacheEviction = "cacheEviction"

	// MemoryPressure fires when the optimizer detects memory pressure and
	// sheds load.
	MemoryPressure = "memoryPressure"
)

// Handler receives an event payload. Payload types are defined by the
// emitting package.
type Handler func(payload interface{})

type registration struct {
	id int
	fn Handler
}

// Emitter dispatches events to registered handlers synchronously, in
// registration order. Safe for concurrent use.
type Emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string][]registration
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string][]registration)}
}

// On registers a handler for an event and returns a function that removes
// it. Removing twice is a no-op.
func (e *Emitter) On(event string, fn Handler) (off func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers[event] = append(e.handlers[event], registration{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			regs := e.handlers[event]
			for i := range regs {
				if regs[i].id == id {
					e.handlers[event] = append(regs[:i:i], regs[i+1:]...)
					break
				}
			}
			if len(e.handlers[event]) == 0 {
				delete(e.handlers, event)
			}
		})
	}
}

// Once registers a handler that fires for a single emission.
func (e *Emitter) Once(event string, fn Handler) (off func()) {
	var offOnce func()
	var once sync.Once
	offOnce = e.On(event, func(payload interface{}) {
		once.Do(func() {
			offOnce()
			fn(payload)
		})
	})
	return offOnce
}

// Emit dispatches the payload to every handler registered for the event.
// A panicking handler is logged and skipped; the remaining handlers still
// run.
func (e *Emitter) Emit(event string, payload interface{}) {
	e.mu.RLock()
	regs := e.handlers[event]
	// Snapshot so handlers can register/remove during dispatch.
	snapshot := make([]registration, len(regs))
	copy(snapshot, regs)
	e.mu.RUnlock()

	for _, reg := range snapshot {
		e.dispatch(event, reg.fn, payload)
	}
}

func (e *Emitter) dispatch(event string, fn Handler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logger.Logger.Error("event handler panicked",
				"event", event,
				"panic", fmt.Sprint(r))
		}
	}()
	fn(payload)
}

// ListenerCount returns the number of handlers registered for the event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[event])
}

// RemoveAll removes every handler for the event; with an empty event name it
// clears all handlers.
func (e *Emitter) RemoveAll(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if event == "" {
		e.handlers = make(map[string][]registration)
		return
	}
	delete(e.handlers, event)
}
