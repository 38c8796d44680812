package optimizer

import (
	"context"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/nineking424/nificdc-sub004/internal/events"
	"github.com/nineking424/nificdc-sub004/internal/sched"
)

// MemoryPressureEvent is emitted on memoryPressure when a sample crosses the
// configured threshold.
type MemoryPressureEvent struct {
	Pressure  float64 `json:"pressure"`
	HeapInUse uint64  `json:"heapInUse"`
	Limit     uint64  `json:"limit"`
}

// Usage is one memory sample.
type Usage struct {
	HeapInUse  uint64
	HeapSys    uint64
	TotalAlloc uint64
	NumGC      uint32
	Goroutines int
	Pressure   float64
	SampledAt  time.Time
}

// MonitorConfig tunes resource sampling.
type MonitorConfig struct {
	// MemoryLimit is the heap budget pressure is measured against. Zero
	// measures against the memory obtained from the OS at sample time.
	MemoryLimit uint64
	// PressureThreshold is the pressure above which memoryPressure events
	// fire. Zero means 0.8.
	PressureThreshold float64
	// SampleInterval is the cadence for Attach. Zero means 30s.
	SampleInterval time.Duration
	Emitter        *events.Emitter
}

// Monitor samples process memory and keeps a processing-time average for
// strategy decisions.
type Monitor struct {
	limit     uint64
	threshold float64
	interval  time.Duration
	emitter   *events.Emitter

	mu       sync.Mutex
	last     Usage
	avg      time.Duration
	recorded uint64
}

// ewmaWeight is the weight of the newest processing-time sample.
const ewmaWeight = 0.2

// NewMonitor creates a monitor. The emitter may be nil.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.PressureThreshold <= 0 {
		cfg.PressureThreshold = 0.8
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 30 * time.Second
	}
	return &Monitor{
		limit:     cfg.MemoryLimit,
		threshold: cfg.PressureThreshold,
		interval:  cfg.SampleInterval,
		emitter:   cfg.Emitter,
	}
}

// Sample reads the current memory statistics, retains them, and emits a
// memoryPressure event when the configured threshold is crossed.
func (m *Monitor) Sample() Usage {
	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)

	limit := m.limit
	if limit == 0 {
		limit = ms.Sys
	}
	usage := Usage{
		HeapInUse:  ms.HeapInuse,
		HeapSys:    ms.HeapSys,
		TotalAlloc: ms.TotalAlloc,
		NumGC:      ms.NumGC,
		Goroutines: goruntime.NumGoroutine(),
		SampledAt:  time.Now(),
	}
	if limit > 0 {
		usage.Pressure = float64(ms.HeapInuse) / float64(limit)
	}

	m.mu.Lock()
	m.last = usage
	m.mu.Unlock()

	if usage.Pressure >= m.threshold && m.emitter != nil {
		m.emitter.Emit(events.MemoryPressure, MemoryPressureEvent{
			Pressure:  usage.Pressure,
			HeapInUse: usage.HeapInUse,
			Limit:     limit,
		})
	}
	return usage
}

// Usage returns the most recent sample, taking one if none exists yet.
func (m *Monitor) Usage() Usage {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()
	if last.SampledAt.IsZero() {
		return m.Sample()
	}
	return last
}

// MemoryPressure returns the most recently sampled pressure in [0,1+].
func (m *Monitor) MemoryPressure() float64 {
	return m.Usage().Pressure
}

// RecordProcessingTime folds one operation duration into the running
// average.
func (m *Monitor) RecordProcessingTime(d time.Duration) {
	if d < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded++
	if m.recorded == 1 {
		m.avg = d
		return
	}
	m.avg = time.Duration(float64(m.avg)*(1-ewmaWeight) + float64(d)*ewmaWeight)
}

// AvgProcessingTime returns the exponentially weighted processing-time
// average, zero before any recording.
func (m *Monitor) AvgProcessingTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avg
}

// Env derives environment figures for strategy selection from the latest
// sample. CPU usage is left to the caller; the process has no portable way
// to measure it without a sampling window.
func (m *Monitor) Env() Env {
	available := 1 - m.MemoryPressure()
	if available < 0 {
		available = 0
	}
	return Env{AvailableMemory: available}
}

// Attach registers periodic sampling on the runner.
func (m *Monitor) Attach(r *sched.Runner) error {
	return r.Add("optimizer.sample", m.interval, func(context.Context) {
		m.Sample()
	})
}
