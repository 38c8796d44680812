// Package optimizer selects execution strategies from dataset size,
// mapping complexity, and resource conditions. It also compresses large
// payloads, chunks large arrays, keeps content-keyed caches, and reacts to
// memory pressure by shedding cached state.
package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	goruntime "runtime"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"

	"github.com/nineking424/nificdc-sub004/internal/events"
	"github.com/nineking424/nificdc-sub004/internal/logger"
)

// Executor strategy names, as consumed by the engine's executor registry.
const (
	ExecSequential = "sequential"
	ExecBatch      = "batch"
	ExecStream     = "stream"
	ExecParallel   = "parallel"
)

// Memory strategies.
const (
	MemoryStandard     = "standard"
	MemoryStreaming    = "streaming"
	MemoryConservative = "conservative"
)

// Strategy thresholds.
const (
	streamThreshold   = 100_000
	batchThreshold    = 10_000
	complexParallel   = 0.7
	lowMemoryFraction = 0.3
	highCPUFraction   = 0.8
	maxParallelism    = 8
)

// Plan is a strategy recommendation for one execution.
type Plan struct {
	ExecutorType   string `json:"executorType"`
	BatchSize      int    `json:"batchSize"`
	Parallelism    int    `json:"parallelism"`
	MemoryStrategy string `json:"memoryStrategy"`
}

// Env describes resource conditions at decision time. Fractions are in
// [0,1]; zero values mean unknown and leave the plan unadjusted.
type Env struct {
	AvailableMemory float64 `json:"availableMemory"`
	CPUUsage        float64 `json:"cpuUsage"`
}

// Config tunes the optimizer.
type Config struct {
	// CompressThreshold is the serialized size in bytes above which payloads
	// are compressed. Zero means 16KB; negative disables compression.
	CompressThreshold int
	// ChunkThreshold is the record count above which arrays are chunked.
	// Zero means 1000; negative disables chunking.
	ChunkThreshold int
	// ChunkSize is the records per chunk. Zero means 500.
	ChunkSize int
	// CacheSize bounds the content-keyed cache; zero or negative disables it.
	CacheSize int
	// GCPressure is the pressure at which HandleMemoryPressure also forces
	// a collection. Zero means 0.85.
	GCPressure float64
	Emitter    *events.Emitter
	Monitor    *Monitor
}

// DataOptimizedEvent is emitted on dataOptimized.
type DataOptimizedEvent struct {
	OriginalSize     int     `json:"originalSize"`
	OptimizedSize    int     `json:"optimizedSize"`
	CompressionRatio float64 `json:"compressionRatio"`
	Chunked          bool    `json:"chunked"`
}

// PerformanceWarningEvent is emitted on performanceWarning.
type PerformanceWarningEvent struct {
	Pressure float64  `json:"pressure"`
	Actions  []string `json:"actions"`
}

// Memory pressure actions.
const (
	ActionCacheCleared = "cache_cleared"
	ActionGCForced     = "gc_forced"
)

// Optimized is the result of OptimizeDataProcessing. Results stored in the
// content cache are shared; treat them as read-only.
type Optimized struct {
	// Data is the working form of the input: the original value, or a
	// [][]map[string]interface{} of chunks when chunking applied.
	Data interface{}
	// Compressed holds the zstd frame of the serialized payload when the
	// input exceeded the compression threshold.
	Compressed       []byte
	Chunked          bool
	OriginalSize     int
	OptimizedSize    int
	CompressionRatio float64
	ContentKey       uint64
}

// Optimizer recommends execution strategies and optimizes payload handling.
type Optimizer struct {
	cfg     Config
	emitter *events.Emitter
	monitor *Monitor
	batch   *BatchOptimizer

	enc *zstd.Encoder
	dec *zstd.Decoder

	cache  *lru.Cache[uint64, *Optimized]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates an optimizer. A nil monitor gets a default one.
func New(cfg Config) (*Optimizer, error) {
	if cfg.CompressThreshold == 0 {
		cfg.CompressThreshold = 16 * 1024
	}
	if cfg.ChunkThreshold == 0 {
		cfg.ChunkThreshold = 1000
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	if cfg.GCPressure <= 0 {
		cfg.GCPressure = 0.85
	}
	if cfg.Monitor == nil {
		cfg.Monitor = NewMonitor(MonitorConfig{Emitter: cfg.Emitter})
	}

	o := &Optimizer{
		cfg:     cfg,
		emitter: cfg.Emitter,
		monitor: cfg.Monitor,
		batch:   NewBatchOptimizer(),
	}

	var err error
	if o.enc, err = zstd.NewWriter(nil); err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	if o.dec, err = zstd.NewReader(nil); err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	if cfg.CacheSize > 0 {
		if o.cache, err = lru.New[uint64, *Optimized](cfg.CacheSize); err != nil {
			return nil, fmt.Errorf("content cache: %w", err)
		}
	}
	return o, nil
}

// Monitor returns the resource monitor.
func (o *Optimizer) Monitor() *Monitor { return o.monitor }

// BatchOptimizer returns the batch-size learner.
func (o *Optimizer) BatchOptimizer() *BatchOptimizer { return o.batch }

// tierBatchSize scales the batch size with the dataset size.
func tierBatchSize(dataSize int) int {
	switch {
	case dataSize <= 100:
		return 50
	case dataSize <= 1_000:
		return 100
	case dataSize <= 10_000:
		return 500
	case dataSize < 100_000:
		return 1000
	default:
		return 2000
	}
}

// OptimizeExecutionStrategy recommends an executor, batch size, parallelism,
// and memory strategy for a dataset of the given size and complexity.
// Complexity is in [0,1]; see the pipeline's Complexity method.
func (o *Optimizer) OptimizeExecutionStrategy(dataSize int, complexity float64, env Env) Plan {
	plan := Plan{
		ExecutorType:   ExecSequential,
		BatchSize:      o.batch.OptimalBatchSize(dataSize),
		Parallelism:    1,
		MemoryStrategy: MemoryStandard,
	}

	switch {
	case dataSize >= streamThreshold:
		plan.ExecutorType = ExecStream
		plan.MemoryStrategy = MemoryStreaming
	case dataSize >= batchThreshold:
		plan.ExecutorType = ExecBatch
	case complexity >= complexParallel:
		plan.ExecutorType = ExecParallel
		plan.Parallelism = min(goruntime.NumCPU(), maxParallelism)
	}

	if env.AvailableMemory > 0 && env.AvailableMemory < lowMemoryFraction {
		plan.MemoryStrategy = MemoryConservative
		plan.BatchSize = max(1, plan.BatchSize/2)
	}
	if env.CPUUsage > highCPUFraction && plan.Parallelism > 2 {
		plan.Parallelism = 2
	}

	logger.Logger.Debug("execution strategy selected",
		"dataSize", dataSize,
		"complexity", complexity,
		"executor", plan.ExecutorType,
		"batchSize", plan.BatchSize,
		"parallelism", plan.Parallelism,
		"memoryStrategy", plan.MemoryStrategy)
	return plan
}

// OptimizeDataProcessing prepares a payload for execution: arrays beyond the
// chunk threshold are split into chunks, serialized payloads beyond the
// compression threshold are zstd-compressed, and results are cached by
// content key when the cache is enabled.
func (o *Optimizer) OptimizeDataProcessing(ctx context.Context, data interface{}) (*Optimized, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}
	key := xxh3.Hash(raw)

	if o.cache != nil {
		if cached, ok := o.cache.Get(key); ok {
			o.hits.Add(1)
			return cached, nil
		}
		o.misses.Add(1)
	}

	opt := &Optimized{
		Data:             data,
		OriginalSize:     len(raw),
		OptimizedSize:    len(raw),
		CompressionRatio: 1,
		ContentKey:       key,
	}

	if chunks, chunked := o.chunk(data); chunked {
		opt.Data = chunks
		opt.Chunked = true
	}
	if o.cfg.CompressThreshold > 0 && len(raw) >= o.cfg.CompressThreshold {
		opt.Compressed = o.enc.EncodeAll(raw, make([]byte, 0, len(raw)/4))
		opt.OptimizedSize = len(opt.Compressed)
		if opt.OptimizedSize > 0 {
			opt.CompressionRatio = float64(opt.OriginalSize) / float64(opt.OptimizedSize)
		}
	}

	if o.cache != nil {
		o.cache.Add(key, opt)
	}
	if o.emitter != nil {
		o.emitter.Emit(events.DataOptimized, DataOptimizedEvent{
			OriginalSize:     opt.OriginalSize,
			OptimizedSize:    opt.OptimizedSize,
			CompressionRatio: opt.CompressionRatio,
			Chunked:          opt.Chunked,
		})
	}
	return opt, nil
}

// chunk splits record arrays longer than the chunk threshold.
func (o *Optimizer) chunk(data interface{}) ([][]map[string]interface{}, bool) {
	if o.cfg.ChunkThreshold <= 0 {
		return nil, false
	}
	records, ok := data.([]map[string]interface{})
	if !ok || len(records) <= o.cfg.ChunkThreshold {
		return nil, false
	}
	size := o.cfg.ChunkSize
	chunks := make([][]map[string]interface{}, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		chunks = append(chunks, records[start:end])
	}
	return chunks, true
}

// Decompress restores a payload produced by OptimizeDataProcessing.
func (o *Optimizer) Decompress(frame []byte) ([]byte, error) {
	return o.dec.DecodeAll(frame, nil)
}

// HandleMemoryPressure sheds cached state and, under severe pressure, forces
// a collection. It returns the actions taken and emits a performanceWarning
// describing them.
func (o *Optimizer) HandleMemoryPressure(pressure float64) []string {
	var actions []string
	if o.cache != nil && o.cache.Len() > 0 {
		o.cache.Purge()
		actions = append(actions, ActionCacheCleared)
	}
	if pressure >= o.cfg.GCPressure {
		goruntime.GC()
		actions = append(actions, ActionGCForced)
	}

	logger.Logger.Warn("memory pressure handled", "pressure", pressure, "actions", actions)
	if o.emitter != nil {
		o.emitter.Emit(events.PerformanceWarning, PerformanceWarningEvent{
			Pressure: pressure,
			Actions:  actions,
		})
	}
	return actions
}

// ContentCacheStats reports the content cache's counters.
func (o *Optimizer) ContentCacheStats() (hits, misses uint64, entries int) {
	if o.cache != nil {
		entries = o.cache.Len()
	}
	return o.hits.Load(), o.misses.Load(), entries
}
