package optimizer

import (
	"sync"
	"time"
)

// historyLimit bounds the retained batch samples.
const historyLimit = 100

type batchSample struct {
	batchSize int
	duration  time.Duration
	items     int
}

// BatchOptimizer learns batch sizes from observed throughput. It keeps the
// last hundred samples and prefers the historically best-performing size
// over the static tier default.
type BatchOptimizer struct {
	mu      sync.Mutex
	samples []batchSample
	next    int
}

// NewBatchOptimizer creates an empty learner.
func NewBatchOptimizer() *BatchOptimizer {
	return &BatchOptimizer{}
}

// Record adds one observation. Non-positive figures are ignored.
func (b *BatchOptimizer) Record(batchSize int, duration time.Duration, items int) {
	if batchSize <= 0 || duration <= 0 || items <= 0 {
		return
	}
	s := batchSample{batchSize: batchSize, duration: duration, items: items}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.samples) < historyLimit {
		b.samples = append(b.samples, s)
		return
	}
	b.samples[b.next] = s
	b.next = (b.next + 1) % historyLimit
}

// Len returns the retained sample count.
func (b *BatchOptimizer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// OptimalBatchSize returns the batch size with the best observed throughput,
// or the size tier default when nothing has been recorded.
func (b *BatchOptimizer) OptimalBatchSize(dataSize int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.samples) == 0 {
		return tierBatchSize(dataSize)
	}

	type aggregate struct {
		items    int
		duration time.Duration
	}
	bySize := make(map[int]*aggregate)
	for _, s := range b.samples {
		agg := bySize[s.batchSize]
		if agg == nil {
			agg = &aggregate{}
			bySize[s.batchSize] = agg
		}
		agg.items += s.items
		agg.duration += s.duration
	}

	best, bestThroughput := 0, -1.0
	for size, agg := range bySize {
		throughput := float64(agg.items) / agg.duration.Seconds()
		if throughput > bestThroughput || (throughput == bestThroughput && size < best) {
			best, bestThroughput = size, throughput
		}
	}
	return best
}
