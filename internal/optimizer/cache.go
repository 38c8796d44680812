package optimizer

import (
	"errors"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nineking424/nificdc-sub004/internal/events"
)

// CacheEvictionEvent is emitted on cacheEviction when an entry is pushed out
// by capacity.
type CacheEvictionEvent struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hitRate"`
	Entries int     `json:"entries"`
}

// CacheManager is a bounded associative store with LRU eviction. Capacity
// evictions emit cacheEviction events; explicit deletes do not.
type CacheManager struct {
	cache   *lru.Cache[string, interface{}]
	emitter *events.Emitter

	mu       sync.Mutex
	explicit bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCacheManager creates a cache holding at most size entries. The emitter
// may be nil.
func NewCacheManager(size int, emitter *events.Emitter) (*CacheManager, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	cm := &CacheManager{emitter: emitter}
	cache, err := lru.NewWithEvict[string, interface{}](size, func(key string, _ interface{}) {
		if cm.explicit || cm.emitter == nil {
			return
		}
		cm.emitter.Emit(events.CacheEviction, CacheEvictionEvent{Key: key, Reason: "capacity"})
	})
	if err != nil {
		return nil, err
	}
	cm.cache = cache
	return cm, nil
}

// Get returns the cached value and updates hit/miss counters.
func (cm *CacheManager) Get(key string) (interface{}, bool) {
	cm.mu.Lock()
	value, ok := cm.cache.Get(key)
	cm.mu.Unlock()
	if ok {
		cm.hits.Add(1)
	} else {
		cm.misses.Add(1)
	}
	return value, ok
}

// Set stores a value, possibly evicting the least recently used entry.
func (cm *CacheManager) Set(key string, value interface{}) {
	cm.mu.Lock()
	cm.cache.Add(key, value)
	cm.mu.Unlock()
}

// Delete removes an entry without emitting an eviction event.
func (cm *CacheManager) Delete(key string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.explicit = true
	present := cm.cache.Remove(key)
	cm.explicit = false
	return present
}

// Clear empties the cache without emitting eviction events.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.explicit = true
	cm.cache.Purge()
	cm.explicit = false
}

// Len returns the current entry count.
func (cm *CacheManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.cache.Len()
}

// Keys returns the cached keys from least to most recently used.
func (cm *CacheManager) Keys() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.cache.Keys()
}

// Stats returns hit/miss counters and the current size.
func (cm *CacheManager) Stats() CacheStats {
	hits, misses := cm.hits.Load(), cm.misses.Load()
	stats := CacheStats{Hits: hits, Misses: misses, Entries: cm.Len()}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}
