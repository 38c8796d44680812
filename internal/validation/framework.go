package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/xxh3"

	"github.com/nineking424/nificdc-sub004/internal/events"
)

// Completed is the payload of a validationComplete event.
type Completed struct {
	Validators  []string      `json:"validators"`
	Valid       bool          `json:"valid"`
	Errors      int           `json:"errors"`
	Warnings    int           `json:"warnings"`
	CacheHits   int           `json:"cacheHits"`
	CacheMisses int           `json:"cacheMisses"`
	Duration    time.Duration `json:"duration"`
}

// Failed is the payload of a validationError event.
type Failed struct {
	Validator string `json:"validator,omitempty"`
	Message   string `json:"message"`
	Err       error  `json:"-"`
}

// FrameworkConfig tunes the validation framework.
type FrameworkConfig struct {
	// CacheSize is the number of cached results; zero or negative disables
	// the cache.
	CacheSize int
	// Emitter receives validationComplete and validationError events when
	// set.
	Emitter *events.Emitter
}

// Framework owns a registry of named validators and schemas, caches results
// by a fingerprint of (validator, data), and publishes validation events.
// Safe for concurrent use.
type Framework struct {
	cfg        FrameworkConfig
	mu         sync.RWMutex
	validators map[string]Validator
	cache      *lru.Cache[uint64, *Result]
	hits       atomic.Uint64
	misses     atomic.Uint64
}

// NewFramework creates a framework with the given configuration.
func NewFramework(cfg FrameworkConfig) (*Framework, error) {
	f := &Framework{cfg: cfg, validators: make(map[string]Validator)}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[uint64, *Result](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("validation cache: %w", err)
		}
		f.cache = cache
	}
	return f, nil
}

// Register adds a validator under its name, replacing any previous one.
func (f *Framework) Register(v Validator) error {
	if v == nil {
		return errors.New("nil validator")
	}
	if v.Name() == "" {
		return errors.New("validator requires a name")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validators[v.Name()] = v
	return nil
}

// RegisterFunc registers a custom validator built from fn.
func (f *Framework) RegisterFunc(name string, fn CustomFunc) error {
	v, err := NewCustomValidator(name, fn)
	if err != nil {
		return err
	}
	return f.Register(v)
}

// RegisterSchema compiles a JSON schema and registers it as a named schema
// validator.
func (f *Framework) RegisterSchema(name string, schemaJSON []byte, opts SchemaOptions) error {
	v, err := NewSchemaValidator(name, schemaJSON, opts)
	if err != nil {
		return err
	}
	return f.Register(v)
}

// Get returns the named validator.
func (f *Framework) Get(name string) (Validator, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.validators[name]
	return v, ok
}

// Schema returns the named schema validator, if registered as one.
func (f *Framework) Schema(name string) (*SchemaValidator, bool) {
	v, ok := f.Get(name)
	if !ok {
		return nil, false
	}
	sv, ok := v.(*SchemaValidator)
	return sv, ok
}

// Names returns the registered validator names, sorted.
func (f *Framework) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.validators))
	for name := range f.validators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate runs the named validators over the data and merges their results.
// An unregistered name or an internal validator failure aborts with an error.
func (f *Framework) Validate(ctx context.Context, data interface{}, names ...string) (*Result, error) {
	start := time.Now()
	merged := OK()
	hits, misses := 0, 0
	for _, name := range names {
		v, ok := f.Get(name)
		if !ok {
			err := fmt.Errorf("validator %q is not registered", name)
			f.emitError(name, err)
			return nil, err
		}
		res, cached, err := f.runOne(ctx, v, data)
		if err != nil {
			f.emitError(name, err)
			return nil, err
		}
		if cached {
			hits++
		} else {
			misses++
		}
		merged = merged.Merge(res)
	}

	if f.cfg.Emitter != nil {
		f.cfg.Emitter.Emit(events.ValidationComplete, Completed{
			Validators:  append([]string(nil), names...),
			Valid:       merged.Valid,
			Errors:      len(merged.Errors),
			Warnings:    len(merged.Warnings),
			CacheHits:   hits,
			CacheMisses: misses,
			Duration:    time.Since(start),
		})
		if !merged.Valid {
			f.emitError("", merged.Err())
		}
	}
	return merged, nil
}

func (f *Framework) runOne(ctx context.Context, v Validator, data interface{}) (*Result, bool, error) {
	key, cacheable := f.cacheKey(v, data)
	if cacheable {
		if cached, ok := f.cache.Get(key); ok {
			f.hits.Add(1)
			return cached.Clone(), true, nil
		}
	}
	res, err := v.Validate(ctx, data)
	if err != nil {
		return nil, false, err
	}
	if res == nil {
		res = OK()
	}
	if cacheable {
		f.misses.Add(1)
		f.cache.Add(key, res.Clone())
	}
	return res, false, nil
}

// cacheKey fingerprints (validator, data). Custom and composite validators
// are never cached: their functions may close over mutable state.
func (f *Framework) cacheKey(v Validator, data interface{}) (uint64, bool) {
	if f.cache == nil {
		return 0, false
	}
	switch v.Kind() {
	case KindCustom, KindComposite:
		return 0, false
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, false
	}
	h := xxh3.New()
	_, _ = h.WriteString(v.Name())
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(raw)
	return h.Sum64(), true
}

func (f *Framework) emitError(validator string, err error) {
	if f.cfg.Emitter == nil || err == nil {
		return
	}
	f.cfg.Emitter.Emit(events.ValidationError, Failed{
		Validator: validator,
		Message:   err.Error(),
		Err:       err,
	})
}

// CacheStats reports cumulative cache hits, misses, and the current entry
// count.
func (f *Framework) CacheStats() (hits, misses uint64, entries int) {
	if f.cache != nil {
		entries = f.cache.Len()
	}
	return f.hits.Load(), f.misses.Load(), entries
}

// InvalidateCache drops every cached result.
func (f *Framework) InvalidateCache() {
	if f.cache != nil {
		f.cache.Purge()
	}
}

// Hook adapts the named validators into a record hook: the returned function
// fails with an InvalidError when any of them reports errors. The signature
// matches the transformation pipeline's validation phase.
func (f *Framework) Hook(names ...string) func(ctx context.Context, record map[string]interface{}) (map[string]interface{}, error) {
	return func(ctx context.Context, record map[string]interface{}) (map[string]interface{}, error) {
		res, err := f.Validate(ctx, record, names...)
		if err != nil {
			return nil, err
		}
		if verr := res.Err(); verr != nil {
			return nil, verr
		}
		return nil, nil
	}
}
