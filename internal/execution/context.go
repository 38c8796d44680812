// Package execution tracks the lifecycle of a single mapping run: state
// transitions, progress, accumulated record errors, per-stage timing, and
// child executions spawned by batch and parallel executors.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

// State is an execution lifecycle state.
type State string

const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StatePaused      State = "paused"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateInitialized, StateRunning, StatePaused, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// StageProfile accumulates timing for one named stage.
type StageProfile struct {
	Count   int64 `json:"count"`
	TotalNs int64 `json:"totalNs"`
	MinNs   int64 `json:"minNs"`
	MaxNs   int64 `json:"maxNs"`
}

func (p *StageProfile) observe(d time.Duration) {
	ns := d.Nanoseconds()
	if p.Count == 0 || ns < p.MinNs {
		p.MinNs = ns
	}
	if ns > p.MaxNs {
		p.MaxNs = ns
	}
	p.Count++
	p.TotalNs += ns
}

// Avg returns the mean stage duration.
func (p *StageProfile) Avg() time.Duration {
	if p.Count == 0 {
		return 0
	}
	return time.Duration(p.TotalNs / p.Count)
}

// Meta is the immutable identity of an execution.
type Meta struct {
	ExecutionID    string `json:"executionId"`
	ParentID       string `json:"parentId,omitempty"`
	MappingID      string `json:"mappingId"`
	MappingName    string `json:"mappingName,omitempty"`
	MappingVersion string `json:"mappingVersion,omitempty"`
	Executor       string `json:"executor,omitempty"`
	UserID         string `json:"userId,omitempty"`
	DryRun         bool   `json:"dryRun,omitempty"`
}

// Context is the mutable run state for one mapping execution. Safe for
// concurrent use: executors update progress and errors from worker
// goroutines.
type Context struct {
	mu sync.RWMutex

	meta      Meta
	state     State
	progress  float64
	message   string
	processed int
	failed    int
	startedAt time.Time
	endedAt   time.Time
	failure   error
	errors    []mapping.RecordError
	children  []*Context
	profiling map[string]*StageProfile
	userData  map[string]interface{}
	cancel    context.CancelFunc
	merged    bool

	onProgress func(current, total int, message string)
	onError    func(mapping.RecordError)
}

// NewContext creates an execution context in the initialized state. A zero
// ExecutionID is filled with a generated one.
func NewContext(meta Meta) *Context {
	if meta.ExecutionID == "" {
		meta.ExecutionID = uuid.NewString()
	}
	return &Context{
		meta:      meta,
		state:     StateInitialized,
		profiling: make(map[string]*StageProfile),
	}
}

// Meta returns the execution's identity.
func (c *Context) Meta() Meta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

// ID returns the execution id.
func (c *Context) ID() string {
	return c.Meta().ExecutionID
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// BindCancel attaches the cancel function of the run's context so Cancel
// can stop in-flight work.
func (c *Context) BindCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel = cancel
}

// Start moves the execution to running.
func (c *Context) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInitialized {
		return c.badTransition(StateRunning)
	}
	c.state = StateRunning
	c.startedAt = time.Now()
	return nil
}

// Pause moves a running execution to paused.
func (c *Context) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return c.badTransition(StatePaused)
	}
	c.state = StatePaused
	return nil
}

// Resume moves a paused execution back to running.
func (c *Context) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return c.badTransition(StateRunning)
	}
	c.state = StateRunning
	return nil
}

// Complete moves the execution to completed and sets progress to 100.
func (c *Context) Complete() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return c.badTransition(StateCompleted)
	}
	c.state = StateCompleted
	c.progress = 100
	c.endedAt = time.Now()
	return nil
}

// Fail moves the execution to failed, recording the cause.
func (c *Context) Fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return c.badTransition(StateFailed)
	}
	c.state = StateFailed
	c.failure = err
	c.endedAt = time.Now()
	return nil
}

// Cancel moves the execution to cancelled and fires the bound cancel
// function, stopping in-flight work.
func (c *Context) Cancel() error {
	c.mu.Lock()
	if c.state.Terminal() {
		defer c.mu.Unlock()
		return c.badTransition(StateCancelled)
	}
	c.state = StateCancelled
	c.endedAt = time.Now()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (c *Context) badTransition(to State) error {
	if c.state.Terminal() {
		return fmt.Errorf("execution %s is already %s", c.meta.ExecutionID, c.state)
	}
	return fmt.Errorf("execution %s cannot move from %s to %s", c.meta.ExecutionID, c.state, to)
}

// Failure returns the error recorded by Fail, if any.
func (c *Context) Failure() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failure
}

// SetProgress updates the completion percentage, clamped to [0, 100].
func (c *Context) SetProgress(pct float64) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	c.mu.Lock()
	c.progress = pct
	c.mu.Unlock()
}

// Progress returns the completion percentage.
func (c *Context) Progress() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.progress
}

// UpdateProgress sets the completion percentage from a current/total pair and
// invokes the progress callback, if one is registered. An empty message keeps
// the previously stored one so routine ticks do not erase meaningful status.
func (c *Context) UpdateProgress(current, total int, message string) {
	c.mu.Lock()
	if total > 0 {
		pct := 100 * float64(current) / float64(total)
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		c.progress = pct
	}
	if message != "" {
		c.message = message
	}
	fn := c.onProgress
	c.mu.Unlock()

	if fn != nil {
		fn(current, total, message)
	}
}

// OnProgress registers a callback invoked on every UpdateProgress call. The
// callback runs on the updating goroutine and must not block.
func (c *Context) OnProgress(fn func(current, total int, message string)) {
	c.mu.Lock()
	c.onProgress = fn
	c.mu.Unlock()
}

// Message returns the last progress message.
func (c *Context) Message() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.message
}

// AddProcessed adds n to the processed-record count.
func (c *Context) AddProcessed(n int) {
	c.mu.Lock()
	c.processed += n
	c.mu.Unlock()
}

// RecordsProcessed returns the number of records this execution has
// attempted, including merged child counts.
func (c *Context) RecordsProcessed() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.processed
}

// RecordsFailed returns the number of failed records, including merged child
// counts.
func (c *Context) RecordsFailed() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failed
}

// AddError records a record-level error, counts the failure, and invokes the
// error callback, if one is registered.
func (c *Context) AddError(re mapping.RecordError) {
	c.mu.Lock()
	c.errors = append(c.errors, re)
	c.failed++
	fn := c.onError
	c.mu.Unlock()

	if fn != nil {
		fn(re)
	}
}

// OnError registers a callback invoked on every AddError call.
func (c *Context) OnError(fn func(mapping.RecordError)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// SetUserData stores an arbitrary key/value pair on the execution.
func (c *Context) SetUserData(key string, value interface{}) {
	c.mu.Lock()
	if c.userData == nil {
		c.userData = make(map[string]interface{})
	}
	c.userData[key] = value
	c.mu.Unlock()
}

// UserData returns the value stored under key.
func (c *Context) UserData(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.userData[key]
	return v, ok
}

// Errors returns a copy of the accumulated record errors.
func (c *Context) Errors() []mapping.RecordError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mapping.RecordError, len(c.errors))
	copy(out, c.errors)
	return out
}

// ErrorCount returns the number of accumulated record errors.
func (c *Context) ErrorCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.errors)
}

// AddChild attaches a child execution (one batch or chunk).
func (c *Context) AddChild(child *Context) {
	c.mu.Lock()
	c.children = append(c.children, child)
	c.mu.Unlock()
}

// Children returns the attached child executions.
func (c *Context) Children() []*Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Context, len(c.children))
	copy(out, c.children)
	return out
}

// CreateChild creates and attaches a child execution. Empty meta fields are
// inherited from the parent; the child carries the parent's execution id in
// ParentID.
func (c *Context) CreateChild(meta Meta) *Context {
	parent := c.Meta()
	meta.ParentID = parent.ExecutionID
	if meta.MappingID == "" {
		meta.MappingID = parent.MappingID
	}
	if meta.MappingName == "" {
		meta.MappingName = parent.MappingName
	}
	if meta.MappingVersion == "" {
		meta.MappingVersion = parent.MappingVersion
	}
	if meta.Executor == "" {
		meta.Executor = parent.Executor
	}
	if meta.UserID == "" {
		meta.UserID = parent.UserID
	}
	meta.DryRun = meta.DryRun || parent.DryRun

	child := NewContext(meta)
	c.AddChild(child)
	return child
}

// MergeChild folds a terminated child's record counts, errors, and stage
// profiles into the parent. A child merges exactly once; merging a child that
// is still running is an error because its numbers are not final.
func (c *Context) MergeChild(child *Context) error {
	if child == nil {
		return fmt.Errorf("merge of nil child into execution %s", c.ID())
	}

	child.mu.Lock()
	if !child.state.Terminal() {
		state := child.state
		child.mu.Unlock()
		return fmt.Errorf("child %s is still %s, merge requires a terminal state", child.meta.ExecutionID, state)
	}
	if child.merged {
		child.mu.Unlock()
		return fmt.Errorf("child %s is already merged", child.meta.ExecutionID)
	}
	child.merged = true
	processed := child.processed
	failed := child.failed
	errs := make([]mapping.RecordError, len(child.errors))
	copy(errs, child.errors)
	profiles := make(map[string]StageProfile, len(child.profiling))
	for name, p := range child.profiling {
		profiles[name] = *p
	}
	child.mu.Unlock()

	c.mu.Lock()
	c.processed += processed
	c.failed += failed
	c.errors = append(c.errors, errs...)
	for name, cp := range profiles {
		p := c.profiling[name]
		if p == nil {
			merged := cp
			c.profiling[name] = &merged
			continue
		}
		if cp.MinNs < p.MinNs || p.Count == 0 {
			p.MinNs = cp.MinNs
		}
		if cp.MaxNs > p.MaxNs {
			p.MaxNs = cp.MaxNs
		}
		p.Count += cp.Count
		p.TotalNs += cp.TotalNs
	}
	c.mu.Unlock()
	return nil
}

// RecordStage folds one stage duration into the profile for name.
func (c *Context) RecordStage(name string, d time.Duration) {
	c.mu.Lock()
	p := c.profiling[name]
	if p == nil {
		p = &StageProfile{}
		c.profiling[name] = p
	}
	p.observe(d)
	c.mu.Unlock()
}

// ProfileStage runs fn and records its duration under name.
func (c *Context) ProfileStage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	c.RecordStage(name, time.Since(start))
	return err
}

// Profile returns a copy of the stage profiles.
func (c *Context) Profile() map[string]StageProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]StageProfile, len(c.profiling))
	for name, p := range c.profiling {
		out[name] = *p
	}
	return out
}

// Duration returns the wall time of the run so far, or the final duration
// once the execution has ended.
func (c *Context) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.startedAt.IsZero() {
		return 0
	}
	if c.endedAt.IsZero() {
		return time.Since(c.startedAt)
	}
	return c.endedAt.Sub(c.startedAt)
}

// Snapshot is a serializable point-in-time view of an execution.
type Snapshot struct {
	Meta             Meta                    `json:"meta"`
	State            State                   `json:"state"`
	Progress         float64                 `json:"progress"`
	Message          string                  `json:"message,omitempty"`
	RecordsProcessed int                     `json:"recordsProcessed,omitempty"`
	RecordsFailed    int                     `json:"recordsFailed,omitempty"`
	StartedAt        time.Time               `json:"startedAt,omitempty"`
	EndedAt          time.Time               `json:"endedAt,omitempty"`
	Failure          string                  `json:"failure,omitempty"`
	Errors           []mapping.RecordError   `json:"errors,omitempty"`
	Children         []Snapshot              `json:"children,omitempty"`
	Profiling        map[string]StageProfile `json:"profiling,omitempty"`
	UserData         map[string]interface{}  `json:"userData,omitempty"`
}

// Snapshot captures the execution tree.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	snap := Snapshot{
		Meta:             c.meta,
		State:            c.state,
		Progress:         c.progress,
		Message:          c.message,
		RecordsProcessed: c.processed,
		RecordsFailed:    c.failed,
		StartedAt:        c.startedAt,
		EndedAt:          c.endedAt,
	}
	if c.failure != nil {
		snap.Failure = c.failure.Error()
	}
	if len(c.errors) > 0 {
		snap.Errors = make([]mapping.RecordError, len(c.errors))
		copy(snap.Errors, c.errors)
	}
	if len(c.profiling) > 0 {
		snap.Profiling = make(map[string]StageProfile, len(c.profiling))
		for name, p := range c.profiling {
			snap.Profiling[name] = *p
		}
	}
	if len(c.userData) > 0 {
		snap.UserData = make(map[string]interface{}, len(c.userData))
		for k, v := range c.userData {
			snap.UserData[k] = v
		}
	}
	children := make([]*Context, len(c.children))
	copy(children, c.children)
	c.mu.RUnlock()

	for _, child := range children {
		snap.Children = append(snap.Children, child.Snapshot())
	}
	return snap
}

// MarshalJSON serializes the snapshot.
func (c *Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}

// FromSnapshot rebuilds a context from a persisted snapshot. The cancel
// binding is not restored.
func FromSnapshot(snap Snapshot) *Context {
	c := &Context{
		meta:      snap.Meta,
		state:     snap.State,
		progress:  snap.Progress,
		message:   snap.Message,
		processed: snap.RecordsProcessed,
		failed:    snap.RecordsFailed,
		startedAt: snap.StartedAt,
		endedAt:   snap.EndedAt,
		profiling: make(map[string]*StageProfile),
	}
	if !c.state.Valid() {
		c.state = StateInitialized
	}
	if snap.Failure != "" {
		c.failure = fmt.Errorf("%s", snap.Failure)
	}
	if len(snap.Errors) > 0 {
		c.errors = make([]mapping.RecordError, len(snap.Errors))
		copy(c.errors, snap.Errors)
	}
	for name, p := range snap.Profiling {
		cp := p
		c.profiling[name] = &cp
	}
	if len(snap.UserData) > 0 {
		c.userData = make(map[string]interface{}, len(snap.UserData))
		for k, v := range snap.UserData {
			c.userData[k] = v
		}
	}
	for _, childSnap := range snap.Children {
		c.children = append(c.children, FromSnapshot(childSnap))
	}
	return c
}

// UnmarshalFromJSON rebuilds a context from serialized snapshot JSON.
func UnmarshalFromJSON(data []byte) (*Context, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse execution snapshot: %w", err)
	}
	return FromSnapshot(snap), nil
}
