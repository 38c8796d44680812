// Package errhandling provides error classification, retry, and circuit
// breaker utilities for mapping execution. Every failure that crosses a
// component boundary is classified into a closed set of error types; the
// type determines severity, recovery strategy, and retryability.
package errhandling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrorType is the classification of an error. The set is closed: every
// error maps to exactly one of these types, with ErrTypeUnknown as the fallback.
type ErrorType string

const (
	// ErrTypeValidation represents schema or rule validation failures.
	// Validation errors are permanent and should not be retried.
	ErrTypeValidation ErrorType = "VALIDATION_ERROR"

	// ErrTypeNetwork represents connectivity failures (connection refused,
	// reset, DNS). Network errors are typically transient and retryable.
	ErrTypeNetwork ErrorType = "NETWORK_ERROR"

	// ErrTypeTimeout represents deadline and socket timeout failures.
	// Timeouts are transient and retryable.
	ErrTypeTimeout ErrorType = "TIMEOUT_ERROR"

	// ErrTypeMemory represents memory exhaustion. Retrying does not help
	// until pressure is relieved, so the strategy is to break the circuit.
	ErrTypeMemory ErrorType = "MEMORY_ERROR"

	// ErrTypeDuplicateKey represents unique constraint violations on write.
	// The record already exists; skipping is the usual recovery.
	ErrTypeDuplicateKey ErrorType = "DUPLICATE_KEY_ERROR"

	// ErrTypeTransformation represents rule execution failures (bad transform
	// input, formula evaluation errors).
	ErrTypeTransformation ErrorType = "TRANSFORMATION_ERROR"

	// ErrTypeSystem represents internal platform failures.
	ErrTypeSystem ErrorType = "SYSTEM_ERROR"

	// ErrTypeBusinessRule represents domain rule violations raised by
	// business validators.
	ErrTypeBusinessRule ErrorType = "BUSINESS_RULE_VIOLATION"

	// ErrTypeUnknown is the fallback for errors no rule matched.
	ErrTypeUnknown ErrorType = "UNKNOWN_ERROR"
)

// Severity grades the operational impact of an error.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Strategy is the recommended recovery action for a classified error.
type Strategy string

const (
	StrategySkip               Strategy = "SKIP"
	StrategySkipAndLog         Strategy = "SKIP_AND_LOG"
	StrategyRetryWithBackoff   Strategy = "RETRY_WITH_BACKOFF"
	StrategyCircuitBreak       Strategy = "CIRCUIT_BREAK"
	StrategyManualIntervention Strategy = "MANUAL_INTERVENTION"
	StrategyFail               Strategy = "FAIL"
)

// ClassifiedError wraps an error with classification metadata: its type,
// severity, recommended recovery strategy, and arbitrary context captured
// at the failure site.
type ClassifiedError struct {
	// Type is the error classification.
	Type ErrorType

	// Severity grades the impact.
	Severity Severity

	// Strategy is the recommended recovery action.
	Strategy Strategy

	// Message is a human-readable error message.
	Message string

	// Context carries failure-site details (mapping id, record index, ...).
	Context map[string]interface{}

	// Timestamp records when the classification happened.
	Timestamp time.Time

	// OriginalErr is the underlying error that was classified.
	OriginalErr error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the original error for use with errors.Is and errors.As.
func (e *ClassifiedError) Unwrap() error {
	return e.OriginalErr
}

// Retryable reports whether the error type is transient.
func (e *ClassifiedError) Retryable() bool {
	return IsRetryableType(e.Type)
}

// IsRetryableType reports whether an error type is transient: network,
// timeout, transformation, and system errors can succeed on retry.
func IsRetryableType(t ErrorType) bool {
	switch t {
	case ErrTypeNetwork, ErrTypeTimeout, ErrTypeTransformation, ErrTypeSystem:
		return true
	}
	return false
}

// DefaultSeverity returns the severity assigned to an error type when the
// failure site provides no override.
func DefaultSeverity(t ErrorType) Severity {
	switch t {
	case ErrTypeDuplicateKey:
		return SeverityLow
	case ErrTypeValidation, ErrTypeTransformation, ErrTypeBusinessRule:
		return SeverityMedium
	case ErrTypeNetwork, ErrTypeTimeout, ErrTypeUnknown:
		return SeverityHigh
	case ErrTypeMemory, ErrTypeSystem:
		return SeverityCritical
	}
	return SeverityHigh
}

// DefaultStrategy returns the recovery strategy for a type and severity.
// Retryable types back off and retry; memory pressure breaks the circuit;
// any other critical failure requires manual intervention.
func DefaultStrategy(t ErrorType, sev Severity) Strategy {
	if t == ErrTypeMemory {
		return StrategyCircuitBreak
	}
	if sev == SeverityCritical {
		return StrategyManualIntervention
	}
	if IsRetryableType(t) {
		return StrategyRetryWithBackoff
	}
	switch t {
	case ErrTypeDuplicateKey:
		return StrategySkip
	case ErrTypeValidation, ErrTypeBusinessRule:
		return StrategySkipAndLog
	}
	return StrategyFail
}

// CodedError attaches a stable platform error code to an error. Codes
// survive message rewording, so classification by code is preferred over
// message patterns.
type CodedError struct {
	Code string
	Err  error
}

// WithCode wraps err with a platform error code.
func WithCode(code string, err error) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Err: err}
}

func (e *CodedError) Error() string {
	return e.Code + ": " + e.Err.Error()
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// platformCodes maps stable platform error codes to error types.
var platformCodes = map[string]ErrorType{
	"ECONNREFUSED":    ErrTypeNetwork,
	"ECONNRESET":      ErrTypeNetwork,
	"EHOSTUNREACH":    ErrTypeNetwork,
	"ENETUNREACH":     ErrTypeNetwork,
	"EPIPE":           ErrTypeNetwork,
	"ENOTFOUND":       ErrTypeNetwork,
	"ETIMEDOUT":       ErrTypeTimeout,
	"ESOCKETTIMEDOUT": ErrTypeTimeout,
	"ENOMEM":          ErrTypeMemory,
}

// messagePatterns maps message substrings to error types, checked in order
// against the lowercased message. Specific patterns come before generic ones.
var messagePatterns = []struct {
	substr string
	t      ErrorType
}{
	{"heap out of memory", ErrTypeMemory},
	{"out of memory", ErrTypeMemory},
	{"duplicate key", ErrTypeDuplicateKey},
	{"unique constraint", ErrTypeDuplicateKey},
	{"validation failed", ErrTypeValidation},
	{"transform", ErrTypeTransformation},
	{"business rule", ErrTypeBusinessRule},
	{"timed out", ErrTypeTimeout},
	{"timeout", ErrTypeTimeout},
	{"connection refused", ErrTypeNetwork},
	{"connection reset", ErrTypeNetwork},
	{"broken pipe", ErrTypeNetwork},
	{"no such host", ErrTypeNetwork},
}

// CustomClassifier inspects an error before the built-in rules run. It
// returns nil to pass the error on to the next classifier.
type CustomClassifier func(err error, errCtx map[string]interface{}) *ClassifiedError

type namedClassifier struct {
	name string
	fn   CustomClassifier
}

// Classifier classifies errors and keeps a bounded history of recent
// classifications for trend analysis. Custom classifiers registered on the
// instance run before the built-in rules, in registration order.
type Classifier struct {
	mu         sync.RWMutex
	custom     []namedClassifier
	history    []*ClassifiedError
	maxHistory int
}

// NewClassifier creates a classifier with an empty custom registry.
func NewClassifier() *Classifier {
	return &Classifier{maxHistory: 1000}
}

// Register adds a custom classifier under a name. Re-registering a name
// replaces the previous function.
func (c *Classifier) Register(name string, fn CustomClassifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.custom {
		if c.custom[i].name == name {
			c.custom[i].fn = fn
			return
		}
	}
	c.custom = append(c.custom, namedClassifier{name: name, fn: fn})
}

// Classify classifies an error, consulting custom classifiers first, then
// platform codes, then message patterns. The result is recorded in the
// classifier's history.
func (c *Classifier) Classify(err error, errCtx map[string]interface{}) *ClassifiedError {
	if err == nil {
		return nil
	}

	c.mu.RLock()
	customs := c.custom
	c.mu.RUnlock()

	var ce *ClassifiedError
	for _, nc := range customs {
		if got := nc.fn(err, errCtx); got != nil {
			ce = got
			break
		}
	}
	if ce == nil {
		ce = classify(err, errCtx)
	}

	c.record(ce)
	return ce
}

// History returns a copy of the recorded classifications, oldest first.
func (c *Classifier) History() []*ClassifiedError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*ClassifiedError, len(c.history))
	copy(out, c.history)
	return out
}

// ClearHistory drops the recorded history.
func (c *Classifier) ClearHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
}

func (c *Classifier) record(ce *ClassifiedError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, ce)
	if len(c.history) > c.maxHistory {
		// Drop the oldest half rather than shifting by one on every call.
		keep := c.maxHistory / 2
		c.history = append(c.history[:0:0], c.history[len(c.history)-keep:]...)
	}
}

// Classify classifies an error using the built-in rules only.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	return classify(err, nil)
}

// classify is the single classification point for the built-in rules.
// Order: already-classified passthrough, context errors, platform codes,
// Go network error types, message patterns, unknown.
func classify(err error, errCtx map[string]interface{}) *ClassifiedError {
	// Already classified: keep the original classification, attach context.
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		if classified.Context == nil && errCtx != nil {
			classified.Context = errCtx
		}
		return classified
	}

	// Context errors.
	if errors.Is(err, context.DeadlineExceeded) {
		return newTyped(ErrTypeTimeout, "operation timed out", err, errCtx)
	}
	if errors.Is(err, context.Canceled) {
		return newTyped(ErrTypeSystem, "operation canceled", err, errCtx)
	}

	// Stable platform error codes.
	var coded *CodedError
	if errors.As(err, &coded) {
		if t, ok := platformCodes[coded.Code]; ok {
			return newTyped(t, coded.Err.Error(), err, errCtx)
		}
	}

	// OS-level network errors.
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return newTyped(ErrTypeNetwork, err.Error(), err, errCtx)
	case errors.Is(err, syscall.ETIMEDOUT):
		return newTyped(ErrTypeTimeout, err.Error(), err, errCtx)
	}

	// Go network error types.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newTyped(ErrTypeTimeout, err.Error(), err, errCtx)
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	var urlErr *url.Error
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.As(err, &urlErr) {
		return newTyped(ErrTypeNetwork, err.Error(), err, errCtx)
	}

	// Message substring patterns.
	msg := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		if strings.Contains(msg, p.substr) {
			return newTyped(p.t, err.Error(), err, errCtx)
		}
	}

	return newTyped(ErrTypeUnknown, err.Error(), err, errCtx)
}

func newTyped(t ErrorType, message string, err error, errCtx map[string]interface{}) *ClassifiedError {
	sev := DefaultSeverity(t)
	return &ClassifiedError{
		Type:        t,
		Severity:    sev,
		Strategy:    DefaultStrategy(t, sev),
		Message:     message,
		Context:     errCtx,
		Timestamp:   time.Now(),
		OriginalErr: err,
	}
}

// IsRetryable reports whether an error is transient. Nil errors return false.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	// Cancellation is terminal regardless of classification.
	if errors.Is(err, context.Canceled) {
		return false
	}
	return Classify(err).Retryable()
}

// IsFatal reports whether an error must never be retried: validation,
// duplicate key, business rule, and memory errors.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err).Type {
	case ErrTypeValidation, ErrTypeDuplicateKey, ErrTypeBusinessRule, ErrTypeMemory:
		return true
	}
	return false
}

// ClassifyHTTPStatus classifies an HTTP response status.
//
// Classification rules:
//   - 401, 403, 404: validation errors (not retryable)
//   - 409: duplicate key (not retryable)
//   - 400, 422, other 4xx: validation errors (not retryable)
//   - 408: timeout (retryable)
//   - 429, 5xx: system errors (retryable)
func ClassifyHTTPStatus(statusCode int, message string) *ClassifiedError {
	if message == "" {
		message = fmt.Sprintf("http status %d", statusCode)
	}
	err := fmt.Errorf("http status %d: %s", statusCode, message)

	switch {
	case statusCode == 401:
		return newTyped(ErrTypeValidation, "unauthorized", err, nil)
	case statusCode == 403:
		return newTyped(ErrTypeValidation, "forbidden", err, nil)
	case statusCode == 404:
		return newTyped(ErrTypeValidation, "not found", err, nil)
	case statusCode == 408:
		return newTyped(ErrTypeTimeout, "request timeout", err, nil)
	case statusCode == 409:
		return newTyped(ErrTypeDuplicateKey, "conflict", err, nil)
	case statusCode == 429:
		return newTyped(ErrTypeSystem, "rate limited", err, nil)
	case statusCode >= 500:
		return newTyped(ErrTypeSystem, message, err, nil)
	case statusCode >= 400:
		return newTyped(ErrTypeValidation, message, err, nil)
	default:
		return newTyped(ErrTypeUnknown, message, err, nil)
	}
}

// NewValidationError creates a pre-classified validation error.
func NewValidationError(message string, cause error) *ClassifiedError {
	return newTyped(ErrTypeValidation, message, cause, nil)
}

// NewNetworkError creates a pre-classified network error.
func NewNetworkError(message string, cause error) *ClassifiedError {
	return newTyped(ErrTypeNetwork, message, cause, nil)
}

// NewTimeoutError creates a pre-classified timeout error.
func NewTimeoutError(message string, cause error) *ClassifiedError {
	return newTyped(ErrTypeTimeout, message, cause, nil)
}

// NewMemoryError creates a pre-classified memory exhaustion error.
func NewMemoryError(message string, cause error) *ClassifiedError {
	return newTyped(ErrTypeMemory, message, cause, nil)
}

// NewDuplicateKeyError creates a pre-classified duplicate key error.
func NewDuplicateKeyError(message string, cause error) *ClassifiedError {
	return newTyped(ErrTypeDuplicateKey, message, cause, nil)
}

// NewTransformationError creates a pre-classified transformation error.
func NewTransformationError(message string, cause error) *ClassifiedError {
	return newTyped(ErrTypeTransformation, message, cause, nil)
}

// NewSystemError creates a pre-classified system error.
func NewSystemError(message string, cause error) *ClassifiedError {
	return newTyped(ErrTypeSystem, message, cause, nil)
}

// NewBusinessRuleViolation creates a pre-classified business rule violation.
func NewBusinessRuleViolation(message string, cause error) *ClassifiedError {
	return newTyped(ErrTypeBusinessRule, message, cause, nil)
}
