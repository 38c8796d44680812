package flowclient

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
)

// Default configuration values
const (
	DefaultTimeoutMs = 30000
	DefaultTimeout   = 30 * time.Second
)

// Config holds the connection settings for a workflow-engine API endpoint.
type Config struct {
	// BaseURL is the engine API root, e.g. "https://engine:8443/nifi-api".
	BaseURL string `json:"baseUrl"`

	// Username and Password enable token authentication. Both must be set
	// together; leave both empty against an unsecured engine.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// TimeoutMs is the per-request timeout in milliseconds (default 30000).
	TimeoutMs int `json:"timeoutMs,omitempty"`

	// SkipTLSVerify disables certificate verification for engines running
	// with self-signed certificates.
	SkipTLSVerify bool `json:"skipTlsVerify,omitempty"`

	// MaxRetries enables automatic retry of idempotent requests that fail
	// with a retryable status (0 = no retry).
	MaxRetries int `json:"maxRetries,omitempty"`

	// Headers are extra HTTP headers sent with every request.
	Headers map[string]string `json:"headers,omitempty"`
}

// ValidationError reports an invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// Validate checks the configuration for missing or out-of-range values.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return &ValidationError{Field: "baseUrl", Message: "baseUrl is required"}
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return &ValidationError{Field: "baseUrl", Message: fmt.Sprintf("invalid url: %v", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "baseUrl", Message: fmt.Sprintf("scheme must be http or https, got: %s", u.Scheme)}
	}
	if u.Host == "" {
		return &ValidationError{Field: "baseUrl", Message: "host is required"}
	}
	if (c.Username == "") != (c.Password == "") {
		return &ValidationError{Field: "username", Message: "username and password must be set together"}
	}
	if c.TimeoutMs < 0 {
		return &ValidationError{Field: "timeoutMs", Message: "must be >= 0"}
	}
	if c.MaxRetries < 0 || c.MaxRetries > errhandling.MaxRetryAttempts {
		return &ValidationError{Field: "maxRetries", Message: fmt.Sprintf("must be between 0 and %d", errhandling.MaxRetryAttempts)}
	}
	return nil
}

// ParseConfig extracts a Config from a generic settings map, as stored in
// the connection catalog.
func ParseConfig(raw map[string]interface{}) (Config, error) {
	cfg := Config{}
	if raw == nil {
		return cfg, cfg.Validate()
	}

	if v, ok := raw["baseUrl"].(string); ok {
		cfg.BaseURL = v
	}
	if v, ok := raw["username"].(string); ok {
		cfg.Username = v
	}
	if v, ok := raw["password"].(string); ok {
		cfg.Password = v
	}
	if v, ok := raw["skipTlsVerify"].(bool); ok {
		cfg.SkipTLSVerify = v
	}
	cfg.TimeoutMs = extractIntOption(raw, "timeoutMs")
	cfg.MaxRetries = extractIntOption(raw, "maxRetries")
	cfg.Headers = extractStringMap(raw, "headers")

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// timeout returns the request timeout, falling back to the default.
func (c Config) timeout() time.Duration {
	if c.TimeoutMs > 0 {
		return time.Duration(c.TimeoutMs) * time.Millisecond
	}
	return DefaultTimeout
}

func (c Config) normalizedBaseURL() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// extractIntOption reads an integer setting that may arrive as a JSON
// number or a native int.
func extractIntOption(raw map[string]interface{}, key string) int {
	switch v := raw[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return 0
}

// extractStringMap reads a map[string]string setting at the given key.
func extractStringMap(raw map[string]interface{}, key string) map[string]string {
	mapVal, ok := raw[key].(map[string]interface{})
	if !ok {
		return nil
	}
	result := make(map[string]string, len(mapVal))
	for k, v := range mapVal {
		if strVal, ok := v.(string); ok {
			result[k] = strVal
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
