// Package flowclient is a versioned HTTP client for the external workflow
// engine that runs the physical data flows. It detects the engine version,
// exposes the feature matrix for that version, and wraps the endpoints the
// platform provisions flows through: process groups, processors,
// connections, run state, and status.
package flowclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
	"github.com/nineking424/nificdc-sub004/internal/logger"
	"github.com/nineking424/nificdc-sub004/internal/template"
)

const (
	defaultUserAgent = "nificdc-runtime/1.0"
	bearerAuthPrefix = "Bearer "

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 4 * 1024 * 1024

	// maxErrorBodyBytes caps how much of an error body ends up in messages.
	maxErrorBodyBytes = 2048
)

// APIError is a non-2xx response from the engine. A zero StatusCode means
// the request never produced a response.
type APIError struct {
	StatusCode int
	Status     string
	Method     string
	Path       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http error %d (%s) %s %s: %s", e.StatusCode, e.Status, e.Method, e.Path, e.Message)
}

// Version is a parsed engine version.
type Version struct {
	Major int
	Minor int
	Patch int
	Raw   string
}

// ParseVersion parses "major.minor.patch" with an optional pre-release
// suffix ("2.0.0-M2", "1.16.0-SNAPSHOT").
func ParseVersion(raw string) (Version, error) {
	v := Version{Raw: raw}
	core := raw
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	parts := strings.SplitN(core, ".", 3)
	if len(parts) == 0 || parts[0] == "" {
		return v, fmt.Errorf("unparseable engine version %q", raw)
	}
	var err error
	if v.Major, err = strconv.Atoi(parts[0]); err != nil {
		return v, fmt.Errorf("unparseable engine version %q", raw)
	}
	if len(parts) > 1 {
		if v.Minor, err = strconv.Atoi(parts[1]); err != nil {
			return v, fmt.Errorf("unparseable engine version %q", raw)
		}
	}
	if len(parts) > 2 {
		if v.Patch, err = strconv.Atoi(parts[2]); err != nil {
			return v, fmt.Errorf("unparseable engine version %q", raw)
		}
	}
	return v, nil
}

// AtLeast reports whether the version is at or above major.minor.
func (v Version) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

func (v Version) String() string {
	if v.Raw != "" {
		return v.Raw
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Features is the capability matrix for a detected engine version.
type Features struct {
	// ParameterContexts: parameter contexts replace variable registries.
	ParameterContexts bool

	// SingleUserAuth: the engine ships with single-user token auth.
	SingleUserAuth bool

	// RunOnce: processors accept RUN_ONCE as a run state.
	RunOnce bool

	// FlowAnalysisRules: flow analysis rule endpoints exist.
	FlowAnalysisRules bool
}

// FeaturesFor maps an engine version onto its feature matrix.
func FeaturesFor(v Version) Features {
	return Features{
		ParameterContexts: v.AtLeast(1, 10),
		SingleUserAuth:    v.AtLeast(1, 14),
		RunOnce:           v.AtLeast(1, 16),
		FlowAnalysisRules: v.AtLeast(2, 0),
	}
}

// Client talks to one workflow engine. It is safe for concurrent use.
type Client struct {
	baseURL  string
	username string
	password string
	headers  map[string]string
	http     *http.Client
	retry    *errhandling.Manager

	mu       sync.RWMutex
	token    string
	version  Version
	features Features
}

// New builds a client from a validated configuration. No request is made
// until the first call.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if cfg.SkipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	c := &Client{
		baseURL:  cfg.normalizedBaseURL(),
		username: cfg.Username,
		password: cfg.Password,
		headers:  cfg.Headers,
		http: &http.Client{
			Timeout:   cfg.timeout(),
			Transport: transport,
		},
	}
	if cfg.MaxRetries > 0 {
		c.retry = errhandling.NewManager(errhandling.RetryPolicy{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Backoff:      errhandling.BackoffExponential,
			Jitter:       true,
		})
	}

	logger.Debug("flow client created",
		slog.String("base_url", c.baseURL),
		slog.Bool("has_auth", cfg.Username != ""),
		slog.Int("max_retries", cfg.MaxRetries),
	)
	return c, nil
}

// DetectVersion asks the engine for its version via the about endpoint and
// caches the version and feature matrix on the client.
func (c *Client) DetectVersion(ctx context.Context) (Version, error) {
	out, err := c.request(ctx, http.MethodGet, "/flow/about", nil, nil)
	if err != nil {
		return Version{}, err
	}
	raw := stringAt(out, "about.version")
	if raw == "" {
		return Version{}, errors.New("engine did not report a version")
	}
	v, err := ParseVersion(raw)
	if err != nil {
		return Version{}, err
	}

	c.mu.Lock()
	c.version = v
	c.features = FeaturesFor(v)
	c.mu.Unlock()

	logger.Debug("engine version detected",
		slog.String("version", raw),
		slog.Bool("parameter_contexts", c.features.ParameterContexts),
	)
	return v, nil
}

// Version returns the cached engine version. The second return is false
// until DetectVersion has succeeded.
func (c *Client) Version() (Version, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version, c.version.Raw != ""
}

// Features returns the cached feature matrix. Zero until DetectVersion has
// succeeded.
func (c *Client) Features() Features {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.features
}

// ResolveProperties renders {{field}} placeholders in processor property
// values against a parameter record before a spec is sent to the engine.
// Values without placeholders pass through unchanged.
func ResolveProperties(props map[string]string, params map[string]interface{}) map[string]string {
	if len(props) == 0 {
		return nil
	}
	ev := template.NewEvaluator()
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = ev.Evaluate(v, params)
	}
	return out
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) ensureToken(ctx context.Context) error {
	if c.currentToken() != "" {
		return nil
	}
	return c.refreshToken(ctx)
}

// refreshToken obtains an access token with form-encoded credentials. The
// engine returns the token as the raw response body.
func (c *Client) refreshToken(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/access/token", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return errhandling.NewNetworkError("token request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ce := errhandling.ClassifyHTTPStatus(resp.StatusCode, truncate(string(body), maxErrorBodyBytes))
		ce.OriginalErr = &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Method:     http.MethodPost,
			Path:       "/access/token",
			Message:    truncate(string(body), maxErrorBodyBytes),
		}
		return ce
	}

	token := strings.TrimSpace(string(body))
	if token == "" {
		return errors.New("token endpoint returned an empty token")
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	logger.Debug("engine access token obtained")
	return nil
}

// send performs one HTTP exchange and returns the status and body.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body []byte, token string) (int, string, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, "", nil, fmt.Errorf("creating http request: %w", err)
	}

	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if token != "" {
		req.Header.Set("Authorization", bearerAuthPrefix+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, "", nil, fmt.Errorf("reading response body: %w", err)
	}
	return resp.StatusCode, resp.Status, respBody, nil
}

// do performs one API call with token handling: the token is fetched
// lazily when credentials are configured, and a 401 gets one refresh and
// replay before it is surfaced.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload interface{}) (map[string]interface{}, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling request payload: %w", err)
		}
		body = b
	}

	if c.username != "" {
		if err := c.ensureToken(ctx); err != nil {
			return nil, err
		}
	}

	status, statusText, respBody, err := c.send(ctx, method, path, query, body, c.currentToken())
	if err != nil {
		return nil, &APIError{Status: "network error", Method: method, Path: path, Message: err.Error()}
	}

	if status == http.StatusUnauthorized && c.username != "" {
		c.clearToken()
		if err := c.refreshToken(ctx); err != nil {
			return nil, err
		}
		status, statusText, respBody, err = c.send(ctx, method, path, query, body, c.currentToken())
		if err != nil {
			return nil, &APIError{Status: "network error", Method: method, Path: path, Message: err.Error()}
		}
	}

	if status < 200 || status >= 300 {
		return nil, &APIError{
			StatusCode: status,
			Status:     statusText,
			Method:     method,
			Path:       path,
			Message:    truncate(string(respBody), maxErrorBodyBytes),
		}
	}
	if len(respBody) == 0 {
		return nil, nil
	}

	var out map[string]interface{}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return out, nil
}

// request wraps do with error classification and, for idempotent verbs,
// the retry policy. Creates are never replayed: a retry after an ambiguous
// failure could duplicate the component.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, payload interface{}) (map[string]interface{}, error) {
	if c.retry == nil || method == http.MethodPost {
		out, err := c.do(ctx, method, path, query, payload)
		return out, classifyAPI(err)
	}
	return errhandling.DoValue(ctx, c.retry, func(ctx context.Context) (map[string]interface{}, error) {
		out, err := c.do(ctx, method, path, query, payload)
		return out, classifyAPI(err)
	})
}

// classifyAPI maps transport failures onto the shared error taxonomy so
// the retry manager and callers see consistent retryability.
func classifyAPI(err error) error {
	if err == nil {
		return nil
	}
	var ae *APIError
	if !errors.As(err, &ae) {
		return err
	}
	if ae.StatusCode == 0 {
		return errhandling.NewNetworkError(ae.Message, ae)
	}
	ce := errhandling.ClassifyHTTPStatus(ae.StatusCode, ae.Message)
	ce.OriginalErr = ae
	return ce
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
