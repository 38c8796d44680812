package flowclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
)

func newTestClient(t *testing.T, srv *httptest.Server, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{BaseURL: srv.URL}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func decodeBody(t *testing.T, r *http.Request) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		t.Fatalf("decoding request body: %v", err)
	}
	return m
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		raw     string
		want    Version
		wantErr bool
	}{
		{raw: "1.23.2", want: Version{Major: 1, Minor: 23, Patch: 2, Raw: "1.23.2"}},
		{raw: "2.0.0-M2", want: Version{Major: 2, Raw: "2.0.0-M2"}},
		{raw: "1.16.0-SNAPSHOT", want: Version{Major: 1, Minor: 16, Raw: "1.16.0-SNAPSHOT"}},
		{raw: "10", want: Version{Major: 10, Raw: "10"}},
		{raw: "abc", wantErr: true},
		{raw: "", wantErr: true},
		{raw: "1.x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseVersion(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseVersion(%q) = %+v, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseVersion(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("ParseVersion(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestFeatureMatrix(t *testing.T) {
	tests := []struct {
		version string
		want    Features
	}{
		{"0.7.4", Features{}},
		{"1.9.2", Features{}},
		{"1.10.0", Features{ParameterContexts: true}},
		{"1.14.0", Features{ParameterContexts: true, SingleUserAuth: true}},
		{"1.16.3", Features{ParameterContexts: true, SingleUserAuth: true, RunOnce: true}},
		{"2.0.0", Features{ParameterContexts: true, SingleUserAuth: true, RunOnce: true, FlowAnalysisRules: true}},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			v, err := ParseVersion(tt.version)
			if err != nil {
				t.Fatalf("ParseVersion: %v", err)
			}
			if got := FeaturesFor(v); got != tt.want {
				t.Errorf("FeaturesFor(%s) = %+v, want %+v", tt.version, got, tt.want)
			}
		})
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantField string
	}{
		{"missing base url", Config{}, "baseUrl"},
		{"bad scheme", Config{BaseURL: "ftp://engine"}, "baseUrl"},
		{"username without password", Config{BaseURL: "http://engine", Username: "admin"}, "username"},
		{"negative timeout", Config{BaseURL: "http://engine", TimeoutMs: -1}, "timeoutMs"},
		{"excessive retries", Config{BaseURL: "http://engine", MaxRetries: 99}, "maxRetries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.wantField {
				t.Errorf("Validate() = %v, want validation error for %s", err, tt.wantField)
			}
		})
	}

	ok := Config{BaseURL: "https://engine:8443/nifi-api", Username: "admin", Password: "secret"}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(map[string]interface{}{
		"baseUrl":       "https://engine:8443/nifi-api/",
		"username":      "admin",
		"password":      "secret",
		"timeoutMs":     float64(5000),
		"maxRetries":    float64(2),
		"skipTlsVerify": true,
		"headers":       map[string]interface{}{"X-Proxy": "edge", "ignored": 7},
	})
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.BaseURL != "https://engine:8443/nifi-api/" || cfg.Username != "admin" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.TimeoutMs != 5000 || cfg.MaxRetries != 2 || !cfg.SkipTLSVerify {
		t.Errorf("cfg options = %+v", cfg)
	}
	if want := map[string]string{"X-Proxy": "edge"}; !reflect.DeepEqual(cfg.Headers, want) {
		t.Errorf("headers = %v, want %v", cfg.Headers, want)
	}

	if _, err := ParseConfig(map[string]interface{}{"baseUrl": "not a url", "username": "x"}); err == nil {
		t.Error("expected validation error")
	}
}

func TestDetectVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/flow/about" || r.Method != http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q", got)
		}
		writeJSON(w, http.StatusOK, `{"about":{"title":"Flow","version":"1.23.2"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	if _, ok := c.Version(); ok {
		t.Error("version should be unknown before detection")
	}

	v, err := c.DetectVersion(context.Background())
	if err != nil {
		t.Fatalf("DetectVersion: %v", err)
	}
	if v.Major != 1 || v.Minor != 23 || v.Patch != 2 {
		t.Errorf("version = %+v", v)
	}
	if cached, ok := c.Version(); !ok || cached != v {
		t.Errorf("cached version = %+v, %v", cached, ok)
	}
	f := c.Features()
	if !f.ParameterContexts || !f.SingleUserAuth || !f.RunOnce || f.FlowAnalysisRules {
		t.Errorf("features = %+v", f)
	}
}

func TestTokenAuthWithReplayOn401(t *testing.T) {
	var tokenCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/access/token":
			if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
				t.Errorf("token content type = %q", ct)
			}
			if err := r.ParseForm(); err != nil {
				t.Errorf("parsing token form: %v", err)
			}
			if r.PostFormValue("username") != "admin" || r.PostFormValue("password") != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			n := atomic.AddInt32(&tokenCount, 1)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, "token-%d", n)
		case r.URL.Path == "/flow/about":
			// Only the second token is accepted, as if the first expired.
			if r.Header.Get("Authorization") != "Bearer token-2" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			writeJSON(w, http.StatusOK, `{"about":{"version":"1.14.0"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, func(cfg *Config) {
		cfg.Username = "admin"
		cfg.Password = "secret"
	})

	if _, err := c.DetectVersion(context.Background()); err != nil {
		t.Fatalf("DetectVersion: %v", err)
	}
	if n := atomic.LoadInt32(&tokenCount); n != 2 {
		t.Errorf("token requests = %d, want 2 (initial + refresh after 401)", n)
	}
}

func TestProcessGroupLifecycle(t *testing.T) {
	var deleteQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/process-groups/root/process-groups":
			body := decodeBody(t, r)
			name, _ := body["component"].(map[string]interface{})["name"].(string)
			writeJSON(w, http.StatusCreated, fmt.Sprintf(
				`{"id":"pg-1","revision":{"version":0},"component":{"id":"pg-1","parentGroupId":"root","name":%q}}`, name))
		case r.Method == http.MethodGet && r.URL.Path == "/process-groups/pg-1":
			writeJSON(w, http.StatusOK,
				`{"id":"pg-1","revision":{"version":3,"clientId":"web-client"},"runningCount":2,"stoppedCount":1,"component":{"id":"pg-1","parentGroupId":"root","name":"cdc-flow"}}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/process-groups/pg-1":
			deleteQuery = r.URL.Query()
			writeJSON(w, http.StatusOK, `{"id":"pg-1"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	created, err := c.CreateProcessGroup(ctx, "root", "cdc-flow")
	if err != nil {
		t.Fatalf("CreateProcessGroup: %v", err)
	}
	if created.ID != "pg-1" || created.Name != "cdc-flow" || created.ParentID != "root" {
		t.Errorf("created = %+v", created)
	}

	got, err := c.GetProcessGroup(ctx, "pg-1")
	if err != nil {
		t.Fatalf("GetProcessGroup: %v", err)
	}
	if got.Revision.Version != 3 || got.Revision.ClientID != "web-client" {
		t.Errorf("revision = %+v", got.Revision)
	}
	if got.RunningCount != 2 || got.StoppedCount != 1 {
		t.Errorf("counts = %+v", got)
	}

	if err := c.DeleteProcessGroup(ctx, "pg-1"); err != nil {
		t.Fatalf("DeleteProcessGroup: %v", err)
	}
	if deleteQuery.Get("version") != "3" || deleteQuery.Get("clientId") != "web-client" {
		t.Errorf("delete query = %v, want current revision", deleteQuery)
	}
}

func TestProcessorLifecycle(t *testing.T) {
	var runStatusBody, updateBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/process-groups/pg-1/processors":
			body := decodeBody(t, r)
			component := body["component"].(map[string]interface{})
			if component["type"] != "org.example.CaptureChanges" {
				t.Errorf("component type = %v", component["type"])
			}
			config := component["config"].(map[string]interface{})
			if config["schedulingPeriod"] != "5 sec" {
				t.Errorf("scheduling period = %v", config["schedulingPeriod"])
			}
			writeJSON(w, http.StatusCreated,
				`{"id":"proc-1","revision":{"version":0},"component":{"id":"proc-1","parentGroupId":"pg-1","name":"capture","type":"org.example.CaptureChanges","state":"STOPPED","config":{"properties":{"Table Name":"users"}}}}`)
		case r.Method == http.MethodGet && r.URL.Path == "/processors/proc-1":
			writeJSON(w, http.StatusOK,
				`{"id":"proc-1","revision":{"version":5},"component":{"id":"proc-1","parentGroupId":"pg-1","name":"capture","type":"org.example.CaptureChanges","state":"STOPPED","config":{"properties":{"Table Name":"users"}},"validationErrors":["'Connection Pool' is invalid"]}}`)
		case r.Method == http.MethodPut && r.URL.Path == "/processors/proc-1":
			updateBody = decodeBody(t, r)
			writeJSON(w, http.StatusOK,
				`{"id":"proc-1","revision":{"version":6},"component":{"id":"proc-1","parentGroupId":"pg-1","name":"capture","type":"org.example.CaptureChanges","state":"STOPPED","config":{"properties":{"Table Name":"orders"}}}}`)
		case r.Method == http.MethodPut && r.URL.Path == "/processors/proc-1/run-status":
			runStatusBody = decodeBody(t, r)
			writeJSON(w, http.StatusOK, `{"id":"proc-1","revision":{"version":6},"component":{"state":"RUNNING"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	if _, err := c.CreateProcessor(ctx, "pg-1", ProcessorSpec{Name: "capture"}); err == nil {
		t.Error("expected error for missing processor type")
	}

	created, err := c.CreateProcessor(ctx, "pg-1", ProcessorSpec{
		Name:                        "capture",
		Type:                        "org.example.CaptureChanges",
		Properties:                  map[string]string{"Table Name": "users"},
		SchedulingPeriod:            "5 sec",
		AutoTerminatedRelationships: []string{"failure"},
	})
	if err != nil {
		t.Fatalf("CreateProcessor: %v", err)
	}
	if created.ID != "proc-1" || created.State != "STOPPED" {
		t.Errorf("created = %+v", created)
	}
	if created.Properties["Table Name"] != "users" {
		t.Errorf("properties = %v", created.Properties)
	}

	got, err := c.GetProcessor(ctx, "proc-1")
	if err != nil {
		t.Fatalf("GetProcessor: %v", err)
	}
	if len(got.ValidationErrors) != 1 || !strings.Contains(got.ValidationErrors[0], "invalid") {
		t.Errorf("validation errors = %v", got.ValidationErrors)
	}

	updated, err := c.UpdateProcessorProperties(ctx, "proc-1", map[string]string{"Table Name": "orders"})
	if err != nil {
		t.Fatalf("UpdateProcessorProperties: %v", err)
	}
	if updated.Properties["Table Name"] != "orders" {
		t.Errorf("updated properties = %v", updated.Properties)
	}
	// The update carried the revision read from the prior GET.
	if v := updateBody["revision"].(map[string]interface{})["version"]; v != float64(5) {
		t.Errorf("update revision = %v, want 5", v)
	}

	if err := c.StartProcessor(ctx, "proc-1"); err != nil {
		t.Fatalf("StartProcessor: %v", err)
	}
	if runStatusBody["state"] != StateRunning {
		t.Errorf("run-status state = %v, want RUNNING", runStatusBody["state"])
	}
	if v := runStatusBody["revision"].(map[string]interface{})["version"]; v != float64(5) {
		t.Errorf("run-status revision = %v, want 5", v)
	}

	if err := c.StopProcessor(ctx, "proc-1"); err != nil {
		t.Fatalf("StopProcessor: %v", err)
	}
	if runStatusBody["state"] != StateStopped {
		t.Errorf("run-status state = %v, want STOPPED", runStatusBody["state"])
	}
}

func TestCreateConnection(t *testing.T) {
	var connBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/process-groups/pg-1/connections" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		connBody = decodeBody(t, r)
		writeJSON(w, http.StatusCreated,
			`{"id":"conn-1","revision":{"version":0},"component":{"source":{"id":"proc-1"},"destination":{"id":"proc-2"}}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)

	if _, err := c.CreateConnection(context.Background(), "pg-1", ConnectionSpec{SourceID: "proc-1"}); err == nil {
		t.Error("expected error for missing destination")
	}

	conn, err := c.CreateConnection(context.Background(), "pg-1", ConnectionSpec{
		SourceID:      "proc-1",
		DestinationID: "proc-2",
		Relationships: []string{"success"},
	})
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	if conn.ID != "conn-1" || conn.SourceID != "proc-1" || conn.DestinationID != "proc-2" {
		t.Errorf("connection = %+v", conn)
	}

	component := connBody["component"].(map[string]interface{})
	source := component["source"].(map[string]interface{})
	if source["type"] != "PROCESSOR" || source["groupId"] != "pg-1" {
		t.Errorf("source = %v, want defaulted PROCESSOR in pg-1", source)
	}
	if rels, _ := component["selectedRelationships"].([]interface{}); len(rels) != 1 || rels[0] != "success" {
		t.Errorf("relationships = %v", component["selectedRelationships"])
	}
}

func TestFlowStatusAndDiagnostics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flow/process-groups/pg-1/status":
			writeJSON(w, http.StatusOK,
				`{"processGroupStatus":{"id":"pg-1","name":"cdc-flow","aggregateSnapshot":{"activeThreadCount":3,"flowFilesQueued":120,"bytesQueued":4096,"flowFilesIn":500,"bytesIn":10240,"flowFilesOut":380,"bytesOut":8192}}}`)
		case "/system-diagnostics":
			writeJSON(w, http.StatusOK,
				`{"systemDiagnostics":{"aggregateSnapshot":{"availableProcessors":8,"processorLoadAverage":1.5,"totalThreads":71,"usedHeap":"512 MB","maxHeap":"2 GB","heapUtilization":"25.0%","uptime":"01:23:45.678"}}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	status, err := c.FlowStatus(ctx, "pg-1")
	if err != nil {
		t.Fatalf("FlowStatus: %v", err)
	}
	want := &FlowStatus{
		ID: "pg-1", Name: "cdc-flow", ActiveThreadCount: 3,
		FlowFilesQueued: 120, BytesQueued: 4096,
		FlowFilesIn: 500, BytesIn: 10240,
		FlowFilesOut: 380, BytesOut: 8192,
	}
	if !reflect.DeepEqual(status, want) {
		t.Errorf("status = %+v, want %+v", status, want)
	}

	diag, err := c.SystemDiagnostics(ctx)
	if err != nil {
		t.Fatalf("SystemDiagnostics: %v", err)
	}
	if diag.AvailableProcessors != 8 || diag.TotalThreads != 71 {
		t.Errorf("diagnostics = %+v", diag)
	}
	if diag.ProcessorLoadAverage != 1.5 || diag.UsedHeap != "512 MB" || diag.HeapUtilization != "25.0%" {
		t.Errorf("diagnostics = %+v", diag)
	}
}

func TestErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/processors/missing":
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, "Unable to locate processor with id 'missing'")
		case "/system-diagnostics":
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, "engine is restarting")
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	_, err := c.GetProcessor(ctx, "missing")
	var ce *errhandling.ClassifiedError
	if !errors.As(err, &ce) || ce.Type != errhandling.ErrTypeValidation {
		t.Fatalf("err = %v, want classified validation error", err)
	}
	var ae *APIError
	if !errors.As(err, &ae) || ae.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want APIError with 404", err)
	}
	if !strings.Contains(ae.Error(), "GET") || !strings.Contains(ae.Error(), "/processors/missing") {
		t.Errorf("APIError text = %q", ae.Error())
	}

	_, err = c.SystemDiagnostics(ctx)
	if !errors.As(err, &ce) || ce.Type != errhandling.ErrTypeSystem || !ce.Retryable() {
		t.Fatalf("err = %v, want retryable system error", err)
	}
}

func TestRetryBehavior(t *testing.T) {
	var aboutCalls, createCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/flow/about":
			if atomic.AddInt32(&aboutCalls, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			writeJSON(w, http.StatusOK, `{"about":{"version":"1.16.0"}}`)
		case r.Method == http.MethodPost:
			atomic.AddInt32(&createCalls, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, func(cfg *Config) { cfg.MaxRetries = 2 })
	ctx := context.Background()

	if _, err := c.DetectVersion(ctx); err != nil {
		t.Fatalf("DetectVersion with retries: %v", err)
	}
	if n := atomic.LoadInt32(&aboutCalls); n != 3 {
		t.Errorf("about calls = %d, want 3 (two failures then success)", n)
	}

	// Creates are non-idempotent and must not be replayed.
	if _, err := c.CreateProcessGroup(ctx, "root", "x"); err == nil {
		t.Fatal("expected create to fail")
	}
	if n := atomic.LoadInt32(&createCalls); n != 1 {
		t.Errorf("create calls = %d, want a single attempt", n)
	}
}

func TestResolveProperties(t *testing.T) {
	props := map[string]string{
		"Database Connection URL": `jdbc:postgresql://{{host}}:{{port | default: "5432"}}/{{db}}`,
		"Table Name":              "users",
	}
	got := ResolveProperties(props, map[string]interface{}{"host": "db1", "db": "app"})
	want := map[string]string{
		"Database Connection URL": "jdbc:postgresql://db1:5432/app",
		"Table Name":              "users",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ResolveProperties = %v, want %v", got, want)
	}

	if out := ResolveProperties(nil, nil); out != nil {
		t.Errorf("ResolveProperties(nil) = %v, want nil", out)
	}
}
