package adapter

import (
	"context"
	"strings"
	"testing"

	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

func TestWriteModeValid(t *testing.T) {
	for _, mode := range []WriteMode{WriteInsert, WriteUpsert, WriteReplace, WriteUpdate, WriteDelete} {
		if !mode.Valid() {
			t.Errorf("%s.Valid() = false", mode)
		}
	}
	if WriteMode("merge").Valid() {
		t.Error("unknown mode reported valid")
	}
}

func TestCapabilitiesSupportsWriteMode(t *testing.T) {
	caps := Capabilities{WriteModes: []WriteMode{WriteInsert, WriteUpsert}}
	if !caps.SupportsWriteMode(WriteUpsert) {
		t.Error("upsert should be supported")
	}
	if caps.SupportsWriteMode(WriteDelete) {
		t.Error("delete should not be supported")
	}
}

func TestConnectionConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ConnectionConfig
		wantErr string
	}{
		{"valid", ConnectionConfig{SystemID: "src", Kind: "memory"}, ""},
		{"missing system id", ConnectionConfig{Kind: "memory"}, "systemId"},
		{"missing kind", ConnectionConfig{SystemID: "src"}, "kind"},
		{"bad port", ConnectionConfig{SystemID: "src", Kind: "postgresql", Port: 70000}, "port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

type stubAdapter struct {
	kind string
}

func (s *stubAdapter) Kind() string                                { return s.kind }
func (s *stubAdapter) Connect(ctx context.Context) error           { return nil }
func (s *stubAdapter) Disconnect(ctx context.Context) error        { return nil }
func (s *stubAdapter) TestConnection(ctx context.Context) error    { return nil }
func (s *stubAdapter) Capabilities() Capabilities                  { return Capabilities{} }
func (s *stubAdapter) DiscoverSchemas(ctx context.Context) ([]*mapping.Schema, error) {
	return nil, nil
}
func (s *stubAdapter) ReadData(ctx context.Context, schema string, opts ReadOptions) ([]map[string]interface{}, error) {
	return nil, nil
}
func (s *stubAdapter) WriteData(ctx context.Context, schema string, records []map[string]interface{}, opts WriteOptions) (*WriteResult, error) {
	return &WriteResult{}, nil
}
func (s *stubAdapter) ExecuteQuery(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	return nil, nil
}
func (s *stubAdapter) GetSystemMetadata(ctx context.Context) (*SystemMetadata, error) {
	return &SystemMetadata{Kind: s.kind}, nil
}

func TestFactoryRegistry(t *testing.T) {
	Register("test-stub", func(cfg ConnectionConfig) (Adapter, error) {
		return &stubAdapter{kind: "test-stub"}, nil
	})

	t.Run("create known kind", func(t *testing.T) {
		a, err := Create(ConnectionConfig{SystemID: "s1", Kind: "test-stub"})
		if err != nil {
			t.Fatalf("Create() = %v", err)
		}
		if a.Kind() != "test-stub" {
			t.Errorf("Kind() = %s", a.Kind())
		}
	})

	t.Run("create unknown kind", func(t *testing.T) {
		_, err := Create(ConnectionConfig{SystemID: "s1", Kind: "nope"})
		if err == nil || !strings.Contains(err.Error(), "unknown adapter kind") {
			t.Errorf("Create() = %v, want unknown kind error", err)
		}
	})

	t.Run("create validates config", func(t *testing.T) {
		_, err := Create(ConnectionConfig{Kind: "test-stub"})
		if err == nil {
			t.Error("Create() without systemId = nil, want error")
		}
	})

	t.Run("kinds lists registered", func(t *testing.T) {
		found := false
		for _, k := range Kinds() {
			if k == "test-stub" {
				found = true
			}
		}
		if !found {
			t.Errorf("Kinds() = %v, want to include test-stub", Kinds())
		}
	})

	t.Run("duplicate registration panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("duplicate Register did not panic")
			}
		}()
		Register("test-stub", func(cfg ConnectionConfig) (Adapter, error) {
			return &stubAdapter{}, nil
		})
	})
}
