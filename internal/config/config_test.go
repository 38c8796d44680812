package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoader_Load(t *testing.T) {
	loader := NewLoader("testdata")

	def, err := loader.Load("valid-mapping.json")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if def.ID != "user-mapping" {
		t.Errorf("expected id 'user-mapping', got '%s'", def.ID)
	}
	if len(def.Rules) != 3 {
		t.Errorf("expected 3 rules, got %d", len(def.Rules))
	}
}

func TestLoader_LoadYAML(t *testing.T) {
	loader := NewLoader("testdata")

	def, err := loader.Load("valid-mapping.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if def.ID != "order-mapping" {
		t.Errorf("expected id 'order-mapping', got '%s'", def.ID)
	}
}

func TestLoader_LoadAbsolutePath(t *testing.T) {
	abs, err := filepath.Abs("testdata/valid-mapping.json")
	if err != nil {
		t.Fatalf("failed to resolve path: %v", err)
	}

	// The base path must not be joined onto an absolute name.
	loader := NewLoader(t.TempDir())

	def, err := loader.Load(abs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if def.ID != "user-mapping" {
		t.Errorf("expected id 'user-mapping', got '%s'", def.ID)
	}
}

func TestLoader_LoadInvalidDocument(t *testing.T) {
	loader := NewLoader("testdata")

	def, err := loader.Load("missing-rules.json")
	if err == nil {
		t.Fatal("expected error for schema-invalid document")
	}
	if def != nil {
		t.Error("expected nil mapping for invalid document")
	}
}

func TestLoader_LoadMissingFile(t *testing.T) {
	loader := NewLoader("testdata")

	if _, err := loader.Load("does-not-exist.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoader_Validate(t *testing.T) {
	loader := NewLoader("testdata")

	result := loader.Validate("missing-rules.json")
	if result.IsValid() {
		t.Error("expected invalid result for document missing rules")
	}
	if len(result.ValidationErrors) == 0 {
		t.Error("expected validation errors")
	}

	result = loader.Validate("valid-mapping.yaml")
	if !result.IsValid() {
		t.Errorf("expected valid result, got: %v", result.AllErrors())
	}
}

func TestLoader_NoBasePath(t *testing.T) {
	dir := t.TempDir()
	docPath := filepath.Join(dir, "standalone.json")
	content := `{"id": "standalone", "rules": [{"type": "direct", "sourceField": "a", "targetField": "b"}]}`
	if err := os.WriteFile(docPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	loader := NewLoader("")

	def, err := loader.Load(docPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if def.ID != "standalone" {
		t.Errorf("expected id 'standalone', got '%s'", def.ID)
	}
}
