package config

import (
	"errors"
	"path/filepath"

	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

// Loader reads mapping documents relative to a base directory.
type Loader struct {
	// basePath is the base directory for mapping documents
	basePath string
}

// NewLoader creates a new mapping document loader.
func NewLoader(basePath string) *Loader {
	return &Loader{
		basePath: basePath,
	}
}

// Load parses, validates, and converts the named mapping document.
// The name is resolved against the loader's base path unless it is already
// absolute. Parse and validation failures are joined into a single error.
func (l *Loader) Load(name string) (*mapping.Mapping, error) {
	p := name
	if l.basePath != "" && !filepath.IsAbs(name) {
		p = filepath.Join(l.basePath, name)
	}

	result := ParseMapping(p)
	if !result.IsValid() {
		return nil, errors.Join(result.AllErrors()...)
	}

	return ConvertToMapping(result.Data)
}

// Validate parses the named mapping document and reports its combined parse
// and schema validation result without converting it.
func (l *Loader) Validate(name string) *Result {
	p := name
	if l.basePath != "" && !filepath.IsAbs(name) {
		p = filepath.Join(l.basePath, name)
	}
	return ParseMapping(p)
}
