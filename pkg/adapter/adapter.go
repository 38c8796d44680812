// Package adapter defines the contract external system connectors implement
// and a factory registry for constructing them by kind. Implementations live
// under internal/adapters.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

// WriteMode selects how records are applied to the target.
type WriteMode string

const (
	// WriteInsert appends records; duplicates error.
	WriteInsert WriteMode = "insert"

	// WriteUpsert inserts or updates by key columns.
	WriteUpsert WriteMode = "upsert"

	// WriteReplace deletes matching rows by key, then inserts.
	WriteReplace WriteMode = "replace"

	// WriteUpdate updates existing rows by key; missing rows error.
	WriteUpdate WriteMode = "update"

	// WriteDelete removes rows matching the key columns.
	WriteDelete WriteMode = "delete"
)

// Valid reports whether m is a known write mode.
func (m WriteMode) Valid() bool {
	switch m {
	case WriteInsert, WriteUpsert, WriteReplace, WriteUpdate, WriteDelete:
		return true
	}
	return false
}

// SortKey orders a read by one field.
type SortKey struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Join describes a read-time join with another schema. Adapters that
// cannot join reject reads carrying one.
type Join struct {
	Schema       string `json:"schema"`
	LocalField   string `json:"localField"`
	ForeignField string `json:"foreignField"`
	Type         string `json:"type,omitempty"` // inner or left; defaults to inner
}

// ReadOptions filter and shape a read.
type ReadOptions struct {
	// Columns restricts the projection; empty reads all columns.
	Columns []string `json:"columns,omitempty"`

	// Filter holds operator expressions per field, e.g.
	// {"age": {"$gte": 18}, "status": "active"}.
	Filter map[string]interface{} `json:"filter,omitempty"`

	// Joins are applied before filtering, where supported.
	Joins []Join `json:"joins,omitempty"`

	// Sort orders the result; keys apply in order.
	Sort []SortKey `json:"sort,omitempty"`

	// Limit caps the number of returned records; 0 means no cap.
	Limit int `json:"limit,omitempty"`

	// Offset skips records before returning.
	Offset int `json:"offset,omitempty"`

	// BatchSize hints how many records to fetch per round trip.
	BatchSize int `json:"batchSize,omitempty"`

	// Transaction runs the read inside a read-only transaction where the
	// adapter supports one.
	Transaction bool `json:"transaction,omitempty"`
}

// WriteOptions control how records are written.
type WriteOptions struct {
	// Mode defaults to insert.
	Mode WriteMode `json:"mode,omitempty"`

	// KeyColumns identify rows for upsert, replace, update, and delete.
	// Defaults to the schema's primary keys.
	KeyColumns []string `json:"keyColumns,omitempty"`

	// BatchSize bounds statement batches; 0 lets the adapter choose.
	BatchSize int `json:"batchSize,omitempty"`

	// ContinueOnError records per-row failures instead of aborting.
	ContinueOnError bool `json:"continueOnError,omitempty"`
}

// WriteResult reports the outcome of a write.
type WriteResult struct {
	Written int                   `json:"written"`
	Failed  int                   `json:"failed"`
	Errors  []mapping.RecordError `json:"errors,omitempty"`
}

// Operation names a coarse adapter operation, used by capability checks.
type Operation string

const (
	OpRead         Operation = "read"
	OpWrite        Operation = "write"
	OpUpdate       Operation = "update"
	OpDelete       Operation = "delete"
	OpUpsert       Operation = "upsert"
	OpTruncate     Operation = "truncate"
	OpCreateSchema Operation = "createSchema"
	OpDropSchema   Operation = "dropSchema"
)

// Capabilities describe what an adapter supports.
type Capabilities struct {
	SupportsSchemaDiscovery   bool `json:"supportsSchemaDiscovery"`
	SupportsBatchOperations   bool `json:"supportsBatchOperations"`
	SupportsStreaming         bool `json:"supportsStreaming"`
	SupportsTransactions      bool `json:"supportsTransactions"`
	SupportsPartitioning      bool `json:"supportsPartitioning"`
	SupportsChangeDataCapture bool `json:"supportsChangeDataCapture"`
	SupportsIncrementalSync   bool `json:"supportsIncrementalSync"`
	SupportsCustomQuery       bool `json:"supportsCustomQuery"`

	MaxBatchSize int         `json:"maxBatchSize,omitempty"`
	Operations   []Operation `json:"operations,omitempty"`
	WriteModes   []WriteMode `json:"writeModes,omitempty"`
}

// SupportsWriteMode reports whether the adapter advertises mode.
func (c Capabilities) SupportsWriteMode(mode WriteMode) bool {
	for _, m := range c.WriteModes {
		if m == mode {
			return true
		}
	}
	return false
}

// SupportsOperation reports whether the adapter advertises op.
func (c Capabilities) SupportsOperation(op Operation) bool {
	for _, o := range c.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// SystemMetadata describes the connected system.
type SystemMetadata struct {
	Kind       string                 `json:"kind"`
	Version    string                 `json:"version,omitempty"`
	Vendor     string                 `json:"vendor,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Adapter is the connector contract. Implementations must be safe for
// concurrent reads and writes after Connect.
type Adapter interface {
	// Kind returns the adapter kind, e.g. "memory" or "postgresql".
	Kind() string

	// Connect establishes the connection. Calling Connect on a connected
	// adapter is a no-op.
	Connect(ctx context.Context) error

	// Disconnect releases the connection.
	Disconnect(ctx context.Context) error

	// TestConnection verifies the system is reachable without mutating
	// adapter state.
	TestConnection(ctx context.Context) error

	// DiscoverSchemas lists the schemas visible to the connection.
	DiscoverSchemas(ctx context.Context) ([]*mapping.Schema, error)

	// ReadData reads records from one schema.
	ReadData(ctx context.Context, schema string, opts ReadOptions) ([]map[string]interface{}, error)

	// WriteData writes records to one schema.
	WriteData(ctx context.Context, schema string, records []map[string]interface{}, opts WriteOptions) (*WriteResult, error)

	// ExecuteQuery runs a native query. Adapters without query support
	// return an error.
	ExecuteQuery(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error)

	// GetSystemMetadata reports version and vendor details.
	GetSystemMetadata(ctx context.Context) (*SystemMetadata, error)

	// Capabilities advertises supported features.
	Capabilities() Capabilities
}

// ConnectionConfig identifies and configures one external system.
type ConnectionConfig struct {
	// SystemID is the unique id pools and the engine key adapters by.
	SystemID string `json:"systemId" yaml:"systemId"`

	// Kind selects the adapter implementation.
	Kind string `json:"kind" yaml:"kind"`

	// DSN, when set, overrides the individual connection fields.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`

	Host     string `json:"host,omitempty" yaml:"host,omitempty"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"`
	Database string `json:"database,omitempty" yaml:"database,omitempty"`
	User     string `json:"user,omitempty" yaml:"user,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// Properties carry adapter-specific settings.
	Properties map[string]interface{} `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Validate checks the config for required fields.
func (c ConnectionConfig) Validate() error {
	if c.SystemID == "" {
		return fmt.Errorf("connection config: systemId is required")
	}
	if c.Kind == "" {
		return fmt.Errorf("connection config %s: kind is required", c.SystemID)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("connection config %s: port %d out of range", c.SystemID, c.Port)
	}
	return nil
}

// Factory constructs an adapter from a config.
type Factory func(cfg ConnectionConfig) (Adapter, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// Register installs a factory for a kind. Registering a duplicate kind
// panics; adapters register from init.
func Register(kind string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if kind == "" || factory == nil {
		panic("adapter: Register with empty kind or nil factory")
	}
	if _, dup := factories[kind]; dup {
		panic(fmt.Sprintf("adapter: Register called twice for kind %q", kind))
	}
	factories[kind] = factory
}

// Create builds an adapter for the config's kind.
func Create(cfg ConnectionConfig) (Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	factoryMu.RLock()
	factory, ok := factories[cfg.Kind]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown adapter kind %q (registered: %v)", cfg.Kind, Kinds())
	}
	return factory(cfg)
}

// Kinds lists the registered adapter kinds, sorted.
func Kinds() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
