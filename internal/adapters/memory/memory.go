// Package memory implements the adapter contract over in-process tables.
// It backs tests, lookup tables, and pipelines that stage data without an
// external system.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nineking424/nificdc-sub004/internal/pathutil"
	"github.com/nineking424/nificdc-sub004/pkg/adapter"
	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

// KindMemory is the registered adapter kind.
const KindMemory = "memory"

func init() {
	adapter.Register(KindMemory, func(cfg adapter.ConnectionConfig) (adapter.Adapter, error) {
		return New(cfg.SystemID), nil
	})
}

// Memory is an in-process adapter. Tables hold deep-copied records so
// callers can mutate what they read or wrote without corrupting the store.
type Memory struct {
	systemID string

	mu        sync.RWMutex
	connected bool
	tables    map[string][]map[string]interface{}
	schemas   map[string]*mapping.Schema
}

// New creates an empty memory adapter.
func New(systemID string) *Memory {
	return &Memory{
		systemID: systemID,
		tables:   make(map[string][]map[string]interface{}),
		schemas:  make(map[string]*mapping.Schema),
	}
}

// Kind implements adapter.Adapter.
func (m *Memory) Kind() string { return KindMemory }

// Connect implements adapter.Adapter. Connecting twice is a no-op.
func (m *Memory) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// Disconnect implements adapter.Adapter.
func (m *Memory) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

// TestConnection implements adapter.Adapter.
func (m *Memory) TestConnection(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return fmt.Errorf("memory adapter %s: not connected", m.systemID)
	}
	return nil
}

func (m *Memory) requireConnected() error {
	if !m.connected {
		return fmt.Errorf("memory adapter %s: not connected", m.systemID)
	}
	return nil
}

// Seed replaces the named table's contents. Records are deep-copied in.
func (m *Memory) Seed(table string, records []map[string]interface{}) {
	copied := make([]map[string]interface{}, len(records))
	for i, rec := range records {
		copied[i] = pathutil.DeepCopyMap(rec)
	}
	m.mu.Lock()
	m.tables[table] = copied
	m.mu.Unlock()
}

// DeclareSchema registers an explicit schema for a table. Undeclared tables
// get an inferred schema during discovery.
func (m *Memory) DeclareSchema(schema *mapping.Schema) {
	m.mu.Lock()
	m.schemas[schema.Name] = schema
	m.mu.Unlock()
}

// Truncate clears the named table but keeps it discoverable.
func (m *Memory) Truncate(table string) {
	m.mu.Lock()
	if _, ok := m.tables[table]; ok {
		m.tables[table] = nil
	}
	m.mu.Unlock()
}

// DropSchema removes a table and its declared schema.
func (m *Memory) DropSchema(table string) {
	m.mu.Lock()
	delete(m.tables, table)
	delete(m.schemas, table)
	m.mu.Unlock()
}

// Table returns a deep copy of the named table, for lookup rules and test
// assertions.
func (m *Memory) Table(name string) []map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]map[string]interface{}, len(m.tables[name]))
	for i, rec := range m.tables[name] {
		out[i] = pathutil.DeepCopyMap(rec)
	}
	return out
}

// DiscoverSchemas implements adapter.Adapter. Declared schemas win; tables
// without one get columns inferred from their first record.
func (m *Memory) DiscoverSchemas(ctx context.Context) ([]*mapping.Schema, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.requireConnected(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	for name := range m.schemas {
		if _, ok := m.tables[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]*mapping.Schema, 0, len(names))
	for _, name := range names {
		if declared, ok := m.schemas[name]; ok {
			out = append(out, declared)
			continue
		}
		out = append(out, inferSchema(name, m.tables[name]))
	}
	return out, nil
}

// inferSchema derives a schema from the first record of a table.
func inferSchema(name string, records []map[string]interface{}) *mapping.Schema {
	schema := &mapping.Schema{Name: name}
	if len(records) == 0 {
		return schema
	}

	first := records[0]
	cols := make([]string, 0, len(first))
	for col := range first {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	for _, col := range cols {
		schema.Columns = append(schema.Columns, mapping.Column{
			Name:     col,
			Type:     inferType(first[col]),
			Nullable: true,
		})
	}
	return schema
}

func inferType(v interface{}) mapping.UniversalType {
	switch v.(type) {
	case nil:
		return mapping.TypeString
	case bool:
		return mapping.TypeBoolean
	case int, int8, int16, int32, uint, uint8, uint16, uint32:
		return mapping.TypeInteger
	case int64, uint64:
		return mapping.TypeLong
	case float32:
		return mapping.TypeFloat
	case float64:
		return mapping.TypeDouble
	case time.Time:
		return mapping.TypeDatetime
	case []byte:
		return mapping.TypeBinary
	case []interface{}:
		return mapping.TypeArray
	case map[string]interface{}:
		return mapping.TypeJSON
	default:
		return mapping.TypeString
	}
}

// ReadData implements adapter.Adapter: joins, filter, sort, paging, and
// projection over a deep-copied view of the table.
func (m *Memory) ReadData(ctx context.Context, schema string, opts adapter.ReadOptions) ([]map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	if err := m.requireConnected(); err != nil {
		m.mu.RUnlock()
		return nil, err
	}
	table, ok := m.tables[schema]
	if !ok {
		if _, declared := m.schemas[schema]; !declared {
			m.mu.RUnlock()
			return nil, fmt.Errorf("memory adapter %s: unknown table %q", m.systemID, schema)
		}
	}

	records := make([]map[string]interface{}, len(table))
	for i, rec := range table {
		records[i] = pathutil.DeepCopyMap(rec)
	}

	for _, join := range opts.Joins {
		joined, err := m.applyJoinLocked(records, join)
		if err != nil {
			m.mu.RUnlock()
			return nil, err
		}
		records = joined
	}
	m.mu.RUnlock()

	records, err := adapter.FilterRecords(records, opts.Filter)
	if err != nil {
		return nil, err
	}
	adapter.SortRecords(records, opts.Sort)
	records = adapter.Page(records, opts.Offset, opts.Limit)
	records = adapter.ProjectColumns(records, opts.Columns)
	return records, nil
}

// applyJoinLocked nests the first matching foreign record under the join
// schema's name. Inner joins drop records without a match; left joins keep
// them with a nil entry. Caller holds at least a read lock.
func (m *Memory) applyJoinLocked(records []map[string]interface{}, join adapter.Join) ([]map[string]interface{}, error) {
	foreign, ok := m.tables[join.Schema]
	if !ok {
		return nil, fmt.Errorf("memory adapter %s: join references unknown table %q", m.systemID, join.Schema)
	}
	joinType := join.Type
	if joinType == "" {
		joinType = "inner"
	}
	if joinType != "inner" && joinType != "left" {
		return nil, fmt.Errorf("memory adapter %s: unsupported join type %q", m.systemID, joinType)
	}

	// Hash the foreign side once.
	index := make(map[interface{}]map[string]interface{}, len(foreign))
	for _, frec := range foreign {
		key, _ := pathutil.Get(frec, join.ForeignField)
		if key == nil {
			continue
		}
		if _, dup := index[key]; !dup {
			index[key] = frec
		}
	}

	var out []map[string]interface{}
	for _, rec := range records {
		local, _ := pathutil.Get(rec, join.LocalField)
		match, found := index[local]
		if !found {
			if joinType == "inner" {
				continue
			}
			rec[join.Schema] = nil
			out = append(out, rec)
			continue
		}
		rec[join.Schema] = pathutil.DeepCopyMap(match)
		out = append(out, rec)
	}
	return out, nil
}

// WriteData implements adapter.Adapter for all five write modes.
func (m *Memory) WriteData(ctx context.Context, schema string, records []map[string]interface{}, opts adapter.WriteOptions) (*adapter.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode := opts.Mode
	if mode == "" {
		mode = adapter.WriteInsert
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("memory adapter %s: unknown write mode %q", m.systemID, mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireConnected(); err != nil {
		return nil, err
	}

	keys := opts.KeyColumns
	if len(keys) == 0 {
		if declared, ok := m.schemas[schema]; ok {
			keys = declared.PrimaryKeys()
		}
	}
	if len(keys) == 0 && mode != adapter.WriteInsert {
		return nil, fmt.Errorf("memory adapter %s: %s requires key columns", m.systemID, mode)
	}

	result := &adapter.WriteResult{}
	table := m.tables[schema]
	for i, rec := range records {
		next, werr := applyWrite(table, pathutil.DeepCopyMap(rec), mode, keys)
		if werr != nil {
			result.Failed++
			result.Errors = append(result.Errors, mapping.RecordError{
				RecordIndex: i,
				Code:        werr.code,
				Message:     werr.Error(),
				Type:        werr.errType,
				Severity:    "MEDIUM",
			})
			if !opts.ContinueOnError {
				m.tables[schema] = table
				return result, fmt.Errorf("memory adapter %s: record %d: %w", m.systemID, i, werr)
			}
			continue
		}
		table = next
		result.Written++
	}
	m.tables[schema] = table
	return result, nil
}

// writeError carries the record-error code and type for a failed write.
type writeError struct {
	code    string
	errType string
	msg     string
}

func (e *writeError) Error() string { return e.msg }

// applyWrite applies one record to the table under the given mode and
// returns the updated table.
func applyWrite(table []map[string]interface{}, rec map[string]interface{}, mode adapter.WriteMode, keys []string) ([]map[string]interface{}, *writeError) {
	matchIdx := -1
	if len(keys) > 0 {
		for i, existing := range table {
			if keysMatch(existing, rec, keys) {
				matchIdx = i
				break
			}
		}
	}

	switch mode {
	case adapter.WriteInsert:
		if matchIdx >= 0 {
			return table, &writeError{
				code:    "DUPLICATE_KEY",
				errType: "DUPLICATE_KEY_ERROR",
				msg:     fmt.Sprintf("duplicate key %v", keyValues(rec, keys)),
			}
		}
		return append(table, rec), nil

	case adapter.WriteUpsert:
		if matchIdx >= 0 {
			merged := table[matchIdx]
			for k, v := range rec {
				merged[k] = v
			}
			return table, nil
		}
		return append(table, rec), nil

	case adapter.WriteReplace:
		if matchIdx >= 0 {
			table[matchIdx] = rec
			return table, nil
		}
		return append(table, rec), nil

	case adapter.WriteUpdate:
		if matchIdx < 0 {
			return table, &writeError{
				code:    "ROW_NOT_FOUND",
				errType: "VALIDATION_ERROR",
				msg:     fmt.Sprintf("no row matches key %v", keyValues(rec, keys)),
			}
		}
		merged := table[matchIdx]
		for k, v := range rec {
			merged[k] = v
		}
		return table, nil

	case adapter.WriteDelete:
		if matchIdx < 0 {
			return table, nil
		}
		return append(table[:matchIdx], table[matchIdx+1:]...), nil
	}
	return table, &writeError{
		code:    "UNSUPPORTED_MODE",
		errType: "VALIDATION_ERROR",
		msg:     fmt.Sprintf("unknown write mode %q", mode),
	}
}

// keysMatch compares the key columns of two records with the filters'
// loose-equality semantics (2 == 2.0).
func keysMatch(existing, rec map[string]interface{}, keys []string) bool {
	filter := make(map[string]interface{}, len(keys))
	for _, key := range keys {
		v, ok := pathutil.Get(rec, key)
		if !ok {
			return false
		}
		filter[key] = map[string]interface{}{adapter.OpEq: v}
	}
	ok, err := adapter.MatchRecord(existing, filter)
	return err == nil && ok
}

func keyValues(rec map[string]interface{}, keys []string) []interface{} {
	out := make([]interface{}, len(keys))
	for i, key := range keys {
		out[i], _ = pathutil.Get(rec, key)
	}
	return out
}

// ExecuteQuery implements adapter.Adapter. The memory adapter has no query
// language.
func (m *Memory) ExecuteQuery(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	return nil, fmt.Errorf("memory adapter %s: native queries are not supported", m.systemID)
}

// GetSystemMetadata implements adapter.Adapter.
func (m *Memory) GetSystemMetadata(ctx context.Context) (*adapter.SystemMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &adapter.SystemMetadata{
		Kind:    KindMemory,
		Version: "1",
		Vendor:  "in-process",
		Properties: map[string]interface{}{
			"tables": len(m.tables),
		},
	}, nil
}

// Capabilities implements adapter.Adapter.
func (m *Memory) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		SupportsSchemaDiscovery: true,
		SupportsBatchOperations: true,
		SupportsStreaming:       true,
		Operations: []adapter.Operation{
			adapter.OpRead, adapter.OpWrite, adapter.OpUpdate, adapter.OpDelete,
			adapter.OpUpsert, adapter.OpTruncate, adapter.OpCreateSchema, adapter.OpDropSchema,
		},
		WriteModes: []adapter.WriteMode{
			adapter.WriteInsert, adapter.WriteUpsert, adapter.WriteReplace,
			adapter.WriteUpdate, adapter.WriteDelete,
		},
	}
}
