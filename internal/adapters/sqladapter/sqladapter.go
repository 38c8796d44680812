// Package sqladapter implements the adapter contract over database/sql for
// sqlite, postgresql, and mysql systems. Engine differences (placeholders,
// quoting, upsert grammar, catalog queries) live in the dialect; everything
// else is shared.
package sqladapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
	"github.com/nineking424/nificdc-sub004/pkg/adapter"
	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

const (
	defaultQueryTimeout = 30 * time.Second
	defaultWriteBatch   = 500
	maxWriteBatch       = 1000
)

func init() {
	for kind := range dialects {
		adapter.Register(kind, func(cfg adapter.ConnectionConfig) (adapter.Adapter, error) {
			return New(cfg)
		})
	}
}

// SQL is a database/sql-backed adapter.
type SQL struct {
	systemID string
	d        dialect
	dsn      string
	timeout  time.Duration
	maxOpen  int
	maxIdle  int

	mu sync.Mutex
	db *sql.DB
}

// New builds an adapter for the config without opening a connection.
// Recognized properties: queryTimeout (duration string), maxOpenConns,
// maxIdleConns, and sslmode for postgres.
func New(cfg adapter.ConnectionConfig) (*SQL, error) {
	d, ok := dialects[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("sql adapter: unsupported kind %q", cfg.Kind)
	}
	dsn := d.dsn(cfg)
	if dsn == "" {
		return nil, fmt.Errorf("sql adapter %s: dsn or database is required", cfg.SystemID)
	}

	s := &SQL{
		systemID: cfg.SystemID,
		d:        d,
		dsn:      dsn,
		timeout:  defaultQueryTimeout,
		maxOpen:  10,
		maxIdle:  5,
	}
	if v, ok := cfg.Properties["queryTimeout"].(string); ok && v != "" {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("sql adapter %s: queryTimeout: %w", cfg.SystemID, err)
		}
		s.timeout = timeout
	}
	if n, ok := intProperty(cfg.Properties, "maxOpenConns"); ok {
		s.maxOpen = n
	}
	if n, ok := intProperty(cfg.Properties, "maxIdleConns"); ok {
		s.maxIdle = n
	}
	// The sqlite driver serializes correctly only through a single
	// connection; concurrent writers otherwise trip SQLITE_BUSY.
	if d.kind == KindSQLite {
		s.maxOpen = 1
		s.maxIdle = 1
	}
	return s, nil
}

func intProperty(props map[string]interface{}, key string) (int, bool) {
	switch v := props[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Kind implements adapter.Adapter.
func (s *SQL) Kind() string { return s.d.kind }

// Connect implements adapter.Adapter. Connecting twice is a no-op.
func (s *SQL) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := sql.Open(s.d.driver, s.dsn)
	if err != nil {
		return classifyDBError(err, s.d, "connect", "")
	}
	db.SetMaxOpenConns(s.maxOpen)
	db.SetMaxIdleConns(s.maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return classifyDBError(err, s.d, "connect", "")
	}
	s.db = db
	return nil
}

// Disconnect implements adapter.Adapter.
func (s *SQL) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return classifyDBError(err, s.d, "disconnect", "")
	}
	return nil
}

// TestConnection implements adapter.Adapter.
func (s *SQL) TestConnection(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return classifyDBError(err, s.d, "ping", "")
	}
	return nil
}

func (s *SQL) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("sql adapter %s: not connected", s.systemID)
	}
	return s.db, nil
}

// ReadData implements adapter.Adapter. Joins are not supported; cross-table
// enrichment belongs to lookup rules.
func (s *SQL) ReadData(ctx context.Context, schema string, opts adapter.ReadOptions) ([]map[string]interface{}, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if len(opts.Joins) > 0 {
		return nil, fmt.Errorf("sql adapter %s: read joins are not supported", s.systemID)
	}

	b := &sqlBuilder{d: s.d}
	query, err := buildSelect(b, schema, opts)
	if err != nil {
		return nil, errhandling.NewValidationError(err.Error(), err)
	}

	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if opts.Transaction {
		return s.readInTx(qctx, db, query, b.args)
	}
	rows, err := db.QueryContext(qctx, query, b.args...)
	if err != nil {
		return nil, classifyDBError(err, s.d, "select", query)
	}
	defer rows.Close()
	records, err := rowsToRecords(rows)
	if err != nil {
		return nil, classifyDBError(err, s.d, "select", query)
	}
	return records, nil
}

func (s *SQL) readInTx(ctx context.Context, db *sql.DB, query string, args []interface{}) ([]map[string]interface{}, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyDBError(err, s.d, "select", query)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyDBError(err, s.d, "select", query)
	}
	records, err := rowsToRecords(rows)
	rows.Close()
	if err != nil {
		return nil, classifyDBError(err, s.d, "select", query)
	}
	if err := tx.Commit(); err != nil {
		return nil, classifyDBError(err, s.d, "select", query)
	}
	return records, nil
}

// WriteData implements adapter.Adapter. Without ContinueOnError the whole
// batch runs in one transaction and the first failure rolls everything
// back; with it, rows are written one by one and failures land in the
// result as record errors.
func (s *SQL) WriteData(ctx context.Context, schema string, records []map[string]interface{}, opts adapter.WriteOptions) (*adapter.WriteResult, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	mode := opts.Mode
	if mode == "" {
		mode = adapter.WriteInsert
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("sql adapter %s: unknown write mode %q", s.systemID, mode)
	}
	keys := opts.KeyColumns
	if mode != adapter.WriteInsert && len(keys) == 0 {
		return nil, fmt.Errorf("sql adapter %s: %s requires key columns", s.systemID, mode)
	}

	result := &adapter.WriteResult{}
	if len(records) == 0 {
		return result, nil
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultWriteBatch
	}
	if batch > maxWriteBatch {
		batch = maxWriteBatch
	}

	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if opts.ContinueOnError {
		return result, s.writeAutocommit(qctx, db, schema, records, mode, keys, result)
	}
	return result, s.writeTransactional(qctx, db, schema, records, mode, keys, batch, result)
}

// writeAutocommit writes row by row so one bad record does not abort the
// rest.
func (s *SQL) writeAutocommit(ctx context.Context, db *sql.DB, table string, records []map[string]interface{}, mode adapter.WriteMode, keys []string, result *adapter.WriteResult) error {
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return classifyDBError(err, s.d, string(mode), "")
		}
		if err := s.execOne(ctx, db, table, rec, mode, keys); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, recordError(i, err))
			continue
		}
		result.Written++
	}
	return nil
}

func (s *SQL) writeTransactional(ctx context.Context, db *sql.DB, table string, records []map[string]interface{}, mode adapter.WriteMode, keys []string, batch int, result *adapter.WriteResult) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classifyDBError(err, s.d, "transaction", "")
	}

	fail := func(index int, cause error) error {
		tx.Rollback()
		result.Written = 0
		result.Failed = 1
		result.Errors = append(result.Errors, recordError(index, cause))
		return fmt.Errorf("sql adapter %s: record %d: %w", s.systemID, index, cause)
	}

	switch mode {
	case adapter.WriteInsert, adapter.WriteUpsert:
		// Multi-row statements, chunked by batch size.
		for start := 0; start < len(records); start += batch {
			chunk := records[start:min(start+batch, len(records))]
			if mode == adapter.WriteUpsert {
				if idx, keyErr := requireKeys(chunk, keys, start); keyErr != nil {
					return fail(idx, keyErr)
				}
			}
			b := &sqlBuilder{d: s.d}
			cols := recordColumns(chunk)
			var query string
			if mode == adapter.WriteInsert {
				query = buildInsert(b, table, cols, chunk)
			} else {
				query = buildUpsert(b, table, cols, keys, chunk)
			}
			if _, execErr := tx.ExecContext(ctx, query, b.args...); execErr != nil {
				// A multi-row statement fails as a unit; the error is
				// attributed to the chunk's first record.
				return fail(start, classifyDBError(execErr, s.d, string(mode), query))
			}
		}
	default:
		for i, rec := range records {
			if execErr := s.execOne(ctx, tx, table, rec, mode, keys); execErr != nil {
				return fail(i, execErr)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		result.Failed = len(records)
		return classifyDBError(err, s.d, "commit", "")
	}
	result.Written = len(records)
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// errNoMatch marks an update that found no row for its key.
var errNoMatch = errors.New("no row matches key")

// execOne applies one record with a single statement, or two for replace.
func (s *SQL) execOne(ctx context.Context, ex execer, table string, rec map[string]interface{}, mode adapter.WriteMode, keys []string) error {
	if mode != adapter.WriteInsert {
		if _, err := requireKeys([]map[string]interface{}{rec}, keys, 0); err != nil {
			return err
		}
	}

	one := []map[string]interface{}{rec}
	switch mode {
	case adapter.WriteInsert:
		b := &sqlBuilder{d: s.d}
		query := buildInsert(b, table, recordColumns(one), one)
		if _, err := ex.ExecContext(ctx, query, b.args...); err != nil {
			return classifyDBError(err, s.d, "insert", query)
		}

	case adapter.WriteUpsert:
		b := &sqlBuilder{d: s.d}
		query := buildUpsert(b, table, recordColumns(one), keys, one)
		if _, err := ex.ExecContext(ctx, query, b.args...); err != nil {
			return classifyDBError(err, s.d, "upsert", query)
		}

	case adapter.WriteReplace:
		// Delete plus insert, so columns absent from the record are
		// cleared rather than kept.
		db := &sqlBuilder{d: s.d}
		del := buildDelete(db, table, rec, keys)
		if _, err := ex.ExecContext(ctx, del, db.args...); err != nil {
			return classifyDBError(err, s.d, "replace", del)
		}
		ib := &sqlBuilder{d: s.d}
		ins := buildInsert(ib, table, recordColumns(one), one)
		if _, err := ex.ExecContext(ctx, ins, ib.args...); err != nil {
			return classifyDBError(err, s.d, "replace", ins)
		}

	case adapter.WriteUpdate:
		b := &sqlBuilder{d: s.d}
		query, err := buildUpdate(b, table, rec, keys)
		if err != nil {
			return errhandling.NewValidationError(err.Error(), err)
		}
		res, err := ex.ExecContext(ctx, query, b.args...)
		if err != nil {
			return classifyDBError(err, s.d, "update", query)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return errhandling.NewValidationError(
				fmt.Sprintf("no row matches key %v", keyValuesOf(rec, keys)), errNoMatch)
		}

	case adapter.WriteDelete:
		b := &sqlBuilder{d: s.d}
		query := buildDelete(b, table, rec, keys)
		if _, err := ex.ExecContext(ctx, query, b.args...); err != nil {
			return classifyDBError(err, s.d, "delete", query)
		}

	default:
		return fmt.Errorf("sql adapter %s: unknown write mode %q", s.systemID, mode)
	}
	return nil
}

func requireKeys(records []map[string]interface{}, keys []string, base int) (int, error) {
	for i, rec := range records {
		for _, key := range keys {
			if _, ok := rec[key]; !ok {
				return base + i, errhandling.NewValidationError(
					fmt.Sprintf("record is missing key column %q", key), nil)
			}
		}
	}
	return 0, nil
}

func keyValuesOf(rec map[string]interface{}, keys []string) []interface{} {
	out := make([]interface{}, len(keys))
	for i, key := range keys {
		out[i] = rec[key]
	}
	return out
}

// recordError converts a write failure into the per-record error shape.
func recordError(index int, err error) mapping.RecordError {
	ce := errhandling.Classify(err)
	code := "WRITE_FAILED"
	switch {
	case errors.Is(err, errNoMatch):
		code = "ROW_NOT_FOUND"
	case ce.Type == errhandling.ErrTypeDuplicateKey:
		code = "DUPLICATE_KEY"
	case ce.Type == errhandling.ErrTypeValidation:
		code = "CONSTRAINT_VIOLATION"
	case ce.Type == errhandling.ErrTypeTimeout:
		code = "TIMEOUT"
	case ce.Type == errhandling.ErrTypeNetwork:
		code = "CONNECTION_FAILED"
	}
	return mapping.RecordError{
		RecordIndex: index,
		Code:        code,
		Message:     ce.Message,
		Type:        string(ce.Type),
		Severity:    string(ce.Severity),
	}
}

// DiscoverSchemas implements adapter.Adapter using the engine's catalog.
func (s *SQL) DiscoverSchemas(ctx context.Context) ([]*mapping.Schema, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tables, err := s.listTables(qctx, db)
	if err != nil {
		return nil, err
	}
	schemas := make([]*mapping.Schema, 0, len(tables))
	for _, table := range tables {
		schema, err := s.describeTable(qctx, db, table)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, schema)
	}
	return schemas, nil
}

func (s *SQL) listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	var query string
	switch s.d.kind {
	case KindSQLite:
		query = "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name"
	case KindPostgres:
		query = "SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name"
	default:
		query = "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' ORDER BY table_name"
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, classifyDBError(err, s.d, "discover", query)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classifyDBError(err, s.d, "discover", query)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyDBError(err, s.d, "discover", query)
	}
	return tables, nil
}

func (s *SQL) describeTable(ctx context.Context, db *sql.DB, table string) (*mapping.Schema, error) {
	switch s.d.kind {
	case KindSQLite:
		return s.describeSQLite(ctx, db, table)
	case KindPostgres:
		return s.describePostgres(ctx, db, table)
	default:
		return s.describeMySQL(ctx, db, table)
	}
}

func (s *SQL) describeSQLite(ctx context.Context, db *sql.DB, table string) (*mapping.Schema, error) {
	query := "PRAGMA table_info(" + s.d.quoteIdent(table) + ")"
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, classifyDBError(err, s.d, "discover", query)
	}
	defer rows.Close()

	schema := &mapping.Schema{Name: table}
	for rows.Next() {
		var (
			cid     int
			name    string
			colType sql.NullString
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, classifyDBError(err, s.d, "discover", query)
		}
		col := mapping.Column{
			Name:         name,
			Type:         universalTypeFor(colType.String),
			OriginalType: colType.String,
			Nullable:     notNull == 0 && pk == 0,
			PrimaryKey:   pk > 0,
		}
		if dflt.Valid {
			col.Default = dflt.String
		}
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyDBError(err, s.d, "discover", query)
	}
	return schema, nil
}

func (s *SQL) describePostgres(ctx context.Context, db *sql.DB, table string) (*mapping.Schema, error) {
	const colQuery = `SELECT column_name, data_type, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1
ORDER BY ordinal_position`
	rows, err := db.QueryContext(ctx, colQuery, table)
	if err != nil {
		return nil, classifyDBError(err, s.d, "discover", colQuery)
	}
	defer rows.Close()

	schema := &mapping.Schema{Name: table}
	for rows.Next() {
		var name, dataType, isNullable string
		var dflt sql.NullString
		if err := rows.Scan(&name, &dataType, &isNullable, &dflt); err != nil {
			return nil, classifyDBError(err, s.d, "discover", colQuery)
		}
		col := mapping.Column{
			Name:         name,
			Type:         universalTypeFor(dataType),
			OriginalType: dataType,
			Nullable:     isNullable == "YES",
		}
		if dflt.Valid {
			col.Default = dflt.String
		}
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyDBError(err, s.d, "discover", colQuery)
	}

	const pkQuery = `SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = current_schema() AND tc.table_name = $1`
	pkRows, err := db.QueryContext(ctx, pkQuery, table)
	if err != nil {
		return nil, classifyDBError(err, s.d, "discover", pkQuery)
	}
	defer pkRows.Close()

	pks := make(map[string]struct{})
	for pkRows.Next() {
		var name string
		if err := pkRows.Scan(&name); err != nil {
			return nil, classifyDBError(err, s.d, "discover", pkQuery)
		}
		pks[name] = struct{}{}
	}
	if err := pkRows.Err(); err != nil {
		return nil, classifyDBError(err, s.d, "discover", pkQuery)
	}
	for i := range schema.Columns {
		if _, ok := pks[schema.Columns[i].Name]; ok {
			schema.Columns[i].PrimaryKey = true
			schema.Columns[i].Nullable = false
		}
	}
	return schema, nil
}

func (s *SQL) describeMySQL(ctx context.Context, db *sql.DB, table string) (*mapping.Schema, error) {
	const colQuery = `SELECT column_name, data_type, is_nullable, column_key, column_default
FROM information_schema.columns
WHERE table_schema = DATABASE() AND table_name = ?
ORDER BY ordinal_position`
	rows, err := db.QueryContext(ctx, colQuery, table)
	if err != nil {
		return nil, classifyDBError(err, s.d, "discover", colQuery)
	}
	defer rows.Close()

	schema := &mapping.Schema{Name: table}
	for rows.Next() {
		var name, dataType, isNullable, columnKey string
		var dflt sql.NullString
		if err := rows.Scan(&name, &dataType, &isNullable, &columnKey, &dflt); err != nil {
			return nil, classifyDBError(err, s.d, "discover", colQuery)
		}
		col := mapping.Column{
			Name:         name,
			Type:         universalTypeFor(dataType),
			OriginalType: dataType,
			Nullable:     isNullable == "YES",
			PrimaryKey:   columnKey == "PRI",
		}
		if dflt.Valid {
			col.Default = dflt.String
		}
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyDBError(err, s.d, "discover", colQuery)
	}
	return schema, nil
}

// ExecuteQuery implements adapter.Adapter. Row-returning statements yield
// the rows; others yield a single rowsAffected record.
func (s *SQL) ExecuteQuery(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if returnsRows(query) {
		rows, err := db.QueryContext(qctx, query, args...)
		if err != nil {
			return nil, classifyDBError(err, s.d, "query", query)
		}
		defer rows.Close()
		records, err := rowsToRecords(rows)
		if err != nil {
			return nil, classifyDBError(err, s.d, "query", query)
		}
		return records, nil
	}

	res, err := db.ExecContext(qctx, query, args...)
	if err != nil {
		return nil, classifyDBError(err, s.d, "exec", query)
	}
	affected, _ := res.RowsAffected()
	return []map[string]interface{}{{"rowsAffected": affected}}, nil
}

// returnsRows guesses whether a statement produces a result set.
func returnsRows(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	for _, prefix := range []string{"SELECT", "WITH", "SHOW", "PRAGMA", "EXPLAIN", "DESCRIBE", "VALUES"} {
		if strings.HasPrefix(head, prefix) {
			return true
		}
	}
	return false
}

// GetSystemMetadata implements adapter.Adapter.
func (s *SQL) GetSystemMetadata(ctx context.Context) (*adapter.SystemMetadata, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var version string
	if err := db.QueryRowContext(qctx, s.d.versionQuery()).Scan(&version); err != nil {
		return nil, classifyDBError(err, s.d, "metadata", s.d.versionQuery())
	}
	return &adapter.SystemMetadata{
		Kind:    s.d.kind,
		Version: version,
		Vendor:  s.d.kind,
		Properties: map[string]interface{}{
			"driver": s.d.driver,
		},
	}, nil
}

// Capabilities implements adapter.Adapter.
func (s *SQL) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		SupportsSchemaDiscovery: true,
		SupportsBatchOperations: true,
		SupportsTransactions:    true,
		SupportsIncrementalSync: true,
		SupportsCustomQuery:     true,
		MaxBatchSize:            maxWriteBatch,
		Operations: []adapter.Operation{
			adapter.OpRead, adapter.OpWrite, adapter.OpUpdate, adapter.OpDelete,
			adapter.OpUpsert, adapter.OpTruncate,
		},
		WriteModes: []adapter.WriteMode{
			adapter.WriteInsert, adapter.WriteUpsert, adapter.WriteReplace,
			adapter.WriteUpdate, adapter.WriteDelete,
		},
	}
}
