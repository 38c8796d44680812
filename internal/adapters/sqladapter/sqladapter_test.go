package sqladapter

import (
	"context"
	"database/sql/driver"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
	"github.com/nineking424/nificdc-sub004/pkg/adapter"
	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

func newSQLite(t *testing.T) *SQL {
	t.Helper()
	s, err := New(adapter.ConnectionConfig{
		SystemID: "sqlite-test",
		Kind:     KindSQLite,
		Database: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { s.Disconnect(context.Background()) })
	return s
}

func mustExec(t *testing.T, s *SQL, query string, args ...interface{}) {
	t.Helper()
	if _, err := s.ExecuteQuery(context.Background(), query, args...); err != nil {
		t.Fatalf("exec %s: %v", query, err)
	}
}

func seedUsers(t *testing.T, s *SQL) {
	t.Helper()
	mustExec(t, s, `CREATE TABLE users (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		age INTEGER,
		active BOOLEAN DEFAULT 1
	)`)
	mustExec(t, s, `INSERT INTO users (id, name, age, active) VALUES
		(1, 'ada', 36, 1), (2, 'grace', 85, 1), (3, 'alan', 41, 0), (4, 'edsger', NULL, 1)`)
}

func seedItems(t *testing.T, s *SQL) {
	t.Helper()
	mustExec(t, s, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT, qty INTEGER)")
}

func readIDs(t *testing.T, s *SQL, table string) []interface{} {
	t.Helper()
	rows, err := s.ReadData(context.Background(), table, adapter.ReadOptions{
		Columns: []string{"id"},
		Sort:    []adapter.SortKey{{Field: "id"}},
	})
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	ids := make([]interface{}, len(rows))
	for i, rec := range rows {
		ids[i] = rec["id"]
	}
	return ids
}

func TestNewValidation(t *testing.T) {
	if _, err := New(adapter.ConnectionConfig{SystemID: "x", Kind: "oracle"}); err == nil || !strings.Contains(err.Error(), "unsupported kind") {
		t.Errorf("err = %v, want unsupported kind", err)
	}
	if _, err := New(adapter.ConnectionConfig{SystemID: "x", Kind: KindSQLite}); err == nil || !strings.Contains(err.Error(), "dsn or database") {
		t.Errorf("err = %v, want dsn requirement", err)
	}

	pg, err := New(adapter.ConnectionConfig{
		SystemID: "pg", Kind: KindPostgres,
		Host: "db.example.com", Database: "app", User: "svc",
	})
	if err != nil {
		t.Fatalf("New postgres: %v", err)
	}
	for _, part := range []string{"host=db.example.com", "port=5432", "user=svc", "dbname=app", "sslmode=disable"} {
		if !strings.Contains(pg.dsn, part) {
			t.Errorf("postgres dsn %q missing %q", pg.dsn, part)
		}
	}
	// No postgres driver is linked into the test binary.
	if err := pg.Connect(context.Background()); err == nil {
		t.Error("expected Connect to fail without a postgres driver")
	}

	my, err := New(adapter.ConnectionConfig{
		SystemID: "my", Kind: KindMySQL,
		Host: "db", Database: "app", User: "svc", Password: "secret",
	})
	if err != nil {
		t.Fatalf("New mysql: %v", err)
	}
	if want := "svc:secret@tcp(db:3306)/app?parseTime=true"; my.dsn != want {
		t.Errorf("mysql dsn = %q, want %q", my.dsn, want)
	}
}

func TestFactoryRegistration(t *testing.T) {
	a, err := adapter.Create(adapter.ConnectionConfig{
		SystemID: "reg-test",
		Kind:     KindSQLite,
		Database: filepath.Join(t.TempDir(), "reg.db"),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.Kind() != KindSQLite {
		t.Errorf("Kind = %q, want %q", a.Kind(), KindSQLite)
	}
	caps := a.Capabilities()
	if !caps.SupportsTransactions || !caps.SupportsCustomQuery {
		t.Errorf("capabilities = %+v, want transactions and custom query", caps)
	}
}

func TestConnectionLifecycle(t *testing.T) {
	s, err := New(adapter.ConnectionConfig{
		SystemID: "life", Kind: KindSQLite,
		Database: filepath.Join(t.TempDir(), "life.db"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := s.TestConnection(ctx); err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Fatalf("TestConnection before Connect = %v, want not connected", err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("second Connect should be a no-op: %v", err)
	}
	if err := s.TestConnection(ctx); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if err := s.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := s.Disconnect(ctx); err != nil {
		t.Fatalf("second Disconnect should be a no-op: %v", err)
	}
	if err := s.TestConnection(ctx); err == nil {
		t.Fatal("expected error after Disconnect")
	}
}

func TestReadData(t *testing.T) {
	s := newSQLite(t)
	seedUsers(t, s)
	ctx := context.Background()

	t.Run("bare equality", func(t *testing.T) {
		rows, err := s.ReadData(ctx, "users", adapter.ReadOptions{
			Filter: map[string]interface{}{"name": "ada"},
		})
		if err != nil {
			t.Fatalf("ReadData: %v", err)
		}
		if len(rows) != 1 || rows[0]["id"] != int64(1) {
			t.Errorf("rows = %v, want single ada", rows)
		}
	})

	t.Run("gte excludes null", func(t *testing.T) {
		rows, err := s.ReadData(ctx, "users", adapter.ReadOptions{
			Filter: map[string]interface{}{"age": map[string]interface{}{"$gte": 41}},
			Sort:   []adapter.SortKey{{Field: "id"}},
		})
		if err != nil {
			t.Fatalf("ReadData: %v", err)
		}
		if len(rows) != 2 || rows[0]["id"] != int64(2) || rows[1]["id"] != int64(3) {
			t.Errorf("rows = %v, want ids 2 and 3", rows)
		}
	})

	t.Run("ne includes null", func(t *testing.T) {
		rows, err := s.ReadData(ctx, "users", adapter.ReadOptions{
			Filter: map[string]interface{}{"age": map[string]interface{}{"$ne": 36}},
		})
		if err != nil {
			t.Fatalf("ReadData: %v", err)
		}
		if len(rows) != 3 {
			t.Errorf("rows = %d, want 3 (null age counts as not-equal)", len(rows))
		}
	})

	t.Run("in", func(t *testing.T) {
		rows, err := s.ReadData(ctx, "users", adapter.ReadOptions{
			Filter: map[string]interface{}{"name": map[string]interface{}{"$in": []interface{}{"ada", "alan"}}},
		})
		if err != nil {
			t.Fatalf("ReadData: %v", err)
		}
		if len(rows) != 2 {
			t.Errorf("rows = %d, want 2", len(rows))
		}
	})

	t.Run("empty in matches nothing", func(t *testing.T) {
		rows, err := s.ReadData(ctx, "users", adapter.ReadOptions{
			Filter: map[string]interface{}{"id": map[string]interface{}{"$in": []interface{}{}}},
		})
		if err != nil {
			t.Fatalf("ReadData: %v", err)
		}
		if len(rows) != 0 {
			t.Errorf("rows = %d, want 0", len(rows))
		}
	})

	t.Run("like", func(t *testing.T) {
		rows, err := s.ReadData(ctx, "users", adapter.ReadOptions{
			Filter: map[string]interface{}{"name": map[string]interface{}{"$like": "a%"}},
		})
		if err != nil {
			t.Fatalf("ReadData: %v", err)
		}
		if len(rows) != 2 {
			t.Errorf("rows = %d, want 2", len(rows))
		}
	})

	t.Run("between", func(t *testing.T) {
		rows, err := s.ReadData(ctx, "users", adapter.ReadOptions{
			Filter: map[string]interface{}{"age": map[string]interface{}{"$between": []interface{}{40, 90}}},
		})
		if err != nil {
			t.Fatalf("ReadData: %v", err)
		}
		if len(rows) != 2 {
			t.Errorf("rows = %d, want 2", len(rows))
		}
	})

	t.Run("sort and page", func(t *testing.T) {
		rows, err := s.ReadData(ctx, "users", adapter.ReadOptions{
			Sort:   []adapter.SortKey{{Field: "age", Desc: true}},
			Offset: 1,
			Limit:  2,
		})
		if err != nil {
			t.Fatalf("ReadData: %v", err)
		}
		if len(rows) != 2 || rows[0]["name"] != "alan" || rows[1]["name"] != "ada" {
			t.Errorf("rows = %v, want alan then ada", rows)
		}
	})

	t.Run("projection", func(t *testing.T) {
		rows, err := s.ReadData(ctx, "users", adapter.ReadOptions{
			Columns: []string{"name"},
			Filter:  map[string]interface{}{"id": 1},
		})
		if err != nil {
			t.Fatalf("ReadData: %v", err)
		}
		if want := []map[string]interface{}{{"name": "ada"}}; !reflect.DeepEqual(rows, want) {
			t.Errorf("rows = %v, want %v", rows, want)
		}
	})

	t.Run("transactional read", func(t *testing.T) {
		rows, err := s.ReadData(ctx, "users", adapter.ReadOptions{Transaction: true})
		if err != nil {
			t.Fatalf("ReadData: %v", err)
		}
		if len(rows) != 4 {
			t.Errorf("rows = %d, want 4", len(rows))
		}
	})

	t.Run("unknown table", func(t *testing.T) {
		_, err := s.ReadData(ctx, "ghosts", adapter.ReadOptions{})
		var ce *errhandling.ClassifiedError
		if !errors.As(err, &ce) || ce.Type != errhandling.ErrTypeValidation {
			t.Fatalf("err = %v, want classified validation error", err)
		}
	})

	t.Run("joins rejected", func(t *testing.T) {
		_, err := s.ReadData(ctx, "users", adapter.ReadOptions{
			Joins: []adapter.Join{{Schema: "other", LocalField: "id", ForeignField: "uid"}},
		})
		if err == nil || !strings.Contains(err.Error(), "not supported") {
			t.Fatalf("err = %v, want joins not supported", err)
		}
	})

	t.Run("json operator rejected", func(t *testing.T) {
		_, err := s.ReadData(ctx, "users", adapter.ReadOptions{
			Filter: map[string]interface{}{"payload": map[string]interface{}{"$json": map[string]interface{}{"a": 1}}},
		})
		if err == nil || !strings.Contains(err.Error(), "$json") {
			t.Fatalf("err = %v, want $json rejection", err)
		}
	})
}

func TestWriteInsert(t *testing.T) {
	s := newSQLite(t)
	seedItems(t, s)
	ctx := context.Background()

	res, err := s.WriteData(ctx, "items", []map[string]interface{}{
		{"id": 1, "name": "bolt", "qty": 10},
		{"id": 2, "name": "nut"}, // qty absent, binds NULL
	}, adapter.WriteOptions{})
	if err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if res.Written != 2 || res.Failed != 0 {
		t.Fatalf("result = %d written, %d failed; want 2, 0", res.Written, res.Failed)
	}

	rows, err := s.ReadData(ctx, "items", adapter.ReadOptions{Sort: []adapter.SortKey{{Field: "id"}}})
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0]["qty"] != int64(10) || rows[0]["name"] != "bolt" {
		t.Errorf("row 0 = %v", rows[0])
	}
	if rows[1]["qty"] != nil {
		t.Errorf("missing column should be NULL, got %v", rows[1]["qty"])
	}
}

func TestWriteInsertBatching(t *testing.T) {
	s := newSQLite(t)
	seedItems(t, s)

	records := make([]map[string]interface{}, 5)
	for i := range records {
		records[i] = map[string]interface{}{"id": i + 1, "qty": i * 10}
	}
	res, err := s.WriteData(context.Background(), "items", records, adapter.WriteOptions{BatchSize: 2})
	if err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if res.Written != 5 {
		t.Fatalf("written = %d, want 5", res.Written)
	}
	if ids := readIDs(t, s, "items"); len(ids) != 5 {
		t.Errorf("ids = %v, want 5 rows", ids)
	}
}

func TestWriteUpsert(t *testing.T) {
	s := newSQLite(t)
	seedItems(t, s)
	ctx := context.Background()
	mustExec(t, s, "INSERT INTO items (id, name, qty) VALUES (1, 'bolt', 10)")

	res, err := s.WriteData(ctx, "items", []map[string]interface{}{
		{"id": 1, "name": "bolt-2", "qty": 99},
		{"id": 3, "name": "washer", "qty": 1},
	}, adapter.WriteOptions{Mode: adapter.WriteUpsert, KeyColumns: []string{"id"}})
	if err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if res.Written != 2 {
		t.Fatalf("written = %d, want 2", res.Written)
	}

	rows, err := s.ReadData(ctx, "items", adapter.ReadOptions{Sort: []adapter.SortKey{{Field: "id"}}})
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0]["name"] != "bolt-2" || rows[0]["qty"] != int64(99) {
		t.Errorf("updated row = %v", rows[0])
	}
	if rows[1]["name"] != "washer" {
		t.Errorf("inserted row = %v", rows[1])
	}
}

func TestWriteUpdate(t *testing.T) {
	newSeeded := func(t *testing.T) *SQL {
		s := newSQLite(t)
		seedItems(t, s)
		mustExec(t, s, "INSERT INTO items (id, name, qty) VALUES (1, 'bolt', 10), (2, 'nut', 5)")
		return s
	}
	ctx := context.Background()
	batch := []map[string]interface{}{
		{"id": 1, "qty": 11},
		{"id": 99, "qty": 1}, // no such row
	}

	t.Run("transactional write rolls back on missing row", func(t *testing.T) {
		s := newSeeded(t)
		res, err := s.WriteData(ctx, "items", batch, adapter.WriteOptions{
			Mode: adapter.WriteUpdate, KeyColumns: []string{"id"},
		})
		if err == nil || !strings.Contains(err.Error(), "record 1") {
			t.Fatalf("err = %v, want failure at record 1", err)
		}
		if !errors.Is(err, errNoMatch) {
			t.Errorf("err = %v, want errNoMatch in chain", err)
		}
		if res.Written != 0 || res.Failed != 1 {
			t.Fatalf("result = %d written, %d failed; want 0, 1", res.Written, res.Failed)
		}
		re := res.Errors[0]
		if re.RecordIndex != 1 || re.Code != "ROW_NOT_FOUND" || re.Type != "VALIDATION_ERROR" {
			t.Errorf("record error = %+v, want ROW_NOT_FOUND at index 1", re)
		}

		rows, err := s.ReadData(ctx, "items", adapter.ReadOptions{Filter: map[string]interface{}{"id": 1}})
		if err != nil {
			t.Fatalf("ReadData: %v", err)
		}
		if rows[0]["qty"] != int64(10) {
			t.Errorf("qty = %v, want 10 after rollback", rows[0]["qty"])
		}
	})

	t.Run("continue on error keeps the valid update", func(t *testing.T) {
		s := newSeeded(t)
		res, err := s.WriteData(ctx, "items", batch, adapter.WriteOptions{
			Mode: adapter.WriteUpdate, KeyColumns: []string{"id"}, ContinueOnError: true,
		})
		if err != nil {
			t.Fatalf("WriteData: %v", err)
		}
		if res.Written != 1 || res.Failed != 1 {
			t.Fatalf("result = %d written, %d failed; want 1, 1", res.Written, res.Failed)
		}

		rows, err := s.ReadData(ctx, "items", adapter.ReadOptions{Filter: map[string]interface{}{"id": 1}})
		if err != nil {
			t.Fatalf("ReadData: %v", err)
		}
		if rows[0]["qty"] != int64(11) {
			t.Errorf("qty = %v, want 11", rows[0]["qty"])
		}
	})
}

func TestWriteDelete(t *testing.T) {
	s := newSQLite(t)
	seedItems(t, s)
	ctx := context.Background()
	mustExec(t, s, "INSERT INTO items (id, name) VALUES (1, 'bolt'), (2, 'nut')")

	res, err := s.WriteData(ctx, "items", []map[string]interface{}{
		{"id": 2},
		{"id": 77}, // deleting a missing row is a no-op
	}, adapter.WriteOptions{Mode: adapter.WriteDelete, KeyColumns: []string{"id"}})
	if err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if res.Written != 2 {
		t.Fatalf("written = %d, want 2", res.Written)
	}
	if ids := readIDs(t, s, "items"); !reflect.DeepEqual(ids, []interface{}{int64(1)}) {
		t.Errorf("ids = %v, want [1]", ids)
	}
}

func TestWriteReplace(t *testing.T) {
	s := newSQLite(t)
	seedItems(t, s)
	ctx := context.Background()
	mustExec(t, s, "INSERT INTO items (id, name, qty) VALUES (1, 'bolt', 10)")

	res, err := s.WriteData(ctx, "items", []map[string]interface{}{
		{"id": 1, "name": "renamed"}, // qty absent, must end up NULL
	}, adapter.WriteOptions{Mode: adapter.WriteReplace, KeyColumns: []string{"id"}})
	if err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if res.Written != 1 {
		t.Fatalf("written = %d, want 1", res.Written)
	}

	rows, err := s.ReadData(ctx, "items", adapter.ReadOptions{})
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != "renamed" || rows[0]["qty"] != nil {
		t.Errorf("rows = %v, want replaced row with NULL qty", rows)
	}
}

func TestWriteDuplicateKeyRollsBack(t *testing.T) {
	s := newSQLite(t)
	seedItems(t, s)
	ctx := context.Background()
	mustExec(t, s, "INSERT INTO items (id, name) VALUES (1, 'bolt')")

	res, err := s.WriteData(ctx, "items", []map[string]interface{}{
		{"id": 10, "name": "new"},
		{"id": 1, "name": "dup"},
	}, adapter.WriteOptions{})
	if err == nil {
		t.Fatal("expected duplicate key error")
	}
	var ce *errhandling.ClassifiedError
	if !errors.As(err, &ce) || ce.Type != errhandling.ErrTypeDuplicateKey {
		t.Fatalf("err = %v, want duplicate key classification", err)
	}
	if res.Written != 0 || res.Failed != 1 {
		t.Fatalf("result = %d written, %d failed; want 0, 1", res.Written, res.Failed)
	}
	if res.Errors[0].Code != "DUPLICATE_KEY" {
		t.Errorf("record error = %+v, want DUPLICATE_KEY", res.Errors[0])
	}
	// The multi-row statement failed as a unit and was rolled back.
	if ids := readIDs(t, s, "items"); !reflect.DeepEqual(ids, []interface{}{int64(1)}) {
		t.Errorf("ids = %v, want only the seeded row", ids)
	}
}

func TestWriteContinueOnError(t *testing.T) {
	s := newSQLite(t)
	seedItems(t, s)
	ctx := context.Background()
	mustExec(t, s, "INSERT INTO items (id, name) VALUES (1, 'bolt')")

	res, err := s.WriteData(ctx, "items", []map[string]interface{}{
		{"id": 10, "name": "new"},
		{"id": 1, "name": "dup"},
		{"id": 11, "name": "another"},
	}, adapter.WriteOptions{ContinueOnError: true})
	if err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if res.Written != 2 || res.Failed != 1 {
		t.Fatalf("result = %d written, %d failed; want 2, 1", res.Written, res.Failed)
	}
	re := res.Errors[0]
	if re.RecordIndex != 1 || re.Code != "DUPLICATE_KEY" || re.Type != "DUPLICATE_KEY_ERROR" {
		t.Errorf("record error = %+v, want DUPLICATE_KEY at index 1", re)
	}
	if ids := readIDs(t, s, "items"); !reflect.DeepEqual(ids, []interface{}{int64(1), int64(10), int64(11)}) {
		t.Errorf("ids = %v, want [1 10 11]", ids)
	}
}

func TestWriteValidation(t *testing.T) {
	s := newSQLite(t)
	seedItems(t, s)
	ctx := context.Background()

	if _, err := s.WriteData(ctx, "items", nil, adapter.WriteOptions{Mode: adapter.WriteUpdate}); err == nil || !strings.Contains(err.Error(), "key columns") {
		t.Errorf("err = %v, want key column requirement", err)
	}
	if _, err := s.WriteData(ctx, "items", nil, adapter.WriteOptions{Mode: "merge"}); err == nil || !strings.Contains(err.Error(), "unknown write mode") {
		t.Errorf("err = %v, want unknown write mode", err)
	}

	_, err := s.WriteData(ctx, "items", []map[string]interface{}{{"qty": 5}},
		adapter.WriteOptions{Mode: adapter.WriteUpdate, KeyColumns: []string{"id"}})
	if err == nil || !strings.Contains(err.Error(), "missing key column") {
		t.Errorf("err = %v, want missing key column", err)
	}
}

func TestDiscoverSchemas(t *testing.T) {
	s := newSQLite(t)
	seedUsers(t, s)

	schemas, err := s.DiscoverSchemas(context.Background())
	if err != nil {
		t.Fatalf("DiscoverSchemas: %v", err)
	}
	if len(schemas) != 1 || schemas[0].Name != "users" {
		t.Fatalf("schemas = %v, want single users table", schemas)
	}

	users := schemas[0]
	if got := users.PrimaryKeys(); !reflect.DeepEqual(got, []string{"id"}) {
		t.Errorf("primary keys = %v, want [id]", got)
	}

	want := []struct {
		name     string
		typ      mapping.UniversalType
		nullable bool
	}{
		{"id", mapping.TypeInteger, false},
		{"name", mapping.TypeString, false},
		{"age", mapping.TypeInteger, true},
		{"active", mapping.TypeBoolean, true},
	}
	if len(users.Columns) != len(want) {
		t.Fatalf("columns = %v, want %d", users.Columns, len(want))
	}
	for i, w := range want {
		col := users.Columns[i]
		if col.Name != w.name || col.Type != w.typ || col.Nullable != w.nullable {
			t.Errorf("column %d = %+v, want %+v", i, col, w)
		}
	}
	if users.Columns[3].Default != "1" {
		t.Errorf("active default = %v, want 1", users.Columns[3].Default)
	}
}

func TestExecuteQuery(t *testing.T) {
	s := newSQLite(t)
	seedUsers(t, s)
	ctx := context.Background()

	rows, err := s.ExecuteQuery(ctx, "SELECT id, name FROM users WHERE id = ?", 1)
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	if want := []map[string]interface{}{{"id": int64(1), "name": "ada"}}; !reflect.DeepEqual(rows, want) {
		t.Errorf("rows = %v, want %v", rows, want)
	}

	out, err := s.ExecuteQuery(ctx, "UPDATE users SET age = age + 1 WHERE active = 1")
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	if len(out) != 1 || out[0]["rowsAffected"] != int64(3) {
		t.Errorf("out = %v, want rowsAffected 3", out)
	}
}

func TestSystemMetadata(t *testing.T) {
	s := newSQLite(t)
	meta, err := s.GetSystemMetadata(context.Background())
	if err != nil {
		t.Fatalf("GetSystemMetadata: %v", err)
	}
	if meta.Kind != KindSQLite || meta.Version == "" {
		t.Errorf("metadata = %+v, want sqlite with a version", meta)
	}
}

func TestBuildSelectDeterministic(t *testing.T) {
	b := &sqlBuilder{d: dialects[KindPostgres]}
	query, err := buildSelect(b, "users", adapter.ReadOptions{
		Columns: []string{"id", "name"},
		Filter: map[string]interface{}{
			"status": "active",
			"age":    map[string]interface{}{"$gte": 18, "$lt": 65},
		},
		Sort:   []adapter.SortKey{{Field: "age", Desc: true}},
		Limit:  10,
		Offset: 5,
	})
	if err != nil {
		t.Fatalf("buildSelect: %v", err)
	}
	want := `SELECT "id", "name" FROM "users" WHERE "age" >= $1 AND "age" < $2 AND "status" = $3 ORDER BY "age" DESC LIMIT 10 OFFSET 5`
	if query != want {
		t.Errorf("query = %s, want %s", query, want)
	}
	if !reflect.DeepEqual(b.args, []interface{}{18, 65, "active"}) {
		t.Errorf("args = %v, want [18 65 active]", b.args)
	}
}

func TestBuildUpsertDialects(t *testing.T) {
	rec := []map[string]interface{}{{"id": 1, "name": "a"}}

	b := &sqlBuilder{d: dialects[KindSQLite]}
	got := buildUpsert(b, "t", []string{"id", "name"}, []string{"id"}, rec)
	want := `INSERT INTO "t" ("id", "name") VALUES (?, ?) ON CONFLICT ("id") DO UPDATE SET "name" = excluded."name"`
	if got != want {
		t.Errorf("sqlite upsert = %s, want %s", got, want)
	}

	b = &sqlBuilder{d: dialects[KindMySQL]}
	got = buildUpsert(b, "t", []string{"id", "name"}, []string{"id"}, rec)
	want = "INSERT INTO `t` (`id`, `name`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `name` = VALUES(`name`)"
	if got != want {
		t.Errorf("mysql upsert = %s, want %s", got, want)
	}
}

func TestClassifyDBError(t *testing.T) {
	sqlite := dialects[KindSQLite]
	pg := dialects[KindPostgres]
	my := dialects[KindMySQL]

	tests := []struct {
		name      string
		err       error
		d         dialect
		wantType  errhandling.ErrorType
		retryable bool
	}{
		{"deadline", context.DeadlineExceeded, sqlite, errhandling.ErrTypeTimeout, true},
		{"dial refused", errors.New("dial tcp 10.0.0.1:5432: connect: connection refused"), pg, errhandling.ErrTypeNetwork, true},
		{"bad conn", driver.ErrBadConn, my, errhandling.ErrTypeNetwork, true},
		{"sqlite unique", errors.New("constraint failed: UNIQUE constraint failed: users.id (1555)"), sqlite, errhandling.ErrTypeDuplicateKey, false},
		{"pg duplicate", errors.New(`ERROR: duplicate key value violates unique constraint "users_pkey" (SQLSTATE 23505)`), pg, errhandling.ErrTypeDuplicateKey, false},
		{"mysql duplicate", errors.New("Error 1062 (23000): Duplicate entry '1' for key 'users.PRIMARY'"), my, errhandling.ErrTypeDuplicateKey, false},
		{"not null", errors.New("constraint failed: NOT NULL constraint failed: users.name (1299)"), sqlite, errhandling.ErrTypeValidation, false},
		{"busy", errors.New("database is locked (5) (SQLITE_BUSY)"), sqlite, errhandling.ErrTypeSystem, true},
		{"pg deadlock", errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"), pg, errhandling.ErrTypeSystem, true},
		{"syntax", errors.New(`SQL logic error: near "FORM": syntax error (1)`), sqlite, errhandling.ErrTypeValidation, false},
		{"missing table", errors.New("SQL logic error: no such table: ghosts (1)"), sqlite, errhandling.ErrTypeValidation, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyDBError(tt.err, tt.d, "select", "SELECT 1")
			var ce *errhandling.ClassifiedError
			if !errors.As(got, &ce) {
				t.Fatalf("classifyDBError returned %T, want classified error", got)
			}
			if ce.Type != tt.wantType {
				t.Errorf("type = %s, want %s", ce.Type, tt.wantType)
			}
			if ce.Retryable() != tt.retryable {
				t.Errorf("retryable = %v, want %v", ce.Retryable(), tt.retryable)
			}
			if ce.Context["operation"] != "select" || ce.Context["adapter"] != tt.d.kind {
				t.Errorf("context = %v, want operation and adapter set", ce.Context)
			}
		})
	}

	if got := classifyDBError(context.Canceled, sqlite, "select", ""); !errors.Is(got, context.Canceled) {
		t.Errorf("cancelled = %v, want passthrough", got)
	}
	if got := classifyDBError(nil, sqlite, "select", ""); got != nil {
		t.Errorf("nil err = %v, want nil", got)
	}
	pre := errhandling.NewDuplicateKeyError("already classified", nil)
	if got := classifyDBError(pre, sqlite, "insert", ""); got != error(pre) {
		t.Errorf("pre-classified error was re-wrapped: %v", got)
	}
}
