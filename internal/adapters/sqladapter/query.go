package sqladapter

import (
	"database/sql"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/nineking424/nificdc-sub004/pkg/adapter"
)

// sqlBuilder accumulates bind arguments while a statement is rendered.
type sqlBuilder struct {
	d    dialect
	args []interface{}
}

func (b *sqlBuilder) bind(v interface{}) string {
	b.args = append(b.args, v)
	return b.d.placeholder(len(b.args))
}

// buildSelect renders a read as SELECT / WHERE / ORDER BY / LIMIT / OFFSET.
func buildSelect(b *sqlBuilder, table string, opts adapter.ReadOptions) (string, error) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if len(opts.Columns) == 0 {
		sb.WriteString("*")
	} else {
		for i, col := range opts.Columns {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(b.d.quoteIdent(col))
		}
	}
	sb.WriteString(" FROM ")
	sb.WriteString(b.d.quoteIdent(table))

	where, err := compileFilter(b, opts.Filter)
	if err != nil {
		return "", err
	}
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}

	if len(opts.Sort) > 0 {
		sb.WriteString(" ORDER BY ")
		for i, key := range opts.Sort {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(b.d.quoteIdent(key.Field))
			if key.Desc {
				sb.WriteString(" DESC")
			}
		}
	}

	if opts.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", opts.Limit)
	} else if opts.Offset > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(b.d.noLimit())
	}
	if opts.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", opts.Offset)
	}
	return sb.String(), nil
}

// compileFilter renders the shared filter grammar into a WHERE clause.
// Fields and operators are visited in sorted order so the generated SQL is
// deterministic for logs and statement caches.
func compileFilter(b *sqlBuilder, filter map[string]interface{}) (string, error) {
	if len(filter) == 0 {
		return "", nil
	}
	fields := make([]string, 0, len(filter))
	for f := range filter {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var conds []string
	for _, field := range fields {
		col := b.d.quoteIdent(field)
		ops, isOps := operatorExpr(filter[field])
		if !isOps {
			conds = append(conds, equalityCond(b, col, filter[field]))
			continue
		}

		opNames := make([]string, 0, len(ops))
		for op := range ops {
			opNames = append(opNames, op)
		}
		sort.Strings(opNames)
		for _, op := range opNames {
			cond, err := operatorCond(b, col, op, ops[op])
			if err != nil {
				return "", fmt.Errorf("filter %s: %w", field, err)
			}
			conds = append(conds, cond)
		}
	}
	return strings.Join(conds, " AND "), nil
}

// operatorExpr returns cond as an operator map when every key is
// $-prefixed. A plain map value is an equality target, not an expression.
func operatorExpr(cond interface{}) (map[string]interface{}, bool) {
	m, ok := cond.(map[string]interface{})
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func equalityCond(b *sqlBuilder, col string, v interface{}) string {
	if v == nil {
		return col + " IS NULL"
	}
	return col + " = " + b.bind(v)
}

func operatorCond(b *sqlBuilder, col, op string, expected interface{}) (string, error) {
	switch op {
	case adapter.OpEq:
		return equalityCond(b, col, expected), nil
	case adapter.OpNe:
		if expected == nil {
			return col + " IS NOT NULL", nil
		}
		// NULL <> x is NULL in SQL; the filter grammar counts missing
		// values as not-equal.
		return fmt.Sprintf("(%s <> %s OR %s IS NULL)", col, b.bind(expected), col), nil
	case adapter.OpGt:
		return col + " > " + b.bind(expected), nil
	case adapter.OpGte:
		return col + " >= " + b.bind(expected), nil
	case adapter.OpLt:
		return col + " < " + b.bind(expected), nil
	case adapter.OpLte:
		return col + " <= " + b.bind(expected), nil
	case adapter.OpIn, adapter.OpNin:
		list, ok := toSlice(expected)
		if !ok {
			return "", fmt.Errorf("%s: expected a list", op)
		}
		if len(list) == 0 {
			if op == adapter.OpIn {
				return "1 = 0", nil
			}
			return "1 = 1", nil
		}
		marks := make([]string, len(list))
		for i, v := range list {
			marks[i] = b.bind(v)
		}
		if op == adapter.OpIn {
			return fmt.Sprintf("%s IN (%s)", col, strings.Join(marks, ", ")), nil
		}
		return fmt.Sprintf("(%s NOT IN (%s) OR %s IS NULL)", col, strings.Join(marks, ", "), col), nil
	case adapter.OpLike:
		pattern, ok := expected.(string)
		if !ok {
			return "", fmt.Errorf("%s: pattern must be a string", op)
		}
		return col + " LIKE " + b.bind(pattern), nil
	case adapter.OpBetween:
		bounds, ok := toSlice(expected)
		if !ok || len(bounds) != 2 {
			return "", fmt.Errorf("%s: expected [low, high]", op)
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", col, b.bind(bounds[0]), b.bind(bounds[1])), nil
	case adapter.OpJSON:
		return "", fmt.Errorf("%s: json containment is not supported on sql systems", op)
	default:
		return "", fmt.Errorf("unknown operator %s", op)
	}
}

func toSlice(v interface{}) ([]interface{}, bool) {
	if list, ok := v.([]interface{}); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// recordColumns returns the sorted union of columns across the records so a
// batch shares one statement shape. Columns absent from a record bind NULL.
func recordColumns(records []map[string]interface{}) []string {
	seen := make(map[string]struct{})
	for _, rec := range records {
		for col := range rec {
			seen[col] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for col := range seen {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func buildInsert(b *sqlBuilder, table string, cols []string, records []map[string]interface{}) string {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(b.d.quoteIdent(table))
	sb.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(b.d.quoteIdent(col))
	}
	sb.WriteString(") VALUES ")
	for r, rec := range records {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for i, col := range cols {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(b.bind(rec[col]))
		}
		sb.WriteString(")")
	}
	return sb.String()
}

// buildUpsert renders insert-or-update: ON CONFLICT DO UPDATE for sqlite and
// postgres, ON DUPLICATE KEY UPDATE for mysql. The key columns need a unique
// constraint on the target table.
func buildUpsert(b *sqlBuilder, table string, cols, keys []string, records []map[string]interface{}) string {
	var sb strings.Builder
	sb.WriteString(buildInsert(b, table, cols, records))

	keySet := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		keySet[key] = struct{}{}
	}
	var nonKeys []string
	for _, col := range cols {
		if _, isKey := keySet[col]; !isKey {
			nonKeys = append(nonKeys, col)
		}
	}

	if b.d.kind == KindMySQL {
		sb.WriteString(" ON DUPLICATE KEY UPDATE ")
		if len(nonKeys) == 0 {
			// mysql requires at least one assignment; make it a no-op.
			k := b.d.quoteIdent(keys[0])
			sb.WriteString(k + " = " + k)
			return sb.String()
		}
		for i, col := range nonKeys {
			if i > 0 {
				sb.WriteString(", ")
			}
			q := b.d.quoteIdent(col)
			sb.WriteString(q + " = VALUES(" + q + ")")
		}
		return sb.String()
	}

	sb.WriteString(" ON CONFLICT (")
	for i, key := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(b.d.quoteIdent(key))
	}
	sb.WriteString(")")
	if len(nonKeys) == 0 {
		sb.WriteString(" DO NOTHING")
		return sb.String()
	}
	sb.WriteString(" DO UPDATE SET ")
	for i, col := range nonKeys {
		if i > 0 {
			sb.WriteString(", ")
		}
		q := b.d.quoteIdent(col)
		sb.WriteString(q + " = excluded." + q)
	}
	return sb.String()
}

func buildUpdate(b *sqlBuilder, table string, rec map[string]interface{}, keys []string) (string, error) {
	keySet := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		keySet[key] = struct{}{}
	}
	var setCols []string
	for col := range rec {
		if _, isKey := keySet[col]; !isKey {
			setCols = append(setCols, col)
		}
	}
	if len(setCols) == 0 {
		return "", fmt.Errorf("update requires at least one non-key column")
	}
	sort.Strings(setCols)

	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(b.d.quoteIdent(table))
	sb.WriteString(" SET ")
	for i, col := range setCols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(b.d.quoteIdent(col) + " = " + b.bind(rec[col]))
	}
	sb.WriteString(" WHERE ")
	sb.WriteString(keyWhere(b, rec, keys))
	return sb.String(), nil
}

func buildDelete(b *sqlBuilder, table string, rec map[string]interface{}, keys []string) string {
	return "DELETE FROM " + b.d.quoteIdent(table) + " WHERE " + keyWhere(b, rec, keys)
}

func keyWhere(b *sqlBuilder, rec map[string]interface{}, keys []string) string {
	conds := make([]string, len(keys))
	for i, key := range keys {
		if v := rec[key]; v == nil {
			conds[i] = b.d.quoteIdent(key) + " IS NULL"
		} else {
			conds[i] = b.d.quoteIdent(key) + " = " + b.bind(v)
		}
	}
	return strings.Join(conds, " AND ")
}

// rowsToRecords scans every row into the generic record shape.
func rowsToRecords(rows *sql.Rows) ([]map[string]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var records []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			rec[col] = normalizeValue(values[i])
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// normalizeValue converts driver values into the record value domain:
// []byte becomes string, time.Time passes through for the temporal
// coercions downstream.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
