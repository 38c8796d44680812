package mapping

import (
	"testing"
)

func TestParseUniversalType(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"string", "string", false},
		{"timestamp", "timestamp", false},
		{"json", "json", false},
		{"unknown", "varchar", true},
		{"empty", "", true},
		{"case sensitive", "String", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseUniversalType(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseUniversalType(%q) err = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestUniversalTypePredicates(t *testing.T) {
	if !TypeDecimal.IsNumeric() {
		t.Error("decimal should be numeric")
	}
	if TypeString.IsNumeric() {
		t.Error("string should not be numeric")
	}
	if !TypeTimestamp.IsTemporal() {
		t.Error("timestamp should be temporal")
	}
	if TypeJSON.IsTemporal() {
		t.Error("json should not be temporal")
	}
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{
			name: "valid direct",
			rule: Rule{Kind: RuleDirect, Source: "id", Target: "userId"},
		},
		{
			name:    "direct missing source",
			rule:    Rule{Kind: RuleDirect, Target: "userId"},
			wantErr: true,
		},
		{
			name:    "missing target",
			rule:    Rule{Kind: RuleDirect, Source: "id"},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			rule:    Rule{Kind: "mangle", Source: "id", Target: "out"},
			wantErr: true,
		},
		{
			name: "valid transform",
			rule: Rule{Kind: RuleTransform, Source: "name", Target: "out", Transform: "uppercase"},
		},
		{
			name:    "transform without name",
			rule:    Rule{Kind: RuleTransform, Source: "name", Target: "out"},
			wantErr: true,
		},
		{
			name: "valid concat",
			rule: Rule{Kind: RuleConcat, Sources: []string{"first", "last"}, Target: "full"},
		},
		{
			name:    "concat single source",
			rule:    Rule{Kind: RuleConcat, Sources: []string{"first"}, Target: "full"},
			wantErr: true,
		},
		{
			name: "valid split",
			rule: Rule{Kind: RuleSplit, Source: "email", Target: "domain", Delimiter: "@", Index: 1},
		},
		{
			name:    "split without delimiter",
			rule:    Rule{Kind: RuleSplit, Source: "email", Target: "domain"},
			wantErr: true,
		},
		{
			name: "valid lookup entries",
			rule: Rule{Kind: RuleLookup, Source: "code", Target: "label", Entries: map[string]interface{}{"A": "active"}},
		},
		{
			name:    "lookup without table",
			rule:    Rule{Kind: RuleLookup, Source: "code", Target: "label"},
			wantErr: true,
		},
		{
			name: "valid formula",
			rule: Rule{Kind: RuleFormula, Target: "total", Expression: "a + b", Inputs: map[string]string{"a": "x", "b": "y"}},
		},
		{
			name:    "formula without expression",
			rule:    Rule{Kind: RuleFormula, Target: "total"},
			wantErr: true,
		},
		{
			name: "valid conditional",
			rule: Rule{Kind: RuleConditional, Target: "flag", Operand: "age", Operator: OpGte, Value: 18, Then: "adult", Else: "minor"},
		},
		{
			name:    "conditional bad operator",
			rule:    Rule{Kind: RuleConditional, Target: "flag", Operand: "age", Operator: "~="},
			wantErr: true,
		},
		{
			name:    "bad error policy",
			rule:    Rule{Kind: RuleDirect, Source: "id", Target: "out", OnError: "explode"},
			wantErr: true,
		},
		{
			name:    "gate condition bad operator",
			rule:    Rule{Kind: RuleDirect, Source: "id", Target: "out", Condition: &Condition{Field: "x", Operator: "<>"}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMappingValidate(t *testing.T) {
	valid := Mapping{
		ID:    "m1",
		Rules: []Rule{{Kind: RuleDirect, Source: "id", Target: "userId"}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid mapping rejected: %v", err)
	}

	noID := Mapping{Rules: valid.Rules}
	if err := noID.Validate(); err == nil {
		t.Error("mapping without id accepted")
	}

	noRules := Mapping{ID: "m1"}
	if err := noRules.Validate(); err == nil {
		t.Error("mapping without rules accepted")
	}
}

func TestSortRulesStable(t *testing.T) {
	rules := []Rule{
		{Name: "c", Priority: 2, Kind: RuleDirect, Source: "a", Target: "a"},
		{Name: "a", Priority: 1, Kind: RuleDirect, Source: "a", Target: "a"},
		{Name: "b", Priority: 1, Kind: RuleDirect, Source: "a", Target: "a"},
		{Name: "d", Priority: 0, Kind: RuleDirect, Source: "a", Target: "a"},
	}
	sorted := SortRules(rules)

	got := make([]string, len(sorted))
	for i, r := range sorted {
		got[i] = r.Name
	}
	want := []string{"d", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	// Input slice must not be reordered.
	if rules[0].Name != "c" {
		t.Error("SortRules mutated its input")
	}
}

func TestRuleIsEnabled(t *testing.T) {
	enabled := true
	disabled := false
	tests := []struct {
		name string
		flag *bool
		want bool
	}{
		{"nil defaults to enabled", nil, true},
		{"explicit true", &enabled, true},
		{"explicit false", &disabled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Rule{Enabled: tt.flag}
			if got := r.IsEnabled(); got != tt.want {
				t.Errorf("IsEnabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSchemaHelpers(t *testing.T) {
	s := Schema{
		Name: "users",
		Columns: []Column{
			{Name: "id", Type: TypeLong, PrimaryKey: true},
			{Name: "name", Type: TypeString},
			{Name: "note", Type: TypeText, Nullable: true},
			{Name: "status", Type: TypeString, Default: "active"},
		},
	}

	if _, ok := s.Column("name"); !ok {
		t.Error("Column(name) not found")
	}
	if _, ok := s.Column("missing"); ok {
		t.Error("Column(missing) should not be found")
	}

	req := s.RequiredColumns()
	if len(req) != 2 {
		t.Fatalf("RequiredColumns() = %d columns, want 2", len(req))
	}
	if req[0].Name != "id" || req[1].Name != "name" {
		t.Errorf("RequiredColumns() = %v", req)
	}

	pks := s.PrimaryKeys()
	if len(pks) != 1 || pks[0] != "id" {
		t.Errorf("PrimaryKeys() = %v, want [id]", pks)
	}
}
