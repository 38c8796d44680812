package config

import (
	"strings"
	"testing"

	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

func TestConvertToMapping_ValidDocument(t *testing.T) {
	data := map[string]interface{}{
		"id":          "user-mapping",
		"name":        "User Mapping",
		"version":     "1.0.0",
		"description": "Maps users to accounts",
		"rules": []interface{}{
			map[string]interface{}{
				"name":        "copy-id",
				"type":        "direct",
				"priority":    float64(1),
				"sourceField": "id",
				"targetField": "userId",
			},
			map[string]interface{}{
				"name":        "upper-name",
				"type":        "transform",
				"priority":    float64(2),
				"sourceField": "name",
				"targetField": "fullName",
				"transform":   "uppercase",
				"onError":     "skip",
			},
		},
		"defaultValues": map[string]interface{}{"isActive": true},
	}

	def, err := ConvertToMapping(data)
	if err != nil {
		t.Fatalf("ConvertToMapping() error = %v", err)
	}

	if def.ID != "user-mapping" {
		t.Errorf("expected id 'user-mapping', got '%s'", def.ID)
	}
	if def.Name != "User Mapping" {
		t.Errorf("expected name 'User Mapping', got '%s'", def.Name)
	}
	if def.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", def.Version)
	}
	if def.CacheKey() != "user-mapping@1.0.0" {
		t.Errorf("expected cache key 'user-mapping@1.0.0', got '%s'", def.CacheKey())
	}

	if len(def.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(def.Rules))
	}

	first := def.Rules[0]
	if first.Kind != mapping.RuleDirect {
		t.Errorf("expected first rule kind 'direct', got '%s'", first.Kind)
	}
	if first.Priority != 1 {
		t.Errorf("expected first rule priority 1, got %d", first.Priority)
	}
	if first.Source != "id" || first.Target != "userId" {
		t.Errorf("expected id -> userId, got %s -> %s", first.Source, first.Target)
	}
	if !first.IsEnabled() {
		t.Error("expected rule without enabled flag to default to enabled")
	}

	second := def.Rules[1]
	if second.Kind != mapping.RuleTransform {
		t.Errorf("expected second rule kind 'transform', got '%s'", second.Kind)
	}
	if second.Transform != "uppercase" {
		t.Errorf("expected transform 'uppercase', got '%s'", second.Transform)
	}
	if second.OnError != mapping.ErrorPolicySkip {
		t.Errorf("expected onError 'skip', got '%s'", second.OnError)
	}

	if def.DefaultValues["isActive"] != true {
		t.Errorf("expected defaultValues.isActive true, got %v", def.DefaultValues["isActive"])
	}
}

func TestConvertToMapping_FullRuleSurface(t *testing.T) {
	parseResult := ParseYAMLFile("testdata/valid-mapping.yaml")
	if !parseResult.IsValid() {
		t.Fatalf("failed to parse document: %v", parseResult.Errors)
	}

	def, err := ConvertToMapping(parseResult.Data)
	if err != nil {
		t.Fatalf("ConvertToMapping() error = %v", err)
	}

	if len(def.Rules) != 5 {
		t.Fatalf("expected 5 rules, got %d", len(def.Rules))
	}

	kinds := []mapping.RuleKind{
		mapping.RuleDirect, mapping.RuleConcat, mapping.RuleLookup,
		mapping.RuleFormula, mapping.RuleConditional,
	}
	for i, kind := range kinds {
		if def.Rules[i].Kind != kind {
			t.Errorf("rule %d: expected kind '%s', got '%s'", i, kind, def.Rules[i].Kind)
		}
	}

	concat := def.Rules[1]
	if len(concat.Sources) != 2 || concat.Separator != " " {
		t.Errorf("unexpected concat rule: sources=%v separator=%q", concat.Sources, concat.Separator)
	}

	lookup := def.Rules[2]
	if lookup.Entries["2"] != "shipped" {
		t.Errorf("expected entries['2'] = 'shipped', got %v", lookup.Entries["2"])
	}
	if lookup.Default != "unknown" || lookup.OnError != mapping.ErrorPolicyDefault {
		t.Errorf("unexpected lookup fallback: default=%v onError=%s", lookup.Default, lookup.OnError)
	}

	formula := def.Rules[3]
	if formula.Expression != "price * quantity" {
		t.Errorf("expected expression 'price * quantity', got %q", formula.Expression)
	}
	if formula.Inputs["price"] != "unitPrice" {
		t.Errorf("expected input price -> unitPrice, got %v", formula.Inputs)
	}

	cond := def.Rules[4]
	if cond.Operand != "quantity" || cond.Operator != mapping.OpGte {
		t.Errorf("unexpected conditional: operand=%s operator=%s", cond.Operand, cond.Operator)
	}
	if cond.Then != "bulk" || cond.Else != "standard" {
		t.Errorf("unexpected branches: then=%v else=%v", cond.Then, cond.Else)
	}
	if cond.Condition == nil || cond.Condition.Operator != mapping.OpIsNotNull {
		t.Errorf("expected isNotNull guard condition, got %+v", cond.Condition)
	}
}

func TestConvertToMapping_NilData(t *testing.T) {
	def, err := ConvertToMapping(nil)

	if err == nil {
		t.Error("expected error for nil data")
	}
	if def != nil {
		t.Error("expected nil mapping for nil data")
	}
}

func TestConvertToMapping_StructuralErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    map[string]interface{}
		wantErr string
	}{
		{
			name: "missing id",
			data: map[string]interface{}{
				"rules": []interface{}{
					map[string]interface{}{"type": "direct", "sourceField": "a", "targetField": "b"},
				},
			},
			wantErr: "id is required",
		},
		{
			name:    "no rules",
			data:    map[string]interface{}{"id": "empty"},
			wantErr: "at least one rule",
		},
		{
			name: "direct rule without source",
			data: map[string]interface{}{
				"id": "bad-direct",
				"rules": []interface{}{
					map[string]interface{}{"type": "direct", "targetField": "b"},
				},
			},
			wantErr: "source field",
		},
		{
			name: "unknown rule kind",
			data: map[string]interface{}{
				"id": "bad-kind",
				"rules": []interface{}{
					map[string]interface{}{"type": "magic", "targetField": "b"},
				},
			},
			wantErr: "unknown kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := ConvertToMapping(tt.data)

			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got: %v", tt.wantErr, err)
			}
			if def != nil {
				t.Error("expected nil mapping on error")
			}
		})
	}
}

func TestConvertToMapping_WrongFieldType(t *testing.T) {
	data := map[string]interface{}{
		"id": "bad-priority",
		"rules": []interface{}{
			map[string]interface{}{
				"type":        "direct",
				"priority":    "first",
				"sourceField": "a",
				"targetField": "b",
			},
		},
	}

	def, err := ConvertToMapping(data)

	if err == nil {
		t.Fatal("expected error for non-numeric priority")
	}
	if !strings.Contains(err.Error(), "priority") {
		t.Errorf("expected field-scoped error mentioning priority, got: %v", err)
	}
	if def != nil {
		t.Error("expected nil mapping on error")
	}
}

func TestConvertToMapping_EnabledFlag(t *testing.T) {
	data := map[string]interface{}{
		"id": "flagged",
		"rules": []interface{}{
			map[string]interface{}{
				"type":        "direct",
				"enabled":     false,
				"sourceField": "a",
				"targetField": "b",
			},
		},
	}

	def, err := ConvertToMapping(data)
	if err != nil {
		t.Fatalf("ConvertToMapping() error = %v", err)
	}

	if def.Rules[0].IsEnabled() {
		t.Error("expected rule with enabled=false to be disabled")
	}
}

func TestConvertToMapping_SchemasAndTypes(t *testing.T) {
	parseResult := ParseJSONFile("testdata/valid-mapping.json")
	if !parseResult.IsValid() {
		t.Fatalf("failed to parse document: %v", parseResult.Errors)
	}

	def, err := ConvertToMapping(parseResult.Data)
	if err != nil {
		t.Fatalf("ConvertToMapping() error = %v", err)
	}

	if def.SourceSchema == nil || def.TargetSchema == nil {
		t.Fatal("expected both schemas to be converted")
	}

	col, ok := def.SourceSchema.Column("id")
	if !ok {
		t.Fatal("expected source column 'id'")
	}
	if col.Type != mapping.TypeInteger || !col.PrimaryKey {
		t.Errorf("unexpected id column: type=%s primaryKey=%v", col.Type, col.PrimaryKey)
	}

	keys := def.TargetSchema.PrimaryKeys()
	if len(keys) != 1 || keys[0] != "userId" {
		t.Errorf("expected primary key [userId], got %v", keys)
	}
}
