package validation

import (
	"context"
	"testing"
	"time"

	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

func TestTypeValidatorFieldConstraints(t *testing.T) {
	v, err := NewTypeValidator("shape",
		TypeConstraint{Field: "id", Types: []mapping.UniversalType{mapping.TypeLong}},
		TypeConstraint{Field: "name", Types: []mapping.UniversalType{mapping.TypeString}},
		TypeConstraint{Field: "score", Types: []mapping.UniversalType{mapping.TypeInteger, mapping.TypeString}},
		TypeConstraint{Field: "note", Types: []mapping.UniversalType{mapping.TypeString}, AllowNull: true, AllowMissing: true},
	)
	if err != nil {
		t.Fatalf("NewTypeValidator: %v", err)
	}

	res, err := v.Validate(context.Background(), map[string]interface{}{
		"id":    int64(7),
		"name":  "Ada",
		"score": "excellent",
		"note":  nil,
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.Valid {
		t.Fatalf("record should pass: %+v", res.Errors)
	}

	res, err = v.Validate(context.Background(), map[string]interface{}{
		"id":    "seven",
		"score": 3.5,
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid {
		t.Fatal("record should fail")
	}

	byField := map[string]string{}
	for _, issue := range res.Errors {
		byField[issue.Field] = issue.Code
	}
	if byField["id"] != CodeTypeMismatch {
		t.Fatalf("id: got %q", byField["id"])
	}
	if byField["name"] != CodeFieldMissing {
		t.Fatalf("name: got %q", byField["name"])
	}
	// 3.5 has a fractional part, so it is neither integer nor string.
	if byField["score"] != CodeTypeMismatch {
		t.Fatalf("score: got %q", byField["score"])
	}
	if _, flagged := byField["note"]; flagged {
		t.Fatal("note allows null and missing")
	}
}

func TestTypeValidatorWholeValue(t *testing.T) {
	v, err := NewTypeValidator("scalar",
		TypeConstraint{Types: []mapping.UniversalType{mapping.TypeString}},
	)
	if err != nil {
		t.Fatalf("NewTypeValidator: %v", err)
	}

	res, err := v.Validate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.Valid {
		t.Fatalf("string should pass: %+v", res.Errors)
	}

	res, err = v.Validate(context.Background(), 42)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid || res.Errors[0].Code != CodeTypeMismatch {
		t.Fatalf("int should fail the string constraint: %+v", res)
	}
}

func TestTypeValidatorDistinguishesArraysFromObjects(t *testing.T) {
	object := map[string]interface{}{"a": 1}
	array := []interface{}{1, 2}

	jsonOnly, err := NewTypeValidator("object", TypeConstraint{Types: []mapping.UniversalType{mapping.TypeJSON}})
	if err != nil {
		t.Fatalf("NewTypeValidator: %v", err)
	}
	arrayOnly, err := NewTypeValidator("array", TypeConstraint{Types: []mapping.UniversalType{mapping.TypeArray}})
	if err != nil {
		t.Fatalf("NewTypeValidator: %v", err)
	}

	if res, _ := jsonOnly.Validate(context.Background(), object); !res.Valid {
		t.Fatal("object should satisfy json")
	}
	if res, _ := jsonOnly.Validate(context.Background(), array); res.Valid {
		t.Fatal("array must not satisfy json")
	}
	if res, _ := arrayOnly.Validate(context.Background(), array); !res.Valid {
		t.Fatal("array should satisfy array")
	}
	if res, _ := arrayOnly.Validate(context.Background(), object); res.Valid {
		t.Fatal("object must not satisfy array")
	}
}

func TestMatchesType(t *testing.T) {
	cases := []struct {
		value interface{}
		typ   mapping.UniversalType
		want  bool
	}{
		{int64(1), mapping.TypeInteger, true},
		{float64(3), mapping.TypeInteger, true},
		{float64(3.5), mapping.TypeInteger, false},
		{3.5, mapping.TypeDouble, true},
		{7, mapping.TypeDecimal, true},
		{true, mapping.TypeBoolean, true},
		{"yes", mapping.TypeBoolean, false},
		{time.Now(), mapping.TypeTimestamp, true},
		{"2024-06-01", mapping.TypeDate, true},
		{"2024-06-01T10:00:00Z", mapping.TypeDatetime, true},
		{"not a date", mapping.TypeDate, false},
		{[]byte{1, 2}, mapping.TypeBinary, true},
		{[]byte{1, 2}, mapping.TypeArray, false},
		{[]string{"a"}, mapping.TypeArray, true},
		{"text", mapping.TypeText, true},
	}
	for _, tc := range cases {
		if got := matchesType(tc.value, tc.typ); got != tc.want {
			t.Errorf("matchesType(%v, %s) = %v, want %v", tc.value, tc.typ, got, tc.want)
		}
	}
}

func TestTypeValidatorInputErrors(t *testing.T) {
	v, err := NewTypeValidator("rec", TypeConstraint{Field: "x", Types: []mapping.UniversalType{mapping.TypeString}})
	if err != nil {
		t.Fatalf("NewTypeValidator: %v", err)
	}
	if _, err := v.Validate(context.Background(), "not a record"); err == nil {
		t.Fatal("field constraints require a record")
	}

	if _, err := NewTypeValidator("empty"); err == nil {
		t.Fatal("no constraints should fail")
	}
	if _, err := NewTypeValidator("untyped", TypeConstraint{Field: "x"}); err == nil {
		t.Fatal("constraint without types should fail")
	}
	if _, err := NewTypeValidator("bogus", TypeConstraint{Types: []mapping.UniversalType{"number"}}); err == nil {
		t.Fatal("unknown type should fail")
	}
}
