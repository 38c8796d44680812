package mapping

import (
	"fmt"
	"sort"
)

// Condition compares a record field against a value. Conditions gate rule
// execution and drive the conditional rule kind.
type Condition struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

// Rule maps one or more source fields to a target field. Kind selects which
// of the optional fields are meaningful; Validate enforces the per-kind
// requirements.
type Rule struct {
	Name     string   `json:"name,omitempty"`
	Kind     RuleKind `json:"type"`
	Priority int      `json:"priority,omitempty"`
	Enabled  *bool    `json:"enabled,omitempty"`

	Source  string   `json:"sourceField,omitempty"`
	Sources []string `json:"sourceFields,omitempty"`
	Target  string   `json:"targetField"`

	// Transform rules.
	Transform string                 `json:"transform,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`

	// Concat and split rules.
	Separator string `json:"separator,omitempty"`
	Delimiter string `json:"delimiter,omitempty"`
	Index     int    `json:"index,omitempty"`

	// Lookup rules: either an inline Entries map or a named registered
	// table with optional key/value column selection.
	Table      string                 `json:"table,omitempty"`
	Entries    map[string]interface{} `json:"entries,omitempty"`
	KeyField   string                 `json:"keyField,omitempty"`
	ValueField string                 `json:"valueField,omitempty"`

	// Formula rules: an expression over named inputs, where each input
	// names a source field path.
	Expression string            `json:"expression,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"`

	// Conditional rules: compare Operand (a source field path) against
	// Value and emit Then or Else.
	Operand  string      `json:"operand,omitempty"`
	Operator Operator    `json:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty"`
	Then     interface{} `json:"then,omitempty"`
	Else     interface{} `json:"else,omitempty"`

	// Condition gates execution of any rule kind.
	Condition *Condition `json:"condition,omitempty"`

	Default    interface{}   `json:"defaultValue,omitempty"`
	Required   bool          `json:"required,omitempty"`
	OnError    ErrorPolicy   `json:"onError,omitempty"`
	SourceType UniversalType `json:"sourceType,omitempty"`
	TargetType UniversalType `json:"targetType,omitempty"`
}

// IsEnabled reports whether the rule participates in execution. A nil
// Enabled flag defaults to true.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Label returns the rule's name, falling back to its target field.
func (r *Rule) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Target
}

// Validate checks the structural requirements of the rule for its kind.
func (r *Rule) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("rule %q: unknown kind %q", r.Label(), r.Kind)
	}
	if r.Target == "" {
		return fmt.Errorf("rule %q: target field is required", r.Label())
	}
	if !r.OnError.Valid() {
		return fmt.Errorf("rule %q: unknown error policy %q", r.Label(), r.OnError)
	}
	if r.SourceType != "" && !r.SourceType.Valid() {
		return fmt.Errorf("rule %q: unknown source type %q", r.Label(), r.SourceType)
	}
	if r.TargetType != "" && !r.TargetType.Valid() {
		return fmt.Errorf("rule %q: unknown target type %q", r.Label(), r.TargetType)
	}
	switch r.Kind {
	case RuleDirect:
		if r.Source == "" {
			return fmt.Errorf("rule %q: direct rule requires a source field", r.Label())
		}
	case RuleTransform:
		if r.Source == "" {
			return fmt.Errorf("rule %q: transform rule requires a source field", r.Label())
		}
		if r.Transform == "" {
			return fmt.Errorf("rule %q: transform rule requires a transform name", r.Label())
		}
	case RuleConcat:
		if len(r.Sources) < 2 {
			return fmt.Errorf("rule %q: concat rule requires at least two source fields", r.Label())
		}
	case RuleSplit:
		if r.Source == "" {
			return fmt.Errorf("rule %q: split rule requires a source field", r.Label())
		}
		if r.Delimiter == "" {
			return fmt.Errorf("rule %q: split rule requires a delimiter", r.Label())
		}
		if r.Index < 0 {
			return fmt.Errorf("rule %q: split index must not be negative", r.Label())
		}
	case RuleLookup:
		if r.Source == "" {
			return fmt.Errorf("rule %q: lookup rule requires a source field", r.Label())
		}
		if len(r.Entries) == 0 && r.Table == "" {
			return fmt.Errorf("rule %q: lookup rule requires entries or a table name", r.Label())
		}
	case RuleFormula:
		if r.Expression == "" {
			return fmt.Errorf("rule %q: formula rule requires an expression", r.Label())
		}
	case RuleConditional:
		if r.Operand == "" {
			return fmt.Errorf("rule %q: conditional rule requires an operand field", r.Label())
		}
		if !r.Operator.Valid() {
			return fmt.Errorf("rule %q: conditional rule requires a valid operator, got %q", r.Label(), r.Operator)
		}
	}
	if r.Condition != nil {
		if r.Condition.Field == "" {
			return fmt.Errorf("rule %q: condition requires a field", r.Label())
		}
		if !r.Condition.Operator.Valid() {
			return fmt.Errorf("rule %q: condition has unknown operator %q", r.Label(), r.Condition.Operator)
		}
	}
	return nil
}

// Column describes one field of a schema in universal terms.
type Column struct {
	Name         string        `json:"name"`
	Type         UniversalType `json:"type"`
	OriginalType string        `json:"originalType,omitempty"`
	Nullable     bool          `json:"nullable"`
	PrimaryKey   bool          `json:"primaryKey,omitempty"`
	Default      interface{}   `json:"defaultValue,omitempty"`
	Length       int           `json:"length,omitempty"`
	Precision    int           `json:"precision,omitempty"`
	Scale        int           `json:"scale,omitempty"`
}

// Schema describes a named record shape on either side of a mapping.
type Schema struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Column returns the named column, if present.
func (s *Schema) Column(name string) (*Column, bool) {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return &s.Columns[i], true
		}
	}
	return nil, false
}

// RequiredColumns returns the columns a record must populate: non-nullable
// columns without a default value.
func (s *Schema) RequiredColumns() []Column {
	var out []Column
	for _, c := range s.Columns {
		if !c.Nullable && c.Default == nil {
			out = append(out, c)
		}
	}
	return out
}

// PrimaryKeys returns the names of the primary key columns in order.
func (s *Schema) PrimaryKeys() []string {
	var out []string
	for _, c := range s.Columns {
		if c.PrimaryKey {
			out = append(out, c.Name)
		}
	}
	return out
}

// Mapping is a complete mapping definition between a source and target shape.
type Mapping struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name,omitempty"`
	Version       string                 `json:"version,omitempty"`
	Description   string                 `json:"description,omitempty"`
	SourceSchema  *Schema                `json:"sourceSchema,omitempty"`
	TargetSchema  *Schema                `json:"targetSchema,omitempty"`
	Rules         []Rule                 `json:"rules"`
	DefaultValues map[string]interface{} `json:"defaultValues,omitempty"`
	SourceSystem  string                 `json:"sourceSystem,omitempty"`
	TargetSystem  string                 `json:"targetSystem,omitempty"`
	Preset        string                 `json:"preset,omitempty"`
}

// Validate checks the mapping and all of its rules.
func (m *Mapping) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("mapping id is required")
	}
	if len(m.Rules) == 0 {
		return fmt.Errorf("mapping %q: at least one rule is required", m.ID)
	}
	for i := range m.Rules {
		if err := m.Rules[i].Validate(); err != nil {
			return fmt.Errorf("mapping %q: %w", m.ID, err)
		}
	}
	return nil
}

// CacheKey identifies a compiled form of this mapping definition.
func (m *Mapping) CacheKey() string {
	return m.ID + "@" + m.Version
}

// SortRules returns the rules ordered by ascending priority. The sort is
// stable so rules with equal priority keep their definition order.
func SortRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}
