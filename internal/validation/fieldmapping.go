package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

// FieldMappingConfig tunes mapping definition checks.
type FieldMappingConfig struct {
	// Strict additionally flags suspicious type coercions between source and
	// target columns as warnings.
	Strict bool
}

// FieldMappingValidator verifies a mapping definition against its declared
// schemas: every rule is structurally sound, every referenced source field
// exists, every target field exists, and every required target column is
// produced by a rule or a default value.
type FieldMappingValidator struct {
	name string
	cfg  FieldMappingConfig
}

// NewFieldMappingValidator returns a definition validator.
func NewFieldMappingValidator(name string, cfg FieldMappingConfig) (*FieldMappingValidator, error) {
	if name == "" {
		return nil, errors.New("field mapping validator requires a name")
	}
	return &FieldMappingValidator{name: name, cfg: cfg}, nil
}

func (v *FieldMappingValidator) Name() string { return v.name }
func (v *FieldMappingValidator) Kind() string { return KindFieldMapping }

func (v *FieldMappingValidator) Validate(ctx context.Context, data interface{}) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var def *mapping.Mapping
	switch t := data.(type) {
	case *mapping.Mapping:
		def = t
	case mapping.Mapping:
		def = &t
	default:
		return nil, fmt.Errorf("field mapping validator %q: expected a mapping definition, got %T", v.name, data)
	}
	if def == nil {
		return nil, fmt.Errorf("field mapping validator %q: nil mapping definition", v.name)
	}

	res := OK()
	if len(def.Rules) == 0 {
		res.AddError(Issue{
			Code:     CodeInvalidDefinition,
			Message:  "mapping has no rules",
			Severity: errhandling.SeverityCritical,
		})
		return res, nil
	}

	producers := make(map[string]int)
	disabled := 0
	for i := range def.Rules {
		r := &def.Rules[i]
		if !r.IsEnabled() {
			disabled++
			continue
		}
		if err := r.Validate(); err != nil {
			code := CodeInvalidDefinition
			if !r.Kind.Valid() {
				code = CodeUnknownRuleKind
			}
			res.AddError(Issue{
				Field:    r.Target,
				Code:     code,
				Message:  err.Error(),
				Severity: errhandling.SeverityHigh,
			})
			continue
		}

		v.checkSourceRefs(res, def, r)
		v.checkTargetRef(res, def, r)
		if v.cfg.Strict {
			v.checkCoercion(res, def, r)
		}
		producers[pathRoot(r.Target)]++
	}

	for target, n := range producers {
		if n > 1 {
			res.Suggest(fmt.Sprintf("target %q is produced by %d rules; the lowest-priority producer wins and later rules act as fallbacks", target, n))
		}
	}
	v.checkRequiredCoverage(res, def, producers)

	res.SetMeta("rulesChecked", len(def.Rules)-disabled)
	res.SetMeta("rulesDisabled", disabled)
	return res, nil
}

// sourceRefs lists the source field paths a rule reads.
func sourceRefs(r *mapping.Rule) []string {
	var refs []string
	switch r.Kind {
	case mapping.RuleDirect, mapping.RuleTransform, mapping.RuleSplit, mapping.RuleLookup:
		refs = append(refs, r.Source)
	case mapping.RuleConcat:
		refs = append(refs, r.Sources...)
	case mapping.RuleFormula:
		for _, path := range r.Inputs {
			refs = append(refs, path)
		}
	case mapping.RuleConditional:
		refs = append(refs, r.Operand)
	}
	if r.Condition != nil {
		refs = append(refs, r.Condition.Field)
	}
	return refs
}

func (v *FieldMappingValidator) checkSourceRefs(res *Result, def *mapping.Mapping, r *mapping.Rule) {
	if def.SourceSchema == nil || len(def.SourceSchema.Columns) == 0 {
		return
	}
	for _, ref := range sourceRefs(r) {
		if ref == "" {
			continue
		}
		if _, ok := def.SourceSchema.Column(pathRoot(ref)); !ok {
			res.AddError(Issue{
				Field:    ref,
				Code:     CodeUnknownSourceField,
				Message:  fmt.Sprintf("rule %q reads %q which is not in source schema %q", r.Label(), ref, def.SourceSchema.Name),
				Severity: errhandling.SeverityHigh,
			})
		}
	}
}

func (v *FieldMappingValidator) checkTargetRef(res *Result, def *mapping.Mapping, r *mapping.Rule) {
	if def.TargetSchema == nil || len(def.TargetSchema.Columns) == 0 {
		return
	}
	if _, ok := def.TargetSchema.Column(pathRoot(r.Target)); !ok {
		res.AddError(Issue{
			Field:    r.Target,
			Code:     CodeUnknownTargetField,
			Message:  fmt.Sprintf("rule %q writes %q which is not in target schema %q", r.Label(), r.Target, def.TargetSchema.Name),
			Severity: errhandling.SeverityHigh,
		})
	}
}

func (v *FieldMappingValidator) checkRequiredCoverage(res *Result, def *mapping.Mapping, producers map[string]int) {
	if def.TargetSchema == nil {
		return
	}
	for _, col := range def.TargetSchema.RequiredColumns() {
		if producers[col.Name] > 0 {
			continue
		}
		if _, ok := def.DefaultValues[col.Name]; ok {
			continue
		}
		res.AddError(Issue{
			Field:    col.Name,
			Code:     CodeUnmappedRequired,
			Message:  fmt.Sprintf("required target field %q is not produced by any rule or default value", col.Name),
			Severity: errhandling.SeverityHigh,
		})
	}
}

// checkCoercion warns about rule type pairs that commonly lose data or fail
// at runtime. Explicit rule types win over schema column types.
func (v *FieldMappingValidator) checkCoercion(res *Result, def *mapping.Mapping, r *mapping.Rule) {
	src := r.SourceType
	if src == "" && r.Source != "" && def.SourceSchema != nil {
		if col, ok := def.SourceSchema.Column(pathRoot(r.Source)); ok {
			src = col.Type
		}
	}
	dst := r.TargetType
	if dst == "" && def.TargetSchema != nil {
		if col, ok := def.TargetSchema.Column(pathRoot(r.Target)); ok {
			dst = col.Type
		}
	}
	if src == "" || dst == "" || src == dst {
		return
	}
	if reason := coercionRisk(src, dst); reason != "" {
		res.AddWarning(Issue{
			Field:    r.Target,
			Code:     CodeSuspiciousCoercion,
			Message:  fmt.Sprintf("rule %q converts %s to %s: %s", r.Label(), src, dst, reason),
			Severity: errhandling.SeverityMedium,
		})
	}
}

// coercionRisk names the risk of converting src to dst, or returns "" when
// the conversion is safe.
func coercionRisk(src, dst mapping.UniversalType) string {
	stringish := func(t mapping.UniversalType) bool {
		return t == mapping.TypeString || t == mapping.TypeText
	}
	intish := func(t mapping.UniversalType) bool {
		return t == mapping.TypeInteger || t == mapping.TypeLong
	}
	floatish := func(t mapping.UniversalType) bool {
		return t == mapping.TypeFloat || t == mapping.TypeDouble || t == mapping.TypeDecimal
	}
	structured := func(t mapping.UniversalType) bool {
		return t == mapping.TypeJSON || t == mapping.TypeArray
	}

	switch {
	case stringish(src) && (dst.IsNumeric() || dst.IsTemporal() || dst == mapping.TypeBoolean):
		return "parsing may fail at runtime"
	case floatish(src) && intish(dst):
		return "fractional values are rejected"
	case src.IsTemporal() && dst == mapping.TypeDate && src != mapping.TypeDate:
		return "time of day is dropped"
	case structured(src) && !structured(dst) && !stringish(dst):
		return "structured value does not fit a scalar"
	}
	return ""
}

// pathRoot returns the first segment of a dotted or indexed field path.
func pathRoot(path string) string {
	if i := strings.IndexAny(path, ".["); i >= 0 {
		return path[:i]
	}
	return path
}
