package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
	"github.com/nineking424/nificdc-sub004/internal/execution"
	"github.com/nineking424/nificdc-sub004/internal/logger"
	"github.com/nineking424/nificdc-sub004/internal/pathutil"
	"github.com/nineking424/nificdc-sub004/internal/template"
	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

// Phase names the stages a record passes through.
type Phase string

const (
	PhasePreprocess  Phase = "preprocessing"
	PhaseTransform   Phase = "transformation"
	PhaseValidate    Phase = "validation"
	PhasePostprocess Phase = "postprocessing"
)

// Hook runs against a record at a pipeline phase. Returning a non-nil map
// replaces the record for the rest of the phase chain.
type Hook func(ctx context.Context, record map[string]interface{}) (map[string]interface{}, error)

// Rule error codes.
const (
	CodeTransformFailed = "TRANSFORM_FAILED"
	CodeScriptFailed    = "SCRIPT_FAILED"
	CodeLookupMiss      = "LOOKUP_MISS"
	CodeFormulaFailed   = "FORMULA_FAILED"
	CodeConditionFailed = "CONDITION_FAILED"
	CodeTypeConversion  = "TYPE_CONVERSION_FAILED"
	CodeRequiredMissing = "REQUIRED_FIELD_MISSING"
	CodeHookFailed      = "HOOK_FAILED"
)

// RuleError describes a failure of one rule against one record.
type RuleError struct {
	Code   string
	Rule   string
	Source string
	Target string
	Value  interface{}
	Err    error
}

func (e *RuleError) Error() string {
	msg := fmt.Sprintf("rule %q [%s]", e.Rule, e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Source != "" || e.Target != "" {
		msg += fmt.Sprintf(" (source: %s, target: %s)", e.Source, e.Target)
	}
	return msg
}

func (e *RuleError) Unwrap() error { return e.Err }

// Options configures compilation.
type Options struct {
	// Registry supplies transformers; nil uses the builtin library.
	Registry *Registry

	// Tables supplies named lookup tables. A table is either a
	// map[string]interface{} keyed by lookup key, or a slice of row maps
	// combined with the rule's keyField and valueField.
	Tables map[string]interface{}

	// StrictSchema rejects rules whose source or target fields are not
	// declared in the mapping's schemas.
	StrictSchema bool

	// ScriptTimeout bounds each script transform invocation.
	ScriptTimeout time.Duration
}

var defaultRegistry = NewRegistry()

const compiledPatternKey = "__pattern"

// Pipeline is a compiled mapping, ready to process records. Compilation is
// done once; Process is safe for concurrent use. Hooks registered after
// compilation run in registration order within their phase.
type Pipeline struct {
	def   *mapping.Mapping
	rules []*compiledRule

	mu    sync.RWMutex
	hooks map[Phase][]Hook
}

type compiledRule struct {
	rule    *mapping.Rule
	xform   Transformer
	params  map[string]interface{}
	script  *Script
	formula *Formula
	lookup  map[string]interface{}
}

// Compile validates def and compiles every enabled rule. Rules run in
// priority order; order among equal priorities follows the definition.
func Compile(def *mapping.Mapping, opts Options) (*Pipeline, error) {
	if def == nil {
		return nil, fmt.Errorf("mapping is nil")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	reg := opts.Registry
	if reg == nil {
		reg = defaultRegistry
	}

	ordered := mapping.SortRules(def.Rules)
	p := &Pipeline{def: def, hooks: make(map[Phase][]Hook)}
	for i := range ordered {
		r := &ordered[i]
		if !r.IsEnabled() {
			continue
		}
		if opts.StrictSchema {
			if err := checkRuleSchema(def, r); err != nil {
				return nil, err
			}
		}
		cr, err := compileRule(r, reg, opts)
		if err != nil {
			return nil, fmt.Errorf("mapping %q: %w", def.ID, err)
		}
		p.rules = append(p.rules, cr)
	}
	if len(p.rules) == 0 {
		return nil, fmt.Errorf("mapping %q: no enabled rules", def.ID)
	}
	return p, nil
}

func compileRule(r *mapping.Rule, reg *Registry, opts Options) (*compiledRule, error) {
	cr := &compiledRule{rule: r}
	switch r.Kind {
	case mapping.RuleTransform:
		return compileTransformRule(cr, r, reg, opts)
	case mapping.RuleLookup:
		entries, err := resolveLookupTable(r, opts.Tables)
		if err != nil {
			return nil, err
		}
		cr.lookup = entries
	case mapping.RuleFormula:
		f, err := CompileFormula(r.Expression, r.Inputs)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Label(), err)
		}
		cr.formula = f
	}
	return cr, nil
}

func compileTransformRule(cr *compiledRule, r *mapping.Rule, reg *Registry, opts Options) (*compiledRule, error) {
	cr.params = make(map[string]interface{}, len(r.Params)+1)
	for k, v := range r.Params {
		cr.params[k] = v
	}

	if r.Transform == "script" {
		source, _ := cr.params["script"].(string)
		if source == "" {
			source, _ = cr.params["source"].(string)
		}
		script, err := CompileScript(r.Label(), source, opts.ScriptTimeout)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Label(), err)
		}
		cr.script = script
		return cr, nil
	}

	fn, ok := reg.Get(r.Transform)
	if !ok {
		return nil, fmt.Errorf("rule %q: unknown transform %q (known: %v)", r.Label(), r.Transform, reg.Names())
	}
	cr.xform = fn

	if r.Transform == "replace" {
		if pattern, ok := cr.params["pattern"].(string); ok && pattern != "" {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %q: invalid pattern %q: %v", r.Label(), pattern, err)
			}
			cr.params[compiledPatternKey] = re
		}
	}
	return cr, nil
}

func resolveLookupTable(r *mapping.Rule, tables map[string]interface{}) (map[string]interface{}, error) {
	if len(r.Entries) > 0 {
		return r.Entries, nil
	}
	raw, ok := tables[r.Table]
	if !ok {
		return nil, fmt.Errorf("rule %q: unknown lookup table %q", r.Label(), r.Table)
	}
	switch t := raw.(type) {
	case map[string]interface{}:
		return t, nil
	case []map[string]interface{}:
		return lookupFromRows(r, t)
	case []interface{}:
		rows := make([]map[string]interface{}, 0, len(t))
		for _, item := range t {
			row, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("rule %q: table %q rows must be objects, got %T", r.Label(), r.Table, item)
			}
			rows = append(rows, row)
		}
		return lookupFromRows(r, rows)
	default:
		return nil, fmt.Errorf("rule %q: unsupported table shape %T for %q", r.Label(), raw, r.Table)
	}
}

func lookupFromRows(r *mapping.Rule, rows []map[string]interface{}) (map[string]interface{}, error) {
	if r.KeyField == "" || r.ValueField == "" {
		return nil, fmt.Errorf("rule %q: table %q requires keyField and valueField", r.Label(), r.Table)
	}
	out := make(map[string]interface{}, len(rows))
	for _, row := range rows {
		key, ok := row[r.KeyField]
		if !ok {
			continue
		}
		out[template.ValueToString(key)] = row[r.ValueField]
	}
	return out, nil
}

func checkRuleSchema(def *mapping.Mapping, r *mapping.Rule) error {
	if def.SourceSchema != nil {
		for _, src := range ruleSourceFields(r) {
			if _, ok := def.SourceSchema.Column(rootField(src)); !ok {
				return fmt.Errorf("rule %q: source field %q not in schema %q", r.Label(), src, def.SourceSchema.Name)
			}
		}
	}
	if def.TargetSchema != nil {
		if _, ok := def.TargetSchema.Column(rootField(r.Target)); !ok {
			return fmt.Errorf("rule %q: target field %q not in schema %q", r.Label(), r.Target, def.TargetSchema.Name)
		}
	}
	return nil
}

func ruleSourceFields(r *mapping.Rule) []string {
	var out []string
	if r.Source != "" {
		out = append(out, r.Source)
	}
	out = append(out, r.Sources...)
	if r.Kind == mapping.RuleConditional && r.Operand != "" {
		out = append(out, r.Operand)
	}
	if r.Kind == mapping.RuleFormula {
		for _, path := range r.Inputs {
			out = append(out, path)
		}
	}
	return out
}

func rootField(path string) string {
	for i, c := range path {
		if c == '.' || c == '[' {
			return path[:i]
		}
	}
	return path
}

// AddHook registers a hook for a phase.
func (p *Pipeline) AddHook(phase Phase, h Hook) error {
	switch phase {
	case PhasePreprocess, PhaseTransform, PhaseValidate, PhasePostprocess:
	default:
		return fmt.Errorf("unknown phase %q", phase)
	}
	if h == nil {
		return fmt.Errorf("hook cannot be nil")
	}
	p.mu.Lock()
	p.hooks[phase] = append(p.hooks[phase], h)
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) phaseHooks(phase Phase) []Hook {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hooks[phase]
}

// Definition returns the mapping this pipeline was compiled from.
func (p *Pipeline) Definition() *mapping.Mapping { return p.def }

// RuleCount returns the number of compiled rules.
func (p *Pipeline) RuleCount() int { return len(p.rules) }

// TargetFields returns the target field of every compiled rule, in rule
// order.
func (p *Pipeline) TargetFields() []string {
	out := make([]string, len(p.rules))
	for i, cr := range p.rules {
		out[i] = cr.rule.Target
	}
	return out
}

// Complexity scores the pipeline between 0 and 1 from the mix of rule
// kinds, weighting scripts and formulas heaviest.
func (p *Pipeline) Complexity() float64 {
	if len(p.rules) == 0 {
		return 0
	}
	var total float64
	for _, cr := range p.rules {
		switch {
		case cr.script != nil:
			total += 1.0
		case cr.formula != nil:
			total += 0.8
		case cr.rule.Kind == mapping.RuleTransform:
			total += 0.5
		case cr.rule.Kind == mapping.RuleConditional:
			total += 0.4
		case cr.rule.Kind == mapping.RuleLookup:
			total += 0.3
		case cr.rule.Kind == mapping.RuleConcat, cr.rule.Kind == mapping.RuleSplit:
			total += 0.2
		default:
			total += 0.1
		}
	}
	score := total / float64(len(p.rules))
	score += float64(len(p.rules)) / 200
	if score > 1 {
		score = 1
	}
	return score
}

// Process maps one source record into a fresh target record. The input is
// deep copied first and never mutated. Rule failures follow each rule's
// error policy; a fail policy (the default) aborts the record.
func (p *Pipeline) Process(ctx context.Context, record map[string]interface{}, exec *execution.Context) (map[string]interface{}, error) {
	if record == nil {
		return nil, fmt.Errorf("record is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	work := pathutil.DeepCopyMap(record)
	work, err := p.runHooks(ctx, PhasePreprocess, work, exec)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out := make(map[string]interface{}, len(p.rules))
	for _, cr := range p.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.applyRule(ctx, cr, work, out); err != nil {
			return nil, err
		}
	}
	for field, value := range p.def.DefaultValues {
		if _, ok := pathutil.Get(out, field); ok {
			continue
		}
		if err := pathutil.Set(out, field, value); err != nil {
			logger.Logger.Warn("default value not applied",
				"mapping", p.def.ID,
				"field", field,
				"error", err)
		}
	}
	if exec != nil {
		exec.RecordStage(string(PhaseTransform), time.Since(start))
	}

	out, err = p.runHooks(ctx, PhaseValidate, out, exec)
	if err != nil {
		return nil, err
	}
	return p.runHooks(ctx, PhasePostprocess, out, exec)
}

func (p *Pipeline) runHooks(ctx context.Context, phase Phase, record map[string]interface{}, exec *execution.Context) (map[string]interface{}, error) {
	hooks := p.phaseHooks(phase)
	if len(hooks) == 0 {
		return record, nil
	}
	start := time.Now()
	for _, h := range hooks {
		next, err := h(ctx, record)
		if err != nil {
			return nil, &RuleError{Code: CodeHookFailed, Rule: string(phase), Err: err}
		}
		if next != nil {
			record = next
		}
	}
	if exec != nil {
		exec.RecordStage(string(phase), time.Since(start))
	}
	return record, nil
}

func (p *Pipeline) applyRule(ctx context.Context, cr *compiledRule, work, out map[string]interface{}) error {
	r := cr.rule

	if r.Condition != nil {
		match, err := EvalCondition(r.Condition, work)
		if err != nil {
			return &RuleError{Code: CodeConditionFailed, Rule: r.Label(), Target: r.Target, Err: err}
		}
		if !match {
			return nil
		}
	}

	value, err := cr.eval(ctx, work)
	if err == nil && value == nil && r.Default != nil {
		value = r.Default
	}
	if err == nil && value != nil && r.TargetType != "" {
		coerced, cerr := CoerceToType(value, r.TargetType)
		if cerr != nil {
			err = &RuleError{Code: CodeTypeConversion, Rule: r.Label(), Source: r.Source, Target: r.Target, Value: value, Err: cerr}
		} else {
			value = coerced
		}
	}

	if err != nil {
		switch r.OnError {
		case mapping.ErrorPolicySkip:
			logger.Logger.Debug("rule skipped on error",
				"rule", r.Label(),
				"target", r.Target,
				"error", err)
			return nil
		case mapping.ErrorPolicyDefault:
			logger.Logger.Debug("rule fell back to default",
				"rule", r.Label(),
				"target", r.Target,
				"error", err)
			if r.Default != nil {
				return p.setTarget(out, r, r.Default)
			}
			return nil
		default:
			return err
		}
	}

	if value == nil {
		if r.Required {
			return &RuleError{Code: CodeRequiredMissing, Rule: r.Label(), Source: r.Source, Target: r.Target,
				Err: fmt.Errorf("required target %q has no value", r.Target)}
		}
		return nil
	}
	return p.setTarget(out, r, value)
}

// setTarget writes unless an earlier rule already produced the target.
// Rules run in ascending priority, so the first producer wins and later
// rules on the same target act as fallbacks.
func (p *Pipeline) setTarget(out map[string]interface{}, r *mapping.Rule, value interface{}) error {
	if _, ok := pathutil.Get(out, r.Target); ok {
		return nil
	}
	if err := pathutil.Set(out, r.Target, value); err != nil {
		return &RuleError{Code: CodeTransformFailed, Rule: r.Label(), Target: r.Target, Value: value, Err: err}
	}
	return nil
}

func (cr *compiledRule) eval(ctx context.Context, record map[string]interface{}) (interface{}, error) {
	r := cr.rule
	switch r.Kind {
	case mapping.RuleDirect:
		value, _ := pathutil.Get(record, r.Source)
		return value, nil

	case mapping.RuleTransform:
		value, _ := pathutil.Get(record, r.Source)
		if cr.script != nil {
			out, err := cr.script.Eval(ctx, value, record)
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				return nil, &RuleError{Code: CodeScriptFailed, Rule: r.Label(), Source: r.Source, Target: r.Target, Value: value, Err: err}
			}
			return out, nil
		}
		out, err := cr.xform(ctx, value, record, cr.params)
		if err != nil {
			return nil, &RuleError{Code: CodeTransformFailed, Rule: r.Label(), Source: r.Source, Target: r.Target, Value: value, Err: err}
		}
		return out, nil

	case mapping.RuleConcat:
		parts := make([]string, len(r.Sources))
		for i, src := range r.Sources {
			value, _ := pathutil.Get(record, src)
			if value == nil {
				continue
			}
			parts[i] = template.ValueToString(value)
		}
		return strings.Join(parts, r.Separator), nil

	case mapping.RuleSplit:
		value, _ := pathutil.Get(record, r.Source)
		if value == nil {
			return nil, nil
		}
		s, ok := value.(string)
		if !ok {
			return nil, &RuleError{Code: CodeTransformFailed, Rule: r.Label(), Source: r.Source, Target: r.Target, Value: value,
				Err: fmt.Errorf("split source is %T, not a string", value)}
		}
		segments := strings.Split(s, r.Delimiter)
		if r.Index >= len(segments) {
			return nil, nil
		}
		return segments[r.Index], nil

	case mapping.RuleLookup:
		value, _ := pathutil.Get(record, r.Source)
		if value == nil {
			return nil, nil
		}
		key := template.ValueToString(value)
		if mapped, ok := cr.lookup[key]; ok {
			return mapped, nil
		}
		if r.Default != nil {
			return r.Default, nil
		}
		return nil, &RuleError{Code: CodeLookupMiss, Rule: r.Label(), Source: r.Source, Target: r.Target, Value: value,
			Err: fmt.Errorf("no entry for key %q", key)}

	case mapping.RuleFormula:
		out, err := cr.formula.Eval(record)
		if err != nil {
			return nil, &RuleError{Code: CodeFormulaFailed, Rule: r.Label(), Target: r.Target, Err: err}
		}
		return out, nil

	case mapping.RuleConditional:
		operand, _ := pathutil.Get(record, r.Operand)
		match, err := evalOperator(r.Operator, operand, r.Value)
		if err != nil {
			return nil, &RuleError{Code: CodeConditionFailed, Rule: r.Label(), Source: r.Operand, Target: r.Target, Err: err}
		}
		if match {
			return r.Then, nil
		}
		return r.Else, nil

	default:
		return nil, &RuleError{Code: CodeTransformFailed, Rule: r.Label(), Target: r.Target,
			Err: fmt.Errorf("unsupported rule kind %q", r.Kind)}
	}
}

// ruleErrorTypes maps rule error codes onto classifier types.
var ruleErrorTypes = map[string]errhandling.ErrorType{
	CodeTransformFailed: errhandling.ErrTypeTransformation,
	CodeScriptFailed:    errhandling.ErrTypeTransformation,
	CodeFormulaFailed:   errhandling.ErrTypeTransformation,
	CodeTypeConversion:  errhandling.ErrTypeTransformation,
	CodeLookupMiss:      errhandling.ErrTypeTransformation,
	CodeConditionFailed: errhandling.ErrTypeValidation,
	CodeRequiredMissing: errhandling.ErrTypeValidation,
	CodeHookFailed:      errhandling.ErrTypeValidation,
}

// AsRecordError converts a processing failure into a record error with
// classification metadata.
func AsRecordError(err error, index int) mapping.RecordError {
	re := mapping.RecordError{RecordIndex: index, Message: err.Error()}

	var ruleErr *RuleError
	if errors.As(err, &ruleErr) {
		re.Rule = ruleErr.Rule
		re.Code = ruleErr.Code
		if t, ok := ruleErrorTypes[ruleErr.Code]; ok {
			re.Type = string(t)
			re.Severity = string(errhandling.DefaultSeverity(t))
			return re
		}
	}

	ce := errhandling.Classify(err)
	re.Type = string(ce.Type)
	re.Severity = string(ce.Severity)
	return re
}
