package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
)

// BusinessRule is one named rule over a record. Exactly one of Expression or
// Check decides the rule; Condition optionally gates whether the rule applies
// at all, using the predicate syntax of EvalPredicate.
type BusinessRule struct {
	Name       string
	Field      string
	Condition  map[string]interface{}
	Expression string
	Check      func(ctx context.Context, record map[string]interface{}) (bool, error)
	Message    string
	Severity   errhandling.Severity
	Warn       bool
}

type compiledBusinessRule struct {
	rule    BusinessRule
	program *vm.Program
}

// BusinessRuleValidator evaluates a list of business rules against a record.
// Expression rules compile once at construction; an expression must yield a
// boolean.
type BusinessRuleValidator struct {
	name  string
	rules []compiledBusinessRule
}

// NewBusinessRuleValidator compiles the rules into a validator.
func NewBusinessRuleValidator(name string, rules ...BusinessRule) (*BusinessRuleValidator, error) {
	if name == "" {
		return nil, errors.New("business rule validator requires a name")
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("business rule validator %q requires at least one rule", name)
	}
	compiled := make([]compiledBusinessRule, 0, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("business rule validator %q: every rule needs a name", name)
		}
		hasExpr := r.Expression != ""
		hasCheck := r.Check != nil
		if hasExpr == hasCheck {
			return nil, fmt.Errorf("business rule %q: exactly one of Expression or Check is required", r.Name)
		}
		cr := compiledBusinessRule{rule: r}
		if hasExpr {
			program, err := expr.Compile(r.Expression,
				expr.Env(map[string]interface{}{}),
				expr.AllowUndefinedVariables(),
				expr.AsBool(),
			)
			if err != nil {
				return nil, fmt.Errorf("business rule %q: compile %q: %w", r.Name, r.Expression, err)
			}
			cr.program = program
		}
		compiled = append(compiled, cr)
	}
	return &BusinessRuleValidator{name: name, rules: compiled}, nil
}

func (v *BusinessRuleValidator) Name() string { return v.name }
func (v *BusinessRuleValidator) Kind() string { return KindBusinessRule }

func (v *BusinessRuleValidator) Validate(ctx context.Context, data interface{}) (*Result, error) {
	record, ok := asRecord(data)
	if !ok {
		return nil, fmt.Errorf("business rule validator %q: expected a record, got %T", v.name, data)
	}

	res := OK()
	evaluated, skipped := 0, 0
	for _, cr := range v.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r := cr.rule

		if len(r.Condition) > 0 {
			applies, err := EvalPredicate(record, r.Condition)
			if err != nil {
				return nil, fmt.Errorf("business rule %q: condition: %w", r.Name, err)
			}
			if !applies {
				skipped++
				continue
			}
		}

		evaluated++
		pass, err := cr.evaluate(ctx, record)
		if err != nil {
			res.AddError(Issue{
				Field:    r.Field,
				Code:     CodeRuleCheckFailed,
				Message:  fmt.Sprintf("rule %q could not be evaluated: %v", r.Name, err),
				Severity: errhandling.SeverityHigh,
			})
			continue
		}
		if pass {
			continue
		}

		issue := Issue{
			Field:    r.Field,
			Code:     CodeRuleViolation,
			Message:  r.Message,
			Severity: r.Severity,
		}
		if issue.Message == "" {
			issue.Message = fmt.Sprintf("business rule %q violated", r.Name)
		}
		if issue.Severity == "" {
			issue.Severity = errhandling.SeverityHigh
		}
		if r.Warn {
			res.AddWarning(issue)
		} else {
			res.AddError(issue)
		}
	}
	res.SetMeta("rulesEvaluated", evaluated)
	res.SetMeta("rulesSkipped", skipped)
	return res, nil
}

func (cr *compiledBusinessRule) evaluate(ctx context.Context, record map[string]interface{}) (bool, error) {
	if cr.rule.Check != nil {
		return cr.rule.Check(ctx, record)
	}
	out, err := expr.Run(cr.program, record)
	if err != nil {
		return false, err
	}
	pass, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return pass, nil
}
