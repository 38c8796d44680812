package pipeline

import (
	"fmt"
	"math"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/nineking424/nificdc-sub004/internal/pathutil"
)

// Formula is a compiled arithmetic expression over named inputs. Each input
// name is bound to a record field path at evaluation time. Expressions are
// checked at compile time against the declared input names, with all expr
// builtins disabled and only the arithmetic helpers below callable, so a
// mapping definition cannot reach arbitrary functions or fields.
type Formula struct {
	source  string
	program *vm.Program
	inputs  map[string]string
}

// CompileFormula compiles expression with the given input bindings
// (name to record field path). Referencing a name outside inputs is a
// compile error.
func CompileFormula(expression string, inputs map[string]string) (*Formula, error) {
	if expression == "" {
		return nil, fmt.Errorf("formula expression cannot be empty")
	}

	env := make(map[string]interface{}, len(inputs))
	for name := range inputs {
		env[name] = interface{}(nil)
	}

	opts := []expr.Option{
		expr.Env(env),
		expr.DisableAllBuiltins(),
	}
	opts = append(opts, mathFunctions()...)

	program, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid formula %q: %v", expression, err)
	}
	return &Formula{source: expression, program: program, inputs: inputs}, nil
}

// Eval binds the declared inputs from record and runs the expression.
// Missing inputs bind as nil and surface as evaluation errors when the
// expression uses them arithmetically.
func (f *Formula) Eval(record map[string]interface{}) (interface{}, error) {
	env := make(map[string]interface{}, len(f.inputs))
	for name, path := range f.inputs {
		value, _ := pathutil.Get(record, path)
		env[name] = value
	}

	out, err := expr.Run(f.program, env)
	if err != nil {
		return nil, fmt.Errorf("formula %q: %v", f.source, err)
	}
	if fv, ok := out.(float64); ok && (math.IsNaN(fv) || math.IsInf(fv, 0)) {
		return nil, fmt.Errorf("formula %q produced a non-finite result", f.source)
	}
	return out, nil
}

// Inputs returns the declared input names, sorted.
func (f *Formula) Inputs() []string {
	names := make([]string, 0, len(f.inputs))
	for name := range f.inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// mathFunctions is the full callable surface of formula expressions.
func mathFunctions() []expr.Option {
	return []expr.Option{
		unaryMath("abs", math.Abs),
		unaryMath("ceil", math.Ceil),
		unaryMath("floor", math.Floor),
		unaryMath("round", math.Round),
		unaryMath("sqrt", math.Sqrt),
		expr.Function("pow", func(params ...interface{}) (interface{}, error) {
			if len(params) != 2 {
				return nil, fmt.Errorf("pow expects 2 arguments, got %d", len(params))
			}
			base, err := numberArg("pow", params[0])
			if err != nil {
				return nil, err
			}
			exp, err := numberArg("pow", params[1])
			if err != nil {
				return nil, err
			}
			return math.Pow(base, exp), nil
		}),
		variadicMath("max", math.Max),
		variadicMath("min", math.Min),
	}
}

func unaryMath(name string, fn func(float64) float64) expr.Option {
	return expr.Function(name, func(params ...interface{}) (interface{}, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("%s expects 1 argument, got %d", name, len(params))
		}
		x, err := numberArg(name, params[0])
		if err != nil {
			return nil, err
		}
		return fn(x), nil
	})
}

func variadicMath(name string, fn func(float64, float64) float64) expr.Option {
	return expr.Function(name, func(params ...interface{}) (interface{}, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("%s expects at least 1 argument", name)
		}
		acc, err := numberArg(name, params[0])
		if err != nil {
			return nil, err
		}
		for _, p := range params[1:] {
			x, err := numberArg(name, p)
			if err != nil {
				return nil, err
			}
			acc = fn(acc, x)
		}
		return acc, nil
	})
}

func numberArg(fn string, v interface{}) (float64, error) {
	f, ok := asFloat(v)
	if !ok {
		return 0, fmt.Errorf("%s: %T is not a number", fn, v)
	}
	return f, nil
}
