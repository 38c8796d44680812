package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
)

// CustomFunc produces a full validation result for arbitrary data.
type CustomFunc func(ctx context.Context, data interface{}) (*Result, error)

// PredicateFunc reports whether the data is acceptable.
type PredicateFunc func(ctx context.Context, data interface{}) (bool, error)

// CustomValidator wraps a user-supplied function. Panics inside the function
// are caught and reported as error issues rather than crashing the run.
type CustomValidator struct {
	name string
	fn   CustomFunc
}

// NewCustomValidator wraps a result-returning function.
func NewCustomValidator(name string, fn CustomFunc) (*CustomValidator, error) {
	if name == "" {
		return nil, errors.New("custom validator requires a name")
	}
	if fn == nil {
		return nil, fmt.Errorf("custom validator %q requires a function", name)
	}
	return &CustomValidator{name: name, fn: fn}, nil
}

// NewPredicateValidator wraps a boolean predicate. A false return fails
// validation with the given message.
func NewPredicateValidator(name, message string, fn PredicateFunc) (*CustomValidator, error) {
	if fn == nil {
		return nil, fmt.Errorf("custom validator %q requires a function", name)
	}
	if message == "" {
		message = fmt.Sprintf("custom check %q failed", name)
	}
	wrapped := func(ctx context.Context, data interface{}) (*Result, error) {
		ok, err := fn(ctx, data)
		if err != nil {
			return nil, err
		}
		if !ok {
			return Invalid(Issue{
				Code:     CodeCustomFailed,
				Message:  message,
				Severity: errhandling.SeverityHigh,
			}), nil
		}
		return OK(), nil
	}
	return NewCustomValidator(name, wrapped)
}

func (v *CustomValidator) Name() string { return v.name }
func (v *CustomValidator) Kind() string { return KindCustom }

func (v *CustomValidator) Validate(ctx context.Context, data interface{}) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = Invalid(Issue{
				Code:     CodeValidatorPanic,
				Message:  fmt.Sprintf("custom validator %q panicked: %v", v.name, p),
				Severity: errhandling.SeverityCritical,
			})
			err = nil
		}
	}()
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	res, err = v.fn(ctx, data)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return Invalid(Issue{
			Code:     CodeCustomFailed,
			Message:  fmt.Sprintf("custom validator %q: %v", v.name, err),
			Severity: errhandling.SeverityHigh,
		}), nil
	}
	if res == nil {
		res = OK()
	}
	return res, nil
}
