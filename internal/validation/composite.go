package validation

import (
	"context"
	"errors"
	"fmt"
)

// CompositeMode selects how a composite combines its children.
type CompositeMode string

const (
	// ModeAll runs every child and requires all of them to pass.
	ModeAll CompositeMode = "all"
	// ModeAny passes as soon as one child passes.
	ModeAny CompositeMode = "any"
	// ModeSequential runs children in order, optionally stopping at the
	// first failure.
	ModeSequential CompositeMode = "sequential"
)

// CompositeConfig tunes a composite validator.
type CompositeConfig struct {
	Mode CompositeMode
	// StopOnError stops a sequential composite at the first invalid child.
	StopOnError bool
}

// CompositeValidator combines child validators under one of three modes.
type CompositeValidator struct {
	name     string
	cfg      CompositeConfig
	children []Validator
}

// NewCompositeValidator builds a composite over the children. Mode defaults
// to all.
func NewCompositeValidator(name string, cfg CompositeConfig, children ...Validator) (*CompositeValidator, error) {
	if name == "" {
		return nil, errors.New("composite validator requires a name")
	}
	if len(children) == 0 {
		return nil, fmt.Errorf("composite validator %q requires at least one child", name)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAll
	}
	switch cfg.Mode {
	case ModeAll, ModeAny, ModeSequential:
	default:
		return nil, fmt.Errorf("composite validator %q: unknown mode %q", name, cfg.Mode)
	}
	for _, c := range children {
		if c == nil {
			return nil, fmt.Errorf("composite validator %q: nil child", name)
		}
	}
	return &CompositeValidator{name: name, cfg: cfg, children: children}, nil
}

func (v *CompositeValidator) Name() string { return v.name }
func (v *CompositeValidator) Kind() string { return KindComposite }

// Children returns the child validators in order.
func (v *CompositeValidator) Children() []Validator {
	return append([]Validator(nil), v.children...)
}

func (v *CompositeValidator) Validate(ctx context.Context, data interface{}) (*Result, error) {
	switch v.cfg.Mode {
	case ModeAny:
		return v.validateAny(ctx, data)
	case ModeSequential:
		return v.validateSequential(ctx, data)
	default:
		return v.validateAll(ctx, data)
	}
}

func (v *CompositeValidator) validateAll(ctx context.Context, data interface{}) (*Result, error) {
	merged := OK()
	for _, child := range v.children {
		res, err := child.Validate(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("composite %q: child %q: %w", v.name, child.Name(), err)
		}
		merged = merged.Merge(res)
	}
	return merged.SetMeta("mode", string(ModeAll)), nil
}

func (v *CompositeValidator) validateAny(ctx context.Context, data interface{}) (*Result, error) {
	merged := OK()
	for _, child := range v.children {
		res, err := child.Validate(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("composite %q: child %q: %w", v.name, child.Name(), err)
		}
		if res.Valid {
			return res.Clone().SetMeta("mode", string(ModeAny)).SetMeta("satisfiedBy", child.Name()), nil
		}
		merged = merged.Merge(res)
	}
	return merged.SetMeta("mode", string(ModeAny)), nil
}

func (v *CompositeValidator) validateSequential(ctx context.Context, data interface{}) (*Result, error) {
	merged := OK()
	for _, child := range v.children {
		res, err := child.Validate(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("composite %q: child %q: %w", v.name, child.Name(), err)
		}
		merged = merged.Merge(res)
		if !res.Valid && v.cfg.StopOnError {
			merged.SetMeta("stoppedAt", child.Name())
			break
		}
	}
	return merged.SetMeta("mode", string(ModeSequential)), nil
}
