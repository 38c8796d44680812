package validation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
	"github.com/nineking424/nificdc-sub004/internal/pathutil"
	"github.com/nineking424/nificdc-sub004/internal/template"
)

// QualityDimension names a data quality aspect.
type QualityDimension string

const (
	DimCompleteness QualityDimension = "completeness"
	DimAccuracy     QualityDimension = "accuracy"
	DimConsistency  QualityDimension = "consistency"
	DimUniqueness   QualityDimension = "uniqueness"
	DimTimeliness   QualityDimension = "timeliness"
)

// QualityRule scores one aspect of the data. Per dimension:
//
//	completeness: Fields must be present, non-null, and non-empty
//	accuracy:     field values must match Pattern, or Check must pass
//	consistency:  Check must pass (cross-field invariants)
//	uniqueness:   the tuple of Fields must be unique across the dataset
//	timeliness:   the temporal Fields must be no older than MaxAge
type QualityRule struct {
	Name      string
	Dimension QualityDimension
	Weight    float64
	Fields    []string
	Pattern   string
	MaxAge    time.Duration
	Check     func(record map[string]interface{}) bool
}

// QualityConfig holds the rules and the minimum passing score.
type QualityConfig struct {
	// Threshold is the minimum weighted score in [0,1]; defaults to 0.8.
	Threshold float64
	Rules     []QualityRule
}

// DataQualityValidator scores a record or dataset across weighted quality
// rules and fails when the combined score drops below the threshold.
type DataQualityValidator struct {
	name     string
	cfg      QualityConfig
	patterns map[string]*regexp.Regexp
}

// NewDataQualityValidator compiles the quality rules into a validator.
func NewDataQualityValidator(name string, cfg QualityConfig) (*DataQualityValidator, error) {
	if name == "" {
		return nil, errors.New("data quality validator requires a name")
	}
	if len(cfg.Rules) == 0 {
		return nil, fmt.Errorf("data quality validator %q requires at least one rule", name)
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.8
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("data quality validator %q: threshold %v outside [0,1]", name, cfg.Threshold)
	}

	patterns := make(map[string]*regexp.Regexp)
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if r.Name == "" {
			return nil, fmt.Errorf("data quality validator %q: every rule needs a name", name)
		}
		if r.Weight < 0 {
			return nil, fmt.Errorf("quality rule %q: negative weight", r.Name)
		}
		if r.Weight == 0 {
			r.Weight = 1
		}
		switch r.Dimension {
		case DimCompleteness, DimUniqueness:
			if len(r.Fields) == 0 {
				return nil, fmt.Errorf("quality rule %q: %s requires fields", r.Name, r.Dimension)
			}
		case DimAccuracy:
			if r.Pattern == "" && r.Check == nil {
				return nil, fmt.Errorf("quality rule %q: accuracy requires a pattern or a check", r.Name)
			}
			if r.Pattern != "" && len(r.Fields) == 0 {
				return nil, fmt.Errorf("quality rule %q: pattern accuracy requires fields", r.Name)
			}
		case DimConsistency:
			if r.Check == nil {
				return nil, fmt.Errorf("quality rule %q: consistency requires a check", r.Name)
			}
		case DimTimeliness:
			if len(r.Fields) == 0 || r.MaxAge <= 0 {
				return nil, fmt.Errorf("quality rule %q: timeliness requires fields and a max age", r.Name)
			}
		default:
			return nil, fmt.Errorf("quality rule %q: unknown dimension %q", r.Name, r.Dimension)
		}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("quality rule %q: pattern: %w", r.Name, err)
			}
			patterns[r.Name] = re
		}
	}
	return &DataQualityValidator{name: name, cfg: cfg, patterns: patterns}, nil
}

func (v *DataQualityValidator) Name() string { return v.name }
func (v *DataQualityValidator) Kind() string { return KindDataQuality }

// Threshold returns the minimum passing score.
func (v *DataQualityValidator) Threshold() float64 { return v.cfg.Threshold }

// Validate accepts a single record or a record slice. The score is the
// weighted mean of per-rule pass fractions across the dataset.
func (v *DataQualityValidator) Validate(ctx context.Context, data interface{}) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, ok := asRecords(data)
	if !ok {
		return nil, fmt.Errorf("data quality validator %q: expected a record or record slice, got %T", v.name, data)
	}

	res := OK()
	if len(records) == 0 {
		return res.SetMeta("score", 1.0).SetMeta("recordCount", 0), nil
	}

	now := time.Now()
	var weightSum, weighted float64
	dimensionScores := make(map[string]float64)
	dimensionWeights := make(map[string]float64)

	for _, rule := range v.cfg.Rules {
		passed := v.countPassing(rule, records, now)
		score := float64(passed) / float64(len(records))
		weightSum += rule.Weight
		weighted += rule.Weight * score
		dimensionScores[string(rule.Dimension)] += rule.Weight * score
		dimensionWeights[string(rule.Dimension)] += rule.Weight

		if passed < len(records) {
			res.AddWarning(Issue{
				Code:     "QUALITY_" + string(rule.Dimension),
				Message:  fmt.Sprintf("quality rule %q: %d of %d records failed", rule.Name, len(records)-passed, len(records)),
				Severity: errhandling.SeverityLow,
			})
		}
	}

	score := weighted / weightSum
	for dim, w := range dimensionWeights {
		dimensionScores[dim] /= w
	}
	res.SetMeta("score", score)
	res.SetMeta("dimensionScores", dimensionScores)
	res.SetMeta("recordCount", len(records))
	res.SetMeta("threshold", v.cfg.Threshold)

	if score < v.cfg.Threshold {
		res.AddError(Issue{
			Code:     CodeQualityBelow,
			Message:  fmt.Sprintf("quality score %.3f below threshold %.3f", score, v.cfg.Threshold),
			Severity: errhandling.SeverityHigh,
		})
	}
	return res, nil
}

func (v *DataQualityValidator) countPassing(rule QualityRule, records []map[string]interface{}, now time.Time) int {
	if rule.Dimension == DimUniqueness {
		return countUnique(rule.Fields, records)
	}
	passed := 0
	for _, rec := range records {
		if v.recordPasses(rule, rec, now) {
			passed++
		}
	}
	return passed
}

func (v *DataQualityValidator) recordPasses(rule QualityRule, rec map[string]interface{}, now time.Time) bool {
	switch rule.Dimension {
	case DimCompleteness:
		for _, f := range rule.Fields {
			val, ok := pathutil.Get(rec, f)
			if !ok || val == nil || val == "" {
				return false
			}
		}
		return true
	case DimAccuracy:
		if re, ok := v.patterns[rule.Name]; ok {
			for _, f := range rule.Fields {
				val, present := pathutil.Get(rec, f)
				if !present || val == nil || !re.MatchString(template.ValueToString(val)) {
					return false
				}
			}
			return true
		}
		return rule.Check(rec)
	case DimConsistency:
		return rule.Check(rec)
	case DimTimeliness:
		for _, f := range rule.Fields {
			val, present := pathutil.Get(rec, f)
			if !present {
				return false
			}
			t, ok := temporalValue(val)
			if !ok || now.Sub(t) > rule.MaxAge {
				return false
			}
		}
		return true
	}
	return false
}

// countUnique counts records whose field tuple appears for the first time.
func countUnique(fields []string, records []map[string]interface{}) int {
	seen := make(map[string]bool, len(records))
	unique := 0
	for _, rec := range records {
		key := ""
		for _, f := range fields {
			val, _ := pathutil.Get(rec, f)
			key += template.ValueToString(val) + "\x1f"
		}
		if !seen[key] {
			seen[key] = true
			unique++
		}
	}
	return unique
}

func temporalValue(val interface{}) (time.Time, bool) {
	switch t := val.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
