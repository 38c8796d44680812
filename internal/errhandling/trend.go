package errhandling

// TrendReport summarizes recent classified errors.
type TrendReport struct {
	// Total is the number of errors analyzed.
	Total int `json:"total"`

	// ByType counts errors per error type.
	ByType map[ErrorType]int `json:"byType"`

	// BySeverity counts errors per severity.
	BySeverity map[Severity]int `json:"bySeverity"`

	// TopType is the most frequent error type, empty when Total is zero.
	TopType ErrorType `json:"topType,omitempty"`

	// CriticalFraction is the share of CRITICAL errors in [0,1].
	CriticalFraction float64 `json:"criticalFraction"`

	// Escalate is set when the critical fraction crosses the threshold,
	// signaling that the error stream needs operator attention.
	Escalate bool `json:"escalate"`
}

// AnalyzeTrend summarizes the last window errors from history. A window <= 0
// analyzes the whole history; a threshold <= 0 defaults to 0.5.
func AnalyzeTrend(history []*ClassifiedError, window int, criticalThreshold float64) TrendReport {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	if criticalThreshold <= 0 {
		criticalThreshold = 0.5
	}

	report := TrendReport{
		ByType:     make(map[ErrorType]int),
		BySeverity: make(map[Severity]int),
	}
	critical := 0
	for _, ce := range history {
		if ce == nil {
			continue
		}
		report.Total++
		report.ByType[ce.Type]++
		report.BySeverity[ce.Severity]++
		if ce.Severity == SeverityCritical {
			critical++
		}
	}
	if report.Total == 0 {
		return report
	}

	best := 0
	for t, n := range report.ByType {
		if n > best || (n == best && (report.TopType == "" || t < report.TopType)) {
			best = n
			report.TopType = t
		}
	}
	report.CriticalFraction = float64(critical) / float64(report.Total)
	report.Escalate = report.CriticalFraction >= criticalThreshold
	return report
}
