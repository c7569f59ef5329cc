package stats

import (
	"fmt"
	"math"
	"time"
)

// Severity orders quality findings.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "ok"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	for _, candidate := range []Severity{SeverityOK, SeverityWarning, SeverityCritical} {
		if candidate.String() == string(b) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", string(b))
}

// QualityCheckKind names a data-quality check.
type QualityCheckKind string

const (
	CheckSampleRatioMismatch QualityCheckKind = "sample_ratio_mismatch"
	CheckNoveltyEffect       QualityCheckKind = "novelty_effect"
	CheckZeroVariance        QualityCheckKind = "zero_variance"
	CheckUndefinedLift       QualityCheckKind = "undefined_lift"
)

// QualityCheck is the outcome of one check. A check fails when its
// severity is critical; warnings are advisory.
type QualityCheck struct {
	Kind     QualityCheckKind `json:"kind"`
	Severity Severity         `json:"severity"`
	Passed   bool             `json:"passed"`
	Message  string           `json:"message"`
}

// Failed reports whether the check should block a decision.
func (c QualityCheck) Failed() bool {
	return c.Severity == SeverityCritical
}

func newCheck(kind QualityCheckKind, sev Severity, format string, args ...any) QualityCheck {
	return QualityCheck{
		Kind:     kind,
		Severity: sev,
		Passed:   sev == SeverityOK,
		Message:  fmt.Sprintf(format, args...),
	}
}

// checkSampleRatio compares the observed split with the configured one.
func (e *Engine) checkSampleRatio(variants []Variant, total int) QualityCheck {
	for _, v := range variants {
		if v.Impressions < e.cfg.MinimumVariantSample {
			return newCheck(CheckSampleRatioMismatch, SeverityOK, "not enough traffic to check the split")
		}
	}

	worst := 0.0
	worstID := ""
	for _, v := range variants {
		observed := float64(v.Impressions) / float64(total)
		if dev := math.Abs(observed - v.Traffic); dev > worst {
			worst = dev
			worstID = v.ID
		}
	}

	if worst > e.cfg.SRMTolerance {
		return newCheck(CheckSampleRatioMismatch, SeverityCritical,
			"variant %s deviates %.1f points from its configured traffic share", worstID, worst*100)
	}
	return newCheck(CheckSampleRatioMismatch, SeverityOK, "observed split matches configuration")
}

// checkNovelty flags large swings early in a test's life.
func (e *Engine) checkNovelty(results []VariantResult, total int, o analyzeOptions) QualityCheck {
	early := total < 2*e.cfg.MinimumSampleSize
	if o.hasRunningTime {
		early = o.runningTime < e.cfg.NoveltyWindow
	}
	if !early {
		return newCheck(CheckNoveltyEffect, SeverityOK, "test is past the novelty window")
	}

	for _, r := range results {
		if r.IsControl {
			continue
		}
		if math.Abs(r.Improvement) > e.cfg.NoveltySwing {
			return newCheck(CheckNoveltyEffect, SeverityWarning,
				"variant %s moved %.1f%% early in the test; results may reflect novelty", r.VariantID, r.Improvement*100)
		}
	}
	return newCheck(CheckNoveltyEffect, SeverityOK, "no early volatility detected")
}

// checkZeroVariance detects arms whose conversion rate is pinned at 0 or 1.
func (e *Engine) checkZeroVariance(variants []Variant) QualityCheck {
	flat := 0
	var lastFlat string
	for _, v := range variants {
		if v.Impressions < e.cfg.MinimumVariantSample {
			continue
		}
		if v.Conversions == 0 || v.Conversions == v.Impressions {
			flat++
			lastFlat = v.ID
		}
	}

	switch {
	case flat == 0:
		return newCheck(CheckZeroVariance, SeverityOK, "all variants show variance")
	case flat == len(variants):
		return newCheck(CheckZeroVariance, SeverityCritical, "every variant is flat-lining; check conversion tracking")
	default:
		return newCheck(CheckZeroVariance, SeverityWarning, "variant %s has a constant conversion rate", lastFlat)
	}
}

type analyzeOptions struct {
	runningTime    time.Duration
	hasRunningTime bool
}

// AnalyzeOption tunes a single analysis.
type AnalyzeOption func(*analyzeOptions)

// WithRunningTime tells the engine how long the test has been live.
func WithRunningTime(d time.Duration) AnalyzeOption {
	return func(o *analyzeOptions) {
		o.runningTime = d
		o.hasRunningTime = true
	}
}

// checkBaseline flags analyses whose lift cannot be computed because
// control has not converted.
func checkBaseline(control Variant, controlRate float64) QualityCheck {
	if controlRate > 0 {
		return newCheck(CheckUndefinedLift, SeverityOK, "control has converted; lift is relative to it")
	}
	return newCheck(CheckUndefinedLift, SeverityWarning,
		"control %s has no conversions; lift is undefined", control.ID)
}
