// Package stats computes significance, power and data-quality statistics
// for conversion experiments.
package stats

import (
	"math"
	"time"
)

// Config holds the engine's statistical settings. All rates are ratios.
type Config struct {
	ConfidenceLevel         float64
	TargetPower             float64
	MinimumDetectableEffect float64 // relative lift the test is sized for
	MinimumSampleSize       int     // total impressions before any variant can be significant
	MinimumVariantSample    int     // impressions every variant needs
	MinimumImprovement      float64 // relative lift required to recommend stopping
	TrendingConfidence      float64 // confidence at which an underpowered test is worth extending
	SRMTolerance            float64 // allowed absolute deviation from the configured split
	NoveltyWindow           time.Duration
	NoveltySwing            float64
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ConfidenceLevel:         0.95,
		TargetPower:             0.8,
		MinimumDetectableEffect: 0.10,
		MinimumSampleSize:       2500,
		MinimumVariantSample:    100,
		MinimumImprovement:      0.02,
		TrendingConfidence:      0.80,
		SRMTolerance:            0.05,
		NoveltyWindow:           72 * time.Hour,
		NoveltySwing:            0.25,
	}
}

// trafficTolerance is the allowed slack on the sum of traffic shares.
const trafficTolerance = 0.005

// Engine is the statistical significance engine. It holds no mutable
// state and is safe for concurrent use.
type Engine struct {
	cfg      Config
	strategy Strategy
}

// Option configures an Engine.
type Option func(*Engine)

// WithStrategy replaces the default two-proportion z-test.
func WithStrategy(s Strategy) Option {
	return func(e *Engine) {
		e.strategy = s
	}
}

// NewEngine creates an engine.
func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, strategy: ZTest{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine's settings.
func (e *Engine) Config() Config {
	return e.cfg
}

// AnalyzeTest compares every treatment arm with control and summarizes
// significance, sample size, power and data quality.
func (e *Engine) AnalyzeTest(testID string, variants []Variant, opts ...AnalyzeOption) (*TestAnalysis, error) {
	var o analyzeOptions
	for _, opt := range opts {
		opt(&o)
	}

	controlIdx, err := validate(testID, variants)
	if err != nil {
		return nil, err
	}
	control := variants[controlIdx]

	total := 0
	insufficient := false
	sampleMet := true
	for _, v := range variants {
		total += v.Impressions
		if v.Impressions == 0 {
			insufficient = true
		}
		if v.Impressions < e.cfg.MinimumVariantSample {
			sampleMet = false
		}
	}
	if total < e.cfg.MinimumSampleSize {
		sampleMet = false
	}

	alpha := 1 - e.cfg.ConfidenceLevel
	controlRate := control.Counts().Rate()

	analysis := &TestAnalysis{
		TestID:   testID,
		Method:   e.strategy.Name(),
		Variants: make([]VariantResult, len(variants)),
	}

	for i, v := range variants {
		lower, upper := WilsonInterval(v.Conversions, v.Impressions, e.cfg.ConfidenceLevel)
		r := VariantResult{
			VariantID:      v.ID,
			IsControl:      v.IsControl,
			Impressions:    v.Impressions,
			Conversions:    v.Conversions,
			Revenue:        v.Revenue,
			ConversionRate: v.Counts().Rate(),
			RateInterval:   Interval{Lower: lower, Upper: upper},
			PValue:         1,
		}

		if !v.IsControl {
			cmp := e.strategy.Compare(control.Counts(), v.Counts(), e.cfg.ConfidenceLevel)
			r.PValue = cmp.PValue
			r.Confidence = 1 - cmp.PValue

			// Lift is relative to control and has no value until control
			// converts; Improvement and its interval then stay zero.
			if controlRate > 0 {
				r.Improvement = cmp.Difference / controlRate
				r.ConfidenceInterval = Interval{Lower: cmp.DiffLower / controlRate, Upper: cmp.DiffUpper / controlRate}
			} else {
				r.ImprovementUndefined = true
			}
			r.IsSignificant = !insufficient && sampleMet && cmp.PValue < alpha
		}

		analysis.Variants[i] = r
	}

	// Winner: highest-converting arm that significantly beats control
	var winner *VariantResult
	for i := range analysis.Variants {
		r := &analysis.Variants[i]
		if r.IsControl {
			continue
		}
		if r.Confidence > analysis.OverallSignificance {
			analysis.OverallSignificance = r.Confidence
		}
		if r.IsSignificant && r.Improvement > 0 {
			if winner == nil || r.ConversionRate > winner.ConversionRate {
				winner = r
			}
		}
	}
	if winner != nil {
		analysis.WinningVariant = winner.VariantID
	}

	analysis.SampleSize = e.sampleSize(variants, controlRate, total)
	analysis.Power = e.power(analysis, variants, controlRate)

	if !insufficient {
		analysis.QualityChecks = []QualityCheck{
			e.checkSampleRatio(variants, total),
			e.checkNovelty(analysis.Variants, total, o),
			e.checkZeroVariance(variants),
			checkBaseline(control, controlRate),
		}
	}

	analysis.Status = e.status(analysis, insufficient, winner)
	analysis.RecommendedAction = e.recommend(analysis, winner)

	return analysis, nil
}

func (e *Engine) sampleSize(variants []Variant, controlRate float64, total int) SampleSizeAnalysis {
	baseline := controlRate
	if baseline <= 0 {
		conversions := 0
		for _, v := range variants {
			conversions += v.Conversions
		}
		if total > 0 {
			baseline = float64(conversions) / float64(total)
		}
	}

	perVariant := RequiredSampleSize(baseline, e.cfg.MinimumDetectableEffect, e.cfg.ConfidenceLevel, e.cfg.TargetPower)
	ss := SampleSizeAnalysis{
		Current:  total,
		Required: perVariant * len(variants),
	}
	if ss.Required > 0 {
		ss.Progress = math.Min(1, float64(ss.Current)/float64(ss.Required))
	}
	return ss
}

func (e *Engine) power(a *TestAnalysis, variants []Variant, controlRate float64) PowerAnalysis {
	p := PowerAnalysis{TargetPower: e.cfg.TargetPower}

	leading, ok := a.Leading()
	if !ok {
		return p
	}

	var control, treatment Counts
	for _, v := range variants {
		if v.IsControl {
			control = v.Counts()
		}
		if v.ID == leading.VariantID {
			treatment = v.Counts()
		}
	}

	p.CurrentPower = StatisticalPower(control, treatment, e.cfg.ConfidenceLevel)
	perVariant := (control.Impressions + treatment.Impressions) / 2
	p.MinimumDetectableEffect = MinimumDetectableEffect(controlRate, perVariant, e.cfg.ConfidenceLevel, e.cfg.TargetPower)
	return p
}

func (e *Engine) status(a *TestAnalysis, insufficient bool, winner *VariantResult) Status {
	switch {
	case insufficient:
		return StatusInsufficientData
	case winner != nil:
		return StatusSignificant
	case a.SampleSize.Required > 0 && a.SampleSize.Progress >= 1:
		return StatusInconclusive
	default:
		return StatusRunning
	}
}

func (e *Engine) recommend(a *TestAnalysis, winner *VariantResult) Action {
	for _, c := range a.QualityChecks {
		if c.Failed() {
			return ActionInvestigate
		}
	}
	if winner != nil && winner.Improvement >= e.cfg.MinimumImprovement {
		return ActionStop
	}
	if a.Status != StatusInsufficientData &&
		a.Power.CurrentPower < a.Power.TargetPower &&
		a.OverallSignificance >= e.cfg.TrendingConfidence {
		return ActionExtend
	}
	return ActionContinue
}

// validate checks counters and the traffic split, returning the index of
// the control variant.
func validate(testID string, variants []Variant) (int, error) {
	if len(variants) < 2 {
		return 0, invalid(testID, "need at least 2 variants, got %d", len(variants))
	}

	controlIdx := -1
	split := 0.0
	seen := make(map[string]bool, len(variants))
	for i, v := range variants {
		if v.ID == "" {
			return 0, invalid(testID, "variant %d has no id", i)
		}
		if seen[v.ID] {
			return 0, invalid(testID, "duplicate variant id %q", v.ID)
		}
		seen[v.ID] = true

		if v.Impressions < 0 || v.Conversions < 0 || v.Revenue < 0 || v.Traffic < 0 {
			return 0, invalid(testID, "variant %s has negative counters", v.ID)
		}
		if v.Conversions > v.Impressions {
			return 0, invalid(testID, "variant %s has more conversions (%d) than impressions (%d)", v.ID, v.Conversions, v.Impressions)
		}
		if v.IsControl {
			if controlIdx >= 0 {
				return 0, invalid(testID, "more than one control variant")
			}
			controlIdx = i
		}
		split += v.Traffic
	}

	if controlIdx < 0 {
		return 0, invalid(testID, "no control variant")
	}
	if math.Abs(split-1) > trafficTolerance {
		return 0, invalid(testID, "traffic split sums to %.2f%%, want 100%%", split*100)
	}

	return controlIdx, nil
}
