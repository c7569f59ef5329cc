// Package conclusion turns a significant analysis into a shipping
// decision: the winner, its business impact and risk, a phased rollout
// plan and the plan to revert it.
package conclusion

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/headline-goat/autowinner/internal/stats"
)

// Config holds the settings the engine applies to every test.
type Config struct {
	// TagWeights and PriorityWeights shift strategic alignment away from
	// the neutral 5.
	TagWeights      map[string]float64
	PriorityWeights map[string]float64

	DefaultValuePerConversion float64
	DefaultHourlyTraffic      float64

	DetectionLatency time.Duration
	MinPhaseDuration time.Duration
	MaxPhaseDuration time.Duration

	ErrorRateThreshold      float64
	ErrorRateTimeframe      time.Duration
	ConversionDropThreshold float64
	ConversionDropTimeframe time.Duration
	RevenueDropThreshold    float64
	RevenueDropTimeframe    time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		DefaultValuePerConversion: 1,
		DefaultHourlyTraffic:      1000,
		DetectionLatency:          time.Minute,
		MinPhaseDuration:          time.Hour,
		MaxPhaseDuration:          72 * time.Hour,
		ErrorRateThreshold:        0.05,
		ErrorRateTimeframe:        10 * time.Minute,
		ConversionDropThreshold:   0.10,
		ConversionDropTimeframe:   30 * time.Minute,
		RevenueDropThreshold:      0.15,
		RevenueDropTimeframe:      time.Hour,
	}
}

const (
	neutralAlignment = 5.0
	highRisk         = 50.0
)

// Engine is the test conclusion engine. EvaluateTestConclusion is a pure
// function of its arguments and the engine configuration.
type Engine struct {
	stats  *stats.Engine
	cfg    Config
	logger *zap.Logger
}

// NewEngine creates a conclusion engine on top of a significance engine.
func NewEngine(se *stats.Engine, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{stats: se, cfg: cfg, logger: logger}
}

// EvaluateTestConclusion returns a conclusion when the test is ready to
// stop and its winner clears the criteria, and nil otherwise.
func (e *Engine) EvaluateTestConclusion(testID string, variants []stats.Variant, criteria Criteria, tc Context) (*TestConclusion, error) {
	var opts []stats.AnalyzeOption
	if tc.RunningTime > 0 {
		opts = append(opts, stats.WithRunningTime(tc.RunningTime))
	}

	analysis, err := e.stats.AnalyzeTest(testID, variants, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze test: %w", err)
	}

	if analysis.RecommendedAction != stats.ActionStop || analysis.WinningVariant == "" {
		return nil, nil
	}
	winner, _ := analysis.Variant(analysis.WinningVariant)
	if winner.Confidence < criteria.MinimumConfidence || winner.Improvement < criteria.MinimumImprovement {
		return nil, nil
	}

	ev := &evaluation{
		engine:   e,
		testID:   testID,
		variants: variants,
		analysis: analysis,
		winner:   winner,
		control:  analysis.Control(),
		criteria: criteria,
		tc:       tc,
	}
	return ev.conclude(), nil
}

// evaluation carries the state of one conclusion while it is assembled.
type evaluation struct {
	engine   *Engine
	testID   string
	variants []stats.Variant
	analysis *stats.TestAnalysis
	winner   stats.VariantResult
	control  stats.VariantResult
	criteria Criteria
	tc       Context
	warnings []string
}

func (ev *evaluation) missing(field, used string) {
	err := &MissingContextError{TestID: ev.testID, Field: field, Used: used}
	ev.warnings = append(ev.warnings, err.Error())
	ev.engine.logger.Debug("missing context", zap.String("test_id", ev.testID), zap.Error(err))
}

func (ev *evaluation) conclude() *TestConclusion {
	impact := ev.businessImpact()
	risk := ev.riskAssessment()
	strategy := selectStrategy(risk.OverallRiskScore, ev.criteria.RiskTolerance)

	c := &TestConclusion{
		TestID: ev.testID,
		SelectedWinner: SelectedWinner{
			Variant: ev.winner,
			SelectionReason: fmt.Sprintf("variant %s converts at %.2f%% vs %.2f%% for control %s (%+.1f%%, %.1f%% confidence), the highest rate among significant variants",
				ev.winner.VariantID, ev.winner.ConversionRate*100, ev.control.ConversionRate*100,
				ev.control.VariantID, ev.winner.Improvement*100, ev.winner.Confidence*100),
			ExpectedImprovement:    ev.winner.Improvement,
			ImplementationStrategy: strategy,
		},
		Confidence: ev.winner.Confidence,
		ConclusionReason: fmt.Sprintf("%s analysis recommends stopping: %d visitors, %.1f%% of planned sample, p=%.4f",
			ev.analysis.Method, ev.analysis.SampleSize.Current, ev.analysis.SampleSize.Progress*100, ev.winner.PValue),
		BusinessImpact:     impact,
		RiskAssessment:     risk,
		ImplementationPlan: ImplementationPlan{Strategy: strategy, Phases: ev.phases(strategy)},
		RollbackPlan:       ev.rollbackPlan(risk),
	}
	c.Warnings = ev.warnings
	return c
}

func (ev *evaluation) businessImpact() BusinessImpact {
	cfg := ev.engine.cfg

	valuePerConversion := cfg.DefaultValuePerConversion
	if ev.control.Conversions > 0 && ev.control.Revenue > 0 {
		valuePerConversion = ev.control.Revenue / float64(ev.control.Conversions)
	} else {
		ev.missing("revenue per conversion", fmt.Sprintf("%.2f", valuePerConversion))
	}

	audience := ev.tc.AddressableAudience
	if audience <= 0 {
		audience = ev.analysis.SampleSize.Current
		ev.missing("addressable audience", fmt.Sprintf("observed sample of %d", audience))
	}

	// incremental conversions per unit of lift
	scale := ev.control.ConversionRate * float64(audience) * valuePerConversion

	return BusinessImpact{
		RevenueImpact: ev.winner.Improvement * scale,
		RevenueImpactRange: stats.Interval{
			Lower: ev.winner.ConfidenceInterval.Lower * scale,
			Upper: ev.winner.ConfidenceInterval.Upper * scale,
		},
		AudienceReach:      audience,
		StrategicAlignment: ev.strategicAlignment(),
	}
}

func (ev *evaluation) strategicAlignment() float64 {
	cfg := ev.engine.cfg
	if len(cfg.TagWeights) == 0 && len(cfg.PriorityWeights) == 0 {
		ev.missing("strategic weights", "neutral alignment")
		return neutralAlignment
	}
	if len(ev.tc.Tags) == 0 && ev.tc.Priority == "" {
		ev.missing("tags and priority", "neutral alignment")
		return neutralAlignment
	}

	score := neutralAlignment
	for _, tag := range ev.tc.Tags {
		score += cfg.TagWeights[tag]
	}
	score += cfg.PriorityWeights[ev.tc.Priority]
	return clamp(score, 0, 10)
}

func (ev *evaluation) riskAssessment() RiskAssessment {
	statistical := 100.0
	if ev.winner.Improvement != 0 {
		statistical = clamp(50*ev.winner.ConfidenceInterval.Width()/math.Abs(ev.winner.Improvement), 0, 100)
	}

	// share of traffic that changes experience once the winner ships
	winnerTraffic := 0.0
	for _, v := range ev.variants {
		if v.ID == ev.winner.VariantID {
			winnerTraffic = v.Traffic
		}
	}
	blastRadius := clamp((1-winnerTraffic)*100, 0, 100)

	audience := clamp(float64(ev.tc.ConcurrentTests)*25, 0, 100)
	technical := clamp(float64(ev.tc.Dependencies)*20, 0, 100)

	factors := []RiskFactor{
		{Name: "statistical", Score: statistical, Weight: 0.35,
			Description: fmt.Sprintf("confidence interval spans %.1f points of lift", ev.winner.ConfidenceInterval.Width()*100)},
		{Name: "implementation", Score: blastRadius, Weight: 0.25,
			Description: fmt.Sprintf("%.0f%% of traffic changes experience", blastRadius)},
		{Name: "audience", Score: audience, Weight: 0.20,
			Description: fmt.Sprintf("%d concurrently running tests overlap this audience", ev.tc.ConcurrentTests)},
		{Name: "technical", Score: technical, Weight: 0.20,
			Description: fmt.Sprintf("%d dependent systems", ev.tc.Dependencies)},
	}

	total := 0.0
	for _, f := range factors {
		total += f.Score * f.Weight
	}

	return RiskAssessment{
		OverallRiskScore:    clamp(total, 0, 100),
		RiskFactors:         factors,
		RecommendedApproach: recommendedApproach(ev.criteria.RiskTolerance),
	}
}

func recommendedApproach(t RiskTolerance) Strategy {
	switch t {
	case Conservative:
		return Staged
	case Aggressive:
		return Immediate
	default:
		return Gradual
	}
}

// selectStrategy maps a risk score and tolerance to a rollout strategy.
func selectStrategy(score float64, t RiskTolerance) Strategy {
	switch t {
	case Conservative:
		switch {
		case score < 20:
			return Gradual
		case score < 50:
			return Staged
		default:
			return Delayed
		}
	case Aggressive:
		switch {
		case score < 40:
			return Immediate
		case score < 70:
			return Gradual
		default:
			return Staged
		}
	default:
		switch {
		case score < 20:
			return Immediate
		case score < 40:
			return Gradual
		case score < 70:
			return Staged
		default:
			return Delayed
		}
	}
}

// rolloutSchedule returns the non-decreasing rollout shares of a strategy.
func rolloutSchedule(s Strategy) []float64 {
	switch s {
	case Immediate:
		return []float64{1}
	case Gradual:
		return []float64{0.25, 0.5, 1}
	case Staged:
		return []float64{0.05, 0.25, 0.5, 1}
	case Delayed:
		return []float64{0, 0.10, 0.5, 1}
	default:
		panic(fmt.Sprintf("conclusion: unhandled strategy %q", s))
	}
}

func (ev *evaluation) phases(s Strategy) []ImplementationPhase {
	cfg := ev.engine.cfg
	hourly := ev.hourlyTraffic()

	// Samples the exposed arm needs before a conversion drop of the
	// trigger threshold is distinguishable at the test's confidence.
	statsCfg := ev.engine.stats.Config()
	needed := stats.RequiredSampleSize(ev.winner.ConversionRate, cfg.ConversionDropThreshold, statsCfg.ConfidenceLevel, statsCfg.TargetPower)

	schedule := rolloutSchedule(s)
	phases := make([]ImplementationPhase, len(schedule))
	for i, share := range schedule {
		exposure := math.Max(share, 0.01)
		hours := float64(needed) / (hourly * exposure)
		d := time.Duration(hours * float64(time.Hour)).Round(time.Minute)
		d = clampDuration(d, cfg.MinPhaseDuration, cfg.MaxPhaseDuration)

		name := fmt.Sprintf("Phase %d: %.0f%% rollout", i+1, share*100)
		desc := fmt.Sprintf("Route %.0f%% of traffic to %s and watch rollback triggers for %s", share*100, ev.winner.VariantID, d)
		if share == 0 {
			name = fmt.Sprintf("Phase %d: hold", i+1)
			desc = fmt.Sprintf("Keep traffic on control for %s before exposing %s", d, ev.winner.VariantID)
		}

		phases[i] = ImplementationPhase{
			ID:          fmt.Sprintf("phase-%d", i+1),
			Name:        name,
			Rollout:     share,
			Duration:    d,
			Description: desc,
		}
	}
	return phases
}

func (ev *evaluation) hourlyTraffic() float64 {
	if ev.tc.HourlyTraffic > 0 {
		return ev.tc.HourlyTraffic
	}
	if ev.tc.RunningTime >= time.Hour {
		return float64(ev.analysis.SampleSize.Current) / ev.tc.RunningTime.Hours()
	}
	fallback := ev.engine.cfg.DefaultHourlyTraffic
	ev.missing("hourly traffic", fmt.Sprintf("%.0f visitors/hour", fallback))
	return fallback
}

func (ev *evaluation) rollbackPlan(risk RiskAssessment) RollbackPlan {
	cfg := ev.engine.cfg

	conversionAction := PauseAndNotify
	if ev.criteria.RiskTolerance == Conservative {
		conversionAction = AutoRollback
	}

	triggers := []RollbackTrigger{
		{Metric: MetricErrorRate, Threshold: cfg.ErrorRateThreshold, Timeframe: cfg.ErrorRateTimeframe, Action: AutoRollback},
		{Metric: MetricConversionRate, Threshold: cfg.ConversionDropThreshold, Timeframe: cfg.ConversionDropTimeframe, Action: conversionAction},
	}
	if risk.OverallRiskScore >= highRisk {
		triggers = append(triggers, RollbackTrigger{
			Metric: MetricRevenuePerVisitor, Threshold: cfg.RevenueDropThreshold, Timeframe: cfg.RevenueDropTimeframe, Action: AutoRollback,
		})
	}
	for _, c := range ev.analysis.QualityChecks {
		if c.Severity == stats.SeverityWarning {
			// early volatility: watch for the lift fading
			triggers = append(triggers, RollbackTrigger{
				Metric: MetricConversionRate, Threshold: cfg.ConversionDropThreshold / 2, Timeframe: 4 * cfg.ConversionDropTimeframe, Action: Notify,
			})
			break
		}
	}

	procedure := []ProcedureStep{
		{Order: 1, Action: "Route 100% of traffic to control", Owner: "automation", EstimatedTime: time.Minute, Automated: true},
		{Order: 2, Action: "Verify control receives 100% of traffic", Owner: "automation", EstimatedTime: 2 * time.Minute, Automated: true},
		{Order: 3, Action: "Notify experiment owner and on-call", Owner: "on-call engineer", EstimatedTime: 5 * time.Minute},
		{Order: 4, Action: fmt.Sprintf("Investigate why %s regressed", ev.winner.VariantID), Owner: "experiment owner", EstimatedTime: time.Hour},
	}

	fastest := procedure[0].EstimatedTime
	for _, step := range procedure[1:] {
		if step.EstimatedTime < fastest {
			fastest = step.EstimatedTime
		}
	}

	return RollbackPlan{
		Triggers:       triggers,
		Procedure:      procedure,
		TimeToRollback: cfg.DetectionLatency + fastest,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if hi > 0 && d > hi {
		return hi
	}
	return d
}
