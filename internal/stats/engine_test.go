package stats_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headline-goat/autowinner/internal/stats"
)

func twoArm(cImp, cConv, vImp, vConv int) []stats.Variant {
	return []stats.Variant{
		{ID: "A", IsControl: true, Traffic: 0.5, Impressions: cImp, Conversions: cConv},
		{ID: "B", Traffic: 0.5, Impressions: vImp, Conversions: vConv},
	}
}

func TestAnalyzeTest_EqualRatesNotSignificant(t *testing.T) {
	engine := stats.NewEngine(stats.DefaultConfig())

	for _, n := range []int{200, 1500, 50000} {
		analysis, err := engine.AnalyzeTest("hero", twoArm(n, n/10, n, n/10))
		require.NoError(t, err)

		b, ok := analysis.Variant("B")
		require.True(t, ok)
		assert.InDelta(t, 1.0, b.PValue, 1e-9, "n=%d", n)
		assert.False(t, b.IsSignificant, "n=%d", n)
		assert.Empty(t, analysis.WinningVariant)
	}
}

func TestAnalyzeTest_IntervalContainsEstimate(t *testing.T) {
	engine := stats.NewEngine(stats.DefaultConfig())

	cases := []struct{ cImp, cConv, vImp, vConv int }{
		{100, 1, 100, 99},
		{1200, 125, 1250, 165},
		{5000, 50, 5000, 40},
		{300, 0, 300, 12},
		{10, 10, 10, 0},
	}
	for _, c := range cases {
		analysis, err := engine.AnalyzeTest("t", twoArm(c.cImp, c.cConv, c.vImp, c.vConv))
		require.NoError(t, err)
		for _, v := range analysis.Variants {
			assert.True(t, v.RateInterval.Contains(v.ConversionRate), "%+v rate interval", c)
			assert.True(t, v.ConfidenceInterval.Contains(v.Improvement), "%+v improvement interval", c)
			assert.LessOrEqual(t, v.ConfidenceInterval.Lower, v.ConfidenceInterval.Upper)
		}
	}
}

func TestAnalyzeTest_BelowMinimumSampleStaysRunning(t *testing.T) {
	engine := stats.NewEngine(stats.DefaultConfig())

	// control 10.42%, variant 13.2%, 2450 visitors in total
	analysis, err := engine.AnalyzeTest("hero", twoArm(1200, 125, 1250, 165))
	require.NoError(t, err)

	b, _ := analysis.Variant("B")
	assert.InDelta(t, 0.267, b.Improvement, 0.002)
	assert.False(t, b.IsSignificant)
	assert.Equal(t, stats.StatusRunning, analysis.Status)
	assert.NotEqual(t, stats.ActionStop, analysis.RecommendedAction)
	assert.Empty(t, analysis.WinningVariant)
}

func TestAnalyzeTest_SignificantWinnerRecommendsStop(t *testing.T) {
	engine := stats.NewEngine(stats.DefaultConfig())

	analysis, err := engine.AnalyzeTest("hero", twoArm(1300, 130, 1300, 175), stats.WithRunningTime(10*24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, stats.StatusSignificant, analysis.Status)
	assert.Equal(t, stats.ActionStop, analysis.RecommendedAction)
	assert.Equal(t, "B", analysis.WinningVariant)
	assert.GreaterOrEqual(t, analysis.OverallSignificance, 0.95)
	assert.Equal(t, "two_proportion_z", analysis.Method)

	for _, c := range analysis.QualityChecks {
		assert.True(t, c.Passed, "%s: %s", c.Kind, c.Message)
	}
}

func TestAnalyzeTest_WinnerIsHighestConvertingSignificantArm(t *testing.T) {
	engine := stats.NewEngine(stats.DefaultConfig())

	variants := []stats.Variant{
		{ID: "control", IsControl: true, Traffic: 0.34, Impressions: 3400, Conversions: 340},
		{ID: "b", Traffic: 0.33, Impressions: 3300, Conversions: 440},
		{ID: "c", Traffic: 0.33, Impressions: 3300, Conversions: 500},
	}
	analysis, err := engine.AnalyzeTest("multi", variants, stats.WithRunningTime(30*24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, "c", analysis.WinningVariant)
}

func TestAnalyzeTest_ZeroImpressionsIsInsufficientData(t *testing.T) {
	engine := stats.NewEngine(stats.DefaultConfig())

	analysis, err := engine.AnalyzeTest("hero", twoArm(500, 50, 0, 0))
	require.NoError(t, err)

	assert.Equal(t, stats.StatusInsufficientData, analysis.Status)
	assert.Equal(t, stats.ActionContinue, analysis.RecommendedAction)
}

func TestAnalyzeTest_InvalidInput(t *testing.T) {
	engine := stats.NewEngine(stats.DefaultConfig())

	tests := []struct {
		name     string
		variants []stats.Variant
	}{
		{"single variant", []stats.Variant{{ID: "A", IsControl: true, Traffic: 1}}},
		{"negative impressions", twoArm(-1, 0, 10, 1)},
		{"negative conversions", twoArm(10, -1, 10, 1)},
		{"conversions exceed impressions", twoArm(10, 11, 10, 1)},
		{"split too small", []stats.Variant{
			{ID: "A", IsControl: true, Traffic: 0.5},
			{ID: "B", Traffic: 0.494},
		}},
		{"split too large", []stats.Variant{
			{ID: "A", IsControl: true, Traffic: 0.5},
			{ID: "B", Traffic: 0.51},
		}},
		{"no control", []stats.Variant{{ID: "A", Traffic: 0.5}, {ID: "B", Traffic: 0.5}}},
		{"two controls", []stats.Variant{
			{ID: "A", IsControl: true, Traffic: 0.5},
			{ID: "B", IsControl: true, Traffic: 0.5},
		}},
		{"duplicate id", []stats.Variant{
			{ID: "A", IsControl: true, Traffic: 0.5},
			{ID: "A", Traffic: 0.5},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.AnalyzeTest("bad", tt.variants)
			require.Error(t, err)

			var invalid *stats.InvalidInputError
			assert.True(t, errors.As(err, &invalid))
			assert.Equal(t, "bad", invalid.TestID)
		})
	}
}

func TestAnalyzeTest_SplitWithinTolerance(t *testing.T) {
	engine := stats.NewEngine(stats.DefaultConfig())

	variants := []stats.Variant{
		{ID: "A", IsControl: true, Traffic: 0.5, Impressions: 10},
		{ID: "B", Traffic: 0.504, Impressions: 10},
	}
	_, err := engine.AnalyzeTest("ok", variants)
	assert.NoError(t, err)
}

func TestAnalyzeTest_SampleRatioMismatchInvestigates(t *testing.T) {
	engine := stats.NewEngine(stats.DefaultConfig())

	analysis, err := engine.AnalyzeTest("srm", twoArm(3000, 300, 1000, 150))
	require.NoError(t, err)

	assert.Equal(t, stats.ActionInvestigate, analysis.RecommendedAction)
	assert.Equal(t, stats.SeverityCritical, analysis.WorstQualitySeverity())
	assert.Equal(t, stats.CheckSampleRatioMismatch, analysis.QualityChecks[0].Kind)
}

func TestAnalyzeTest_FlatLiningInvestigates(t *testing.T) {
	engine := stats.NewEngine(stats.DefaultConfig())

	analysis, err := engine.AnalyzeTest("flat", twoArm(2000, 0, 2000, 0))
	require.NoError(t, err)

	assert.Equal(t, stats.ActionInvestigate, analysis.RecommendedAction)

	var zero stats.QualityCheck
	for _, c := range analysis.QualityChecks {
		if c.Kind == stats.CheckZeroVariance {
			zero = c
		}
	}
	assert.True(t, zero.Failed())
}

func TestAnalyzeTest_ZeroControlConversionsLeavesLiftUndefined(t *testing.T) {
	engine := stats.NewEngine(stats.DefaultConfig())

	analysis, err := engine.AnalyzeTest("cold", twoArm(5000, 0, 5000, 60))
	require.NoError(t, err)

	b, ok := analysis.Variant("B")
	require.True(t, ok)
	assert.True(t, b.ImprovementUndefined)
	assert.Zero(t, b.Improvement)
	assert.Equal(t, stats.Interval{}, b.ConfidenceInterval)
	assert.Empty(t, analysis.WinningVariant)
	assert.NotEqual(t, stats.ActionStop, analysis.RecommendedAction)

	var lift stats.QualityCheck
	for _, c := range analysis.QualityChecks {
		if c.Kind == stats.CheckUndefinedLift {
			lift = c
		}
	}
	assert.Equal(t, stats.SeverityWarning, lift.Severity)
	assert.Contains(t, lift.Message, "lift is undefined")
}

func TestAnalyzeTest_ConvertingControlDefinesLift(t *testing.T) {
	engine := stats.NewEngine(stats.DefaultConfig())

	analysis, err := engine.AnalyzeTest("warm", twoArm(5000, 500, 5000, 600))
	require.NoError(t, err)

	b, _ := analysis.Variant("B")
	assert.False(t, b.ImprovementUndefined)
	assert.InDelta(t, 0.2, b.Improvement, 1e-9)
}

func TestAnalyzeTest_NoveltyWarningDoesNotBlock(t *testing.T) {
	engine := stats.NewEngine(stats.DefaultConfig())

	analysis, err := engine.AnalyzeTest("fresh", twoArm(1300, 130, 1300, 175), stats.WithRunningTime(2*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, stats.SeverityWarning, analysis.WorstQualitySeverity())
	assert.Equal(t, stats.ActionStop, analysis.RecommendedAction)
}

func TestAnalyzeTest_UnderpoweredTrendingExtends(t *testing.T) {
	engine := stats.NewEngine(stats.DefaultConfig())

	analysis, err := engine.AnalyzeTest("hero", twoArm(1200, 125, 1250, 165))
	require.NoError(t, err)

	assert.Less(t, analysis.Power.CurrentPower, analysis.Power.TargetPower)
	assert.Equal(t, stats.ActionExtend, analysis.RecommendedAction)
}

func TestAnalyzeTest_ProgressCappedAndInconclusive(t *testing.T) {
	engine := stats.NewEngine(stats.DefaultConfig())

	analysis, err := engine.AnalyzeTest("big", twoArm(100000, 10000, 100000, 10000), stats.WithRunningTime(30*24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 1.0, analysis.SampleSize.Progress)
	assert.Greater(t, analysis.SampleSize.Required, 0)
	assert.Equal(t, 200000, analysis.SampleSize.Current)
	assert.Equal(t, stats.StatusInconclusive, analysis.Status)
}

type alwaysSignificant struct{}

func (alwaysSignificant) Name() string { return "fixed" }

func (alwaysSignificant) Compare(control, variant stats.Counts, _ float64) stats.Comparison {
	d := variant.Rate() - control.Rate()
	return stats.Comparison{PValue: 0.001, Difference: d, DiffLower: d, DiffUpper: d}
}

func TestAnalyzeTest_PluggableStrategy(t *testing.T) {
	engine := stats.NewEngine(stats.DefaultConfig(), stats.WithStrategy(alwaysSignificant{}))

	analysis, err := engine.AnalyzeTest("hero", twoArm(1300, 130, 1300, 140), stats.WithRunningTime(30*24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, "fixed", analysis.Method)
	assert.Equal(t, "B", analysis.WinningVariant)
}

func TestRequiredSampleSize(t *testing.T) {
	n := stats.RequiredSampleSize(0.10, 0.10, 0.95, 0.8)
	// textbook value for 10% -> 11% at alpha 0.05, power 0.8 is ~14,750
	assert.InDelta(t, 14750, n, 150)

	assert.Zero(t, stats.RequiredSampleSize(0, 0.1, 0.95, 0.8))
	assert.Zero(t, stats.RequiredSampleSize(0.1, 0, 0.95, 0.8))
}

func TestStatisticalPower_GrowsWithSample(t *testing.T) {
	small := stats.StatisticalPower(stats.Counts{Impressions: 500, Conversions: 50}, stats.Counts{Impressions: 500, Conversions: 60}, 0.95)
	large := stats.StatisticalPower(stats.Counts{Impressions: 50000, Conversions: 5000}, stats.Counts{Impressions: 50000, Conversions: 6000}, 0.95)

	assert.Less(t, small, large)
	assert.Greater(t, large, 0.99)
}

func TestMinimumDetectableEffect_ShrinksWithSample(t *testing.T) {
	a := stats.MinimumDetectableEffect(0.1, 1000, 0.95, 0.8)
	b := stats.MinimumDetectableEffect(0.1, 100000, 0.95, 0.8)

	assert.Greater(t, a, b)
	assert.False(t, math.IsNaN(a))
}
