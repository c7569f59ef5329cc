package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headline-goat/autowinner/internal/alert"
	"github.com/headline-goat/autowinner/internal/conclusion"
	"github.com/headline-goat/autowinner/internal/rollout"
	"github.com/headline-goat/autowinner/internal/scheduler"
	"github.com/headline-goat/autowinner/internal/stats"
	"github.com/headline-goat/autowinner/internal/store"
)

func heroVariants() []stats.Variant {
	return []stats.Variant{
		{ID: "A", IsControl: true, Traffic: 0.5, Impressions: 1300, Conversions: 130},
		{ID: "B", Traffic: 0.5, Impressions: 1300, Conversions: 175},
	}
}

func heroConclusion() *conclusion.TestConclusion {
	return &conclusion.TestConclusion{
		TestID: "hero",
		SelectedWinner: conclusion.SelectedWinner{
			Variant:             stats.VariantResult{VariantID: "B", ConversionRate: 0.1346},
			SelectionReason:     "highest significant lift",
			ExpectedImprovement: 0.346,
		},
		Confidence: 0.99,
		ImplementationPlan: conclusion.ImplementationPlan{
			Strategy: conclusion.Gradual,
			Phases: []conclusion.ImplementationPhase{
				{ID: "phase_1", Rollout: 0.25, Duration: 24 * time.Hour},
				{ID: "phase_2", Rollout: 1, Duration: 48 * time.Hour},
			},
		},
		RollbackPlan: conclusion.RollbackPlan{
			Triggers: []conclusion.RollbackTrigger{
				{Metric: conclusion.MetricErrorRate, Threshold: 0.05, Timeframe: 10 * time.Minute, Action: conclusion.AutoRollback},
			},
		},
		Warnings: []string{"novelty effect possible"},
	}
}

func TestPrintAnalysis_MarksWinner(t *testing.T) {
	a, err := stats.NewEngine(stats.DefaultConfig()).AnalyzeTest("hero", heroVariants(), stats.WithRunningTime(10*24*time.Hour))
	require.NoError(t, err)

	test := &store.Test{Name: "hero", State: store.StateRunning, ConversionGoal: "signup", CreatedAt: time.Now()}

	var buf bytes.Buffer
	printAnalysis(&buf, test, a)
	out := buf.String()

	assert.Contains(t, out, "TEST: hero")
	assert.Contains(t, out, "GOAL: signup")
	assert.Contains(t, out, "control")
	assert.Contains(t, out, "← WINNER")
	assert.Contains(t, out, "2,600 of")
	assert.Contains(t, out, `confident "B" is the winner`)
	assert.Contains(t, out, "Recommendation: stop")
}

func TestPrintAnalysis_InsufficientData(t *testing.T) {
	variants := heroVariants()
	variants[0].Impressions, variants[0].Conversions = 50, 5
	variants[1].Impressions, variants[1].Conversions = 0, 0

	a, err := stats.NewEngine(stats.DefaultConfig()).AnalyzeTest("hero", variants)
	require.NoError(t, err)

	var buf bytes.Buffer
	printAnalysis(&buf, &store.Test{Name: "hero", State: store.StateRunning}, a)
	assert.Contains(t, buf.String(), "Not enough data")
	assert.Contains(t, buf.String(), "N/A")
	assert.NotContains(t, buf.String(), "← WINNER")
}

func TestPrintConclusion(t *testing.T) {
	var buf bytes.Buffer
	printConclusion(&buf, heroConclusion(), nil)
	out := buf.String()

	assert.Contains(t, out, "WINNER: B (highest significant lift)")
	assert.Contains(t, out, "+34.6% at 99.0% confidence")
	assert.Contains(t, out, "phase_1")
	assert.Contains(t, out, "error_rate")
	assert.Contains(t, out, "auto_rollback")
	assert.Contains(t, out, "novelty effect possible")
	assert.Contains(t, out, "IMPLEMENTATION: not started")
}

func TestPrintConclusion_WithStatus(t *testing.T) {
	st := &rollout.Status{TestID: "hero", WinnerID: "B", State: "phase_1", Rollout: 0.25, Paused: true, LastError: "router unavailable"}

	var buf bytes.Buffer
	printConclusion(&buf, heroConclusion(), st)
	out := buf.String()

	assert.Contains(t, out, "IMPLEMENTATION: phase_1, 25.00% of traffic on B paused")
	assert.Contains(t, out, "LAST ERROR: router unavailable")
}

func TestPrintEvaluation(t *testing.T) {
	res := &scheduler.EvaluationResult{
		TestID:     "hero",
		Conclusion: heroConclusion(),
		Alerts: []alert.Alert{
			alert.New("hero", alert.WinnerSelected, time.Now(), "selected %s", "B"),
		},
	}

	var buf bytes.Buffer
	printEvaluation(&buf, res)
	out := buf.String()

	assert.Contains(t, out, "WINNER: B")
	assert.Contains(t, out, "ROLLOUT: gradual, 2 phases")
	assert.Contains(t, out, "winner_selected: selected B")

	buf.Reset()
	printEvaluation(&buf, &scheduler.EvaluationResult{TestID: "hero"})
	assert.Contains(t, buf.String(), "No winner selected yet.")
}

func TestPrintMetrics(t *testing.T) {
	m := scheduler.Metrics{
		TotalTestsMonitored: 3,
		SuccessRate:         0.5,
		EvaluationsTotal:    10,
		EvaluationFailures:  1,
		LastErrors:          map[string]string{"pricing": "boom", "hero": "timeout"},
	}

	var buf bytes.Buffer
	printMetrics(&buf, m)
	out := buf.String()

	assert.Contains(t, out, "Tests monitored:        3")
	assert.Contains(t, out, "Success rate:           50.0%")
	assert.Contains(t, out, "10, 1 failed")
	assert.NotContains(t, out, "Last run:")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("hero:")), bytes.Index(buf.Bytes(), []byte("pricing:")))
}
