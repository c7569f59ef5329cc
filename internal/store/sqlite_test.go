package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/headline-goat/autowinner/internal/alert"
	"github.com/headline-goat/autowinner/internal/conclusion"
	"github.com/headline-goat/autowinner/internal/rollout"
	"github.com/headline-goat/autowinner/internal/scheduler"
	"github.com/headline-goat/autowinner/internal/stats"
	"github.com/headline-goat/autowinner/internal/store"
)

// setupTestStore opens a store in a temp dir that is removed with the test.
func setupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

func createTest(t *testing.T, s *store.SQLiteStore, name string, autoWinner bool) *store.Test {
	t.Helper()
	test, err := s.CreateTest(context.Background(), store.NewTest{
		Name:       name,
		Variants:   []string{"A", "B"},
		AutoWinner: autoWinner,
	})
	if err != nil {
		t.Fatalf("failed to create test: %v", err)
	}
	return test
}

func TestCreateTest(t *testing.T) {
	s := setupTestStore(t)

	ctx := context.Background()
	test, err := s.CreateTest(ctx, store.NewTest{
		Name:           "hero",
		Variants:       []string{"A", "B", "C"},
		ConversionGoal: "Signup button click",
		AutoWinner:     true,
		Tags:           []string{"checkout"},
	})
	if err != nil {
		t.Fatalf("failed to create test: %v", err)
	}

	if test.Name != "hero" {
		t.Errorf("got Name %s, want hero", test.Name)
	}
	if test.State != store.StateRunning {
		t.Errorf("got State %s, want running", test.State)
	}
	if test.ID == 0 {
		t.Error("expected non-zero ID")
	}

	got, err := s.GetTest(ctx, "hero")
	if err != nil {
		t.Fatalf("failed to get test: %v", err)
	}
	if len(got.Variants) != 3 {
		t.Fatalf("got %d variants, want 3", len(got.Variants))
	}
	if !got.Variants[0].IsControl || got.Variants[1].IsControl {
		t.Error("expected the first variant to be the control")
	}
	var split float64
	for _, v := range got.Variants {
		split += v.Traffic
	}
	if split < 0.999 || split > 1.001 {
		t.Errorf("got traffic split %f, want 1", split)
	}
	if !got.AutoWinner {
		t.Error("expected auto winner to be enabled")
	}
	if len(got.Tags) != 1 || got.Tags[0] != "checkout" {
		t.Errorf("got tags %v, want [checkout]", got.Tags)
	}
	if got.ConversionGoal != "Signup button click" {
		t.Errorf("got ConversionGoal %q", got.ConversionGoal)
	}
}

func TestCreateTest_Validation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTest(ctx, store.NewTest{Name: "solo", Variants: []string{"A"}}); err == nil {
		t.Error("expected error for a single variant")
	}
	if _, err := s.CreateTest(ctx, store.NewTest{Name: "w", Variants: []string{"A", "B"}, Weights: []float64{1}}); err == nil {
		t.Error("expected error for mismatched weights")
	}

	createTest(t, s, "hero", false)
	if _, err := s.CreateTest(ctx, store.NewTest{Name: "hero", Variants: []string{"X", "Y"}}); err == nil {
		t.Error("expected error for duplicate name")
	}
}

func TestGetTest_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetTest(context.Background(), "nonexistent")
	if err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListTests(t *testing.T) {
	s := setupTestStore(t)
	createTest(t, s, "hero", true)
	createTest(t, s, "pricing", false)

	tests, err := s.ListTests(context.Background())
	if err != nil {
		t.Fatalf("failed to list tests: %v", err)
	}
	if len(tests) != 2 {
		t.Fatalf("got %d tests, want 2", len(tests))
	}
	for _, test := range tests {
		if len(test.Variants) != 2 {
			t.Errorf("test %s: got %d variants, want 2", test.Name, len(test.Variants))
		}
	}
}

func TestSetCounters(t *testing.T) {
	s := setupTestStore(t)
	createTest(t, s, "hero", true)
	ctx := context.Background()

	if err := s.SetCounters(ctx, "hero", "B", store.Counters{Impressions: 1250, Conversions: 165, Revenue: 6600}); err != nil {
		t.Fatalf("failed to set counters: %v", err)
	}

	test, err := s.GetTest(ctx, "hero")
	if err != nil {
		t.Fatalf("failed to get test: %v", err)
	}
	b := test.Variants[1]
	if b.Impressions != 1250 || b.Conversions != 165 || b.Revenue != 6600 {
		t.Errorf("got %+v", b)
	}

	if err := s.SetCounters(ctx, "hero", "B", store.Counters{Impressions: 10, Conversions: 20}); err == nil {
		t.Error("expected error when conversions exceed impressions")
	}
	if err := s.SetCounters(ctx, "hero", "Z", store.Counters{}); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown variant, got %v", err)
	}
}

func TestUpdateTestState(t *testing.T) {
	s := setupTestStore(t)
	createTest(t, s, "hero", true)
	ctx := context.Background()

	if err := s.UpdateTestState(ctx, "hero", store.StatePaused); err != nil {
		t.Fatalf("failed to update state: %v", err)
	}
	test, _ := s.GetTest(ctx, "hero")
	if test.State != store.StatePaused {
		t.Errorf("got State %s, want paused", test.State)
	}

	if err := s.UpdateTestState(ctx, "nonexistent", store.StatePaused); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateTestState(ctx, "hero", "bogus"); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestDeleteTest(t *testing.T) {
	s := setupTestStore(t)
	createTest(t, s, "hero", true)
	ctx := context.Background()

	if err := s.DeleteTest(ctx, "hero"); err != nil {
		t.Fatalf("failed to delete test: %v", err)
	}
	if _, err := s.GetTest(ctx, "hero"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteTest(ctx, "hero"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestListEligibleTests(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createTest(t, s, "hero", true)
	createTest(t, s, "manual", false)
	createTest(t, s, "paused", true)
	if err := s.UpdateTestState(ctx, "paused", store.StatePaused); err != nil {
		t.Fatal(err)
	}

	cands, err := s.ListEligibleTests(ctx)
	if err != nil {
		t.Fatalf("failed to list eligible tests: %v", err)
	}
	if len(cands) != 1 || cands[0].ID != "hero" {
		t.Fatalf("got %+v, want only hero", cands)
	}
	if len(cands[0].Variants) != 2 {
		t.Errorf("got %d variants, want 2", len(cands[0].Variants))
	}
	// "manual" is also running and competes for the same audience
	if cands[0].Context.ConcurrentTests != 1 {
		t.Errorf("got %d concurrent tests, want 1", cands[0].Context.ConcurrentTests)
	}

	cand, err := s.GetCandidate(ctx, "manual")
	if err != nil {
		t.Fatalf("failed to get candidate: %v", err)
	}
	if cand.ID != "manual" {
		t.Errorf("got candidate %s, want manual", cand.ID)
	}
	if _, err := s.GetCandidate(ctx, "nonexistent"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func sampleConclusion(testID string) *conclusion.TestConclusion {
	return &conclusion.TestConclusion{
		TestID: testID,
		SelectedWinner: conclusion.SelectedWinner{
			Variant:             stats.VariantResult{VariantID: "B", ConversionRate: 0.132},
			ExpectedImprovement: 0.267,
		},
		Confidence: 0.97,
		ImplementationPlan: conclusion.ImplementationPlan{
			Strategy: conclusion.Gradual,
			Phases:   []conclusion.ImplementationPhase{{ID: "phase_1", Rollout: 1, Duration: time.Hour}},
		},
		RollbackPlan: conclusion.RollbackPlan{
			Triggers: []conclusion.RollbackTrigger{
				{Metric: conclusion.MetricErrorRate, Threshold: 0.05, Timeframe: 10 * time.Minute, Action: conclusion.AutoRollback},
			},
		},
	}
}

func TestSaveConclusion(t *testing.T) {
	s := setupTestStore(t)
	createTest(t, s, "hero", true)
	ctx := context.Background()

	if err := s.SaveConclusion(ctx, sampleConclusion("hero")); err != nil {
		t.Fatalf("failed to save conclusion: %v", err)
	}

	got, err := s.GetConclusion(ctx, "hero")
	if err != nil {
		t.Fatalf("failed to get conclusion: %v", err)
	}
	if got.SelectedWinner.Variant.VariantID != "B" {
		t.Errorf("got winner %s, want B", got.SelectedWinner.Variant.VariantID)
	}
	if got.RollbackPlan.Triggers[0].Action != conclusion.AutoRollback {
		t.Errorf("got action %s, want auto_rollback", got.RollbackPlan.Triggers[0].Action)
	}

	test, _ := s.GetTest(ctx, "hero")
	if test.State != store.StateConcluded || test.WinnerVariant != "B" {
		t.Errorf("got state %s winner %q, want concluded B", test.State, test.WinnerVariant)
	}

	// concluded tests are no longer eligible
	cands, _ := s.ListEligibleTests(ctx)
	if len(cands) != 0 {
		t.Errorf("got %d eligible tests, want 0", len(cands))
	}

	if err := s.DeleteConclusion(ctx, "hero"); err != nil {
		t.Fatalf("failed to delete conclusion: %v", err)
	}
	if _, err := s.GetConclusion(ctx, "hero"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	test, _ = s.GetTest(ctx, "hero")
	if test.State != store.StateRunning || test.WinnerVariant != "" {
		t.Errorf("got state %s winner %q, want running and no winner", test.State, test.WinnerVariant)
	}
}

func TestSaveConclusion_UnknownTest(t *testing.T) {
	s := setupTestStore(t)

	if err := s.SaveConclusion(context.Background(), sampleConclusion("ghost")); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveConclusion_AlreadyConcluded(t *testing.T) {
	s := setupTestStore(t)
	createTest(t, s, "hero", true)
	ctx := context.Background()

	if err := s.SaveConclusion(ctx, sampleConclusion("hero")); err != nil {
		t.Fatalf("failed to save conclusion: %v", err)
	}
	if err := s.UpdateTestState(ctx, "hero", store.StateCompleted); err != nil {
		t.Fatalf("failed to complete test: %v", err)
	}

	second := sampleConclusion("hero")
	second.SelectedWinner.Variant.VariantID = "A"
	err := s.SaveConclusion(ctx, second)

	var done *scheduler.AlreadyConcludedError
	if !errors.As(err, &done) {
		t.Fatalf("expected AlreadyConcludedError, got %v", err)
	}
	if done.State != "completed" {
		t.Errorf("got state %q, want completed", done.State)
	}

	test, _ := s.GetTest(ctx, "hero")
	if test.State != store.StateCompleted || test.WinnerVariant != "B" {
		t.Errorf("got state %s winner %q, want completed B", test.State, test.WinnerVariant)
	}
	got, _ := s.GetConclusion(ctx, "hero")
	if got.SelectedWinner.Variant.VariantID != "B" {
		t.Errorf("stored conclusion was overwritten with winner %s", got.SelectedWinner.Variant.VariantID)
	}
}

func TestConclusionSurvivesSchedulerRestart(t *testing.T) {
	s := setupTestStore(t)
	createTest(t, s, "hero", true)
	ctx := context.Background()

	if err := s.SetCounters(ctx, "hero", "A", store.Counters{Impressions: 5000, Conversions: 500}); err != nil {
		t.Fatalf("failed to set counters: %v", err)
	}
	if err := s.SetCounters(ctx, "hero", "B", store.Counters{Impressions: 5000, Conversions: 650}); err != nil {
		t.Fatalf("failed to set counters: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx, `UPDATE tests SET started_at = ? WHERE name = ?`,
		time.Now().Add(-10*24*time.Hour).Unix(), "hero"); err != nil {
		t.Fatalf("failed to backdate test: %v", err)
	}

	newScheduler := func() *scheduler.Scheduler {
		se := stats.NewEngine(stats.DefaultConfig())
		sched, err := scheduler.New(scheduler.Deps{
			Catalog:     s,
			Stats:       se,
			Conclusions: conclusion.NewEngine(se, conclusion.DefaultConfig(), nil),
			Sink:        s,
		}, scheduler.DefaultConfig())
		if err != nil {
			t.Fatalf("failed to create scheduler: %v", err)
		}
		return sched
	}
	req := scheduler.EvaluationRequest{TestID: "hero", ForceEvaluation: true}

	first, err := newScheduler().Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("first evaluation failed: %v", err)
	}
	if first.Conclusion == nil {
		t.Fatal("expected the first evaluation to conclude")
	}
	if err := s.UpdateTestState(ctx, "hero", store.StateCompleted); err != nil {
		t.Fatalf("failed to complete test: %v", err)
	}

	// a fresh scheduler has no memory of the first conclusion
	second, err := newScheduler().Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("second evaluation failed: %v", err)
	}
	if second.Conclusion != nil {
		t.Error("completed test was concluded again")
	}
	if second.Analysis == nil {
		t.Error("expected the completed test to still be analyzed")
	}
	test, _ := s.GetTest(ctx, "hero")
	if test.State != store.StateCompleted {
		t.Errorf("got state %s, want completed", test.State)
	}

	// an explicit reset reopens it
	if err := s.DeleteConclusion(ctx, "hero"); err != nil {
		t.Fatalf("failed to reset conclusion: %v", err)
	}
	third, err := newScheduler().Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("third evaluation failed: %v", err)
	}
	if third.Conclusion == nil {
		t.Error("expected a reset test to be concluded again")
	}
}

func TestDeleteConclusion_ClearsRollout(t *testing.T) {
	s := setupTestStore(t)
	createTest(t, s, "hero", true)
	ctx := context.Background()

	if err := s.SaveConclusion(ctx, sampleConclusion("hero")); err != nil {
		t.Fatalf("failed to save conclusion: %v", err)
	}
	if err := s.Route(ctx, "hero", "B", 1); err != nil {
		t.Fatalf("failed to route: %v", err)
	}
	if err := s.SaveImplementationStatus(ctx, rollout.Status{TestID: "hero", WinnerID: "B", State: rollout.Completed.String()}); err != nil {
		t.Fatalf("failed to save status: %v", err)
	}

	if err := s.DeleteConclusion(ctx, "hero"); err != nil {
		t.Fatalf("failed to reset conclusion: %v", err)
	}

	if share, _ := s.ControlShare(ctx, "hero"); share != 1 {
		t.Errorf("got control share %v, want 1", share)
	}
	if _, err := s.GetImplementationStatus(ctx, "hero"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	test, _ := s.GetTest(ctx, "hero")
	if test.State != store.StateRunning {
		t.Errorf("got state %s, want running", test.State)
	}

	if err := s.DeleteConclusion(ctx, "hero"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound on a second reset, got %v", err)
	}
}

func TestRouting(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	share, err := s.ControlShare(ctx, "hero")
	if err != nil || share != 1 {
		t.Fatalf("got control share %v, %v, want 1 for unrouted test", share, err)
	}

	if err := s.Route(ctx, "hero", "B", 0.25); err != nil {
		t.Fatalf("failed to route: %v", err)
	}
	if share, _ = s.ControlShare(ctx, "hero"); share != 0.75 {
		t.Errorf("got control share %v, want 0.75", share)
	}

	if err := s.RestoreControl(ctx, "hero"); err != nil {
		t.Fatalf("failed to restore control: %v", err)
	}
	if share, _ = s.ControlShare(ctx, "hero"); share != 1 {
		t.Errorf("got control share %v, want 1", share)
	}

	if err := s.Route(ctx, "hero", "B", 1.5); err == nil {
		t.Error("expected error for share above 1")
	}
}

func TestLiveMetrics(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	m, err := s.Sample(ctx, "hero")
	if err != nil || m != (rollout.LiveMetrics{}) {
		t.Fatalf("got %+v, %v, want zero metrics", m, err)
	}

	want := rollout.LiveMetrics{ErrorRate: 0.02, BaselineErrorRate: 0.01, ConversionRate: 0.12, BaselineConversionRate: 0.1}
	if err := s.RecordLiveMetrics(ctx, "hero", want); err != nil {
		t.Fatalf("failed to record live metrics: %v", err)
	}
	if m, _ = s.Sample(ctx, "hero"); m != want {
		t.Errorf("got %+v, want %+v", m, want)
	}
}

func TestImplementationStatus(t *testing.T) {
	s := setupTestStore(t)
	createTest(t, s, "hero", true)
	ctx := context.Background()

	st := rollout.Status{TestID: "hero", WinnerID: "B", State: "phase_1", Phase: 1, PhaseCount: 3, Rollout: 0.1}
	if err := s.SaveImplementationStatus(ctx, st); err != nil {
		t.Fatalf("failed to save status: %v", err)
	}
	got, err := s.GetImplementationStatus(ctx, "hero")
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}
	if got.State != "phase_1" || got.Rollout != 0.1 {
		t.Errorf("got %+v", got)
	}

	st.State = "completed"
	st.Rollout = 1
	if err := s.SaveImplementationStatus(ctx, st); err != nil {
		t.Fatalf("failed to save status: %v", err)
	}
	test, _ := s.GetTest(ctx, "hero")
	if test.State != store.StateCompleted {
		t.Errorf("got test state %s, want completed", test.State)
	}

	if _, err := s.GetImplementationStatus(ctx, "nonexistent"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAlerts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	sink := s.AlertSink(nil)
	sink.Publish(alert.New("hero", alert.SignificanceReached, now, "significant"))
	sink.Publish(alert.New("hero", alert.RollbackFailed, now.Add(time.Second), "router down"))
	sink.Publish(alert.New("pricing", alert.ConversionDrop, now, "drop"))

	alerts, err := s.ListAlerts(ctx, "hero", 10)
	if err != nil {
		t.Fatalf("failed to list alerts: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want 2", len(alerts))
	}
	newest := alerts[0]
	if newest.Type != alert.RollbackFailed || newest.Severity != alert.Critical || !newest.RequiresManualAction {
		t.Errorf("got %+v, want the critical rollback failure first", newest)
	}

	all, _ := s.ListAlerts(ctx, "", 0)
	if len(all) != 3 {
		t.Errorf("got %d alerts across tests, want 3", len(all))
	}
}

func TestSettings(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "nonexistent"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.SetSetting(ctx, "server_url", "https://ab.example.com"); err != nil {
		t.Fatalf("failed to set setting: %v", err)
	}
	if err := s.SetSetting(ctx, "server_url", "https://ab2.example.com"); err != nil {
		t.Fatalf("failed to update setting: %v", err)
	}
	value, err := s.GetSetting(ctx, "server_url")
	if err != nil {
		t.Fatalf("failed to get setting: %v", err)
	}
	if value != "https://ab2.example.com" {
		t.Errorf("got %q, want %q", value, "https://ab2.example.com")
	}
}

func TestSchedulerConfig(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.LoadSchedulerConfig(ctx); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	cfg := scheduler.DefaultConfig()
	cfg.CheckInterval = 7 * time.Minute
	cfg.DefaultCriteria.RiskTolerance = conclusion.Aggressive
	if err := s.SaveSchedulerConfig(ctx, cfg); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	got, err := s.LoadSchedulerConfig(ctx)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if got != cfg {
		t.Errorf("got %+v, want %+v", got, cfg)
	}
}
