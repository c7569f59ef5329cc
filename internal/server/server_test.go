package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headline-goat/autowinner/internal/alert"
	"github.com/headline-goat/autowinner/internal/conclusion"
	"github.com/headline-goat/autowinner/internal/config"
	"github.com/headline-goat/autowinner/internal/monitor"
	"github.com/headline-goat/autowinner/internal/rollout"
	"github.com/headline-goat/autowinner/internal/scheduler"
	"github.com/headline-goat/autowinner/internal/stats"
	"github.com/headline-goat/autowinner/internal/store"
)

type harness struct {
	srv      *Server
	store    *store.SQLiteStore
	bus      *alert.Bus
	rollouts *rollout.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := alert.NewBus(nil, st.AlertSink(nil))
	se := stats.NewEngine(stats.DefaultConfig())
	rollouts := rollout.NewManager(rollout.Config{SampleInterval: 24 * time.Hour}, rollout.Deps{
		Router:  st,
		Sampler: st,
		Sink:    st,
		Alerts:  bus,
	})
	t.Cleanup(rollouts.Close)

	sched, err := scheduler.New(scheduler.Deps{
		Catalog:     st,
		Stats:       se,
		Monitor:     monitor.New(se, monitor.DefaultConfig()),
		Conclusions: conclusion.NewEngine(se, conclusion.DefaultConfig(), nil),
		Sink:        st,
		Implementer: rollouts,
		Alerts:      bus,
	}, scheduler.DefaultConfig())
	require.NoError(t, err)

	srv := New(Deps{Store: st, Scheduler: sched, Stats: se, Rollouts: rollouts, Alerts: bus}, 0, "")
	return &harness{srv: srv, store: st, bus: bus, rollouts: rollouts}
}

// seed creates a test whose counters are significant and backdates it
// past the novelty window.
func (h *harness) seed(t *testing.T, name string) {
	t.Helper()
	ctx := context.Background()
	_, err := h.store.CreateTest(ctx, store.NewTest{Name: name, Variants: []string{"A", "B"}, AutoWinner: true})
	require.NoError(t, err)
	require.NoError(t, h.store.SetCounters(ctx, name, "A", store.Counters{Impressions: 1300, Conversions: 130}))
	require.NoError(t, h.store.SetCounters(ctx, name, "B", store.Counters{Impressions: 1300, Conversions: 175}))
	_, err = h.store.DB().ExecContext(ctx, `UPDATE tests SET started_at = ? WHERE name = ?`,
		time.Now().Add(-10*24*time.Hour).Unix(), name)
	require.NoError(t, err)
}

func (h *harness) do(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+h.srv.Token())
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "hero")

	rec := h.do(t, http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.TestsCount)
	assert.True(t, resp.SchedulerEnabled)
}

func TestMutatingEndpointsRequireToken(t *testing.T) {
	h := newHarness(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPatch, "/api/config"},
		{http.MethodPost, "/api/evaluate"},
		{http.MethodPost, "/api/run"},
		{http.MethodPost, "/api/tests/hero/rollback"},
		{http.MethodPost, "/api/tests/hero/counters"},
		{http.MethodPost, "/api/tests/hero/reset"},
	} {
		rec := h.do(t, tc.method, tc.path, "{}", false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.path)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/run?token=wrong", nil)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConfig_PatchUsesOperatorUnitsAndPersists(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/config", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var got config.Scheduler
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.MinimumConfidence)
	assert.InDelta(t, 95, *got.MinimumConfidence, 1e-9)
	assert.InDelta(t, 15, *got.CheckIntervalMinutes, 1e-9)

	rec = h.do(t, http.MethodPatch, "/api/config", `{"check_interval_minutes": 5, "minimum_confidence": 99}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cfg := h.srv.scheduler.Config()
	assert.Equal(t, 5*time.Minute, cfg.CheckInterval)
	assert.InDelta(t, 0.99, cfg.DefaultCriteria.MinimumConfidence, 1e-9)

	persisted, err := h.store.LoadSchedulerConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg, persisted)
}

func TestConfig_PatchRejectsInvalidValues(t *testing.T) {
	h := newHarness(t)
	before := h.srv.scheduler.Config()

	for _, body := range []string{
		`{"max_concurrent_evaluations": 0}`,
		`{"minimum_confidence": 120}`,
		`{"risk_tolerance": "reckless"}`,
		`{"check_interval": 5}`,
		`{}`,
	} {
		rec := h.do(t, http.MethodPatch, "/api/config", body, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Equal(t, before, h.srv.scheduler.Config())
}

func TestAnalysis(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "hero")

	rec := h.do(t, http.MethodGet, "/api/tests/hero/analysis", "", false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var a stats.TestAnalysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	assert.Equal(t, "hero", a.TestID)
	assert.Equal(t, stats.StatusSignificant, a.Status)
	assert.Equal(t, "B", a.WinningVariant)

	rec = h.do(t, http.MethodGet, "/api/tests/ghost/analysis", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounters(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "hero")

	rec := h.do(t, http.MethodPost, "/api/tests/hero/counters",
		`{"variant": "A", "impressions": 2000, "conversions": 210, "revenue": 840}`, true)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	test, err := h.store.GetTest(context.Background(), "hero")
	require.NoError(t, err)
	assert.Equal(t, 2000, test.Variants[0].Impressions)

	rec = h.do(t, http.MethodPost, "/api/tests/hero/counters", `{"variant": "A", "impressions": 10, "conversions": 20}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/tests/hero/counters", `{"variant": "Z", "impressions": 10}`, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// Evaluating a significant test concludes it, starts its rollout, and a
// manual rollback returns all traffic to control.
func TestEvaluateThenRollback(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "hero")

	rec := h.do(t, http.MethodPost, "/api/evaluate", `{"test_id": "hero", "force_evaluation": true}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res scheduler.EvaluationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Conclusion)
	assert.Equal(t, "B", res.Conclusion.SelectedWinner.Variant.VariantID)

	rec = h.do(t, http.MethodGet, "/api/tests/hero/conclusion", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/tests/hero/implementation", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var st rollout.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "phase_1", st.State)

	rec = h.do(t, http.MethodPost, "/api/tests/hero/pause", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Paused)

	rec = h.do(t, http.MethodPost, "/api/tests/hero/rollback", `{"reason": "checkout errors"}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "rolled_back", st.State)

	share, err := h.store.ControlShare(context.Background(), "hero")
	require.NoError(t, err)
	assert.Equal(t, 1.0, share)

	// a finished rollout refuses further control
	rec = h.do(t, http.MethodPost, "/api/tests/hero/resume", "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/alerts/history?test=hero", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []alert.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	var types []alert.Type
	for _, a := range alerts {
		types = append(types, a.Type)
	}
	assert.Contains(t, types, alert.WinnerSelected)
	assert.Contains(t, types, alert.RollbackTriggered)
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "hero")
	evaluate := `{"test_id": "hero", "force_evaluation": true}`

	rec := h.do(t, http.MethodPost, "/api/tests/hero/reset", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code, "nothing to reset before a conclusion")

	rec = h.do(t, http.MethodPost, "/api/evaluate", evaluate, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res scheduler.EvaluationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Conclusion)

	// concluded tests are analyzed but not concluded again
	rec = h.do(t, http.MethodPost, "/api/evaluate", evaluate, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = scheduler.EvaluationResult{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Nil(t, res.Conclusion)
	assert.NotNil(t, res.Analysis)

	rec = h.do(t, http.MethodPost, "/api/tests/hero/reset", "", true)
	assert.Equal(t, http.StatusConflict, rec.Code, "live rollout must be rolled back first")

	rec = h.do(t, http.MethodPost, "/api/tests/hero/rollback", "", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/api/tests/hero/reset", "", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary TestSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, store.StateRunning, summary.State)
	assert.Empty(t, summary.WinnerVariant)

	rec = h.do(t, http.MethodGet, "/api/tests/hero/conclusion", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// both the store and the scheduler forgot the conclusion
	rec = h.do(t, http.MethodPost, "/api/evaluate", evaluate, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = scheduler.EvaluationResult{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Conclusion)

	rec = h.do(t, http.MethodGet, "/api/tests/hero/implementation", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var st rollout.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "phase_1", st.State)
}

func TestDecode_RejectsUnvalidatableTarget(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a": 1}`))
	rec := httptest.NewRecorder()

	var target map[string]any
	assert.False(t, decode(rec, req, &target))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluate_Errors(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/evaluate", `{"test_id": "ghost"}`, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/evaluate", `{}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/tests/ghost/pause", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/tests/ghost/implementation", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLiveMetrics(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/tests/hero/live-metrics",
		`{"error_rate": 0.02, "baseline_error_rate": 0.01, "conversion_rate": 0.12, "baseline_conversion_rate": 0.1}`, true)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	m, err := h.store.Sample(context.Background(), "hero")
	require.NoError(t, err)
	assert.Equal(t, 0.02, m.ErrorRate)

	rec = h.do(t, http.MethodPost, "/api/tests/hero/live-metrics", `{"error_rate": 2}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertStream(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/alerts?test=hero", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	h.bus.Publish(alert.New("pricing", alert.ConversionDrop, time.Now(), "filtered out"))
	h.bus.Publish(alert.New("hero", alert.SignificanceReached, time.Now(), "significant"))

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	var event string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			if strings.HasPrefix(line, "event: ") {
				event = strings.TrimPrefix(line, "event: ")
			}
			if strings.HasPrefix(line, "data: ") {
				assert.Equal(t, "significance_reached", event)
				assert.Contains(t, line, `"test_id":"hero"`)
				cancel()
				for range lines {
				}
				return
			}
		case <-deadline:
			t.Fatal("no alert received")
		}
	}
}
