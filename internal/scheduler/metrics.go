package scheduler

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autowinner_scheduler_evaluations_total",
		Help: "Test evaluations by result (ok, failed, timeout)",
	}, []string{"result"})

	winnersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autowinner_scheduler_winners_total",
		Help: "Conclusions produced by the scheduler",
	})

	skippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autowinner_scheduler_skipped_locked_total",
		Help: "Evaluations skipped because the test was still locked",
	})

	tickErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autowinner_scheduler_tick_errors_total",
		Help: "Passes that failed to enumerate eligible tests",
	})

	evaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autowinner_scheduler_evaluation_duration_seconds",
		Help:    "Wall time of one test evaluation",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
	})

	inflightEvaluations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autowinner_scheduler_inflight_evaluations",
		Help: "Evaluations currently holding a pool slot",
	})
)

// Metrics is a snapshot of scheduler counters. The *Today counters reset
// at local midnight; the rest are cumulative.
type Metrics struct {
	TotalTestsMonitored  int               `json:"total_tests_monitored"`
	TestsEvaluatedToday  int               `json:"tests_evaluated_today"`
	WinnersSelectedToday int               `json:"winners_selected_today"`
	SuccessRate          float64           `json:"success_rate"`
	EvaluationsTotal     int64             `json:"evaluations_total"`
	EvaluationFailures   int64             `json:"evaluation_failures"`
	SkippedLocked        int64             `json:"skipped_locked"`
	TickFailures         int64             `json:"tick_failures"`
	LastRunAt            time.Time         `json:"last_run_at"`
	LastErrors           map[string]string `json:"last_errors,omitempty"`
}

type outcome struct {
	testID   string
	err      error
	winner   bool
	timedOut bool
	elapsed  time.Duration
}

// recorder is the single path through which counters change.
type recorder struct {
	mu         sync.Mutex
	now        func() time.Time
	day        string
	seen       map[string]struct{}
	m          Metrics
	lastErrors map[string]string
}

func newRecorder(now func() time.Time) *recorder {
	return &recorder{
		now:        now,
		seen:       make(map[string]struct{}),
		lastErrors: make(map[string]string),
	}
}

// rollover must be called with mu held.
func (r *recorder) rollover() {
	day := r.now().Local().Format("2006-01-02")
	if day != r.day {
		r.day = day
		r.m.TestsEvaluatedToday = 0
		r.m.WinnersSelectedToday = 0
	}
}

func (r *recorder) evaluation(o outcome) {
	result := "ok"
	switch {
	case o.timedOut:
		result = "timeout"
	case o.err != nil:
		result = "failed"
	}
	evaluationsTotal.WithLabelValues(result).Inc()
	if o.elapsed > 0 {
		evaluationDuration.Observe(o.elapsed.Seconds())
	}
	if o.winner {
		winnersTotal.Inc()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollover()

	r.seen[o.testID] = struct{}{}
	r.m.EvaluationsTotal++
	r.m.TestsEvaluatedToday++
	if o.err != nil {
		r.m.EvaluationFailures++
		r.lastErrors[o.testID] = o.err.Error()
	} else {
		delete(r.lastErrors, o.testID)
	}
	if o.winner {
		r.m.WinnersSelectedToday++
	}
}

func (r *recorder) skipped(testID string) {
	skippedTotal.Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[testID] = struct{}{}
	r.m.SkippedLocked++
}

func (r *recorder) tickFailed() {
	tickErrorsTotal.Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.TickFailures++
}

func (r *recorder) ran() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.LastRunAt = r.now()
}

func (r *recorder) snapshot() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollover()

	m := r.m
	m.TotalTestsMonitored = len(r.seen)
	if m.EvaluationsTotal > 0 {
		m.SuccessRate = float64(m.EvaluationsTotal-m.EvaluationFailures) / float64(m.EvaluationsTotal)
	}
	if len(r.lastErrors) > 0 {
		m.LastErrors = make(map[string]string, len(r.lastErrors))
		for k, v := range r.lastErrors {
			m.LastErrors[k] = v
		}
	}
	return m
}

func (r *recorder) lastError(testID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErrors[testID]
}
