// Package monitor watches successive analyses of a test and raises alerts
// when its statistical picture changes.
package monitor

import (
	"sync"
	"time"

	"github.com/headline-goat/autowinner/internal/alert"
	"github.com/headline-goat/autowinner/internal/stats"
)

// Config tunes alerting.
type Config struct {
	// ConversionDropThreshold is the relative drop of the leading variant's
	// conversion rate between two snapshots that raises an alert.
	ConversionDropThreshold float64
	// Cooldown suppresses repeats of the same alert type for a test.
	Cooldown time.Duration
}

// DefaultConfig returns the default alerting settings.
func DefaultConfig() Config {
	return Config{
		ConversionDropThreshold: 0.20,
		Cooldown:                time.Hour,
	}
}

type snapshot struct {
	significant   bool
	sampleReached bool
	worst         stats.Severity
	leadingID     string
	leadingRate   float64
}

type alertKey struct {
	testID string
	typ    alert.Type
}

// Monitor is the performance monitor. It is safe for concurrent use.
type Monitor struct {
	engine *stats.Engine
	cfg    Config
	now    func() time.Time

	mu        sync.Mutex
	snapshots map[string]snapshot
	lastAlert map[alertKey]time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// New creates a monitor backed by engine.
func New(engine *stats.Engine, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		engine:    engine,
		cfg:       cfg,
		now:       time.Now,
		snapshots: make(map[string]snapshot),
		lastAlert: make(map[alertKey]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MonitorTest analyzes the variants and diffs the result against the
// previous snapshot for testID.
func (m *Monitor) MonitorTest(testID string, variants []stats.Variant, opts ...stats.AnalyzeOption) ([]alert.Alert, *stats.TestAnalysis, error) {
	analysis, err := m.engine.AnalyzeTest(testID, variants, opts...)
	if err != nil {
		return nil, nil, err
	}
	return m.Observe(testID, analysis), analysis, nil
}

// Observe records analysis as the latest snapshot of testID and returns
// the alerts its changes warrant.
func (m *Monitor) Observe(testID string, analysis *stats.TestAnalysis) []alert.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	prev := m.snapshots[testID]
	cur := snapshotOf(analysis)
	m.snapshots[testID] = cur

	var alerts []alert.Alert
	emit := func(a alert.Alert) {
		key := alertKey{testID: testID, typ: a.Type}
		if last, ok := m.lastAlert[key]; ok && now.Sub(last) < m.cfg.Cooldown {
			return
		}
		m.lastAlert[key] = now
		alerts = append(alerts, a)
	}

	if cur.significant && !prev.significant {
		emit(alert.New(testID, alert.SignificanceReached, now,
			"variant %s is significant at %.1f%% confidence", analysis.WinningVariant, analysis.OverallSignificance*100))
	}

	if prev.leadingID != "" && prev.leadingRate > 0 {
		if v, ok := analysis.Variant(prev.leadingID); ok {
			drop := (prev.leadingRate - v.ConversionRate) / prev.leadingRate
			if drop > m.cfg.ConversionDropThreshold {
				emit(alert.New(testID, alert.ConversionDrop, now,
					"leading variant %s conversion rate fell %.1f%% (%.2f%% -> %.2f%%)",
					prev.leadingID, drop*100, prev.leadingRate*100, v.ConversionRate*100))
			}
		}
	}

	if cur.sampleReached && !prev.sampleReached {
		emit(alert.New(testID, alert.SampleSizeReached, now,
			"required sample size of %d reached", analysis.SampleSize.Required))
	}

	if cur.worst > prev.worst {
		a := alert.New(testID, alert.QualityDegraded, now, "quality checks escalated to %s: %s", cur.worst, qualitySummary(analysis))
		if cur.worst == stats.SeverityCritical {
			a.Severity = alert.Critical
		}
		emit(a)
	}

	return alerts
}

// Forget drops the state kept for testID.
func (m *Monitor) Forget(testID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.snapshots, testID)
	for key := range m.lastAlert {
		if key.testID == testID {
			delete(m.lastAlert, key)
		}
	}
}

func snapshotOf(a *stats.TestAnalysis) snapshot {
	s := snapshot{
		significant:   a.Status == stats.StatusSignificant,
		sampleReached: a.SampleSize.Required > 0 && a.SampleSize.Progress >= 1,
		worst:         a.WorstQualitySeverity(),
	}
	for _, v := range a.Variants {
		if v.IsControl {
			continue
		}
		if s.leadingID == "" || v.ConversionRate > s.leadingRate {
			s.leadingID = v.VariantID
			s.leadingRate = v.ConversionRate
		}
	}
	return s
}

func qualitySummary(a *stats.TestAnalysis) string {
	for _, c := range a.QualityChecks {
		if c.Severity == a.WorstQualitySeverity() {
			return c.Message
		}
	}
	return ""
}
