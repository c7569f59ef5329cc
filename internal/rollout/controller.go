// Package rollout drives a concluded test's winner to full traffic
// through its planned phases, reverting to control when live metrics
// breach a rollback trigger.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/headline-goat/autowinner/internal/alert"
	"github.com/headline-goat/autowinner/internal/conclusion"
)

// Config tunes a controller.
type Config struct {
	// SampleInterval is how often live metrics are read and the ramp moves.
	SampleInterval time.Duration
}

// DefaultConfig returns the defaults used by the server.
func DefaultConfig() Config {
	return Config{SampleInterval: 30 * time.Second}
}

// Deps are the collaborators a controller talks to.
type Deps struct {
	Router  TrafficRouter
	Sampler MetricsSampler
	Alerts  alert.Publisher
	Sink    StatusSink
	Logger  *zap.Logger
	Clock   func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Alerts == nil {
		d.Alerts = alert.Discard
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return d
}

type sample struct {
	at time.Time
	m  LiveMetrics
}

// Controller owns the rollout of one concluded test. All exported
// methods are safe for concurrent use.
type Controller struct {
	testID   string
	winnerID string
	phases   []conclusion.ImplementationPhase
	triggers []conclusion.RollbackTrigger
	cfg      Config
	deps     Deps
	logger   *zap.Logger

	// mu is held across router calls so that a rollback can never be
	// overtaken by a ramp step.
	mu             sync.Mutex
	state          State
	phase          int
	rollout        float64
	phaseFrom      float64
	elapsed        time.Duration
	lastTick       time.Time
	paused         bool
	halted         bool
	openCritical   int
	breached       map[int]bool
	samples        []sample
	startedAt      time.Time
	phaseStartedAt time.Time
	updatedAt      time.Time
	lastErr        string

	launched bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewController prepares a controller in the Pending state.
func NewController(c *conclusion.TestConclusion, cfg Config, deps Deps) (*Controller, error) {
	if c == nil {
		return nil, errors.New("conclusion is required")
	}
	if len(c.ImplementationPlan.Phases) == 0 {
		return nil, fmt.Errorf("test %q: implementation plan has no phases", c.TestID)
	}
	if deps.Router == nil || deps.Sampler == nil {
		return nil, errors.New("traffic router and metrics sampler are required")
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultConfig().SampleInterval
	}
	deps = deps.withDefaults()

	return &Controller{
		testID:   c.TestID,
		winnerID: c.SelectedWinner.Variant.VariantID,
		phases:   c.ImplementationPlan.Phases,
		triggers: c.RollbackPlan.Triggers,
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With(zap.String("test_id", c.TestID)),
		state:    Pending,
		breached: make(map[int]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// TestID returns the test this controller rolls out.
func (c *Controller) TestID() string {
	return c.testID
}

// Start moves the controller into Phase_1 and launches its sampling loop.
// The loop ends when the rollout finishes, Stop is called, or ctx ends.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Pending {
		c.mu.Unlock()
		return fmt.Errorf("test %q: cannot start from %s", c.testID, c.state)
	}
	if err := c.deps.Router.Route(ctx, c.testID, c.winnerID, 0); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("test %q: initial routing: %w", c.testID, err)
	}
	now := c.deps.Clock()
	c.state = InPhase
	c.phase = 0
	c.startedAt = now
	c.phaseStartedAt = now
	c.lastTick = now
	c.transition()
	c.persist(ctx, now)
	c.launched = true
	c.mu.Unlock()

	c.deps.Alerts.Publish(alert.New(c.testID, alert.PhaseAdvanced, now,
		"rollout of %s started: %s", c.winnerID, c.phases[0].Name))

	go c.loop(ctx)
	return nil
}

func (c *Controller) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if c.step(ctx) {
				return
			}
		}
	}
}

// Stop ends the sampling loop without changing state and waits for it.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	launched := c.launched
	c.mu.Unlock()
	if launched {
		<-c.done
	}
}

// step samples live metrics, evaluates triggers, advances the ramp and
// reports whether the controller reached a terminal state.
func (c *Controller) step(ctx context.Context) bool {
	m, sampleErr := c.deps.Sampler.Sample(ctx, c.testID)

	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return true
	}
	now := c.deps.Clock()

	var pending []alert.Alert
	if sampleErr != nil {
		c.logger.Warn("metrics sample failed", zap.Error(sampleErr))
		c.lastErr = sampleErr.Error()
	} else {
		c.record(now, m)
		rollback, reason, alerts := c.evaluateTriggers(now)
		pending = append(pending, alerts...)
		if rollback {
			c.mu.Unlock()
			c.publish(pending)
			if err := c.rollback(ctx, "auto", reason); err != nil {
				c.logger.Error("automatic rollback failed", zap.Error(err))
				return false
			}
			return true
		}
	}

	pending = append(pending, c.advance(ctx, now)...)
	terminal := c.state.Terminal()
	c.persist(ctx, now)
	c.mu.Unlock()

	c.publish(pending)
	return terminal
}

func (c *Controller) record(now time.Time, m LiveMetrics) {
	c.samples = append(c.samples, sample{at: now, m: m})

	var horizon time.Duration
	for _, t := range c.triggers {
		if t.Timeframe > horizon {
			horizon = t.Timeframe
		}
	}
	cut := 0
	for cut < len(c.samples) && now.Sub(c.samples[cut].at) > horizon {
		cut++
	}
	c.samples = c.samples[cut:]
}

// degradation averages how far a metric has moved against its baseline
// over the samples inside the window. Error rate is an absolute increase,
// the others relative drops.
func (c *Controller) degradation(metric conclusion.TriggerMetric, since time.Time) (float64, bool) {
	var sum float64
	var n int
	for _, s := range c.samples {
		if s.at.Before(since) {
			continue
		}
		var d float64
		switch metric {
		case conclusion.MetricErrorRate:
			d = s.m.ErrorRate - s.m.BaselineErrorRate
		case conclusion.MetricConversionRate:
			if s.m.BaselineConversionRate <= 0 {
				continue
			}
			d = (s.m.BaselineConversionRate - s.m.ConversionRate) / s.m.BaselineConversionRate
		case conclusion.MetricRevenuePerVisitor:
			if s.m.BaselineRevenuePerVisitor <= 0 {
				continue
			}
			d = (s.m.BaselineRevenuePerVisitor - s.m.RevenuePerVisitor) / s.m.BaselineRevenuePerVisitor
		default:
			continue
		}
		sum += d
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func (c *Controller) evaluateTriggers(now time.Time) (bool, string, []alert.Alert) {
	var alerts []alert.Alert
	for i, t := range c.triggers {
		d, ok := c.degradation(t.Metric, now.Add(-t.Timeframe))
		if !ok || d <= t.Threshold {
			c.breached[i] = false
			continue
		}

		reason := fmt.Sprintf("%s degraded by %.1f%% over %s (threshold %.1f%%)",
			t.Metric, d*100, t.Timeframe, t.Threshold*100)
		if !c.breached[i] {
			triggerBreachesTotal.WithLabelValues(string(t.Metric), t.Action.String()).Inc()
		}

		switch t.Action {
		case conclusion.AutoRollback:
			return true, reason, alerts
		case conclusion.PauseAndNotify:
			if !c.breached[i] {
				c.paused = true
				c.openCritical++
				a := alert.New(c.testID, alert.TriggerWarning, now, "rollout paused: %s", reason)
				a.Severity = alert.Critical
				alerts = append(alerts, a)
			}
		case conclusion.Notify:
			if !c.breached[i] {
				alerts = append(alerts, alert.New(c.testID, alert.TriggerWarning, now, "%s", reason))
			}
		}
		c.breached[i] = true
	}
	return false, "", alerts
}

// advance moves the ramp linearly towards the phase target, excluding
// paused time, and promotes the phase once target and duration are met.
func (c *Controller) advance(ctx context.Context, now time.Time) []alert.Alert {
	delta := now.Sub(c.lastTick)
	c.lastTick = now
	if c.paused || c.halted || c.state != InPhase {
		return nil
	}
	if delta > 0 {
		c.elapsed += delta
	}

	p := c.phases[c.phase]
	frac := 1.0
	if p.Duration > 0 {
		frac = math.Min(1, float64(c.elapsed)/float64(p.Duration))
	}
	share := math.Max(c.rollout, c.phaseFrom+(p.Rollout-c.phaseFrom)*frac)

	if share != c.rollout {
		if err := c.deps.Router.Route(ctx, c.testID, c.winnerID, share); err != nil {
			c.logger.Warn("routing update failed", zap.Float64("share", share), zap.Error(err))
			c.lastErr = err.Error()
			return nil
		}
		c.rollout = share
		winnerShare.WithLabelValues(c.testID).Set(share)
	}

	if c.rollout < p.Rollout || c.elapsed < p.Duration || c.openCritical > 0 {
		return nil
	}

	if c.phase == len(c.phases)-1 {
		c.state = Completed
		c.transition()
		c.logger.Info("rollout completed", zap.String("winner", c.winnerID))
		return []alert.Alert{alert.New(c.testID, alert.ImplementationCompleted, now,
			"variant %s now serves all traffic", c.winnerID)}
	}

	c.phase++
	c.phaseFrom = c.rollout
	c.elapsed = 0
	c.phaseStartedAt = now
	c.transition()
	next := c.phases[c.phase]
	c.logger.Info("rollout phase advanced", zap.Int("phase", c.phase+1), zap.Float64("target", next.Rollout))
	return []alert.Alert{alert.New(c.testID, alert.PhaseAdvanced, now,
		"entered %s: ramping %s to %.0f%%", next.Name, c.winnerID, next.Rollout*100)}
}

// Rollback restores control to full traffic and verifies it. It is
// idempotent once RolledBack and is refused after completion. A failed
// rollback halts the ramp, raises a manual-action alert, and may be
// retried.
func (c *Controller) Rollback(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "manual request"
	}
	return c.rollback(ctx, "manual", reason)
}

func (c *Controller) rollback(ctx context.Context, cause, reason string) error {
	c.mu.Lock()
	switch c.state {
	case RolledBack:
		c.mu.Unlock()
		return nil
	case Completed:
		c.mu.Unlock()
		return ErrTerminal
	}

	now := c.deps.Clock()
	err := c.restore(ctx)
	if err != nil {
		rollbacksTotal.WithLabelValues(cause, "failed").Inc()
		// automatic retries of an already halted rollout stay quiet
		notify := cause == "manual" || !c.halted
		c.halted = true
		if notify {
			c.openCritical++
		}
		c.lastErr = err.Error()
		c.persist(ctx, now)
		c.mu.Unlock()

		c.logger.Error("rollback failed", zap.String("reason", reason), zap.Error(err))
		if notify {
			c.deps.Alerts.Publish(alert.New(c.testID, alert.RollbackFailed, now,
				"rollback (%s) failed, manual intervention required: %v", reason, err))
		}
		return err
	}

	rollbacksTotal.WithLabelValues(cause, "ok").Inc()
	c.state = RolledBack
	c.rollout = 0
	c.halted = false
	c.transition()
	winnerShare.WithLabelValues(c.testID).Set(0)
	c.persist(ctx, now)
	c.mu.Unlock()
	c.stopOnce.Do(func() { close(c.stop) })

	c.logger.Warn("rolled back to control", zap.String("cause", cause), zap.String("reason", reason))
	c.deps.Alerts.Publish(alert.New(c.testID, alert.RollbackTriggered, now,
		"rolled back %s to control: %s", c.winnerID, reason))
	return nil
}

func (c *Controller) restore(ctx context.Context) error {
	if err := c.deps.Router.RestoreControl(ctx, c.testID); err != nil {
		return &RollbackFailedError{TestID: c.testID, Step: "restore control routing", Err: err}
	}
	share, err := c.deps.Router.ControlShare(ctx, c.testID)
	if err != nil {
		return &RollbackFailedError{TestID: c.testID, Step: "verify control share", Err: err}
	}
	if share < 1-1e-9 {
		return &RollbackFailedError{
			TestID: c.testID,
			Step:   "verify control share",
			Err:    fmt.Errorf("control serves %.1f%% of traffic", share*100),
		}
	}
	return nil
}

// Pause freezes the ramp. Paused time does not count towards the phase.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return ErrTerminal
	}
	c.paused = true
	c.logger.Info("rollout paused")
	return nil
}

// Resume continues a paused ramp. A halted rollout stays halted until a
// rollback succeeds.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return ErrTerminal
	}
	c.paused = false
	c.lastTick = c.deps.Clock()
	c.logger.Info("rollout resumed")
	return nil
}

// AcknowledgeAlerts clears open critical alerts so phases may advance.
func (c *Controller) AcknowledgeAlerts() {
	c.mu.Lock()
	c.openCritical = 0
	c.mu.Unlock()
}

// Status returns a snapshot of the rollout.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Controller) snapshot() Status {
	s := Status{
		TestID:             c.testID,
		WinnerID:           c.winnerID,
		State:              Label(c.state, c.phase+1),
		PhaseCount:         len(c.phases),
		Rollout:            c.rollout,
		Paused:             c.paused,
		Halted:             c.halted,
		OpenCriticalAlerts: c.openCritical,
		StartedAt:          c.startedAt,
		PhaseStartedAt:     c.phaseStartedAt,
		UpdatedAt:          c.updatedAt,
		LastError:          c.lastErr,
	}
	if c.state == InPhase {
		s.Phase = c.phase + 1
		s.PhaseID = c.phases[c.phase].ID
		s.Target = c.phases[c.phase].Rollout
	}
	if c.state == Completed {
		s.Phase = len(c.phases)
		s.Target = 1
	}
	return s
}

func (c *Controller) transition() {
	transitionsTotal.WithLabelValues(c.state.String()).Inc()
}

// persist must be called with mu held.
func (c *Controller) persist(ctx context.Context, now time.Time) {
	c.updatedAt = now
	if c.deps.Sink == nil {
		return
	}
	if err := c.deps.Sink.SaveImplementationStatus(ctx, c.snapshot()); err != nil {
		c.logger.Warn("saving implementation status failed", zap.Error(err))
	}
}

func (c *Controller) publish(alerts []alert.Alert) {
	for _, a := range alerts {
		c.deps.Alerts.Publish(a)
	}
}
