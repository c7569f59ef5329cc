// Package scheduler periodically evaluates every auto-winner eligible
// test, concluding the ones that are ready and handing their winners to
// the rollout manager.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/headline-goat/autowinner/internal/alert"
	"github.com/headline-goat/autowinner/internal/conclusion"
	"github.com/headline-goat/autowinner/internal/monitor"
	"github.com/headline-goat/autowinner/internal/stats"
)

// ErrBusy is returned by a non-forced Evaluate while the test is locked.
var ErrBusy = errors.New("evaluation already in progress")

// Candidate is a running test with its current counters.
type Candidate struct {
	ID        string
	Variants  []stats.Variant
	StartedAt time.Time
	Context   conclusion.Context
	// Criteria overrides the scheduler default when set.
	Criteria *conclusion.Criteria
	// Concluded is set for tests whose stored state already carries a
	// conclusion. They are analyzed but never concluded again.
	Concluded bool
}

// Catalog enumerates tests the scheduler may evaluate.
type Catalog interface {
	ListEligibleTests(ctx context.Context) ([]Candidate, error)
	GetCandidate(ctx context.Context, testID string) (Candidate, error)
}

// ConclusionSink persists conclusions.
type ConclusionSink interface {
	SaveConclusion(ctx context.Context, c *conclusion.TestConclusion) error
}

// Implementer rolls out a concluded test's winner.
type Implementer interface {
	StartImplementation(ctx context.Context, c *conclusion.TestConclusion) error
}

// Deps are the scheduler's collaborators. Catalog, Stats and Conclusions
// are required.
type Deps struct {
	Catalog     Catalog
	Stats       *stats.Engine
	Monitor     *monitor.Monitor
	Conclusions *conclusion.Engine
	Sink        ConclusionSink
	Implementer Implementer
	Alerts      alert.Publisher
	Logger      *zap.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// EvaluationRequest is a manual request to evaluate one test. Forced
// requests wait for an in-flight evaluation instead of failing with
// ErrBusy.
type EvaluationRequest struct {
	TestID          string `json:"test_id"`
	ForceEvaluation bool   `json:"force_evaluation"`
}

// EvaluationResult is what one evaluation produced.
type EvaluationResult struct {
	TestID     string                     `json:"test_id"`
	Analysis   *stats.TestAnalysis        `json:"analysis"`
	Conclusion *conclusion.TestConclusion `json:"conclusion,omitempty"`
	Alerts     []alert.Alert              `json:"alerts,omitempty"`
}

// Scheduler is the automatic winner scheduler.
type Scheduler struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	locks    keyedLock
	recorder *recorder

	concludedMu sync.Mutex
	concluded   map[string]bool

	lifeMu   sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	inflight sync.WaitGroup
}

// New creates a stopped scheduler.
func New(deps Deps, cfg Config, opts ...Option) (*Scheduler, error) {
	if deps.Catalog == nil || deps.Stats == nil || deps.Conclusions == nil {
		return nil, errors.New("scheduler: catalog, stats engine and conclusion engine are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Monitor == nil {
		deps.Monitor = monitor.New(deps.Stats, monitor.DefaultConfig())
	}
	if deps.Alerts == nil {
		deps.Alerts = alert.Discard
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Scheduler{
		deps:      deps,
		logger:    deps.Logger.Named("scheduler"),
		now:       time.Now,
		cfg:       cfg,
		locks:     keyedLock{m: make(map[string]*semaphore.Weighted)},
		concluded: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.recorder = newRecorder(s.now)
	return s, nil
}

// Config returns a copy of the live configuration.
func (s *Scheduler) Config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// UpdateConfig merges and validates a patch. It takes effect on the next
// tick.
func (s *Scheduler) UpdateConfig(p ConfigPatch) (Config, error) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	next := p.Apply(s.cfg)
	if err := next.Validate(); err != nil {
		return s.cfg, err
	}
	s.cfg = next
	s.logger.Info("config updated",
		zap.Bool("enabled", next.Enabled),
		zap.Duration("check_interval", next.CheckInterval),
		zap.Int("max_concurrent", next.MaxConcurrentEvaluations),
		zap.Float64("minimum_confidence", next.DefaultCriteria.MinimumConfidence),
		zap.Float64("minimum_improvement", next.DefaultCriteria.MinimumImprovement),
		zap.String("risk_tolerance", string(next.DefaultCriteria.RiskTolerance)),
	)
	return next, nil
}

// Metrics returns a snapshot of the counters.
func (s *Scheduler) Metrics() Metrics {
	return s.recorder.snapshot()
}

// LastError returns the last evaluation error recorded for a test.
func (s *Scheduler) LastError(testID string) string {
	return s.recorder.lastError(testID)
}

// ResetConclusion allows testID to be concluded again.
func (s *Scheduler) ResetConclusion(testID string) {
	s.concludedMu.Lock()
	delete(s.concluded, testID)
	s.concludedMu.Unlock()
	s.deps.Monitor.Forget(testID)
}

// Start launches the periodic loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)

	s.logger.Info("scheduler started", zap.Duration("check_interval", s.Config().CheckInterval))
	return nil
}

// Stop ends the loop and waits for every evaluation it started,
// including ones abandoned by the watchdog.
func (s *Scheduler) Stop() {
	s.lifeMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.inflight.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	failures := 0
	timer := time.NewTimer(s.Config().CheckInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		cfg := s.Config()
		delay := cfg.CheckInterval
		if cfg.Enabled {
			var tickErr *TickError
			err := s.runPass(ctx, false, failures+1)
			switch {
			case errors.As(err, &tickErr):
				failures++
				delay = backoff(cfg.CheckInterval, failures)
				s.logger.Warn("tick failed", zap.Error(err), zap.Duration("retry_in", delay))
			case err != nil:
				s.logger.Warn("tick interrupted", zap.Error(err))
			default:
				failures = 0
			}
		}
		timer.Reset(delay)
	}
}

// backoff doubles the delay per consecutive failure up to five intervals.
func backoff(interval time.Duration, failures int) time.Duration {
	limit := 5 * interval
	d := interval
	for i := 0; i < failures && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

// ForceRun runs one pass now regardless of Enabled, waiting for tests
// whose evaluation is in flight.
func (s *Scheduler) ForceRun(ctx context.Context) error {
	return s.runPass(ctx, true, 1)
}

// Evaluate evaluates a single test on request.
func (s *Scheduler) Evaluate(ctx context.Context, req EvaluationRequest) (*EvaluationResult, error) {
	if req.TestID == "" {
		return nil, errors.New("test id is required")
	}

	lock := s.locks.get(req.TestID)
	if req.ForceEvaluation {
		if err := lock.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	} else if !lock.TryAcquire(1) {
		return nil, ErrBusy
	}
	defer lock.Release(1)

	cand, err := s.deps.Catalog.GetCandidate(ctx, req.TestID)
	if err != nil {
		return nil, fmt.Errorf("loading test %q: %w", req.TestID, err)
	}

	start := time.Now()
	res, err := s.evaluate(ctx, cand, s.Config())
	s.recorder.evaluation(outcome{
		testID:  cand.ID,
		err:     err,
		winner:  res != nil && res.Conclusion != nil,
		elapsed: time.Since(start),
	})
	s.recorder.ran()
	return res, err
}

func (s *Scheduler) runPass(ctx context.Context, block bool, attempt int) error {
	cands, err := s.deps.Catalog.ListEligibleTests(ctx)
	if err != nil {
		s.recorder.tickFailed()
		return &TickError{Attempt: attempt, Err: err}
	}

	cfg := s.Config()
	var g errgroup.Group
	g.SetLimit(cfg.MaxConcurrentEvaluations)

	var (
		mu          sync.Mutex
		interrupted error
	)
	for _, cand := range cands {
		lock := s.locks.get(cand.ID)
		if block {
			// Waiting for a locked test holds one pool slot; the others
			// keep dispatching.
			g.Go(func() error {
				if err := lock.Acquire(ctx, 1); err != nil {
					mu.Lock()
					if interrupted == nil {
						interrupted = err
					}
					mu.Unlock()
					return nil
				}
				s.guarded(ctx, cand, cfg, lock)
				return nil
			})
			continue
		}

		if !lock.TryAcquire(1) {
			s.logger.Debug("test still locked, skipping", zap.String("test_id", cand.ID))
			s.recorder.skipped(cand.ID)
			continue
		}
		g.Go(func() error {
			s.guarded(ctx, cand, cfg, lock)
			return nil
		})
	}
	_ = g.Wait()
	s.recorder.ran()
	return interrupted
}

// guarded runs one evaluation under the watchdog. On timeout the pool
// slot is released while the test lock stays held until the evaluation
// returns.
func (s *Scheduler) guarded(ctx context.Context, cand Candidate, cfg Config, lock *semaphore.Weighted) {
	inflightEvaluations.Inc()
	defer inflightEvaluations.Dec()

	type result struct {
		res *EvaluationResult
		err error
	}
	finished := make(chan result, 1)
	start := time.Now()

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer lock.Release(1)
		res, err := s.evaluate(ctx, cand, cfg)
		finished <- result{res, err}
	}()

	watchdog := time.NewTimer(2 * cfg.CheckInterval)
	defer watchdog.Stop()

	select {
	case r := <-finished:
		if r.err != nil {
			s.logger.Warn("evaluation failed", zap.String("test_id", cand.ID), zap.Error(r.err))
		}
		s.recorder.evaluation(outcome{
			testID:  cand.ID,
			err:     r.err,
			winner:  r.res != nil && r.res.Conclusion != nil,
			elapsed: time.Since(start),
		})
	case <-watchdog.C:
		err := fmt.Errorf("evaluation exceeded %s", 2*cfg.CheckInterval)
		s.logger.Error("evaluation abandoned by watchdog", zap.String("test_id", cand.ID), zap.Error(err))
		s.recorder.evaluation(outcome{testID: cand.ID, err: err, timedOut: true})
		s.deps.Alerts.Publish(alert.New(cand.ID, alert.EvaluationFailed, s.now(), "%v", err))
	}
}

func (s *Scheduler) evaluate(ctx context.Context, cand Candidate, cfg Config) (*EvaluationResult, error) {
	now := s.now()
	var running time.Duration
	if !cand.StartedAt.IsZero() && now.After(cand.StartedAt) {
		running = now.Sub(cand.StartedAt)
	}

	analysis, err := s.deps.Stats.AnalyzeTest(cand.ID, cand.Variants, stats.WithRunningTime(running))
	if err != nil {
		s.deps.Alerts.Publish(alert.New(cand.ID, alert.EvaluationFailed, now, "analysis failed: %v", err))
		return nil, fmt.Errorf("analyzing %q: %w", cand.ID, err)
	}

	res := &EvaluationResult{TestID: cand.ID, Analysis: analysis}
	res.Alerts = s.deps.Monitor.Observe(cand.ID, analysis)
	for _, a := range res.Alerts {
		s.deps.Alerts.Publish(a)
	}

	if cand.Concluded || s.isConcluded(cand.ID) {
		return res, nil
	}

	criteria := cfg.DefaultCriteria
	if cand.Criteria != nil {
		criteria = *cand.Criteria
	}
	tc := cand.Context
	if tc.RunningTime == 0 {
		tc.RunningTime = running
	}

	c, err := s.deps.Conclusions.EvaluateTestConclusion(cand.ID, cand.Variants, criteria, tc)
	if err != nil {
		return res, fmt.Errorf("concluding %q: %w", cand.ID, err)
	}
	if c == nil {
		return res, nil
	}
	if !s.markConcluded(cand.ID) {
		return res, nil
	}

	if s.deps.Sink != nil {
		if err := s.deps.Sink.SaveConclusion(ctx, c); err != nil {
			var done *AlreadyConcludedError
			if errors.As(err, &done) {
				s.logger.Info("test already concluded", zap.String("test_id", cand.ID), zap.String("state", done.State))
				return res, nil
			}
			s.unmarkConcluded(cand.ID)
			return res, fmt.Errorf("saving conclusion for %q: %w", cand.ID, err)
		}
	}
	res.Conclusion = c

	s.logger.Info("winner selected",
		zap.String("test_id", cand.ID),
		zap.String("winner", c.SelectedWinner.Variant.VariantID),
		zap.Float64("improvement", c.SelectedWinner.ExpectedImprovement),
		zap.Float64("confidence", c.Confidence),
		zap.String("strategy", string(c.ImplementationPlan.Strategy)),
	)
	s.deps.Alerts.Publish(alert.New(cand.ID, alert.WinnerSelected, now,
		"variant %s selected with %.1f%% improvement at %.1f%% confidence",
		c.SelectedWinner.Variant.VariantID, c.SelectedWinner.ExpectedImprovement*100, c.Confidence*100))

	if s.deps.Implementer != nil {
		if err := s.deps.Implementer.StartImplementation(ctx, c); err != nil {
			return res, fmt.Errorf("starting implementation of %q: %w", cand.ID, err)
		}
	}
	return res, nil
}

func (s *Scheduler) isConcluded(testID string) bool {
	s.concludedMu.Lock()
	defer s.concludedMu.Unlock()
	return s.concluded[testID]
}

func (s *Scheduler) markConcluded(testID string) bool {
	s.concludedMu.Lock()
	defer s.concludedMu.Unlock()
	if s.concluded[testID] {
		return false
	}
	s.concluded[testID] = true
	return true
}

func (s *Scheduler) unmarkConcluded(testID string) {
	s.concludedMu.Lock()
	delete(s.concluded, testID)
	s.concludedMu.Unlock()
}

// keyedLock hands out one weight-1 semaphore per test.
type keyedLock struct {
	mu sync.Mutex
	m  map[string]*semaphore.Weighted
}

func (k *keyedLock) get(key string) *semaphore.Weighted {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.m[key]
	if !ok {
		l = semaphore.NewWeighted(1)
		k.m[key] = l
	}
	return l
}
