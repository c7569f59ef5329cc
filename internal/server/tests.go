package server

import (
	"net/http"
	"time"

	"github.com/headline-goat/autowinner/internal/rollout"
	"github.com/headline-goat/autowinner/internal/stats"
	"github.com/headline-goat/autowinner/internal/store"
)

type TestSummary struct {
	Name          string          `json:"name"`
	State         store.TestState `json:"state"`
	AutoWinner    bool            `json:"auto_winner"`
	WinnerVariant string          `json:"winner_variant,omitempty"`
	Variants      []stats.Variant `json:"variants"`
	StartedAt     time.Time       `json:"started_at"`
	LastError     string          `json:"last_error,omitempty"`
}

func (s *Server) handleListTests(w http.ResponseWriter, r *http.Request) {
	tests, err := s.store.ListTests(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}

	// Return empty array instead of null
	out := make([]TestSummary, 0, len(tests))
	for _, t := range tests {
		out = append(out, TestSummary{
			Name:          t.Name,
			State:         t.State,
			AutoWinner:    t.AutoWinner,
			WinnerVariant: t.WinnerVariant,
			Variants:      t.Variants,
			StartedAt:     t.StartedAt,
			LastError:     s.scheduler.LastError(t.Name),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAnalysis analyzes the current counters without touching the
// scheduler or monitor state.
func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	cand, err := s.store.GetCandidate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}

	var opts []stats.AnalyzeOption
	if !cand.StartedAt.IsZero() {
		opts = append(opts, stats.WithRunningTime(time.Since(cand.StartedAt)))
	}
	analysis, err := s.stats.AnalyzeTest(cand.ID, cand.Variants, opts...)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleConclusion(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetConclusion(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleImplementation prefers the live controller and falls back to the
// last persisted status, e.g. after a restart.
func (s *Server) handleImplementation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if ctl, ok := s.rollouts.Get(id); ok {
		writeJSON(w, http.StatusOK, ctl.Status())
		return
	}
	st, err := s.store.GetImplementationStatus(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleImplementations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rollouts.Statuses())
}

type CountersRequest struct {
	Variant     string  `json:"variant" validate:"required"`
	Impressions int     `json:"impressions" validate:"gte=0"`
	Conversions int     `json:"conversions" validate:"gte=0,ltefield=Impressions"`
	Revenue     float64 `json:"revenue" validate:"gte=0"`
}

// handleCounters accepts an absolute counter snapshot for one variant
// from the analytics pipeline.
func (s *Server) handleCounters(w http.ResponseWriter, r *http.Request) {
	var req CountersRequest
	if !decode(w, r, &req) {
		return
	}
	err := s.store.SetCounters(r.Context(), r.PathValue("id"), req.Variant, store.Counters{
		Impressions: req.Impressions,
		Conversions: req.Conversions,
		Revenue:     req.Revenue,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type LiveMetricsRequest struct {
	ErrorRate                 float64 `json:"error_rate" validate:"gte=0,lte=1"`
	BaselineErrorRate         float64 `json:"baseline_error_rate" validate:"gte=0,lte=1"`
	ConversionRate            float64 `json:"conversion_rate" validate:"gte=0,lte=1"`
	BaselineConversionRate    float64 `json:"baseline_conversion_rate" validate:"gte=0,lte=1"`
	RevenuePerVisitor         float64 `json:"revenue_per_visitor" validate:"gte=0"`
	BaselineRevenuePerVisitor float64 `json:"baseline_revenue_per_visitor" validate:"gte=0"`
}

func (s *Server) handleLiveMetrics(w http.ResponseWriter, r *http.Request) {
	var req LiveMetricsRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.store.RecordLiveMetrics(r.Context(), r.PathValue("id"), rollout.LiveMetrics(req)); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type RollbackRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	ctl, ok := s.controller(w, r)
	if !ok {
		return
	}

	var req RollbackRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if err := ctl.Rollback(r.Context(), req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctl.Status())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	ctl, ok := s.controller(w, r)
	if !ok {
		return
	}
	if err := ctl.Pause(); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctl.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	ctl, ok := s.controller(w, r)
	if !ok {
		return
	}
	if err := ctl.Resume(); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctl.Status())
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	ctl, ok := s.controller(w, r)
	if !ok {
		return
	}
	ctl.AcknowledgeAlerts()
	writeJSON(w, http.StatusOK, ctl.Status())
}

// handleReset drops a test's conclusion so it runs and may be concluded
// again. Live rollouts must be rolled back first.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.rollouts.Active(id) {
		writeError(w, http.StatusConflict, "implementation in progress, roll it back first")
		return
	}
	if err := s.store.DeleteConclusion(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	s.scheduler.ResetConclusion(id)

	t, err := s.store.GetTest(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TestSummary{
		Name:       t.Name,
		State:      t.State,
		AutoWinner: t.AutoWinner,
		Variants:   t.Variants,
		StartedAt:  t.StartedAt,
	})
}

func (s *Server) controller(w http.ResponseWriter, r *http.Request) (*rollout.Controller, bool) {
	ctl, ok := s.rollouts.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no implementation for test")
		return nil, false
	}
	return ctl, true
}
