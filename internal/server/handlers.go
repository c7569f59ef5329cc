package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/headline-goat/autowinner/internal/config"
	"github.com/headline-goat/autowinner/internal/rollout"
	"github.com/headline-goat/autowinner/internal/scheduler"
	"github.com/headline-goat/autowinner/internal/stats"
	"github.com/headline-goat/autowinner/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type HealthResponse struct {
	Status           string `json:"status"`
	TestsCount       int    `json:"tests_count"`
	Implementations  int    `json:"implementations"`
	SchedulerEnabled bool   `json:"scheduler_enabled"`
	DBSizeBytes      int64  `json:"db_size_bytes"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tests, err := s.store.ListTests(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}

	// Get database size
	var dbSize int64
	row := s.store.DB().QueryRowContext(ctx, "SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()")
	if err := row.Scan(&dbSize); err != nil {
		s.logger.Debug("failed to read database size", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "ok",
		TestsCount:       len(tests),
		Implementations:  len(s.rollouts.Statuses()),
		SchedulerEnabled: s.scheduler.Config().Enabled,
		DBSizeBytes:      dbSize,
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Metrics())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, config.FromScheduler(s.scheduler.Config()))
}

// handlePatchConfig applies a partial update in percent and minutes and
// persists the result so it survives restarts.
func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var body config.Scheduler
	if !decode(w, r, &body) {
		return
	}

	patch, err := body.Patch()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "no configuration fields given")
		return
	}

	cfg, err := s.scheduler.UpdateConfig(patch)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.store.SaveSchedulerConfig(r.Context(), cfg); err != nil {
		s.logger.Warn("failed to persist scheduler config", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, config.FromScheduler(cfg))
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req scheduler.EvaluationRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TestID == "" {
		writeError(w, http.StatusBadRequest, "test_id is required")
		return
	}

	res, err := s.scheduler.Evaluate(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleForceRun(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.ForceRun(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Metrics())
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var (
		invalid   *stats.InvalidInputError
		failed    *rollout.RollbackFailedError
		already   *rollout.AlreadyImplementingError
		concluded *scheduler.AlreadyConcludedError
		tickErr   *scheduler.TickError
		badConfig validator.ValidationErrors
	)

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, scheduler.ErrBusy), errors.Is(err, rollout.ErrTerminal),
		errors.As(err, &already), errors.As(err, &concluded):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &badConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &failed), errors.As(err, &tickErr):
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decode reads a JSON body, rejecting unknown fields, and validates it.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
