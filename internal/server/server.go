package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/headline-goat/autowinner/internal/alert"
	"github.com/headline-goat/autowinner/internal/rollout"
	"github.com/headline-goat/autowinner/internal/scheduler"
	"github.com/headline-goat/autowinner/internal/stats"
	"github.com/headline-goat/autowinner/internal/store"
)

// Deps are the components the HTTP API exposes.
type Deps struct {
	Store     *store.SQLiteStore
	Scheduler *scheduler.Scheduler
	Stats     *stats.Engine
	Rollouts  *rollout.Manager
	Alerts    *alert.Bus
	Logger    *zap.Logger
}

type Server struct {
	store     *store.SQLiteStore
	scheduler *scheduler.Scheduler
	stats     *stats.Engine
	rollouts  *rollout.Manager
	alerts    *alert.Bus
	logger    *zap.Logger

	port      int
	token     string
	tokenFile string
	router    *http.ServeMux
	startTime time.Time
}

func New(deps Deps, port int, tokenFile string) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{
		store:     deps.Store,
		scheduler: deps.Scheduler,
		stats:     deps.Stats,
		rollouts:  deps.Rollouts,
		alerts:    deps.Alerts,
		logger:    logger,
		port:      port,
		token:     generateToken(),
		tokenFile: tokenFile,
		router:    http.NewServeMux(),
		startTime: time.Now(),
	}

	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	// Public endpoints
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.Handle("GET /metrics", promhttp.Handler())
	s.router.HandleFunc("GET /api/metrics", s.handleMetrics)
	s.router.HandleFunc("GET /api/config", s.handleGetConfig)
	s.router.HandleFunc("GET /api/tests", s.handleListTests)
	s.router.HandleFunc("GET /api/tests/{id}/analysis", s.handleAnalysis)
	s.router.HandleFunc("GET /api/tests/{id}/conclusion", s.handleConclusion)
	s.router.HandleFunc("GET /api/tests/{id}/implementation", s.handleImplementation)
	s.router.HandleFunc("GET /api/implementations", s.handleImplementations)
	s.router.HandleFunc("GET /api/alerts", s.handleAlertStream)
	s.router.HandleFunc("GET /api/alerts/history", s.handleAlertHistory)

	// Mutating endpoints (protected)
	s.router.Handle("PATCH /api/config", s.authMiddleware(http.HandlerFunc(s.handlePatchConfig)))
	s.router.Handle("POST /api/evaluate", s.authMiddleware(http.HandlerFunc(s.handleEvaluate)))
	s.router.Handle("POST /api/run", s.authMiddleware(http.HandlerFunc(s.handleForceRun)))
	s.router.Handle("POST /api/tests/{id}/counters", s.authMiddleware(http.HandlerFunc(s.handleCounters)))
	s.router.Handle("POST /api/tests/{id}/live-metrics", s.authMiddleware(http.HandlerFunc(s.handleLiveMetrics)))
	s.router.Handle("POST /api/tests/{id}/rollback", s.authMiddleware(http.HandlerFunc(s.handleRollback)))
	s.router.Handle("POST /api/tests/{id}/pause", s.authMiddleware(http.HandlerFunc(s.handlePause)))
	s.router.Handle("POST /api/tests/{id}/resume", s.authMiddleware(http.HandlerFunc(s.handleResume)))
	s.router.Handle("POST /api/tests/{id}/acknowledge", s.authMiddleware(http.HandlerFunc(s.handleAcknowledge)))
	s.router.Handle("POST /api/tests/{id}/reset", s.authMiddleware(http.HandlerFunc(s.handleReset)))
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Write token to file for the CLI
	if s.tokenFile != "" {
		if err := os.WriteFile(s.tokenFile, []byte(s.token), 0600); err != nil {
			s.logger.Warn("failed to write token file", zap.String("path", s.tokenFile), zap.Error(err))
		}
	}

	// Request contexts derive from ctx so alert streams end with the server
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	s.logger.Info("autowinner listening", zap.Int("port", s.port))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func generateToken() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a simple token if crypto/rand fails
		return "a1b2c3d4"
	}
	return hex.EncodeToString(bytes)
}
