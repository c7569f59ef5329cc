package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/headline-goat/autowinner/internal/alert"
	"github.com/headline-goat/autowinner/internal/conclusion"
	"github.com/headline-goat/autowinner/internal/config"
	"github.com/headline-goat/autowinner/internal/monitor"
	"github.com/headline-goat/autowinner/internal/rollout"
	"github.com/headline-goat/autowinner/internal/scheduler"
	"github.com/headline-goat/autowinner/internal/server"
	"github.com/headline-goat/autowinner/internal/stats"
	"github.com/headline-goat/autowinner/internal/store"
)

var (
	port       int
	configPath string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler, rollout controllers and HTTP API",
	Long: `Start the autowinner server.

The server:
  - Evaluates running auto-winner tests on a schedule
  - Rolls concluded winners out in phases, rolling back on regressions
  - Serves the HTTP API, alert stream and Prometheus metrics

Example:
  autowinner serve --port 8080 --config autowinner.yaml`,
	RunE: runServe,
}

func init() {
	defaultPort := 8080
	if p := os.Getenv("AW_PORT"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			defaultPort = parsed
		}
	}

	serveCmd.Flags().IntVarP(&port, "port", "p", defaultPort, "port to listen on")
	serveCmd.Flags().StringVarP(&configPath, "config", "c", getEnvOrDefault("AW_CONFIG", ""), "settings file, reloaded on change")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	file := &config.File{}
	if configPath != "" {
		if file, err = config.Load(configPath); err != nil {
			return err
		}
	}

	se := stats.NewEngine(file.Engine.ApplyStats(stats.DefaultConfig()))
	bus := alert.NewBus(logger.Named("alerts"), s.AlertSink(logger))

	rollouts := rollout.NewManager(file.Rollout.ApplyRollout(rollout.DefaultConfig()), rollout.Deps{
		Router:  s,
		Sampler: s,
		Sink:    s,
		Alerts:  bus,
		Logger:  logger.Named("rollout"),
	})
	defer rollouts.Close()

	schedCfg, err := initialSchedulerConfig(ctx, s, file)
	if err != nil {
		return err
	}
	sched, err := scheduler.New(scheduler.Deps{
		Catalog:     s,
		Stats:       se,
		Monitor:     monitor.New(se, file.Monitor.ApplyMonitor(monitor.DefaultConfig())),
		Conclusions: conclusion.NewEngine(se, conclusion.DefaultConfig(), logger.Named("conclusion")),
		Sink:        s,
		Implementer: rollouts,
		Alerts:      bus,
		Logger:      logger.Named("scheduler"),
	}, schedCfg)
	if err != nil {
		return err
	}

	resumeImplementations(ctx, s, rollouts)

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	if configPath != "" {
		w, err := config.NewWatcher(configPath, func(f *config.File) error {
			return applySchedulerFile(ctx, s, sched, f)
		}, logger.Named("config"))
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Close()
	}

	url := fmt.Sprintf("http://localhost:%d", port)
	if _, err := s.GetSetting(ctx, "server_url"); errors.Is(err, store.ErrNotFound) {
		if err := s.SetSetting(ctx, "server_url", url); err != nil {
			logger.Warn("failed to store server url", zap.Error(err))
		}
	}

	srv := server.New(server.Deps{
		Store:     s,
		Scheduler: sched,
		Stats:     se,
		Rollouts:  rollouts,
		Alerts:    bus,
		Logger:    logger.Named("http"),
	}, port, getTokenFilePath())

	fmt.Println()
	fmt.Printf("autowinner running on %s\n", url)
	fmt.Printf("Alerts: %s/api/alerts\n", url)
	fmt.Println("API token: run 'autowinner token'")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")

	return srv.ListenAndServe(ctx)
}

// initialSchedulerConfig starts from the persisted configuration, or the
// defaults, and overlays the settings file.
func initialSchedulerConfig(ctx context.Context, s *store.SQLiteStore, file *config.File) (scheduler.Config, error) {
	cfg, err := s.LoadSchedulerConfig(ctx)
	if errors.Is(err, store.ErrNotFound) {
		cfg = scheduler.DefaultConfig()
	} else if err != nil {
		return cfg, err
	}

	patch, err := file.Scheduler.Patch()
	if err != nil {
		return cfg, err
	}
	cfg = patch.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applySchedulerFile(ctx context.Context, s *store.SQLiteStore, sched *scheduler.Scheduler, f *config.File) error {
	patch, err := f.Scheduler.Patch()
	if err != nil {
		return err
	}
	if patch.Empty() {
		return nil
	}
	cfg, err := sched.UpdateConfig(patch)
	if err != nil {
		return err
	}
	return s.SaveSchedulerConfig(ctx, cfg)
}

// resumeImplementations restarts rollouts that were in flight when the
// server last stopped. They restart from the first phase.
func resumeImplementations(ctx context.Context, s *store.SQLiteStore, rollouts *rollout.Manager) {
	tests, err := s.ListTests(ctx)
	if err != nil {
		logger.Warn("failed to list tests for resume", zap.Error(err))
		return
	}
	for _, t := range tests {
		if t.State != store.StateConcluded {
			continue
		}
		st, err := s.GetImplementationStatus(ctx, t.Name)
		if err == nil && (st.State == rollout.Completed.String() || st.State == rollout.RolledBack.String()) {
			continue
		}
		c, err := s.GetConclusion(ctx, t.Name)
		if err != nil {
			logger.Warn("concluded test has no conclusion", zap.String("test_id", t.Name), zap.Error(err))
			continue
		}
		if err := rollouts.StartImplementation(ctx, c); err != nil {
			logger.Warn("failed to resume implementation", zap.String("test_id", t.Name), zap.Error(err))
			continue
		}
		logger.Info("resumed implementation from the first phase", zap.String("test_id", t.Name))
	}
}
