package store

import (
	"context"

	"github.com/headline-goat/autowinner/internal/alert"
	"github.com/headline-goat/autowinner/internal/conclusion"
	"github.com/headline-goat/autowinner/internal/rollout"
	"github.com/headline-goat/autowinner/internal/scheduler"
)

// Store defines the interface for test storage operations
type Store interface {
	// Test operations
	CreateTest(ctx context.Context, nt NewTest) (*Test, error)
	GetTest(ctx context.Context, name string) (*Test, error)
	ListTests(ctx context.Context) ([]*Test, error)
	UpdateTestState(ctx context.Context, name string, state TestState) error
	DeleteTest(ctx context.Context, name string) error

	// Counter operations
	SetCounters(ctx context.Context, testName, variantID string, c Counters) error

	// Scheduler read model
	scheduler.Catalog
	scheduler.ConclusionSink
	GetConclusion(ctx context.Context, testName string) (*conclusion.TestConclusion, error)
	DeleteConclusion(ctx context.Context, testName string) error

	// Rollout
	rollout.TrafficRouter
	rollout.MetricsSampler
	rollout.StatusSink
	GetImplementationStatus(ctx context.Context, testName string) (*rollout.Status, error)
	RecordLiveMetrics(ctx context.Context, testName string, m rollout.LiveMetrics) error

	// Alerts
	SaveAlert(ctx context.Context, a alert.Alert) error
	ListAlerts(ctx context.Context, testName string, limit int) ([]alert.Alert, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	LoadSchedulerConfig(ctx context.Context) (scheduler.Config, error)
	SaveSchedulerConfig(ctx context.Context, cfg scheduler.Config) error

	// Lifecycle
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
