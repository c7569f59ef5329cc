package rollout

import (
	"context"
	"fmt"
	"time"
)

// State is the coarse position of a rollout.
type State int

const (
	Pending State = iota
	InPhase
	Completed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InPhase:
		return "in_phase"
	case Completed:
		return "completed"
	case RolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Completed || s == RolledBack
}

// Status is the read model of one implementation.
type Status struct {
	TestID             string    `json:"test_id"`
	WinnerID           string    `json:"winner_id"`
	State              string    `json:"state"`
	Phase              int       `json:"phase"`
	PhaseCount         int       `json:"phase_count"`
	PhaseID            string    `json:"phase_id,omitempty"`
	Rollout            float64   `json:"rollout"`
	Target             float64   `json:"target"`
	Paused             bool      `json:"paused"`
	Halted             bool      `json:"halted"`
	OpenCriticalAlerts int       `json:"open_critical_alerts"`
	StartedAt          time.Time `json:"started_at"`
	PhaseStartedAt     time.Time `json:"phase_started_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	LastError          string    `json:"last_error,omitempty"`
}

// Label renders a state with its phase, e.g. "phase_2".
func Label(s State, phase int) string {
	if s == InPhase {
		return fmt.Sprintf("phase_%d", phase)
	}
	return s.String()
}

// LiveMetrics is one sample of production health for the winner and the
// baseline it replaced.
type LiveMetrics struct {
	ErrorRate                 float64 `json:"error_rate"`
	BaselineErrorRate         float64 `json:"baseline_error_rate"`
	ConversionRate            float64 `json:"conversion_rate"`
	BaselineConversionRate    float64 `json:"baseline_conversion_rate"`
	RevenuePerVisitor         float64 `json:"revenue_per_visitor"`
	BaselineRevenuePerVisitor float64 `json:"baseline_revenue_per_visitor"`
}

// TrafficRouter moves traffic between control and the winner.
type TrafficRouter interface {
	Route(ctx context.Context, testID, winnerID string, share float64) error
	RestoreControl(ctx context.Context, testID string) error
	ControlShare(ctx context.Context, testID string) (float64, error)
}

// MetricsSampler reads live metrics for a test under rollout.
type MetricsSampler interface {
	Sample(ctx context.Context, testID string) (LiveMetrics, error)
}

// StatusSink persists implementation status.
type StatusSink interface {
	SaveImplementationStatus(ctx context.Context, s Status) error
}
