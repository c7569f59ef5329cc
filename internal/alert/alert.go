// Package alert defines the alerts raised by the decision pipeline and a
// fan-out bus external layers subscribe to.
package alert

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of alert kinds.
type Type int

const (
	SignificanceReached Type = iota + 1
	ConversionDrop
	SampleSizeReached
	QualityDegraded
	EvaluationFailed
	WinnerSelected
	PhaseAdvanced
	ImplementationCompleted
	TriggerWarning
	RollbackTriggered
	RollbackFailed
)

// Types lists every alert kind.
var Types = []Type{
	SignificanceReached,
	ConversionDrop,
	SampleSizeReached,
	QualityDegraded,
	EvaluationFailed,
	WinnerSelected,
	PhaseAdvanced,
	ImplementationCompleted,
	TriggerWarning,
	RollbackTriggered,
	RollbackFailed,
}

func (t Type) String() string {
	switch t {
	case SignificanceReached:
		return "significance_reached"
	case ConversionDrop:
		return "conversion_drop"
	case SampleSizeReached:
		return "sample_size_reached"
	case QualityDegraded:
		return "quality_degraded"
	case EvaluationFailed:
		return "evaluation_failed"
	case WinnerSelected:
		return "winner_selected"
	case PhaseAdvanced:
		return "phase_advanced"
	case ImplementationCompleted:
		return "implementation_completed"
	case TriggerWarning:
		return "trigger_warning"
	case RollbackTriggered:
		return "rollback_triggered"
	case RollbackFailed:
		return "rollback_failed"
	default:
		return fmt.Sprintf("alert_type(%d)", int(t))
	}
}

// MarshalText renders the type by name.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a type name.
func (t *Type) UnmarshalText(b []byte) error {
	for _, candidate := range Types {
		if candidate.String() == string(b) {
			*t = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown alert type %q", string(b))
}

// Severity grades an alert.
type Severity int

const (
	Info Severity = iota
	Warning
	Critical
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "info":
		*s = Info
	case "warning":
		*s = Warning
	case "critical":
		*s = Critical
	default:
		return fmt.Errorf("unknown severity %q", string(b))
	}
	return nil
}

// DefaultSeverity returns the severity an alert of type t carries unless
// the raiser has more context.
func (t Type) DefaultSeverity() Severity {
	switch t {
	case SignificanceReached, SampleSizeReached, WinnerSelected, PhaseAdvanced, ImplementationCompleted:
		return Info
	case ConversionDrop, QualityDegraded, EvaluationFailed, TriggerWarning:
		return Warning
	case RollbackTriggered, RollbackFailed:
		return Critical
	default:
		panic(fmt.Sprintf("alert: unhandled type %d", int(t)))
	}
}

// Alert is a single notification about a test.
type Alert struct {
	ID        string    `json:"id"`
	TestID    string    `json:"test_id"`
	Type      Type      `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	// RequiresManualAction marks alerts that must not be auto-dismissed.
	RequiresManualAction bool `json:"requires_manual_action"`
}

// New builds an alert with the type's default severity.
func New(testID string, t Type, now time.Time, format string, args ...any) Alert {
	return Alert{
		ID:                   uuid.NewString(),
		TestID:               testID,
		Type:                 t,
		Severity:             t.DefaultSeverity(),
		Message:              fmt.Sprintf(format, args...),
		Timestamp:            now,
		RequiresManualAction: t == RollbackFailed,
	}
}

// Publisher accepts alerts.
type Publisher interface {
	Publish(Alert)
}

// Discard drops every alert.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Alert) {}
