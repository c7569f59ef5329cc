package store

import (
	"time"

	"github.com/headline-goat/autowinner/internal/stats"
)

type TestState string

const (
	StateRunning   TestState = "running"
	StatePaused    TestState = "paused"
	StateConcluded TestState = "concluded"
	StateCompleted TestState = "completed"
)

// Valid reports whether s is a known state.
func (s TestState) Valid() bool {
	switch s {
	case StateRunning, StatePaused, StateConcluded, StateCompleted:
		return true
	}
	return false
}

type Test struct {
	ID                  int64
	Name                string
	ConversionGoal      string // Optional description of what conversion means
	State               TestState
	AutoWinner          bool   // Evaluated by the scheduler while running
	WinnerVariant       string // Set once concluded
	Tags                []string
	Priority            string
	AddressableAudience int
	HourlyTraffic       float64
	Dependencies        int
	Variants            []stats.Variant // Counters, control first
	StartedAt           time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewTest describes a test to create. The first variant is the control.
type NewTest struct {
	Name                string
	Variants            []string
	Weights             []float64 // Optional, equal split when empty
	ConversionGoal      string
	AutoWinner          bool
	Tags                []string
	Priority            string
	AddressableAudience int
	HourlyTraffic       float64
	Dependencies        int
}

// Counters is an absolute snapshot of a variant's counters pushed by the
// analytics collaborator.
type Counters struct {
	Impressions int
	Conversions int
	Revenue     float64
}
