package conclusion

import (
	"fmt"
	"time"

	"github.com/headline-goat/autowinner/internal/stats"
)

// RiskTolerance expresses how much rollout risk the operator accepts.
type RiskTolerance string

const (
	Conservative RiskTolerance = "conservative"
	Moderate     RiskTolerance = "moderate"
	Aggressive   RiskTolerance = "aggressive"
)

// Valid reports whether t is a known tolerance.
func (t RiskTolerance) Valid() bool {
	switch t {
	case Conservative, Moderate, Aggressive:
		return true
	}
	return false
}

// Criteria decide whether an analysis is good enough to conclude a test.
type Criteria struct {
	MinimumConfidence  float64       `json:"minimum_confidence" validate:"gt=0,lt=1"`
	MinimumImprovement float64       `json:"minimum_improvement" validate:"gte=0"`
	RiskTolerance      RiskTolerance `json:"risk_tolerance" validate:"oneof=conservative moderate aggressive"`
}

// Strategy is how a winner is rolled out.
type Strategy string

const (
	Immediate Strategy = "immediate"
	Gradual   Strategy = "gradual"
	Staged    Strategy = "staged"
	Delayed   Strategy = "delayed"
)

// TriggerMetric is a live metric a rollback trigger watches.
type TriggerMetric string

const (
	MetricErrorRate         TriggerMetric = "error_rate"
	MetricConversionRate    TriggerMetric = "conversion_rate"
	MetricRevenuePerVisitor TriggerMetric = "revenue_per_visitor"
)

// TriggerAction is what happens when a trigger is breached.
type TriggerAction int

const (
	AutoRollback TriggerAction = iota + 1
	PauseAndNotify
	Notify
)

func (a TriggerAction) String() string {
	switch a {
	case AutoRollback:
		return "auto_rollback"
	case PauseAndNotify:
		return "pause_and_notify"
	case Notify:
		return "notify"
	default:
		return fmt.Sprintf("trigger_action(%d)", int(a))
	}
}

// MarshalText renders the action by name.
func (a TriggerAction) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses an action name.
func (a *TriggerAction) UnmarshalText(b []byte) error {
	for _, candidate := range []TriggerAction{AutoRollback, PauseAndNotify, Notify} {
		if candidate.String() == string(b) {
			*a = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown trigger action %q", string(b))
}

// RollbackTrigger reverts or pauses a rollout when Metric degrades by
// more than Threshold over Timeframe. Error rate thresholds are absolute
// increases; the others are relative drops.
type RollbackTrigger struct {
	Metric    TriggerMetric `json:"metric"`
	Threshold float64       `json:"threshold"`
	Timeframe time.Duration `json:"timeframe"`
	Action    TriggerAction `json:"action"`
}

// ProcedureStep is one owned, time-boxed remediation step.
type ProcedureStep struct {
	Order         int           `json:"order"`
	Action        string        `json:"action"`
	Owner         string        `json:"owner"`
	EstimatedTime time.Duration `json:"estimated_time"`
	Automated     bool          `json:"automated"`
}

// RollbackPlan is how a rollout is reverted.
type RollbackPlan struct {
	Triggers       []RollbackTrigger `json:"triggers"`
	Procedure      []ProcedureStep   `json:"procedure"`
	TimeToRollback time.Duration     `json:"time_to_rollback"`
}

// ImplementationPhase exposes Rollout (0-1) of traffic to the winner for
// at least Duration.
type ImplementationPhase struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Rollout     float64       `json:"rollout"`
	Duration    time.Duration `json:"duration"`
	Description string        `json:"description"`
}

// ImplementationPlan orders the rollout phases.
type ImplementationPlan struct {
	Strategy Strategy              `json:"strategy"`
	Phases   []ImplementationPhase `json:"phases"`
}

// RiskFactor is one weighted component of the risk score.
type RiskFactor struct {
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description"`
}

// RiskAssessment aggregates rollout risk on a 0-100 scale.
type RiskAssessment struct {
	OverallRiskScore    float64      `json:"overall_risk_score"`
	RiskFactors         []RiskFactor `json:"risk_factors"`
	RecommendedApproach Strategy     `json:"recommended_approach"`
}

// BusinessImpact projects what shipping the winner is worth.
type BusinessImpact struct {
	RevenueImpact      float64        `json:"revenue_impact"`
	RevenueImpactRange stats.Interval `json:"revenue_impact_range"`
	AudienceReach      int            `json:"audience_reach"`
	StrategicAlignment float64        `json:"strategic_alignment"`
}

// SelectedWinner is the variant chosen to ship.
type SelectedWinner struct {
	Variant                stats.VariantResult `json:"variant"`
	SelectionReason        string              `json:"selection_reason"`
	ExpectedImprovement    float64             `json:"expected_improvement"`
	ImplementationStrategy Strategy            `json:"implementation_strategy"`
}

// TestConclusion is the decision taken for a test.
type TestConclusion struct {
	TestID             string             `json:"test_id"`
	SelectedWinner     SelectedWinner     `json:"selected_winner"`
	Confidence         float64            `json:"confidence"`
	ConclusionReason   string             `json:"conclusion_reason"`
	BusinessImpact     BusinessImpact     `json:"business_impact"`
	RiskAssessment     RiskAssessment     `json:"risk_assessment"`
	ImplementationPlan ImplementationPlan `json:"implementation_plan"`
	RollbackPlan       RollbackPlan       `json:"rollback_plan"`
	Warnings           []string           `json:"warnings,omitempty"`
}

// Context is business information about a test that the statistics do
// not carry. Every field is optional.
type Context struct {
	Tags                []string
	Priority            string
	AddressableAudience int
	HourlyTraffic       float64
	ConcurrentTests     int
	Dependencies        int
	RunningTime         time.Duration
}

// MissingContextError notes a context value that was absent and replaced
// by a default. It never aborts an evaluation.
type MissingContextError struct {
	TestID string
	Field  string
	Used   string
}

func (e *MissingContextError) Error() string {
	return fmt.Sprintf("test %q: missing %s, using %s", e.TestID, e.Field, e.Used)
}
