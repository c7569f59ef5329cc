package scheduler

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/headline-goat/autowinner/internal/conclusion"
)

// validate checks live scheduler configuration.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
}

// Config is the live scheduler configuration. Ratios are 0-1.
type Config struct {
	Enabled                  bool                `json:"enabled"`
	CheckInterval            time.Duration       `json:"check_interval" validate:"gt=0"`
	MaxConcurrentEvaluations int                 `json:"max_concurrent_evaluations" validate:"min=1,max=256"`
	DefaultCriteria          conclusion.Criteria `json:"default_criteria"`
}

// DefaultConfig returns the configuration a fresh install starts with.
func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		CheckInterval:            15 * time.Minute,
		MaxConcurrentEvaluations: 4,
		DefaultCriteria: conclusion.Criteria{
			MinimumConfidence:  0.95,
			MinimumImprovement: 0.02,
			RiskTolerance:      conclusion.Moderate,
		},
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid scheduler config: %w", err)
	}
	return nil
}

// ConfigPatch is a partial update. Nil fields are left unchanged.
type ConfigPatch struct {
	Enabled                  *bool
	CheckInterval            *time.Duration
	MaxConcurrentEvaluations *int
	MinimumConfidence        *float64
	MinimumImprovement       *float64
	RiskTolerance            *conclusion.RiskTolerance
}

// Apply returns c with the patch merged in.
func (p ConfigPatch) Apply(c Config) Config {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.CheckInterval != nil {
		c.CheckInterval = *p.CheckInterval
	}
	if p.MaxConcurrentEvaluations != nil {
		c.MaxConcurrentEvaluations = *p.MaxConcurrentEvaluations
	}
	if p.MinimumConfidence != nil {
		c.DefaultCriteria.MinimumConfidence = *p.MinimumConfidence
	}
	if p.MinimumImprovement != nil {
		c.DefaultCriteria.MinimumImprovement = *p.MinimumImprovement
	}
	if p.RiskTolerance != nil {
		c.DefaultCriteria.RiskTolerance = *p.RiskTolerance
	}
	return c
}

// Empty reports whether the patch changes nothing.
func (p ConfigPatch) Empty() bool {
	return p == ConfigPatch{}
}
