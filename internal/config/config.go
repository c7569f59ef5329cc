// Package config reads the autowinner settings file. The file is written
// in operator units (percentages, minutes, seconds); everything it
// produces for the engines is in ratios and durations.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/headline-goat/autowinner/internal/conclusion"
	"github.com/headline-goat/autowinner/internal/monitor"
	"github.com/headline-goat/autowinner/internal/rollout"
	"github.com/headline-goat/autowinner/internal/scheduler"
	"github.com/headline-goat/autowinner/internal/stats"
)

// File is the settings file. Only the scheduler section is reloaded while
// running; the others apply at startup.
type File struct {
	Scheduler Scheduler `yaml:"scheduler,omitempty"`
	Engine    Engine    `yaml:"engine,omitempty"`
	Monitor   Monitor   `yaml:"monitor,omitempty"`
	Rollout   Rollout   `yaml:"rollout,omitempty"`
}

// Scheduler is the live scheduler configuration in operator units. It is
// also the body of the HTTP config endpoints. Nil fields are unset.
type Scheduler struct {
	Enabled                  *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	CheckIntervalMinutes     *float64 `yaml:"check_interval_minutes,omitempty" json:"check_interval_minutes,omitempty"`
	MaxConcurrentEvaluations *int     `yaml:"max_concurrent_evaluations,omitempty" json:"max_concurrent_evaluations,omitempty"`
	MinimumConfidence        *float64 `yaml:"minimum_confidence,omitempty" json:"minimum_confidence,omitempty"`   // percent
	MinimumImprovement       *float64 `yaml:"minimum_improvement,omitempty" json:"minimum_improvement,omitempty"` // percent
	RiskTolerance            *string  `yaml:"risk_tolerance,omitempty" json:"risk_tolerance,omitempty"`
}

type Engine struct {
	ConfidenceLevel         *float64 `yaml:"confidence_level,omitempty"` // percent
	TargetPower             *float64 `yaml:"target_power,omitempty"`     // percent
	MinimumDetectableEffect *float64 `yaml:"minimum_detectable_effect,omitempty"`
	MinimumSampleSize       *int     `yaml:"minimum_sample_size,omitempty"`
	MinimumVariantSample    *int     `yaml:"minimum_variant_sample,omitempty"`
}

type Monitor struct {
	ConversionDropThreshold *float64 `yaml:"conversion_drop_threshold,omitempty"` // percent
	CooldownMinutes         *float64 `yaml:"cooldown_minutes,omitempty"`
}

type Rollout struct {
	SampleIntervalSeconds *float64 `yaml:"sample_interval_seconds,omitempty"`
}

// Load reads and decodes the settings file. Unknown keys are rejected so
// typos do not silently fall back to defaults.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &f, nil
}

// Patch converts the section to a scheduler patch. Range checks are left
// to the scheduler's validation.
func (s Scheduler) Patch() (scheduler.ConfigPatch, error) {
	var p scheduler.ConfigPatch
	p.Enabled = s.Enabled
	p.MaxConcurrentEvaluations = s.MaxConcurrentEvaluations
	if s.CheckIntervalMinutes != nil {
		d := minutes(*s.CheckIntervalMinutes)
		p.CheckInterval = &d
	}
	if s.MinimumConfidence != nil {
		r := *s.MinimumConfidence / 100
		p.MinimumConfidence = &r
	}
	if s.MinimumImprovement != nil {
		r := *s.MinimumImprovement / 100
		p.MinimumImprovement = &r
	}
	if s.RiskTolerance != nil {
		rt := conclusion.RiskTolerance(*s.RiskTolerance)
		if !rt.Valid() {
			return p, fmt.Errorf("unknown risk tolerance %q", *s.RiskTolerance)
		}
		p.RiskTolerance = &rt
	}
	return p, nil
}

// FromScheduler renders a live configuration in operator units.
func FromScheduler(c scheduler.Config) Scheduler {
	interval := c.CheckInterval.Minutes()
	confidence := c.DefaultCriteria.MinimumConfidence * 100
	improvement := c.DefaultCriteria.MinimumImprovement * 100
	tolerance := string(c.DefaultCriteria.RiskTolerance)
	return Scheduler{
		Enabled:                  &c.Enabled,
		CheckIntervalMinutes:     &interval,
		MaxConcurrentEvaluations: &c.MaxConcurrentEvaluations,
		MinimumConfidence:        &confidence,
		MinimumImprovement:       &improvement,
		RiskTolerance:            &tolerance,
	}
}

// ApplyStats overlays the engine section on c.
func (e Engine) ApplyStats(c stats.Config) stats.Config {
	if e.ConfidenceLevel != nil {
		c.ConfidenceLevel = *e.ConfidenceLevel / 100
	}
	if e.TargetPower != nil {
		c.TargetPower = *e.TargetPower / 100
	}
	if e.MinimumDetectableEffect != nil {
		c.MinimumDetectableEffect = *e.MinimumDetectableEffect / 100
	}
	if e.MinimumSampleSize != nil {
		c.MinimumSampleSize = *e.MinimumSampleSize
	}
	if e.MinimumVariantSample != nil {
		c.MinimumVariantSample = *e.MinimumVariantSample
	}
	return c
}

func (m Monitor) ApplyMonitor(c monitor.Config) monitor.Config {
	if m.ConversionDropThreshold != nil {
		c.ConversionDropThreshold = *m.ConversionDropThreshold / 100
	}
	if m.CooldownMinutes != nil {
		c.Cooldown = minutes(*m.CooldownMinutes)
	}
	return c
}

func (r Rollout) ApplyRollout(c rollout.Config) rollout.Config {
	if r.SampleIntervalSeconds != nil && *r.SampleIntervalSeconds > 0 {
		c.SampleInterval = time.Duration(*r.SampleIntervalSeconds * float64(time.Second))
	}
	return c
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}
