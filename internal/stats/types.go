package stats

// Variant is one arm of an experiment as reported by the analytics
// collaborator. Traffic is the configured share of visitors (0-1).
type Variant struct {
	ID          string  `json:"id"`
	IsControl   bool    `json:"is_control"`
	Traffic     float64 `json:"traffic"`
	Impressions int     `json:"impressions"`
	Conversions int     `json:"conversions"`
	Revenue     float64 `json:"revenue"`
}

// Counts returns the variant's conversion tally.
func (v Variant) Counts() Counts {
	return Counts{Impressions: v.Impressions, Conversions: v.Conversions}
}

// Status summarizes where a test stands.
type Status string

const (
	StatusInsufficientData Status = "insufficient_data"
	StatusRunning          Status = "running"
	StatusSignificant      Status = "significant"
	StatusInconclusive     Status = "inconclusive"
)

// Action is the recommendation derived from an analysis.
type Action string

const (
	ActionStop        Action = "stop"
	ActionContinue    Action = "continue"
	ActionExtend      Action = "extend"
	ActionInvestigate Action = "investigate"
)

// Interval is a closed interval [Lower, Upper].
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Width returns Upper - Lower.
func (i Interval) Width() float64 { return i.Upper - i.Lower }

// Contains reports whether x lies inside the interval.
func (i Interval) Contains(x float64) bool { return x >= i.Lower && x <= i.Upper }

// VariantResult contains statistics for a single variant
type VariantResult struct {
	VariantID      string   `json:"variant_id"`
	IsControl      bool     `json:"is_control"`
	Impressions    int      `json:"impressions"`
	Conversions    int      `json:"conversions"`
	Revenue        float64  `json:"revenue"`
	ConversionRate float64  `json:"conversion_rate"`
	RateInterval   Interval `json:"rate_interval"`

	// Fields below compare the variant with control; they are zero for
	// the control itself (PValue is 1).
	PValue             float64  `json:"p_value"`
	Confidence         float64  `json:"confidence"`
	Improvement        float64  `json:"improvement"`
	ConfidenceInterval Interval `json:"confidence_interval"`
	IsSignificant      bool     `json:"is_significant"`

	// ImprovementUndefined is set while control has no conversions.
	ImprovementUndefined bool `json:"improvement_undefined,omitempty"`
}

// SampleSizeAnalysis compares the collected sample to the planned one.
type SampleSizeAnalysis struct {
	Current  int     `json:"current"`
	Required int     `json:"required"`
	Progress float64 `json:"progress"`
}

// PowerAnalysis describes the test's current sensitivity.
type PowerAnalysis struct {
	CurrentPower            float64 `json:"current_power"`
	TargetPower             float64 `json:"target_power"`
	MinimumDetectableEffect float64 `json:"minimum_detectable_effect"`
}

// TestAnalysis is a fresh statistical snapshot of one test.
type TestAnalysis struct {
	TestID              string             `json:"test_id"`
	Method              string             `json:"method"`
	Variants            []VariantResult    `json:"variants"`
	OverallSignificance float64            `json:"overall_significance"`
	SampleSize          SampleSizeAnalysis `json:"sample_size"`
	Power               PowerAnalysis      `json:"power"`
	QualityChecks       []QualityCheck     `json:"quality_checks"`
	RecommendedAction   Action             `json:"recommended_action"`
	WinningVariant      string             `json:"winning_variant,omitempty"`
	Status              Status             `json:"status"`
}

// Control returns the control variant's result.
func (a *TestAnalysis) Control() VariantResult {
	for _, v := range a.Variants {
		if v.IsControl {
			return v
		}
	}
	return VariantResult{}
}

// Variant looks up a variant result by ID.
func (a *TestAnalysis) Variant(id string) (VariantResult, bool) {
	for _, v := range a.Variants {
		if v.VariantID == id {
			return v, true
		}
	}
	return VariantResult{}, false
}

// Leading returns the non-control variant with the highest confidence
// against control. ok is false for a test without treatment arms.
func (a *TestAnalysis) Leading() (VariantResult, bool) {
	var best VariantResult
	found := false
	for _, v := range a.Variants {
		if v.IsControl {
			continue
		}
		if !found || v.Confidence > best.Confidence {
			best = v
			found = true
		}
	}
	return best, found
}

// WorstQualitySeverity returns the highest severity among quality checks.
func (a *TestAnalysis) WorstQualitySeverity() Severity {
	worst := SeverityOK
	for _, c := range a.QualityChecks {
		if c.Severity > worst {
			worst = c.Severity
		}
	}
	return worst
}
