package stats

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Counts is the conversion tally of one arm.
type Counts struct {
	Impressions int
	Conversions int
}

// Rate returns conversions/impressions, or 0 without impressions.
func (c Counts) Rate() float64 {
	if c.Impressions == 0 {
		return 0
	}
	return float64(c.Conversions) / float64(c.Impressions)
}

// Comparison is the outcome of testing one variant against control.
type Comparison struct {
	ZScore float64
	PValue float64
	// Difference is variantRate - controlRate, with its interval at the
	// requested confidence.
	Difference float64
	DiffLower  float64
	DiffUpper  float64
}

// Strategy is a hypothesis test comparing a variant arm to the control arm.
type Strategy interface {
	Name() string
	Compare(control, variant Counts, confidence float64) Comparison
}

// ZTest is the two-proportion z-test with pooled standard error and a
// normal-approximation interval on the difference.
type ZTest struct{}

func (ZTest) Name() string { return "two_proportion_z" }

// Compare returns a two-tailed p-value for H0: rates are equal.
func (ZTest) Compare(control, variant Counts, confidence float64) Comparison {
	// Need data from both arms
	if control.Impressions == 0 || variant.Impressions == 0 {
		return Comparison{PValue: 1}
	}

	pC := control.Rate()
	pV := variant.Rate()
	nC := float64(control.Impressions)
	nV := float64(variant.Impressions)
	diff := pV - pC

	// Pooled proportion under null hypothesis (pA = pB)
	pooledP := float64(control.Conversions+variant.Conversions) / (nC + nV)
	se := math.Sqrt(pooledP * (1 - pooledP) * (1/nC + 1/nV))

	cmp := Comparison{Difference: diff, DiffLower: diff, DiffUpper: diff, PValue: 1}
	if se > 0 {
		cmp.ZScore = diff / se
		// two-tailed
		cmp.PValue = 2 * distuv.UnitNormal.Survival(math.Abs(cmp.ZScore))
	}

	// Interval uses the unpooled standard error
	seDiff := math.Sqrt(pC*(1-pC)/nC + pV*(1-pV)/nV)
	margin := ZScore(confidence) * seDiff
	cmp.DiffLower = diff - margin
	cmp.DiffUpper = diff + margin

	return cmp
}
