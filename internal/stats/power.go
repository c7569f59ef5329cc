package stats

import "math"

// RequiredSampleSize returns the per-variant sample needed to detect a
// relative lift of mde over baseline at the given confidence and power.
// It returns 0 when the baseline makes the question meaningless.
func RequiredSampleSize(baseline, mde, confidence, power float64) int {
	if baseline <= 0 || baseline >= 1 || mde <= 0 {
		return 0
	}

	target := baseline * (1 + mde)
	if target >= 1 {
		target = 0.9999
	}

	z := ZScore(confidence) + NormalQuantile(power)
	variance := baseline*(1-baseline) + target*(1-target)
	delta := target - baseline

	return int(math.Ceil(z * z * variance / (delta * delta)))
}

// StatisticalPower is the probability of detecting the observed difference
// between two arms with their current sample sizes.
func StatisticalPower(control, variant Counts, confidence float64) float64 {
	if control.Impressions == 0 || variant.Impressions == 0 {
		return 0
	}

	pC := control.Rate()
	pV := variant.Rate()
	se := math.Sqrt(pC*(1-pC)/float64(control.Impressions) + pV*(1-pV)/float64(variant.Impressions))
	if se == 0 {
		return 0
	}

	return NormalCDF(math.Abs(pV-pC)/se - ZScore(confidence))
}

// MinimumDetectableEffect returns the smallest relative lift over baseline
// that n observations per variant detect with the given confidence and power.
func MinimumDetectableEffect(baseline float64, n int, confidence, power float64) float64 {
	if baseline <= 0 || baseline >= 1 || n <= 0 {
		return 0
	}

	z := ZScore(confidence) + NormalQuantile(power)
	absolute := z * math.Sqrt(2*baseline*(1-baseline)/float64(n))

	return absolute / baseline
}
