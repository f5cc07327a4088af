package consensus

const (
	riskLow    = "low"
	riskMedium = "medium"
	riskHigh   = "high"
)

// velocity is the latest round-over-round change in average similarity.
func velocity(progression []float64) float64 {
	if len(progression) < 2 {
		return 0
	}
	return progression[len(progression)-1] - progression[len(progression)-2]
}

// velocityLabel classifies the trend. Changes within ±0.02 read as noise.
func velocityLabel(v float64) string {
	switch {
	case v > 0.02:
		return "converging"
	case v < -0.02:
		return "diverging"
	default:
		return "stagnant"
	}
}

// deadlockRisk grades the chance the council never converges by counting
// non-positive changes over the last two rounds. High requires both to be
// non-positive and the loop to be at or past its midpoint.
func deadlockRisk(progression []float64, round, maxRounds int) string {
	nonPositive := 0
	deltas := 0
	for i := len(progression) - 1; i > 0 && deltas < 2; i-- {
		deltas++
		if progression[i]-progression[i-1] <= 0 {
			nonPositive++
		}
	}

	switch {
	case nonPositive >= 2 && float64(round) >= float64(maxRounds)/2:
		return riskHigh
	case nonPositive >= 1:
		return riskMedium
	default:
		return riskLow
	}
}

// qualityScore discounts agreement by how much of the round budget was
// spent: converging in round 1 keeps the full score, exhausting the budget
// halves it.
func qualityScore(avg float64, totalRounds, maxRounds int) float64 {
	if maxRounds <= 0 {
		return avg
	}
	return avg * (1 - float64(totalRounds)/float64(maxRounds)/2)
}
