// Package ranking holds the outcome statistics behind pattern and skill
// scores: exponential moving averages over observed success and reward,
// clamped to fixed bounds so a run of extreme outcomes cannot pin a score
// outside its usable range.
package ranking

// Bounds every outcome score is clamped to after an update.
const (
	ScoreFloor   = 0.0
	ScoreCeiling = 1.0
)

// Default smoothing factors. Success rates move slower than rewards so a
// single lucky run does not overrule accumulated history.
const (
	DefaultSuccessAlpha = 0.2
	DefaultRewardAlpha  = 0.3
)

// OutcomeConfig configures the EMA smoothing factors.
type OutcomeConfig struct {
	// SuccessAlpha weights the newest success observation, in (0, 1].
	SuccessAlpha float64

	// RewardAlpha weights the newest reward observation, in (0, 1].
	RewardAlpha float64
}

// DefaultOutcomeConfig returns the default smoothing factors.
func DefaultOutcomeConfig() OutcomeConfig {
	return OutcomeConfig{
		SuccessAlpha: DefaultSuccessAlpha,
		RewardAlpha:  DefaultRewardAlpha,
	}
}

// EMA moves current toward observed by factor alpha and clamps the result
// to [ScoreFloor, ScoreCeiling].
func EMA(current, observed, alpha float64) float64 {
	return Clamp(current+alpha*(observed-current), ScoreFloor, ScoreCeiling)
}

// Clamp bounds v to [floor, ceiling].
func Clamp(v, floor, ceiling float64) float64 {
	if v < floor {
		return floor
	}
	if v > ceiling {
		return ceiling
	}
	return v
}

// Outcome converts a boolean outcome into its observation value.
func Outcome(success bool) float64 {
	if success {
		return 1
	}
	return 0
}
