package rating

import "math"

const (
	// DefaultRating is assigned to players with no stored rating.
	DefaultRating = 1000
	// K is the shared adjustment factor.
	K = 32
)

// Scores for the first player of a pair.
const (
	ScoreWin  = 1.0
	ScoreLoss = 0.0
	ScoreDraw = 0.5
)

// Expected returns the Elo expectation of a player rated ra against rb.
// 0.5 = equal chances, >0.5 favourite, <0.5 outsider.
func Expected(ra, rb int) float64 {
	return 1 / (1 + math.Pow(10, float64(rb-ra)/400))
}

// ComputeNewRatings applies the paired Elo update for one finished game.
// scoreA is 1 for a win of A, 0 for a loss and 0.5 for a draw.
func ComputeNewRatings(ratingA, ratingB int, scoreA float64) (int, int) {
	expectedA := Expected(ratingA, ratingB)
	expectedB := 1 - expectedA
	scoreB := 1 - scoreA

	return adjust(ratingA, K*(scoreA-expectedA)), adjust(ratingB, K*(scoreB-expectedB))
}

// adjust rounds the updated rating as a whole, not the delta alone.
func adjust(rating int, delta float64) int {
	return int(round(float64(rating) + delta))
}

// round returns f rounded to the nearest integer with 0.5 cases away from zero
func round(f float64) float64 {
	if f >= 0 {
		return math.Floor(f + 0.5)
	}
	return math.Ceil(f - 0.5)
}
