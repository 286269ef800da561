// Package rating implements the pure Elo update used when a game finishes.
package rating

import "math"

// Actual scores from player A's perspective.
const (
	ScoreWin  = 1.0
	ScoreLoss = 0.0
	ScoreDraw = 0.5
)

// DefaultK is the rating swing constant used unless configured otherwise.
const DefaultK = 32.0

// Update returns the new ratings for a and b given a's actual score.
// Expected score for a is 1 / (1 + 10^((b-a)/400)); results are rounded
// to one decimal place.
func Update(ratingA, ratingB, k, scoreA float64) (newA, newB float64) {
	expectedA := 1 / (1 + math.Pow(10, (ratingB-ratingA)/400))
	expectedB := 1 / (1 + math.Pow(10, (ratingA-ratingB)/400))
	newA = roundTenth(ratingA + k*(scoreA-expectedA))
	newB = roundTenth(ratingB + k*((1-scoreA)-expectedB))
	return newA, newB
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}
