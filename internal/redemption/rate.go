package redemption

import (
	"math"

	"github.com/dukerupert/screenpoints/internal/model"
)

// DefaultRate is the points-per-minute price of reward apps that define
// neither a cost/duration pair nor points per hour.
const DefaultRate = 10.0

// epsilon absorbs floating point noise in rate arithmetic so that, for
// example, 100 points at 10.0 per minute is exactly 10 minutes.
const epsilon = 1e-9

// Rate returns the points-per-minute price of an app: its cost/duration
// pair when both are set, else its points per hour, else fallback.
func Rate(c model.AppCategorization, fallback float64) float64 {
	switch {
	case c.CostPoints > 0 && c.CostMinutes > 0:
		return float64(c.CostPoints) / float64(c.CostMinutes)
	case c.PointsPerHour > 0:
		return float64(c.PointsPerHour) / 60
	default:
		return fallback
	}
}

// MinutesFor returns the whole minutes points buy at rate, rounded down.
func MinutesFor(points int, rate float64) int {
	if points <= 0 || rate <= 0 {
		return 0
	}
	return int(math.Floor(float64(points)/rate + epsilon))
}

// CostFor returns the points minutes cost at rate, rounded up.
func CostFor(minutes int, rate float64) int {
	if minutes <= 0 || rate <= 0 {
		return 0
	}
	return int(math.Ceil(float64(minutes)*rate - epsilon))
}

// EarnedFor returns the points earned by minutes of learning-app use at
// pointsPerHour, rounded down.
func EarnedFor(minutes, pointsPerHour int) int {
	if minutes <= 0 || pointsPerHour <= 0 {
		return 0
	}
	return minutes * pointsPerHour / 60
}
