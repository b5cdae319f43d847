package engine

import (
	"math"
	"time"
)

// multiplierAt evaluates the flight curve m(t) = floor(e^(k*t) * 100) / 100.
// Monotonically increasing in t, truncated to two decimals, never below 1.00.
func multiplierAt(k float64, elapsed time.Duration) float64 {
	m := math.Exp(k * elapsed.Seconds())
	m = math.Floor(m*100) / 100
	if m < 1.0 {
		return 1.0
	}
	return m
}
