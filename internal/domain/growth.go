package domain

import (
	"math"
	"math/rand"
)

// NextQuantity draws p uniformly from [g.Min, g.Max] and returns
// current + floor(current*p/100). A malformed range falls back to a fixed
// 10% increase.
func NextQuantity(current int, g Growth, rng *rand.Rand) int {
	if current < 0 {
		current = 0
	}
	if !g.Valid() || math.IsNaN(g.Min) || math.IsNaN(g.Max) {
		return int(float64(current) * 1.1)
	}
	p := g.Min
	if g.Max > g.Min {
		var u float64
		if rng != nil {
			u = rng.Float64()
		} else {
			u = rand.Float64()
		}
		p = g.Min + u*(g.Max-g.Min)
	}
	return current + int(math.Floor(float64(current)*p/100))
}
