package engine

import "time"

// freshnessDecay is monotone non-decreasing in wait time and bounded above
// by 1 + MaxFreshnessBoost, so waiting tasks keep rising without stale ones
// dominating forever.
func (c Config) freshnessDecay(wait time.Duration) float64 {
	if wait < 0 {
		wait = 0
	}
	boost := wait.Seconds() / c.DecayHalfLife.Seconds()
	if boost > c.MaxFreshnessBoost {
		boost = c.MaxFreshnessBoost
	}
	return 1 + boost
}

// priorityScore is recomputed at query time, never stored, so wait-time
// decay stays accurate without background recomputation.
func (c Config) priorityScore(uncertainty, difficulty float64, wait time.Duration) float64 {
	return uncertainty * difficulty * c.freshnessDecay(wait)
}
