package main

import "math"

// SpeedTier is the coarse label shown next to a speed limit change.
type SpeedTier string

const (
	SpeedTierNormal   SpeedTier = ""
	SpeedTierModerate SpeedTier = "MODERATE"
	SpeedTierHigh     SpeedTier = "HIGH"
	SpeedTierSoMuch   SpeedTier = "SO MUCH"
)

// SpeedLimit holds the live max speed. It is owned by the router goroutine.
type SpeedLimit struct {
	max float64
}

// NewSpeedLimit returns a tracker seeded with the configured max speed,
// already clamped to the floor.
func NewSpeedLimit(initial float64) SpeedLimit {
	var s SpeedLimit
	s.Set(initial)
	return s
}

// Set stores max(raw, 0.05) and returns the stored value.
func (s *SpeedLimit) Set(raw float64) float64 {
	if !(raw >= maxSpeedLowLimit) {
		raw = maxSpeedLowLimit
	}
	s.max = raw
	return s.max
}

// Max returns the current limit.
func (s SpeedLimit) Max() float64 { return s.max }

// Percent returns the limit as a whole percentage.
func (s SpeedLimit) Percent() int { return speedPercent(s.max) }

func speedPercent(v float64) int {
	return int(math.Round(v * 100))
}

// tierForPercent buckets a rounded percentage.
func tierForPercent(pct int) SpeedTier {
	switch {
	case pct >= 91:
		return SpeedTierSoMuch
	case pct >= 76:
		return SpeedTierHigh
	case pct >= 51:
		return SpeedTierModerate
	default:
		return SpeedTierNormal
	}
}
