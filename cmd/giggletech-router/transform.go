package main

import (
	"fmt"
	"math"
	"strings"
)

// SpeedParams are the inputs of the pat transform. MinSpeed and SpeedScale are
// fixed for the process lifetime; MaxSpeed follows the live speed limit.
type SpeedParams struct {
	MinSpeed   float64
	MaxSpeed   float64
	SpeedScale float64
}

// MotorCommand maps a proximity reading onto a motor intensity:
//
//	round(((max - min) * proximity + min) * 0.66 * scale * 255)
//
// Rounding is half away from zero. The result is not clamped to 0-255; a
// misconfigured scale can push it past the device range. Values beyond the
// int32 range saturate and NaN maps to 0.
func MotorCommand(proximity, maxSpeed, minSpeed, speedScale float64) int32 {
	level := (maxSpeed-minSpeed)*proximity + minSpeed
	return saturateInt32(math.Round(level * motorSpeedScale * speedScale * motorFullScale))
}

// Command is MotorCommand bound to a parameter set.
func (p SpeedParams) Command(proximity float64) int32 {
	return MotorCommand(proximity, p.MaxSpeed, p.MinSpeed, p.SpeedScale)
}

func saturateInt32(v float64) int32 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	default:
		return int32(v)
	}
}

// proximityGraph renders floor(proximity*10) dashes followed by an arrowhead.
func proximityGraph(proximity float64) string {
	n := int(math.Floor(proximity * 10))
	if n < 0 || math.IsNaN(proximity) {
		n = 0
	}
	// Keep a runaway reading from allocating a huge line.
	if n > 100 {
		n = 100
	}
	return strings.Repeat("-", n) + ">"
}

// patLine is the human-readable diagnostic for one transformed reading.
func patLine(proximity float64, motorTx int32, maxSpeed float64) string {
	return fmt.Sprintf("Prox: %5.2f Motor Tx: %3d  Max Speed: %5.2f |%-11s|",
		proximity, motorTx, maxSpeed, proximityGraph(proximity))
}
