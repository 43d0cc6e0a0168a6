package main

import (
	"math"
	"time"
)

// RouterState is the router-owned state container.
//
// Only the router goroutine reads or writes it. Other goroutines (websocket
// clients, the control channel) get a StateSnapshot through the event loop.
type RouterState struct {
	// RunID identifies this process run in snapshots.
	RunID string

	// Fixed parameters loaded at startup.
	MinSpeed   float64
	SpeedScale float64

	// Limit is the live max speed, written only through Reduce.
	Limit SpeedLimit

	Proximity ProximityState
	Motor     MotorState
}

// ProximityState is the last proximity reading routed.
type ProximityState struct {
	Value float64
	Known bool
	At    time.Time
}

// MotorState is what the router last observed being sent to the device.
type MotorState struct {
	Intensity int32
	Reason    string
	Known     bool
	At        time.Time

	Sent   uint64
	Failed uint64
}

// NewRouterState seeds a state from the configured speed parameters.
func NewRouterState(runID string, p SpeedParams) *RouterState {
	return &RouterState{
		RunID:      runID,
		MinSpeed:   p.MinSpeed,
		SpeedScale: p.SpeedScale,
		Limit:      NewSpeedLimit(p.MaxSpeed),
	}
}

// Params returns the transform inputs at the current speed limit.
func (s *RouterState) Params() SpeedParams {
	return SpeedParams{
		MinSpeed:   s.MinSpeed,
		MaxSpeed:   s.Limit.Max(),
		SpeedScale: s.SpeedScale,
	}
}

// SetObservedMotor records a confirmed device send.
func (s *RouterState) SetObservedMotor(c CmdSetMotor, at time.Time) {
	s.Motor.Intensity = c.Intensity
	s.Motor.Reason = c.Reason
	s.Motor.Known = true
	s.Motor.At = at
	s.Motor.Sent++
}

// SetObservedProximity records the last routed proximity value.
func (s *RouterState) SetObservedProximity(v float64, at time.Time) {
	s.Proximity.Value = v
	s.Proximity.Known = true
	s.Proximity.At = at
}

// StateSnapshot is an immutable copy of RouterState for other goroutines.
type StateSnapshot struct {
	RunID string `json:"run_id"`

	MaxSpeed        float64   `json:"max_speed"`
	MaxSpeedPercent int       `json:"max_speed_percent"`
	Tier            SpeedTier `json:"tier,omitempty"`
	MinSpeed        float64   `json:"min_speed"`
	SpeedScale      float64   `json:"speed_scale"`

	Proximity      float64   `json:"proximity"`
	ProximityKnown bool      `json:"proximity_known"`
	ProximityAt    time.Time `json:"proximity_at"`

	MotorIntensity int32     `json:"motor_intensity"`
	MotorReason    string    `json:"motor_reason,omitempty"`
	MotorKnown     bool      `json:"motor_known"`
	MotorAt        time.Time `json:"motor_at"`
	MotorSent      uint64    `json:"motor_sent"`
	MotorFailed    uint64    `json:"motor_failed"`
}

// Snapshot copies the state.
func (s *RouterState) Snapshot() StateSnapshot {
	pct := s.Limit.Percent()
	return StateSnapshot{
		RunID:           s.RunID,
		MaxSpeed:        finiteOrZero(s.Limit.Max()),
		MaxSpeedPercent: pct,
		Tier:            tierForPercent(pct),
		MinSpeed:        s.MinSpeed,
		SpeedScale:      s.SpeedScale,
		Proximity:       finiteOrZero(s.Proximity.Value),
		ProximityKnown:  s.Proximity.Known,
		ProximityAt:     s.Proximity.At,
		MotorIntensity:  s.Motor.Intensity,
		MotorReason:     s.Motor.Reason,
		MotorKnown:      s.Motor.Known,
		MotorAt:         s.Motor.At,
		MotorSent:       s.Motor.Sent,
		MotorFailed:     s.Motor.Failed,
	}
}

// finiteOrZero maps NaN and infinities to 0; encoding/json rejects them.
func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// ==============================
// Broadcasts
// ==============================

// StateBroadcast is an externally visible state change, fanned out to the
// websocket hub and the MQTT mirror.
type StateBroadcast interface {
	broadcastMarker()
}

// Broadcast sources.
const (
	sourceRouter   = "router"
	sourceWatchdog = "watchdog"
)

// BroadcastMotorCommand is emitted after a motor command reached the socket.
type BroadcastMotorCommand struct {
	Intensity int32
	Reason    string
	Source    string
	At        time.Time
}

func (BroadcastMotorCommand) broadcastMarker() {}

// BroadcastSpeedLimitChanged is emitted on every speed limit update.
type BroadcastSpeedLimitChanged struct {
	MaxSpeed float64
	Percent  int
	Tier     SpeedTier
	At       time.Time
}

func (BroadcastSpeedLimitChanged) broadcastMarker() {}

// BroadcastStopBurst is emitted when a stop burst is requested.
type BroadcastStopBurst struct {
	Origin string
	At     time.Time
}

func (BroadcastStopBurst) broadcastMarker() {}

// BroadcastWatchdogStop is emitted each time the watchdog fires.
type BroadcastWatchdogStop struct {
	Silence   time.Duration
	Delivered bool
	At        time.Time
}

func (BroadcastWatchdogStop) broadcastMarker() {}
