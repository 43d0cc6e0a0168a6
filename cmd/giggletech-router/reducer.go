package main

import (
	"time"

	"github.com/hypebeast/go-osc/osc"
)

// This file implements the routing reducer:
//
//   - Events: decoded OSC packets, control-channel requests, send observations
//   - Commands: device sends and watchdog notifications requested by the reducer
//   - Reduce(): computes next state + commands + broadcasts, without performing I/O
//
// The router loop (daemon.go) executes Commands and feeds observations back.

// RouteConfig carries the two inbound addresses the router listens for.
// Matching is exact string equality.
type RouteConfig struct {
	ProximityAddress string
	MaxSpeedAddress  string
}

// Route labels how an event was classified. Used for metrics only.
const (
	routeProximity = "proximity"
	routeMaxSpeed  = "max_speed"
	routeUnrouted  = "unrouted"
	routeMalformed = "malformed"
	routeBundle    = "bundle"
	routeControl   = "control"
)

// ReduceResult is the output of Reduce(): next state plus the side effects
// and broadcasts it asks for.
type ReduceResult struct {
	State      *RouterState
	Commands   []Command
	Broadcasts []StateBroadcast

	// Route is set for inbound events; observations leave it empty.
	Route string
}

// Reduce is the pure reducer:
//
// Rules:
// - Must not perform I/O
// - Must not block
// - Must not mutate anything outside the returned state
func Reduce(s *RouterState, e Event, cfg RouteConfig) ReduceResult {
	if s == nil {
		s = &RouterState{Limit: NewSpeedLimit(maxSpeedLowLimit)}
	}
	rr := ReduceResult{State: s}

	switch ev := e.(type) {
	case PacketReceived:
		switch p := ev.Packet.(type) {
		case *osc.Message:
			reduceMessage(&rr, p, ev.At, cfg)
		case *osc.Bundle:
			// Nested messages are not unpacked.
			rr.Route = routeBundle
		default:
			rr.Route = routeMalformed
		}

	case TimedEvent:
		reduceControl(&rr, ev.Event, ev.At)

	case EmergencyStop, SetMaxSpeed, RequestStateSnapshot:
		reduceControl(&rr, ev, time.Now())

	case MotorCommandSent:
		s.SetObservedMotor(ev.Command, ev.At)
		rr.Broadcasts = append(rr.Broadcasts, BroadcastMotorCommand{
			Intensity: ev.Command.Intensity,
			Reason:    ev.Command.Reason,
			Source:    sourceRouter,
			At:        ev.At,
		})

	case MotorCommandFailed:
		// No retry. The watchdog resends a stop after the next silence.
		s.Motor.Failed++

	default:
		// Unknown event type: no-op.
	}

	return rr
}

func reduceMessage(rr *ReduceResult, msg *osc.Message, at time.Time, cfg RouteConfig) {
	value, ok := firstFloat(msg.Arguments)
	if !ok {
		rr.Route = routeMalformed
		return
	}

	switch msg.Address {
	case cfg.MaxSpeedAddress:
		rr.Route = routeMaxSpeed
		applyMaxSpeed(rr, value, at)

	case cfg.ProximityAddress:
		rr.Route = routeProximity
		s := rr.State
		s.SetObservedProximity(value, at)
		rr.Commands = append(rr.Commands, CmdNotifyWatchdog{At: at})

		if value == 0 {
			stopBurst(rr, "proximity", at)
			return
		}

		p := s.Params()
		rr.Commands = append(rr.Commands, CmdSetMotor{
			Intensity: p.Command(value),
			Reason:    reasonPat,
			Proximity: value,
			MaxSpeed:  p.MaxSpeed,
		})

	default:
		rr.Route = routeUnrouted
	}
}

func reduceControl(rr *ReduceResult, e Event, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	rr.Route = routeControl

	switch ev := e.(type) {
	case EmergencyStop:
		rr.Commands = append(rr.Commands, CmdNotifyWatchdog{At: at})
		origin := ev.Origin
		if origin == "" {
			origin = "control"
		}
		stopBurst(rr, origin, at)

	case SetMaxSpeed:
		applyMaxSpeed(rr, ev.Value, at)

	case RequestStateSnapshot:
		rr.Commands = append(rr.Commands, CmdPublishStateSnapshot{
			Reply:    ev.Reply,
			Snapshot: rr.State.Snapshot(),
		})

	default:
		rr.Route = ""
	}
}

func applyMaxSpeed(rr *ReduceResult, raw float64, at time.Time) {
	stored := rr.State.Limit.Set(raw)
	pct := speedPercent(stored)
	rr.Broadcasts = append(rr.Broadcasts, BroadcastSpeedLimitChanged{
		MaxSpeed: stored,
		Percent:  pct,
		Tier:     tierForPercent(pct),
		At:       at,
	})
}

// stopBurst emits stopBurstCount independent zero-intensity sends.
func stopBurst(rr *ReduceResult, origin string, at time.Time) {
	rr.Broadcasts = append(rr.Broadcasts, BroadcastStopBurst{Origin: origin, At: at})
	for i := 0; i < stopBurstCount; i++ {
		rr.Commands = append(rr.Commands, CmdSetMotor{
			Intensity: stopIntensity,
			Reason:    reasonStopBurst,
			MaxSpeed:  rr.State.Limit.Max(),
		})
	}
}

// firstFloat returns the first OSC argument when it is a float.
// Integers, strings, booleans and nil are not accepted.
func firstFloat(args []interface{}) (float64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	switch v := args[0].(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
