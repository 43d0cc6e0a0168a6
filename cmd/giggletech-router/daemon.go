package main

import (
	"context"
	"time"
)

// ============================================================================
// Router loop
// ============================================================================
//
// Design rules enforced here:
//   - The reducer performs no I/O and computes: next state + commands + broadcasts.
//   - This loop is the only place that executes router side effects (device sends).
//   - Send outcomes are turned into Events and fed back into the reducer.
//   - Events are handled one at a time, in arrival order.
//
// ============================================================================

// runRouter consumes events until ctx is canceled or events is closed, then
// sends one final stop so the device is never left running.
func runRouter(
	ctx context.Context,
	events <-chan Event,
	env *effectEnv,
	cfg RouteConfig,
	state *RouterState,
	broadcasts chan<- StateBroadcast,
) error {
	logger := env.logger
	if state == nil {
		state = NewRouterState("", SpeedParams{MaxSpeed: maxSpeedLowLimit, SpeedScale: 1})
	}
	env.metrics.setMaxSpeed(state.Limit.Max())

	// Explicit queues:
	// - eventQueue holds events awaiting reduction
	// - cmdQueue holds commands awaiting execution
	var eventQueue []Event
	var cmdQueue []Command

	enqueueEvent := func(ev Event) {
		eventQueue = append(eventQueue, ev)
	}

	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			rr := Reduce(state, ev, cfg)
			if rr.State != nil {
				state = rr.State
			}
			env.metrics.observeRoute(rr.Route)
			cmdQueue = append(cmdQueue, rr.Commands...)
			publishBroadcasts(env, broadcasts, rr.Broadcasts)
		}
	}

	// Commands run strictly in order; a stop burst is five awaited sends.
	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]

			runEffect(env, cmd, enqueueEvent)
			flushEvents()
		}
	}

	stop := func() {
		runEffect(env, CmdSetMotor{Intensity: stopIntensity, Reason: reasonShutdown}, nil)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("router stopping (context canceled)")
			stop()
			return nil

		case ev, ok := <-events:
			if !ok {
				logger.Info("router stopping (events channel closed)")
				stop()
				return nil
			}
			enqueueEvent(ev)
			flushEvents()
			flushCommands()
		}
	}
}

// publishBroadcasts hands broadcasts to the fan-out without blocking and
// logs the ones a person watching the console cares about.
func publishBroadcasts(env *effectEnv, out chan<- StateBroadcast, bs []StateBroadcast) {
	for _, b := range bs {
		switch ev := b.(type) {
		case BroadcastSpeedLimitChanged:
			env.metrics.setMaxSpeed(ev.MaxSpeed)
			env.logger.Info("speed limit", "percent", ev.Percent, "tier", string(ev.Tier))
		case BroadcastStopBurst:
			env.logger.Info("stopping pats", "origin", ev.Origin, "packets", stopBurstCount)
		}

		if out == nil {
			continue
		}
		select {
		case out <- b:
		default:
			env.logger.Debug("broadcast queue full, dropping state update")
		}
	}
}

// sendEvent queues ev for the router, giving up when ctx ends.
func sendEvent(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// stamp wraps a control event with its arrival time.
func stamp(ev Event) Event {
	return TimedEvent{Event: ev, At: time.Now()}
}
