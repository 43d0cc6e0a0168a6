package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// BroadcastSink receives serialized state-feed frames. Deliver must not block.
type BroadcastSink interface {
	Deliver(eventType string, frame []byte)
}

// State feed event types.
const (
	feedStateInit         = "state_init"
	feedMotorCommand      = "motor_command"
	feedSpeedLimitChanged = "speed_limit_changed"
	feedStopBurst         = "stop_burst"
	feedWatchdogStop      = "watchdog_stop"
)

// feedEvent is a typed, externally consumable state event.
type feedEvent struct {
	Type string
	Data any
	At   time.Time // zero means now
}

type motorCommandData struct {
	Intensity int32  `json:"intensity"`
	Reason    string `json:"reason"`
	Source    string `json:"source"`
}

type speedLimitData struct {
	MaxSpeed float64   `json:"max_speed"`
	Percent  int       `json:"percent"`
	Tier     SpeedTier `json:"tier"`
}

type stopBurstData struct {
	Origin  string `json:"origin"`
	Packets int    `json:"packets"`
}

type watchdogStopData struct {
	SilenceMS int64 `json:"silence_ms"`
	Delivered bool  `json:"delivered"`
}

// RunBroadcaster converts StateBroadcasts to envelopes and hands them to every
// sink. motor_command frames are rate-limited: at most one per
// motorCoalesceWindow, latest wins. Any other event first flushes the pending
// motor frame so ordering is preserved.
func RunBroadcaster(ctx context.Context, src <-chan StateBroadcast, sinks []BroadcastSink, logger *slog.Logger) {
	if src == nil || len(sinks) == 0 {
		return
	}

	b := &broadcaster{sinks: sinks, logger: logger, window: motorCoalesceWindow}
	defer b.stopTimer()

	for {
		select {
		case <-ctx.Done():
			b.flush()
			return

		case <-b.timerC:
			b.flush()
			b.stopTimer()

		case sb, ok := <-src:
			if !ok {
				b.flush()
				logger.Info("broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(sb)
			if !ok {
				continue
			}

			if ev.Type == feedMotorCommand {
				b.pending = &ev
				b.startTimer()
				continue
			}

			b.flush()
			b.stopTimer()
			b.emit(ev)
		}
	}
}

type broadcaster struct {
	sinks  []BroadcastSink
	logger *slog.Logger
	window time.Duration

	pending *feedEvent
	timer   *time.Timer
	timerC  <-chan time.Time
}

// startTimer arms the window once; later updates don't push it out.
func (b *broadcaster) startTimer() {
	if b.timer != nil {
		return
	}
	b.timer = time.NewTimer(b.window)
	b.timerC = b.timer.C
}

func (b *broadcaster) stopTimer() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = nil
	b.timerC = nil
}

func (b *broadcaster) flush() {
	if b.pending == nil {
		return
	}
	ev := *b.pending
	b.pending = nil
	b.emit(ev)
}

func (b *broadcaster) emit(ev feedEvent) {
	frame, err := marshalFeedEvent(ev)
	if err != nil {
		b.logger.Warn("broadcaster marshal failed", "error", err, "type", ev.Type)
		return
	}
	for _, s := range b.sinks {
		s.Deliver(ev.Type, frame)
	}
}

func marshalFeedEvent(ev feedEvent) ([]byte, error) {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()
	return json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
}

func convertBroadcast(b StateBroadcast) (feedEvent, bool) {
	switch ev := b.(type) {
	case BroadcastMotorCommand:
		return feedEvent{
			Type: feedMotorCommand,
			Data: motorCommandData{Intensity: ev.Intensity, Reason: ev.Reason, Source: ev.Source},
			At:   ev.At,
		}, true

	case BroadcastSpeedLimitChanged:
		return feedEvent{
			Type: feedSpeedLimitChanged,
			Data: speedLimitData{MaxSpeed: finiteOrZero(ev.MaxSpeed), Percent: ev.Percent, Tier: ev.Tier},
			At:   ev.At,
		}, true

	case BroadcastStopBurst:
		return feedEvent{
			Type: feedStopBurst,
			Data: stopBurstData{Origin: ev.Origin, Packets: stopBurstCount},
			At:   ev.At,
		}, true

	case BroadcastWatchdogStop:
		return feedEvent{
			Type: feedWatchdogStop,
			Data: watchdogStopData{SilenceMS: ev.Silence.Milliseconds(), Delivered: ev.Delivered},
			At:   ev.At,
		}, true

	default:
		return feedEvent{}, false
	}
}
