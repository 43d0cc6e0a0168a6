package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedFrame struct {
	Type  string
	Frame []byte
}

type recordingSink struct {
	mu     sync.Mutex
	frames []recordedFrame
}

func (s *recordingSink) Deliver(eventType string, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, recordedFrame{Type: eventType, Frame: frame})
}

func (s *recordingSink) Frames() []recordedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedFrame(nil), s.frames...)
}

func startBroadcaster(t *testing.T, src chan StateBroadcast, sinks ...BroadcastSink) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunBroadcaster(ctx, src, sinks, discardLogger())
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRunBroadcaster_CoalescesMotorCommands(t *testing.T) {
	src := make(chan StateBroadcast, 8)
	src <- BroadcastMotorCommand{Intensity: 10, Reason: reasonPat, Source: sourceRouter}
	src <- BroadcastMotorCommand{Intensity: 20, Reason: reasonPat, Source: sourceRouter}
	src <- BroadcastMotorCommand{Intensity: 30, Reason: reasonPat, Source: sourceRouter}

	sink := &recordingSink{}
	startBroadcaster(t, src, sink)

	waitUntil(t, time.Second, func() bool { return len(sink.Frames()) == 1 }, "coalesced frame not delivered")
	time.Sleep(3 * motorCoalesceWindow)

	frames := sink.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, feedMotorCommand, frames[0].Type)

	var env struct {
		Type string           `json:"type"`
		Data motorCommandData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frames[0].Frame, &env))
	assert.Equal(t, int32(30), env.Data.Intensity)
}

func TestRunBroadcaster_OtherEventsFlushPendingMotorFirst(t *testing.T) {
	src := make(chan StateBroadcast, 8)
	src <- BroadcastMotorCommand{Intensity: 40, Reason: reasonPat, Source: sourceRouter}
	src <- BroadcastStopBurst{Origin: "proximity"}

	a, b := &recordingSink{}, &recordingSink{}
	startBroadcaster(t, src, a, b)

	waitUntil(t, time.Second, func() bool { return len(b.Frames()) == 2 }, "frames not delivered")

	for _, s := range []*recordingSink{a, b} {
		frames := s.Frames()
		require.Len(t, frames, 2)
		assert.Equal(t, feedMotorCommand, frames[0].Type)
		assert.Equal(t, feedStopBurst, frames[1].Type)
	}
}

func TestRunBroadcaster_FlushesOnSourceClose(t *testing.T) {
	src := make(chan StateBroadcast, 2)
	src <- BroadcastMotorCommand{Intensity: 5}
	close(src)

	sink := &recordingSink{}
	RunBroadcaster(context.Background(), src, []BroadcastSink{sink}, discardLogger())

	require.Len(t, sink.Frames(), 1)
}

func TestConvertBroadcast(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	ev, ok := convertBroadcast(BroadcastWatchdogStop{Silence: 5200 * time.Millisecond, Delivered: true, At: at})
	require.True(t, ok)
	frame, err := marshalFeedEvent(ev)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"watchdog_stop","ts":"2026-01-02T03:04:05Z","data":{"silence_ms":5200,"delivered":true}}`,
		string(frame))

	ev, ok = convertBroadcast(BroadcastSpeedLimitChanged{MaxSpeed: 0.8, Percent: 80, Tier: SpeedTierHigh, At: at})
	require.True(t, ok)
	frame, err = marshalFeedEvent(ev)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"speed_limit_changed","ts":"2026-01-02T03:04:05Z","data":{"max_speed":0.8,"percent":80,"tier":"HIGH"}}`,
		string(frame))

	_, ok = convertBroadcast(nil)
	assert.False(t, ok)
}
