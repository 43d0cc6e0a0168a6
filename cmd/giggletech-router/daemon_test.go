package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMotor records delivered intensities. Failed sends are not recorded.
type fakeMotor struct {
	mu   sync.Mutex
	sent []int32
	fail int // fail the next n sends
}

func (f *fakeMotor) SendMotor(intensity int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("sendto: network is unreachable")
	}
	f.sent = append(f.sent, intensity)
	return nil
}

func (f *fakeMotor) Sent() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int32(nil), f.sent...)
}

// fakeNotifier records watchdog notifications.
type fakeNotifier struct {
	mu  sync.Mutex
	got []time.Time
}

func (f *fakeNotifier) Notify(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, at)
}

func (f *fakeNotifier) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

type routerHarness struct {
	motor    *fakeMotor
	notifier *fakeNotifier
	metrics  *Metrics
	events   chan Event
	bcasts   chan StateBroadcast
	state    *RouterState
	cancel   context.CancelFunc
	done     chan error
}

func startRouter(t *testing.T, motor *fakeMotor) *routerHarness {
	t.Helper()

	h := &routerHarness{
		motor:    motor,
		notifier: &fakeNotifier{},
		metrics:  NewMetrics(),
		events:   make(chan Event, 16),
		bcasts:   make(chan StateBroadcast, 16),
		state:    newTestState(),
		done:     make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	env := newEffectEnv(motor, h.notifier, h.metrics, discardLogger())

	go func() {
		h.done <- runRouter(ctx, h.events, env, testRoutes, h.state, h.bcasts)
	}()
	t.Cleanup(func() { h.stop(t) })
	return h
}

func (h *routerHarness) stop(t *testing.T) {
	t.Helper()
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for router to stop")
	}
}

func proximity(v float32) PacketReceived {
	return PacketReceived{Packet: osc.NewMessage(defaultProximityAddress, v), At: time.Now()}
}

func TestRunRouter_PatBurstAndShutdownStop(t *testing.T) {
	motor := &fakeMotor{}
	h := startRouter(t, motor)

	h.events <- proximity(0.5)
	waitUntil(t, time.Second, func() bool { return len(motor.Sent()) == 1 }, "pat not sent")

	h.events <- proximity(0)
	waitUntil(t, time.Second, func() bool { return len(motor.Sent()) == 1+stopBurstCount }, "stop burst not sent")

	h.stop(t)

	// Final entry is the shutdown stop.
	assert.Equal(t, []int32{76, 0, 0, 0, 0, 0, 0}, motor.Sent())
	assert.Equal(t, 2, h.notifier.Count())
	assert.Equal(t, float64(2+stopBurstCount), testutil.ToFloat64(h.metrics.MotorSent.WithLabelValues(sourceRouter)))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.MessagesRouted.WithLabelValues(routeProximity)))
}

func TestRunRouter_SendFailureDoesNotStopRouter(t *testing.T) {
	motor := &fakeMotor{fail: 1}
	h := startRouter(t, motor)

	h.events <- proximity(0.5)
	h.events <- proximity(0.5)
	waitUntil(t, time.Second, func() bool { return len(motor.Sent()) == 1 }, "second pat not sent")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := requestSnapshot(ctx, h.events)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), snap.MotorFailed)
	assert.Equal(t, uint64(1), snap.MotorSent)
	assert.Equal(t, int32(76), snap.MotorIntensity)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.MotorFailed.WithLabelValues(sourceRouter)))
}

func TestRunRouter_UnroutedProducesNoSends(t *testing.T) {
	motor := &fakeMotor{}
	h := startRouter(t, motor)

	h.events <- PacketReceived{Packet: osc.NewMessage("/avatar/parameters/tail", float32(1)), At: time.Now()}
	h.events <- proximity(0.5)
	waitUntil(t, time.Second, func() bool { return len(motor.Sent()) == 1 }, "pat not sent")

	assert.Equal(t, 1, h.notifier.Count())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.MessagesRouted.WithLabelValues(routeUnrouted)))
}

func TestRunRouter_BroadcastsSpeedLimitAndMotor(t *testing.T) {
	motor := &fakeMotor{}
	h := startRouter(t, motor)

	h.events <- PacketReceived{Packet: osc.NewMessage(defaultMaxSpeedAddress, float32(0.6)), At: time.Now()}
	h.events <- proximity(0.5)

	var got []StateBroadcast
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case b := <-h.bcasts:
			got = append(got, b)
		case <-timeout:
			t.Fatalf("timeout waiting for broadcasts, got %d", len(got))
		}
	}

	sl, ok := got[0].(BroadcastSpeedLimitChanged)
	require.True(t, ok, "first broadcast is %T", got[0])
	assert.Equal(t, 60, sl.Percent)
	assert.Equal(t, SpeedTierModerate, sl.Tier)

	mc, ok := got[1].(BroadcastMotorCommand)
	require.True(t, ok, "second broadcast is %T", got[1])
	assert.Equal(t, MotorCommand(0.5, float64(float32(0.6)), 0.1, 1), mc.Intensity)
	assert.Equal(t, sourceRouter, mc.Source)

	assert.InDelta(t, 0.6, testutil.ToFloat64(h.metrics.MaxSpeed), 1e-6)
}

func TestRunRouter_ControlEmergencyStop(t *testing.T) {
	motor := &fakeMotor{}
	h := startRouter(t, motor)

	h.events <- stamp(EmergencyStop{Origin: "test"})
	waitUntil(t, time.Second, func() bool { return len(motor.Sent()) == stopBurstCount }, "stop burst not sent")
	assert.Equal(t, 1, h.notifier.Count())
}

func TestRunEffect_NilSenderReportsFailure(t *testing.T) {
	env := newEffectEnv(nil, nil, nil, discardLogger())

	var got []Event
	runEffect(env, CmdSetMotor{Intensity: 10, Reason: reasonPat}, func(ev Event) { got = append(got, ev) })

	require.Len(t, got, 1)
	failed, ok := got[0].(MotorCommandFailed)
	require.True(t, ok)
	assert.ErrorIs(t, failed.Err, errNoSender{})
}

func TestRunEffect_SnapshotReplyNeverBlocks(t *testing.T) {
	env := newEffectEnv(nil, nil, nil, discardLogger())

	full := make(chan StateSnapshot) // unbuffered, nobody reading
	done := make(chan struct{})
	go func() {
		runEffect(env, CmdPublishStateSnapshot{Reply: full}, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("runEffect blocked on snapshot reply")
	}
}

func TestSendErrorLog_Suppresses(t *testing.T) {
	l := newSendErrorLog(time.Hour)
	logger := discardLogger()

	l.report(logger, "send failed", errors.New("boom"))
	l.report(logger, "send failed", errors.New("boom"))
	l.report(logger, "send failed", errors.New("boom"))

	assert.Equal(t, 2, l.suppressed)
}
