package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readResult struct {
	pkt osc.Packet
	err error
}

// scriptedReader replays results, then blocks until closed.
type scriptedReader struct {
	mu      sync.Mutex
	script  []readResult
	closed  chan struct{}
	closeMu sync.Once
}

func newScriptedReader(script ...readResult) *scriptedReader {
	return &scriptedReader{script: script, closed: make(chan struct{})}
}

func (r *scriptedReader) ReadPacket() (osc.Packet, net.Addr, error) {
	r.mu.Lock()
	if len(r.script) > 0 {
		next := r.script[0]
		r.script = r.script[1:]
		r.mu.Unlock()
		return next.pkt, nil, next.err
	}
	r.mu.Unlock()

	<-r.closed
	return nil, nil, net.ErrClosed
}

func (r *scriptedReader) Close() error {
	r.closeMu.Do(func() { close(r.closed) })
	return nil
}

func TestRunReceiver_ClassifiesAndForwards(t *testing.T) {
	msg := osc.NewMessage(defaultProximityAddress, float32(0.5))
	bundle := osc.NewBundle(time.Now())
	require.NoError(t, bundle.Append(msg))

	r := newScriptedReader(
		readResult{pkt: msg},
		readResult{err: &packetDecodeError{size: 3, err: errors.New("bad")}},
		readResult{err: errors.New("connection refused")},
		readResult{pkt: bundle},
	)

	m := NewMetrics()
	events := make(chan Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runReceiver(ctx, r, events, m, discardLogger()) }()

	var got []osc.Packet
	for len(got) < 2 {
		select {
		case ev := <-events:
			pr, ok := ev.(PacketReceived)
			require.True(t, ok, "got %T", ev)
			assert.False(t, pr.At.IsZero())
			got = append(got, pr.Packet)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for packets, got %d", len(got))
		}
	}
	assert.Same(t, msg, got[0])
	assert.Same(t, bundle, got[1])

	assert.Equal(t, float64(1), testutil.ToFloat64(m.PacketsReceived.WithLabelValues("message")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PacketsReceived.WithLabelValues("bundle")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PacketsReceived.WithLabelValues("undecodable")))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("receiver did not stop")
	}
}

func TestRunReceiver_ClosedSocketEndsLoop(t *testing.T) {
	r := newScriptedReader(readResult{err: net.ErrClosed})

	err := runReceiver(context.Background(), r, make(chan Event), nil, discardLogger())
	assert.NoError(t, err)
}

func TestRunReceiver_OverLoopback(t *testing.T) {
	l := listenLoopback(t, false)
	d := dialListener(t, l)

	events := make(chan Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = runReceiver(ctx, l, events, nil, discardLogger()) }()

	require.NoError(t, d.Send(osc.NewMessage(defaultMaxSpeedAddress, float32(0.7))))

	select {
	case ev := <-events:
		msg, ok := ev.(PacketReceived).Packet.(*osc.Message)
		require.True(t, ok)
		assert.Equal(t, defaultMaxSpeedAddress, msg.Address)
		assert.Equal(t, []interface{}{float32(0.7)}, msg.Arguments)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for packet")
	}
}

func TestRunReceiver_NonOSCDatagramCountedUndecodable(t *testing.T) {
	l := listenLoopback(t, false)
	d := dialListener(t, l)

	m := NewMetrics()
	events := make(chan Event, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = runReceiver(ctx, l, events, m, discardLogger()) }()

	conn, err := net.Dial("udp", l.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("not osc at all"))
	require.NoError(t, err)
	require.NoError(t, d.SendMotor(12))

	select {
	case ev := <-events:
		msg, ok := ev.(PacketReceived).Packet.(*osc.Message)
		require.True(t, ok, "only the valid datagram is forwarded")
		assert.Equal(t, motorAddress, msg.Address)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for packet")
	}

	waitUntil(t, time.Second, func() bool {
		return testutil.ToFloat64(m.PacketsReceived.WithLabelValues("undecodable")) == 1
	}, "non-OSC datagram not counted")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PacketsReceived.WithLabelValues("message")))
	assert.Empty(t, events)
}

func TestRunReceiver_RepeatedReadErrorsLoggedOnce(t *testing.T) {
	script := make([]readResult, 0, 21)
	for i := 0; i < 20; i++ {
		script = append(script, readResult{err: errors.New("connection refused")})
	}
	msg := osc.NewMessage(defaultProximityAddress, float32(0.1))
	script = append(script, readResult{pkt: msg})
	r := newScriptedReader(script...)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	events := make(chan Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runReceiver(ctx, r, events, nil, logger) }()

	select {
	case ev := <-events:
		assert.Same(t, msg, ev.(PacketReceived).Packet)
	case <-time.After(time.Second):
		t.Fatalf("receiver stopped forwarding after read errors")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("receiver did not stop")
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "osc read error"), buf.String())
}
