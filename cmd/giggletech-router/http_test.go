package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Observers(t *testing.T) {
	m := NewMetrics()

	m.observePacket("message")
	m.observePacket("message")
	m.observePacket("undecodable")
	m.observeRoute(routeMalformed)
	m.observeRoute("") // observations carry no route
	m.observeSend(sourceRouter, 76, nil)
	m.observeSend(sourceRouter, 12, errors.New("boom"))
	m.observeSend(sourceWatchdog, 0, nil)
	m.observeWatchdogStop()
	m.setMaxSpeed(0.4)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.PacketsReceived.WithLabelValues("message")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PacketsReceived.WithLabelValues("undecodable")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessagesRouted.WithLabelValues(routeMalformed)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.MessagesRouted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MotorSent.WithLabelValues(sourceRouter)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MotorFailed.WithLabelValues(sourceRouter)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MotorSent.WithLabelValues(sourceWatchdog)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WatchdogStops))
	assert.Equal(t, 0.4, testutil.ToFloat64(m.MaxSpeed))

	// Watchdog stops don't overwrite the last router command.
	assert.Equal(t, float64(76), testutil.ToFloat64(m.LastMotor))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observePacket("message")
		m.observeRoute(routeProximity)
		m.observeSend(sourceRouter, 1, nil)
		m.observeWatchdogStop()
		m.setMaxSpeed(1)
	})
}

func TestServeHTTP_MetricsEndpointAndShutdown(t *testing.T) {
	m := NewMetrics()
	m.observeWatchdogStop()

	cfg := DefaultConfig().HTTP
	mux := newHTTPMux(cfg, m, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveHTTP(ctx, ln, mux, discardLogger()) }()

	resp, err := http.Get("http://" + ln.Addr().String() + cfg.MetricsPath)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "giggletech_watchdog_stops_total 1")

	resp, err = http.Get("http://" + ln.Addr().String() + cfg.StatePath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "state path unregistered without a handler")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * shutdownTimeout):
		t.Fatalf("timeout waiting for HTTP server to stop")
	}
}

func TestRunHTTPServer_BadAddress(t *testing.T) {
	err := runHTTPServer(context.Background(), "127.0.0.1:not-a-port", http.NewServeMux(), discardLogger())
	assert.Error(t, err)
}
