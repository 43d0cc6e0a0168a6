package main

import "time"

// OSC addresses
const (
	defaultProximityAddress = "/avatar/parameters/proximity_01"
	defaultMaxSpeedAddress  = "/avatar/parameters/max_speed"

	// Device-side addresses. The LED address is reserved by the firmware but
	// nothing drives it yet.
	motorAddress = "/avatar/parameters/motor"
	ledAddress   = "/avatar/parameters/led"
)

// Network endpoints
const (
	listenHost = "127.0.0.1"
	devicePort = 8888

	// defaultIPCSocketPath is also the default of giggletech-ctl -socket.
	defaultIPCSocketPath = "/tmp/giggletech.sock"

	// Largest UDP payload we are willing to read.
	maxDatagramSize = 65535
)

// Haptic mapping
const (
	// motorSpeedScale is the fixed hardware intensity factor applied to every
	// command before the 0-255 expansion.
	motorSpeedScale = 0.66
	motorFullScale  = 255.0

	// maxSpeedLowLimit is the floor applied to every max speed update.
	maxSpeedLowLimit = 0.05

	// stopBurstCount is the number of zero-intensity packets sent on an
	// explicit zero proximity.
	stopBurstCount = 5
	stopIntensity  = 0
)

// Watchdog timing
const (
	watchdogPollInterval = 1 * time.Second
	watchdogTimeout      = 5 * time.Second
)

// Daemon plumbing
const (
	eventQueueSize     = 64
	broadcastQueueSize = 128
	shutdownTimeout    = 3 * time.Second

	// sendErrorLogEvery bounds how often a failing endpoint is reported.
	sendErrorLogEvery = 5 * time.Second

	// motorCoalesceWindow rate-limits motor_command frames on the state feed.
	motorCoalesceWindow = 50 * time.Millisecond
)
