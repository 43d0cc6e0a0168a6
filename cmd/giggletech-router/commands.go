package main

import (
	"fmt"
	"time"
)

// ==============================
// Commands (side effects)
// ==============================

// Command represents an external side effect to be executed by the router loop.
type Command interface {
	commandMarker()
	String() string
}

// Reasons a motor command was produced.
const (
	reasonPat       = "pat"
	reasonStopBurst = "stop_burst"
	reasonShutdown  = "shutdown"
)

// CmdSetMotor sends one intensity packet to the device. Proximity and
// MaxSpeed are carried for the diagnostic line only.
type CmdSetMotor struct {
	Intensity int32
	Reason    string
	Proximity float64
	MaxSpeed  float64
}

func (CmdSetMotor) commandMarker() {}
func (c CmdSetMotor) String() string {
	return fmt.Sprintf("CmdSetMotor(intensity=%d, reason=%s)", c.Intensity, c.Reason)
}

// CmdNotifyWatchdog tells the watchdog a proximity message arrived at At.
type CmdNotifyWatchdog struct {
	At time.Time
}

func (CmdNotifyWatchdog) commandMarker() {}
func (c CmdNotifyWatchdog) String() string {
	return fmt.Sprintf("CmdNotifyWatchdog(at=%s)", c.At.Format(time.RFC3339Nano))
}

// CmdPublishStateSnapshot delivers a reducer-produced snapshot to a requester.
type CmdPublishStateSnapshot struct {
	Reply    chan<- StateSnapshot
	Snapshot StateSnapshot
}

func (CmdPublishStateSnapshot) commandMarker() {}
func (CmdPublishStateSnapshot) String() string { return "CmdPublishStateSnapshot()" }
