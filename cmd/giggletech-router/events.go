package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hypebeast/go-osc/osc"
)

// ==============================
// Events
// ==============================

// Event is the input to the reducer. Events come from the OSC receiver, the
// control channel, and from executing commands (observations).
type Event interface {
	eventMarker()
}

// PacketReceived carries one decoded inbound OSC packet (message or bundle).
type PacketReceived struct {
	Packet osc.Packet
	At     time.Time
}

func (PacketReceived) eventMarker() {}

// EmergencyStop asks for an immediate stop burst.
type EmergencyStop struct {
	Origin string `json:"origin,omitempty"`
}

func (EmergencyStop) eventMarker() {}

// SetMaxSpeed changes the speed limit outside of OSC. Value is a fraction
// (0.4 == 40%), same as the OSC parameter.
type SetMaxSpeed struct {
	Value float64 `json:"value"`
}

func (SetMaxSpeed) eventMarker() {}

// RequestStateSnapshot asks the router to publish a snapshot on Reply.
type RequestStateSnapshot struct {
	Reply chan<- StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// TimedEvent stamps a control-channel event with its arrival time.
type TimedEvent struct {
	Event Event
	At    time.Time
}

func (TimedEvent) eventMarker() {}

// MotorCommandSent is observed after a successful device send.
type MotorCommandSent struct {
	Command CmdSetMotor
	At      time.Time
}

func (MotorCommandSent) eventMarker() {}

// MotorCommandFailed is observed when a device send fails. The router keeps
// going; the watchdog covers a lost stop.
type MotorCommandFailed struct {
	Command CmdSetMotor
	Err     error
	At      time.Time
}

func (MotorCommandFailed) eventMarker() {}

// ==============================
// Control channel wire format
// ==============================

// controlEnvelope is the line-delimited JSON shape accepted on the IPC socket.
type controlEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	controlEmergencyStop = "emergency_stop"
	controlSetMaxSpeed   = "set_max_speed"
	controlStatus        = "status"
)

// UnmarshalControlEvent decodes a control-channel line. "status" is reported
// separately because it needs a reply channel wired by the IPC handler.
func UnmarshalControlEvent(line []byte) (ev Event, status bool, err error) {
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, false, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case controlEmergencyStop:
		var es EmergencyStop
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &es); err != nil {
				return nil, false, fmt.Errorf("decode %s: %w", env.Type, err)
			}
		}
		if es.Origin == "" {
			es.Origin = "ipc"
		}
		return es, false, nil

	case controlSetMaxSpeed:
		if len(env.Data) == 0 {
			return nil, false, fmt.Errorf("%s requires data.value", env.Type)
		}
		var sm struct {
			Value *float64 `json:"value"`
		}
		if err := json.Unmarshal(env.Data, &sm); err != nil {
			return nil, false, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if sm.Value == nil {
			return nil, false, fmt.Errorf("%s requires data.value", env.Type)
		}
		return SetMaxSpeed{Value: *sm.Value}, false, nil

	case controlStatus:
		return nil, true, nil

	case "":
		return nil, false, fmt.Errorf("missing event type")

	default:
		return nil, false, fmt.Errorf("unknown event type: %s", env.Type)
	}
}
