package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/hypebeast/go-osc/osc"
)

// ============================================================================
// OSC transport
// ============================================================================
// Two kinds of endpoint:
//   - OSCListener: the inbound socket bound to loopback, fed by VRChat
//   - DeviceEndpoint: an outbound socket connected to the headpat device
//
// Both speak plain OSC 1.0 over UDP, one packet per datagram. Encoding and
// decoding is done by go-osc; the sockets are owned here so the router can
// keep one connected socket per sender instead of dialing per packet.
// ============================================================================

// MotorSender is the device capability the router and the watchdog need.
type MotorSender interface {
	SendMotor(intensity int32) error
}

// DeviceEndpoint is a UDP socket connected to the haptic device.
type DeviceEndpoint struct {
	conn   net.Conn
	target string
}

// DialDevice binds an ephemeral local port and connects it to host:port.
func DialDevice(host string, port int) (*DeviceEndpoint, error) {
	target := net.JoinHostPort(host, strconv.Itoa(port))
	raddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("resolve device address %s: %w", target, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("connect to device %s: %w", target, err)
	}

	return &DeviceEndpoint{conn: conn, target: target}, nil
}

// Send encodes msg and writes it as a single datagram.
func (d *DeviceEndpoint) Send(msg *osc.Message) error {
	b, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Address, err)
	}
	if _, err := d.conn.Write(b); err != nil {
		return fmt.Errorf("write to %s: %w", d.target, err)
	}
	return nil
}

// SendMotor sends one motor intensity as an int32 argument.
func (d *DeviceEndpoint) SendMotor(intensity int32) error {
	return d.Send(osc.NewMessage(motorAddress, intensity))
}

// Target returns the device address this endpoint is connected to.
func (d *DeviceEndpoint) Target() string { return d.target }

// LocalAddr returns the ephemeral local address.
func (d *DeviceEndpoint) LocalAddr() net.Addr { return d.conn.LocalAddr() }

// Close closes the socket.
func (d *DeviceEndpoint) Close() error { return d.conn.Close() }

// OSCListener reads OSC packets from a bound UDP socket.
type OSCListener struct {
	conn net.PacketConn
	buf  []byte
}

// ListenOSC binds addr. With reusePort the socket is opened with
// SO_REUSEADDR/SO_REUSEPORT so another OSC consumer can share the port.
func ListenOSC(ctx context.Context, addr string, reusePort bool) (*OSCListener, error) {
	var lc net.ListenConfig
	if reusePort {
		lc.Control = reusePortControl
	}

	conn, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	return &OSCListener{
		conn: conn,
		buf:  make([]byte, maxDatagramSize),
	}, nil
}

// ReadPacket blocks for the next datagram and decodes it. A datagram that is
// not valid OSC yields a *packetDecodeError; socket errors are returned as-is.
func (l *OSCListener) ReadPacket() (osc.Packet, net.Addr, error) {
	n, addr, err := l.conn.ReadFrom(l.buf)
	if err != nil {
		return nil, nil, err
	}

	pkt, err := decodePacket(l.buf[:n])
	if err != nil {
		return nil, addr, &packetDecodeError{from: addr, size: n, err: err}
	}
	return pkt, addr, nil
}

// LocalAddr returns the bound address.
func (l *OSCListener) LocalAddr() net.Addr { return l.conn.LocalAddr() }

// Close closes the socket, unblocking ReadPacket.
func (l *OSCListener) Close() error { return l.conn.Close() }

// decodePacket parses a datagram. go-osc indexes into the buffer while
// parsing, so a truncated datagram from the network is turned into an error
// instead of taking the process down. go-osc returns a nil packet without an
// error for data that starts with neither '/' nor '#'.
func decodePacket(b []byte) (pkt osc.Packet, err error) {
	defer func() {
		if r := recover(); r != nil {
			pkt = nil
			err = fmt.Errorf("malformed osc packet: %v", r)
		}
	}()
	pkt, err = osc.ParsePacket(string(b))
	if err == nil && pkt == nil {
		err = errors.New("not an osc message or bundle")
	}
	return pkt, err
}

// packetDecodeError reports a datagram that could not be parsed as OSC.
type packetDecodeError struct {
	from net.Addr
	size int
	err  error
}

func (e *packetDecodeError) Error() string {
	return fmt.Sprintf("decode %d-byte datagram from %v: %v", e.size, e.from, e.err)
}

func (e *packetDecodeError) Unwrap() error { return e.err }
