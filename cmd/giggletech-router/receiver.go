package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/hypebeast/go-osc/osc"
)

// PacketReader is the inbound side of the transport. *OSCListener implements
// it; tests substitute a scripted reader.
type PacketReader interface {
	ReadPacket() (osc.Packet, net.Addr, error)
	Close() error
}

// runReceiver reads packets until ctx is canceled and queues them for the
// router. Classification by address is left to the reducer.
func runReceiver(ctx context.Context, r PacketReader, events chan<- Event, metrics *Metrics, logger *slog.Logger) error {
	// Closing the socket unblocks ReadPacket on shutdown.
	go func() {
		<-ctx.Done()
		_ = r.Close()
	}()

	readErrs := newSendErrorLog(sendErrorLogEvery)

	for {
		pkt, from, err := r.ReadPacket()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("osc receiver closed (shutdown)")
				return nil
			}

			var decodeErr *packetDecodeError
			if errors.As(err, &decodeErr) {
				metrics.observePacket("undecodable")
				logger.Debug("dropping undecodable datagram", "error", err)
				continue
			}

			if errors.Is(err, net.ErrClosed) {
				logger.Debug("osc receiver closed")
				return nil
			}

			// Connectionless sockets surface ICMP errors on some platforms,
			// and a persistent one repeats on every read.
			readErrs.report(logger, "osc read error", err)
			continue
		}

		switch pkt.(type) {
		case *osc.Bundle:
			metrics.observePacket("bundle")
		default:
			metrics.observePacket("message")
		}
		logger.Debug("osc packet", "from", from)

		if !sendEvent(ctx, events, PacketReceived{Packet: pkt, At: time.Now()}) {
			return nil
		}
	}
}
