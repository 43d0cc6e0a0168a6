package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

// ============================================================================
// Control channel - Unix Domain Socket
// ============================================================================
// Local tools (giggletech-ctl, scripts) use this socket to stop the motor,
// change the speed limit or read the router state.
//
// Protocol: line-delimited JSON
//   - Client sends: {"type": "emergency_stop" | "set_max_speed" | "status", "data": {...}}
//   - Server responds: {"status": "ok", "state": {...}} or {"status": "error", "error": "msg"}
// ============================================================================

// ipcReplyTimeout bounds how long a status request waits on the router.
const ipcReplyTimeout = time.Second

// IPCResponse is sent back for every request line.
type IPCResponse struct {
	Status string         `json:"status"`          // "ok" or "error"
	Error  string         `json:"error,omitempty"` // set when Status == "error"
	State  *StateSnapshot `json:"state,omitempty"` // set for "status"
}

// runIPCServer serves the control socket until ctx is canceled.
func runIPCServer(ctx context.Context, socketPath string, events chan<- Event, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	// Owner-only: the socket can stop and reconfigure the motor.
	if err := os.Chmod(socketPath, 0600); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(ctx, conn, events, logger)
	}
}

func handleIPCConnection(ctx context.Context, conn net.Conn, events chan<- Event, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		logger.Debug("IPC received", "line", string(line))

		resp := handleIPCRequest(ctx, line, events)
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	logger.Debug("IPC connection closed")
}

// handleIPCRequest decodes one request line and forwards it to the router.
func handleIPCRequest(ctx context.Context, line []byte, events chan<- Event) IPCResponse {
	ev, status, err := UnmarshalControlEvent(line)
	if err != nil {
		return IPCResponse{Status: "error", Error: fmt.Sprintf("parse event: %v", err)}
	}

	if status {
		rctx, cancel := context.WithTimeout(ctx, ipcReplyTimeout)
		defer cancel()

		snap, err := requestSnapshot(rctx, events)
		if err != nil {
			return IPCResponse{Status: "error", Error: fmt.Sprintf("status: %v", err)}
		}
		return IPCResponse{Status: "ok", State: &snap}
	}

	select {
	case events <- stamp(ev):
		return IPCResponse{Status: "ok"}
	default:
		return IPCResponse{Status: "error", Error: "event queue full"}
	}
}
