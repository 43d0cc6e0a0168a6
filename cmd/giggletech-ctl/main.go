package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// ============================================================================
// giggletech-ctl - control socket client
// ============================================================================
//
// Usage:
//   giggletech-ctl stop
//   giggletech-ctl max-speed 40
//   giggletech-ctl status
//
// Options:
//   -socket PATH    Control socket path (default: /tmp/giggletech.sock)
// ============================================================================

// defaultSocketPath matches the router's default ipc.socket_path.
const defaultSocketPath = "/tmp/giggletech.sock"

// request mirrors the router's line-delimited JSON envelope.
type request struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type response struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
}

func main() {
	fs := flag.NewFlagSet("giggletech-ctl", flag.ContinueOnError)
	fs.Usage = printUsage
	socketPath := fs.String("socket", defaultSocketPath, "Control socket path")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	req, err := buildRequest(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}
	if req == nil {
		printUsage()
		os.Exit(0)
	}

	resp, err := send(*socketPath, *req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if len(resp.State) > 0 {
		var pretty any
		if err := json.Unmarshal(resp.State, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
			return
		}
		fmt.Println(string(resp.State))
		return
	}
	fmt.Println("ok")
}

// buildRequest turns CLI args into a request. A nil request means help.
func buildRequest(args []string) (*request, error) {
	if len(args) == 0 {
		return nil, errors.New("missing command")
	}

	switch args[0] {
	case "stop", "emergency-stop":
		return &request{Type: "emergency_stop", Data: map[string]string{"origin": "giggletech-ctl"}}, nil

	case "max-speed", "set-max-speed":
		if len(args) < 2 {
			return nil, errors.New("max-speed requires a percentage (0-100)")
		}
		pct, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid percentage: %w", err)
		}
		return &request{Type: "set_max_speed", Data: map[string]float64{"value": pct / 100}}, nil

	case "status":
		return &request{Type: "status"}, nil

	case "help", "-h", "--help":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown command: %s", args[0])
	}
}

func send(socketPath string, req request) (response, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return response{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	data, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return response{}, fmt.Errorf("send request: %w", err)
	}

	var resp response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return response{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return response{}, fmt.Errorf("router error: %s", resp.Error)
	}
	return resp, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `giggletech-ctl - control a running giggletech-router

Usage:
  giggletech-ctl [options] <command> [args]

Options:
  -socket PATH    Control socket path, the router's ipc.socket_path (default: %s)

Commands:
  stop, emergency-stop     Send a stop burst to the device
  max-speed <percent>      Set the speed limit (floored at 5%%)
  status                   Print the router state
  help, -h, --help         Show this help message

Examples:
  giggletech-ctl stop
  giggletech-ctl max-speed 40
  giggletech-ctl -socket /run/giggletech.sock status
`, defaultSocketPath)
}
