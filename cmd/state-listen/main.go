package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// envelope matches the router's state feed frames.
type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:9100/ws/state", "Router state websocket URL")
		raw   = flag.Bool("raw", false, "Print frames as received")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("connected! (press Ctrl+C to exit)")

	// Router pings extend the read deadline. Pongs share writeMu with the
	// close frame sent on Ctrl+C.
	var writeMu sync.Mutex
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if *raw {
				fmt.Println(string(message))
				continue
			}
			fmt.Println(formatFrame(message))
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// formatFrame renders one frame as a single console line.
func formatFrame(message []byte) string {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return "[TEXT] " + string(message)
	}

	ts := ""
	if env.Ts != nil {
		ts = env.Ts.Local().Format("15:04:05.000") + " "
	}

	switch env.Type {
	case "motor_command":
		var d struct {
			Intensity int32  `json:"intensity"`
			Reason    string `json:"reason"`
			Source    string `json:"source"`
		}
		if json.Unmarshal(env.Data, &d) == nil {
			return fmt.Sprintf("%s[MOTOR] %3d (%s, %s)", ts, d.Intensity, d.Reason, d.Source)
		}

	case "speed_limit_changed":
		var d struct {
			Percent int    `json:"percent"`
			Tier    string `json:"tier"`
		}
		if json.Unmarshal(env.Data, &d) == nil {
			return fmt.Sprintf("%s[SPEED] %d%% %s", ts, d.Percent, d.Tier)
		}

	case "stop_burst":
		var d struct {
			Origin string `json:"origin"`
		}
		if json.Unmarshal(env.Data, &d) == nil {
			return fmt.Sprintf("%s[STOP] burst (%s)", ts, d.Origin)
		}

	case "watchdog_stop":
		var d struct {
			SilenceMS int64 `json:"silence_ms"`
			Delivered bool  `json:"delivered"`
		}
		if json.Unmarshal(env.Data, &d) == nil {
			return fmt.Sprintf("%s[WATCHDOG] stop after %dms silence (delivered=%t)", ts, d.SilenceMS, d.Delivered)
		}
	}

	pretty, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return string(message)
	}
	return fmt.Sprintf("%s[%s]\n%s", ts, env.Type, pretty)
}
