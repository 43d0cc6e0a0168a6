package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("GiggleTech OSC Router v%s\n", version)
	fmt.Println("Proximity-to-haptics relay for GiggleTech devices")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  giggletech-router [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Listens for avatar proximity parameters over OSC on 127.0.0.1 and")
	fmt.Println("  drives the motor of a GiggleTech device at <device_ip>:8888. A")
	fmt.Println("  watchdog stops the motor after 5 seconds without proximity data.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        Path to YAML config file (default \"./config.yaml\")")
	fmt.Println()
	fmt.Println("  -device-ip string")
	fmt.Println("        Device address, overrides setup.device_ip")
	fmt.Println()
	fmt.Println("  -port-rx int")
	fmt.Println("        OSC listen port, overrides setup.port_rx")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (overrides logging.level)")
	fmt.Println()
	fmt.Println("  -http-listen string")
	fmt.Println("        Metrics and state websocket address, e.g. 127.0.0.1:9100 (overrides http.listen_addr)")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Control socket path, \"\" disables it (overrides ipc.socket_path, default /tmp/giggletech.sock)")
	fmt.Println()
	fmt.Println("  -mqtt-broker string")
	fmt.Println("        MQTT broker URL; enables the MQTT mirror (overrides mqtt.broker)")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  giggletech-router -config ~/.config/giggletech/config.yaml")
	fmt.Println("  giggletech-router -device-ip 192.168.1.42 -port-rx 9001 -http-listen 127.0.0.1:9100")
	fmt.Println()
}

func main() {
	var (
		configPath  = flag.String("config", "./config.yaml", "Path to YAML config file")
		deviceIP    = flag.String("device-ip", "", "Device address (overrides setup.device_ip)")
		portRx      = flag.Int("port-rx", 0, "OSC listen port (overrides setup.port_rx)")
		logLevelStr = flag.String("log-level", "", "Log level: error, warn, info, debug")
		httpListen  = flag.String("http-listen", "", "Metrics and state websocket address")
		ipcSocket   = flag.String("ipc-socket", "", "Control socket path")
		mqttBroker  = flag.String("mqtt-broker", "", "MQTT broker URL")
		showVersion = flag.Bool("version", false, "Print version and exit")
		showHelp    = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	// Only flags that were actually given override the file.
	var overrides FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device-ip":
			overrides.DeviceIP = deviceIP
		case "port-rx":
			overrides.PortRx = portRx
		case "log-level":
			overrides.LogLevel = logLevelStr
		case "http-listen":
			overrides.HTTPListen = httpListen
		case "ipc-socket":
			overrides.IPCSocket = ipcSocket
		case "mqtt-broker":
			overrides.MQTTBroker = mqttBroker
		}
	})

	cfg, err := LoadConfigFile(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error: invalid config:", err)
		os.Exit(1)
	}

	level, _ := parseLogLevel(cfg.Logging.Level) // checked by Validate
	logger := setupLogger(os.Stdout, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("router failed", "error", err)
		os.Exit(1)
	}
}

// run binds every socket up front, then runs the daemon goroutines until ctx
// is canceled or one of them fails.
func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	runID := uuid.NewString()
	params := cfg.SpeedParams()

	listener, err := ListenOSC(ctx, cfg.ListenAddr(), cfg.Setup.ReusePort)
	if err != nil {
		return err
	}
	defer listener.Close()

	routerEP, err := DialDevice(cfg.Setup.DeviceIP, devicePort)
	if err != nil {
		return err
	}
	defer routerEP.Close()

	watchdogEP, err := DialDevice(cfg.Setup.DeviceIP, devicePort)
	if err != nil {
		return err
	}
	defer watchdogEP.Close()

	metrics := NewMetrics()

	// Fan-out sinks. With none configured, nothing reads broadcasts.
	var sinks []BroadcastSink
	var hub *FeedHub
	if cfg.HTTP.ListenAddr != "" {
		hub = NewFeedHub(logger, FeedHubConfig{})
		sinks = append(sinks, hub)
	}
	var mqttClient mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient = newMQTTClient(cfg.MQTT, logger)
		sinks = append(sinks, NewMQTTMirror(mqttClient, cfg.MQTT.TopicPrefix, logger))
	}

	var broadcasts chan StateBroadcast
	if len(sinks) > 0 {
		broadcasts = make(chan StateBroadcast, broadcastQueueSize)
	}

	events := make(chan Event, eventQueueSize)
	state := NewRouterState(runID, params)
	watchdog := NewWatchdog(WatchdogConfig{}, watchdogEP, metrics, broadcasts, logger)
	env := newEffectEnv(routerEP, watchdog, metrics, logger)

	logger.Info("giggletech router starting",
		"version", version,
		"run_id", runID,
		"listen", listener.LocalAddr().String(),
		"device", routerEP.Target(),
		"proximity_parameter", cfg.Setup.ProximityParameter,
		"max_speed_parameter", cfg.Setup.MaxSpeedParameter)
	logger.Info("haptic settings",
		"min_speed", params.MinSpeed,
		"max_speed", params.MaxSpeed,
		"max_speed_scale", params.SpeedScale)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return runReceiver(gctx, listener, events, metrics, logger) })
	g.Go(func() error { return runRouter(gctx, events, env, cfg.RouteConfig(), state, broadcasts) })
	g.Go(func() error { return watchdog.Run(gctx) })

	if broadcasts != nil {
		g.Go(func() error {
			RunBroadcaster(gctx, broadcasts, sinks, logger)
			return nil
		})
	}

	if hub != nil {
		mux := newHTTPMux(cfg.HTTP, metrics, NewStateServer(logger, hub, events))
		g.Go(func() error { return hub.Run(gctx) })
		g.Go(func() error { return runHTTPServer(gctx, cfg.HTTP.ListenAddr, mux, logger) })
	}

	if cfg.IPC.SocketPath != "" {
		socketPath := ExpandPath(cfg.IPC.SocketPath)
		g.Go(func() error { return runIPCServer(gctx, socketPath, events, logger) })
	}

	if mqttClient != nil {
		g.Go(func() error { return runMQTT(gctx, mqttClient, logger) })
	}

	return waitBounded(ctx, g, shutdownTimeout, logger)
}

// waitBounded waits for the group. Once ctx is canceled, stragglers get
// timeout to finish before run returns anyway.
func waitBounded(ctx context.Context, g *errgroup.Group, timeout time.Duration, logger *slog.Logger) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	select {
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-time.After(timeout):
		logger.Warn("shutdown timed out", "timeout", timeout)
		return nil
	}
}
