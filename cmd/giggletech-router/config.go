package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the router.
//
// Keep defaults and validation centralized so the rest of the code can assume
// a well-formed config.
type Config struct {
	// Network setup and OSC addresses
	Setup SetupConfig `yaml:"setup"`

	// Haptic intensity mapping, in percent
	Haptic HapticConfig `yaml:"haptic"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Metrics and state websocket
	HTTP HTTPConfig `yaml:"http"`

	// Local control socket
	IPC IPCConfig `yaml:"ipc"`

	// Optional telemetry mirror
	MQTT MQTTConfig `yaml:"mqtt"`
}

type SetupConfig struct {
	DeviceIP           string `yaml:"device_ip"`
	PortRx             int    `yaml:"port_rx"`
	ProximityParameter string `yaml:"proximity_parameter"`
	MaxSpeedParameter  string `yaml:"max_speed_parameter"`
	ReusePort          bool   `yaml:"reuse_port,omitempty"`
}

// HapticConfig values are percentages (0-100). Pointers distinguish a missing
// key from an explicit 0.
type HapticConfig struct {
	MinSpeed      *float64 `yaml:"min_speed"`
	MaxSpeed      *float64 `yaml:"max_speed"`
	MaxSpeedScale *float64 `yaml:"max_speed_scale"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type HTTPConfig struct {
	ListenAddr  string `yaml:"listen_addr"` // empty disables the HTTP server
	StatePath   string `yaml:"state_path"`
	MetricsPath string `yaml:"metrics_path"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"` // empty disables the control socket
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
}

// DefaultConfig returns a Config with every optional key populated. Required
// keys (device_ip, port_rx and the three haptic percentages) stay unset.
func DefaultConfig() Config {
	return Config{
		Setup: SetupConfig{
			ProximityParameter: defaultProximityAddress,
			MaxSpeedParameter:  defaultMaxSpeedAddress,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		HTTP: HTTPConfig{
			StatePath:   "/ws/state",
			MetricsPath: "/metrics",
		},
		IPC: IPCConfig{
			SocketPath: defaultIPCSocketPath,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://127.0.0.1:1883",
			ClientID:    "giggletech-router",
			TopicPrefix: "giggletech",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Notes:
//   - The file must be valid YAML.
//   - Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML bytes on top of DefaultConfig.
func ParseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds values from command-line flags. A nil pointer means the
// flag was not given.
type FlagOverrides struct {
	DeviceIP   *string
	PortRx     *int
	LogLevel   *string
	HTTPListen *string
	IPCSocket  *string
	MQTTBroker *string
}

// Apply merges the overrides into cfg. If the pointer is non-nil, the value is
// applied even if it is a zero value.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.DeviceIP != nil {
		cfg.Setup.DeviceIP = *o.DeviceIP
	}
	if o.PortRx != nil {
		cfg.Setup.PortRx = *o.PortRx
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.HTTPListen != nil {
		cfg.HTTP.ListenAddr = *o.HTTPListen
	}
	if o.IPCSocket != nil {
		cfg.IPC.SocketPath = *o.IPCSocket
	}
	if o.MQTTBroker != nil {
		cfg.MQTT.Broker = *o.MQTTBroker
		cfg.MQTT.Enabled = *o.MQTTBroker != ""
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// Setup
	if strings.TrimSpace(c.Setup.DeviceIP) == "" {
		return errors.New("setup.device_ip is required")
	}
	if c.Setup.PortRx == 0 {
		return errors.New("setup.port_rx is required")
	}
	if c.Setup.PortRx < 0 || c.Setup.PortRx > 65535 {
		return fmt.Errorf("setup.port_rx must be between 1 and 65535, got %d", c.Setup.PortRx)
	}
	if c.Setup.ProximityParameter == "" {
		return errors.New("setup.proximity_parameter must not be empty")
	}
	if c.Setup.MaxSpeedParameter == "" {
		return errors.New("setup.max_speed_parameter must not be empty")
	}
	if c.Setup.ReusePort && !reusePortSupported {
		return errors.New("setup.reuse_port is not supported on this platform")
	}

	// Haptic
	if c.Haptic.MinSpeed == nil {
		return errors.New("haptic.min_speed is required")
	}
	if c.Haptic.MaxSpeed == nil {
		return errors.New("haptic.max_speed is required")
	}
	if c.Haptic.MaxSpeedScale == nil {
		return errors.New("haptic.max_speed_scale is required")
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	// HTTP
	if c.HTTP.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.HTTP.ListenAddr); err != nil {
			return fmt.Errorf("http.listen_addr: %w", err)
		}
		if !strings.HasPrefix(c.HTTP.StatePath, "/") || !strings.HasPrefix(c.HTTP.MetricsPath, "/") {
			return errors.New("http.state_path and http.metrics_path must start with /")
		}
		if c.HTTP.StatePath == c.HTTP.MetricsPath {
			return errors.New("http.state_path and http.metrics_path must differ")
		}
	}

	// MQTT
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.enabled is true but mqtt.broker is empty")
		}
		if c.MQTT.TopicPrefix == "" {
			return errors.New("mqtt.enabled is true but mqtt.topic_prefix is empty")
		}
	}

	return nil
}

// SpeedParams converts the percentages into transform parameters. MaxSpeed is
// clamped to the low limit, same as a live update.
func (c *Config) SpeedParams() SpeedParams {
	return SpeedParams{
		MinSpeed:   percent(c.Haptic.MinSpeed),
		MaxSpeed:   NewSpeedLimit(percent(c.Haptic.MaxSpeed)).Max(),
		SpeedScale: percent(c.Haptic.MaxSpeedScale),
	}
}

// RouteConfig returns the inbound addresses.
func (c *Config) RouteConfig() RouteConfig {
	return RouteConfig{
		ProximityAddress: c.Setup.ProximityParameter,
		MaxSpeedAddress:  c.Setup.MaxSpeedParameter,
	}
}

// ListenAddr is the loopback address the OSC receiver binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(listenHost, fmt.Sprint(c.Setup.PortRx))
}

func percent(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p / 100
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
