package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectRetryInterval = 5 * time.Second
	mqttDisconnectQuiesce    = 250 // milliseconds
)

// MQTTPublisher is the publishing half of an MQTT client. mqtt.Client
// satisfies it.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnectionOpen() bool
}

// MQTTMirror republishes state-feed frames to <prefix>/<type>.
type MQTTMirror struct {
	client MQTTPublisher
	prefix string
	logger *slog.Logger
}

// NewMQTTMirror wraps an existing publisher.
func NewMQTTMirror(client MQTTPublisher, prefix string, logger *slog.Logger) *MQTTMirror {
	return &MQTTMirror{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger,
	}
}

// Topic returns the topic a frame of the given type is published to.
func (m *MQTTMirror) Topic(eventType string) string {
	return m.prefix + "/" + eventType
}

// Deliver implements BroadcastSink. QoS 0 publishes are fire-and-forget, so
// the token is not waited on. Frames are dropped while disconnected.
func (m *MQTTMirror) Deliver(eventType string, frame []byte) {
	if !m.client.IsConnectionOpen() {
		return
	}
	m.client.Publish(m.Topic(eventType), 0, false, frame)
}

// newMQTTClient builds a paho client that keeps retrying in the background.
func newMQTTClient(cfg MQTTConfig, logger *slog.Logger) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(mqttConnectRetryInterval)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})
	return mqtt.NewClient(opts)
}

// runMQTT connects the client and disconnects it when ctx ends. A failed first
// connect is not fatal: with ConnectRetry set, paho keeps trying.
func runMQTT(ctx context.Context, client mqtt.Client, logger *slog.Logger) error {
	token := client.Connect()
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			logger.Warn("mqtt connect failed", "error", err)
		}
	}()

	<-ctx.Done()
	client.Disconnect(mqttDisconnectQuiesce)
	logger.Debug("mqtt disconnected")
	return nil
}
