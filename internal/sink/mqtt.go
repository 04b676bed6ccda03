package sink

import (
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	// Timeout bounds connect and each publish. Default 5s.
	Timeout time.Duration
}

// mqttClient is the subset of paho.Client the sink needs.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// MQTT publishes each update to <topic>/<kind>, QoS 0, not retained.
type MQTT struct {
	client  mqttClient
	topic   string
	timeout time.Duration
}

// NewMQTT connects to the broker. The client reconnects on its own after the
// first successful connect.
func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect timeout broker=%s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return newMQTT(client, cfg), nil
}

func newMQTT(client mqttClient, cfg MQTTConfig) *MQTT {
	cfg = cfg.withDefaults()
	return &MQTT{client: client, topic: strings.TrimRight(cfg.Topic, "/"), timeout: cfg.Timeout}
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.Topic == "" {
		c.Topic = "ggstation/telemetry"
	}
	if c.ClientID == "" {
		c.ClientID = "ggstation"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

func (m *MQTT) Publish(u Update) error {
	payload, err := FormatPayload(u)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	token := m.client.Publish(m.topic+"/"+u.Kind, 0, false, payload)
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("mqtt publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

func (m *MQTT) Close() error {
	m.client.Disconnect(1000)
	return nil
}
