// Package mqttpub pushes telemetry snapshots to an MQTT broker so dashboards
// and home-automation bridges can follow the supply without polling it.
package mqttpub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/ports"
)

type Config struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

func (c *Config) ApplyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "currentd"
	}
	if c.Topic == "" {
		c.Topic = "currentd/telemetry"
	}
}

func (c *Config) Validate() error {
	if c.Broker == "" {
		return errors.New("broker is required")
	}
	if c.QoS > 2 {
		return fmt.Errorf("qos must be 0..2, got %d", c.QoS)
	}
	return nil
}

// Publisher is a SnapshotSink backed by paho. Publish hands the message to
// the client's async queue and returns; the broker connection is retried in
// the background, so a flaky broker never back-pressures telemetry.
type Publisher struct {
	cfg    Config
	client mqtt.Client
}

func NewPublisher(cfg Config) (*Publisher, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(mqtt.Client) {
		log.Printf("mqtt: connected to %s", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Printf("mqtt: connection lost: %v", err)
	}

	return &Publisher{cfg: cfg, client: mqtt.NewClient(opts)}, nil
}

// Connect starts the broker session; with ConnectRetry set it keeps trying in
// the background after the first attempt.
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt: connect to %s timed out", p.cfg.Broker)
	}
	return token.Error()
}

func (p *Publisher) Publish(s *domain.TelemetrySnapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, false, payload)
	// fire and forget; surface late failures in the log only
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("mqtt: publish failed: %v", token.Error())
		}
	}()
	return nil
}

func (p *Publisher) Name() string { return "mqtt" }

func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

var _ ports.SnapshotSink = (*Publisher)(nil)
