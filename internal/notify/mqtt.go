// Package notify publishes confirmed events to an MQTT broker.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dj-oyu/detection-stream-server/internal/logger"
	"github.com/dj-oyu/detection-stream-server/pkg/types"
)

const publishTimeout = 2 * time.Second

// Config selects the broker and topic layout.
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// publisher is the part of mqtt.Client used here.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher sends each confirmed event as JSON to <prefix>/events/<label>.
type Publisher struct {
	cfg    Config
	client mqtt.Client
	pub    publisher

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// NewPublisher creates an unconnected publisher.
func NewPublisher(cfg Config) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "detections"
	}
	return &Publisher{cfg: cfg}
}

// Connect dials the broker. The client reconnects on its own afterwards.
func (p *Publisher) Connect(ctx context.Context) error {
	broker := p.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		p.setConnected(true)
		logger.Info("MQTT", "Connected to %s as %s", broker, p.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.setConnected(false)
		logger.Warn("MQTT", "Connection lost, will auto-reconnect: %v", err)
	}

	p.client = mqtt.NewClient(opts)
	p.pub = p.client

	logger.Info("MQTT", "Connecting to broker %s", broker)
	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt connection aborted: %w", ctx.Err())
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.setConnected(true)
	return nil
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

// Topic returns the topic an event with label is published to.
func (p *Publisher) Topic(label string) string {
	return fmt.Sprintf("%s/events/%s", p.cfg.TopicPrefix, label)
}

// Persist publishes every event of a batch. It stops at the first failure.
func (p *Publisher) Persist(ctx context.Context, batch []types.ConfirmedEvent) error {
	p.mu.RLock()
	connected, pub := p.connected, p.pub
	p.mu.RUnlock()
	if !connected || pub == nil {
		p.countError()
		return fmt.Errorf("mqtt not connected")
	}

	for i := range batch {
		payload, err := json.Marshal(&batch[i])
		if err != nil {
			p.countError()
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		token := pub.Publish(p.Topic(batch[i].Label), p.cfg.QoS, false, payload)
		select {
		case <-token.Done():
		case <-ctx.Done():
			p.countError()
			return fmt.Errorf("publish aborted: %w", ctx.Err())
		case <-time.After(publishTimeout):
			p.countError()
			return fmt.Errorf("publish timeout")
		}
		if err := token.Error(); err != nil {
			p.countError()
			return fmt.Errorf("publish failed: %w", err)
		}
		p.mu.Lock()
		p.published++
		p.mu.Unlock()
	}
	logger.Debug("MQTT", "Published %d events", len(batch))
	return nil
}

func (p *Publisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

// Stats returns connection state and counters.
func (p *Publisher) Stats() (connected bool, published, errors uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected, p.published, p.errors
}

// Disconnect closes the connection with a short grace period.
func (p *Publisher) Disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		logger.Info("MQTT", "Disconnected")
	}
	p.setConnected(false)
}
