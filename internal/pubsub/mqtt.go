// Package pubsub provides implementations of the reading publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/anti-social/inverter2mqtt/internal/config"
	"github.com/anti-social/inverter2mqtt/internal/domain"
	"github.com/anti-social/inverter2mqtt/internal/homeassistant"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NoopPublisher is a no-operation implementation of the Publisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// PublishReadings is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishReadings(_ context.Context, _ *domain.ReadingSet) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// MQTTPublisher publishes reading sets to per-sensor state topics and keeps
// Home Assistant discovery config in sync.
type MQTTPublisher struct {
	config        *config.Config
	client        mqtt.Client
	clientFactory func(*config.Config) mqtt.Client
	connected     bool
	logger        zerolog.Logger
	discovery     *homeassistant.Discovery
	descriptors   map[string]domain.SensorDescriptor

	mu         sync.Mutex
	discovered map[string]bool
}

// NewMQTTPublisher creates a publisher for the sensors declared by commands.
func NewMQTTPublisher(cfg *config.Config, commands []domain.Command) *MQTTPublisher {
	return newPublisher(cfg, commands, nil)
}

// NewMQTTPublisherWithClient creates a publisher with a custom client (for testing).
func NewMQTTPublisherWithClient(cfg *config.Config, commands []domain.Command, client mqtt.Client) *MQTTPublisher {
	return newPublisher(cfg, commands, client)
}

func newPublisher(cfg *config.Config, commands []domain.Command, client mqtt.Client) *MQTTPublisher {
	descriptors := make(map[string]domain.SensorDescriptor)
	for _, cmd := range commands {
		for _, sensor := range cmd.Sensors {
			if !sensor.Skip() {
				descriptors[sensor.Name] = sensor
			}
		}
	}

	return &MQTTPublisher{
		config:        cfg,
		client:        client,
		clientFactory: createMQTTClient,
		logger:        log.With().Str("component", "mqtt").Logger(),
		discovery: homeassistant.New(homeassistant.Config{
			DiscoveryPrefix:    cfg.MQTT.DiscoveryPrefix,
			DeviceID:           cfg.Inverter.ID,
			DeviceName:         cfg.Inverter.Name,
			DeviceManufacturer: cfg.Inverter.Manufacturer,
			DeviceModel:        cfg.Inverter.Model,
		}),
		descriptors: descriptors,
		discovered:  make(map[string]bool),
	}
}

// createMQTTClient is the default factory function for creating MQTT clients.
func createMQTTClient(cfg *config.Config) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)).
		SetClientID(fmt.Sprintf("inverter2mqtt-%d", time.Now().Unix())).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(5 * time.Second).
		SetKeepAlive(60 * time.Second).
		SetCleanSession(true)

	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return mqtt.NewClient(opts)
}

// Connect establishes a connection to the MQTT broker and publishes the
// discovery config for every declared sensor.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	if !p.config.MQTT.Enabled {
		return nil
	}

	if p.client == nil {
		p.client = p.clientFactory(p.config)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connToken := p.client.Connect()
	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after 10 seconds")
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	p.connected = true
	p.logger.Info().
		Str("host", p.config.MQTT.Host).
		Int("port", p.config.MQTT.Port).
		Msg("MQTT connection established")

	if err := p.publishAllDiscovery(ctx); err != nil {
		return err
	}

	return p.publish(ctx, p.discovery.AvailabilityTopic(), true, []byte("online"))
}

// publishAllDiscovery announces every declared sensor to Home Assistant.
func (p *MQTTPublisher) publishAllDiscovery(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, sensor := range p.descriptors {
		if p.discovered[name] {
			continue
		}
		message, err := json.Marshal(p.discovery.Message(sensor))
		if err != nil {
			return fmt.Errorf("failed to marshal discovery message: %w", err)
		}
		topic := p.discovery.ConfigTopic(name)
		if err := p.publish(ctx, topic, p.config.MQTT.RetainDiscovery, message); err != nil {
			return fmt.Errorf("failed to publish discovery for %q: %w", name, err)
		}
		p.discovered[name] = true
	}

	p.logger.Info().Int("sensors", len(p.discovered)).Msg("Discovery config published")
	return nil
}

// PublishReadings sends one command's reading set to the per-sensor state
// topics.
func (p *MQTTPublisher) PublishReadings(ctx context.Context, set *domain.ReadingSet) error {
	if !p.config.MQTT.Enabled || !p.connected {
		return nil
	}

	for _, reading := range set.Readings {
		topic := p.discovery.StateTopic(reading.Name)
		if err := p.publish(ctx, topic, false, []byte(reading.Value.String())); err != nil {
			return fmt.Errorf("failed to publish state for %q: %w", reading.Name, err)
		}
	}

	p.logger.Debug().
		Str("command", set.Command).
		Int("readings", len(set.Readings)).
		Msg("Published reading set")

	return nil
}

// publish sends one message, bounded by the caller's context.
func (p *MQTTPublisher) publish(ctx context.Context, topic string, retain bool, payload []byte) error {
	token := p.client.Publish(topic, 0, retain, payload)
	select {
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("publish to %s: %w", topic, token.Error())
		}
	}
	return nil
}

// Close marks the device unavailable and terminates the broker connection.
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.connected {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := p.publish(ctx, p.discovery.AvailabilityTopic(), true, []byte("offline")); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to publish offline availability")
		}
		cancel()
		p.client.Disconnect(250)
		p.connected = false
	}
	return nil
}
