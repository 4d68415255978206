package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/anti-social/inverter2mqtt/internal/config"
	"github.com/anti-social/inverter2mqtt/internal/domain"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokerMessage struct {
	Topic   string
	Payload []byte
}

// startTestBroker starts an embedded MQTT broker on a free port.
func startTestBroker(t *testing.T) (*mqttserver.Server, int) {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	broker := mqttserver.New(&mqttserver.Options{
		InlineClient: true,
	})
	_ = broker.AddHook(new(auth.AllowHook), nil)

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "t1",
		Address: fmt.Sprintf(":%d", port),
	})
	require.NoError(t, broker.AddListener(tcp))

	go func() {
		if err := broker.Serve(); err != nil {
			t.Logf("MQTT broker error: %v", err)
		}
	}()
	t.Cleanup(func() { _ = broker.Close() })

	// Give the broker time to start listening.
	time.Sleep(100 * time.Millisecond)
	return broker, port
}

// subscribe connects a paho client and forwards every matching message.
func subscribe(t *testing.T, port int, pattern string, msgChan chan<- brokerMessage) mqtt.Client {
	t.Helper()

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://localhost:%d", port)).
		SetClientID("test-subscriber").
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second), "subscriber connect timed out")
	require.NoError(t, token.Error())

	token = client.Subscribe(pattern, 0, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case msgChan <- brokerMessage{Topic: msg.Topic(), Payload: msg.Payload()}:
		default:
			t.Logf("message channel full, dropping %s", msg.Topic())
		}
	})
	require.True(t, token.WaitTimeout(5*time.Second), "subscribe timed out")
	require.NoError(t, token.Error())

	t.Cleanup(func() { client.Disconnect(250) })
	return client
}

// collect drains messages into a topic-keyed map until count arrive.
func collect(t *testing.T, msgChan <-chan brokerMessage, count int) map[string][]byte {
	t.Helper()

	messages := make(map[string][]byte)
	deadline := time.After(10 * time.Second)
	for len(messages) < count {
		select {
		case msg := <-msgChan:
			messages[msg.Topic] = msg.Payload
		case <-deadline:
			t.Fatalf("timed out with %d of %d messages: %v", len(messages), count, topics(messages))
		}
	}
	return messages
}

func topics(messages map[string][]byte) []string {
	keys := make([]string, 0, len(messages))
	for topic := range messages {
		keys = append(keys, topic)
	}
	return keys
}

func testCommands() []domain.Command {
	return []domain.Command{
		{
			Mnemonic: "QPIGS",
			Sensors: []domain.SensorDescriptor{
				{
					Name:        "grid_voltage",
					HumanName:   "Grid voltage",
					ValueType:   domain.ValueTypeFloat,
					DeviceClass: "voltage",
					Unit:        "V",
				},
				{}, // placeholder, must not be announced
				{
					Name:      "load_percent",
					ValueType: domain.ValueTypeInt,
					Unit:      "%",
				},
			},
		},
	}
}

func testMQTTConfig(port int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Inverter.ID = "axpert"
	cfg.Inverter.Name = "Axpert MKS"
	cfg.Inverter.Manufacturer = "Voltronic"
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = port
	return cfg
}

func TestConnectPublishesDiscovery(t *testing.T) {
	_, port := startTestBroker(t)

	msgChan := make(chan brokerMessage, 32)
	subscribe(t, port, "homeassistant/#", msgChan)

	publisher := NewMQTTPublisher(testMQTTConfig(port), testCommands())
	require.NoError(t, publisher.Connect(context.Background()))
	defer publisher.Close()

	// Two named sensors announce config; the placeholder stays silent. The
	// device comes online on the shared availability topic.
	messages := collect(t, msgChan, 3)

	availability, ok := messages["homeassistant/sensor/axpert/availability"]
	require.True(t, ok, "availability not published: %v", topics(messages))
	assert.Equal(t, "online", string(availability))

	payload, ok := messages["homeassistant/sensor/axpert/axpert_grid_voltage/config"]
	require.True(t, ok, "grid_voltage discovery not published: %v", topics(messages))

	var discovery map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &discovery))
	assert.Equal(t, "Grid voltage", discovery["name"])
	assert.Equal(t, "axpert_grid_voltage", discovery["unique_id"])
	assert.Equal(t, "homeassistant/sensor/axpert/axpert_grid_voltage/state", discovery["state_topic"])
	assert.Equal(t, "voltage", discovery["device_class"])
	assert.Equal(t, "V", discovery["unit_of_measurement"])

	device, ok := discovery["device"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Axpert MKS", device["name"])
	assert.Equal(t, "Voltronic", device["manufacturer"])

	_, ok = messages["homeassistant/sensor/axpert/axpert_load_percent/config"]
	assert.True(t, ok, "load_percent discovery not published: %v", topics(messages))
}

func TestPublishReadingsToStateTopics(t *testing.T) {
	_, port := startTestBroker(t)

	msgChan := make(chan brokerMessage, 32)
	subscribe(t, port, "homeassistant/sensor/axpert/+/state", msgChan)

	publisher := NewMQTTPublisher(testMQTTConfig(port), testCommands())
	require.NoError(t, publisher.Connect(context.Background()))
	defer publisher.Close()

	set := &domain.ReadingSet{
		Command:   "QPIGS",
		Timestamp: time.Now(),
		Readings: []domain.SensorReading{
			{Name: "grid_voltage", Value: domain.FloatValue(229.8)},
			{Name: "load_percent", Value: domain.IntValue(42)},
		},
	}
	require.NoError(t, publisher.PublishReadings(context.Background(), set))

	messages := collect(t, msgChan, 2)
	assert.Equal(t, "229.8", string(messages["homeassistant/sensor/axpert/axpert_grid_voltage/state"]))
	assert.Equal(t, "42", string(messages["homeassistant/sensor/axpert/axpert_load_percent/state"]))
}

func TestClosePublishesOffline(t *testing.T) {
	_, port := startTestBroker(t)

	msgChan := make(chan brokerMessage, 32)
	subscribe(t, port, "homeassistant/sensor/axpert/availability", msgChan)

	publisher := NewMQTTPublisher(testMQTTConfig(port), testCommands())
	require.NoError(t, publisher.Connect(context.Background()))
	require.NoError(t, publisher.Close())

	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg := <-msgChan:
			if string(msg.Payload) == "offline" {
				return
			}
		case <-deadline:
			t.Fatal("offline availability never published")
		}
	}
}

func TestPublishReadingsWhenDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MQTT.Enabled = false

	publisher := NewMQTTPublisher(cfg, testCommands())
	require.NoError(t, publisher.Connect(context.Background()))

	set := &domain.ReadingSet{Command: "QPIGS", Timestamp: time.Now()}
	assert.NoError(t, publisher.PublishReadings(context.Background(), set))
	assert.NoError(t, publisher.Close())
}

func TestNoopPublisher(t *testing.T) {
	publisher := NewNoopPublisher()
	assert.NoError(t, publisher.Connect(context.Background()))
	assert.NoError(t, publisher.PublishReadings(context.Background(), &domain.ReadingSet{}))
	assert.NoError(t, publisher.Close())
}
