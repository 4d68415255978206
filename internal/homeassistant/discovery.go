// Package homeassistant builds MQTT auto-discovery payloads so the inverter's
// sensors appear in Home Assistant without manual configuration.
package homeassistant

import (
	"fmt"
	"strings"

	"github.com/anti-social/inverter2mqtt/internal/domain"
)

// Config identifies the published device and where discovery lives.
type Config struct {
	DiscoveryPrefix    string
	DeviceID           string
	DeviceName         string
	DeviceManufacturer string
	DeviceModel        string
}

// DiscoveryMessage is the JSON payload published to a sensor's config topic.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	Device              DeviceInfo `json:"device"`
}

// DeviceInfo groups all sensors under one Home Assistant device.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// Discovery generates topics and payloads for one inverter device.
type Discovery struct {
	config Config
}

// New creates a discovery generator.
func New(config Config) *Discovery {
	if config.DiscoveryPrefix == "" {
		config.DiscoveryPrefix = "homeassistant"
	}
	return &Discovery{config: config}
}

// baseTopic is the per-device root all entity topics hang off.
func (d *Discovery) baseTopic() string {
	return fmt.Sprintf("%s/sensor/%s", d.config.DiscoveryPrefix, d.config.DeviceID)
}

// entityID builds the unique entity identifier for a sensor.
func (d *Discovery) entityID(sensorName string) string {
	return fmt.Sprintf("%s_%s", d.config.DeviceID, sensorName)
}

// ConfigTopic returns the discovery config topic for a sensor.
func (d *Discovery) ConfigTopic(sensorName string) string {
	return fmt.Sprintf("%s/%s/config", d.baseTopic(), d.entityID(sensorName))
}

// StateTopic returns the state topic a sensor's values are published to.
func (d *Discovery) StateTopic(sensorName string) string {
	return fmt.Sprintf("%s/%s/state", d.baseTopic(), d.entityID(sensorName))
}

// AvailabilityTopic returns the shared online/offline topic for the device.
func (d *Discovery) AvailabilityTopic() string {
	return fmt.Sprintf("%s/availability", d.baseTopic())
}

// Message builds the discovery payload for one sensor descriptor.
func (d *Discovery) Message(sensor domain.SensorDescriptor) DiscoveryMessage {
	name := sensor.HumanName
	if name == "" {
		name = humanize(sensor.Name)
	}

	entityID := d.entityID(sensor.Name)
	return DiscoveryMessage{
		Name:                name,
		ObjectID:            entityID,
		UniqueID:            entityID,
		StateTopic:          d.StateTopic(sensor.Name),
		AvailabilityTopic:   d.AvailabilityTopic(),
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
		DeviceClass:         sensor.DeviceClass,
		UnitOfMeasurement:   sensor.Unit,
		Icon:                sensor.Icon,
		Device: DeviceInfo{
			Identifiers:  []string{d.config.DeviceID},
			Name:         d.config.DeviceName,
			Manufacturer: d.config.DeviceManufacturer,
			Model:        d.config.DeviceModel,
		},
	}
}

// humanize turns a snake_case sensor name into a display name.
func humanize(name string) string {
	words := strings.Split(name, "_")
	for i, word := range words {
		if word == "" {
			continue
		}
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}
