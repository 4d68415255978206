// Package config provides configuration management for the inverter2mqtt application.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/anti-social/inverter2mqtt/internal/codec"
	"github.com/anti-social/inverter2mqtt/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`

	// Inverter identity, used for MQTT topics and discovery payloads
	Inverter struct {
		ID           string `mapstructure:"id"`
		Name         string `mapstructure:"name"`
		Manufacturer string `mapstructure:"manufacturer"`
		Model        string `mapstructure:"model"`
	} `mapstructure:"inverter"`

	// Transport settings
	Transport struct {
		// Kind selects the physical channel: "usb" or "serial"
		Kind string `mapstructure:"kind"`

		USB struct {
			VendorID  uint16 `mapstructure:"vendor_id"`
			ProductID uint16 `mapstructure:"product_id"`
			Interface int    `mapstructure:"interface"`

			// Vendor-specific control-transfer parameters for outbound reports
			Request struct {
				Type      uint8  `mapstructure:"type"`
				Request   uint8  `mapstructure:"request"`
				Value     uint16 `mapstructure:"value"`
				Index     uint16 `mapstructure:"index"`
				TimeoutMs int    `mapstructure:"timeout_ms"`
			} `mapstructure:"request"`

			Response struct {
				Endpoint  int `mapstructure:"endpoint"`
				TimeoutMs int `mapstructure:"timeout_ms"`
			} `mapstructure:"response"`
		} `mapstructure:"usb"`

		Serial struct {
			Port      string `mapstructure:"port"`
			BaudRate  int    `mapstructure:"baud_rate"`
			TimeoutMs int    `mapstructure:"timeout_ms"`
		} `mapstructure:"serial"`
	} `mapstructure:"transport"`

	// Protocol framing constants; reverse-engineered per firmware revision
	Protocol struct {
		ReportSize        int    `mapstructure:"report_size"`
		MaxCommandLength  int    `mapstructure:"max_command_length"`
		MaxResponseLength int    `mapstructure:"max_response_length"`
		Checksum          string `mapstructure:"checksum"`
		Terminator        uint8  `mapstructure:"terminator"`
		StartMarker       uint8  `mapstructure:"start_marker"`
	} `mapstructure:"protocol"`

	// Poll loop settings
	Poll struct {
		IntervalSeconds    int `mapstructure:"interval_seconds"`
		EmitTimeoutSeconds int `mapstructure:"emit_timeout_seconds"`
		DegradedThreshold  int `mapstructure:"degraded_threshold"`
	} `mapstructure:"poll"`

	// Sensor layout file; empty means the embedded Axpert layout
	Schema struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"schema"`

	// MQTT settings
	MQTT struct {
		Enabled         bool   `mapstructure:"enabled"`
		Host            string `mapstructure:"host"`
		Port            int    `mapstructure:"port"`
		Username        string `mapstructure:"username"`
		Password        string `mapstructure:"password"`
		DiscoveryPrefix string `mapstructure:"discovery_prefix"`
		RetainDiscovery bool   `mapstructure:"retain_discovery"`
	} `mapstructure:"mqtt"`

	// HTTP status API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`
}

// DefaultConfig returns a configuration with default values. The USB and
// protocol defaults match the common Axpert/Voltronic HID dialect.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
	}

	cfg.Inverter.ID = "inverter"
	cfg.Inverter.Name = "Inverter"

	cfg.Transport.Kind = "usb"
	cfg.Transport.USB.VendorID = 0x0665
	cfg.Transport.USB.ProductID = 0x5161
	cfg.Transport.USB.Interface = 0
	cfg.Transport.USB.Request.Type = 0x21
	cfg.Transport.USB.Request.Request = 0x09
	cfg.Transport.USB.Request.Value = 0x0200
	cfg.Transport.USB.Request.Index = 0
	cfg.Transport.USB.Request.TimeoutMs = 1000
	cfg.Transport.USB.Response.Endpoint = 1
	cfg.Transport.USB.Response.TimeoutMs = 3000

	cfg.Transport.Serial.BaudRate = 2400
	cfg.Transport.Serial.TimeoutMs = 3000

	cfg.Protocol.ReportSize = 8
	cfg.Protocol.MaxCommandLength = 16
	cfg.Protocol.MaxResponseLength = 512
	cfg.Protocol.Checksum = "xmodem"
	cfg.Protocol.Terminator = '\r'
	cfg.Protocol.StartMarker = '('

	cfg.Poll.IntervalSeconds = 30
	cfg.Poll.EmitTimeoutSeconds = 5
	cfg.Poll.DegradedThreshold = 3

	cfg.MQTT.Enabled = true
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.RetainDiscovery = true

	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	v.SetEnvPrefix("INVERTER2MQTT")
	v.AutomaticEnv()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the rest of the pipeline
// cannot work with.
func (c *Config) Validate() error {
	if c.Inverter.ID == "" {
		return fmt.Errorf("inverter.id must not be empty")
	}
	if c.Transport.Kind != "usb" && c.Transport.Kind != "serial" {
		return fmt.Errorf("transport.kind must be \"usb\" or \"serial\", got %q", c.Transport.Kind)
	}
	if c.Transport.Kind == "serial" && c.Transport.Serial.Port == "" {
		return fmt.Errorf("transport.serial.port must be set for serial transport")
	}
	if c.Protocol.ReportSize < 2 {
		return fmt.Errorf("protocol.report_size must be at least 2, got %d", c.Protocol.ReportSize)
	}
	if c.Poll.IntervalSeconds <= 0 {
		return fmt.Errorf("poll.interval_seconds must be positive, got %d", c.Poll.IntervalSeconds)
	}
	if _, err := codec.ChecksumPreset(c.Protocol.Checksum); err != nil {
		return fmt.Errorf("protocol.checksum: %w", err)
	}
	return nil
}

// CodecParams maps the protocol section onto codec parameters.
func (c *Config) CodecParams() codec.Params {
	// Validated in Load; the preset lookup cannot fail here.
	checksum, _ := codec.ChecksumPreset(c.Protocol.Checksum)
	return codec.Params{
		ReportSize:     c.Protocol.ReportSize,
		MaxCommandLen:  c.Protocol.MaxCommandLength,
		MaxResponseLen: c.Protocol.MaxResponseLength,
		Terminator:     c.Protocol.Terminator,
		StartMarker:    c.Protocol.StartMarker,
		Checksum:       checksum,
	}
}

// USBTransportConfig maps the transport section onto the USB transport.
func (c *Config) USBTransportConfig() transport.USBConfig {
	return transport.USBConfig{
		VendorID:  c.Transport.USB.VendorID,
		ProductID: c.Transport.USB.ProductID,
		Interface: c.Transport.USB.Interface,
		Request: transport.ControlRequest{
			Type:    c.Transport.USB.Request.Type,
			Request: c.Transport.USB.Request.Request,
			Value:   c.Transport.USB.Request.Value,
			Index:   c.Transport.USB.Request.Index,
			Timeout: time.Duration(c.Transport.USB.Request.TimeoutMs) * time.Millisecond,
		},
		Endpoint:    c.Transport.USB.Response.Endpoint,
		ReadTimeout: time.Duration(c.Transport.USB.Response.TimeoutMs) * time.Millisecond,
		ReportSize:  c.Protocol.ReportSize,
	}
}

// SerialTransportConfig maps the transport section onto the serial transport.
func (c *Config) SerialTransportConfig() transport.SerialConfig {
	return transport.SerialConfig{
		Port:        c.Transport.Serial.Port,
		BaudRate:    c.Transport.Serial.BaudRate,
		ReadTimeout: time.Duration(c.Transport.Serial.TimeoutMs) * time.Millisecond,
		ReportSize:  c.Protocol.ReportSize,
	}
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().
		Str("id", c.Inverter.ID).
		Str("name", c.Inverter.Name).
		Str("model", c.Inverter.Model).
		Msg("Inverter")
	logger.Info().Str("kind", c.Transport.Kind).Msg("Transport")
	if c.Transport.Kind == "usb" {
		logger.Info().
			Str("device", fmt.Sprintf("%04x:%04x", c.Transport.USB.VendorID, c.Transport.USB.ProductID)).
			Int("interface", c.Transport.USB.Interface).
			Int("endpoint", c.Transport.USB.Response.Endpoint).
			Msg("USB Configuration")
	} else {
		logger.Info().
			Str("port", c.Transport.Serial.Port).
			Int("baud_rate", c.Transport.Serial.BaudRate).
			Msg("Serial Configuration")
	}
	logger.Info().
		Str("checksum", c.Protocol.Checksum).
		Int("report_size", c.Protocol.ReportSize).
		Msg("Protocol")
	logger.Info().
		Int("interval_seconds", c.Poll.IntervalSeconds).
		Int("degraded_threshold", c.Poll.DegradedThreshold).
		Msg("Poll Loop")
	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("discovery_prefix", c.MQTT.DiscoveryPrefix).
			Msg("MQTT Configuration")
	}
	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
}
