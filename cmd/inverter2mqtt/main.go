// Package main provides the entry point for the inverter2mqtt bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anti-social/inverter2mqtt/internal/api"
	"github.com/anti-social/inverter2mqtt/internal/codec"
	"github.com/anti-social/inverter2mqtt/internal/config"
	"github.com/anti-social/inverter2mqtt/internal/domain"
	"github.com/anti-social/inverter2mqtt/internal/poller"
	"github.com/anti-social/inverter2mqtt/internal/pubsub"
	"github.com/anti-social/inverter2mqtt/internal/schema"
	"github.com/anti-social/inverter2mqtt/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	code := run()
	os.Exit(code)
}

func run() int {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("inverter2mqtt %s\n", Version)
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	initLogger(cfg.LogLevel)

	log.Info().Str("version", Version).Msg("Starting inverter2mqtt")
	cfg.Print()

	commands, err := schema.Load(cfg.Schema.Path)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load sensor layout")
		return 1
	}

	frameCodec := codec.New(cfg.CodecParams())

	deviceTransport, err := openTransport(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open device transport")
		return 1
	}

	var publisher domain.Publisher
	if cfg.MQTT.Enabled {
		mqttPublisher := pubsub.NewMQTTPublisher(cfg, commands)
		if err := mqttPublisher.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to connect to MQTT broker, using noop publisher")
			publisher = pubsub.NewNoopPublisher()
		} else {
			publisher = mqttPublisher
			log.Info().Msg("MQTT publisher connected successfully")
		}
	} else {
		log.Info().Msg("MQTT disabled, using noop publisher")
		publisher = pubsub.NewNoopPublisher()
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing publisher")
		}
	}()

	devicePoller := poller.New(frameCodec, deviceTransport, publisher, commands, poller.Config{
		Interval:          time.Duration(cfg.Poll.IntervalSeconds) * time.Second,
		EmitTimeout:       time.Duration(cfg.Poll.EmitTimeoutSeconds) * time.Second,
		DegradedThreshold: cfg.Poll.DegradedThreshold,
	})

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, devicePoller)
		if err := apiServer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to start API server")
			return 1
		}
	}

	// The poller owns the device handle; Run closes it on the way out.
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		if err := devicePoller.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Poll loop terminated unexpectedly")
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	cancel()
	select {
	case <-pollDone:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Timed out waiting for poll loop to stop")
	}

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping API server")
			return 1
		}
	}

	log.Info().Msg("Stopped")
	return 0
}

// openTransport opens the configured physical channel to the inverter.
func openTransport(cfg *config.Config) (domain.Transport, error) {
	switch cfg.Transport.Kind {
	case "serial":
		return transport.OpenSerial(cfg.SerialTransportConfig())
	default:
		return transport.OpenUSB(cfg.USBTransportConfig())
	}
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Logger()
}
