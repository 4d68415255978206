package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// SerialConfig describes an RS-232 connection to the inverter.
type SerialConfig struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
	ReportSize  int
}

// SerialTransport speaks the same chunked protocol over a serial line. It
// satisfies the exact send/receive contract of the USB transport, so the rest
// of the pipeline does not know which one it is running on.
type SerialTransport struct {
	port   serial.Port
	config SerialConfig
	logger zerolog.Logger
}

// OpenSerial opens the configured serial port.
func OpenSerial(config SerialConfig) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: config.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(config.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open serial port %s: %v",
			ErrDevice, config.Port, err)
	}
	if err := port.SetReadTimeout(config.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: cannot set read timeout: %v", ErrDevice, err)
	}

	logger := log.With().Str("component", "serial").Logger()
	logger.Info().
		Str("port", config.Port).
		Int("baud_rate", config.BaudRate).
		Msg("Serial port opened")

	return &SerialTransport{
		port:   port,
		config: config,
		logger: logger,
	}, nil
}

// Send writes one encoded report chunk to the line.
func (t *SerialTransport) Send(ctx context.Context, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if _, err := t.port.Write(chunk); err != nil {
		return fmt.Errorf("%w: serial write: %v", ErrDevice, err)
	}
	return nil
}

// Receive reads one full report chunk. A serial line delivers bytes, not
// reports, so reads accumulate until the report is complete or the deadline
// passes.
func (t *SerialTransport) Receive(ctx context.Context) ([]byte, error) {
	buf := make([]byte, t.config.ReportSize)
	filled := 0
	deadline := time.Now().Add(t.config.ReadTimeout)

	for filled < len(buf) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: serial read: %d of %d bytes after %s",
				ErrTimeout, filled, len(buf), t.config.ReadTimeout)
		}

		n, err := t.port.Read(buf[filled:])
		if err != nil {
			return nil, fmt.Errorf("%w: serial read: %v", ErrDevice, err)
		}
		if n == 0 && filled == 0 {
			// SetReadTimeout expired without any data.
			return nil, fmt.Errorf("%w: serial read: no data after %s",
				ErrTimeout, t.config.ReadTimeout)
		}
		filled += n
	}

	return buf, nil
}

// Close releases the serial port.
func (t *SerialTransport) Close() error {
	return t.port.Close()
}
