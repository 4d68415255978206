package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ControlRequest holds the vendor-specific control-transfer parameters the
// inverter expects for outbound reports. They vary by inverter model and are
// external configuration.
type ControlRequest struct {
	Type    uint8
	Request uint8
	Value   uint16
	Index   uint16
	Timeout time.Duration
}

// USBConfig describes which device to open and how to talk to it.
type USBConfig struct {
	VendorID    uint16
	ProductID   uint16
	Interface   int
	Request     ControlRequest
	Endpoint    int
	ReadTimeout time.Duration
	ReportSize  int
}

// USBTransport drives the inverter over its HID-style USB channel: commands
// go out as control transfers, responses come back as interrupt reads from
// the configured endpoint.
type USBTransport struct {
	usbCtx *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	ep     *gousb.InEndpoint
	config USBConfig
	logger zerolog.Logger
}

// OpenUSB opens and claims the configured USB device. The returned transport
// exclusively owns the device handle until Close.
func OpenUSB(config USBConfig) (*USBTransport, error) {
	logger := log.With().Str("component", "usb").Logger()

	usbCtx := gousb.NewContext()
	dev, err := usbCtx.OpenDeviceWithVIDPID(
		gousb.ID(config.VendorID), gousb.ID(config.ProductID))
	if err != nil {
		usbCtx.Close()
		return nil, fmt.Errorf("%w: failed to open device %04x:%04x: %v",
			ErrDevice, config.VendorID, config.ProductID, err)
	}
	if dev == nil {
		usbCtx.Close()
		return nil, fmt.Errorf("%w: device %04x:%04x not found",
			ErrDevice, config.VendorID, config.ProductID)
	}

	// The kernel hid driver owns the interface by default.
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		usbCtx.Close()
		return nil, fmt.Errorf("%w: cannot detach kernel driver: %v", ErrDevice, err)
	}
	dev.ControlTimeout = config.Request.Timeout

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		usbCtx.Close()
		return nil, fmt.Errorf("%w: cannot select configuration: %v", ErrDevice, err)
	}

	intf, err := cfg.Interface(config.Interface, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		usbCtx.Close()
		return nil, fmt.Errorf("%w: cannot claim interface %d: %v",
			ErrDevice, config.Interface, err)
	}

	ep, err := intf.InEndpoint(config.Endpoint)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		usbCtx.Close()
		return nil, fmt.Errorf("%w: cannot open IN endpoint %d: %v",
			ErrDevice, config.Endpoint, err)
	}

	logger.Info().
		Str("device", fmt.Sprintf("%04x:%04x", config.VendorID, config.ProductID)).
		Int("interface", config.Interface).
		Int("endpoint", config.Endpoint).
		Msg("USB device opened")

	return &USBTransport{
		usbCtx: usbCtx,
		dev:    dev,
		cfg:    cfg,
		intf:   intf,
		ep:     ep,
		config: config,
		logger: logger,
	}, nil
}

// Send issues one encoded report chunk as a vendor-specific control transfer.
func (t *USBTransport) Send(_ context.Context, chunk []byte) error {
	req := t.config.Request
	if _, err := t.dev.Control(req.Type, req.Request, req.Value, req.Index, chunk); err != nil {
		if errors.Is(err, gousb.ErrorTimeout) {
			return fmt.Errorf("%w: control transfer: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: control transfer: %v", ErrDevice, err)
	}
	return nil
}

// Receive reads the next raw report chunk from the interrupt endpoint.
func (t *USBTransport) Receive(ctx context.Context) ([]byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, t.config.ReadTimeout)
	defer cancel()

	buf := make([]byte, t.config.ReportSize)
	n, err := t.ep.ReadContext(readCtx, buf)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, gousb.ErrorTimeout) {
			return nil, fmt.Errorf("%w: interrupt read: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: interrupt read: %v", ErrDevice, err)
	}
	return buf[:n], nil
}

// Close releases the interface and device handle.
func (t *USBTransport) Close() error {
	t.intf.Close()
	if err := t.cfg.Close(); err != nil {
		t.logger.Warn().Err(err).Msg("Error closing USB configuration")
	}
	if err := t.dev.Close(); err != nil {
		t.logger.Warn().Err(err).Msg("Error closing USB device")
	}
	return t.usbCtx.Close()
}
