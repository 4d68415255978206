// Package transport provides physical command/response channels to the
// inverter. Every implementation is a plain byte pipe with timeout
// semantics: framing and parsing live in the codec, so swapping USB for
// serial (or a fake in tests) never touches parsing logic.
package transport

import "errors"

// Transport errors. Implementations wrap their library errors into these so
// the poll controller can classify failures with errors.Is.
var (
	// ErrTimeout means the device produced no response within the
	// configured bound. Transient; expected occasionally.
	ErrTimeout = errors.New("transport timeout")

	// ErrDevice means the device is unreachable, stalled or disconnected.
	// Potentially persistent.
	ErrDevice = errors.New("transport device error")
)
