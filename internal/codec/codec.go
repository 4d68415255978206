// Package codec implements the inverter's USB report framing: encoding ASCII
// commands into length-prefixed chunks with an appended CRC and terminator,
// and reassembling inbound chunks into a validated response body.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/sigurn/crc16"
)

// Framing errors. Callers match with errors.Is.
var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrTruncated        = errors.New("truncated response")
	ErrMalformed        = errors.New("malformed response")
	ErrCommandTooLong   = errors.New("command too long")
)

// Params holds the protocol constants. They are reverse-engineered from
// captured traffic and vary by firmware revision, so nothing here is
// hard-coded into the codec itself.
type Params struct {
	// ReportSize is the fixed USB report size, including the length-prefix
	// byte.
	ReportSize int

	// MaxCommandLen bounds the encoded command mnemonic.
	MaxCommandLen int

	// MaxResponseLen bounds reassembly so a stuck device cannot flood the
	// reader forever.
	MaxResponseLen int

	// Terminator ends a logical message on the wire.
	Terminator byte

	// StartMarker is the envelope byte query responses begin with.
	StartMarker byte

	// Checksum selects the CRC16 preset used by the device firmware.
	Checksum crc16.Params
}

// DefaultParams returns the framing used by Axpert/Voltronic firmware.
func DefaultParams() Params {
	return Params{
		ReportSize:     8,
		MaxCommandLen:  16,
		MaxResponseLen: 512,
		Terminator:     '\r',
		StartMarker:    '(',
		Checksum:       crc16.CRC16_XMODEM,
	}
}

// ChecksumPreset resolves a configured checksum name to its CRC16 parameters.
func ChecksumPreset(name string) (crc16.Params, error) {
	switch strings.ToLower(name) {
	case "", "xmodem":
		return crc16.CRC16_XMODEM, nil
	case "ccitt-false":
		return crc16.CRC16_CCITT_FALSE, nil
	case "aug-ccitt":
		return crc16.CRC16_AUG_CCITT, nil
	case "modbus":
		return crc16.CRC16_MODBUS, nil
	default:
		return crc16.Params{}, fmt.Errorf("unknown checksum preset: %q", name)
	}
}

// Codec frames commands and reassembles responses for one protocol dialect.
type Codec struct {
	params   Params
	crcTable *crc16.Table
}

// New creates a codec for the given protocol parameters.
func New(params Params) *Codec {
	return &Codec{
		params:   params,
		crcTable: crc16.MakeTable(params.Checksum),
	}
}

// Params returns the protocol parameters the codec was built with.
func (c *Codec) Params() Params {
	return c.params
}

// checksum computes the protocol CRC over data.
func (c *Codec) checksum(data []byte) uint16 {
	return crc16.Checksum(data, c.crcTable)
}

// Encode frames an ASCII command mnemonic into outbound report chunks.
//
// The wire message is mnemonic + 2-byte big-endian CRC + terminator. It is
// split into fixed-size reports whose first byte declares how many payload
// bytes follow; unused bytes are zero padding and a zero-length report marks
// end of stream. Encode is pure: the same mnemonic always yields the same
// chunks.
func (c *Codec) Encode(mnemonic string) ([][]byte, error) {
	if mnemonic == "" {
		return nil, fmt.Errorf("%w: empty command", ErrMalformed)
	}
	if len(mnemonic) > c.params.MaxCommandLen {
		return nil, fmt.Errorf("%w: %q is %d bytes, maximum %d",
			ErrCommandTooLong, mnemonic, len(mnemonic), c.params.MaxCommandLen)
	}

	payload := []byte(mnemonic)
	sum := c.checksum(payload)

	wire := make([]byte, 0, len(payload)+3)
	wire = append(wire, payload...)
	wire = append(wire, byte(sum>>8), byte(sum&0xff))
	wire = append(wire, c.params.Terminator)

	return c.chunk(wire), nil
}

// EncodeResponse frames a response body the way the device would: start
// marker, body, CRC over marker+body, terminator, chunked. It exists so fakes
// and tests can produce well-formed device traffic.
func (c *Codec) EncodeResponse(body string) [][]byte {
	wire := make([]byte, 0, len(body)+4)
	wire = append(wire, c.params.StartMarker)
	wire = append(wire, []byte(body)...)
	sum := c.checksum(wire)
	wire = append(wire, byte(sum>>8), byte(sum&0xff))
	wire = append(wire, c.params.Terminator)
	return c.chunk(wire)
}

// chunk splits a wire message into length-prefixed fixed-size reports,
// appending the zero-length end-of-stream report.
func (c *Codec) chunk(wire []byte) [][]byte {
	maxPayload := c.params.ReportSize - 1
	var chunks [][]byte
	for off := 0; off < len(wire); off += maxPayload {
		n := len(wire) - off
		if n > maxPayload {
			n = maxPayload
		}
		chunk := make([]byte, c.params.ReportSize)
		chunk[0] = byte(n)
		copy(chunk[1:], wire[off:off+n])
		chunks = append(chunks, chunk)
	}
	chunks = append(chunks, make([]byte, c.params.ReportSize))
	return chunks
}

// Reassembler accumulates inbound chunks until a complete message is seen.
// It is transient state owned by a single command cycle.
type Reassembler struct {
	codec *Codec
	buf   []byte
	done  bool
}

// NewReassembler starts reassembly of one inbound message.
func (c *Codec) NewReassembler() *Reassembler {
	return &Reassembler{codec: c}
}

// Done reports whether a termination condition has been reached.
func (r *Reassembler) Done() bool {
	return r.done
}

// Feed appends one chunk's declared-length payload. Reassembly finishes when
// a chunk declares zero length or the terminator byte appears in the
// accumulated stream; it fails once the total length bound is exceeded.
func (r *Reassembler) Feed(chunk []byte) error {
	if r.done {
		return nil
	}
	if len(chunk) == 0 {
		r.done = true
		return nil
	}

	n := int(chunk[0])
	if n > len(chunk)-1 {
		return fmt.Errorf("%w: chunk declares %d payload bytes but carries %d",
			ErrMalformed, n, len(chunk)-1)
	}
	if n == 0 {
		r.done = true
		return nil
	}

	payload := chunk[1 : 1+n]
	if idx := bytes.IndexByte(payload, r.codec.params.Terminator); idx >= 0 {
		r.buf = append(r.buf, payload[:idx]...)
		r.done = true
	} else {
		r.buf = append(r.buf, payload...)
	}

	if len(r.buf) > r.codec.params.MaxResponseLen {
		return fmt.Errorf("%w: response exceeds %d bytes without terminator",
			ErrTruncated, r.codec.params.MaxResponseLen)
	}
	return nil
}

// Body validates the reassembled message and returns the decoded response
// body with envelope marker, checksum and terminator stripped.
//
// The checksum is verified before anything else: a mismatch means the message
// integrity cannot be trusted, so no further interpretation happens.
func (r *Reassembler) Body() (string, error) {
	if !r.done {
		return "", fmt.Errorf("%w: no terminator received", ErrTruncated)
	}
	if len(r.buf) < 3 {
		return "", fmt.Errorf("%w: response too short (%d bytes)", ErrMalformed, len(r.buf))
	}

	data := r.buf[:len(r.buf)-2]
	claimed := uint16(r.buf[len(r.buf)-2])<<8 | uint16(r.buf[len(r.buf)-1])
	computed := r.codec.checksum(data)
	if claimed != computed {
		return "", fmt.Errorf("%w: expected 0x%04x but was 0x%04x: %q",
			ErrChecksumMismatch, computed, claimed, data)
	}

	if data[0] != r.codec.params.StartMarker {
		return "", fmt.Errorf("%w: missing start marker 0x%02x",
			ErrMalformed, r.codec.params.StartMarker)
	}

	return string(data[1:]), nil
}

// Decode reassembles and validates a full sequence of inbound chunks. It is
// the pure counterpart of feeding a Reassembler from a transport.
func (c *Codec) Decode(chunks [][]byte) (string, error) {
	r := c.NewReassembler()
	for _, chunk := range chunks {
		if err := r.Feed(chunk); err != nil {
			return "", err
		}
		if r.Done() {
			break
		}
	}
	return r.Body()
}
