// Package domain provides core domain models and interfaces for the inverter2mqtt application.
package domain

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// ValueType identifies how a raw response field is coerced into a typed value.
type ValueType string

const (
	ValueTypeFloat  ValueType = "float"
	ValueTypeInt    ValueType = "int"
	ValueTypeString ValueType = "string"
	ValueTypeBool   ValueType = "bool"
)

// Valid reports whether vt is one of the known value types.
func (vt ValueType) Valid() bool {
	switch vt {
	case ValueTypeFloat, ValueTypeInt, ValueTypeString, ValueTypeBool:
		return true
	}
	return false
}

// SensorDescriptor describes how to interpret one positional field of a
// command's response. Descriptors are matched to response tokens by position,
// so ordering within a command is significant. A descriptor with an empty
// name is a placeholder: its token is consumed but no reading is produced.
type SensorDescriptor struct {
	Name        string
	HumanName   string
	ValueType   ValueType
	DeviceClass string
	Unit        string
	Icon        string
}

// Skip reports whether this descriptor is a positional placeholder.
func (d SensorDescriptor) Skip() bool {
	return d.Name == ""
}

// Command pairs an ASCII query mnemonic with the ordered sensor descriptors
// describing its reply. Commands are loaded once at startup and never mutated.
type Command struct {
	Mnemonic string
	Sensors  []SensorDescriptor
}

// SensorValue is a tagged variant holding one typed sensor reading.
type SensorValue struct {
	Type  ValueType
	Float float64
	Int   int64
	Str   string
	Bool  bool
}

// FloatValue wraps a float reading.
func FloatValue(v float64) SensorValue {
	return SensorValue{Type: ValueTypeFloat, Float: v}
}

// IntValue wraps an integer reading.
func IntValue(v int64) SensorValue {
	return SensorValue{Type: ValueTypeInt, Int: v}
}

// StringValue wraps a string reading.
func StringValue(v string) SensorValue {
	return SensorValue{Type: ValueTypeString, Str: v}
}

// BoolValue wraps a boolean reading.
func BoolValue(v bool) SensorValue {
	return SensorValue{Type: ValueTypeBool, Bool: v}
}

// String renders the value the way it is published to a state topic.
func (v SensorValue) String() string {
	switch v.Type {
	case ValueTypeFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case ValueTypeInt:
		return strconv.FormatInt(v.Int, 10)
	case ValueTypeBool:
		if v.Bool {
			return "1"
		}
		return "0"
	default:
		return v.Str
	}
}

// MarshalJSON emits the native typed value.
func (v SensorValue) MarshalJSON() ([]byte, error) {
	switch v.Type {
	case ValueTypeFloat:
		return []byte(strconv.FormatFloat(v.Float, 'f', -1, 64)), nil
	case ValueTypeInt:
		return []byte(strconv.FormatInt(v.Int, 10)), nil
	case ValueTypeBool:
		return []byte(strconv.FormatBool(v.Bool)), nil
	default:
		return []byte(strconv.Quote(v.Str)), nil
	}
}

// SensorReading is the parsed, typed result for one descriptor.
type SensorReading struct {
	Name  string      `json:"name"`
	Value SensorValue `json:"value"`
}

// ReadingSet is the unit handed to the publisher: every named sensor of one
// command, parsed from a single response. A set is produced fresh each poll
// cycle and is never partial.
type ReadingSet struct {
	Command   string          `json:"command"`
	Timestamp time.Time       `json:"timestamp"`
	Readings  []SensorReading `json:"readings"`
}

// FailureClass classifies why a poll cycle failed.
type FailureClass int

const (
	FailureNone FailureClass = iota
	FailureTransport
	FailureTimeout
	FailureChecksum
	FailureTruncated
	FailureMalformed
	FailureFieldCount
	FailureCoercion
	FailurePublish
)

// String returns the string representation of the failure class.
func (fc FailureClass) String() string {
	switch fc {
	case FailureNone:
		return "none"
	case FailureTransport:
		return "transport_error"
	case FailureTimeout:
		return "transport_timeout"
	case FailureChecksum:
		return "checksum_mismatch"
	case FailureTruncated:
		return "truncated"
	case FailureMalformed:
		return "malformed"
	case FailureFieldCount:
		return "field_count_mismatch"
	case FailureCoercion:
		return "type_coercion"
	case FailurePublish:
		return "publish_error"
	default:
		return fmt.Sprintf("unknown(%d)", int(fc))
	}
}

// Transport is a byte pipe to the physical device. Send writes one encoded
// report chunk; Receive blocks for the next inbound chunk up to the
// transport's configured timeout. The transport performs no framing or
// parsing, so USB and serial implementations are interchangeable.
type Transport interface {
	// Send writes a single encoded chunk to the device.
	Send(ctx context.Context, chunk []byte) error

	// Receive reads the next raw chunk from the device.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the device handle.
	Close() error
}

// Publisher delivers reading sets to an external consumer.
type Publisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// PublishReadings sends one command's reading set
	PublishReadings(ctx context.Context, set *ReadingSet) error

	// Close terminates the connection to the messaging system
	Close() error
}
