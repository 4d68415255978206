// Package parser turns decoded inverter response bodies into typed sensor
// readings according to a command's sensor schema.
package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/anti-social/inverter2mqtt/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Parsing errors. Callers match with errors.Is.
var (
	ErrFieldCount   = errors.New("field count mismatch")
	ErrTypeCoercion = errors.New("type coercion failed")
)

// Parser coerces whitespace-delimited response fields into sensor readings.
type Parser struct {
	logger zerolog.Logger
}

// NewParser creates a new Parser instance.
func NewParser() *Parser {
	return &Parser{
		logger: log.With().Str("component", "parser").Logger(),
	}
}

// Parse splits body into whitespace-delimited tokens and coerces each one
// according to the positionally matching descriptor.
//
// The token count must equal the descriptor count: a mismatch would silently
// shift every subsequent reading, so it fails fast instead. A single
// coercion failure invalidates the whole set; no partial readings are ever
// returned.
func (p *Parser) Parse(body string, sensors []domain.SensorDescriptor) ([]domain.SensorReading, error) {
	tokens := strings.Fields(body)
	if len(tokens) != len(sensors) {
		return nil, fmt.Errorf("%w: response has %d fields, schema expects %d",
			ErrFieldCount, len(tokens), len(sensors))
	}

	readings := make([]domain.SensorReading, 0, len(sensors))
	for i, sensor := range sensors {
		if sensor.Skip() {
			continue
		}
		value, err := coerce(tokens[i], sensor.ValueType)
		if err != nil {
			return nil, fmt.Errorf("%w: sensor %q field %d: %v",
				ErrTypeCoercion, sensor.Name, i, err)
		}
		readings = append(readings, domain.SensorReading{
			Name:  sensor.Name,
			Value: value,
		})
	}

	p.logger.Debug().
		Int("fields", len(tokens)).
		Int("readings", len(readings)).
		Msg("Parsed response body")

	return readings, nil
}

// coerce converts one raw token per the declared value type.
func coerce(token string, vt domain.ValueType) (domain.SensorValue, error) {
	switch vt {
	case domain.ValueTypeFloat:
		v, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return domain.SensorValue{}, fmt.Errorf("expected float, got %q", token)
		}
		return domain.FloatValue(v), nil
	case domain.ValueTypeInt:
		v, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return domain.SensorValue{}, fmt.Errorf("expected integer, got %q", token)
		}
		return domain.IntValue(v), nil
	case domain.ValueTypeBool:
		switch token {
		case "0":
			return domain.BoolValue(false), nil
		case "1":
			return domain.BoolValue(true), nil
		default:
			return domain.SensorValue{}, fmt.Errorf("expected 0 or 1, got %q", token)
		}
	case domain.ValueTypeString:
		return domain.StringValue(token), nil
	default:
		return domain.SensorValue{}, fmt.Errorf("unknown value type %q", vt)
	}
}
