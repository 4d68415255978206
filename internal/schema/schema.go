// Package schema loads the declarative command/sensor layout that maps each
// inverter query to the ordered, typed fields of its response. The layout is
// plain configuration data: supporting a new inverter model means shipping a
// new layout file, not new code.
package schema

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/anti-social/inverter2mqtt/internal/domain"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/axpert.yaml
var defaultLayoutYAML []byte

// File is the on-disk shape of a sensor layout.
type File struct {
	Commands []CommandSpec `yaml:"commands"`
}

// CommandSpec declares one query and its positional sensors. A null entry in
// the sensors list is a placeholder for a response field nobody cares about.
type CommandSpec struct {
	Command string        `yaml:"command"`
	Sensors []*SensorSpec `yaml:"sensors"`
}

// SensorSpec declares one positional sensor.
type SensorSpec struct {
	Name              string `yaml:"name"`
	HumanName         string `yaml:"human_name"`
	ValueType         string `yaml:"value_type"`
	DeviceClass       string `yaml:"device_class"`
	UnitOfMeasurement string `yaml:"unit_of_measurement"`
	Icon              string `yaml:"icon"`
}

// Load reads a layout file and converts it into domain commands. An empty
// path loads the embedded Axpert layout.
func Load(path string) ([]domain.Command, error) {
	data := defaultLayoutYAML
	source := "embedded"
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read layout file: %w", err)
		}
		source = path
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse layout file: %w", err)
	}

	commands, err := commandSpecs(file.Commands).toDomain()
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("component", "schema").
		Str("source", source).
		Int("commands", len(commands)).
		Msg("Sensor layout loaded")

	return commands, nil
}

// commandSpecs exists to hang conversion and validation off the list type.
type commandSpecs []CommandSpec

func (specs commandSpecs) toDomain() ([]domain.Command, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("layout declares no commands")
	}

	commands := make([]domain.Command, 0, len(specs))
	seenCommands := make(map[string]bool)
	for _, spec := range specs {
		if spec.Command == "" {
			return nil, fmt.Errorf("layout contains a command without a mnemonic")
		}
		if seenCommands[spec.Command] {
			return nil, fmt.Errorf("duplicate command %q in layout", spec.Command)
		}
		seenCommands[spec.Command] = true

		cmd, err := spec.toDomain()
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	return commands, nil
}

func (spec CommandSpec) toDomain() (domain.Command, error) {
	cmd := domain.Command{
		Mnemonic: spec.Command,
		Sensors:  make([]domain.SensorDescriptor, 0, len(spec.Sensors)),
	}

	seenNames := make(map[string]bool)
	for i, sensor := range spec.Sensors {
		if sensor == nil {
			// Positional placeholder.
			cmd.Sensors = append(cmd.Sensors, domain.SensorDescriptor{})
			continue
		}
		if sensor.Name == "" {
			return domain.Command{}, fmt.Errorf(
				"command %q: sensor at position %d has no name", spec.Command, i)
		}
		if seenNames[sensor.Name] {
			return domain.Command{}, fmt.Errorf(
				"command %q: duplicate sensor name %q", spec.Command, sensor.Name)
		}
		seenNames[sensor.Name] = true

		vt := domain.ValueType(sensor.ValueType)
		if !vt.Valid() {
			return domain.Command{}, fmt.Errorf(
				"command %q: sensor %q has unknown value type %q",
				spec.Command, sensor.Name, sensor.ValueType)
		}

		cmd.Sensors = append(cmd.Sensors, domain.SensorDescriptor{
			Name:        sensor.Name,
			HumanName:   sensor.HumanName,
			ValueType:   vt,
			DeviceClass: sensor.DeviceClass,
			Unit:        sensor.UnitOfMeasurement,
			Icon:        sensor.Icon,
		})
	}

	return cmd, nil
}
