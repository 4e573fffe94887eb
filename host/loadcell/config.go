// Package loadcell contains the host-side view of the sampling MCU:
// configuration, bulk sample decoding and calibration.
package loadcell

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// SensorType selects which ADC engine the MCU runs
type SensorType string

const (
	SensorADS1220 SensorType = "ads1220"
	SensorHX711   SensorType = "hx711"
	SensorHX717   SensorType = "hx717"
)

// Config is the host configuration, loaded from YAML
type Config struct {
	// Device is the serial device path of the MCU
	Device string `yaml:"device"`
	// Baud is the serial baud rate
	Baud int `yaml:"baud"`

	Sensor      SensorConfig      `yaml:"sensor"`
	Calibration CalibrationConfig `yaml:"calibration"`
}

// SensorConfig describes the attached ADC hardware
type SensorConfig struct {
	Type SensorType `yaml:"type"`
	// ChipCount is the number of chips in a bit-banged group (1-4)
	ChipCount int `yaml:"chip_count"`
	// GainChannel selects the gain/input channel (1-4)
	GainChannel int `yaml:"gain_channel"`
	// SampleRateHz is the expected conversion rate, used to derive the
	// MCU's rest_ticks
	SampleRateHz int `yaml:"sample_rate_hz"`
}

// CalibrationConfig converts raw counts to grams
type CalibrationConfig struct {
	// CountsPerGram is the slope from a reference-weight calibration
	CountsPerGram float64 `yaml:"counts_per_gram"`
	// TareCounts is the zero-load offset
	TareCounts int32 `yaml:"tare_counts"`
}

// DefaultConfig returns a configuration for a single HX717 on the
// standard USB serial path
func DefaultConfig() *Config {
	return &Config{
		Device: "/dev/ttyACM0",
		Baud:   250000,
		Sensor: SensorConfig{
			Type:         SensorHX717,
			ChipCount:    1,
			GainChannel:  1,
			SampleRateHz: 320,
		},
		Calibration: CalibrationConfig{
			CountsPerGram: 1.0,
		},
	}
}

// LoadConfig reads and validates a YAML configuration file
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

// Validate checks the configuration against the MCU's own limits, so
// bad values fail here instead of shutting the firmware down.
func (c *Config) Validate() error {
	if c.Device == "" {
		return errors.New("device must be set")
	}
	if c.Baud <= 0 {
		return errors.Errorf("invalid baud %d", c.Baud)
	}

	switch c.Sensor.Type {
	case SensorADS1220:
		if c.Sensor.ChipCount != 1 {
			return errors.New("ads1220 supports a single chip")
		}
	case SensorHX711, SensorHX717:
		if c.Sensor.ChipCount < 1 || c.Sensor.ChipCount > 4 {
			return errors.Errorf("chip_count %d out of range 1-4", c.Sensor.ChipCount)
		}
		if c.Sensor.GainChannel < 1 || c.Sensor.GainChannel > 4 {
			return errors.Errorf("gain_channel %d out of range 1-4", c.Sensor.GainChannel)
		}
	default:
		return errors.Errorf("unknown sensor type %q", c.Sensor.Type)
	}

	if c.Sensor.SampleRateHz <= 0 {
		return errors.Errorf("invalid sample_rate_hz %d", c.Sensor.SampleRateHz)
	}
	if c.Calibration.CountsPerGram == 0 {
		return errors.New("counts_per_gram must be nonzero")
	}
	return nil
}
