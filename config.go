package moler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// defaultReceiveBufferSize is the inbound read buffer used by transports
// when the device configuration does not size it.
const defaultReceiveBufferSize = 64 * 4096

// DeviceConfig is the configuration record of one device: transport
// parameters plus the initial state hint. The core consumes this in-memory
// record only; it is loaded once at process start.
type DeviceConfig struct {
	// Type selects a registered device type; empty builds a plain device.
	Type string `yaml:"type" toml:"type"`
	// IOType selects the transport: "tcp", "telnet" or "ssh".
	IOType string `yaml:"io_type" toml:"io_type"`

	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`

	// ReceiveBufferSize sizes the transport read buffer; 0 means the
	// default.
	ReceiveBufferSize int `yaml:"receive_buffer_size" toml:"receive_buffer_size"`

	// InitialState is the state the device traverses to right after the
	// transport opens; empty stays in CONNECTED.
	InitialState string `yaml:"initial_state" toml:"initial_state"`

	// LineTerminator is decoded with the record but is not applied: neither
	// the device factory nor the transports read it, so outbound lines use
	// the connection's default terminator ("\n").
	LineTerminator string `yaml:"line_terminator" toml:"line_terminator"`
}

// Config is the in-memory form of the configuration file: a mapping of
// device name to its record.
type Config struct {
	Devices map[string]DeviceConfig `yaml:"devices" toml:"devices"`
}

// LoadConfig reads and validates a configuration file. The format is picked
// by extension: .yml/.yaml or .toml.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing yaml config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing toml config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrConfigUnknownFormat, ext)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for name, dev := range c.Devices {
		if !KnownIOType(dev.IOType) {
			return fmt.Errorf("device %s: %w: %q", name, ErrConfigUnknownIOType, dev.IOType)
		}
		if dev.Host == "" {
			return fmt.Errorf("device %s: %w", name, ErrConfigHostMissing)
		}
	}
	return nil
}

// EffectivePort returns the configured port, or the conventional default of
// the io type when unset.
func (d DeviceConfig) EffectivePort() int {
	if d.Port != 0 {
		return d.Port
	}
	switch d.IOType {
	case "ssh":
		return 22
	case "telnet":
		return 23
	default:
		return 0
	}
}

// EffectiveReceiveBufferSize returns the configured buffer size or the
// default.
func (d DeviceConfig) EffectiveReceiveBufferSize() int {
	if d.ReceiveBufferSize > 0 {
		return d.ReceiveBufferSize
	}
	return defaultReceiveBufferSize
}
