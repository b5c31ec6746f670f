package moler

import (
	"fmt"
	"sync"
)

// DeviceBuilder assembles a device of one registered type: it receives the
// device name, its configuration record and the transport already built for
// that record, and layers the type's states and observer catalogs on top.
type DeviceBuilder func(name string, cfg DeviceConfig, tr Transport) (*Device, error)

var (
	deviceTypeMu sync.RWMutex
	deviceTypes  = make(map[string]DeviceBuilder)
)

// RegisterDeviceType registers a builder under a device type label.
// Registering a label twice is a wrong-usage error.
func RegisterDeviceType(deviceType string, builder DeviceBuilder) error {
	deviceTypeMu.Lock()
	defer deviceTypeMu.Unlock()
	if _, ok := deviceTypes[deviceType]; ok {
		return fmt.Errorf("%w: device type %q already registered", ErrWrongUsage, deviceType)
	}
	deviceTypes[deviceType] = builder
	return nil
}

// DeviceFactory builds and caches devices from a loaded configuration: one
// device per configured name, created on first request.
type DeviceFactory struct {
	config *Config
	logger Logger

	mu      sync.Mutex
	devices map[string]*Device
}

// NewDeviceFactory creates a factory over cfg.
func NewDeviceFactory(cfg *Config, logger Logger) *DeviceFactory {
	if logger == nil {
		logger = NopLogger{}
	}
	return &DeviceFactory{
		config:  cfg,
		logger:  logger,
		devices: make(map[string]*Device),
	}
}

// GetDevice returns the device configured under name, creating and opening
// it on first use. Devices without a configured type are assembled as plain
// devices with only the built-in states.
func (f *DeviceFactory) GetDevice(name string) (*Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dev, ok := f.devices[name]; ok {
		return dev, nil
	}
	cfg, ok := f.config.Devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
	}

	tr, err := NewTransport(cfg)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", name, err)
	}

	var dev *Device
	if cfg.Type != "" {
		deviceTypeMu.RLock()
		builder := deviceTypes[cfg.Type]
		deviceTypeMu.RUnlock()
		if builder == nil {
			return nil, fmt.Errorf("%w: unknown device type %q for device %s", ErrWrongUsage, cfg.Type, name)
		}
		dev, err = builder(name, cfg, tr)
	} else {
		dev, err = NewDevice(name, tr,
			WithDeviceLogger(f.logger),
			WithInitialState(cfg.InitialState),
		)
	}
	if err != nil {
		return nil, err
	}
	f.devices[name] = dev
	return dev, nil
}

// Close closes every device the factory created. The first error is
// returned, closing continues regardless.
func (f *DeviceFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var first error
	for name, dev := range f.devices {
		if err := dev.Close(); err != nil && first == nil {
			first = fmt.Errorf("closing device %s: %w", name, err)
		}
		delete(f.devices, name)
	}
	return first
}
