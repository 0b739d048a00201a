// Package config loads and saves the machine, camera and feeder configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"pnp-feeder/internal/feeder"
	"pnp-feeder/internal/motion"
	"pnp-feeder/internal/vision"
	"pnp-feeder/pkg/geometry"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Feeder types.
const (
	TypePushPull = "push-pull"
	TypeStrip    = "strip"
)

// Config is the complete configuration file.
type Config struct {
	Machine MachineConfig       `yaml:"machine"`
	Serial  motion.SerialConfig `yaml:"serial"`
	Grbl    motion.GrblConfig   `yaml:"grbl"`
	Camera  CameraConfig        `yaml:"camera"`
	Feeders []FeederConfig      `yaml:"feeders"`
}

// MachineConfig selects the motion backend.
type MachineConfig struct {
	Simulate bool    `yaml:"simulate"` // use the in-memory simulator instead of the serial port
	SafeZ    float64 `yaml:"safe_z"`
}

// CameraConfig describes the down-looking head camera.
type CameraConfig struct {
	Name          string           `yaml:"name"`
	ImageDir      string           `yaml:"image_dir"` // captures replayed by the file camera
	UnitsPerPixel geometry.Point2D `yaml:"units_per_pixel"`
	SettleMs      int              `yaml:"settle_ms"`
	Hough         HoughConfig      `yaml:"hough"`
	Label         vision.OCRRegion `yaml:"label"`
}

// HoughConfig tunes the circle detector.
type HoughConfig struct {
	DP         float64 `yaml:"dp"`
	Param1     float64 `yaml:"param1"`
	Param2     float64 `yaml:"param2"`
	BlurKernel int     `yaml:"blur_kernel"`
}

// FeederConfig is one feeder: its settings and its persisted state.
type FeederConfig struct {
	Type string `yaml:"type"`

	feeder.PushPullSettings `yaml:",inline"`
	MaxParts                int `yaml:"max_parts,omitempty"` // strip only

	State feeder.State `yaml:"state"`
}

// StripSettings returns the settings of a strip feeder.
func (fc FeederConfig) StripSettings() feeder.StripSettings {
	return feeder.StripSettings{TapeSettings: fc.TapeSettings, MaxParts: fc.MaxParts}
}

// Default returns a simulated machine without feeders.
func Default() *Config {
	return &Config{
		Machine: MachineConfig{Simulate: true, SafeZ: 0},
		Serial:  motion.SerialConfig{Device: "/dev/ttyUSB0", Baud: 115200, ReadTimeoutMs: 2000},
		Grbl:    motion.DefaultGrblConfig(),
		Camera: CameraConfig{
			Name:          "top",
			UnitsPerPixel: geometry.Point2D{X: 0.02, Y: 0.02},
			SettleMs:      250,
			Hough:         HoughConfig{DP: 1.2, Param1: 80, Param2: 22, BlurKernel: 5},
		},
	}
}

// DefaultFeeder returns a push-pull feeder config with default settings.
func DefaultFeeder() FeederConfig {
	return FeederConfig{Type: TypePushPull, PushPullSettings: feeder.DefaultPushPullSettings()}
}

// Load reads, defaults and validates a configuration file. Feeders without
// an ID get a new one.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	var raw struct {
		Feeders []yaml.Node `yaml:"feeders"`
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	// Decode feeders again over their own defaults so omitted keys keep
	// their default values.
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse feeders: %w", err)
	}
	cfg.Feeders = make([]FeederConfig, len(raw.Feeders))
	for i := range raw.Feeders {
		fc := DefaultFeeder()
		if err := raw.Feeders[i].Decode(&fc); err != nil {
			return nil, fmt.Errorf("feeder %d: %w", i, err)
		}
		if fc.ID == "" {
			fc.ID = uuid.NewString()
		}
		cfg.Feeders[i] = fc
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if !c.Machine.Simulate && c.Serial.Device == "" {
		errs = append(errs, errors.New("serial.device is required unless machine.simulate is set"))
	}
	if c.Camera.UnitsPerPixel.X <= 0 || c.Camera.UnitsPerPixel.Y <= 0 {
		errs = append(errs, fmt.Errorf("camera.units_per_pixel must be positive, got %v", c.Camera.UnitsPerPixel))
	}
	if c.Camera.SettleMs < 0 {
		errs = append(errs, fmt.Errorf("camera.settle_ms must be >= 0, got %d", c.Camera.SettleMs))
	}

	ids := make(map[string]bool)
	for i, fc := range c.Feeders {
		if fc.Name == "" {
			errs = append(errs, fmt.Errorf("feeders[%d]: name is required", i))
		}
		if ids[fc.ID] {
			errs = append(errs, fmt.Errorf("feeders[%d]: duplicate id %s", i, fc.ID))
		}
		ids[fc.ID] = true

		switch fc.Type {
		case TypePushPull:
			if err := fc.PushPullSettings.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("feeders[%d]: %w", i, err))
			}
		case TypeStrip:
			if err := fc.TapeSettings.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("feeders[%d]: %w", i, err))
			}
			if fc.MaxParts < 0 {
				errs = append(errs, fmt.Errorf("feeders[%d]: max_parts must be >= 0", i))
			}
		default:
			errs = append(errs, fmt.Errorf("feeders[%d]: unknown type %q", i, fc.Type))
		}
	}
	return errors.Join(errs...)
}

// Feeder returns the feeder config with the given ID or name.
func (c *Config) Feeder(key string) (*FeederConfig, bool) {
	for i := range c.Feeders {
		if c.Feeders[i].ID == key || c.Feeders[i].Name == key {
			return &c.Feeders[i], true
		}
	}
	return nil, false
}

// Save writes the configuration atomically.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}
