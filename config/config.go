// Package config loads the YAML description of an array: its member disks,
// parity-log backend, rebuild throttling, telemetry, and log level.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mit-pdos/go-raidframe/common"
)

type Config struct {
	Array     ArrayConfig     `yaml:"array"`
	ParityLog ParityLogConfig `yaml:"parity_log"`
	Rebuild   RebuildConfig   `yaml:"rebuild"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

type ArrayConfig struct {
	Level      string       `yaml:"level" validate:"required,oneof=raid1 raid5"`
	StripeUnit uint64       `yaml:"stripe_unit" validate:"required,sectoraligned"`
	Disks      []DiskConfig `yaml:"disks" validate:"required,min=2,max=32,dive"`
}

// DiskConfig describes one member. An empty path is an in-memory disk.
type DiskConfig struct {
	Path string `yaml:"path"`
	Size uint64 `yaml:"size" validate:"required,sectoraligned"`
	// Offset is where the array's data starts on this disk (partition
	// offset for mirror reads).
	Offset uint64 `yaml:"offset" validate:"omitempty,sectoraligned"`
}

type ParityLogConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory circular badger"`
	Path    string `yaml:"path" validate:"required_if=Backend circular"`
	Blocks  uint64 `yaml:"blocks" validate:"omitempty,gte=3"`
	Sync    bool   `yaml:"sync"`
}

type RebuildConfig struct {
	Parallelism int `yaml:"parallelism" validate:"gte=1,lte=64"`
	// BytesPerSec throttles rebuild and resync I/O; 0 is unlimited.
	BytesPerSec uint64 `yaml:"bytes_per_sec"`
}

type TelemetryConfig struct {
	Metrics string `yaml:"metrics" validate:"oneof=prometheus stdout none"`
	Traces  string `yaml:"traces" validate:"oneof=stdout none"`
	Listen  string `yaml:"listen" validate:"required_if=Metrics prometheus"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("sectoraligned", validateSectorAligned)
	validate.RegisterStructValidation(validateArray, ArrayConfig{})
}

func validateSectorAligned(fl validator.FieldLevel) bool {
	f := fl.Field()
	if f.Kind() != reflect.Uint64 {
		return false
	}
	return f.Uint()%common.SectorSize == 0
}

// validateArray checks constraints that span fields of ArrayConfig.
func validateArray(sl validator.StructLevel) {
	a := sl.Current().Interface().(ArrayConfig)
	if a.Level == "raid5" && len(a.Disks) < 3 {
		sl.ReportError(a.Disks, "Disks", "disks", "raid5min", "")
	}
	for _, d := range a.Disks {
		if d.Offset+a.StripeUnit > d.Size {
			sl.ReportError(a.Disks, "Disks", "disks", "fitsunit", "")
			break
		}
	}
}

// Default returns the configuration every loaded file is layered onto.
func Default() *Config {
	return &Config{
		Array: ArrayConfig{
			Level:      "raid5",
			StripeUnit: 64 * 1024,
		},
		ParityLog: ParityLogConfig{
			Backend: "memory",
			Blocks:  1024,
			Sync:    true,
		},
		Rebuild: RebuildConfig{
			Parallelism: 4,
		},
		Telemetry: TelemetryConfig{
			Metrics: "none",
			Traces:  "none",
			Listen:  "127.0.0.1:9464",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Parse decodes data over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SlogLevel maps the configured level onto slog.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
