// Package config loads the server's listen address, exported-device
// list, and admin API settings from a YAML or TOML file, selected by
// the file's extension.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"

	"github.com/ardnew/usbipd/pkg"
)

// DeviceConfig describes one device the server exports.
type DeviceConfig struct {
	BusID      string `yaml:"busid" toml:"busid"`
	VendorID   uint16 `yaml:"vendor_id" toml:"vendor_id"`
	ProductID  uint16 `yaml:"product_id" toml:"product_id"`
	Class      string `yaml:"class" toml:"class"` // "hid-keyboard", "hid-mouse", "cdc-acm", "mass-storage"
	Serial     string `yaml:"serial" toml:"serial"`
	BackedFile string `yaml:"backing_file" toml:"backing_file"` // mass-storage image, if Class == "mass-storage"
}

// Config is the top-level server configuration.
type Config struct {
	Listen   string         `yaml:"listen" toml:"listen"`       // TCP address, e.g. ":3240"
	AdminAPI string         `yaml:"admin_api" toml:"admin_api"` // TCP address, e.g. "127.0.0.1:3241"; empty disables it
	LogLevel string         `yaml:"log_level" toml:"log_level"`
	LogJSON  bool           `yaml:"log_json" toml:"log_json"`
	Devices  []DeviceConfig `yaml:"devices" toml:"devices"`
}

// Default returns a minimal configuration suitable for local testing:
// listens on the standard USB/IP port with no exported devices and the
// admin API disabled.
func Default() *Config {
	return &Config{
		Listen:   ":3240",
		LogLevel: "info",
	}
}

// Load reads and parses the configuration file at path. The format is
// selected by the file extension: ".yaml"/".yml" for YAML, ".toml" for
// TOML. Any other extension is rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s as YAML: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s as TOML: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config: unrecognized extension %q for %s", ext, path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pkg.LogInfo(pkg.ComponentServer, "configuration loaded",
		"path", path, "listen", cfg.Listen, "devices", len(cfg.Devices))
	return cfg, nil
}

// Validate checks the configuration for obvious mistakes: a missing
// listen address, or devices with duplicate or empty bus-ids.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}

	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.BusID == "" {
			return fmt.Errorf("config: device with empty busid")
		}
		if seen[d.BusID] {
			return fmt.Errorf("config: duplicate busid %q", d.BusID)
		}
		seen[d.BusID] = true
	}
	return nil
}
