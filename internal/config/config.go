// Package config loads the controller's JSON settings file into a
// package-level default, overridable by an environment variable,
// tolerant of a missing file at startup, with a small verify pass
// that fills in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Log holds the structured-logging settings consumed by internal/logging.
type Log struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// Config is the top-level settings document.
type Config struct {
	Log Log `json:"log"`

	// SerialDevice is the character device the mount is attached to.
	SerialDevice string `json:"serialDevice"`

	// PMC8Listen is the address the translator server listens on.
	PMC8Listen string `json:"pmc8Listen"`

	// ManagerTick is the manager goroutine's polling interval. Exposed
	// for test acceleration; production always gets the default.
	ManagerTick time.Duration `json:"-"`
}

const (
	defaultSerialDevice = "/dev/ttyUSB0"
	defaultPMC8Listen   = ":8888"
	defaultLogLevel     = "info"
	defaultLogPath      = "brexos2pmc8.log"
	defaultManagerTick  = 100 * time.Millisecond
)

// envOverride is the environment variable that can redirect the config
// file path.
const envOverride = "BREXOS2_CONFIG"

// Global points at the currently effective configuration. Populated at
// init() time so that packages reading it during their own init()
// (like internal/logging) see a value.
var Global *Config

func init() {
	path := os.Getenv(envOverride)
	if path == "" {
		path = "config/settings.json"
	}
	cfg, err := load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: failed to load %s: %v (using defaults)\n", path, err)
		cfg = &Config{}
	}
	cfg.verify()
	Global = cfg
}

// Reload re-reads the settings file at path and, on success, replaces
// Global. cmd/brexos2pmc8 calls it once at startup for its -config
// flag; nothing reloads the settings while the process runs.
func Reload(path string) error {
	cfg, err := load(path)
	if err != nil {
		return err
	}
	cfg.verify()
	Global = cfg
	return nil
}

func load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// verify fills in defaults for anything the settings file left blank.
func (c *Config) verify() {
	if c.SerialDevice == "" {
		c.SerialDevice = defaultSerialDevice
	}
	if c.PMC8Listen == "" {
		c.PMC8Listen = defaultPMC8Listen
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Path == "" {
		c.Log.Path = defaultLogPath
	}
	c.ManagerTick = defaultManagerTick
}
