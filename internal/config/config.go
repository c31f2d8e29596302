package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chaz8081/blepd/internal/peripheral"
	"github.com/chaz8081/blepd/internal/profile"
	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	LogLevel     string            `yaml:"log_level"`
	DeviceName   string            `yaml:"device_name"`
	Stack        StackConfig       `yaml:"stack"`
	Sim          SimConfig         `yaml:"sim"`
	RPC          RPCConfig         `yaml:"rpc"`
	Profiles     []profile.Profile `yaml:"profiles,omitempty"`
	ProfileFiles []string          `yaml:"profile_files,omitempty"`
}

// StackConfig selects the native BLE stack.
type StackConfig struct {
	Kind      string `yaml:"kind"`       // "sim", "bluez" or "hci"
	Adapter   string `yaml:"adapter"`    // BlueZ adapter, e.g. "hci0"
	HCIDevice int    `yaml:"hci_device"` // raw HCI device index
}

// SimConfig tunes the simulated stack.
type SimConfig struct {
	MultipleAdvertisement bool          `yaml:"multiple_advertisement"`
	RadioState            string        `yaml:"radio_state"`
	PowerOnDelay          time.Duration `yaml:"power_on_delay"`
	StartDelay            time.Duration `yaml:"start_delay"`
	StartFailureCode      int           `yaml:"start_failure_code"`
	AsyncStop             bool          `yaml:"async_stop"`
	NativeSubscriptions   bool          `yaml:"native_subscriptions"`
	CoalescedNotify       bool          `yaml:"coalesced_notify"`
	EagerServices         bool          `yaml:"eager_services"`
}

// RPCConfig holds the control channel settings.
type RPCConfig struct {
	Codec string `yaml:"codec"` // "json" or "proto"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blepd")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel:   "info",
		DeviceName: "blepd",
		Stack: StackConfig{
			Kind:    "sim",
			Adapter: "hci0",
		},
		Sim: SimConfig{
			MultipleAdvertisement: true,
			RadioState:            "on",
		},
		RPC: RPCConfig{
			Codec: "json",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in profile_files is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	for i, p := range cfg.ProfileFiles {
		cfg.ProfileFiles[i] = expandTilde(p)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Stack.Kind {
	case "sim", "bluez", "hci":
	default:
		return fmt.Errorf("stack.kind must be \"sim\", \"bluez\" or \"hci\", got %q", c.Stack.Kind)
	}

	if c.Stack.Kind == "bluez" && c.Stack.Adapter == "" {
		return fmt.Errorf("stack.adapter must not be empty for the bluez stack")
	}

	if c.Stack.HCIDevice < 0 {
		return fmt.Errorf("stack.hci_device must be >= 0")
	}

	if _, err := peripheral.ParseRadioState(c.Sim.RadioState); err != nil {
		return fmt.Errorf("sim.radio_state: %w", err)
	}

	if c.Sim.PowerOnDelay < 0 || c.Sim.StartDelay < 0 {
		return fmt.Errorf("sim delays must be >= 0")
	}

	if c.Sim.StartFailureCode < peripheral.AdvertiseSuccess || c.Sim.StartFailureCode > peripheral.AdvertiseFeatureUnsupported {
		return fmt.Errorf("sim.start_failure_code must be between 0 and 5, got %d", c.Sim.StartFailureCode)
	}

	switch c.RPC.Codec {
	case "json", "proto":
	default:
		return fmt.Errorf("rpc.codec must be \"json\" or \"proto\", got %q", c.RPC.Codec)
	}

	seen := make(map[string]bool)
	for i := range c.Profiles {
		p := &c.Profiles[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profiles[%d]: %w", i, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("profiles[%d]: duplicate profile name %q", i, p.Name)
		}
		seen[p.Name] = true
	}

	return nil
}

// LoadProfiles returns the inline profiles followed by those read from
// profile_files, in order.
func (c *Config) LoadProfiles() ([]*profile.Profile, error) {
	out := make([]*profile.Profile, 0, len(c.Profiles)+len(c.ProfileFiles))
	for i := range c.Profiles {
		out = append(out, &c.Profiles[i])
	}
	var errs []error
	for _, path := range c.ProfileFiles {
		p, err := profile.Load(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		out = append(out, p)
	}
	return out, errors.Join(errs...)
}

const defaultHeader = `# blepd configuration
#
# stack.kind selects the native stack: sim (in-memory), bluez (Linux, via
# D-Bus) or hci (Linux, raw HCI socket; needs CAP_NET_ADMIN).
#
# Peripherals can be declared under profiles, or in separate files listed
# under profile_files. Profiles with autostart: true are created and
# advertised when the daemon starts.

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" when a config already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a log_level value to a slog.Level. Unknown values
// yield info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
