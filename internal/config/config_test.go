package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Stack.Kind != "sim" {
		t.Errorf("Stack.Kind = %q, want %q", cfg.Stack.Kind, "sim")
	}
	if cfg.Stack.Adapter != "hci0" {
		t.Errorf("Stack.Adapter = %q, want %q", cfg.Stack.Adapter, "hci0")
	}
	if !cfg.Sim.MultipleAdvertisement {
		t.Error("Sim.MultipleAdvertisement should default to true")
	}
	if cfg.Sim.RadioState != "on" {
		t.Errorf("Sim.RadioState = %q, want %q", cfg.Sim.RadioState, "on")
	}
	if cfg.RPC.Codec != "json" {
		t.Errorf("RPC.Codec = %q, want %q", cfg.RPC.Codec, "json")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
device_name: hr-monitor
stack:
  kind: bluez
  adapter: hci1
sim:
  radio_state: "off"
  power_on_delay: 250ms
  async_stop: true
rpc:
  codec: proto
profiles:
  - name: hr
    autostart: true
    services:
      - uuid: "180D"
        characteristics:
          - uuid: "2A37"
            properties: [read, notify]
            permissions: [readable]
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.DeviceName != "hr-monitor" {
		t.Errorf("DeviceName = %q, want %q", cfg.DeviceName, "hr-monitor")
	}
	if cfg.Stack.Kind != "bluez" || cfg.Stack.Adapter != "hci1" {
		t.Errorf("Stack = %+v, want bluez on hci1", cfg.Stack)
	}
	if cfg.Sim.RadioState != "off" {
		t.Errorf("Sim.RadioState = %q, want %q", cfg.Sim.RadioState, "off")
	}
	if cfg.Sim.PowerOnDelay != 250*time.Millisecond {
		t.Errorf("Sim.PowerOnDelay = %v, want 250ms", cfg.Sim.PowerOnDelay)
	}
	if !cfg.Sim.AsyncStop {
		t.Error("Sim.AsyncStop = false, want true")
	}
	// Unset fields keep their defaults.
	if !cfg.Sim.MultipleAdvertisement {
		t.Error("Sim.MultipleAdvertisement should keep its default")
	}
	if cfg.RPC.Codec != "proto" {
		t.Errorf("RPC.Codec = %q, want %q", cfg.RPC.Codec, "proto")
	}
	if len(cfg.Profiles) != 1 || !cfg.Profiles[0].Autostart {
		t.Fatalf("Profiles = %+v, want one autostart profile", cfg.Profiles)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	yamlContent := `
profile_files:
  - ~/profiles/hr.yaml
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	home, _ := os.UserHomeDir()
	want := filepath.Join(home, "profiles", "hr.yaml")
	if cfg.ProfileFiles[0] != want {
		t.Errorf("ProfileFiles[0] = %q, want %q", cfg.ProfileFiles[0], want)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() should fail for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{"valid default", func(c *Config) {}, false},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, true},
		{"bad stack kind", func(c *Config) { c.Stack.Kind = "corebluetooth" }, true},
		{"hci stack", func(c *Config) { c.Stack.Kind = "hci" }, false},
		{"bluez without adapter", func(c *Config) { c.Stack.Kind = "bluez"; c.Stack.Adapter = "" }, true},
		{"negative hci device", func(c *Config) { c.Stack.HCIDevice = -1 }, true},
		{"bad radio state", func(c *Config) { c.Sim.RadioState = "sideways" }, true},
		{"negative delay", func(c *Config) { c.Sim.StartDelay = -time.Second }, true},
		{"failure code out of range", func(c *Config) { c.Sim.StartFailureCode = 9 }, true},
		{"failure code in range", func(c *Config) { c.Sim.StartFailureCode = 2 }, false},
		{"bad codec", func(c *Config) { c.RPC.Codec = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDuplicateProfileNames(t *testing.T) {
	yamlContent := `
profiles:
  - name: hr
  - name: hr
`
	cfg := Default()
	if err := yaml.Unmarshal([]byte(yamlContent), cfg); err != nil {
		t.Fatalf("yaml.Unmarshal() error = %v", err)
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("Validate() error = %v, want duplicate profile error", err)
	}
}

func TestLoadProfiles(t *testing.T) {
	tmpDir := t.TempDir()
	good := filepath.Join(tmpDir, "thermo.yaml")
	if err := os.WriteFile(good, []byte("name: thermo\nservices:\n  - uuid: \"1809\"\n"), 0644); err != nil {
		t.Fatalf("failed to write profile: %v", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte("profiles:\n  - name: inline\n"), cfg); err != nil {
		t.Fatalf("yaml.Unmarshal() error = %v", err)
	}
	cfg.ProfileFiles = []string{good, filepath.Join(tmpDir, "missing.yaml")}

	profiles, err := cfg.LoadProfiles()
	if err == nil {
		t.Error("LoadProfiles() should report the missing file")
	}
	if len(profiles) != 2 || profiles[0].Name != "inline" || profiles[1].Name != "thermo" {
		t.Errorf("LoadProfiles() = %v, want [inline thermo]", profiles)
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "blepd", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}

	if !strings.HasPrefix(string(data), "# blepd") {
		t.Error("written config should start with header comment")
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Stack.Kind != "sim" {
		t.Errorf("written config Stack.Kind = %q, want %q", cfg.Stack.Kind, "sim")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "blepd")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("device_name: custom\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
