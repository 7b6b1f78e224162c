package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Node.DataDir != "./data" {
		t.Errorf("Node.DataDir = %s, want ./data", cfg.Node.DataDir)
	}
	if cfg.Node.LogLevel != "info" {
		t.Errorf("Node.LogLevel = %s, want info", cfg.Node.LogLevel)
	}
	if cfg.ALP.MaxActiveCommands != 4 {
		t.Errorf("ALP.MaxActiveCommands = %d, want 4", cfg.ALP.MaxActiveCommands)
	}
	if cfg.ALP.MaxPayload != 239 {
		t.Errorf("ALP.MaxPayload = %d, want 239", cfg.ALP.MaxPayload)
	}
	if !cfg.ALP.ShellEnabled {
		t.Error("ALP.ShellEnabled = false, want true")
	}
	if cfg.Storage.PermanentSize != 32*1024 {
		t.Errorf("Storage.PermanentSize = %d, want 32768", cfg.Storage.PermanentSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
node:
  data_dir: "/var/lib/alpd"
  log_level: "debug"
  log_format: "json"

storage:
  backend: bolt
  file_count: 64
  metadata_size: "1 KiB"
  permanent_size: "64kB"
  volatile_size: 2048

alp:
  max_active_commands: 8
  max_payload: 255
  shell_enabled: false
  broadcast_version: true

hostlink:
  enabled: true
  address: "0.0.0.0:7700"
  path: "/modem"

serial:
  enabled: true
  device: "/dev/ttyUSB0"

radio:
  mode: loopback
  uid: "0102030405060708"
  response_timeout: 500ms

lorawan:
  enabled: true
  join_delay: 2s
  duty_cycle: 0.1
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Node.LogFormat != "json" {
		t.Errorf("Node.LogFormat = %s, want json", cfg.Node.LogFormat)
	}
	if cfg.Storage.Backend != "bolt" || cfg.Storage.FileCount != 64 {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Storage.MetadataSize != 1024 {
		t.Errorf("Storage.MetadataSize = %d, want 1024", cfg.Storage.MetadataSize)
	}
	if cfg.Storage.PermanentSize != 64000 {
		t.Errorf("Storage.PermanentSize = %d, want 64000", cfg.Storage.PermanentSize)
	}
	if cfg.Storage.VolatileSize != 2048 {
		t.Errorf("Storage.VolatileSize = %d, want 2048", cfg.Storage.VolatileSize)
	}
	if cfg.ALP.MaxActiveCommands != 8 || cfg.ALP.ShellEnabled || !cfg.ALP.BroadcastVersion {
		t.Errorf("ALP = %+v", cfg.ALP)
	}
	if cfg.HostLink.Path != "/modem" {
		t.Errorf("HostLink.Path = %s, want /modem", cfg.HostLink.Path)
	}
	if cfg.Radio.ResponseTimeout != 500*time.Millisecond {
		t.Errorf("Radio.ResponseTimeout = %v, want 500ms", cfg.Radio.ResponseTimeout)
	}
	if cfg.LoRaWAN.JoinDelay != 2*time.Second || cfg.LoRaWAN.DutyCycle != 0.1 {
		t.Errorf("LoRaWAN = %+v", cfg.LoRaWAN)
	}
	// unset fields keep their defaults
	if cfg.LoRaWAN.TxDelay != time.Second {
		t.Errorf("LoRaWAN.TxDelay = %v, want 1s", cfg.LoRaWAN.TxDelay)
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	cfg, err := Parse([]byte("node:\n  log_level: warn\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Node.LogLevel != "warn" {
		t.Errorf("Node.LogLevel = %s, want warn", cfg.Node.LogLevel)
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("Storage.Backend = %s, want file", cfg.Storage.Backend)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("node: [unclosed")); err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
	if _, err := Parse([]byte("storage:\n  permanent_size: lots\n")); err == nil {
		t.Error("Parse() should fail for an invalid size")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{"invalid log level", "node:\n  log_level: loud\n", "invalid log_level"},
		{"invalid log format", "node:\n  log_format: xml\n", "invalid log_format"},
		{"invalid backend", "storage:\n  backend: tape\n", "invalid storage.backend"},
		{"file backend without data dir", "node:\n  data_dir: \"\"\n", "node.data_dir is required"},
		{"too many files", "storage:\n  file_count: 300\n", "file_count must be between"},
		{"metadata too small", "storage:\n  metadata_size: 64\n", "metadata_size must be at least"},
		{"no command slots", "alp:\n  max_active_commands: 0\n", "max_active_commands"},
		{"payload too small", "alp:\n  max_payload: 8\n", "max_payload"},
		{"hostlink without address", "hostlink:\n  address: \"\"\n", "hostlink.address is required"},
		{"hostlink relative path", "hostlink:\n  path: alp\n", "hostlink.path must start with /"},
		{"serial without device", "serial:\n  enabled: true\n", "serial.device is required"},
		{"invalid radio mode", "radio:\n  mode: fm\n", "invalid radio.mode"},
		{"short uid", "radio:\n  uid: \"0102\"\n", "radio.uid"},
		{"duty cycle out of range", "lorawan:\n  enabled: true\n  duty_cycle: 2\n", "duty_cycle"},
		{"health without address", "health:\n  enabled: true\n  address: \"\"\n", "health.address is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Error("Parse() should fail")
				return
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestParse_MemoryBackendNeedsNoDataDir(t *testing.T) {
	cfg, err := Parse([]byte("node:\n  data_dir: \"\"\nstorage:\n  backend: memory\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("Storage.Backend = %s, want memory", cfg.Storage.Backend)
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_ALPD_DATA", "/custom/data")
	t.Setenv("TEST_ALPD_ADDR", "10.0.0.1:7700")

	yamlConfig := `
node:
  data_dir: "${TEST_ALPD_DATA}"
hostlink:
  address: "$TEST_ALPD_ADDR"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Node.DataDir != "/custom/data" {
		t.Errorf("Node.DataDir = %s, want /custom/data", cfg.Node.DataDir)
	}
	if cfg.HostLink.Address != "10.0.0.1:7700" {
		t.Errorf("HostLink.Address = %s, want 10.0.0.1:7700", cfg.HostLink.Address)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_ALPD_VAR")

	cfg, err := Parse([]byte("node:\n  data_dir: \"${NONEXISTENT_ALPD_VAR:-/default/path}\"\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Node.DataDir != "/default/path" {
		t.Errorf("Node.DataDir = %s, want /default/path", cfg.Node.DataDir)
	}
}

func TestParse_EnvVarNotFound(t *testing.T) {
	os.Unsetenv("NONEXISTENT_ALPD_VAR")

	cfg, err := Parse([]byte("node:\n  data_dir: \"${NONEXISTENT_ALPD_VAR}\"\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Node.DataDir != "${NONEXISTENT_ALPD_VAR}" {
		t.Errorf("Node.DataDir = %s, want ${NONEXISTENT_ALPD_VAR}", cfg.Node.DataDir)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() should fail for nonexistent file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("node:\n  log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Node.LogLevel != "debug" {
		t.Errorf("Node.LogLevel = %s, want debug", cfg.Node.LogLevel)
	}
}

func TestParseUID(t *testing.T) {
	uid, err := ParseUID("0102030405060708")
	if err != nil {
		t.Fatalf("ParseUID() error = %v", err)
	}
	if uid != [8]byte{1, 2, 3, 4, 5, 6, 7, 8} {
		t.Errorf("ParseUID() = %x", uid)
	}
	for _, bad := range []string{"", "zz", "01020304050607", "010203040506070809"} {
		if _, err := ParseUID(bad); err == nil {
			t.Errorf("ParseUID(%q) succeeded", bad)
		}
	}
}

func TestConfig_String(t *testing.T) {
	s := Default().String()
	for _, want := range []string{"permanent_size: 32 KiB", "max_payload: 239", "mode: loopback"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() missing %q:\n%s", want, s)
		}
	}

	back, err := Parse([]byte(s))
	if err != nil {
		t.Fatalf("Parse(String()) error = %v", err)
	}
	if back.Storage != Default().Storage {
		t.Errorf("round trip Storage = %+v, want %+v", back.Storage, Default().Storage)
	}
}
