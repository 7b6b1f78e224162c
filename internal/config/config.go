// Package config provides configuration parsing and validation for alpd.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the complete node configuration.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Storage  StorageConfig  `yaml:"storage"`
	ALP      ALPConfig      `yaml:"alp"`
	HostLink HostLinkConfig `yaml:"hostlink"`
	Serial   SerialConfig   `yaml:"serial"`
	Radio    RadioConfig    `yaml:"radio"`
	LoRaWAN  LoRaWANConfig  `yaml:"lorawan"`
	Health   HealthConfig   `yaml:"health"`
}

// NodeConfig contains process settings.
type NodeConfig struct {
	DataDir   string `yaml:"data_dir"`   // Directory for persistent storage
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// StorageConfig selects the block devices behind the file store.
type StorageConfig struct {
	Backend       string `yaml:"backend"` // memory, file, bolt
	FileCount     int    `yaml:"file_count"`
	MetadataSize  Size   `yaml:"metadata_size"`
	PermanentSize Size   `yaml:"permanent_size"`
	VolatileSize  Size   `yaml:"volatile_size"`
}

// ALPConfig configures the command processor.
type ALPConfig struct {
	MaxActiveCommands int  `yaml:"max_active_commands"`
	MaxPayload        int  `yaml:"max_payload"`
	ShellEnabled      bool `yaml:"shell_enabled"`
	BroadcastVersion  bool `yaml:"broadcast_version"`
}

// HostLinkConfig configures the websocket host link.
type HostLinkConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Path      string `yaml:"path"`
	ReadLimit Size   `yaml:"read_limit"`
}

// SerialConfig configures the serial modem interface.
type SerialConfig struct {
	Enabled bool   `yaml:"enabled"`
	Device  string `yaml:"device"` // character device or "stdio"
}

// RadioConfig selects the D7A session layer.
type RadioConfig struct {
	Mode            string        `yaml:"mode"` // none, loopback
	UID             string        `yaml:"uid"`  // 16 hex digits
	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

// LoRaWANConfig configures the simulated LoRaWAN stack.
type LoRaWANConfig struct {
	Enabled   bool          `yaml:"enabled"`
	JoinDelay time.Duration `yaml:"join_delay"`
	TxDelay   time.Duration `yaml:"tx_delay"`
	DutyCycle float64       `yaml:"duty_cycle"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Size is a byte count written either as a number or with a unit
// ("4 KiB", "64kB").
type Size uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", value.Value, err)
	}
	*s = Size(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (interface{}, error) {
	return humanize.IBytes(uint64(s)), nil
}

func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Storage: StorageConfig{
			Backend:       "file",
			FileCount:     128,
			MetadataSize:  4 * 1024,
			PermanentSize: 32 * 1024,
			VolatileSize:  8 * 1024,
		},
		ALP: ALPConfig{
			MaxActiveCommands: 4,
			MaxPayload:        239,
			ShellEnabled:      true,
		},
		HostLink: HostLinkConfig{
			Enabled:   true,
			Address:   "127.0.0.1:7700",
			Path:      "/alp",
			ReadLimit: 4 * 1024,
		},
		Serial: SerialConfig{
			Enabled: false,
		},
		Radio: RadioConfig{
			Mode:            "loopback",
			UID:             "0000000000000001",
			ResponseTimeout: 2 * time.Second,
		},
		LoRaWAN: LoRaWANConfig{
			Enabled:   false,
			JoinDelay: 5 * time.Second,
			TxDelay:   time.Second,
			DutyCycle: 0.01,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}

	switch c.Storage.Backend {
	case "memory":
	case "file", "bolt":
		if c.Node.DataDir == "" {
			errs = append(errs, fmt.Sprintf("node.data_dir is required for storage backend %s", c.Storage.Backend))
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid storage.backend: %s (must be memory, file, or bolt)", c.Storage.Backend))
	}
	if c.Storage.FileCount < 1 || c.Storage.FileCount > 256 {
		errs = append(errs, "storage.file_count must be between 1 and 256")
	}
	if need := 8 + 9*uint64(c.Storage.FileCount); uint64(c.Storage.MetadataSize) < need {
		errs = append(errs, fmt.Sprintf("storage.metadata_size must be at least %s for %d files",
			humanize.IBytes(need), c.Storage.FileCount))
	}
	for name, s := range map[string]Size{
		"metadata_size":  c.Storage.MetadataSize,
		"permanent_size": c.Storage.PermanentSize,
		"volatile_size":  c.Storage.VolatileSize,
	} {
		if s > 1<<31 {
			errs = append(errs, fmt.Sprintf("storage.%s must not exceed 2 GiB", name))
		}
	}

	if c.ALP.MaxActiveCommands < 1 || c.ALP.MaxActiveCommands > 64 {
		errs = append(errs, "alp.max_active_commands must be between 1 and 64")
	}
	if c.ALP.MaxPayload < 16 || c.ALP.MaxPayload > 0xFFFF {
		errs = append(errs, "alp.max_payload must be between 16 and 65535")
	}

	if c.HostLink.Enabled {
		if c.HostLink.Address == "" {
			errs = append(errs, "hostlink.address is required when enabled")
		}
		if !strings.HasPrefix(c.HostLink.Path, "/") {
			errs = append(errs, "hostlink.path must start with /")
		}
	}
	if c.Serial.Enabled && c.Serial.Device == "" {
		errs = append(errs, "serial.device is required when enabled")
	}

	switch c.Radio.Mode {
	case "none":
	case "loopback":
		if _, err := ParseUID(c.Radio.UID); err != nil {
			errs = append(errs, fmt.Sprintf("radio.uid: %v", err))
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid radio.mode: %s (must be none or loopback)", c.Radio.Mode))
	}

	if c.LoRaWAN.Enabled && (c.LoRaWAN.DutyCycle <= 0 || c.LoRaWAN.DutyCycle > 1) {
		errs = append(errs, "lorawan.duty_cycle must be in (0, 1]")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// ParseUID decodes a 16 hex digit device UID.
func ParseUID(s string) ([8]byte, error) {
	var uid [8]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return uid, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != len(uid) {
		return uid, fmt.Errorf("must be %d bytes, got %d", len(uid), len(b))
	}
	copy(uid[:], b)
	return uid, nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	}
	return false
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
