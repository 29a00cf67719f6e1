package decora

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the Decora bridge.
// Loaded from YAML with environment variable overrides.
type Config struct {
	Bridge    BridgeConfig      `yaml:"bridge"`
	Bluetooth BluetoothSettings `yaml:"bluetooth"`
	Devices   []DeviceConfig    `yaml:"devices"`
}

// BridgeConfig contains bridge identity and operational settings.
type BridgeConfig struct {
	// ID uniquely identifies this bridge instance.
	// Used in MQTT client ID and health reporting.
	ID string `yaml:"id"`

	// HealthInterval is how often to publish health status (seconds).
	// Default: 30 seconds.
	HealthInterval int `yaml:"health_interval"`
}

// BluetoothSettings contains radio and session timing.
type BluetoothSettings struct {
	// ConnectTimeout is the maximum time to establish a connection and
	// discover services (seconds). Default: 10.
	ConnectTimeout int `yaml:"connect_timeout"`

	// OperationTimeout bounds a single GATT read, write, or subscribe
	// (seconds). Default: 10.
	OperationTimeout int `yaml:"operation_timeout"`

	// CommandTimeout bounds one MQTT command end to end, covering the
	// write and the confirmation read (seconds). Default: 20.
	CommandTimeout int `yaml:"command_timeout"`

	// PairTimeout is how long a device in pairing mode is given to hand
	// over its key (seconds). Default: 30.
	PairTimeout int `yaml:"pair_timeout"`

	// Scan configures advertisement watching.
	Scan ScanSettings `yaml:"scan"`

	// Reconnect configures retry pacing after connection loss.
	Reconnect ReconnectSettings `yaml:"reconnect"`
}

// ScanSettings configures the advertisement watcher.
type ScanSettings struct {
	// Enabled turns continuous scanning on. Without it the bridge cannot
	// track presence or discover unpaired devices, and sessions retry on
	// backoff alone. Default: true.
	Enabled *bool `yaml:"enabled"`

	// AbsenceWindow declares a device lost after this long without an
	// advertisement (seconds). Default: 90.
	AbsenceWindow int `yaml:"absence_window"`

	// SweepInterval is the absence check period (seconds). Default: 15.
	SweepInterval int `yaml:"sweep_interval"`

	// SeenDebounce is the minimum spacing between presence signals for
	// one device (seconds). Default: 5.
	SeenDebounce int `yaml:"seen_debounce"`
}

// ReconnectSettings configures session retry pacing.
type ReconnectSettings struct {
	// InitialDelay is the first backoff delay (seconds). Default: 1.
	InitialDelay int `yaml:"initial_delay"`

	// MaxDelay caps the backoff delay (seconds). Default: 60.
	MaxDelay int `yaml:"max_delay"`

	// Multiplier grows the delay after each failed attempt. Default: 2.0.
	Multiplier float64 `yaml:"multiplier"`

	// Jitter is the random fraction applied to each delay (0-1).
	// Default: 0.25.
	Jitter float64 `yaml:"jitter"`

	// OfflineLimit suspends reconnection after a device has been lost
	// for this long (seconds). Only applies while scanning is enabled.
	// Default: 300.
	OfflineLimit int `yaml:"offline_limit"`
}

// DeviceConfig declares a paired device.
type DeviceConfig struct {
	// Address is the device's Bluetooth address (AA:BB:CC:DD:EE:FF).
	Address string `yaml:"address"`

	// Name is a display name carried into the device store.
	Name string `yaml:"name"`

	// APIKey is the 8-hex-digit key retrieved at pairing time.
	// WARNING: Never log this value.
	APIKey string `yaml:"api_key"`

	// Switch marks non-dimmable relay models. The model number read from
	// the device corrects this after the first connection.
	Switch bool `yaml:"switch"`
}

// String returns a representation with the API key masked.
func (d DeviceConfig) String() string {
	key := ""
	if d.APIKey != "" {
		key = "[REDACTED]"
	}
	return fmt.Sprintf("DeviceConfig{Address:%q, Name:%q, APIKey:%s, Switch:%t}",
		d.Address, d.Name, key, d.Switch)
}

// MarshalJSON implements json.Marshaler to redact the API key in JSON
// output. This prevents accidental key exposure in logs or API responses.
func (d DeviceConfig) MarshalJSON() ([]byte, error) {
	type redacted DeviceConfig
	safe := redacted(d)
	if safe.APIKey != "" {
		safe.APIKey = "[REDACTED]"
	}
	return json.Marshal(safe)
}

// LoadConfig reads configuration from a YAML file.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DECORA_BRIDGE_SECTION_KEY
// For example: DECORA_BRIDGE_ID, DECORA_BRIDGE_SCAN_ENABLED
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	enabled := true
	return &Config{
		Bridge: BridgeConfig{
			ID:             "decora-bridge-01",
			HealthInterval: 30,
		},
		Bluetooth: BluetoothSettings{
			ConnectTimeout:   10,
			OperationTimeout: 10,
			CommandTimeout:   20,
			PairTimeout:      30,
			Scan: ScanSettings{
				Enabled:       &enabled,
				AbsenceWindow: 90,
				SweepInterval: 15,
				SeenDebounce:  5,
			},
			Reconnect: ReconnectSettings{
				InitialDelay: 1,
				MaxDelay:     60,
				Multiplier:   2.0,
				Jitter:       0.25,
				OfflineLimit: 300,
			},
		},
		Devices: []DeviceConfig{},
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Environment variables follow the pattern:
// DECORA_BRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DECORA_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}
	if v := os.Getenv("DECORA_BRIDGE_SCAN_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Bluetooth.Scan.Enabled = &enabled
		}
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateBluetooth()...)
	errs = append(errs, c.validateDevices()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateBridge validates bridge settings.
func (c *Config) validateBridge() []string {
	var errs []string
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}
	return errs
}

// validateBluetooth validates radio and session timing.
func (c *Config) validateBluetooth() []string {
	var errs []string
	bt := c.Bluetooth

	if bt.ConnectTimeout < 1 {
		errs = append(errs, "bluetooth.connect_timeout must be at least 1 second")
	}
	if bt.OperationTimeout < 1 {
		errs = append(errs, "bluetooth.operation_timeout must be at least 1 second")
	}
	if bt.CommandTimeout < 1 {
		errs = append(errs, "bluetooth.command_timeout must be at least 1 second")
	}
	if bt.PairTimeout < 1 {
		errs = append(errs, "bluetooth.pair_timeout must be at least 1 second")
	}
	if bt.Scan.AbsenceWindow < 1 {
		errs = append(errs, "bluetooth.scan.absence_window must be at least 1 second")
	}
	if bt.Scan.SweepInterval < 1 {
		errs = append(errs, "bluetooth.scan.sweep_interval must be at least 1 second")
	}
	if bt.Reconnect.InitialDelay < 1 {
		errs = append(errs, "bluetooth.reconnect.initial_delay must be at least 1 second")
	}
	if bt.Reconnect.MaxDelay < bt.Reconnect.InitialDelay {
		errs = append(errs, "bluetooth.reconnect.max_delay must be at least initial_delay")
	}
	if bt.Reconnect.Multiplier < 1 {
		errs = append(errs, "bluetooth.reconnect.multiplier must be at least 1")
	}
	if bt.Reconnect.Jitter < 0 || bt.Reconnect.Jitter > 1 {
		errs = append(errs, "bluetooth.reconnect.jitter must be between 0 and 1")
	}

	return errs
}

// validateDevices validates device declarations.
func (c *Config) validateDevices() []string {
	var errs []string
	addresses := make(map[string]bool)

	for i, dev := range c.Devices {
		if dev.Address == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].address is required", i))
			continue
		}
		identity, err := ParseDeviceIdentity(dev.Address)
		if err != nil {
			errs = append(errs, fmt.Sprintf("devices[%d].address %q is invalid", i, dev.Address))
			continue
		}
		if addresses[identity.Address] {
			errs = append(errs, fmt.Sprintf("devices[%d].address %q is duplicate", i, dev.Address))
		}
		addresses[identity.Address] = true

		if _, err := ParseAPIKey(dev.APIKey); err != nil {
			errs = append(errs, fmt.Sprintf("devices[%d].api_key is invalid: %v", i, err))
		}
	}

	return errs
}

// ScanEnabled reports whether continuous scanning is configured.
func (c *Config) ScanEnabled() bool {
	if c.Bluetooth.Scan.Enabled == nil {
		return true
	}
	return *c.Bluetooth.Scan.Enabled
}

// GetHealthInterval returns the health reporting interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetCommandTimeout returns the per-command timeout as a Duration.
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.Bluetooth.CommandTimeout) * time.Second
}

// GetPairRequestTimeout returns the end-to-end pairing timeout: the
// device's pairing window plus time to connect.
func (c *Config) GetPairRequestTimeout() time.Duration {
	return time.Duration(c.Bluetooth.PairTimeout+c.Bluetooth.ConnectTimeout+5) * time.Second
}

// ToLinkOptions converts settings for the Link Manager.
func (c *Config) ToLinkOptions() LinkOptions {
	return LinkOptions{
		ConnectTimeout:   time.Duration(c.Bluetooth.ConnectTimeout) * time.Second,
		OperationTimeout: time.Duration(c.Bluetooth.OperationTimeout) * time.Second,
	}
}

// ToAuthenticatorOptions converts settings for the Authenticator.
func (c *Config) ToAuthenticatorOptions() AuthenticatorOptions {
	return AuthenticatorOptions{
		Timeout:        time.Duration(c.Bluetooth.OperationTimeout) * time.Second,
		PairingTimeout: time.Duration(c.Bluetooth.PairTimeout) * time.Second,
	}
}

// ToScannerOptions converts settings for the Scanner.
func (c *Config) ToScannerOptions() ScannerOptions {
	return ScannerOptions{
		AbsenceWindow: time.Duration(c.Bluetooth.Scan.AbsenceWindow) * time.Second,
		SweepInterval: time.Duration(c.Bluetooth.Scan.SweepInterval) * time.Second,
		SeenDebounce:  time.Duration(c.Bluetooth.Scan.SeenDebounce) * time.Second,
	}
}

// ToRegistryOptions converts settings for the Session Registry.
func (c *Config) ToRegistryOptions() SessionRegistryOptions {
	offlineLimit := time.Duration(c.Bluetooth.Reconnect.OfflineLimit) * time.Second
	if c.Bluetooth.Reconnect.OfflineLimit <= 0 || !c.ScanEnabled() {
		// Without the scanner there are no lost signals; a positive
		// limit would never trigger, but keep the intent explicit.
		offlineLimit = -1
	}
	jitter := c.Bluetooth.Reconnect.Jitter
	if jitter == 0 {
		// An explicit zero means no jitter; BackoffOptions treats zero as
		// "use the default".
		jitter = -1
	}
	return SessionRegistryOptions{
		Backoff: BackoffOptions{
			Initial:    time.Duration(c.Bluetooth.Reconnect.InitialDelay) * time.Second,
			Max:        time.Duration(c.Bluetooth.Reconnect.MaxDelay) * time.Second,
			Multiplier: c.Bluetooth.Reconnect.Multiplier,
			Jitter:     jitter,
		},
		OfflineLimit: offlineLimit,
	}
}
