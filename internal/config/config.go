package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"blinkpanel/internal/touch"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// SPIConfig selects the physical bus shared by the display and touch panel.
type SPIConfig struct {
	// Port is the periph.io spireg name ("" = first available, e.g. /dev/spidev0.0).
	Port string `yaml:"port" json:"port"`
}

// DeviceConfig holds the electrical parameters of one device on the bus.
type DeviceConfig struct {
	// CSPin is the GPIO used as chip select (periph.io gpioreg name).
	CSPin string `yaml:"cs_pin" json:"cs_pin"`
	// CSActiveHigh inverts the select polarity. Almost never needed.
	CSActiveHigh bool `yaml:"cs_active_high" json:"cs_active_high"`
	// FrequencyHz is the clock programmed for every transaction of this device.
	FrequencyHz int64 `yaml:"frequency_hz" json:"frequency_hz"`
	// Mode is the SPI mode 0..3.
	Mode int `yaml:"mode" json:"mode"`
}

// DisplayConfig describes the MIPI DCS panel.
type DisplayConfig struct {
	DeviceConfig `yaml:",inline"`

	DCPin    string `yaml:"dc_pin" json:"dc_pin"`
	ResetPin string `yaml:"reset_pin" json:"reset_pin"`
	Width    int    `yaml:"width" json:"width"`
	Height   int    `yaml:"height" json:"height"`
	// Rotation is 0, 90, 180 or 270.
	Rotation int `yaml:"rotation" json:"rotation"`
	// BGR selects BGR subpixel order in MADCTL.
	BGR bool `yaml:"bgr" json:"bgr"`
}

// TouchConfig describes the resistive touch controller.
type TouchConfig struct {
	DeviceConfig `yaml:",inline"`

	PollInterval time.Duration     `yaml:"poll_interval" json:"poll_interval"`
	Calibration  touch.Calibration `yaml:"calibration" json:"calibration"`
}

// PinConfig names a single GPIO.
type PinConfig struct {
	Pin       string `yaml:"pin" json:"pin"`
	ActiveLow bool   `yaml:"active_low" json:"active_low"`
}

// EchoConfig configures the TCP echo service.
type EchoConfig struct {
	// Listen is the TCP address; empty disables the service.
	Listen string `yaml:"listen" json:"listen"`
}

// BatteryConfig configures the I2C fuel gauge poller.
type BatteryConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Bus      string        `yaml:"bus" json:"bus"`
	Addr     uint16        `yaml:"addr" json:"addr"`
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// WebConfig configures the HTTP status API.
type WebConfig struct {
	// Listen is the HTTP listen address; empty disables the API.
	Listen string `yaml:"listen" json:"listen"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// SerialConfig names a serial port used to mirror the log.
type SerialConfig struct {
	Port string `yaml:"port" json:"port"`
	Baud int    `yaml:"baud" json:"baud"`
}

// Config is the top-level application configuration.
type Config struct {
	// Simulate replaces all hardware with in-memory doubles.
	Simulate bool `yaml:"simulate" json:"simulate"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// DiagSerial, when Port is set, mirrors log lines to a serial console.
	DiagSerial SerialConfig `yaml:"diag_serial" json:"diag_serial"`

	SPI     SPIConfig     `yaml:"spi" json:"spi"`
	Display DisplayConfig `yaml:"display" json:"display"`
	Touch   TouchConfig   `yaml:"touch" json:"touch"`
	LED     PinConfig     `yaml:"led" json:"led"`
	Button  PinConfig     `yaml:"button" json:"button"`

	// BlinkInterval is the LED toggle period.
	BlinkInterval time.Duration `yaml:"blink_interval" json:"blink_interval"`

	// RepaintCron is a cron schedule (e.g. "@every 10m") forcing a full
	// display repaint. Empty disables it.
	RepaintCron string `yaml:"repaint" json:"repaint"`

	Echo    EchoConfig    `yaml:"echo" json:"echo"`
	Battery BatteryConfig `yaml:"battery" json:"battery"`
	Web     WebConfig     `yaml:"web" json:"web"`
}

// Defaults for the common 2.8" ILI9341 + XPT2046 module on a Raspberry Pi.
const (
	DefaultDisplayHz = 16_000_000
	DefaultTouchHz   = 200_000
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:   "info",
		DiagSerial: SerialConfig{Baud: 115200},
		Display: DisplayConfig{
			DeviceConfig: DeviceConfig{CSPin: "GPIO8", FrequencyHz: DefaultDisplayHz},
			DCPin:        "GPIO25",
			ResetPin:     "GPIO24",
			Width:        320,
			Height:       240,
			Rotation:     90,
			BGR:          true,
		},
		Touch: TouchConfig{
			DeviceConfig: DeviceConfig{CSPin: "GPIO7", FrequencyHz: DefaultTouchHz},
			PollInterval: 50 * time.Millisecond,
			Calibration:  touch.DefaultCalibration(),
		},
		LED:           PinConfig{Pin: "GPIO13"},
		Button:        PinConfig{Pin: "GPIO26", ActiveLow: true},
		BlinkInterval: time.Second,
		RepaintCron:   "@every 10m",
		Echo:          EchoConfig{Listen: ":1234"},
		Battery: BatteryConfig{
			Addr:     0x57,
			Interval: 30 * time.Second,
		},
		Web: WebConfig{Listen: "127.0.0.1:8080"},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.DiagSerial.Baud <= 0 {
		c.DiagSerial.Baud = d.DiagSerial.Baud
	}
	if c.Display.FrequencyHz <= 0 {
		c.Display.FrequencyHz = d.Display.FrequencyHz
	}
	if c.Display.Width <= 0 || c.Display.Height <= 0 {
		c.Display.Width, c.Display.Height = d.Display.Width, d.Display.Height
	}
	if c.Touch.FrequencyHz <= 0 {
		c.Touch.FrequencyHz = d.Touch.FrequencyHz
	}
	if c.Touch.PollInterval <= 0 {
		c.Touch.PollInterval = d.Touch.PollInterval
	}
	if c.Touch.Calibration == (touch.Calibration{}) {
		c.Touch.Calibration = d.Touch.Calibration
	}
	if c.BlinkInterval <= 0 {
		c.BlinkInterval = d.BlinkInterval
	}
	if c.Battery.Addr == 0 {
		c.Battery.Addr = d.Battery.Addr
	}
	if c.Battery.Interval <= 0 {
		c.Battery.Interval = d.Battery.Interval
	}
}

// Validate rejects settings the hardware cannot honour.
func (c *Config) Validate() error {
	var errs []error
	devices := []struct {
		name string
		dev  DeviceConfig
	}{
		{"display", c.Display.DeviceConfig},
		{"touch", c.Touch.DeviceConfig},
	}
	for _, d := range devices {
		name, dev := d.name, d.dev
		if dev.Mode < 0 || dev.Mode > 3 {
			errs = append(errs, fmt.Errorf("%s: spi mode %d out of range", name, dev.Mode))
		}
		if !c.Simulate && dev.CSPin == "" {
			errs = append(errs, fmt.Errorf("%s: cs_pin is required", name))
		}
	}
	// spidev fixes the mode when the port is opened.
	if c.Display.Mode != c.Touch.Mode {
		errs = append(errs, fmt.Errorf("display and touch share one bus but use spi modes %d and %d", c.Display.Mode, c.Touch.Mode))
	}
	if c.Display.CSPin != "" && c.Display.CSPin == c.Touch.CSPin {
		errs = append(errs, fmt.Errorf("display and touch use the same cs_pin %s", c.Display.CSPin))
	}
	if !c.Simulate && c.Display.DCPin == "" {
		errs = append(errs, errors.New("display: dc_pin is required"))
	}
	switch c.Display.Rotation {
	case 0, 90, 180, 270:
	default:
		errs = append(errs, fmt.Errorf("display: rotation %d is not a multiple of 90", c.Display.Rotation))
	}
	if err := c.Touch.Calibration.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Battery.Addr > 0x7F {
		errs = append(errs, fmt.Errorf("battery: i2c address %#x is not 7-bit", c.Battery.Addr))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".blinkpanel-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
