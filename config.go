package rcboard

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rcboard/driver"
	"rcboard/driver/remote"
)

// Config defaults.
const (
	DefaultDivergenceThresholdDeg = 5.0
	DefaultDiscreteSpeed          = 10.0
	DefaultOpenTimeout            = 2 * time.Second
	DefaultFrameRate              = 25.0
)

// Control mode names accepted in configuration.
const (
	ModeNamePosition       = "position"
	ModeNamePositionDirect = "position_direct"
)

// Config describes one controller session. The viam module receives it as
// component attributes, the console reads it from YAML.
type Config struct {
	// Endpoint settings
	Remote     string `json:"remote" yaml:"remote"`                               // Required: remote board path, e.g. "/robot/left_arm"
	Carrier    string `json:"carrier,omitempty" yaml:"carrier,omitempty"`         // tcp (default), serial or sim
	Address    string `json:"address,omitempty" yaml:"address,omitempty"`         // host:port for tcp
	SerialPort string `json:"serial_port,omitempty" yaml:"serial_port,omitempty"` // e.g. "/dev/ttyUSB0"
	Baudrate   int    `json:"baudrate,omitempty" yaml:"baudrate,omitempty"`

	// Topology
	JointCount int      `json:"joint_count,omitempty" yaml:"joint_count,omitempty"`
	Joints     []string `json:"joints,omitempty" yaml:"joints,omitempty"` // scene entity bound to each axis, "" for none

	// Motion
	ControlMode            string        `json:"control_mode,omitempty" yaml:"control_mode,omitempty"`
	DivergenceThresholdDeg float64       `json:"divergence_threshold_deg,omitempty" yaml:"divergence_threshold_deg,omitempty"`
	DiscreteSpeed          float64       `json:"discrete_speed_degs_per_sec,omitempty" yaml:"discrete_speed_degs_per_sec,omitempty"`
	OpenTimeout            time.Duration `json:"open_timeout,omitempty" yaml:"open_timeout,omitempty"`
	FrameRate              float64       `json:"frame_rate,omitempty" yaml:"frame_rate,omitempty"`

	SceneFile   string            `json:"scene_file,omitempty" yaml:"scene_file,omitempty"`
	AutoConnect bool              `json:"auto_connect,omitempty" yaml:"auto_connect,omitempty"`
	Calibration []AxisCalibration `json:"calibration,omitempty" yaml:"calibration,omitempty"`
}

// Validate ensures all parts of the config are valid and fills in defaults.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Remote == "" {
		return nil, nil, fmt.Errorf("%s: remote must be specified", path)
	}
	if !strings.HasPrefix(cfg.Remote, "/") {
		return nil, nil, fmt.Errorf("%s: remote %q must start with '/'", path, cfg.Remote)
	}

	if cfg.Carrier == "" {
		cfg.Carrier = driver.CarrierTCP
	}
	switch cfg.Carrier {
	case driver.CarrierTCP:
		if cfg.Address == "" {
			return nil, nil, fmt.Errorf("%s: address must be specified for the tcp carrier", path)
		}
	case driver.CarrierSerial:
		if cfg.SerialPort == "" {
			return nil, nil, fmt.Errorf("%s: serial_port must be specified for the serial carrier", path)
		}
		if cfg.Baudrate == 0 {
			cfg.Baudrate = remote.DefaultBaudrate
		}
	case driver.CarrierSim:
	default:
		return nil, nil, fmt.Errorf("%s: unknown carrier %q", path, cfg.Carrier)
	}

	if cfg.JointCount < 0 {
		return nil, nil, fmt.Errorf("%s: joint_count must not be negative, got %d", path, cfg.JointCount)
	}
	if cfg.JointCount == 0 {
		cfg.JointCount = len(cfg.Joints)
	}
	if len(cfg.Joints) > cfg.JointCount {
		return nil, nil, fmt.Errorf("%s: %d joints listed for joint_count %d", path, len(cfg.Joints), cfg.JointCount)
	}

	if cfg.ControlMode == "" {
		cfg.ControlMode = ModeNamePosition
	}
	if _, err := ParseMode(cfg.ControlMode); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	if cfg.DivergenceThresholdDeg == 0 {
		cfg.DivergenceThresholdDeg = DefaultDivergenceThresholdDeg
	}
	if cfg.DivergenceThresholdDeg < 0 {
		return nil, nil, fmt.Errorf("%s: divergence_threshold_deg must be positive, got %.2f", path, cfg.DivergenceThresholdDeg)
	}
	if cfg.DiscreteSpeed == 0 {
		cfg.DiscreteSpeed = DefaultDiscreteSpeed
	}
	if cfg.DiscreteSpeed < 0 {
		return nil, nil, fmt.Errorf("%s: discrete_speed_degs_per_sec must be positive, got %.2f", path, cfg.DiscreteSpeed)
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.FrameRate == 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	if cfg.FrameRate < 0 || cfg.FrameRate > 1000 {
		return nil, nil, fmt.Errorf("%s: frame_rate must be between 0 and 1000, got %.2f", path, cfg.FrameRate)
	}

	for i := range cfg.Calibration {
		if err := cfg.Calibration[i].Validate(); err != nil {
			return nil, nil, fmt.Errorf("%s: calibration of axis %d: %w", path, i, err)
		}
	}

	return nil, nil, nil
}

// Options returns the driver options for this configuration.
func (cfg *Config) Options() driver.Options {
	return driver.Options{
		Remote:     cfg.Remote,
		Local:      LocalEndpoint(cfg.Remote),
		Carrier:    cfg.Carrier,
		Address:    cfg.Address,
		SerialPort: cfg.SerialPort,
		Baudrate:   cfg.Baudrate,
		Timeout:    cfg.OpenTimeout,
	}
}

// Environment variables applied by ApplyEnv.
const (
	EnvRemote  = "RCBOARD_REMOTE"
	EnvAddress = "RCBOARD_ADDRESS"
	EnvCarrier = "RCBOARD_CARRIER"
)

// ApplyEnv overrides endpoint settings from the environment.
func (cfg *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvRemote); v != "" {
		cfg.Remote = v
	}
	if v := getenv(EnvAddress); v != "" {
		cfg.Address = v
	}
	if v := getenv(EnvCarrier); v != "" {
		cfg.Carrier = v
	}
}

// LoadConfigFile reads a YAML configuration. Defaults are not applied; call Validate.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &cfg, nil
}
