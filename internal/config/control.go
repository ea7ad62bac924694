package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultConfigPath is the path to the canonical control defaults file.
const DefaultConfigPath = "config/control.defaults.json"

// ControlConfig is the runtime configuration of the control bridge. Every
// field is optional; the Get* methods supply defaults for unset fields so
// partial files are safe. The same schema is accepted as JSON or TOML.
type ControlConfig struct {
	// Loop
	TickInterval   *string `json:"tick_interval,omitempty" toml:"tick_interval"` // duration string like "100ms"
	WindowCapacity *int    `json:"window_capacity,omitempty" toml:"window_capacity"`
	BodyJoints     *int    `json:"body_joints,omitempty" toml:"body_joints"`
	HandJoints     *int    `json:"hand_joints,omitempty" toml:"hand_joints"`

	// Policy
	PolicyMode      *string  `json:"policy_mode,omitempty" toml:"policy_mode"` // "pinn" or "actor"
	Stochastic      *bool    `json:"stochastic,omitempty" toml:"stochastic"`
	Seed            *uint64  `json:"seed,omitempty" toml:"seed"`
	SynthesizerPath *string  `json:"synthesizer_weights,omitempty" toml:"synthesizer_weights"`
	ActorCriticPath *string  `json:"actor_critic_weights,omitempty" toml:"actor_critic_weights"`
	LossTelemetry   *bool    `json:"loss_telemetry,omitempty" toml:"loss_telemetry"`
	StabilityWeight *float64 `json:"stability_weight,omitempty" toml:"stability_weight"`

	// Refiner
	RefineEnabled  *bool    `json:"refine_enabled,omitempty" toml:"refine_enabled"`
	RefineLower    *float64 `json:"refine_lower,omitempty" toml:"refine_lower"`
	RefineUpper    *float64 `json:"refine_upper,omitempty" toml:"refine_upper"`
	RefineTracking *float64 `json:"refine_tracking_weight,omitempty" toml:"refine_tracking_weight"`
	RefineMaxIter  *int     `json:"refine_max_iterations,omitempty" toml:"refine_max_iterations"`

	// Transport
	Transport     *string `json:"transport,omitempty" toml:"transport"` // "serial" or "tcp"
	SerialDevice  *string `json:"serial_device,omitempty" toml:"serial_device"`
	BaudRate      *int    `json:"baud_rate,omitempty" toml:"baud_rate"`
	DataBits      *int    `json:"data_bits,omitempty" toml:"data_bits"`
	StopBits      *int    `json:"stop_bits,omitempty" toml:"stop_bits"`
	Parity        *string `json:"parity,omitempty" toml:"parity"`
	SocketAddress *string `json:"socket_address,omitempty" toml:"socket_address"`
	SocketMode    *string `json:"socket_mode,omitempty" toml:"socket_mode"` // "dial" or "listen"
	IOTimeout     *string `json:"io_timeout,omitempty" toml:"io_timeout"`
	OpenAttempts  *int    `json:"open_attempts,omitempty" toml:"open_attempts"`
	RetryDelay    *string `json:"retry_delay,omitempty" toml:"retry_delay"`
	RetryMaxDelay *string `json:"retry_max_delay,omitempty" toml:"retry_max_delay"`

	// Surfaces
	HTTPListen  *string `json:"http_listen,omitempty" toml:"http_listen"`
	UDPListen   *string `json:"udp_listen,omitempty" toml:"udp_listen"`
	GRPCListen  *string `json:"grpc_listen,omitempty" toml:"grpc_listen"`
	DBPath      *string `json:"db_path,omitempty" toml:"db_path"`
	RecordTicks *bool   `json:"record_ticks,omitempty" toml:"record_ticks"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrUint64(v uint64) *uint64    { return &v }

// EmptyControlConfig returns a ControlConfig with all fields unset.
func EmptyControlConfig() *ControlConfig {
	return &ControlConfig{}
}

// DefaultControlConfig returns a config with every field populated with its
// default, matching config/control.defaults.json.
func DefaultControlConfig() *ControlConfig {
	return &ControlConfig{
		TickInterval:    ptrString("100ms"),
		WindowCapacity:  ptrInt(100),
		BodyJoints:      ptrInt(12),
		HandJoints:      ptrInt(18),
		PolicyMode:      ptrString(PolicyPINN),
		Stochastic:      ptrBool(false),
		Seed:            ptrUint64(1),
		LossTelemetry:   ptrBool(false),
		StabilityWeight: ptrFloat64(0.01),
		RefineEnabled:   ptrBool(false),
		RefineLower:     ptrFloat64(-1),
		RefineUpper:     ptrFloat64(1),
		RefineTracking:  ptrFloat64(0),
		RefineMaxIter:   ptrInt(200),
		Transport:       ptrString(TransportSerial),
		SerialDevice:    ptrString("/dev/ttyACM0"),
		BaudRate:        ptrInt(9600),
		DataBits:        ptrInt(8),
		StopBits:        ptrInt(1),
		Parity:          ptrString("N"),
		SocketAddress:   ptrString("127.0.0.1:5005"),
		SocketMode:      ptrString("dial"),
		IOTimeout:       ptrString("1s"),
		OpenAttempts:    ptrInt(5),
		RetryDelay:      ptrString("200ms"),
		RetryMaxDelay:   ptrString("2s"),
		HTTPListen:      ptrString(":8090"),
		UDPListen:       ptrString(":9700"),
		GRPCListen:      ptrString(""),
		DBPath:          ptrString("ctrlbridge.db"),
		RecordTicks:     ptrBool(true),
	}
}

// Policy modes.
const (
	PolicyPINN  = "pinn"
	PolicyActor = "actor"
)

// Transport kinds.
const (
	TransportSerial = "serial"
	TransportTCP    = "tcp"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// LoadControlConfig loads a ControlConfig from a .json or .toml file.
// Fields omitted from the file keep their defaults.
func LoadControlConfig(path string) (*ControlConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".toml" {
		return nil, fmt.Errorf("config file must have .json or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyControlConfig()
	if ext == ".toml" {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent
// directories. Panics if the file cannot be loaded; intended for tests.
func MustLoadDefaultConfig() *ControlConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadControlConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func checkDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, *v)
	}
	return nil
}

// Validate checks that the set values are usable.
func (c *ControlConfig) Validate() error {
	for _, d := range []struct {
		name string
		v    *string
	}{
		{"tick_interval", c.TickInterval},
		{"io_timeout", c.IOTimeout},
		{"retry_delay", c.RetryDelay},
		{"retry_max_delay", c.RetryMaxDelay},
	} {
		if err := checkDuration(d.name, d.v); err != nil {
			return err
		}
	}
	if c.TickInterval != nil && *c.TickInterval != "" && c.GetTickInterval() == 0 {
		return fmt.Errorf("tick_interval must be positive")
	}

	if c.WindowCapacity != nil && *c.WindowCapacity < 2 {
		return fmt.Errorf("window_capacity must be at least 2, got %d", *c.WindowCapacity)
	}
	if c.BodyJoints != nil && *c.BodyJoints < 1 {
		return fmt.Errorf("body_joints must be positive, got %d", *c.BodyJoints)
	}
	if c.HandJoints != nil && *c.HandJoints < 1 {
		return fmt.Errorf("hand_joints must be positive, got %d", *c.HandJoints)
	}

	switch c.GetPolicyMode() {
	case PolicyPINN, PolicyActor:
	default:
		return fmt.Errorf("policy_mode must be %q or %q, got %q", PolicyPINN, PolicyActor, c.GetPolicyMode())
	}
	switch c.GetTransport() {
	case TransportSerial, TransportTCP:
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", TransportSerial, TransportTCP, c.GetTransport())
	}
	switch c.GetSocketMode() {
	case "dial", "listen":
	default:
		return fmt.Errorf("socket_mode must be dial or listen, got %q", c.GetSocketMode())
	}

	if c.GetRefineLower() > c.GetRefineUpper() {
		return fmt.Errorf("refine_lower %g exceeds refine_upper %g", c.GetRefineLower(), c.GetRefineUpper())
	}
	if c.GetRefineTracking() < 0 {
		return fmt.Errorf("refine_tracking_weight must be non-negative, got %g", c.GetRefineTracking())
	}
	if c.RefineMaxIter != nil && *c.RefineMaxIter < 1 {
		return fmt.Errorf("refine_max_iterations must be positive, got %d", *c.RefineMaxIter)
	}
	if c.StabilityWeight != nil && *c.StabilityWeight < 0 {
		return fmt.Errorf("stability_weight must be non-negative, got %g", *c.StabilityWeight)
	}
	if c.OpenAttempts != nil && *c.OpenAttempts < 1 {
		return fmt.Errorf("open_attempts must be at least 1, got %d", *c.OpenAttempts)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// GetTickInterval returns the control loop period (default 100ms, 10 Hz).
func (c *ControlConfig) GetTickInterval() time.Duration {
	return durationOr(c.TickInterval, 100*time.Millisecond)
}

func (c *ControlConfig) GetWindowCapacity() int { return intOr(c.WindowCapacity, 100) }
func (c *ControlConfig) GetBodyJoints() int     { return intOr(c.BodyJoints, 12) }
func (c *ControlConfig) GetHandJoints() int     { return intOr(c.HandJoints, 18) }

func (c *ControlConfig) GetPolicyMode() string { return stringOr(c.PolicyMode, PolicyPINN) }
func (c *ControlConfig) GetStochastic() bool   { return boolOr(c.Stochastic, false) }

// GetSeed returns the seed used for weight initialisation and sampling.
func (c *ControlConfig) GetSeed() uint64 {
	if c.Seed == nil {
		return 1
	}
	return *c.Seed
}

func (c *ControlConfig) GetSynthesizerPath() string  { return stringOr(c.SynthesizerPath, "") }
func (c *ControlConfig) GetActorCriticPath() string  { return stringOr(c.ActorCriticPath, "") }
func (c *ControlConfig) GetLossTelemetry() bool      { return boolOr(c.LossTelemetry, false) }
func (c *ControlConfig) GetStabilityWeight() float64 { return floatOr(c.StabilityWeight, 0.01) }

func (c *ControlConfig) GetRefineEnabled() bool     { return boolOr(c.RefineEnabled, false) }
func (c *ControlConfig) GetRefineLower() float64    { return floatOr(c.RefineLower, -1) }
func (c *ControlConfig) GetRefineUpper() float64    { return floatOr(c.RefineUpper, 1) }
func (c *ControlConfig) GetRefineTracking() float64 { return floatOr(c.RefineTracking, 0) }
func (c *ControlConfig) GetRefineMaxIter() int      { return intOr(c.RefineMaxIter, 200) }

func (c *ControlConfig) GetTransport() string     { return stringOr(c.Transport, TransportSerial) }
func (c *ControlConfig) GetSerialDevice() string  { return stringOr(c.SerialDevice, "/dev/ttyACM0") }
func (c *ControlConfig) GetBaudRate() int         { return intOr(c.BaudRate, 9600) }
func (c *ControlConfig) GetDataBits() int         { return intOr(c.DataBits, 8) }
func (c *ControlConfig) GetStopBits() int         { return intOr(c.StopBits, 1) }
func (c *ControlConfig) GetParity() string        { return stringOr(c.Parity, "N") }
func (c *ControlConfig) GetSocketAddress() string { return stringOr(c.SocketAddress, "127.0.0.1:5005") }
func (c *ControlConfig) GetSocketMode() string    { return stringOr(c.SocketMode, "dial") }
func (c *ControlConfig) GetOpenAttempts() int     { return intOr(c.OpenAttempts, 5) }

func (c *ControlConfig) GetIOTimeout() time.Duration { return durationOr(c.IOTimeout, time.Second) }
func (c *ControlConfig) GetRetryDelay() time.Duration {
	return durationOr(c.RetryDelay, 200*time.Millisecond)
}
func (c *ControlConfig) GetRetryMaxDelay() time.Duration {
	return durationOr(c.RetryMaxDelay, 2*time.Second)
}

func (c *ControlConfig) GetHTTPListen() string { return stringOr(c.HTTPListen, ":8090") }
func (c *ControlConfig) GetUDPListen() string  { return stringOr(c.UDPListen, ":9700") }
func (c *ControlConfig) GetGRPCListen() string { return stringOr(c.GRPCListen, "") }
func (c *ControlConfig) GetDBPath() string     { return stringOr(c.DBPath, "ctrlbridge.db") }
func (c *ControlConfig) GetRecordTicks() bool  { return boolOr(c.RecordTicks, true) }
