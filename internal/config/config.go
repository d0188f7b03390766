// Package config loads the bridged configuration from YAML, .env files and
// BRIDGED_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/me/gobridge/internal/cycle"
	"github.com/me/gobridge/internal/logging"
	"github.com/me/gobridge/internal/protocol/modbus"
	"github.com/me/gobridge/internal/scheduler"
	"github.com/me/gobridge/internal/task"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BRIDGED_"

// Bridge types.
const (
	TypeModbus = "modbus"
	TypeREST   = "rest"
)

// Trigger modes.
const (
	ModeSleep = "sleep"
	ModeEvent = "event"
)

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cycle     CycleConfig     `yaml:"cycle"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	History   HistoryConfig   `yaml:"history"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Bridges   []BridgeConfig  `yaml:"bridges"`
}

// ServerConfig holds configuration for the HTTP API.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
	DBPath    string `yaml:"db_path"`    // SQLite database path, ":memory:" for testing
}

// CycleConfig configures the shared cycle coordinator.
type CycleConfig struct {
	Period       time.Duration `yaml:"period"`
	RequiredTime time.Duration `yaml:"required_time"`
}

// SchedulerConfig is applied to every bridge loop.
type SchedulerConfig struct {
	Margin            time.Duration `yaml:"margin"`
	InitRetry         time.Duration `yaml:"init_retry"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	BackoffStep       time.Duration `yaml:"backoff_step"`
	Overhead          string        `yaml:"overhead"`
	BehindLogInterval time.Duration `yaml:"behind_log_interval"`
}

// HistoryConfig controls retention of recorded cycles and faults.
type HistoryConfig struct {
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

// MQTTConfig enables the MQTT bridge when Broker is set.
type MQTTConfig struct {
	Broker   string        `yaml:"broker"`
	ClientID string        `yaml:"client_id"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Root     string        `yaml:"root"`
	QoS      byte          `yaml:"qos"`
	Retain   bool          `yaml:"retain"`
	Timeout  time.Duration `yaml:"timeout"`
}

// BridgeConfig describes one bridge loop and its protocol.
type BridgeConfig struct {
	ID     string        `yaml:"id"`
	Type   string        `yaml:"type"`
	Mode   string        `yaml:"mode"`
	Modbus *ModbusConfig `yaml:"modbus,omitempty"`
	REST   *RESTConfig   `yaml:"rest,omitempty"`
}

// ModbusConfig describes a Modbus bus and its devices.
type ModbusConfig struct {
	URL      string         `yaml:"url"`
	BaudRate uint           `yaml:"baud_rate"`
	DataBits uint           `yaml:"data_bits"`
	Parity   string         `yaml:"parity"`
	StopBits uint           `yaml:"stop_bits"`
	Timeout  time.Duration  `yaml:"timeout"`
	Devices  []ModbusDevice `yaml:"devices"`
}

// ModbusDevice is one unit on the bus.
type ModbusDevice struct {
	Name      string           `yaml:"name"`
	Unit      uint8            `yaml:"unit"`
	Registers []ModbusRegister `yaml:"registers"`
}

// ModbusRegister maps one channel to a register.
type ModbusRegister struct {
	Channel         string `yaml:"channel"`
	Kind            string `yaml:"kind"`
	Address         uint16 `yaml:"address"`
	Type            string `yaml:"type"`
	Priority        string `yaml:"priority"`
	Expression      string `yaml:"expression"`
	Writable        bool   `yaml:"writable"`
	WriteExpression string `yaml:"write_expression"`
}

// RESTConfig describes HTTP-polled devices.
type RESTConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Devices []RESTDevice  `yaml:"devices"`
}

// RESTDevice is one HTTP device.
type RESTDevice struct {
	Name        string            `yaml:"name"`
	URL         string            `yaml:"url"`
	WriteURL    string            `yaml:"write_url"`
	Priority    string            `yaml:"priority"`
	MinInterval time.Duration     `yaml:"min_interval"`
	Headers     map[string]string `yaml:"headers"`
	Channels    []RESTChannel     `yaml:"channels"`
}

// RESTChannel extracts one value from the device document.
type RESTChannel struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	Writable   bool   `yaml:"writable"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Default returns a configuration without bridges.
func Default() Config {
	cc := cycle.DefaultConfig()
	sc := scheduler.DefaultConfig()
	return Config{
		Server: DefaultServerConfig(),
		Cycle: CycleConfig{
			Period:       cc.Period,
			RequiredTime: cc.RequiredTime,
		},
		Scheduler: SchedulerConfig{
			Margin:            sc.Margin,
			InitRetry:         sc.InitRetry,
			WriteTimeout:      sc.WriteTimeout,
			BackoffStep:       sc.BackoffStep,
			Overhead:          string(sc.Overhead),
			BehindLogInterval: sc.BehindLogInterval,
		},
		History: HistoryConfig{
			Retention:     7 * 24 * time.Hour,
			PruneInterval: time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Prefix:  "gobridge",
		},
		MQTT: MQTTConfig{
			ClientID: "gobridge",
			Root:     "gobridge",
			Timeout:  5 * time.Second,
		},
	}
}

// Load reads path (if not empty) on top of Default, then loads the given
// .env files and applies BRIDGED_* overrides. Missing .env files are ignored.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv applies BRIDGED_* overrides using lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	var errs error
	dur := func(name string, dst *time.Duration) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}

	str("ADDR", &c.Server.Addr)
	str("LOG_LEVEL", &c.Server.LogLevel)
	str("LOG_FORMAT", &c.Server.LogFormat)
	str("DB_PATH", &c.Server.DBPath)
	str("MQTT_BROKER", &c.MQTT.Broker)
	str("MQTT_CLIENT_ID", &c.MQTT.ClientID)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)
	str("MQTT_ROOT", &c.MQTT.Root)
	dur("CYCLE_PERIOD", &c.Cycle.Period)
	dur("CYCLE_REQUIRED_TIME", &c.Cycle.RequiredTime)
	dur("WRITE_TIMEOUT", &c.Scheduler.WriteTimeout)
	dur("HISTORY_RETENTION", &c.History.Retention)
	return errs
}

// Validate returns every problem found, combined into one error.
func (c Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if err := logging.ValidateFormat(c.Server.LogFormat); err != nil {
		add("server.log_format: %v", err)
	}
	if err := (cycle.Config{Period: c.Cycle.Period, RequiredTime: c.Cycle.RequiredTime}).Validate(); err != nil {
		add("cycle: %v", err)
	}
	if _, err := scheduler.ParseOverheadPolicy(c.Scheduler.Overhead); err != nil {
		add("scheduler.overhead: %v", err)
	}
	if c.Scheduler.Margin < 0 || c.Scheduler.WriteTimeout < 0 || c.Scheduler.BackoffStep < 0 {
		add("scheduler: durations must not be negative")
	}
	if c.Scheduler.InitRetry <= 0 {
		add("scheduler.init_retry must be positive")
	}
	if c.MQTT.Broker != "" && c.MQTT.QoS > 2 {
		add("mqtt.qos must be 0, 1 or 2")
	}

	seen := make(map[string]bool)
	for i, b := range c.Bridges {
		name := b.ID
		if name == "" {
			name = fmt.Sprintf("bridges[%d]", i)
			add("%s: id is required", name)
		} else if seen[b.ID] {
			add("bridge %q: duplicate id", b.ID)
		}
		seen[b.ID] = true
		errs = multierr.Append(errs, b.validate(name))
	}
	return errs
}

func (b BridgeConfig) validate(name string) error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("bridge %s: "+format, append([]any{name}, args...)...))
	}

	switch b.Mode {
	case "", ModeSleep, ModeEvent:
	default:
		add("unknown mode %q", b.Mode)
	}

	switch b.Type {
	case TypeModbus:
		if b.Modbus == nil {
			add("modbus section is required")
			break
		}
		if b.Modbus.URL == "" {
			add("modbus.url is required")
		}
		for _, d := range b.Modbus.Devices {
			if d.Name == "" {
				add("modbus device name is required")
			}
			for _, r := range d.Registers {
				if r.Channel == "" {
					add("device %s: register channel is required", d.Name)
				}
				if _, err := modbus.ParseRegisterKind(r.Kind); err != nil {
					add("device %s/%s: %v", d.Name, r.Channel, err)
				}
				if _, err := modbus.ParseDataType(r.Type); err != nil {
					add("device %s/%s: %v", d.Name, r.Channel, err)
				}
				if _, err := task.ParsePriority(r.Priority); err != nil {
					add("device %s/%s: %v", d.Name, r.Channel, err)
				}
			}
		}
	case TypeREST:
		if b.REST == nil {
			add("rest section is required")
			break
		}
		for _, d := range b.REST.Devices {
			if d.Name == "" {
				add("rest device name is required")
			}
			if !strings.HasPrefix(d.URL, "http://") && !strings.HasPrefix(d.URL, "https://") {
				add("device %s: url must be http(s), got %q", d.Name, d.URL)
			}
			if _, err := task.ParsePriority(d.Priority); err != nil {
				add("device %s: %v", d.Name, err)
			}
			if len(d.Channels) == 0 {
				add("device %s: at least one channel is required", d.Name)
			}
		}
	default:
		add("unknown type %q", b.Type)
	}
	return errs
}

// LoopConfig converts to the loop configuration. Validate first.
func (c Config) LoopConfig() scheduler.Config {
	policy, _ := scheduler.ParseOverheadPolicy(c.Scheduler.Overhead)
	return scheduler.Config{
		Margin:            c.Scheduler.Margin,
		InitRetry:         c.Scheduler.InitRetry,
		WriteTimeout:      c.Scheduler.WriteTimeout,
		BackoffStep:       c.Scheduler.BackoffStep,
		Overhead:          policy,
		BehindLogInterval: c.Scheduler.BehindLogInterval,
	}
}

// CoordinatorConfig converts to the coordinator configuration.
func (c Config) CoordinatorConfig() cycle.Config {
	return cycle.Config{Period: c.Cycle.Period, RequiredTime: c.Cycle.RequiredTime}
}
