package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/arloliu/go-fieldlink/adslink"
	"github.com/arloliu/go-fieldlink/codec"
	"github.com/arloliu/go-fieldlink/logger"
	"github.com/arloliu/go-fieldlink/modbuslink"
	"github.com/arloliu/go-fieldlink/registry"
	"github.com/arloliu/go-fieldlink/s7link"
	"github.com/arloliu/go-fieldlink/seriallink"
	"github.com/arloliu/go-fieldlink/socketlink"
)

// Config is the fieldprobe configuration file model.
type Config struct {
	Logging     LoggingConfig    `mapstructure:"logging"`
	Connections []ConnectionSpec `mapstructure:"connections"`
}

// LoggingConfig selects the log level of the probe.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// ConnectionSpec describes one named connection. Protocol selects the
// factory; the remaining fields map onto that protocol's options. Pointer
// fields distinguish "absent" from a zero value, and absent fields keep the
// library defaults.
type ConnectionSpec struct {
	Name     string `mapstructure:"name"`
	Protocol string `mapstructure:"protocol"`

	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	Device string `mapstructure:"device"`

	// modbus
	UnitID    *int   `mapstructure:"unit_id"`
	ByteOrder string `mapstructure:"byte_order"`

	// s7
	Rack *int `mapstructure:"rack"`
	Slot *int `mapstructure:"slot"`

	// serial line parameters
	BaudRate int    `mapstructure:"baud_rate"`
	DataBits int    `mapstructure:"data_bits"`
	StopBits int    `mapstructure:"stop_bits"`
	Parity   string `mapstructure:"parity"`

	// tcp/udp/serial framing
	Passive    bool   `mapstructure:"passive"`
	Terminator string `mapstructure:"terminator"`
	Format     string `mapstructure:"format"`

	// lifecycle
	AutoReconnect        *bool         `mapstructure:"auto_reconnect"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	MaxReconnectAttempts *int          `mapstructure:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig loads the configuration file. Without an explicit path it
// searches for fieldprobe.yaml in the working directory, /etc/fieldprobe/
// and $HOME/.fieldprobe/, falling back to defaults when no file exists.
// Environment variables prefixed FIELDPROBE_ override file values.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fieldprobe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fieldprobe/")
		v.AddConfigPath("$HOME/.fieldprobe/")
	}

	v.SetEnvPrefix("FIELDPROBE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks what the option constructors can't: connections must carry
// unique names so the manager can hold them, and a protocol to build with.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Connections))

	for i := range c.Connections {
		spec := &c.Connections[i]
		if spec.Name == "" {
			return fmt.Errorf("connection %d has no name", i)
		}
		if _, ok := seen[spec.Name]; ok {
			return fmt.Errorf("duplicate connection name %q", spec.Name)
		}
		seen[spec.Name] = struct{}{}

		if spec.Protocol == "" {
			return fmt.Errorf("connection %q has no protocol", spec.Name)
		}
	}

	return nil
}

// Spec returns the connection spec stored under name.
func (c *Config) Spec(name string) (*ConnectionSpec, error) {
	for i := range c.Connections {
		if c.Connections[i].Name == name {
			return &c.Connections[i], nil
		}
	}

	return nil, fmt.Errorf("no connection named %q in the configuration", name)
}

// Names returns the configured connection names in file order.
func (c *Config) Names() []string {
	names := make([]string, len(c.Connections))
	for i := range c.Connections {
		names[i] = c.Connections[i].Name
	}

	return names
}

func (c *Config) logLevel() logger.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return logger.DebugLevel
	case "", "info":
		return logger.InfoLevel
	case "warn", "warning":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}

// connectionConfig builds the protocol-specific configuration for the
// connection this entry describes.
func (s *ConnectionSpec) connectionConfig() (any, error) {
	switch s.Protocol {
	case registry.ProtocolTCP, registry.ProtocolUDP:
		opts, err := s.socketOptions()
		if err != nil {
			return nil, err
		}

		return socketlink.NewConnectionConfig(s.Host, s.Port, opts...)

	case registry.ProtocolSerial:
		opts, err := s.serialOptions()
		if err != nil {
			return nil, err
		}

		return seriallink.NewConnectionConfig(s.Device, opts...)

	case registry.ProtocolModbus, registry.ProtocolModbusOutstation:
		opts, err := s.modbusOptions()
		if err != nil {
			return nil, err
		}

		return modbuslink.NewConnectionConfig(s.Host, s.portOr(502), opts...)

	case registry.ProtocolS7:
		return s7link.NewConnectionConfig(s.Host, s.portOr(102), s.s7Options()...)

	case registry.ProtocolADS:
		return adslink.NewConnectionConfig(s.Host, s.portOr(48898), s.adsOptions()...)

	default:
		return nil, fmt.Errorf("connection %q uses unknown protocol %q", s.Name, s.Protocol)
	}
}

// portOr falls back to the protocol's well-known port when the entry leaves
// the port out.
func (s *ConnectionSpec) portOr(def int) int {
	if s.Port > 0 {
		return s.Port
	}

	return def
}

func (s *ConnectionSpec) socketOptions() ([]socketlink.ConnOption, error) {
	var opts []socketlink.ConnOption

	if s.Passive {
		opts = append(opts, socketlink.WithPassive())
	}
	if s.Terminator != "" {
		opts = append(opts, socketlink.WithTerminator([]byte(s.Terminator)))
	}
	if s.Format != "" {
		format, err := codec.ParseFormat(s.Format)
		if err != nil {
			return nil, err
		}
		opts = append(opts, socketlink.WithFormat(format))
	}
	if s.AutoReconnect != nil {
		opts = append(opts, socketlink.WithAutoReconnect(*s.AutoReconnect))
	}
	if s.ReconnectInterval > 0 {
		opts = append(opts, socketlink.WithReconnectInterval(s.ReconnectInterval))
	}
	if s.MaxReconnectAttempts != nil {
		opts = append(opts, socketlink.WithMaxReconnectAttempts(*s.MaxReconnectAttempts))
	}
	if s.HeartbeatInterval > 0 {
		opts = append(opts, socketlink.WithHeartbeatInterval(s.HeartbeatInterval))
	}

	return opts, nil
}

func (s *ConnectionSpec) serialOptions() ([]seriallink.ConnOption, error) {
	var opts []seriallink.ConnOption

	if s.BaudRate > 0 {
		opts = append(opts, seriallink.WithBaudRate(s.BaudRate))
	}
	if s.DataBits > 0 {
		opts = append(opts, seriallink.WithDataBits(s.DataBits))
	}
	if s.StopBits > 0 {
		opts = append(opts, seriallink.WithStopBits(s.StopBits))
	}
	if s.Parity != "" {
		opts = append(opts, seriallink.WithParity(s.Parity))
	}
	if s.Terminator != "" {
		opts = append(opts, seriallink.WithTerminator([]byte(s.Terminator)))
	}
	if s.Format != "" {
		format, err := codec.ParseFormat(s.Format)
		if err != nil {
			return nil, err
		}
		opts = append(opts, seriallink.WithFormat(format))
	}
	if s.AutoReconnect != nil {
		opts = append(opts, seriallink.WithAutoReconnect(*s.AutoReconnect))
	}
	if s.ReconnectInterval > 0 {
		opts = append(opts, seriallink.WithReconnectInterval(s.ReconnectInterval))
	}
	if s.MaxReconnectAttempts != nil {
		opts = append(opts, seriallink.WithMaxReconnectAttempts(*s.MaxReconnectAttempts))
	}
	if s.HeartbeatInterval > 0 {
		opts = append(opts, seriallink.WithHeartbeatInterval(s.HeartbeatInterval))
	}

	return opts, nil
}

func (s *ConnectionSpec) modbusOptions() ([]modbuslink.ConnOption, error) {
	var opts []modbuslink.ConnOption

	if s.UnitID != nil {
		opts = append(opts, modbuslink.WithUnitID(*s.UnitID))
	}
	if s.ByteOrder != "" {
		order, err := modbuslink.ParseByteOrder(s.ByteOrder)
		if err != nil {
			return nil, err
		}
		opts = append(opts, modbuslink.WithByteOrder(order))
	}
	if s.AutoReconnect != nil {
		opts = append(opts, modbuslink.WithAutoReconnect(*s.AutoReconnect))
	}
	if s.ReconnectInterval > 0 {
		opts = append(opts, modbuslink.WithReconnectInterval(s.ReconnectInterval))
	}
	if s.MaxReconnectAttempts != nil {
		opts = append(opts, modbuslink.WithMaxReconnectAttempts(*s.MaxReconnectAttempts))
	}
	if s.HeartbeatInterval > 0 {
		opts = append(opts, modbuslink.WithHeartbeatInterval(s.HeartbeatInterval))
	}

	return opts, nil
}

func (s *ConnectionSpec) s7Options() []s7link.ConnOption {
	var opts []s7link.ConnOption

	if s.Rack != nil {
		opts = append(opts, s7link.WithRack(*s.Rack))
	}
	if s.Slot != nil {
		opts = append(opts, s7link.WithSlot(*s.Slot))
	}
	if s.AutoReconnect != nil {
		opts = append(opts, s7link.WithAutoReconnect(*s.AutoReconnect))
	}
	if s.ReconnectInterval > 0 {
		opts = append(opts, s7link.WithReconnectInterval(s.ReconnectInterval))
	}
	if s.MaxReconnectAttempts != nil {
		opts = append(opts, s7link.WithMaxReconnectAttempts(*s.MaxReconnectAttempts))
	}
	if s.HeartbeatInterval > 0 {
		opts = append(opts, s7link.WithHeartbeatInterval(s.HeartbeatInterval))
	}

	return opts
}

func (s *ConnectionSpec) adsOptions() []adslink.ConnOption {
	var opts []adslink.ConnOption

	if s.AutoReconnect != nil {
		opts = append(opts, adslink.WithAutoReconnect(*s.AutoReconnect))
	}
	if s.ReconnectInterval > 0 {
		opts = append(opts, adslink.WithReconnectInterval(s.ReconnectInterval))
	}
	if s.MaxReconnectAttempts != nil {
		opts = append(opts, adslink.WithMaxReconnectAttempts(*s.MaxReconnectAttempts))
	}
	if s.HeartbeatInterval > 0 {
		opts = append(opts, adslink.WithHeartbeatInterval(s.HeartbeatInterval))
	}

	return opts
}
