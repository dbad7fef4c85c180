package seriallink

import (
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/serial"

	"github.com/arloliu/go-fieldlink/codec"
	"github.com/arloliu/go-fieldlink/link"
	"github.com/arloliu/go-fieldlink/logger"
)

// PortOpener opens a serial port for the given settings. It exists so that
// RS-485 wrappers, multiplexers and tests can supply their own transport.
type PortOpener func(cfg *serial.Config) (serial.Port, error)

// ConnectionConfig represents the configuration parameters for a serial
// connection.
type ConnectionConfig struct {
	mu sync.RWMutex

	// device specifies the serial device path, such as /dev/ttyUSB0 on Linux
	// or COM3 on Windows.
	device string

	// baudRate defines the line speed in bits per second.
	// Defaults to 9600.
	baudRate int

	// dataBits defines the number of data bits per character, between 5 and 8.
	// Defaults to 8.
	dataBits int

	// stopBits defines the number of stop bits, 1 or 2.
	// Defaults to 1.
	stopBits int

	// parity defines the parity mode: "N" (none), "E" (even) or "O" (odd).
	// Defaults to "N".
	parity string

	// readTimeout bounds a single blocking read on the port. The receiver
	// polls with this timeout so that close and shutdown are observed
	// promptly. It should be between 10 milliseconds and 10 seconds.
	// Defaults to 100 milliseconds.
	readTimeout time.Duration

	// closeTimeout defines the timeout for closing the connection.
	// It should be between 1 and 30 seconds. Defaults to 3 seconds.
	closeTimeout time.Duration

	// sendTimeout defines how long a send waits for space in the sender
	// queue. It should be between 10 milliseconds and 120 seconds.
	// Defaults to 5 seconds.
	sendTimeout time.Duration

	// senderQueueSize defines the capacity of the outbound message queue.
	// It should be between 1 and 1000. Defaults to 10.
	senderQueueSize int

	// autoReconnect enables automatic reopening after port loss.
	// Defaults to true.
	autoReconnect bool

	// reconnectInterval caps the delay between reopen attempts.
	// Defaults to 5 seconds.
	reconnectInterval time.Duration

	// maxReconnectAttempts bounds consecutive failed reopen attempts.
	// 0 disables reconnection, -1 removes the bound. Defaults to -1.
	maxReconnectAttempts int

	// heartbeatInterval defines the period of the liveness probe.
	// 0 disables the heartbeat. Defaults to 0.
	heartbeatInterval time.Duration

	// packetFraming treats every read as one complete frame instead of
	// scanning for a terminator. Defaults to false.
	packetFraming bool

	// terminator is the byte sequence that ends a frame when terminator
	// framing is in use. Defaults to CR LF.
	terminator []byte

	// format converts between messages and payload bytes.
	// Defaults to the text format.
	format codec.Format

	// portOpener opens the serial port. Defaults to serial.Open.
	portOpener PortOpener

	// logger provides a logger instance for connection events and errors.
	logger logger.Logger
}

// NewConnectionConfig creates a serial connection configuration with the
// given device path and optional functional options.
//
// It initializes a ConnectionConfig with default values and then applies the
// provided options. See the WithXXX functions for the available options.
//
// Returns a pointer to the initialized ConnectionConfig and an error if any
// option fails to validate.
func NewConnectionConfig(device string, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		baudRate:             9600,
		dataBits:             8,
		stopBits:             1,
		parity:               "N",
		readTimeout:          100 * time.Millisecond,
		closeTimeout:         3 * time.Second,
		sendTimeout:          5 * time.Second,
		senderQueueSize:      10,
		autoReconnect:        true,
		reconnectInterval:    5 * time.Second,
		maxReconnectAttempts: -1,
		heartbeatInterval:    0,
		terminator:           codec.CRLF,
		format:               codec.TextFormat{},
		portOpener:           serial.Open,
		logger:               logger.GetLogger(),
	}

	if err := withDevice(device).apply(cfg); err != nil {
		return cfg, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// Device returns the configured serial device path.
func (cfg *ConnectionConfig) Device() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.device
}

// UpdateOptions applies runtime-changeable options to the configuration.
// Options marked as not changeable at runtime are rejected.
func (cfg *ConnectionConfig) UpdateOptions(opts ...ConnOption) error {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	for _, opt := range opts {
		optFunc, ok := opt.(*connOptFunc)
		if !ok {
			return fmt.Errorf("%w: unsupported option type %T", link.ErrConfiguration, opt)
		}
		if !optFunc.runtime {
			return fmt.Errorf("%w: option %s can't be changed at runtime", link.ErrConfiguration, optFunc.name)
		}

		if err := opt.apply(cfg); err != nil {
			return err
		}
	}

	return nil
}

func (cfg *ConnectionConfig) reconnectPolicy() link.ReconnectPolicy {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return link.ReconnectPolicy{
		Enabled:     cfg.autoReconnect,
		Interval:    cfg.reconnectInterval,
		MaxAttempts: cfg.maxReconnectAttempts,
	}
}

// serialConfig builds the low-level port settings for the opener.
func (cfg *ConnectionConfig) serialConfig() *serial.Config {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return &serial.Config{
		Address:  cfg.device,
		BaudRate: cfg.baudRate,
		DataBits: cfg.dataBits,
		StopBits: cfg.stopBits,
		Parity:   cfg.parity,
		Timeout:  cfg.readTimeout,
	}
}

// buildCodec constructs the frame codec the configuration describes. Hex and
// raw payloads carry no in-band delimiter, so they always frame per read.
func (cfg *ConnectionConfig) buildCodec() (codec.Codec, error) {
	if cfg.packetFraming || cfg.binaryFormat() {
		return codec.NewPacket(cfg.format)
	}

	return codec.NewTerminator(cfg.terminator, cfg.format)
}

func (cfg *ConnectionConfig) binaryFormat() bool {
	switch cfg.format.(type) {
	case codec.HexFormat, codec.RawFormat:
		return true
	default:
		return false
	}
}

func (cfg *ConnectionConfig) getPortOpener() PortOpener {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.portOpener
}

func (cfg *ConnectionConfig) getCloseTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.closeTimeout
}

func (cfg *ConnectionConfig) getSendTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.sendTimeout
}

func (cfg *ConnectionConfig) getHeartbeatInterval() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.heartbeatInterval
}

// ConnOption represents a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	runtime   bool
	applyFunc func(*ConnectionConfig) error
}

func (c *connOptFunc) apply(cfg *ConnectionConfig) error { return c.applyFunc(cfg) }

func newConnOptFunc(name string, runtime bool, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{name: name, runtime: runtime, applyFunc: f}
}

// withDevice sets the serial device path. An empty path is rejected.
func withDevice(device string) ConnOption {
	return newConnOptFunc("withDevice", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if device == "" {
			return fmt.Errorf("%w: empty serial device", link.ErrConfiguration)
		}
		cfg.device = device

		return nil
	})
}

// WithBaudRate sets the line speed in bits per second. Common values are
// 9600, 19200, 38400, 57600 and 115200.
//
// An error is returned if the value is not positive.
//
// The default value is 9600.
//
// This option can't be changed at runtime.
func WithBaudRate(val int) ConnOption {
	return newConnOptFunc("WithBaudRate", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if val <= 0 {
			return fmt.Errorf("%w: baud rate must be positive", link.ErrConfiguration)
		}
		cfg.baudRate = val

		return nil
	})
}

// WithDataBits sets the number of data bits per character.
//
// An error is returned if the value is not between 5 and 8.
//
// The default value is 8.
//
// This option can't be changed at runtime.
func WithDataBits(val int) ConnOption {
	return newConnOptFunc("WithDataBits", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if val < 5 || val > 8 {
			return fmt.Errorf("%w: data bits out of range [5, 8]", link.ErrConfiguration)
		}
		cfg.dataBits = val

		return nil
	})
}

// WithStopBits sets the number of stop bits.
//
// An error is returned if the value is not 1 or 2.
//
// The default value is 1.
//
// This option can't be changed at runtime.
func WithStopBits(val int) ConnOption {
	return newConnOptFunc("WithStopBits", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if val != 1 && val != 2 {
			return fmt.Errorf("%w: stop bits must be 1 or 2", link.ErrConfiguration)
		}
		cfg.stopBits = val

		return nil
	})
}

// WithParity sets the parity mode: "N" for none, "E" for even, "O" for odd.
//
// An error is returned for any other value.
//
// The default value is "N".
//
// This option can't be changed at runtime.
func WithParity(val string) ConnOption {
	return newConnOptFunc("WithParity", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if val != "N" && val != "E" && val != "O" {
			return fmt.Errorf("%w: parity must be N, E or O", link.ErrConfiguration)
		}
		cfg.parity = val

		return nil
	})
}

// WithReadTimeout sets the timeout of a single blocking read on the port.
// Shorter timeouts make close and reconfiguration more responsive at the
// cost of more wakeups.
//
// An error is returned if the value is not between 10 milliseconds and
// 10 seconds.
//
// The default value is 100 milliseconds.
//
// This option can't be changed at runtime.
func WithReadTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithReadTimeout", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if val < 10*time.Millisecond || val > 10*time.Second {
			return fmt.Errorf("%w: read timeout out of range [0.01, 10]", link.ErrConfiguration)
		}
		cfg.readTimeout = val

		return nil
	})
}

// WithCloseTimeout sets the timeout for closing the connection.
//
// An error is returned if the value is not between 1 and 30 seconds.
//
// The default value is 3 seconds.
//
// This option can be changed at runtime.
func WithCloseTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithCloseTimeout", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if val < 1*time.Second || val > 30*time.Second {
			return fmt.Errorf("%w: close timeout out of range [1, 30]", link.ErrConfiguration)
		}
		cfg.closeTimeout = val

		return nil
	})
}

// WithSendTimeout sets how long a send waits for space in the sender queue.
//
// An error is returned if the value is not between 10 milliseconds and
// 120 seconds.
//
// The default value is 5 seconds.
//
// This option can be changed at runtime.
func WithSendTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithSendTimeout", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if val < 10*time.Millisecond || val > 120*time.Second {
			return fmt.Errorf("%w: send timeout out of range [0.01, 120]", link.ErrConfiguration)
		}
		cfg.sendTimeout = val

		return nil
	})
}

// WithSenderQueueSize sets the capacity of the outbound message queue.
//
// An error is returned if the value is not between 1 and 1000.
//
// The default value is 10.
//
// This option can't be changed at runtime.
func WithSenderQueueSize(size int) ConnOption {
	return newConnOptFunc("WithSenderQueueSize", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if size < 1 || size > 1000 {
			return fmt.Errorf("%w: sender queue size out of range [1, 1000]", link.ErrConfiguration)
		}
		cfg.senderQueueSize = size

		return nil
	})
}

// WithAutoReconnect enables or disables automatic reopening after port loss.
//
// The default value is true.
//
// This option can be changed at runtime.
func WithAutoReconnect(val bool) ConnOption {
	return newConnOptFunc("WithAutoReconnect", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		cfg.autoReconnect = val

		return nil
	})
}

// WithReconnectInterval sets the cap of the delay between reopen attempts.
//
// An error is returned if the value is not positive.
//
// The default value is 5 seconds.
//
// This option can be changed at runtime.
func WithReconnectInterval(interval time.Duration) ConnOption {
	return newConnOptFunc("WithReconnectInterval", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if interval <= 0 {
			return fmt.Errorf("%w: reconnect interval must be positive", link.ErrConfiguration)
		}
		cfg.reconnectInterval = interval

		return nil
	})
}

// WithMaxReconnectAttempts bounds the number of consecutive failed reopen
// attempts. 0 disables reconnection entirely, -1 removes the bound.
//
// An error is returned for values below -1.
//
// The default value is -1.
//
// This option can be changed at runtime.
func WithMaxReconnectAttempts(val int) ConnOption {
	return newConnOptFunc("WithMaxReconnectAttempts", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if val < -1 {
			return fmt.Errorf("%w: max reconnect attempts must be -1, 0 or positive", link.ErrConfiguration)
		}
		cfg.maxReconnectAttempts = val

		return nil
	})
}

// WithHeartbeatInterval sets the period of the liveness probe. A zero
// interval disables the heartbeat.
//
// An error is returned for negative values.
//
// The default value is 0.
//
// This option can be changed at runtime.
func WithHeartbeatInterval(interval time.Duration) ConnOption {
	return newConnOptFunc("WithHeartbeatInterval", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if interval < 0 {
			return fmt.Errorf("%w: heartbeat interval must not be negative", link.ErrConfiguration)
		}
		cfg.heartbeatInterval = interval

		return nil
	})
}

// WithPacketFraming treats every port read as one complete frame instead of
// scanning for a terminator.
//
// The default is terminator framing.
//
// This option can't be changed at runtime.
func WithPacketFraming() ConnOption {
	return newConnOptFunc("WithPacketFraming", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		cfg.packetFraming = true

		return nil
	})
}

// WithTerminator sets the byte sequence that ends a frame.
//
// An error is returned if the sequence is empty.
//
// The default value is CR LF.
//
// This option can't be changed at runtime.
func WithTerminator(sep []byte) ConnOption {
	return newConnOptFunc("WithTerminator", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if len(sep) == 0 {
			return fmt.Errorf("%w: empty frame terminator", link.ErrConfiguration)
		}
		cfg.terminator = sep

		return nil
	})
}

// WithFormat sets the payload format that converts between messages and
// bytes.
//
// An error is returned if the format is nil.
//
// The default value is the text format.
//
// This option can't be changed at runtime.
func WithFormat(format codec.Format) ConnOption {
	return newConnOptFunc("WithFormat", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if format == nil {
			return fmt.Errorf("%w: nil payload format", link.ErrConfiguration)
		}
		cfg.format = format

		return nil
	})
}

// WithPortOpener sets the function that opens the serial port, replacing
// serial.Open. RS-485 wrappers and port multiplexers plug in here.
//
// An error is returned if the opener is nil.
//
// This option can't be changed at runtime.
func WithPortOpener(opener PortOpener) ConnOption {
	return newConnOptFunc("WithPortOpener", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if opener == nil {
			return fmt.Errorf("%w: nil port opener", link.ErrConfiguration)
		}
		cfg.portOpener = opener

		return nil
	})
}

// WithLogger sets a custom logger for the connection.
//
// An error is returned if the logger is nil.
//
// The default logger is the global logger instance.
//
// This option can't be changed at runtime.
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if l == nil {
			return fmt.Errorf("%w: nil logger", link.ErrConfiguration)
		}
		cfg.logger = l

		return nil
	})
}
