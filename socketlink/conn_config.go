package socketlink

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/go-fieldlink/codec"
	"github.com/arloliu/go-fieldlink/link"
	"github.com/arloliu/go-fieldlink/logger"
)

// ConnectionConfig represents the configuration parameters for a socket
// connection. The same configuration type serves TCP (active and passive)
// and UDP connections; options that only apply to one transport say so.
type ConnectionConfig struct {
	mu sync.RWMutex

	// host specifies the remote host in active mode, or the local bind host
	// in passive mode. An empty host binds all interfaces in passive mode.
	host string

	// port specifies the TCP or UDP port number. Port 0 asks the system for
	// an ephemeral port in passive mode.
	port int

	// isActive indicates whether the connection dials the remote peer (true)
	// or listens and accepts one peer (false).
	// Defaults to true (active mode).
	isActive bool

	// connectTimeout defines the timeout for establishing a connection in
	// active mode. It should be between 0.1 and 30 seconds.
	// Defaults to 3 seconds.
	connectTimeout time.Duration

	// acceptTimeout defines the timeout for each iteration of accepting a
	// connection in passive mode. It should be between 1 and 2 seconds.
	// Defaults to 1 second.
	acceptTimeout time.Duration

	// closeTimeout defines the timeout for closing the connection.
	// It should be between 1 and 30 seconds.
	// Defaults to 3 seconds.
	closeTimeout time.Duration

	// sendTimeout defines how long Send waits for a slot in the sender queue
	// and how long a single transport write may take.
	// Defaults to 5 seconds.
	sendTimeout time.Duration

	// keepAlive defines the TCP keep-alive probe interval in active mode.
	// Zero disables keep-alive probes.
	// Defaults to 30 seconds.
	keepAlive time.Duration

	// senderQueueSize defines the size of the sender queue, which buffers
	// messages before writing them to the socket.
	// Defaults to 10.
	senderQueueSize int

	// autoReconnect indicates whether the connection re-dials automatically
	// after link loss or a failed open attempt.
	// Defaults to true.
	autoReconnect bool

	// reconnectInterval caps the delay between reconnect attempts.
	// Defaults to 5 seconds.
	reconnectInterval time.Duration

	// maxReconnectAttempts bounds consecutive failed reconnect attempts.
	// 0 disables reconnection, -1 removes the bound.
	// Defaults to -1.
	maxReconnectAttempts int

	// heartbeatInterval defines the interval between liveness probes while
	// connected. Zero disables the heartbeat.
	// Defaults to 0 (disabled).
	heartbeatInterval time.Duration

	// packetFraming selects one-read-one-frame framing instead of terminator
	// framing. UDP connections always frame per datagram regardless of this
	// setting.
	packetFraming bool

	// terminator holds the frame terminator for terminator framing.
	// Defaults to CRLF.
	terminator []byte

	// format holds the payload format.
	// Defaults to codec.TextFormat.
	format codec.Format

	// logger provides a logger instance for connection events and errors.
	logger logger.Logger
}

// NewConnectionConfig creates a socket connection configuration with the
// given host, port and optional functional options.
//
// It initializes a ConnectionConfig with default values and then applies the
// provided options. See the WithXXX functions for the available options.
//
// Returns a pointer to the initialized ConnectionConfig and an error if any
// option fails to validate.
func NewConnectionConfig(host string, port int, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		isActive:             true,
		connectTimeout:       3 * time.Second,
		acceptTimeout:        1 * time.Second,
		closeTimeout:         3 * time.Second,
		sendTimeout:          5 * time.Second,
		keepAlive:            30 * time.Second,
		senderQueueSize:      10,
		autoReconnect:        true,
		reconnectInterval:    5 * time.Second,
		maxReconnectAttempts: -1,
		heartbeatInterval:    0,
		terminator:           codec.CRLF,
		format:               codec.TextFormat{},
		logger:               logger.GetLogger(),
	}

	if err := withHost(host).apply(cfg); err != nil {
		return cfg, err
	}

	if err := withPort(port).apply(cfg); err != nil {
		return cfg, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// IsActive reports whether the connection runs in active (dialing) mode.
func (cfg *ConnectionConfig) IsActive() bool {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.isActive
}

// Address returns the host:port address string the connection dials or binds.
func (cfg *ConnectionConfig) Address() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port))
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

// Settings changeable at runtime are read through locked accessors. Fields
// that UpdateOptions rejects are only written during construction and are
// safe to read directly.
func (cfg *ConnectionConfig) getConnectTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.connectTimeout
}

func (cfg *ConnectionConfig) getAcceptTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.acceptTimeout
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

// buildCodec constructs the frame codec the configuration describes.
// forcePacket overrides terminator framing for datagram transports.
func (cfg *ConnectionConfig) buildCodec(forcePacket bool) (codec.Codec, error) {
	if forcePacket || cfg.packetFraming {
		return codec.NewPacket(cfg.format)
	}

	return codec.NewTerminator(cfg.terminator, cfg.format)
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
	return &connOptFunc{
		name:      name,
		runtime:   runtime,
		applyFunc: f,
	}
}

// withHost sets the host for the socket connection.
// An empty host is accepted for passive mode (bind all interfaces).
func withHost(host string) ConnOption {
	return newConnOptFunc("withHost", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if host == "" {
			cfg.host = host
			return nil
		}

		// Check if it's a valid IP address
		if ip := net.ParseIP(host); ip != nil {
			cfg.host = host
			return nil
		}

		// If not an IP, check if it's a resolvable name
		host = strings.TrimPrefix(host, ".")
		host = strings.TrimSuffix(host, ".")
		if _, err := net.LookupHost(host); err == nil {
			cfg.host = host
			return nil
		}

		return fmt.Errorf("%w: invalid host %q", link.ErrConfiguration, host)
	})
}

// withPort sets the port number for the socket connection.
// An error is returned if the port number is out of the valid range (0-65535).
func withPort(port int) ConnOption {
	return newConnOptFunc("withPort", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: port is out of range [0, 65535]", link.ErrConfiguration)
		}
		cfg.port = port

		return nil
	})
}

// WithActive sets the connection mode to active: the connection dials the
// remote peer.
//
// The default mode is active.
//
// This option can't be changed at runtime.
func WithActive() ConnOption {
	return newConnOptFunc("WithActive", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		cfg.isActive = true

		return nil
	})
}

// WithPassive sets the connection mode to passive: the connection listens on
// host:port and serves one peer at a time.
//
// The default mode is active.
//
// This option can't be changed at runtime.
func WithPassive() ConnOption {
	return newConnOptFunc("WithPassive", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		cfg.isActive = false

		return nil
	})
}

// WithConnectTimeout sets the timeout for establishing a connection in active
// mode. An error is returned if the timeout is outside the valid range
// (0.1-30 seconds) or if the configuration is nil.
//
// The default value is 3 seconds.
//
// This option can be changed at runtime.
func WithConnectTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithConnectTimeout", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if val < 100*time.Millisecond || val > 30*time.Second {
			return fmt.Errorf("%w: connect timeout out of range [0.1, 30]", link.ErrConfiguration)
		}
		cfg.connectTimeout = val

		return nil
	})
}

// WithAcceptTimeout sets the timeout for each iteration of accepting a
// connection in passive mode. An error is returned if the timeout is outside
// the valid range (1-2 seconds) or if the configuration is nil.
//
// The default value is 1 second.
//
// This option can be changed at runtime.
func WithAcceptTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithAcceptTimeout", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if val < 1*time.Second || val > 2*time.Second {
			return fmt.Errorf("%w: accept timeout out of range [1, 2]", link.ErrConfiguration)
		}
		cfg.acceptTimeout = val

		return nil
	})
}

// WithCloseTimeout sets the timeout for closing the connection. An error is
// returned if the timeout is outside the valid range (1-30 seconds) or if
// the configuration is nil.
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

// WithSendTimeout sets how long Send waits for a sender queue slot and how
// long a single transport write may take. An error is returned if the
// timeout is outside the valid range (0.01-120 seconds) or if the
// configuration is nil.
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

// WithKeepAlive sets the TCP keep-alive probe interval for active
// connections. Zero disables keep-alive probes.
//
// The default value is 30 seconds.
//
// This option can't be changed at runtime.
func WithKeepAlive(val time.Duration) ConnOption {
	return newConnOptFunc("WithKeepAlive", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if val < 0 || val > 10*time.Minute {
			return fmt.Errorf("%w: keep-alive interval out of range [0, 600]", link.ErrConfiguration)
		}
		cfg.keepAlive = val

		return nil
	})
}

// WithSenderQueueSize sets the size of the sender queue, which buffers
// messages before writing them to the socket.
//
// This option allows you to control the backpressure level for unsent
// messages. A larger queue size can accommodate bursts of messages but
// might consume more memory.
//
// The queue size must be within the range of 1 to 1000.
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

// WithAutoReconnect enables or disables automatic reconnection after link
// loss or a failed open attempt.
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

// WithReconnectInterval sets the cap on the delay between reconnect
// attempts. The delay grows exponentially from 100ms up to this cap.
// An error is returned if the interval is not positive.
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

// WithMaxReconnectAttempts bounds the number of consecutive failed reconnect
// attempts before the connection rests in the error state. 0 disables
// reconnection entirely, -1 removes the bound. The counter resets on every
// successful connect.
//
// The default value is -1 (unbounded).
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

// WithHeartbeatInterval sets the interval between liveness probes while
// connected. Zero disables the heartbeat. An error is returned if the
// interval is negative.
//
// The default value is 0 (disabled).
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

// WithPacketFraming selects one-read-one-frame framing instead of terminator
// framing. UDP connections always frame per datagram; this option only
// matters for TCP.
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

// WithTerminator sets the frame terminator for terminator framing. An error
// is returned if the terminator is empty.
//
// The default value is CRLF ("\r\n").
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

// WithFormat sets the payload format. An error is returned if the format is
// nil.
//
// The default value is codec.TextFormat.
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

// WithLogger sets the logger for the connection.
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
