package modbuslink

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/go-fieldlink/link"
	"github.com/arloliu/go-fieldlink/logger"
)

// ConnectionConfig represents the configuration parameters for a Modbus-TCP
// master connection.
type ConnectionConfig struct {
	mu sync.RWMutex

	// host specifies the device or gateway host.
	host string

	// port specifies the TCP port number. Defaults to 502.
	port int

	// unitID addresses the slave behind the connection. Behind a serial
	// gateway this selects the drop; a direct Modbus-TCP device usually
	// ignores it. Defaults to 1.
	unitID int

	// byteOrder maps 32-bit values onto register pairs. Defaults to ABCD.
	byteOrder ByteOrder

	// requestTimeout bounds the dial and each request/response exchange.
	// It should be between 0.1 and 120 seconds. Defaults to 5 seconds.
	requestTimeout time.Duration

	// idleTimeout closes the TCP socket after this long without traffic; the
	// next request redials transparently. Zero keeps the socket open.
	// Defaults to 60 seconds.
	idleTimeout time.Duration

	// closeTimeout defines the timeout for closing the connection.
	// It should be between 1 and 30 seconds. Defaults to 3 seconds.
	closeTimeout time.Duration

	// sendTimeout defines how long a send waits for space in the sender
	// queue. It should be between 10 milliseconds and 120 seconds.
	// Defaults to 5 seconds.
	sendTimeout time.Duration

	// senderQueueSize defines the capacity of the outbound command queue.
	// It should be between 1 and 1000. Defaults to 10.
	senderQueueSize int

	// probeAddress is the holding register the heartbeat reads as a liveness
	// probe. The returned value is ignored; liveness means the read did not
	// fail. Defaults to 0.
	probeAddress int

	// readCacheTTL keeps read results for this long, so bursts of identical
	// polls hit the wire once. Zero disables the cache. Defaults to 0.
	readCacheTTL time.Duration

	// autoReconnect enables automatic redialing after link loss.
	// Defaults to true.
	autoReconnect bool

	// reconnectInterval caps the delay between reconnect attempts.
	// Defaults to 5 seconds.
	reconnectInterval time.Duration

	// maxReconnectAttempts bounds consecutive failed reconnect attempts.
	// 0 disables reconnection, -1 removes the bound. Defaults to -1.
	maxReconnectAttempts int

	// heartbeatInterval defines the period of the liveness probe.
	// 0 disables the heartbeat. Defaults to 0.
	heartbeatInterval time.Duration

	// logger provides a logger instance for connection events and errors.
	logger logger.Logger
}

// NewConnectionConfig creates a Modbus master configuration with the given
// host, port and optional functional options.
//
// It initializes a ConnectionConfig with default values and then applies the
// provided options. See the WithXXX functions for the available options.
//
// Returns a pointer to the initialized ConnectionConfig and an error if any
// option fails to validate.
func NewConnectionConfig(host string, port int, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		port:                 502,
		unitID:               1,
		byteOrder:            ABCD,
		requestTimeout:       5 * time.Second,
		idleTimeout:          60 * time.Second,
		closeTimeout:         3 * time.Second,
		sendTimeout:          5 * time.Second,
		senderQueueSize:      10,
		probeAddress:         0,
		readCacheTTL:         0,
		autoReconnect:        true,
		reconnectInterval:    5 * time.Second,
		maxReconnectAttempts: -1,
		heartbeatInterval:    0,
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

// Address returns the host:port address string the connection dials.
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

func (cfg *ConnectionConfig) getUnitID() byte {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return byte(cfg.unitID)
}

func (cfg *ConnectionConfig) getByteOrder() ByteOrder {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.byteOrder
}

func (cfg *ConnectionConfig) getRequestTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.requestTimeout
}

func (cfg *ConnectionConfig) getIdleTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.idleTimeout
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

func (cfg *ConnectionConfig) getProbeAddress() uint16 {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return uint16(cfg.probeAddress) //nolint:gosec
}

func (cfg *ConnectionConfig) getReadCacheTTL() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.readCacheTTL
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

// withHost sets the device host. An IP address or a resolvable name is
// accepted.
func withHost(host string) ConnOption {
	return newConnOptFunc("withHost", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if host == "" {
			return fmt.Errorf("%w: empty host", link.ErrConfiguration)
		}

		if ip := net.ParseIP(host); ip != nil {
			cfg.host = host
			return nil
		}

		host = strings.TrimPrefix(host, ".")
		host = strings.TrimSuffix(host, ".")
		if _, err := net.LookupHost(host); err == nil {
			cfg.host = host
			return nil
		}

		return fmt.Errorf("%w: invalid host %q", link.ErrConfiguration, host)
	})
}

// withPort sets the port number for the connection.
// An error is returned if the port number is out of the valid range (1-65535).
func withPort(port int) ConnOption {
	return newConnOptFunc("withPort", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: port is out of range [1, 65535]", link.ErrConfiguration)
		}
		cfg.port = port

		return nil
	})
}

// WithUnitID sets the slave/unit identifier addressed by every request.
// Changing it at runtime retargets the next request, which supports polling
// several drops behind one serial gateway.
//
// An error is returned if the value is not between 0 and 255.
//
// The default value is 1.
//
// This option can be changed at runtime.
func WithUnitID(id int) ConnOption {
	return newConnOptFunc("WithUnitID", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if id < 0 || id > 255 {
			return fmt.Errorf("%w: unit id out of range [0, 255]", link.ErrConfiguration)
		}
		cfg.unitID = id

		return nil
	})
}

// WithByteOrder sets the mapping of 32-bit values onto register pairs.
//
// The default value is ABCD.
//
// This option can be changed at runtime.
func WithByteOrder(order ByteOrder) ConnOption {
	return newConnOptFunc("WithByteOrder", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if _, ok := byteOrderNames[order]; !ok {
			return fmt.Errorf("%w: unknown byte order %d", link.ErrConfiguration, order)
		}
		cfg.byteOrder = order

		return nil
	})
}

// WithRequestTimeout bounds the dial and each request/response exchange.
//
// An error is returned if the value is not between 100 milliseconds and
// 120 seconds.
//
// The default value is 5 seconds.
//
// This option can't be changed at runtime.
func WithRequestTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithRequestTimeout", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if val < 100*time.Millisecond || val > 120*time.Second {
			return fmt.Errorf("%w: request timeout out of range [0.1, 120]", link.ErrConfiguration)
		}
		cfg.requestTimeout = val

		return nil
	})
}

// WithIdleTimeout closes the TCP socket after this long without traffic.
// Zero keeps the socket open indefinitely.
//
// An error is returned for negative values or values above 10 minutes.
//
// The default value is 60 seconds.
//
// This option can't be changed at runtime.
func WithIdleTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithIdleTimeout", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if val < 0 || val > 10*time.Minute {
			return fmt.Errorf("%w: idle timeout out of range [0, 600]", link.ErrConfiguration)
		}
		cfg.idleTimeout = val

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

// WithSenderQueueSize sets the capacity of the outbound command queue.
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

// WithProbeAddress sets the holding register the heartbeat reads as a
// liveness probe. The returned value is ignored; a failed read marks the
// link as lost.
//
// An error is returned if the value is not a 16-bit address.
//
// The default value is 0.
//
// This option can be changed at runtime.
func WithProbeAddress(addr int) ConnOption {
	return newConnOptFunc("WithProbeAddress", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if addr < 0 || addr > 65535 {
			return fmt.Errorf("%w: probe address out of range [0, 65535]", link.ErrConfiguration)
		}
		cfg.probeAddress = addr

		return nil
	})
}

// WithReadCacheTTL keeps read results for the given duration, so bursts of
// identical polls from several consumers hit the wire once. Zero disables
// the cache. The cache is dropped whenever the connection (re)connects.
//
// An error is returned for negative values or values above 1 minute.
//
// The default value is 0 (disabled).
//
// This option can be changed at runtime.
func WithReadCacheTTL(val time.Duration) ConnOption {
	return newConnOptFunc("WithReadCacheTTL", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return link.ErrConnConfigNil
		}

		if val < 0 || val > time.Minute {
			return fmt.Errorf("%w: read cache ttl out of range [0, 60]", link.ErrConfiguration)
		}
		cfg.readCacheTTL = val

		return nil
	})
}

// WithAutoReconnect enables or disables automatic redialing after link loss.
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

// WithReconnectInterval sets the cap of the delay between reconnect attempts.
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

// WithMaxReconnectAttempts bounds the number of consecutive failed reconnect
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
