package link

import (
	"errors"
	"fmt"
)

// Category sentinels. Every error surfaced by a connection wraps exactly one
// of these (timeouts during connect wrap two), so callers can classify
// failures with errors.Is without depending on protocol details.
var (
	// ErrConfiguration indicates invalid or missing settings, detected before any I/O.
	ErrConfiguration = errors.New("configuration error")

	// ErrConnect indicates that establishing the link failed, either the dial
	// itself or the protocol handshake that follows it.
	ErrConnect = errors.New("connect error")

	// ErrTransport indicates an I/O failure on an established link.
	ErrTransport = errors.New("transport error")

	// ErrProtocol indicates a malformed or unexpected payload.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout indicates that an operation deadline elapsed.
	ErrTimeout = errors.New("timeout")
)

var (
	// ErrConnConfigNil indicates that a nil ConnectionConfig was provided.
	ErrConnConfigNil = fmt.Errorf("%w: connection config is nil", ErrConfiguration)

	// ErrConnClosed indicates that the connection is closed.
	ErrConnClosed = fmt.Errorf("%w: connection closed", ErrTransport)

	// ErrNotConnected indicates that an operation requires an established
	// link but the connection is not in the connected state.
	ErrNotConnected = fmt.Errorf("%w: connection not established", ErrTransport)

	// ErrConnectFailed indicates that the transport dial or handshake failed.
	ErrConnectFailed = fmt.Errorf("%w: open link failed", ErrConnect)

	// ErrConnectTimeout indicates that the link could not be established
	// within the connect timeout.
	ErrConnectTimeout = fmt.Errorf("%w: %w while opening link", ErrConnect, ErrTimeout)

	// ErrSendTimeout indicates that a message could not be queued for
	// transmission within the send timeout.
	ErrSendTimeout = fmt.Errorf("%w: send message", ErrTimeout)

	// ErrHeartbeatFailed indicates that the periodic liveness probe failed.
	ErrHeartbeatFailed = fmt.Errorf("%w: heartbeat probe failed", ErrTransport)
)

// ErrInvalidTransition is returned when an attempt is made to transition the
// connection state to an invalid state.
var ErrInvalidTransition = errors.New("invalid state transition")

// IsConfiguration reports whether err is classified as a configuration error.
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

// IsConnect reports whether err is classified as a connect error.
func IsConnect(err error) bool { return errors.Is(err, ErrConnect) }

// IsTransport reports whether err is classified as a transport error.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

// IsProtocol reports whether err is classified as a protocol error.
func IsProtocol(err error) bool { return errors.Is(err, ErrProtocol) }

// IsTimeout reports whether err is classified as a timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
