package link

import (
	"context"

	"github.com/arloliu/go-fieldlink/logger"
)

// MessageHandler is a function type that represents a handler for messages
// delivered by a connection.
//
// Handlers registered on the same connection are invoked sequentially, in the
// order the messages were extracted from the transport. A slow handler delays
// later deliveries but never blocks the transport read loop.
type MessageHandler func(conn Connection, msg *Message)

// Connection defines the interface implemented by every protocol adapter.
type Connection interface {
	// Open establishes the link to the device.
	//
	// Open blocks until the connection reaches the connected state or the
	// attempt fails. Opening an already-connected connection is a no-op that
	// returns nil without emitting a state change notification.
	//
	// When ctx expires first, Open returns a timeout error but the attempt
	// keeps running in the background; if it later succeeds the connection
	// becomes connected and the state change notification fires as usual.
	// Call Close to abandon the attempt instead.
	Open(ctx context.Context) error

	// Close tears the link down and releases its resources.
	// Closing an already-closed connection is a no-op.
	Close() error

	// Send hands a message to the connection for transmission.
	// It fails fast with ErrNotConnected when the link is not established.
	Send(msg *Message) error

	// State returns the current connection state.
	State() ConnState

	// AddConnStateChangeHandler registers handlers invoked on every state change.
	AddConnStateChangeHandler(handlers ...ConnStateChangeHandler)

	// AddMessageHandler registers handlers invoked for every delivered message.
	AddMessageHandler(handlers ...MessageHandler)

	// GetLogger returns the logger associated with the connection.
	GetLogger() logger.Logger
}
