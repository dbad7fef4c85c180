package link

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-fieldlink/logger"
)

// ConnState represents the lifecycle stage of a device connection.
type ConnState uint32

// Connection states representing the lifecycle of a device connection.
const (
	// DisconnectedState indicates that the link is not established and no
	// attempt is in progress. It is the initial state and the state after an
	// explicit Close.
	DisconnectedState ConnState = iota
	// ConnectingState indicates that a dial or protocol handshake is in progress.
	ConnectingState
	// ConnectedState indicates that the link is established and ready for data exchange.
	ConnectedState
	// ErrorState indicates that the link was lost or an open attempt failed.
	// The reconnect scheduler, when enabled, drives the connection out of
	// this state back to ConnectingState.
	ErrorState
)

// IsDisconnected returns if the current state is disconnected.
func (cs ConnState) IsDisconnected() bool { return cs == DisconnectedState }

// IsConnecting returns if the current state is connecting.
func (cs ConnState) IsConnecting() bool { return cs == ConnectingState }

// IsConnected returns if the current state is connected.
func (cs ConnState) IsConnected() bool { return cs == ConnectedState }

// IsError returns if the current state is the error state.
func (cs ConnState) IsError() bool { return cs == ErrorState }

// String returns string representation of the current state.
func (cs ConnState) String() string {
	switch cs {
	case DisconnectedState:
		return "disconnected"
	case ConnectingState:
		return "connecting"
	case ConnectedState:
		return "connected"
	case ErrorState:
		return "error"
	default:
		return "unknown"
	}
}

// ConnStateChangeHandler is a function type that represents a handler for connection state changes.
// It is invoked once per actual state change; transitions into the current state do not fire it.
//
// Note: the handler will be invoked in a blocking mode. Take care with long-running implementations.
//
// The handler function receives the previous and the new connection state.
type ConnStateChangeHandler func(conn Connection, prevState ConnState, newState ConnState)

// ConnStateMgr manages the lifecycle state of a device connection.
//
// It provides methods for managing state transitions and notifying listeners of state changes.
// The state transitions are thread safe in concurrent environments, and listeners observe
// them in transition order.
type ConnStateMgr struct {
	mu               sync.Mutex
	ctx              context.Context
	cond             *sync.Cond
	state            atomic.Uint32
	conn             Connection
	logger           logger.Logger
	asyncStateChange chan ConnState
	handlers         []ConnStateChangeHandler
}

// NewConnStateMgr creates a new ConnStateMgr instance, initializing it to the DisconnectedState.
//
// It accepts optional ConnStateChangeHandler functions that will be invoked when the connection state changes.
func NewConnStateMgr(ctx context.Context, conn Connection, handlers ...ConnStateChangeHandler) *ConnStateMgr {
	connState := &ConnStateMgr{
		ctx:              ctx,
		conn:             conn,
		asyncStateChange: make(chan ConnState, 10),
		handlers:         make([]ConnStateChangeHandler, 0, len(handlers)),
	}

	for _, handler := range handlers {
		connState.AddHandler(handler)
	}

	if conn != nil {
		connState.logger = conn.GetLogger()
	} else {
		connState.logger = logger.GetLogger()
	}

	connState.state.Store(uint32(DisconnectedState))
	connState.cond = sync.NewCond(&connState.mu)

	go connState.asyncStateChangeTask()

	return connState
}

// State returns the current connection state.
func (cs *ConnStateMgr) State() ConnState {
	return ConnState(cs.state.Load())
}

// AddHandler adds one or more ConnStateChangeHandler functions to be invoked on state changes.
func (cs *ConnStateMgr) AddHandler(handlers ...ConnStateChangeHandler) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.handlers = append(cs.handlers, handlers...)
}

// WaitState waits for the connection state to reach one of the specified states or until the
// context is done. It returns the reached state, or an error if the context is canceled or
// times out first.
func (cs *ConnStateMgr) WaitState(ctx context.Context, states ...ConnState) (ConnState, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.logger.Debug("wait connection state", "cur_state", cs.State(), "desired_states", states)
	if slices.Contains(states, cs.State()) {
		return cs.State(), nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		cs.cond.Broadcast()
	})
	defer stopFunc()

	for !slices.Contains(states, cs.State()) {
		select {
		case <-ctx.Done():
			cs.logger.Debug("wait connection state receive ctx done", "cur_state", cs.State(), "desired_states", states)
			return cs.State(), ctx.Err()
		default:
			cs.cond.Wait()
		}
	}
	cs.logger.Debug("wait connection state finished", "cur_state", cs.State(), "desired_states", states)

	return cs.State(), nil
}

// ToDisconnected transitions the connection state to DisconnectedState.
// This transition is allowed from any state and represents an explicit close or a reset
// of the connection.
func (cs *ConnStateMgr) ToDisconnected() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState.IsDisconnected() {
		cs.logger.Debug("already in DisconnectedState, no need to transition")
		return
	}

	// change state to disconnected BEFORE all handlers finished,
	// so that Close() observers see the final state immediately
	cs.setState(DisconnectedState)

	cs.invokeHandlers(curState, DisconnectedState)
}

// ToConnecting transitions the connection state to ConnectingState.
//
// This transition is allowed from the DisconnectedState (initial open) and the ErrorState
// (reconnect attempt). If the state is already ConnectingState, the function is a no-op.
//
// Returns nil on success, or ErrInvalidTransition if the current state is ConnectedState.
func (cs *ConnStateMgr) ToConnecting() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState.IsConnecting() {
		return nil // Already in ConnectingState, No-op
	}

	if curState.IsConnected() {
		return ErrInvalidTransition
	}

	// change state before invoking handlers so that concurrent observers see
	// the connecting state while the dial performed by a handler is in flight
	cs.setState(ConnectingState)

	cs.invokeHandlers(curState, ConnectingState)

	return nil
}

// ToConnected transitions the connection state to ConnectedState.
//
// This transition is only allowed from the ConnectingState and indicates that the link is
// established and ready for data exchange.
// If the state is already ConnectedState, the function is a no-op.
//
// Returns nil on success, or ErrInvalidTransition if the current state is not ConnectingState.
func (cs *ConnStateMgr) ToConnected() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState.IsConnected() {
		return nil // Already in ConnectedState, No-op
	}

	// Only allow transition from ConnectingState
	if !curState.IsConnecting() {
		return ErrInvalidTransition
	}

	cs.invokeHandlers(curState, ConnectedState)
	// change state after all handlers finished, so that a successful Open()
	// returns only after the connected-state handlers completed
	cs.setState(ConnectedState)

	return nil
}

// ToError transitions the connection state to ErrorState.
//
// This transition is allowed from the ConnectingState (failed open attempt) and the
// ConnectedState (link loss). If the state is already ErrorState, the function is a no-op.
//
// Returns nil on success, or ErrInvalidTransition if the current state is DisconnectedState;
// a connection that was closed explicitly stays disconnected even when a late failure of its
// former link is reported.
func (cs *ConnStateMgr) ToError() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState.IsError() {
		return nil // Already in ErrorState, No-op
	}

	if curState.IsDisconnected() {
		return ErrInvalidTransition
	}

	// change state before invoking handlers, the link is already unusable
	cs.setState(ErrorState)

	cs.invokeHandlers(curState, ErrorState)

	return nil
}

// ToDisconnectedAsync transitions connection state to DisconnectedState asynchronously.
//
// It will notify a goroutine and transit state in the back asynchronously.
//
// If the state is the same as the current state, the function is a no-op.
func (cs *ConnStateMgr) ToDisconnectedAsync() {
	cs.changeStateAsync(DisconnectedState)
}

// ToConnectingAsync transitions connection state to ConnectingState asynchronously.
//
// It will notify a goroutine and transit state in the back asynchronously.
//
// If the state is the same as the current state, the function is a no-op.
func (cs *ConnStateMgr) ToConnectingAsync() {
	cs.changeStateAsync(ConnectingState)
}

// ToConnectedAsync transitions connection state to ConnectedState asynchronously.
//
// It will notify a goroutine and transit state in the back asynchronously.
//
// If the state is the same as the current state, the function is a no-op.
func (cs *ConnStateMgr) ToConnectedAsync() {
	cs.changeStateAsync(ConnectedState)
}

// ToErrorAsync transitions connection state to ErrorState asynchronously.
//
// It will notify a goroutine and transit state in the back asynchronously.
//
// If the state is the same as the current state, the function is a no-op.
func (cs *ConnStateMgr) ToErrorAsync() {
	cs.changeStateAsync(ErrorState)
}

// IsDisconnected returns if the current state is disconnected.
func (cs *ConnStateMgr) IsDisconnected() bool {
	return cs.State().IsDisconnected()
}

// IsConnecting returns if the current state is connecting.
func (cs *ConnStateMgr) IsConnecting() bool {
	return cs.State().IsConnecting()
}

// IsConnected returns if the current state is connected.
func (cs *ConnStateMgr) IsConnected() bool {
	return cs.State().IsConnected()
}

// IsError returns if the current state is the error state.
func (cs *ConnStateMgr) IsError() bool {
	return cs.State().IsError()
}

// setState atomically set current state to the newState. It also broadcasts a signal to any waiting goroutines.
func (cs *ConnStateMgr) setState(newState ConnState) {
	cs.state.Store(uint32(newState))
	cs.cond.Broadcast()
}

// invokeHandlers invokes all registered ConnStateChangeHandler functions with the previous and new states.
func (cs *ConnStateMgr) invokeHandlers(prevState ConnState, newState ConnState) {
	for _, handler := range cs.handlers {
		if handler != nil {
			handler(cs.conn, prevState, newState)
		}
	}
}

// changeStateAsync transitions the desired connection state asynchronously.
//
// It will notify a goroutine and transit state in the back asynchronously.
//
// If the state is the same as the current state, the function is a no-op.
func (cs *ConnStateMgr) changeStateAsync(state ConnState) {
	if cs.State() == state {
		return
	}

	cs.asyncStateChange <- state
}

// asyncStateChangeTask handles state changing in the background.
func (cs *ConnStateMgr) asyncStateChangeTask() {
	defer cs.logger.Debug("asyncStateChangeTask terminated")

	for {
		select {
		case <-cs.ctx.Done():
			return

		case desiredState := <-cs.asyncStateChange:
			prevState := cs.State()

			cs.logger.Debug("[start] async connection state",
				"method", "asyncStateChangeTask",
				"prevState", prevState, "curState", cs.State(), "desiredState", desiredState,
			)
			if desiredState == prevState {
				cs.logger.Debug("same state, exit", "method", "asyncStateChangeTask", "state", desiredState)
				break
			}

			var err error
			switch desiredState {
			case DisconnectedState:
				cs.ToDisconnected()
			case ConnectingState:
				err = cs.ToConnecting()
			case ConnectedState:
				err = cs.ToConnected()
			case ErrorState:
				err = cs.ToError()
			}

			if err != nil {
				// a stale async transition, e.g. a connect result arriving after an
				// explicit close, is dropped; disconnected and error are both safe
				// resting states
				cs.logger.Debug("[dropped] async connection state",
					"method", "asyncStateChangeTask",
					"prevState", prevState, "curState", cs.State(), "desiredState", desiredState,
					"error", err,
				)
			}
			cs.logger.Debug("[end] async connection state",
				"method", "asyncStateChangeTask",
				"prevState", prevState, "curState", cs.State(), "desiredState", desiredState,
			)
		}
	}
}
