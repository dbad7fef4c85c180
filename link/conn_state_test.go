package link

import (
	"context"
	"testing"
	"time"

	"github.com/arloliu/go-fieldlink/logger"
	"github.com/stretchr/testify/require"
)

func TestConnStateTransitions(t *testing.T) {
	require := require.New(t)

	ctx := context.Background()

	t.Run("Initial State", func(t *testing.T) {
		cs := NewConnStateMgr(ctx, nil)
		require.Equal(DisconnectedState, cs.State())
		require.True(cs.IsDisconnected())
	})

	t.Run("ToConnecting", func(t *testing.T) {
		stateChangeCount := 0
		cs := NewConnStateMgr(ctx, &stubConn{})
		cs.AddHandler(func(conn Connection, prevState ConnState, newState ConnState) { stateChangeCount++ })

		require.NoError(cs.ToConnecting())
		require.Equal(ConnectingState, cs.State())
		require.Equal(1, stateChangeCount)
		require.True(cs.IsConnecting())

		// No-op transition when already in ConnectingState
		require.NoError(cs.ToConnecting())
		require.Equal(1, stateChangeCount)

		// Invalid transition from ConnectedState to ConnectingState
		require.NoError(cs.ToConnected())
		require.Equal(2, stateChangeCount)
		require.ErrorIs(cs.ToConnecting(), ErrInvalidTransition)
		require.Equal(2, stateChangeCount)

		// Allowed again from ErrorState, this is the reconnect path
		require.NoError(cs.ToError())
		require.Equal(3, stateChangeCount)
		require.NoError(cs.ToConnecting())
		require.Equal(ConnectingState, cs.State())
		require.Equal(4, stateChangeCount)
	})

	t.Run("ToConnected", func(t *testing.T) {
		stateChangeCount := 0
		cs := NewConnStateMgr(ctx, &stubConn{})
		cs.AddHandler(func(conn Connection, prevState ConnState, newState ConnState) { stateChangeCount++ })

		// Invalid transition from DisconnectedState to ConnectedState
		require.ErrorIs(cs.ToConnected(), ErrInvalidTransition)
		require.Equal(0, stateChangeCount)

		require.NoError(cs.ToConnecting())
		require.Equal(1, stateChangeCount)

		require.NoError(cs.ToConnected())
		require.Equal(ConnectedState, cs.State())
		require.Equal(2, stateChangeCount)
		require.True(cs.IsConnected())

		// No-op transition when already in ConnectedState
		require.NoError(cs.ToConnected())
		require.Equal(2, stateChangeCount)
	})

	t.Run("ToError", func(t *testing.T) {
		stateChangeCount := 0
		cs := NewConnStateMgr(ctx, &stubConn{})
		cs.AddHandler(func(conn Connection, prevState ConnState, newState ConnState) { stateChangeCount++ })

		// A closed connection stays disconnected even when a late failure is reported
		require.ErrorIs(cs.ToError(), ErrInvalidTransition)
		require.Equal(0, stateChangeCount)

		// failed open attempt
		require.NoError(cs.ToConnecting())
		require.NoError(cs.ToError())
		require.Equal(ErrorState, cs.State())
		require.Equal(2, stateChangeCount)
		require.True(cs.IsError())

		// No-op transition when already in ErrorState
		require.NoError(cs.ToError())
		require.Equal(2, stateChangeCount)

		// link loss from ConnectedState
		require.NoError(cs.ToConnecting())
		require.NoError(cs.ToConnected())
		require.NoError(cs.ToError())
		require.Equal(ErrorState, cs.State())
		require.Equal(5, stateChangeCount)
	})

	t.Run("ToDisconnected", func(t *testing.T) {
		stateChangeCount := 0
		cs := NewConnStateMgr(ctx, &stubConn{})
		cs.AddHandler(func(conn Connection, prevState ConnState, newState ConnState) { stateChangeCount++ })

		require.NoError(cs.ToConnecting())
		require.NoError(cs.ToConnected())
		require.Equal(2, stateChangeCount)

		cs.ToDisconnected()
		require.Equal(DisconnectedState, cs.State())
		require.Equal(3, stateChangeCount)
		require.True(cs.IsDisconnected())

		// No-op transition when already in DisconnectedState
		cs.ToDisconnected()
		require.Equal(3, stateChangeCount)

		// allowed from ErrorState as well
		require.NoError(cs.ToConnecting())
		require.NoError(cs.ToError())
		cs.ToDisconnected()
		require.Equal(DisconnectedState, cs.State())
		require.Equal(6, stateChangeCount)
	})

	t.Run("Handler Order", func(t *testing.T) {
		type change struct{ prev, cur ConnState }
		var changes []change

		cs := NewConnStateMgr(ctx, &stubConn{})
		cs.AddHandler(func(conn Connection, prevState ConnState, newState ConnState) {
			changes = append(changes, change{prevState, newState})
		})

		require.NoError(cs.ToConnecting())
		require.NoError(cs.ToConnected())
		require.NoError(cs.ToError())
		require.NoError(cs.ToConnecting())
		require.NoError(cs.ToConnected())
		cs.ToDisconnected()

		want := []change{
			{DisconnectedState, ConnectingState},
			{ConnectingState, ConnectedState},
			{ConnectedState, ErrorState},
			{ErrorState, ConnectingState},
			{ConnectingState, ConnectedState},
			{ConnectedState, DisconnectedState},
		}
		require.Equal(want, changes)
	})

	t.Run("setState", func(t *testing.T) {
		cs := NewConnStateMgr(ctx, nil)
		cs.setState(ConnectingState)
		require.Equal(ConnectingState, cs.State())
		cs.setState(ConnectedState)
		require.Equal(ConnectedState, cs.State())
		cs.setState(ErrorState)
		require.Equal(ErrorState, cs.State())
		cs.setState(DisconnectedState)
		require.Equal(DisconnectedState, cs.State())
	})
}

func TestConnStateString(t *testing.T) {
	require := require.New(t)

	require.Equal("disconnected", DisconnectedState.String())
	require.Equal("connecting", ConnectingState.String())
	require.Equal("connected", ConnectedState.String())
	require.Equal("error", ErrorState.String())
	require.Equal("unknown", ConnState(42).String())
}

func TestWaitConnState(t *testing.T) {
	require := require.New(t)

	cs := NewConnStateMgr(context.Background(), &stubConn{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = cs.ToConnecting()
	}()

	begin := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	state, err := cs.WaitState(ctx, ConnectingState)
	require.NoError(err)
	require.Equal(ConnectingState, state)

	// wait ConnectingState again
	state, err = cs.WaitState(ctx, ConnectingState)
	require.NoError(err)
	require.Equal(ConnectingState, state)

	_, err = cs.WaitState(ctx, ConnectedState)
	require.ErrorIs(err, context.DeadlineExceeded)
	require.WithinDuration(begin.Add(100*time.Millisecond), time.Now(), 20*time.Millisecond)
}

func TestWaitConnStateMultiple(t *testing.T) {
	require := require.New(t)

	cs := NewConnStateMgr(context.Background(), &stubConn{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = cs.ToConnecting()
		_ = cs.ToError()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// an open waiter watches for either outcome
	state, err := cs.WaitState(ctx, ConnectedState, ErrorState)
	require.NoError(err)
	require.Equal(ErrorState, state)
}

func TestAsyncStateTransitions(t *testing.T) {
	require := require.New(t)

	cs := NewConnStateMgr(context.Background(), &stubConn{})

	require.NoError(cs.ToConnecting())
	cs.ToConnectedAsync()

	require.Eventually(func() bool { return cs.IsConnected() }, time.Second, 5*time.Millisecond)

	cs.ToErrorAsync()
	require.Eventually(func() bool { return cs.IsError() }, time.Second, 5*time.Millisecond)

	cs.ToDisconnectedAsync()
	require.Eventually(func() bool { return cs.IsDisconnected() }, time.Second, 5*time.Millisecond)

	// a stale async transition into a state that is no longer reachable is dropped
	cs.ToConnectedAsync()
	time.Sleep(50 * time.Millisecond)
	require.True(cs.IsDisconnected())
}

// stubConn is a minimal Connection used to exercise the state manager and
// the supervisor without a real transport.
type stubConn struct{}

var _ Connection = (*stubConn)(nil)

func (*stubConn) Open(ctx context.Context) error { return nil }
func (*stubConn) Close() error                   { return nil }
func (*stubConn) Send(msg *Message) error        { return nil }
func (*stubConn) State() ConnState               { return DisconnectedState }

func (*stubConn) AddConnStateChangeHandler(h ...ConnStateChangeHandler) {}
func (*stubConn) AddMessageHandler(h ...MessageHandler)                 {}
func (*stubConn) GetLogger() logger.Logger                              { return &nullLogger{} }

type nullLogger struct{}

var _ logger.Logger = (*nullLogger)(nil)

func (*nullLogger) Debug(msg string, keysAndValues ...any) {}
func (*nullLogger) Info(msg string, keysAndValues ...any)  {}
func (*nullLogger) Warn(msg string, keysAndValues ...any)  {}
func (*nullLogger) Error(msg string, keysAndValues ...any) {}
func (*nullLogger) Fatal(msg string, keysAndValues ...any) {}
func (*nullLogger) With(keyValues ...any) logger.Logger    { return &nullLogger{} }
func (*nullLogger) Level() logger.Level                    { return logger.InfoLevel }
func (*nullLogger) SetLevel(level logger.Level)            {}
