package adslink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mrpasztoradam/goadstc"

	"github.com/arloliu/go-fieldlink/internal/pool"
	"github.com/arloliu/go-fieldlink/link"
)

// Client is the subset of the ADS client surface the connection drives.
// The client built by github.com/mrpasztoradam/goadstc satisfies it.
type Client interface {
	ReadSymbol(ctx context.Context, symbol string) ([]byte, error)
	WriteSymbol(ctx context.Context, symbol string, data []byte) error
	ReadBool(ctx context.Context, symbol string) (bool, error)
	WriteBool(ctx context.Context, symbol string, value bool) error
	ReadInt16(ctx context.Context, symbol string) (int16, error)
	WriteInt16(ctx context.Context, symbol string, value int16) error
	ReadInt32(ctx context.Context, symbol string) (int32, error)
	WriteInt32(ctx context.Context, symbol string, value int32) error
	ReadFloat32(ctx context.Context, symbol string) (float32, error)
	WriteFloat32(ctx context.Context, symbol string, value float32) error
	ReadFloat64(ctx context.Context, symbol string) (float64, error)
	WriteFloat64(ctx context.Context, symbol string, value float64) error
	ReadState(ctx context.Context) (*goadstc.DeviceState, error)
	Close() error
}

// Dialer establishes the ADS session and returns the client that talks
// through it.
type Dialer func(address string, timeout time.Duration) (Client, error)

// DialTarget is the default Dialer. It connects to the TwinCAT AMS router at
// address eagerly, so a dead target is detected at open time, not on the
// first exchange.
func DialTarget(address string, timeout time.Duration) (Client, error) {
	return goadstc.New(
		goadstc.WithTarget(address),
		goadstc.WithTimeout(timeout),
	)
}

// Connection represents an ADS client talking to one TwinCAT runtime,
// implementing the link.Connection interface.
//
// Typed symbol operations are safe for concurrent use; every exchange runs
// under an operation mutex, so the session carries one request at a time.
// Text commands follow the grammar documented on Dispatch and can either be
// executed synchronously or queued with Send, in which case the outcome
// arrives as a response message.
type Connection struct {
	link.BaseConn

	cfg        *ConnectionConfig
	senderChan chan *link.Message

	// one exchange at a time keeps the session predictable
	opMu   sync.Mutex
	client Client
}

// ensure Connection implements the link.Connection interface.
var _ link.Connection = (*Connection)(nil)

// NewConnection creates a new ADS connection with the given context and
// configuration. Returns an error if the configuration is nil.
func NewConnection(ctx context.Context, cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, link.ErrConnConfigNil
	}

	c := &Connection{
		cfg:        cfg,
		senderChan: make(chan *link.Message, cfg.senderQueueSize),
	}

	c.Init(ctx, c, link.BaseConnConfig{
		Logger:            cfg.logger,
		ReconnectPolicy:   cfg.reconnectPolicy(),
		HeartbeatInterval: cfg.heartbeatInterval,
		HeartbeatProbe:    c.probe,
	}, c.connStateHandler)

	return c, nil
}

// Open dials the TwinCAT target. It blocks until the link is connected, the
// dial fails, or ctx expires.
//
// Opening an already connected connection is a no-op that returns nil.
func (c *Connection) Open(ctx context.Context) error {
	c.SetShutdown(false)

	if c.StateMgr().IsConnected() {
		return nil
	}

	if err := c.StateMgr().ToConnecting(); err != nil {
		// lost the race against a concurrent open that already connected
		if c.StateMgr().IsConnected() {
			return nil
		}

		return err
	}

	return c.WaitOpened(ctx)
}

// Close closes the connection gracefully. It terminates all running tasks
// and releases the ADS session. Closing an already closed connection is a
// no-op.
func (c *Connection) Close() error {
	if c.InShutdown() {
		return nil
	}

	c.GetLogger().Debug("close ads connection")

	c.SetShutdown(true)
	c.StateMgr().ToDisconnected()

	return nil
}

// Send queues a command message for asynchronous execution. The outcome is
// delivered to registered message handlers as a response message referencing
// msg; failed commands carry the error text in the ParamError parameter.
//
// It fails fast with ErrNotConnected when the link is not established and
// with ErrSendTimeout when the sender queue stays full for the configured
// send timeout.
func (c *Connection) Send(msg *link.Message) error {
	if msg == nil {
		return errors.New("message is nil")
	}

	if !c.StateMgr().IsConnected() {
		return link.ErrNotConnected
	}

	timer := pool.GetTimer(c.cfg.getSendTimeout())
	defer pool.PutTimer(timer)

	select {
	case c.senderChan <- msg:
		return nil
	case <-timer.C:
		return link.ErrSendTimeout
	case <-c.Context().Done():
		return link.ErrConnClosed
	}
}

// UpdateConfigOptions applies runtime-changeable options to the connection
// and pushes the resulting reconnect policy and heartbeat interval into the
// running lifecycle machinery.
func (c *Connection) UpdateConfigOptions(opts ...ConnOption) error {
	if err := c.cfg.UpdateOptions(opts...); err != nil {
		return err
	}

	c.Supervisor().UpdatePolicy(c.cfg.reconnectPolicy())
	c.Supervisor().UpdateHeartbeatInterval(c.cfg.getHeartbeatInterval())

	return nil
}

// ReadBool reads the BOOL symbol.
func (c *Connection) ReadBool(ctx context.Context, symbol string) (bool, error) {
	var v bool
	err := c.executeSymbol(ctx, "read bool", symbol, func(ctx context.Context, client Client) error {
		var err error
		v, err = client.ReadBool(ctx, symbol)

		return err
	})

	return v, err
}

// WriteBool writes the BOOL symbol.
func (c *Connection) WriteBool(ctx context.Context, symbol string, value bool) error {
	return c.executeSymbol(ctx, "write bool", symbol, func(ctx context.Context, client Client) error {
		return client.WriteBool(ctx, symbol, value)
	})
}

// ReadInt16 reads the INT symbol.
func (c *Connection) ReadInt16(ctx context.Context, symbol string) (int16, error) {
	var v int16
	err := c.executeSymbol(ctx, "read int", symbol, func(ctx context.Context, client Client) error {
		var err error
		v, err = client.ReadInt16(ctx, symbol)

		return err
	})

	return v, err
}

// WriteInt16 writes the INT symbol.
func (c *Connection) WriteInt16(ctx context.Context, symbol string, value int16) error {
	return c.executeSymbol(ctx, "write int", symbol, func(ctx context.Context, client Client) error {
		return client.WriteInt16(ctx, symbol, value)
	})
}

// ReadInt32 reads the DINT symbol.
func (c *Connection) ReadInt32(ctx context.Context, symbol string) (int32, error) {
	var v int32
	err := c.executeSymbol(ctx, "read dint", symbol, func(ctx context.Context, client Client) error {
		var err error
		v, err = client.ReadInt32(ctx, symbol)

		return err
	})

	return v, err
}

// WriteInt32 writes the DINT symbol.
func (c *Connection) WriteInt32(ctx context.Context, symbol string, value int32) error {
	return c.executeSymbol(ctx, "write dint", symbol, func(ctx context.Context, client Client) error {
		return client.WriteInt32(ctx, symbol, value)
	})
}

// ReadFloat32 reads the REAL symbol.
func (c *Connection) ReadFloat32(ctx context.Context, symbol string) (float32, error) {
	var v float32
	err := c.executeSymbol(ctx, "read real", symbol, func(ctx context.Context, client Client) error {
		var err error
		v, err = client.ReadFloat32(ctx, symbol)

		return err
	})

	return v, err
}

// WriteFloat32 writes the REAL symbol.
func (c *Connection) WriteFloat32(ctx context.Context, symbol string, value float32) error {
	return c.executeSymbol(ctx, "write real", symbol, func(ctx context.Context, client Client) error {
		return client.WriteFloat32(ctx, symbol, value)
	})
}

// ReadFloat64 reads the LREAL symbol.
func (c *Connection) ReadFloat64(ctx context.Context, symbol string) (float64, error) {
	var v float64
	err := c.executeSymbol(ctx, "read lreal", symbol, func(ctx context.Context, client Client) error {
		var err error
		v, err = client.ReadFloat64(ctx, symbol)

		return err
	})

	return v, err
}

// WriteFloat64 writes the LREAL symbol.
func (c *Connection) WriteFloat64(ctx context.Context, symbol string, value float64) error {
	return c.executeSymbol(ctx, "write lreal", symbol, func(ctx context.Context, client Client) error {
		return client.WriteFloat64(ctx, symbol, value)
	})
}

// ReadRaw reads the raw bytes of the symbol.
func (c *Connection) ReadRaw(ctx context.Context, symbol string) ([]byte, error) {
	var data []byte
	err := c.executeSymbol(ctx, "read raw", symbol, func(ctx context.Context, client Client) error {
		var err error
		data, err = client.ReadSymbol(ctx, symbol)

		return err
	})

	return data, err
}

// WriteRaw writes raw bytes to the symbol. The length of data must match the
// declared size of the symbol.
func (c *Connection) WriteRaw(ctx context.Context, symbol string, data []byte) error {
	return c.executeSymbol(ctx, "write raw", symbol, func(ctx context.Context, client Client) error {
		return client.WriteSymbol(ctx, symbol, data)
	})
}

func (c *Connection) connStateHandler(_ link.Connection, prevState link.ConnState, curState link.ConnState) {
	c.GetLogger().Debug("ads: connection state changes", "prevState", prevState, "curState", curState)

	switch curState {
	case link.ConnectingState:
		// dialing can block for the request timeout, keep it off the state
		// manager lock
		go c.openLink()

	case link.ConnectedState:
		c.startTasks()

	case link.ErrorState, link.DisconnectedState:
		c.closeLink()
	}
}

func (c *Connection) openLink() {
	c.GetLogger().Debug("start openLink", "address", c.cfg.Address())

	if c.InShutdown() {
		return
	}

	c.CreateContext()

	client, err := c.cfg.getDialer()(c.cfg.Address(), c.cfg.getRequestTimeout())
	if err != nil {
		c.GetLogger().Debug("failed to connect ads target", "address", c.cfg.Address(), "error", err)
		c.StateMgr().ToErrorAsync()

		return
	}

	c.opMu.Lock()
	c.client = client
	c.opMu.Unlock()

	if c.InShutdown() {
		// lost the race against Close, the link must not come up
		c.closeClient()

		return
	}

	c.GetLogger().Debug("ads target connected", "address", c.cfg.Address())

	c.StateMgr().ToConnectedAsync()
}

// startTasks starts the sender task. Unsolicited notifications are out of
// scope here, so there is no receiver task.
func (c *Connection) startTasks() {
	if err := c.TaskMgr().StartSender("adsSenderTask", c.senderTask, nil, c.senderChan); err != nil {
		c.GetLogger().Error("failed to start sender task", "error", err)
		c.StateMgr().ToErrorAsync()
	}
}

// senderTask executes one queued command against the target and delivers its
// outcome as a response message, so asynchronous callers observe every result.
func (c *Connection) senderTask(msg *link.Message) bool {
	resp, err := c.Dispatch(c.Context(), msg.Command())
	if err != nil {
		c.GetMetrics().IncMsgErrCount()

		if resp == nil {
			resp = link.NewMessage(link.ResponseMsg, msg.Command())
		}
		resp.SetParam(ParamError, err.Error())
	} else {
		c.GetMetrics().IncMsgSendCount()
	}

	resp.SetParam(link.ParamRef, msg.ID())
	c.DeliverMessage(resp)

	return !c.InShutdown()
}

// probe reads the ADS device state. The state itself is ignored; liveness
// means the target answered.
func (c *Connection) probe(ctx context.Context) error {
	err := c.execute(ctx, "heartbeat probe", func(ctx context.Context, client Client) error {
		_, err := client.ReadState(ctx)

		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %w", link.ErrHeartbeatFailed, err)
	}

	return nil
}

// executeSymbol validates the symbol name, then runs the exchange.
func (c *Connection) executeSymbol(ctx context.Context, op, symbol string, call func(context.Context, Client) error) error {
	if symbol == "" {
		return fmt.Errorf("%w: empty symbol name", link.ErrProtocol)
	}

	return c.execute(ctx, op, call)
}

// execute runs one request/response exchange under the operation mutex.
func (c *Connection) execute(ctx context.Context, op string, call func(context.Context, Client) error) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.client == nil {
		return link.ErrNotConnected
	}

	if err := call(ctx, c.client); err != nil {
		return c.wireError(op, err)
	}

	return nil
}

// wireError classifies a failed exchange. A timeout is reported as such
// without tearing the link down; everything else marks the link as lost.
func (c *Connection) wireError(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s: %s", link.ErrTimeout, op, err)
	}

	if c.InShutdown() {
		return link.ErrConnClosed
	}

	c.GetLogger().Error("ads exchange failed", "op", op, "error", err)
	c.StateMgr().ToErrorAsync()

	return fmt.Errorf("%w: %s: %s", link.ErrTransport, op, err)
}

// closeLink tears the ADS session down.
func (c *Connection) closeLink() {
	c.CloseStream(c.closeClient, c.cfg.getCloseTimeout())
}

func (c *Connection) closeClient() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.client == nil {
		return
	}

	if err := c.client.Close(); err != nil {
		c.GetLogger().Error("failed to close ads session", "error", err)
	}

	c.client = nil
}
