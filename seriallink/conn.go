package seriallink

import (
	"context"
	"errors"
	"sync"

	"github.com/goburrow/serial"

	"github.com/arloliu/go-fieldlink/codec"
	"github.com/arloliu/go-fieldlink/internal/pool"
	"github.com/arloliu/go-fieldlink/link"
)

// Connection represents a serial line to a field device, implementing the
// link.Connection interface.
//
// The receiver polls the port with the configured read timeout, so a quiet
// line never blocks shutdown. Inbound bytes are split into messages by the
// configured frame codec and delivered to registered message handlers in
// arrival order.
type Connection struct {
	link.BaseConn

	cfg        *ConnectionConfig
	codec      codec.Codec
	senderChan chan *link.Message

	portMu sync.Mutex
	port   serial.Port
}

// ensure Connection implements the link.Connection interface.
var _ link.Connection = (*Connection)(nil)

// NewConnection creates a new serial connection with the given context and
// configuration. Returns an error if the configuration is nil or describes an
// invalid frame codec.
func NewConnection(ctx context.Context, cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, link.ErrConnConfigNil
	}

	frameCodec, err := cfg.buildCodec()
	if err != nil {
		return nil, err
	}

	c := &Connection{
		cfg:        cfg,
		codec:      frameCodec,
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

// Open opens the serial port. It blocks until the link is connected, the open
// attempt fails, or ctx expires.
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

// Close closes the connection gracefully. It terminates all running tasks and
// releases the serial port. Closing an already closed connection is a no-op.
func (c *Connection) Close() error {
	if c.InShutdown() {
		return nil
	}

	c.GetLogger().Debug("close serial connection")

	c.SetShutdown(true)
	c.StateMgr().ToDisconnected()

	return nil
}

// Send queues msg for transmission by the sender task.
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

func (c *Connection) connStateHandler(_ link.Connection, prevState link.ConnState, curState link.ConnState) {
	c.GetLogger().Debug("serial: connection state changes", "prevState", prevState, "curState", curState)

	switch curState {
	case link.ConnectingState:
		// opening a tty can block on modem control lines, keep it off the
		// state manager lock
		go c.openPort()

	case link.ConnectedState:
		c.startTasks()

	case link.ErrorState, link.DisconnectedState:
		c.closeLink()
	}
}

func (c *Connection) openPort() {
	c.GetLogger().Debug("start openPort", "device", c.cfg.Device())

	if c.InShutdown() {
		return
	}

	c.CreateContext()

	port, err := c.cfg.getPortOpener()(c.cfg.serialConfig())
	if err != nil {
		c.GetLogger().Debug("failed to open serial port", "device", c.cfg.Device(), "error", err)
		c.StateMgr().ToErrorAsync()

		return
	}

	c.portMu.Lock()
	c.port = port
	c.portMu.Unlock()

	if c.InShutdown() {
		// lost the race against Close, the link must not come up
		c.closePort()

		return
	}

	c.GetLogger().Debug("serial port opened", "device", c.cfg.Device())

	c.StateMgr().ToConnectedAsync()
}

// startTasks resets the frame codec and starts the receiver and sender tasks
// for a freshly opened port.
func (c *Connection) startTasks() {
	c.codec.Reset()

	if err := c.TaskMgr().StartReceiver("serialReceiverTask", c.receiverTask, nil); err != nil {
		c.GetLogger().Error("failed to start receiver task", "error", err)
		c.StateMgr().ToErrorAsync()

		return
	}

	if err := c.TaskMgr().StartSender("serialSenderTask", c.senderTask, nil, c.senderChan); err != nil {
		c.GetLogger().Error("failed to start sender task", "error", err)
		c.StateMgr().ToErrorAsync()
	}
}

// receiverTask polls the port for inbound bytes, feeds them to the frame
// codec and delivers every extracted message in order. Read timeouts are the
// steady state of a quiet line and keep the loop responsive to shutdown.
func (c *Connection) receiverTask(buf []byte) bool {
	port := c.getPort()
	if port == nil {
		return false
	}

	n, err := port.Read(buf)
	if err != nil {
		if errors.Is(err, serial.ErrTimeout) {
			return !c.InShutdown()
		}

		if c.InShutdown() {
			return false
		}

		c.GetLogger().Error("failed to read from serial port", "error", err)
		c.StateMgr().ToErrorAsync()

		return false
	}

	if n == 0 {
		return !c.InShutdown()
	}

	msgs, err := c.codec.Decode(buf[:n])
	if err != nil {
		// decode errors discard the offending bytes, not the link
		c.GetMetrics().IncMsgErrCount()
		c.GetLogger().Warn("failed to decode inbound data", "error", err)
	}

	for _, msg := range msgs {
		c.DeliverMessage(msg)
	}

	return true
}

// senderTask encodes one outbound message and writes it to the port.
func (c *Connection) senderTask(msg *link.Message) bool {
	data, err := c.codec.Encode(msg)
	if err != nil {
		c.GetMetrics().IncMsgErrCount()
		c.GetLogger().Error("failed to encode outbound message", "error", err)

		return true
	}

	port := c.getPort()
	if port == nil {
		return false
	}

	if _, err := port.Write(data); err != nil {
		c.GetMetrics().IncMsgErrCount()

		if c.InShutdown() {
			return false
		}

		c.GetLogger().Error("failed to write to serial port", "error", err)
		c.StateMgr().ToErrorAsync()

		return false
	}

	c.GetMetrics().IncMsgSendCount()

	return true
}

// probe reports transport-level liveness for the heartbeat. The port must
// still be open; a vanished USB adapter is otherwise detected by the receiver
// task's read error.
func (c *Connection) probe(_ context.Context) error {
	c.portMu.Lock()
	defer c.portMu.Unlock()

	if c.port == nil {
		return link.ErrHeartbeatFailed
	}

	return nil
}

func (c *Connection) getPort() serial.Port {
	c.portMu.Lock()
	defer c.portMu.Unlock()

	return c.port
}

// closeLink tears the open port down.
func (c *Connection) closeLink() {
	c.CloseStream(c.closePort, c.cfg.getCloseTimeout())
}

func (c *Connection) closePort() {
	c.portMu.Lock()
	defer c.portMu.Unlock()

	if c.port == nil {
		return
	}

	if err := c.port.Close(); err != nil {
		c.GetLogger().Error("failed to close serial port", "error", err)
	}

	c.port = nil
}
