package socketlink

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/arloliu/go-fieldlink/codec"
	"github.com/arloliu/go-fieldlink/internal/pool"
	"github.com/arloliu/go-fieldlink/link"
)

// TCPConnection represents a TCP connection to a field device, implementing
// the link.Connection interface. In active mode it dials the remote device;
// in passive mode it listens on a local port and serves one peer at a time.
//
// Inbound bytes are split into messages by the configured frame codec and
// delivered to registered message handlers in arrival order.
type TCPConnection struct {
	link.BaseConn

	cfg        *ConnectionConfig
	codec      codec.Codec
	senderChan chan *link.Message

	connMu sync.Mutex
	conn   net.Conn

	listenerMu sync.Mutex // passive mode only
	listener   net.Listener
}

// ensure TCPConnection implements the link.Connection interface.
var _ link.Connection = (*TCPConnection)(nil)

// NewTCPConnection creates a new TCP connection with the given context and
// configuration. Returns an error if the configuration is nil or describes an
// invalid frame codec.
func NewTCPConnection(ctx context.Context, cfg *ConnectionConfig) (*TCPConnection, error) {
	if cfg == nil {
		return nil, link.ErrConnConfigNil
	}

	frameCodec, err := cfg.buildCodec(false)
	if err != nil {
		return nil, err
	}

	c := &TCPConnection{
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

// Open establishes the connection to the device. It blocks until the link is
// connected, the open attempt fails, or ctx expires. In passive mode it
// blocks until a peer connects.
//
// Opening an already connected connection is a no-op that returns nil.
func (c *TCPConnection) Open(ctx context.Context) error {
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

// Close closes the connection gracefully. It terminates all running tasks,
// closes the TCP connection and, in passive mode, the listener.
// Closing an already closed connection is a no-op.
func (c *TCPConnection) Close() error {
	if c.InShutdown() {
		return nil
	}

	c.GetLogger().Debug("close tcp connection")

	c.SetShutdown(true)
	c.StateMgr().ToDisconnected()

	return nil
}

// Send queues msg for transmission by the sender task.
//
// It fails fast with ErrNotConnected when the link is not established and
// with ErrSendTimeout when the sender queue stays full for the configured
// send timeout.
func (c *TCPConnection) Send(msg *link.Message) error {
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
func (c *TCPConnection) UpdateConfigOptions(opts ...ConnOption) error {
	if err := c.cfg.UpdateOptions(opts...); err != nil {
		return err
	}

	c.Supervisor().UpdatePolicy(c.cfg.reconnectPolicy())
	c.Supervisor().UpdateHeartbeatInterval(c.cfg.getHeartbeatInterval())

	return nil
}

// LocalAddr returns the listener address in passive mode or the local socket
// address in active mode. It returns nil before the connection is opened.
func (c *TCPConnection) LocalAddr() net.Addr {
	c.listenerMu.Lock()
	if c.listener != nil {
		addr := c.listener.Addr()
		c.listenerMu.Unlock()

		return addr
	}
	c.listenerMu.Unlock()

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		return c.conn.LocalAddr()
	}

	return nil
}

func (c *TCPConnection) connStateHandler(_ link.Connection, prevState link.ConnState, curState link.ConnState) {
	c.GetLogger().Debug("tcp: connection state changes", "prevState", prevState, "curState", curState)

	switch curState {
	case link.ConnectingState:
		if c.cfg.IsActive() {
			// the dial blocks up to the connect timeout, keep it off the
			// state manager lock
			go c.openActive()
		} else {
			c.openPassive()
		}

	case link.ConnectedState:
		c.startTasks()

	case link.ErrorState, link.DisconnectedState:
		c.closeLink()
	}
}

func (c *TCPConnection) openActive() {
	c.GetLogger().Debug("start openActive")

	if c.InShutdown() {
		return
	}

	ctx := c.CreateContext()

	dialer := &net.Dialer{KeepAlive: c.keepAlivePeriod()}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.getConnectTimeout())
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", c.cfg.Address())
	if err != nil {
		c.GetLogger().Debug("failed to connect to remote", "address", c.cfg.Address(), "error", err)
		c.StateMgr().ToErrorAsync()

		return
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	if c.InShutdown() {
		// lost the race against Close, the link must not come up
		c.closeSocket()

		return
	}

	c.GetLogger().Debug("connected to the remote",
		"local_addr", conn.LocalAddr().String(),
		"remote_addr", conn.RemoteAddr().String(),
	)

	c.StateMgr().ToConnectedAsync()
}

func (c *TCPConnection) openPassive() {
	c.GetLogger().Debug("start openPassive")

	if c.InShutdown() {
		return
	}

	c.CreateContext()

	c.listenerMu.Lock()
	if c.listener == nil {
		listener, err := c.tryListen()
		if err != nil {
			c.listenerMu.Unlock()
			c.StateMgr().ToErrorAsync()

			return
		}
		c.listener = listener
	}
	c.listenerMu.Unlock()

	if err := c.TaskMgr().Start("tcpAcceptTask", c.acceptTask); err != nil {
		c.GetLogger().Error("failed to start accept task", "error", err)
		c.StateMgr().ToErrorAsync()
	}
}

func (c *TCPConnection) tryListen() (net.Listener, error) {
	address := c.cfg.Address()

	c.GetLogger().Debug("try to listen", "address", address)

	var lc net.ListenConfig
	listener, err := lc.Listen(c.Context(), "tcp", address)
	if err != nil {
		c.GetLogger().Error("failed to listen", "address", address, "error", err)
		return nil, err
	}

	return listener, nil
}

// acceptTask waits for one peer. The accept deadline turns the blocking
// accept into a poll, so the task loop observes shutdown and context
// cancellation between attempts.
func (c *TCPConnection) acceptTask() bool {
	listener := c.acceptListener()
	if listener == nil {
		return false
	}

	conn, err := listener.Accept()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return !c.InShutdown()
		}

		if c.InShutdown() || errors.Is(err, net.ErrClosed) {
			return false
		}

		c.GetLogger().Error("failed to accept connection", "error", err)
		c.StateMgr().ToErrorAsync()

		return false
	}

	c.connMu.Lock()
	existing := c.conn
	if existing == nil {
		c.conn = conn
	}
	c.connMu.Unlock()

	if existing != nil {
		// one peer at a time
		c.GetLogger().Warn("connection already existed", "remote_addr", conn.RemoteAddr().String())
		_ = conn.Close()

		return true
	}

	c.GetLogger().Debug("connection accepted", "remote_addr", conn.RemoteAddr().String())
	c.StateMgr().ToConnectedAsync()

	return false
}

// acceptListener returns the listener with a fresh accept deadline applied,
// or nil when the listener is gone.
func (c *TCPConnection) acceptListener() net.Listener {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()

	if c.listener == nil {
		return nil
	}

	if tcpListener, ok := c.listener.(*net.TCPListener); ok {
		if err := tcpListener.SetDeadline(time.Now().Add(c.cfg.getAcceptTimeout())); err != nil {
			c.GetLogger().Error("failed to set deadline for tcp listener", "error", err)
			return nil
		}
	}

	return c.listener
}

// startTasks resets the frame codec and starts the receiver and sender tasks
// for a freshly established link.
func (c *TCPConnection) startTasks() {
	c.codec.Reset()

	if err := c.TaskMgr().StartReceiver("tcpReceiverTask", c.receiverTask, nil); err != nil {
		c.GetLogger().Error("failed to start receiver task", "error", err)
		c.StateMgr().ToErrorAsync()

		return
	}

	if err := c.TaskMgr().StartSender("tcpSenderTask", c.senderTask, nil, c.senderChan); err != nil {
		c.GetLogger().Error("failed to start sender task", "error", err)
		c.StateMgr().ToErrorAsync()
	}
}

// receiverTask reads transport bytes into the scratch buffer, feeds them to
// the frame codec and delivers every extracted message in order.
func (c *TCPConnection) receiverTask(buf []byte) bool {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		return false
	}

	n, err := conn.Read(buf)
	if err != nil {
		if c.InShutdown() || errors.Is(err, net.ErrClosed) {
			return false
		}

		if errors.Is(err, io.EOF) {
			c.GetLogger().Debug("remote peer closed the link")
		} else {
			c.GetLogger().Error("failed to read from remote", "error", err)
		}

		c.StateMgr().ToErrorAsync()

		return false
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

// senderTask encodes one outbound message and writes it to the socket.
func (c *TCPConnection) senderTask(msg *link.Message) bool {
	data, err := c.codec.Encode(msg)
	if err != nil {
		c.GetMetrics().IncMsgErrCount()
		c.GetLogger().Error("failed to encode outbound message", "error", err)

		return true
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		return false
	}

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.getSendTimeout())); err != nil {
		c.GetLogger().Error("failed to set write deadline", "error", err)
		return false
	}

	if _, err := conn.Write(data); err != nil {
		c.GetMetrics().IncMsgErrCount()

		if c.InShutdown() || errors.Is(err, net.ErrClosed) {
			return false
		}

		c.GetLogger().Error("failed to write to remote", "error", err)
		c.StateMgr().ToErrorAsync()

		return false
	}

	c.GetMetrics().IncMsgSendCount()

	return true
}

// probe reports transport-level liveness for the heartbeat. The socket must
// still be present; TCP cannot verify the remote end without exchanging
// protocol data, so link loss is otherwise detected by the receiver task.
func (c *TCPConnection) probe(_ context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return link.ErrHeartbeatFailed
	}

	return nil
}

// closeLink tears the established link down. The listener survives reconnect
// cycles in passive mode and is only closed on an explicit Close.
func (c *TCPConnection) closeLink() {
	if c.InShutdown() {
		c.closeListener()
	}

	c.CloseStream(c.closeSocket, c.cfg.getCloseTimeout())
}

func (c *TCPConnection) closeSocket() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return
	}

	if tcpConn, ok := c.conn.(*net.TCPConn); ok {
		_ = tcpConn.SetLinger(0) // force close, skip TIME_WAIT
	}

	if err := c.conn.Close(); err != nil {
		c.GetLogger().Error("failed to close tcp connection", "error", err)
	}

	c.conn = nil
}

func (c *TCPConnection) closeListener() {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()

	if c.listener == nil {
		return
	}

	if err := c.listener.Close(); err != nil {
		c.GetLogger().Error("failed to close tcp listener", "error", err)
	}

	c.listener = nil
}

// keepAlivePeriod maps the configured keep-alive to net.Dialer semantics,
// where zero means the platform default and a negative value disables probes.
func (c *TCPConnection) keepAlivePeriod() time.Duration {
	if c.cfg.keepAlive <= 0 {
		return -1
	}

	return c.cfg.keepAlive
}
