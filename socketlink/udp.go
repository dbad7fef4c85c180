package socketlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/arloliu/go-fieldlink/codec"
	"github.com/arloliu/go-fieldlink/internal/pool"
	"github.com/arloliu/go-fieldlink/link"
)

// UDPConnection represents a connected UDP socket to a field device,
// implementing the link.Connection interface. Each datagram carries exactly
// one message, so the connection always uses packet framing regardless of the
// configured terminator.
//
// UDP has no handshake: Open succeeds as soon as the socket is bound, and
// delivery failures surface on later sends, reads or heartbeat probes.
type UDPConnection struct {
	link.BaseConn

	cfg        *ConnectionConfig
	codec      codec.Codec
	senderChan chan *link.Message

	connMu sync.Mutex
	conn   net.Conn
}

// ensure UDPConnection implements the link.Connection interface.
var _ link.Connection = (*UDPConnection)(nil)

// NewUDPConnection creates a new UDP connection with the given context and
// configuration. Passive mode is not supported for UDP; the configuration's
// active flag is ignored.
func NewUDPConnection(ctx context.Context, cfg *ConnectionConfig) (*UDPConnection, error) {
	if cfg == nil {
		return nil, link.ErrConnConfigNil
	}

	frameCodec, err := cfg.buildCodec(true)
	if err != nil {
		return nil, err
	}

	c := &UDPConnection{
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

// Open binds the UDP socket to the remote endpoint. It blocks until the
// connection reaches the connected state, the attempt fails, or ctx expires.
// Opening an already connected connection is a no-op that returns nil.
func (c *UDPConnection) Open(ctx context.Context) error {
	c.SetShutdown(false)

	if c.StateMgr().IsConnected() {
		return nil
	}

	if err := c.StateMgr().ToConnecting(); err != nil {
		if c.StateMgr().IsConnected() {
			return nil
		}

		return err
	}

	return c.WaitOpened(ctx)
}

// Close closes the connection gracefully.
// Closing an already closed connection is a no-op.
func (c *UDPConnection) Close() error {
	if c.InShutdown() {
		return nil
	}

	c.GetLogger().Debug("close udp connection")

	c.SetShutdown(true)
	c.StateMgr().ToDisconnected()

	return nil
}

// Send queues msg for transmission as a single datagram.
func (c *UDPConnection) Send(msg *link.Message) error {
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
func (c *UDPConnection) UpdateConfigOptions(opts ...ConnOption) error {
	if err := c.cfg.UpdateOptions(opts...); err != nil {
		return err
	}

	c.Supervisor().UpdatePolicy(c.cfg.reconnectPolicy())
	c.Supervisor().UpdateHeartbeatInterval(c.cfg.getHeartbeatInterval())

	return nil
}

// LocalAddr returns the local socket address, or nil before the connection
// is opened.
func (c *UDPConnection) LocalAddr() net.Addr {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		return c.conn.LocalAddr()
	}

	return nil
}

func (c *UDPConnection) connStateHandler(_ link.Connection, prevState link.ConnState, curState link.ConnState) {
	c.GetLogger().Debug("udp: connection state changes", "prevState", prevState, "curState", curState)

	switch curState {
	case link.ConnectingState:
		go c.openLink()

	case link.ConnectedState:
		c.startTasks()

	case link.ErrorState, link.DisconnectedState:
		c.closeLink()
	}
}

func (c *UDPConnection) openLink() {
	c.GetLogger().Debug("start openLink")

	if c.InShutdown() {
		return
	}

	ctx := c.CreateContext()

	var dialer net.Dialer

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.getConnectTimeout())
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "udp", c.cfg.Address())
	if err != nil {
		c.GetLogger().Debug("failed to bind udp socket", "address", c.cfg.Address(), "error", err)
		c.StateMgr().ToErrorAsync()

		return
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	if c.InShutdown() {
		c.closeSocket()

		return
	}

	c.GetLogger().Debug("udp socket bound",
		"local_addr", conn.LocalAddr().String(),
		"remote_addr", conn.RemoteAddr().String(),
	)

	c.StateMgr().ToConnectedAsync()
}

func (c *UDPConnection) startTasks() {
	c.codec.Reset()

	if err := c.TaskMgr().StartReceiver("udpReceiverTask", c.receiverTask, nil); err != nil {
		c.GetLogger().Error("failed to start receiver task", "error", err)
		c.StateMgr().ToErrorAsync()

		return
	}

	if err := c.TaskMgr().StartSender("udpSenderTask", c.senderTask, nil, c.senderChan); err != nil {
		c.GetLogger().Error("failed to start sender task", "error", err)
		c.StateMgr().ToErrorAsync()
	}
}

// receiverTask reads one datagram per call. Empty datagrams, such as the
// probe ones, decode to no message and are dropped.
func (c *UDPConnection) receiverTask(buf []byte) bool {
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

		// an asynchronous ICMP error on the connected socket means the
		// remote endpoint is gone
		c.GetLogger().Error("failed to read datagram", "error", err)
		c.StateMgr().ToErrorAsync()

		return false
	}

	msgs, err := c.codec.Decode(buf[:n])
	if err != nil {
		c.GetMetrics().IncMsgErrCount()
		c.GetLogger().Warn("failed to decode inbound datagram", "error", err)
	}

	for _, msg := range msgs {
		c.DeliverMessage(msg)
	}

	return true
}

func (c *UDPConnection) senderTask(msg *link.Message) bool {
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

		c.GetLogger().Error("failed to write datagram", "error", err)
		c.StateMgr().ToErrorAsync()

		return false
	}

	c.GetMetrics().IncMsgSendCount()

	return true
}

// probe sends an empty datagram. On a connected UDP socket this surfaces
// asynchronous ICMP errors, such as port unreachable, as a write error.
func (c *UDPConnection) probe(_ context.Context) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		return link.ErrHeartbeatFailed
	}

	if _, err := conn.Write(nil); err != nil {
		return fmt.Errorf("%w: %w", link.ErrHeartbeatFailed, err)
	}

	return nil
}

func (c *UDPConnection) closeLink() {
	c.CloseStream(c.closeSocket, c.cfg.getCloseTimeout())
}

func (c *UDPConnection) closeSocket() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return
	}

	if err := c.conn.Close(); err != nil {
		c.GetLogger().Error("failed to close udp socket", "error", err)
	}

	c.conn = nil
}
