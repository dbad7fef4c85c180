package s7link

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"

	"github.com/robinson/gos7"

	"github.com/arloliu/go-fieldlink/internal/pool"
	"github.com/arloliu/go-fieldlink/internal/util"
	"github.com/arloliu/go-fieldlink/link"
)

// Client is the subset of the S7 client surface the connection drives.
// The client built by github.com/robinson/gos7 satisfies it.
type Client interface {
	AGReadDB(dbNumber int, start int, size int, buffer []byte) error
	AGWriteDB(dbNumber int, start int, size int, buffer []byte) error
	AGReadMB(start int, size int, buffer []byte) error
	AGWriteMB(start int, size int, buffer []byte) error
	PLCGetStatus() (int, error)
}

// Dialer connects the prepared ISO-on-TCP handler and returns the client
// that talks through it.
type Dialer func(handler *gos7.TCPClientHandler) (Client, error)

// DialPLC is the default Dialer. It establishes the ISO-on-TCP session
// eagerly so that a dead PLC is detected at open time, not on the first
// exchange.
func DialPLC(handler *gos7.TCPClientHandler) (Client, error) {
	if err := handler.Connect(); err != nil {
		return nil, err
	}

	return gos7.NewClient(handler), nil
}

// Connection represents an S7 client talking to one Siemens PLC over
// ISO-on-TCP, implementing the link.Connection interface.
//
// Typed data block and merker operations are safe for concurrent use; the
// underlying client serializes nothing itself, so every exchange runs under
// an operation mutex. Text commands follow the grammar documented on
// Dispatch and can either be executed synchronously or queued with Send, in
// which case the outcome arrives as a response message.
type Connection struct {
	link.BaseConn

	cfg        *ConnectionConfig
	senderChan chan *link.Message

	// the s7 client is not safe for concurrent use
	opMu    sync.Mutex
	handler *gos7.TCPClientHandler
	client  Client
}

// ensure Connection implements the link.Connection interface.
var _ link.Connection = (*Connection)(nil)

// NewConnection creates a new S7 connection with the given context and
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

// Open dials the PLC. It blocks until the link is connected, the dial fails,
// or ctx expires.
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
// releases the ISO-on-TCP session. Closing an already closed connection is a
// no-op.
func (c *Connection) Close() error {
	if c.InShutdown() {
		return nil
	}

	c.GetLogger().Debug("close s7 connection")

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

// ReadDBBit reads the single bit at DB<db>.DBX<offset>.<bit>.
func (c *Connection) ReadDBBit(db, offset int, bit uint8) (bool, error) {
	if err := checkBitIndex(bit); err != nil {
		return false, err
	}

	buf, err := c.readDB(db, offset, 1)
	if err != nil {
		return false, err
	}

	return buf[0]&(1<<bit) != 0, nil
}

// WriteDBBit sets the single bit at DB<db>.DBX<offset>.<bit>. The
// surrounding bits of the byte are preserved.
func (c *Connection) WriteDBBit(db, offset int, bit uint8, value bool) error {
	if err := checkBitIndex(bit); err != nil {
		return err
	}
	if err := checkArea(db, offset, 1); err != nil {
		return err
	}

	// the byte carries eight points, read-modify-write under one lock hold
	return c.execute(fmt.Sprintf("write DB%d bit", db), func(client Client) error {
		buf := make([]byte, 1)
		if err := client.AGReadDB(db, offset, 1, buf); err != nil {
			return err
		}
		setBit(buf, bit, value)

		return client.AGWriteDB(db, offset, 1, buf)
	})
}

// ReadDBByte reads the byte at DB<db>.DBB<offset>.
func (c *Connection) ReadDBByte(db, offset int) (byte, error) {
	buf, err := c.readDB(db, offset, 1)
	if err != nil {
		return 0, err
	}

	return buf[0], nil
}

// WriteDBByte writes the byte at DB<db>.DBB<offset>.
func (c *Connection) WriteDBByte(db, offset int, value byte) error {
	return c.writeDB(db, offset, []byte{value})
}

// ReadDBWord reads the 16-bit word at DB<db>.DBW<offset>.
func (c *Connection) ReadDBWord(db, offset int) (uint16, error) {
	buf, err := c.readDB(db, offset, 2)
	if err != nil {
		return 0, err
	}

	return unpackWord(buf), nil
}

// WriteDBWord writes the 16-bit word at DB<db>.DBW<offset>.
func (c *Connection) WriteDBWord(db, offset int, value uint16) error {
	return c.writeDB(db, offset, packWord(value))
}

// ReadDBDWord reads the 32-bit double word at DB<db>.DBD<offset>.
func (c *Connection) ReadDBDWord(db, offset int) (uint32, error) {
	buf, err := c.readDB(db, offset, 4)
	if err != nil {
		return 0, err
	}

	return unpackDWord(buf), nil
}

// WriteDBDWord writes the 32-bit double word at DB<db>.DBD<offset>.
func (c *Connection) WriteDBDWord(db, offset int, value uint32) error {
	return c.writeDB(db, offset, packDWord(value))
}

// ReadDBFloat32 reads the REAL stored at DB<db>.DBD<offset>.
func (c *Connection) ReadDBFloat32(db, offset int) (float32, error) {
	bits, err := c.ReadDBDWord(db, offset)
	if err != nil {
		return 0, err
	}

	return math.Float32frombits(bits), nil
}

// WriteDBFloat32 stores value as a REAL at DB<db>.DBD<offset>.
func (c *Connection) WriteDBFloat32(db, offset int, value float32) error {
	return c.WriteDBDWord(db, offset, math.Float32bits(value))
}

// ReadDBString reads the STRING cell at DB<db>.DBB<offset> declared with the
// given maximum length. An S7 string cell stores the declared maximum in its
// first byte and the current length in its second.
func (c *Connection) ReadDBString(db, offset, maxLen int) (string, error) {
	if err := checkStringLen(maxLen); err != nil {
		return "", err
	}

	buf, err := c.readDB(db, offset, 2+maxLen)
	if err != nil {
		return "", err
	}

	cur := int(buf[1])
	if cur > maxLen {
		return "", fmt.Errorf("%w: malformed string cell, current length %d exceeds capacity %d",
			link.ErrProtocol, cur, maxLen)
	}

	return string(buf[2 : 2+cur]), nil
}

// WriteDBString stores value in the STRING cell at DB<db>.DBB<offset>
// declared with the given maximum length. The whole cell is written, so
// stale characters beyond the new length are cleared.
func (c *Connection) WriteDBString(db, offset, maxLen int, value string) error {
	if err := checkStringLen(maxLen); err != nil {
		return err
	}
	if len(value) > maxLen {
		return fmt.Errorf("%w: string length %d exceeds capacity %d", link.ErrProtocol, len(value), maxLen)
	}

	buf := make([]byte, 2+maxLen)
	buf[0] = byte(maxLen)
	buf[1] = byte(len(value))
	copy(buf[2:], value)

	return c.writeDB(db, offset, buf)
}

// ReadMerkerBit reads the single flag bit at M<offset>.<bit>.
func (c *Connection) ReadMerkerBit(offset int, bit uint8) (bool, error) {
	if err := checkBitIndex(bit); err != nil {
		return false, err
	}

	buf, err := c.readMerker(offset, 1)
	if err != nil {
		return false, err
	}

	return buf[0]&(1<<bit) != 0, nil
}

// WriteMerkerBit sets the single flag bit at M<offset>.<bit>. The
// surrounding bits of the byte are preserved.
func (c *Connection) WriteMerkerBit(offset int, bit uint8, value bool) error {
	if err := checkBitIndex(bit); err != nil {
		return err
	}
	if err := checkArea(0, offset, 1); err != nil {
		return err
	}

	return c.execute("write merker bit", func(client Client) error {
		buf := make([]byte, 1)
		if err := client.AGReadMB(offset, 1, buf); err != nil {
			return err
		}
		setBit(buf, bit, value)

		return client.AGWriteMB(offset, 1, buf)
	})
}

// ReadMerkerByte reads the flag byte at MB<offset>.
func (c *Connection) ReadMerkerByte(offset int) (byte, error) {
	buf, err := c.readMerker(offset, 1)
	if err != nil {
		return 0, err
	}

	return buf[0], nil
}

// WriteMerkerByte writes the flag byte at MB<offset>.
func (c *Connection) WriteMerkerByte(offset int, value byte) error {
	return c.writeMerker(offset, []byte{value})
}

// ReadMerkerWord reads the 16-bit flag word at MW<offset>.
func (c *Connection) ReadMerkerWord(offset int) (uint16, error) {
	buf, err := c.readMerker(offset, 2)
	if err != nil {
		return 0, err
	}

	return unpackWord(buf), nil
}

// WriteMerkerWord writes the 16-bit flag word at MW<offset>.
func (c *Connection) WriteMerkerWord(offset int, value uint16) error {
	return c.writeMerker(offset, packWord(value))
}

// ReadMerkerDWord reads the 32-bit flag double word at MD<offset>.
func (c *Connection) ReadMerkerDWord(offset int) (uint32, error) {
	buf, err := c.readMerker(offset, 4)
	if err != nil {
		return 0, err
	}

	return unpackDWord(buf), nil
}

// WriteMerkerDWord writes the 32-bit flag double word at MD<offset>.
func (c *Connection) WriteMerkerDWord(offset int, value uint32) error {
	return c.writeMerker(offset, packDWord(value))
}

// ReadMerkerFloat32 reads the REAL stored at MD<offset>.
func (c *Connection) ReadMerkerFloat32(offset int) (float32, error) {
	bits, err := c.ReadMerkerDWord(offset)
	if err != nil {
		return 0, err
	}

	return math.Float32frombits(bits), nil
}

// WriteMerkerFloat32 stores value as a REAL at MD<offset>.
func (c *Connection) WriteMerkerFloat32(offset int, value float32) error {
	return c.WriteMerkerDWord(offset, math.Float32bits(value))
}

func (c *Connection) connStateHandler(_ link.Connection, prevState link.ConnState, curState link.ConnState) {
	c.GetLogger().Debug("s7: connection state changes", "prevState", prevState, "curState", curState)

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

	handler := gos7.NewTCPClientHandler(c.cfg.Address(), c.cfg.getRack(), c.cfg.getSlot())
	handler.Timeout = c.cfg.getRequestTimeout()
	handler.IdleTimeout = c.cfg.getIdleTimeout()

	client, err := c.cfg.getDialer()(handler)
	if err != nil {
		c.GetLogger().Debug("failed to connect s7 plc", "address", c.cfg.Address(), "error", err)
		c.StateMgr().ToErrorAsync()

		return
	}

	c.opMu.Lock()
	c.handler = handler
	c.client = client
	c.opMu.Unlock()

	if c.InShutdown() {
		// lost the race against Close, the link must not come up
		c.closeClient()

		return
	}

	c.GetLogger().Debug("s7 plc connected", "address", c.cfg.Address())

	c.StateMgr().ToConnectedAsync()
}

// startTasks starts the sender task. The client never receives unsolicited
// traffic, so there is no receiver task.
func (c *Connection) startTasks() {
	if err := c.TaskMgr().StartSender("s7SenderTask", c.senderTask, nil, c.senderChan); err != nil {
		c.GetLogger().Error("failed to start sender task", "error", err)
		c.StateMgr().ToErrorAsync()
	}
}

// senderTask executes one queued command against the PLC and delivers its
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

// probe asks the CPU for its run state. The state itself is ignored; liveness
// means the PLC answered.
func (c *Connection) probe(_ context.Context) error {
	err := c.execute("heartbeat probe", func(client Client) error {
		_, err := client.PLCGetStatus()

		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %w", link.ErrHeartbeatFailed, err)
	}

	return nil
}

// readDB reads size bytes starting at offset from data block db.
func (c *Connection) readDB(db, offset, size int) ([]byte, error) {
	if err := checkDBNumber(db); err != nil {
		return nil, err
	}
	if err := checkArea(db, offset, size); err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	err := c.execute(fmt.Sprintf("read DB%d", db), func(client Client) error {
		return client.AGReadDB(db, offset, size, buf)
	})
	if err != nil {
		return nil, err
	}

	return buf, nil
}

// writeDB writes data starting at offset into data block db.
func (c *Connection) writeDB(db, offset int, data []byte) error {
	if err := checkDBNumber(db); err != nil {
		return err
	}
	if err := checkArea(db, offset, len(data)); err != nil {
		return err
	}

	return c.execute(fmt.Sprintf("write DB%d", db), func(client Client) error {
		return client.AGWriteDB(db, offset, len(data), data)
	})
}

// readMerker reads size bytes starting at offset from the flag area.
func (c *Connection) readMerker(offset, size int) ([]byte, error) {
	if err := checkArea(0, offset, size); err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	err := c.execute("read merker", func(client Client) error {
		return client.AGReadMB(offset, size, buf)
	})
	if err != nil {
		return nil, err
	}

	return buf, nil
}

// writeMerker writes data starting at offset into the flag area.
func (c *Connection) writeMerker(offset int, data []byte) error {
	if err := checkArea(0, offset, len(data)); err != nil {
		return err
	}

	return c.execute("write merker", func(client Client) error {
		return client.AGWriteMB(offset, len(data), data)
	})
}

// execute runs one request/response exchange under the operation mutex.
func (c *Connection) execute(op string, call func(Client) error) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.client == nil {
		return link.ErrNotConnected
	}

	if err := call(c.client); err != nil {
		return c.wireError(op, err)
	}

	return nil
}

// wireError classifies a failed exchange. A timeout is reported as such
// without tearing the link down; everything else marks the link as lost.
func (c *Connection) wireError(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %s", link.ErrTimeout, op, err)
	}

	if c.InShutdown() {
		return link.ErrConnClosed
	}

	c.GetLogger().Error("s7 exchange failed", "op", op, "error", err)
	c.StateMgr().ToErrorAsync()

	return fmt.Errorf("%w: %s: %s", link.ErrTransport, op, err)
}

// closeLink tears the ISO-on-TCP session down.
func (c *Connection) closeLink() {
	c.CloseStream(c.closeClient, c.cfg.getCloseTimeout())
}

func (c *Connection) closeClient() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.handler == nil {
		return
	}

	if err := c.handler.Close(); err != nil {
		c.GetLogger().Error("failed to close s7 transport", "error", err)
	}

	c.handler = nil
	c.client = nil
}

func setBit(buf []byte, bit uint8, value bool) {
	if value {
		buf[0] |= 1 << bit
	} else {
		buf[0] &^= 1 << bit
	}
}

func unpackWord(buf []byte) uint16 {
	return util.JoinUint16(buf[0], buf[1])
}

func packWord(v uint16) []byte {
	hi, lo := util.SplitUint16(v)

	return []byte{hi, lo}
}

func unpackDWord(buf []byte) uint32 {
	return uint32(util.JoinUint16(buf[0], buf[1]))<<16 | uint32(util.JoinUint16(buf[2], buf[3]))
}

func packDWord(v uint32) []byte {
	buf := make([]byte, 4)
	//nolint:gosec // masked to 16 bits
	buf[0], buf[1] = util.SplitUint16(uint16(v >> 16))
	//nolint:gosec // masked to 16 bits
	buf[2], buf[3] = util.SplitUint16(uint16(v & 0xFFFF))

	return buf
}

func checkBitIndex(bit uint8) error {
	if bit > 7 {
		return fmt.Errorf("%w: bit index %d out of range [0, 7]", link.ErrProtocol, bit)
	}

	return nil
}

func checkDBNumber(db int) error {
	if db < 1 || db > 65535 {
		return fmt.Errorf("%w: data block number %d out of range [1, 65535]", link.ErrProtocol, db)
	}

	return nil
}

// checkArea validates the byte window of an exchange. db is only used for
// the error text; 0 means the flag area.
func checkArea(db, offset, size int) error {
	if offset < 0 || size < 1 || offset+size > 65536 {
		if db > 0 {
			return fmt.Errorf("%w: DB%d byte range [%d, %d) out of bounds", link.ErrProtocol, db, offset, offset+size)
		}

		return fmt.Errorf("%w: merker byte range [%d, %d) out of bounds", link.ErrProtocol, offset, offset+size)
	}

	return nil
}

func checkStringLen(maxLen int) error {
	if maxLen < 1 || maxLen > 254 {
		return fmt.Errorf("%w: string capacity %d out of range [1, 254]", link.ErrProtocol, maxLen)
	}

	return nil
}
