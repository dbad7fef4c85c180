package modbuslink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-fieldlink/internal/pool"
	"github.com/arloliu/go-fieldlink/internal/util"
	"github.com/arloliu/go-fieldlink/link"
)

// Modbus address spaces, identified by their read function code.
const (
	spaceCoil     byte = 0x01
	spaceDiscrete byte = 0x02
	spaceHolding  byte = 0x03
	spaceInput    byte = 0x04
)

func spaceName(space byte) string {
	switch space {
	case spaceCoil:
		return "coils"
	case spaceDiscrete:
		return "discrete inputs"
	case spaceHolding:
		return "holding registers"
	case spaceInput:
		return "input registers"
	default:
		return "unknown"
	}
}

type readKey struct {
	space    byte
	address  uint16
	quantity uint16
}

type readEntry struct {
	data    []byte
	expires time.Time
}

// Connection represents a Modbus-TCP master talking to one device or gateway,
// implementing the link.Connection interface.
//
// Typed register and coil operations are safe for concurrent use; the
// underlying client serializes nothing itself, so every exchange runs under
// an operation mutex. Text commands follow the grammar documented on
// Dispatch and can either be executed synchronously or queued with Send, in
// which case the outcome arrives as a response message.
type Connection struct {
	link.BaseConn

	cfg        *ConnectionConfig
	senderChan chan *link.Message

	// the modbus client is not safe for concurrent use
	opMu    sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client

	cache *xsync.MapOf[readKey, readEntry]
}

// ensure Connection implements the link.Connection interface.
var _ link.Connection = (*Connection)(nil)

// NewConnection creates a new Modbus master connection with the given context
// and configuration. Returns an error if the configuration is nil.
func NewConnection(ctx context.Context, cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, link.ErrConnConfigNil
	}

	c := &Connection{
		cfg:        cfg,
		senderChan: make(chan *link.Message, cfg.senderQueueSize),
		cache:      xsync.NewMapOf[readKey, readEntry](),
	}

	c.Init(ctx, c, link.BaseConnConfig{
		Logger:            cfg.logger,
		ReconnectPolicy:   cfg.reconnectPolicy(),
		HeartbeatInterval: cfg.heartbeatInterval,
		HeartbeatProbe:    c.probe,
	}, c.connStateHandler)

	return c, nil
}

// Open dials the device. It blocks until the link is connected, the dial
// fails, or ctx expires.
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
// releases the TCP transport. Closing an already closed connection is a no-op.
func (c *Connection) Close() error {
	if c.InShutdown() {
		return nil
	}

	c.GetLogger().Debug("close modbus connection")

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

// ReadCoils reads quantity coils starting at address and returns their
// on/off states.
func (c *Connection) ReadCoils(address, quantity uint16) ([]bool, error) {
	if err := checkBitQuantity(address, quantity); err != nil {
		return nil, err
	}

	data, err := c.wireRead(spaceCoil, address, quantity)
	if err != nil {
		return nil, err
	}

	return bytesToBits(data, int(quantity)), nil
}

// ReadDiscreteInputs reads quantity discrete inputs starting at address and
// returns their on/off states.
func (c *Connection) ReadDiscreteInputs(address, quantity uint16) ([]bool, error) {
	if err := checkBitQuantity(address, quantity); err != nil {
		return nil, err
	}

	data, err := c.wireRead(spaceDiscrete, address, quantity)
	if err != nil {
		return nil, err
	}

	return bytesToBits(data, int(quantity)), nil
}

// ReadHoldingRegisters reads quantity holding registers starting at address.
func (c *Connection) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	if err := checkRegisterQuantity(address, quantity, MaxRegisterRead); err != nil {
		return nil, err
	}

	data, err := c.wireRead(spaceHolding, address, quantity)
	if err != nil {
		return nil, err
	}

	return bytesToWords(data), nil
}

// ReadInputRegisters reads quantity input registers starting at address.
func (c *Connection) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	if err := checkRegisterQuantity(address, quantity, MaxRegisterRead); err != nil {
		return nil, err
	}

	data, err := c.wireRead(spaceInput, address, quantity)
	if err != nil {
		return nil, err
	}

	return bytesToWords(data), nil
}

// WriteCoil sets the single coil at address.
func (c *Connection) WriteCoil(address uint16, value bool) error {
	var v uint16
	if value {
		v = 0xFF00
	}

	return c.wireWrite("write coil", func(client modbus.Client) ([]byte, error) {
		return client.WriteSingleCoil(address, v)
	})
}

// WriteCoils sets consecutive coils starting at address in one exchange.
func (c *Connection) WriteCoils(address uint16, values []bool) error {
	quantity, err := checkBitCount(address, len(values))
	if err != nil {
		return err
	}

	return c.wireWrite("write coils", func(client modbus.Client) ([]byte, error) {
		return client.WriteMultipleCoils(address, quantity, bitsToBytes(values))
	})
}

// WriteRegister sets the single holding register at address.
func (c *Connection) WriteRegister(address, value uint16) error {
	return c.wireWrite("write register", func(client modbus.Client) ([]byte, error) {
		return client.WriteSingleRegister(address, value)
	})
}

// WriteRegisters sets consecutive holding registers starting at address in
// one exchange.
func (c *Connection) WriteRegisters(address uint16, values []uint16) error {
	quantity, err := checkRegisterCount(address, len(values))
	if err != nil {
		return err
	}

	return c.wireWrite("write registers", func(client modbus.Client) ([]byte, error) {
		return client.WriteMultipleRegisters(address, quantity, wordsToBytes(values))
	})
}

// ReadFloat32 reads the 32-bit float stored in the holding register pair at
// address, applying the configured byte order.
func (c *Connection) ReadFloat32(address uint16) (float32, error) {
	regs, err := c.ReadHoldingRegisters(address, 2)
	if err != nil {
		return 0, err
	}

	return c.cfg.getByteOrder().DecodeFloat32([2]uint16{regs[0], regs[1]}), nil
}

// WriteFloat32 stores value in the holding register pair at address, applying
// the configured byte order.
func (c *Connection) WriteFloat32(address uint16, value float32) error {
	regs := c.cfg.getByteOrder().EncodeFloat32(value)

	return c.WriteRegisters(address, regs[:])
}

func (c *Connection) connStateHandler(_ link.Connection, prevState link.ConnState, curState link.ConnState) {
	c.GetLogger().Debug("modbus: connection state changes", "prevState", prevState, "curState", curState)

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

	handler := modbus.NewTCPClientHandler(c.cfg.Address())
	handler.Timeout = c.cfg.getRequestTimeout()
	handler.IdleTimeout = c.cfg.getIdleTimeout()
	handler.SlaveId = c.cfg.getUnitID()

	if err := handler.Connect(); err != nil {
		c.GetLogger().Debug("failed to connect modbus device", "address", c.cfg.Address(), "error", err)
		c.StateMgr().ToErrorAsync()

		return
	}

	c.opMu.Lock()
	c.handler = handler
	c.client = modbus.NewClient(handler)
	c.opMu.Unlock()

	if c.InShutdown() {
		// lost the race against Close, the link must not come up
		c.closeClient()

		return
	}

	c.GetLogger().Debug("modbus device connected", "address", c.cfg.Address())

	c.StateMgr().ToConnectedAsync()
}

// startTasks drops stale cached reads and starts the sender task. A master
// never receives unsolicited traffic, so there is no receiver task.
func (c *Connection) startTasks() {
	c.cache.Clear()

	if err := c.TaskMgr().StartSender("modbusSenderTask", c.senderTask, nil, c.senderChan); err != nil {
		c.GetLogger().Error("failed to start sender task", "error", err)
		c.StateMgr().ToErrorAsync()
	}
}

// senderTask executes one queued command against the device and delivers its
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

// probe reads one holding register at the configured probe address. The value
// is ignored; liveness means the device answered.
func (c *Connection) probe(_ context.Context) error {
	_, err := c.execute("heartbeat probe", func(client modbus.Client) ([]byte, error) {
		return client.ReadHoldingRegisters(c.cfg.getProbeAddress(), 1)
	})
	// an exception reply still proves the device is answering
	if err != nil && !link.IsProtocol(err) {
		return fmt.Errorf("%w: %w", link.ErrHeartbeatFailed, err)
	}

	return nil
}

// wireRead performs a cached read of the given address space.
func (c *Connection) wireRead(space byte, address, quantity uint16) ([]byte, error) {
	key := readKey{space: space, address: address, quantity: quantity}

	ttl := c.cfg.getReadCacheTTL()
	if ttl > 0 {
		if entry, ok := c.cache.Load(key); ok && time.Now().Before(entry.expires) {
			// callers may slice and reorder the bytes, so they never share
			// a backing array with the cache
			return util.CloneSlice(entry.data, 0), nil
		}
	}

	data, err := c.execute("read "+spaceName(space), func(client modbus.Client) ([]byte, error) {
		switch space {
		case spaceDiscrete:
			return client.ReadDiscreteInputs(address, quantity)
		case spaceHolding:
			return client.ReadHoldingRegisters(address, quantity)
		case spaceInput:
			return client.ReadInputRegisters(address, quantity)
		default:
			return client.ReadCoils(address, quantity)
		}
	})
	if err != nil {
		return nil, err
	}

	if ttl > 0 {
		c.cache.Store(key, readEntry{data: util.CloneSlice(data, 0), expires: time.Now().Add(ttl)})
	}

	return data, nil
}

func (c *Connection) wireWrite(op string, call func(modbus.Client) ([]byte, error)) error {
	if _, err := c.execute(op, call); err != nil {
		return err
	}

	// a write makes cached reads stale
	c.cache.Clear()

	return nil
}

// execute runs one request/response exchange under the operation mutex.
func (c *Connection) execute(op string, call func(modbus.Client) ([]byte, error)) ([]byte, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.client == nil {
		return nil, link.ErrNotConnected
	}

	// retarget the unit id on every exchange, so runtime updates take effect
	// immediately
	c.handler.SlaveId = c.cfg.getUnitID()

	data, err := call(c.client)
	if err != nil {
		return nil, c.wireError(op, err)
	}

	return data, nil
}

// wireError classifies a failed exchange. An exception reply means the device
// answered and keeps the link up; a timeout is reported as such without
// tearing the link down; everything else marks the link as lost.
func (c *Connection) wireError(op string, err error) error {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return fmt.Errorf("%w: %s: %s", link.ErrProtocol, op, mbErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %s", link.ErrTimeout, op, err)
	}

	if c.InShutdown() {
		return link.ErrConnClosed
	}

	c.GetLogger().Error("modbus exchange failed", "op", op, "error", err)
	c.StateMgr().ToErrorAsync()

	return fmt.Errorf("%w: %s: %s", link.ErrTransport, op, err)
}

// closeLink tears the TCP transport down.
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
		c.GetLogger().Error("failed to close modbus transport", "error", err)
	}

	c.handler = nil
	c.client = nil
}

func checkBitQuantity(address, quantity uint16) error {
	if quantity < 1 || quantity > MaxBitQuantity {
		return fmt.Errorf("%w: bit quantity %d out of range [1, %d]", link.ErrProtocol, quantity, MaxBitQuantity)
	}

	return checkAddressRange(address, quantity)
}

func checkRegisterQuantity(address, quantity uint16, limit uint16) error {
	if quantity < 1 || quantity > limit {
		return fmt.Errorf("%w: register quantity %d out of range [1, %d]", link.ErrProtocol, quantity, limit)
	}

	return checkAddressRange(address, quantity)
}

func checkBitCount(address uint16, count int) (uint16, error) {
	if count < 1 || count > MaxBitQuantity {
		return 0, fmt.Errorf("%w: bit count %d out of range [1, %d]", link.ErrProtocol, count, MaxBitQuantity)
	}

	quantity := uint16(count) //nolint:gosec
	return quantity, checkAddressRange(address, quantity)
}

func checkRegisterCount(address uint16, count int) (uint16, error) {
	if count < 1 || count > MaxRegisterWrite {
		return 0, fmt.Errorf("%w: register count %d out of range [1, %d]", link.ErrProtocol, count, MaxRegisterWrite)
	}

	quantity := uint16(count) //nolint:gosec
	return quantity, checkAddressRange(address, quantity)
}

func checkAddressRange(address, quantity uint16) error {
	if uint32(address)+uint32(quantity) > 65536 {
		return fmt.Errorf("%w: range %d+%d exceeds the 16-bit address space", link.ErrProtocol, address, quantity)
	}

	return nil
}
