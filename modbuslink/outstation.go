package modbuslink

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/tbrandon/mbserver"

	"github.com/arloliu/go-fieldlink/internal/pool"
	"github.com/arloliu/go-fieldlink/link"
)

// Outstation-only operations accepted by Outstation.Send in addition to the
// write operations of the dispatcher grammar. They target the two address
// spaces a remote master can only read.
const (
	OpWriteDiscrete = "WRITE_DISCRETE"
	OpWriteInput    = "WRITE_INPUT"
)

// Outstation represents a Modbus-TCP slave serving the four address spaces to
// remote masters, implementing the link.Connection interface.
//
// The process owns the data: Send commands and the typed setters update the
// local register map, and every write performed by a remote master is
// published to registered message handlers as an event message whose command
// text follows the dispatcher grammar.
//
// An Outstation is built from the same ConnectionConfig as a master
// connection; the address is the listen address, and the master-side options
// (unit id, request timeout, idle timeout, probe address, read cache) do not
// apply.
type Outstation struct {
	link.BaseConn

	cfg        *ConnectionConfig
	senderChan chan *link.Message

	serverMu sync.Mutex
	server   *mbserver.Server

	// dataMu serializes register map access between the request handlers and
	// the typed accessors; the underlying server synchronizes nothing itself
	dataMu sync.RWMutex
}

// ensure Outstation implements the link.Connection interface.
var _ link.Connection = (*Outstation)(nil)

// NewOutstation creates a new Modbus slave with the given context and
// configuration. Returns an error if the configuration is nil.
func NewOutstation(ctx context.Context, cfg *ConnectionConfig) (*Outstation, error) {
	if cfg == nil {
		return nil, link.ErrConnConfigNil
	}

	o := &Outstation{
		cfg:        cfg,
		senderChan: make(chan *link.Message, cfg.senderQueueSize),
	}

	o.Init(ctx, o, link.BaseConnConfig{
		Logger:            cfg.logger,
		ReconnectPolicy:   cfg.reconnectPolicy(),
		HeartbeatInterval: cfg.heartbeatInterval,
		HeartbeatProbe:    o.probe,
	}, o.connStateHandler)

	return o, nil
}

// Open starts listening on the configured address. It blocks until the
// listener is up, the bind fails, or ctx expires.
//
// Opening an already listening outstation is a no-op that returns nil.
func (o *Outstation) Open(ctx context.Context) error {
	o.SetShutdown(false)

	if o.StateMgr().IsConnected() {
		return nil
	}

	if err := o.StateMgr().ToConnecting(); err != nil {
		// lost the race against a concurrent open that already connected
		if o.StateMgr().IsConnected() {
			return nil
		}

		return err
	}

	return o.WaitOpened(ctx)
}

// Close stops accepting masters and releases the listener. Sessions already
// established by remote masters end when those masters disconnect. Closing an
// already closed outstation is a no-op.
func (o *Outstation) Close() error {
	if o.InShutdown() {
		return nil
	}

	o.GetLogger().Debug("close modbus outstation")

	o.SetShutdown(true)
	o.StateMgr().ToDisconnected()

	return nil
}

// Send queues a command message that updates the local register map. The
// accepted operations are WRITE_COIL, WRITE_DISCRETE, WRITE_REGISTER,
// WRITE_INPUT and WRITE_FLOAT, with the dispatcher grammar and value syntax.
// The outcome is delivered to registered message handlers as a response
// message referencing msg.
//
// It fails fast with ErrNotConnected when the outstation is not listening and
// with ErrSendTimeout when the sender queue stays full for the configured
// send timeout.
func (o *Outstation) Send(msg *link.Message) error {
	if msg == nil {
		return errors.New("message is nil")
	}

	if !o.StateMgr().IsConnected() {
		return link.ErrNotConnected
	}

	timer := pool.GetTimer(o.cfg.getSendTimeout())
	defer pool.PutTimer(timer)

	select {
	case o.senderChan <- msg:
		return nil
	case <-timer.C:
		return link.ErrSendTimeout
	case <-o.Context().Done():
		return link.ErrConnClosed
	}
}

// UpdateConfigOptions applies runtime-changeable options to the outstation
// and pushes the resulting reconnect policy and heartbeat interval into the
// running lifecycle machinery.
func (o *Outstation) UpdateConfigOptions(opts ...ConnOption) error {
	if err := o.cfg.UpdateOptions(opts...); err != nil {
		return err
	}

	o.Supervisor().UpdatePolicy(o.cfg.reconnectPolicy())
	o.Supervisor().UpdateHeartbeatInterval(o.cfg.getHeartbeatInterval())

	return nil
}

// Coil returns the state of the coil at address.
func (o *Outstation) Coil(address uint16) (bool, error) {
	server, err := o.getServer()
	if err != nil {
		return false, err
	}

	o.dataMu.RLock()
	defer o.dataMu.RUnlock()

	return server.Coils[address] != 0, nil
}

// DiscreteInput returns the state of the discrete input at address.
func (o *Outstation) DiscreteInput(address uint16) (bool, error) {
	server, err := o.getServer()
	if err != nil {
		return false, err
	}

	o.dataMu.RLock()
	defer o.dataMu.RUnlock()

	return server.DiscreteInputs[address] != 0, nil
}

// HoldingRegister returns the value of the holding register at address.
func (o *Outstation) HoldingRegister(address uint16) (uint16, error) {
	server, err := o.getServer()
	if err != nil {
		return 0, err
	}

	o.dataMu.RLock()
	defer o.dataMu.RUnlock()

	return server.HoldingRegisters[address], nil
}

// InputRegister returns the value of the input register at address.
func (o *Outstation) InputRegister(address uint16) (uint16, error) {
	server, err := o.getServer()
	if err != nil {
		return 0, err
	}

	o.dataMu.RLock()
	defer o.dataMu.RUnlock()

	return server.InputRegisters[address], nil
}

// Float32 returns the value stored in the holding register pair at address,
// applying the configured byte order.
func (o *Outstation) Float32(address uint16) (float32, error) {
	server, err := o.getServer()
	if err != nil {
		return 0, err
	}
	if err := checkAddressRange(address, 2); err != nil {
		return 0, err
	}

	o.dataMu.RLock()
	regs := [2]uint16{server.HoldingRegisters[address], server.HoldingRegisters[address+1]}
	o.dataMu.RUnlock()

	return o.cfg.getByteOrder().DecodeFloat32(regs), nil
}

// SetCoil sets the coil at address.
func (o *Outstation) SetCoil(address uint16, value bool) error {
	server, err := o.getServer()
	if err != nil {
		return err
	}

	o.dataMu.Lock()
	defer o.dataMu.Unlock()

	server.Coils[address] = coilByte(value)

	return nil
}

// SetDiscreteInput sets the discrete input at address.
func (o *Outstation) SetDiscreteInput(address uint16, value bool) error {
	server, err := o.getServer()
	if err != nil {
		return err
	}

	o.dataMu.Lock()
	defer o.dataMu.Unlock()

	server.DiscreteInputs[address] = coilByte(value)

	return nil
}

// SetHoldingRegister sets the holding register at address.
func (o *Outstation) SetHoldingRegister(address, value uint16) error {
	server, err := o.getServer()
	if err != nil {
		return err
	}

	o.dataMu.Lock()
	defer o.dataMu.Unlock()

	server.HoldingRegisters[address] = value

	return nil
}

// SetInputRegister sets the input register at address.
func (o *Outstation) SetInputRegister(address, value uint16) error {
	server, err := o.getServer()
	if err != nil {
		return err
	}

	o.dataMu.Lock()
	defer o.dataMu.Unlock()

	server.InputRegisters[address] = value

	return nil
}

// SetFloat32 stores value in the holding register pair at address, applying
// the configured byte order.
func (o *Outstation) SetFloat32(address uint16, value float32) error {
	server, err := o.getServer()
	if err != nil {
		return err
	}
	if err := checkAddressRange(address, 2); err != nil {
		return err
	}

	regs := o.cfg.getByteOrder().EncodeFloat32(value)

	o.dataMu.Lock()
	defer o.dataMu.Unlock()

	server.HoldingRegisters[address] = regs[0]
	server.HoldingRegisters[address+1] = regs[1]

	return nil
}

func (o *Outstation) connStateHandler(_ link.Connection, prevState link.ConnState, curState link.ConnState) {
	o.GetLogger().Debug("modbus outstation: connection state changes", "prevState", prevState, "curState", curState)

	switch curState {
	case link.ConnectingState:
		go o.openListener()

	case link.ConnectedState:
		o.startTasks()

	case link.ErrorState, link.DisconnectedState:
		o.closeLink()
	}
}

func (o *Outstation) openListener() {
	o.GetLogger().Debug("start openListener", "address", o.cfg.Address())

	if o.InShutdown() {
		return
	}

	o.CreateContext()

	server := mbserver.NewServer()

	// serialize register map access against the typed accessors, and observe
	// the write function codes, so remote writes surface as events
	server.RegisterFunctionHandler(1, o.readGuard(mbserver.ReadCoils))
	server.RegisterFunctionHandler(2, o.readGuard(mbserver.ReadDiscreteInputs))
	server.RegisterFunctionHandler(3, o.readGuard(mbserver.ReadHoldingRegisters))
	server.RegisterFunctionHandler(4, o.readGuard(mbserver.ReadInputRegisters))
	server.RegisterFunctionHandler(5, o.writeObserver(mbserver.WriteSingleCoil))
	server.RegisterFunctionHandler(6, o.writeObserver(mbserver.WriteHoldingRegister))
	server.RegisterFunctionHandler(15, o.writeObserver(mbserver.WriteMultipleCoils))
	server.RegisterFunctionHandler(16, o.writeObserver(mbserver.WriteHoldingRegisters))

	if err := server.ListenTCP(o.cfg.Address()); err != nil {
		server.Close()
		o.GetLogger().Debug("failed to listen", "address", o.cfg.Address(), "error", err)
		o.StateMgr().ToErrorAsync()

		return
	}

	o.serverMu.Lock()
	o.server = server
	o.serverMu.Unlock()

	if o.InShutdown() {
		// lost the race against Close, the listener must not come up
		o.closeServer()

		return
	}

	o.GetLogger().Debug("modbus outstation listening", "address", o.cfg.Address())

	o.StateMgr().ToConnectedAsync()
}

func (o *Outstation) startTasks() {
	if err := o.TaskMgr().StartSender("outstationSenderTask", o.senderTask, nil, o.senderChan); err != nil {
		o.GetLogger().Error("failed to start sender task", "error", err)
		o.StateMgr().ToErrorAsync()
	}
}

// senderTask applies one queued register-map update and delivers its outcome
// as a response message.
func (o *Outstation) senderTask(msg *link.Message) bool {
	resp, err := o.apply(msg.Command())
	if err != nil {
		o.GetMetrics().IncMsgErrCount()

		if resp == nil {
			resp = link.NewMessage(link.ResponseMsg, msg.Command())
		}
		resp.SetParam(ParamError, err.Error())
	} else {
		o.GetMetrics().IncMsgSendCount()
	}

	resp.SetParam(link.ParamRef, msg.ID())
	o.DeliverMessage(resp)

	return !o.InShutdown()
}

// apply parses one write command and updates the local register map.
func (o *Outstation) apply(command string) (*link.Message, error) {
	fields := strings.FieldsFunc(command, func(r rune) bool {
		return unicode.IsSpace(r) || r == ':'
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty command", link.ErrProtocol)
	}
	if len(fields) > 3 {
		return nil, fmt.Errorf("%w: too many tokens in %q", link.ErrProtocol, command)
	}

	op := strings.ToUpper(fields[0])
	switch op {
	case OpWriteCoil, OpWriteDiscrete, OpWriteRegister, OpWriteInput, OpWriteFloat:
	default:
		return nil, fmt.Errorf("%w: operation %q not supported by an outstation", link.ErrProtocol, fields[0])
	}

	address, tokens, err := parseWriteArgs(op, fields[1:])
	if err != nil {
		return nil, err
	}

	switch op {
	case OpWriteCoil, OpWriteDiscrete:
		return o.applyBits(op, command, address, tokens)

	case OpWriteRegister, OpWriteInput:
		return o.applyWords(op, command, address, tokens)

	default:
		return o.applyFloats(command, address, tokens)
	}
}

func (o *Outstation) applyBits(op, command string, address uint16, tokens []string) (*link.Message, error) {
	if len(tokens) > MaxBitQuantity {
		return nil, fmt.Errorf("%w: %d coil values exceed the limit of %d", link.ErrProtocol, len(tokens), MaxBitQuantity)
	}
	if err := checkAddressRange(address, uint16(len(tokens))); err != nil { //nolint:gosec
		return nil, err
	}

	values := make([]bool, len(tokens))
	for i, token := range tokens {
		v, err := parseCoilValue(token)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}

	server, err := o.getServer()
	if err != nil {
		return nil, err
	}

	o.dataMu.Lock()
	space := server.Coils
	if op == OpWriteDiscrete {
		space = server.DiscreteInputs
	}
	for i, v := range values {
		space[address+uint16(i)] = coilByte(v) //nolint:gosec
	}
	o.dataMu.Unlock()

	return newWriteResponse(command, BatchResult{Succeeded: len(values), Attempted: len(values)}), nil
}

func (o *Outstation) applyWords(op, command string, address uint16, tokens []string) (*link.Message, error) {
	if len(tokens) > MaxRegisterWrite {
		return nil, fmt.Errorf("%w: %d register values exceed the limit of %d", link.ErrProtocol, len(tokens), MaxRegisterWrite)
	}
	if err := checkAddressRange(address, uint16(len(tokens))); err != nil { //nolint:gosec
		return nil, err
	}

	values := make([]uint16, len(tokens))
	for i, token := range tokens {
		v, err := parseRegisterValue(token)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}

	server, err := o.getServer()
	if err != nil {
		return nil, err
	}

	o.dataMu.Lock()
	space := server.HoldingRegisters
	if op == OpWriteInput {
		space = server.InputRegisters
	}
	for i, v := range values {
		space[address+uint16(i)] = v //nolint:gosec
	}
	o.dataMu.Unlock()

	return newWriteResponse(command, BatchResult{Succeeded: len(values), Attempted: len(values)}), nil
}

func (o *Outstation) applyFloats(command string, address uint16, tokens []string) (*link.Message, error) {
	// each float occupies a register pair
	if len(tokens)*2 > MaxRegisterWrite {
		return nil, fmt.Errorf("%w: %d float values need %d registers, exceeding the limit of %d",
			link.ErrProtocol, len(tokens), len(tokens)*2, MaxRegisterWrite)
	}
	if err := checkAddressRange(address, uint16(len(tokens)*2)); err != nil { //nolint:gosec
		return nil, err
	}

	values := make([]float32, len(tokens))
	for i, token := range tokens {
		v, err := parseFloatValue(token)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}

	server, err := o.getServer()
	if err != nil {
		return nil, err
	}

	order := o.cfg.getByteOrder()

	o.dataMu.Lock()
	for i, v := range values {
		regs := order.EncodeFloat32(v)
		server.HoldingRegisters[address+uint16(2*i)] = regs[0]   //nolint:gosec
		server.HoldingRegisters[address+uint16(2*i)+1] = regs[1] //nolint:gosec
	}
	o.dataMu.Unlock()

	return newWriteResponse(command, BatchResult{Succeeded: len(values), Attempted: len(values)}), nil
}

// readGuard wraps a default read handler with the register map lock.
func (o *Outstation) readGuard(def func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception)) func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception) {
	return func(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		o.dataMu.RLock()
		defer o.dataMu.RUnlock()

		return def(s, frame)
	}
}

// writeObserver wraps a default write handler with the register map lock and
// publishes an event message for every write a remote master performed
// successfully.
func (o *Outstation) writeObserver(def func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception)) func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception) {
	return func(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		o.dataMu.Lock()
		data, ex := def(s, frame)
		o.dataMu.Unlock()

		if ex != nil && *ex == mbserver.Success {
			o.publishWrite(frame)
		}

		return data, ex
	}
}

// publishWrite turns a validated write frame into an event message whose
// command text follows the dispatcher grammar.
func (o *Outstation) publishWrite(frame mbserver.Framer) {
	data := frame.GetData()
	if len(data) < 4 {
		return
	}

	address := binary.BigEndian.Uint16(data[0:2])

	var command string
	switch frame.GetFunction() {
	case 5:
		value := "0"
		if binary.BigEndian.Uint16(data[2:4]) == 0xFF00 {
			value = "1"
		}
		command = fmt.Sprintf("%s %d %s", OpWriteCoil, address, value)

	case 6:
		command = fmt.Sprintf("%s %d %d", OpWriteRegister, address, binary.BigEndian.Uint16(data[2:4]))

	case 15:
		quantity := binary.BigEndian.Uint16(data[2:4])
		if len(data) < 5+(int(quantity)+7)/8 {
			return
		}
		command = fmt.Sprintf("%s %d %s", OpWriteCoil, address, formatBits(bytesToBits(data[5:], int(quantity))))

	case 16:
		quantity := binary.BigEndian.Uint16(data[2:4])
		if len(data) < 5+2*int(quantity) {
			return
		}
		command = fmt.Sprintf("%s %d %s", OpWriteRegister, address, formatWords(bytesToWords(data[5:5+2*int(quantity)])))

	default:
		return
	}

	o.DeliverMessage(link.NewEvent(command))
}

// probe reports whether the listener is still up.
func (o *Outstation) probe(_ context.Context) error {
	o.serverMu.Lock()
	defer o.serverMu.Unlock()

	if o.server == nil {
		return link.ErrHeartbeatFailed
	}

	return nil
}

func (o *Outstation) getServer() (*mbserver.Server, error) {
	o.serverMu.Lock()
	defer o.serverMu.Unlock()

	if o.server == nil {
		return nil, link.ErrNotConnected
	}

	return o.server, nil
}

// closeLink tears the listener down.
func (o *Outstation) closeLink() {
	o.CloseStream(o.closeServer, o.cfg.getCloseTimeout())
}

func (o *Outstation) closeServer() {
	o.serverMu.Lock()
	defer o.serverMu.Unlock()

	if o.server == nil {
		return
	}

	o.server.Close()
	o.server = nil
}

func coilByte(v bool) byte {
	if v {
		return 1
	}

	return 0
}
