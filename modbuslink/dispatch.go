package modbuslink

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/arloliu/go-fieldlink/link"
)

// Dispatcher operations.
const (
	OpReadCoil      = "READ_COIL"
	OpReadDiscrete  = "READ_DISCRETE"
	OpReadHolding   = "READ_HOLDING"
	OpReadInput     = "READ_INPUT"
	OpWriteCoil     = "WRITE_COIL"
	OpWriteRegister = "WRITE_REGISTER"
	OpWriteFloat    = "WRITE_FLOAT"
	OpConnect       = "CONNECT"
	OpDisconnect    = "DISCONNECT"
)

// Response parameter keys set by the dispatcher.
const (
	// ParamError carries the failure text on responses to queued commands.
	ParamError = "error"
	// ParamValues carries the comma-joined result of a read operation.
	ParamValues = "values"
	// ParamSucceeded carries the number of completed writes of a write operation.
	ParamSucceeded = "succeeded"
	// ParamAttempted carries the number of requested writes of a write operation.
	ParamAttempted = "attempted"
	// ParamState carries the connection state after CONNECT and DISCONNECT.
	ParamState = "state"
)

// BatchResult reports how much of a multi-value write completed. Attempted is
// the number of requested writes, Succeeded the number that reached the
// device before the first failure.
type BatchResult struct {
	Succeeded int
	Attempted int
}

// BatchResultOf extracts the write tally parameters from a dispatcher
// response message. It reports false when msg carries no tally.
func BatchResultOf(msg *link.Message) (BatchResult, bool) {
	if msg == nil {
		return BatchResult{}, false
	}

	succeeded, ok := msg.Param(ParamSucceeded)
	if !ok {
		return BatchResult{}, false
	}
	attempted, ok := msg.Param(ParamAttempted)
	if !ok {
		return BatchResult{}, false
	}

	s, err := strconv.Atoi(succeeded)
	if err != nil {
		return BatchResult{}, false
	}
	a, err := strconv.Atoi(attempted)
	if err != nil {
		return BatchResult{}, false
	}

	return BatchResult{Succeeded: s, Attempted: a}, true
}

// Dispatch parses and executes one text command against the device and
// returns the outcome as a response message.
//
// The command grammar is
//
//	OPERATION ADDRESS [QUANTITY|VALUE[,VALUE...]]
//
// with tokens separated by whitespace or colons. Operations are matched
// case-insensitively: READ_COIL, READ_DISCRETE, READ_HOLDING and READ_INPUT
// read QUANTITY (default 1) points starting at ADDRESS and report them in the
// ParamValues parameter; WRITE_COIL, WRITE_REGISTER and WRITE_FLOAT write one
// or more comma-separated values to consecutive points starting at ADDRESS
// and report a ParamSucceeded/ParamAttempted tally; CONNECT and DISCONNECT
// manage the link itself, which makes them mostly useful with this
// synchronous form rather than with Send.
//
// Addresses, quantities and register values are decimal. Coil values accept
// true/false, on/off and integers, where zero is off and anything else is on.
// Float values occupy two consecutive registers each, laid out per the
// configured byte order.
//
// Malformed commands, unknown operations and quantities beyond the protocol
// limits are rejected before any transport exchange. A multi-value write
// parses every value up front, then writes value by value and stops at the
// first failure; the partial tally is returned on the response message
// alongside the error.
func (c *Connection) Dispatch(ctx context.Context, command string) (*link.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

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
	args := fields[1:]

	switch op {
	case OpConnect:
		if len(args) != 0 {
			return nil, fmt.Errorf("%w: %s takes no arguments", link.ErrProtocol, op)
		}
		if err := c.Open(ctx); err != nil {
			return nil, err
		}

		return newStateResponse(command, c.State()), nil

	case OpDisconnect:
		if len(args) != 0 {
			return nil, fmt.Errorf("%w: %s takes no arguments", link.ErrProtocol, op)
		}
		if err := c.Close(); err != nil {
			return nil, err
		}

		return newStateResponse(command, c.State()), nil

	case OpReadCoil, OpReadDiscrete, OpReadHolding, OpReadInput:
		return c.dispatchRead(op, command, args)

	case OpWriteCoil:
		return c.dispatchWriteCoils(ctx, command, args)

	case OpWriteRegister:
		return c.dispatchWriteRegisters(ctx, command, args)

	case OpWriteFloat:
		return c.dispatchWriteFloats(ctx, command, args)

	default:
		return nil, fmt.Errorf("%w: unknown operation %q", link.ErrProtocol, fields[0])
	}
}

func (c *Connection) dispatchRead(op, command string, args []string) (*link.Message, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("%w: %s needs an address", link.ErrProtocol, op)
	}

	address, err := parseAddress(args[0])
	if err != nil {
		return nil, err
	}

	quantity := uint16(1)
	if len(args) == 2 {
		if quantity, err = parseQuantity(args[1]); err != nil {
			return nil, err
		}
	}

	resp := link.NewMessage(link.ResponseMsg, command)

	switch op {
	case OpReadCoil, OpReadDiscrete:
		var bits []bool
		if op == OpReadCoil {
			bits, err = c.ReadCoils(address, quantity)
		} else {
			bits, err = c.ReadDiscreteInputs(address, quantity)
		}
		if err != nil {
			return nil, err
		}

		resp.SetParam(ParamValues, formatBits(bits))

	default:
		var words []uint16
		if op == OpReadHolding {
			words, err = c.ReadHoldingRegisters(address, quantity)
		} else {
			words, err = c.ReadInputRegisters(address, quantity)
		}
		if err != nil {
			return nil, err
		}

		resp.SetParam(ParamValues, formatWords(words))
	}

	return resp, nil
}

func (c *Connection) dispatchWriteCoils(ctx context.Context, command string, args []string) (*link.Message, error) {
	address, tokens, err := parseWriteArgs(OpWriteCoil, args)
	if err != nil {
		return nil, err
	}

	if len(tokens) > MaxBitQuantity {
		return nil, fmt.Errorf("%w: %d coil values exceed the limit of %d", link.ErrProtocol, len(tokens), MaxBitQuantity)
	}
	if err := checkAddressRange(address, uint16(len(tokens))); err != nil { //nolint:gosec
		return nil, err
	}

	values := make([]bool, len(tokens))
	for i, token := range tokens {
		if values[i], err = parseCoilValue(token); err != nil {
			return nil, err
		}
	}

	result := BatchResult{Attempted: len(values)}
	for i, v := range values {
		if err := batchStep(ctx); err != nil {
			return newWriteResponse(command, result), err
		}
		if err := c.WriteCoil(address+uint16(i), v); err != nil { //nolint:gosec
			return newWriteResponse(command, result), err
		}
		result.Succeeded++
	}

	return newWriteResponse(command, result), nil
}

func (c *Connection) dispatchWriteRegisters(ctx context.Context, command string, args []string) (*link.Message, error) {
	address, tokens, err := parseWriteArgs(OpWriteRegister, args)
	if err != nil {
		return nil, err
	}

	if len(tokens) > MaxRegisterWrite {
		return nil, fmt.Errorf("%w: %d register values exceed the limit of %d", link.ErrProtocol, len(tokens), MaxRegisterWrite)
	}
	if err := checkAddressRange(address, uint16(len(tokens))); err != nil { //nolint:gosec
		return nil, err
	}

	values := make([]uint16, len(tokens))
	for i, token := range tokens {
		if values[i], err = parseRegisterValue(token); err != nil {
			return nil, err
		}
	}

	result := BatchResult{Attempted: len(values)}
	for i, v := range values {
		if err := batchStep(ctx); err != nil {
			return newWriteResponse(command, result), err
		}
		if err := c.WriteRegister(address+uint16(i), v); err != nil { //nolint:gosec
			return newWriteResponse(command, result), err
		}
		result.Succeeded++
	}

	return newWriteResponse(command, result), nil
}

func (c *Connection) dispatchWriteFloats(ctx context.Context, command string, args []string) (*link.Message, error) {
	address, tokens, err := parseWriteArgs(OpWriteFloat, args)
	if err != nil {
		return nil, err
	}

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
		if values[i], err = parseFloatValue(token); err != nil {
			return nil, err
		}
	}

	result := BatchResult{Attempted: len(values)}
	for i, v := range values {
		if err := batchStep(ctx); err != nil {
			return newWriteResponse(command, result), err
		}
		if err := c.WriteFloat32(address+uint16(2*i), v); err != nil { //nolint:gosec
			return newWriteResponse(command, result), err
		}
		result.Succeeded++
	}

	return newWriteResponse(command, result), nil
}

func batchStep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func parseWriteArgs(op string, args []string) (uint16, []string, error) {
	if len(args) != 2 {
		return 0, nil, fmt.Errorf("%w: %s needs an address and at least one value", link.ErrProtocol, op)
	}

	address, err := parseAddress(args[0])
	if err != nil {
		return 0, nil, err
	}

	tokens := strings.Split(args[1], ",")
	for _, token := range tokens {
		if token == "" {
			return 0, nil, fmt.Errorf("%w: empty value in %q", link.ErrProtocol, args[1])
		}
	}

	return address, tokens, nil
}

func parseAddress(token string) (uint16, error) {
	v, err := strconv.ParseUint(token, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid address %q", link.ErrProtocol, token)
	}

	return uint16(v), nil
}

func parseQuantity(token string) (uint16, error) {
	v, err := strconv.ParseUint(token, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid quantity %q", link.ErrProtocol, token)
	}

	return uint16(v), nil
}

func parseRegisterValue(token string) (uint16, error) {
	v, err := strconv.ParseUint(token, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid register value %q", link.ErrProtocol, token)
	}

	return uint16(v), nil
}

// parseCoilValue accepts true/false, on/off and integers, where zero is off
// and any other integer is on.
func parseCoilValue(token string) (bool, error) {
	switch strings.ToLower(token) {
	case "true", "on":
		return true, nil
	case "false", "off":
		return false, nil
	}

	v, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: invalid coil value %q", link.ErrProtocol, token)
	}

	return v != 0, nil
}

func parseFloatValue(token string) (float32, error) {
	v, err := strconv.ParseFloat(token, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid float value %q", link.ErrProtocol, token)
	}

	return float32(v), nil
}

func newWriteResponse(command string, result BatchResult) *link.Message {
	return link.NewMessage(link.ResponseMsg, command).
		SetParam(ParamSucceeded, strconv.Itoa(result.Succeeded)).
		SetParam(ParamAttempted, strconv.Itoa(result.Attempted))
}

func newStateResponse(command string, state link.ConnState) *link.Message {
	return link.NewMessage(link.ResponseMsg, command).SetParam(ParamState, state.String())
}

func formatBits(bits []bool) string {
	var b strings.Builder
	for i, bit := range bits {
		if i > 0 {
			b.WriteByte(',')
		}
		if bit {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}

	return b.String()
}

func formatWords(words []uint16) string {
	var b strings.Builder
	for i, w := range words {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(w), 10))
	}

	return b.String()
}
