package s7link

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/arloliu/go-fieldlink/link"
)

// Dispatcher operations.
const (
	OpRead       = "READ"
	OpReadFloat  = "READ_FLOAT"
	OpWrite      = "WRITE"
	OpWriteFloat = "WRITE_FLOAT"
	OpConnect    = "CONNECT"
	OpDisconnect = "DISCONNECT"
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
// the number of requested writes, Succeeded the number that reached the PLC
// before the first failure.
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

// Dispatch parses and executes one text command against the PLC and returns
// the outcome as a response message.
//
// The command grammar is
//
//	OPERATION OPERAND [QUANTITY|VALUE[,VALUE...]]
//
// with tokens separated by whitespace. Operations are matched
// case-insensitively: READ and READ_FLOAT read QUANTITY (default 1)
// consecutive elements of the operand's width in one exchange and report
// them in the ParamValues parameter; WRITE and WRITE_FLOAT write one or more
// comma-separated values to consecutive elements and report a
// ParamSucceeded/ParamAttempted tally; CONNECT and DISCONNECT manage the
// link itself, which makes them mostly useful with this synchronous form
// rather than with Send.
//
// Operands use absolute S7 notation: DB5.DBX2.0, DB5.DBB1, DB5.DBW10 and
// DB5.DBD12 address a data block bit, byte, word and double word; M2.0, MB1,
// MW10 and MD12 address the flag area. READ_FLOAT and WRITE_FLOAT require a
// double word operand and interpret it as a REAL.
//
// Byte, word and double word values are decimal and unsigned. Bit values
// accept true/false, on/off and integers, where zero is off and anything
// else is on. Consecutive bits advance across byte boundaries, so two values
// written to DB1.DBX0.7 land in bits 0.7 and 1.0.
//
// Malformed commands, unknown operations and ranges that would run past the
// end of the area are rejected before any transport exchange. A multi-value
// write parses every value up front, then writes element by element and
// stops at the first failure; the partial tally is returned on the response
// message alongside the error.
func (c *Connection) Dispatch(ctx context.Context, command string) (*link.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// operands carry dots, so tokens split on whitespace only
	fields := strings.Fields(command)
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

	case OpRead, OpReadFloat:
		return c.dispatchRead(op, command, args)

	case OpWrite, OpWriteFloat:
		return c.dispatchWrite(ctx, op, command, args)

	default:
		return nil, fmt.Errorf("%w: unknown operation %q", link.ErrProtocol, fields[0])
	}
}

func (c *Connection) dispatchRead(op, command string, args []string) (*link.Message, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("%w: %s needs an operand", link.ErrProtocol, op)
	}

	opr, err := parseOperand(args[0])
	if err != nil {
		return nil, err
	}

	if op == OpReadFloat && opr.kind != operandDWord {
		return nil, fmt.Errorf("%w: %s needs a double word operand, got %q", link.ErrProtocol, op, args[0])
	}

	quantity := 1
	if len(args) == 2 {
		if quantity, err = parseQuantity(args[1]); err != nil {
			return nil, err
		}
	}

	resp := link.NewMessage(link.ResponseMsg, command)

	if opr.kind == operandBit {
		bits, err := c.readBitRun(opr, quantity)
		if err != nil {
			return nil, err
		}

		resp.SetParam(ParamValues, formatBits(bits))

		return resp, nil
	}

	buf, err := c.readAreaBytes(opr, opr.kind.size()*quantity)
	if err != nil {
		return nil, err
	}

	resp.SetParam(ParamValues, formatScalars(op, opr.kind, buf))

	return resp, nil
}

func (c *Connection) dispatchWrite(ctx context.Context, op, command string, args []string) (*link.Message, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: %s needs an operand and at least one value", link.ErrProtocol, op)
	}

	opr, err := parseOperand(args[0])
	if err != nil {
		return nil, err
	}

	if op == OpWriteFloat && opr.kind != operandDWord {
		return nil, fmt.Errorf("%w: %s needs a double word operand, got %q", link.ErrProtocol, op, args[0])
	}

	tokens := strings.Split(args[1], ",")
	for _, token := range tokens {
		if token == "" {
			return nil, fmt.Errorf("%w: empty value in %q", link.ErrProtocol, args[1])
		}
	}

	steps, err := c.writeSteps(op, opr, tokens)
	if err != nil {
		return nil, err
	}

	result := BatchResult{Attempted: len(steps)}
	for _, step := range steps {
		if err := batchStep(ctx); err != nil {
			return newWriteResponse(command, result), err
		}
		if err := step(); err != nil {
			return newWriteResponse(command, result), err
		}
		result.Succeeded++
	}

	return newWriteResponse(command, result), nil
}

// writeSteps parses every value token and binds it to its element address,
// so a multi-value write fails on malformed input before touching the wire.
func (c *Connection) writeSteps(op string, opr operand, tokens []string) ([]func() error, error) {
	steps := make([]func() error, len(tokens))

	for i, token := range tokens {
		switch {
		case op == OpWriteFloat:
			v, err := parseFloatValue(token)
			if err != nil {
				return nil, err
			}
			offset := opr.offset + 4*i
			if opr.area == areaDB {
				steps[i] = func() error { return c.WriteDBFloat32(opr.db, offset, v) }
			} else {
				steps[i] = func() error { return c.WriteMerkerFloat32(offset, v) }
			}

		case opr.kind == operandBit:
			v, err := parseBitValue(token)
			if err != nil {
				return nil, err
			}
			abs := opr.offset*8 + int(opr.bit) + i
			offset, bit := abs/8, uint8(abs%8) //nolint:gosec // bounded by the modulo
			if opr.area == areaDB {
				steps[i] = func() error { return c.WriteDBBit(opr.db, offset, bit, v) }
			} else {
				steps[i] = func() error { return c.WriteMerkerBit(offset, bit, v) }
			}

		case opr.kind == operandByte:
			v, err := parseUintValue(token, 8)
			if err != nil {
				return nil, err
			}
			offset := opr.offset + i
			if opr.area == areaDB {
				steps[i] = func() error { return c.WriteDBByte(opr.db, offset, byte(v)) }
			} else {
				steps[i] = func() error { return c.WriteMerkerByte(offset, byte(v)) }
			}

		case opr.kind == operandWord:
			v, err := parseUintValue(token, 16)
			if err != nil {
				return nil, err
			}
			offset := opr.offset + 2*i
			if opr.area == areaDB {
				steps[i] = func() error { return c.WriteDBWord(opr.db, offset, uint16(v)) }
			} else {
				steps[i] = func() error { return c.WriteMerkerWord(offset, uint16(v)) }
			}

		default:
			v, err := parseUintValue(token, 32)
			if err != nil {
				return nil, err
			}
			offset := opr.offset + 4*i
			if opr.area == areaDB {
				steps[i] = func() error { return c.WriteDBDWord(opr.db, offset, uint32(v)) }
			} else {
				steps[i] = func() error { return c.WriteMerkerDWord(offset, uint32(v)) }
			}
		}
	}

	return steps, nil
}

// readBitRun reads quantity consecutive bits in one exchange, advancing
// across byte boundaries.
func (c *Connection) readBitRun(opr operand, quantity int) ([]bool, error) {
	first := int(opr.bit)
	size := (first + quantity + 7) / 8

	buf, err := c.readAreaBytes(opr, size)
	if err != nil {
		return nil, err
	}

	bits := make([]bool, quantity)
	for i := range bits {
		idx := first + i
		bits[i] = buf[idx/8]&(1<<(idx%8)) != 0
	}

	return bits, nil
}

func (c *Connection) readAreaBytes(opr operand, size int) ([]byte, error) {
	if opr.area == areaDB {
		return c.readDB(opr.db, opr.offset, size)
	}

	return c.readMerker(opr.offset, size)
}

func batchStep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func parseQuantity(token string) (int, error) {
	v, err := strconv.ParseUint(token, 10, 16)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%w: invalid quantity %q", link.ErrProtocol, token)
	}

	return int(v), nil
}

func parseUintValue(token string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(token, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid value %q", link.ErrProtocol, token)
	}

	return v, nil
}

// parseBitValue accepts true/false, on/off and integers, where zero is off
// and any other integer is on.
func parseBitValue(token string) (bool, error) {
	switch strings.ToLower(token) {
	case "true", "on":
		return true, nil
	case "false", "off":
		return false, nil
	}

	v, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: invalid bit value %q", link.ErrProtocol, token)
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

func formatScalars(op string, kind operandKind, buf []byte) string {
	size := kind.size()

	var b strings.Builder
	for i := 0; i*size < len(buf); i++ {
		if i > 0 {
			b.WriteByte(',')
		}

		chunk := buf[i*size:]
		switch {
		case op == OpReadFloat:
			f := math.Float32frombits(unpackDWord(chunk))
			b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
		case kind == operandByte:
			b.WriteString(strconv.FormatUint(uint64(chunk[0]), 10))
		case kind == operandWord:
			b.WriteString(strconv.FormatUint(uint64(unpackWord(chunk)), 10))
		default:
			b.WriteString(strconv.FormatUint(uint64(unpackDWord(chunk)), 10))
		}
	}

	return b.String()
}
