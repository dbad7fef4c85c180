package adslink

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/arloliu/go-fieldlink/link"
)

// Dispatcher operations.
const (
	OpReadBool   = "READ_BOOL"
	OpReadInt    = "READ_INT"
	OpReadDInt   = "READ_DINT"
	OpReadReal   = "READ_REAL"
	OpReadLReal  = "READ_LREAL"
	OpReadRaw    = "READ_RAW"
	OpWriteBool  = "WRITE_BOOL"
	OpWriteInt   = "WRITE_INT"
	OpWriteDInt  = "WRITE_DINT"
	OpWriteReal  = "WRITE_REAL"
	OpWriteLReal = "WRITE_LREAL"
	OpWriteRaw   = "WRITE_RAW"
	OpConnect    = "CONNECT"
	OpDisconnect = "DISCONNECT"
)

// Response parameter keys set by the dispatcher.
const (
	// ParamError carries the failure text on responses to queued commands.
	ParamError = "error"
	// ParamValue carries the formatted result of a read operation.
	ParamValue = "value"
	// ParamState carries the connection state after CONNECT and DISCONNECT.
	ParamState = "state"
)

// Dispatch parses and executes one text command against the target and
// returns the outcome as a response message.
//
// The command grammar is
//
//	OPERATION SYMBOL [VALUE]
//
// with tokens separated by whitespace. Operations are matched
// case-insensitively and name the IEC type of the symbol: READ_BOOL,
// READ_INT, READ_DINT, READ_REAL and READ_LREAL read one symbol and report
// it in the ParamValue parameter; the matching WRITE_ operations write the
// given value. READ_RAW reports the symbol's bytes as a hex string and
// WRITE_RAW writes hex-encoded bytes, whose length must match the symbol's
// declared size. CONNECT and DISCONNECT manage the link itself, which makes
// them mostly useful with this synchronous form rather than with Send.
//
// Symbols are the full PLC path, e.g. MAIN.counter or GVL.Pump.Running, and
// pass through unparsed. BOOL values accept true/false, on/off and integers,
// where zero is off and anything else is on; reads report 0 or 1. INT and
// DINT values are signed decimal. REAL and LREAL values use Go float syntax.
//
// Malformed commands and unknown operations are rejected before any
// transport exchange.
func (c *Connection) Dispatch(ctx context.Context, command string) (*link.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// symbols carry dots, so tokens split on whitespace only
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

	case OpReadBool, OpReadInt, OpReadDInt, OpReadReal, OpReadLReal, OpReadRaw:
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: %s takes one symbol", link.ErrProtocol, op)
		}

		return c.dispatchRead(ctx, op, command, args[0])

	case OpWriteBool, OpWriteInt, OpWriteDInt, OpWriteReal, OpWriteLReal, OpWriteRaw:
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: %s takes a symbol and one value", link.ErrProtocol, op)
		}

		return c.dispatchWrite(ctx, op, command, args[0], args[1])

	default:
		return nil, fmt.Errorf("%w: unknown operation %q", link.ErrProtocol, fields[0])
	}
}

func (c *Connection) dispatchRead(ctx context.Context, op, command, symbol string) (*link.Message, error) {
	var value string

	switch op {
	case OpReadBool:
		v, err := c.ReadBool(ctx, symbol)
		if err != nil {
			return nil, err
		}
		value = formatBool(v)

	case OpReadInt:
		v, err := c.ReadInt16(ctx, symbol)
		if err != nil {
			return nil, err
		}
		value = strconv.FormatInt(int64(v), 10)

	case OpReadDInt:
		v, err := c.ReadInt32(ctx, symbol)
		if err != nil {
			return nil, err
		}
		value = strconv.FormatInt(int64(v), 10)

	case OpReadReal:
		v, err := c.ReadFloat32(ctx, symbol)
		if err != nil {
			return nil, err
		}
		value = strconv.FormatFloat(float64(v), 'g', -1, 32)

	case OpReadLReal:
		v, err := c.ReadFloat64(ctx, symbol)
		if err != nil {
			return nil, err
		}
		value = strconv.FormatFloat(v, 'g', -1, 64)

	case OpReadRaw:
		data, err := c.ReadRaw(ctx, symbol)
		if err != nil {
			return nil, err
		}
		value = hex.EncodeToString(data)
	}

	return link.NewMessage(link.ResponseMsg, command).SetParam(ParamValue, value), nil
}

func (c *Connection) dispatchWrite(ctx context.Context, op, command, symbol, token string) (*link.Message, error) {
	var err error

	switch op {
	case OpWriteBool:
		var v bool
		if v, err = parseBoolValue(token); err == nil {
			err = c.WriteBool(ctx, symbol, v)
		}

	case OpWriteInt:
		var v int64
		if v, err = parseIntValue(token, 16); err == nil {
			err = c.WriteInt16(ctx, symbol, int16(v))
		}

	case OpWriteDInt:
		var v int64
		if v, err = parseIntValue(token, 32); err == nil {
			err = c.WriteInt32(ctx, symbol, int32(v))
		}

	case OpWriteReal:
		var v float64
		if v, err = parseFloatValue(token, 32); err == nil {
			err = c.WriteFloat32(ctx, symbol, float32(v))
		}

	case OpWriteLReal:
		var v float64
		if v, err = parseFloatValue(token, 64); err == nil {
			err = c.WriteFloat64(ctx, symbol, v)
		}

	case OpWriteRaw:
		var data []byte
		if data, err = hex.DecodeString(token); err != nil {
			err = fmt.Errorf("%w: invalid hex value %q", link.ErrProtocol, token)
		} else {
			err = c.WriteRaw(ctx, symbol, data)
		}
	}

	if err != nil {
		return nil, err
	}

	return link.NewMessage(link.ResponseMsg, command), nil
}

func parseIntValue(token string, bits int) (int64, error) {
	v, err := strconv.ParseInt(token, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid value %q", link.ErrProtocol, token)
	}

	return v, nil
}

// parseBoolValue accepts true/false, on/off and integers, where zero is off
// and any other integer is on.
func parseBoolValue(token string) (bool, error) {
	switch strings.ToLower(token) {
	case "true", "on":
		return true, nil
	case "false", "off":
		return false, nil
	}

	v, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: invalid bool value %q", link.ErrProtocol, token)
	}

	return v != 0, nil
}

func parseFloatValue(token string, bits int) (float64, error) {
	v, err := strconv.ParseFloat(token, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid float value %q", link.ErrProtocol, token)
	}

	return v, nil
}

func newStateResponse(command string, state link.ConnState) *link.Message {
	return link.NewMessage(link.ResponseMsg, command).SetParam(ParamState, state.String())
}

func formatBool(v bool) string {
	if v {
		return "1"
	}

	return "0"
}
