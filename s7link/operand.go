package s7link

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/arloliu/go-fieldlink/link"
)

type operandKind byte

const (
	operandBit operandKind = iota
	operandByte
	operandWord
	operandDWord
)

// size returns the element width in bytes. Bits resolve to whole bytes
// separately.
func (k operandKind) size() int {
	switch k {
	case operandWord:
		return 2
	case operandDWord:
		return 4
	default:
		return 1
	}
}

type opArea byte

const (
	areaDB opArea = iota
	areaMerker
)

// operand is one parsed absolute address in S7 notation.
type operand struct {
	area   opArea
	db     int
	kind   operandKind
	offset int
	bit    uint8
}

// parseOperand parses absolute S7 operand notation, case-insensitively:
//
//	DB<n>.DBX<byte>.<bit>  data block bit
//	DB<n>.DBB<byte>        data block byte
//	DB<n>.DBW<byte>        data block word
//	DB<n>.DBD<byte>        data block double word
//	M<byte>.<bit>          flag bit
//	MB<byte>               flag byte
//	MW<byte>               flag word
//	MD<byte>               flag double word
func parseOperand(token string) (operand, error) {
	parts := strings.Split(strings.ToUpper(token), ".")

	switch {
	case len(parts[0]) > 2 && parts[0][0] == 'D' && parts[0][1] == 'B':
		return parseDBOperand(token, parts)
	case len(parts[0]) > 1 && parts[0][0] == 'M':
		return parseMerkerOperand(token, parts)
	default:
		return operand{}, fmt.Errorf("%w: invalid operand %q", link.ErrProtocol, token)
	}
}

func parseDBOperand(token string, parts []string) (operand, error) {
	db, ok := parseOperandNumber(parts[0][2:])
	if !ok || db < 1 {
		return operand{}, fmt.Errorf("%w: invalid data block number in %q", link.ErrProtocol, token)
	}

	if len(parts) < 2 || len(parts[1]) < 4 || parts[1][0] != 'D' || parts[1][1] != 'B' {
		return operand{}, fmt.Errorf("%w: invalid operand %q", link.ErrProtocol, token)
	}

	kind, ok := kindOf(parts[1][2])
	if !ok {
		return operand{}, fmt.Errorf("%w: invalid operand %q", link.ErrProtocol, token)
	}

	offset, ok := parseOperandNumber(parts[1][3:])
	if !ok {
		return operand{}, fmt.Errorf("%w: invalid byte offset in %q", link.ErrProtocol, token)
	}

	opr := operand{area: areaDB, db: db, kind: kind, offset: offset}

	if kind == operandBit {
		if len(parts) != 3 {
			return operand{}, fmt.Errorf("%w: bit operand %q needs a bit index", link.ErrProtocol, token)
		}

		bit, ok := parseBitIndex(parts[2])
		if !ok {
			return operand{}, fmt.Errorf("%w: invalid bit index in %q", link.ErrProtocol, token)
		}
		opr.bit = bit

		return opr, nil
	}

	if len(parts) != 2 {
		return operand{}, fmt.Errorf("%w: invalid operand %q", link.ErrProtocol, token)
	}

	return opr, nil
}

func parseMerkerOperand(token string, parts []string) (operand, error) {
	head := parts[0]

	// M<byte>.<bit> has a digit right after the area letter
	if head[1] >= '0' && head[1] <= '9' {
		offset, ok := parseOperandNumber(head[1:])
		if !ok {
			return operand{}, fmt.Errorf("%w: invalid byte offset in %q", link.ErrProtocol, token)
		}

		if len(parts) != 2 {
			return operand{}, fmt.Errorf("%w: bit operand %q needs a bit index", link.ErrProtocol, token)
		}

		bit, ok := parseBitIndex(parts[1])
		if !ok {
			return operand{}, fmt.Errorf("%w: invalid bit index in %q", link.ErrProtocol, token)
		}

		return operand{area: areaMerker, kind: operandBit, offset: offset, bit: bit}, nil
	}

	kind, ok := kindOf(head[1])
	if !ok || kind == operandBit || len(parts) != 1 {
		return operand{}, fmt.Errorf("%w: invalid operand %q", link.ErrProtocol, token)
	}

	offset, ok := parseOperandNumber(head[2:])
	if !ok {
		return operand{}, fmt.Errorf("%w: invalid byte offset in %q", link.ErrProtocol, token)
	}

	return operand{area: areaMerker, kind: kind, offset: offset}, nil
}

func kindOf(c byte) (operandKind, bool) {
	switch c {
	case 'X':
		return operandBit, true
	case 'B':
		return operandByte, true
	case 'W':
		return operandWord, true
	case 'D':
		return operandDWord, true
	default:
		return 0, false
	}
}

func parseOperandNumber(s string) (int, bool) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, false
	}

	return int(v), true
}

func parseBitIndex(s string) (uint8, bool) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil || v > 7 {
		return 0, false
	}

	return uint8(v), true
}
