package modbuslink

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/arloliu/go-fieldlink/link"
)

// Modbus protocol quantity ceilings per address-space domain.
const (
	// MaxBitQuantity is the largest coil or discrete-input count one request
	// may read or write.
	MaxBitQuantity = 2000

	// MaxRegisterRead is the largest 16-bit register count one request may
	// read from the holding or input space.
	MaxRegisterRead = 125

	// MaxRegisterWrite is the largest 16-bit register count one multi-register
	// write may carry.
	MaxRegisterWrite = 123
)

// ByteOrder defines how the four bytes of a 32-bit value map onto two
// consecutive 16-bit Modbus registers. Naming follows the industry A-D
// convention where A is the most significant byte.
type ByteOrder int

const (
	// ABCD places the high word in the first register, bytes big-endian
	// within each register. This is the Modbus default.
	ABCD ByteOrder = iota

	// BADC keeps the word order of ABCD but swaps the two bytes inside each
	// register.
	BADC

	// CDAB places the low word in the first register, bytes big-endian within
	// each register. Often called "word-swapped".
	CDAB

	// DCBA reverses the byte sequence entirely, low byte first.
	DCBA
)

var byteOrderNames = map[ByteOrder]string{
	ABCD: "ABCD",
	BADC: "BADC",
	CDAB: "CDAB",
	DCBA: "DCBA",
}

// String returns the conventional name of the byte order.
func (o ByteOrder) String() string {
	if name, ok := byteOrderNames[o]; ok {
		return name
	}

	return fmt.Sprintf("ByteOrder(%d)", int(o))
}

// ParseByteOrder returns the byte order named by s (case-insensitive).
func ParseByteOrder(s string) (ByteOrder, error) {
	switch strings.ToUpper(s) {
	case "ABCD":
		return ABCD, nil
	case "BADC":
		return BADC, nil
	case "CDAB":
		return CDAB, nil
	case "DCBA":
		return DCBA, nil
	default:
		return ABCD, fmt.Errorf("%w: unknown byte order %q", link.ErrConfiguration, s)
	}
}

// EncodeFloat32 maps v onto two registers according to the byte order.
func (o ByteOrder) EncodeFloat32(v float32) [2]uint16 {
	bits := math.Float32bits(v)

	return o.permute(uint16(bits>>16), uint16(bits)) //nolint:gosec
}

// DecodeFloat32 rebuilds the float the two registers encode. It is the exact
// inverse of EncodeFloat32 for the same byte order.
func (o ByteOrder) DecodeFloat32(regs [2]uint16) float32 {
	// every byte-order permutation is its own inverse
	ordered := o.permute(regs[0], regs[1])

	return math.Float32frombits(uint32(ordered[0])<<16 | uint32(ordered[1]))
}

// permute applies the byte-order mapping to a (high word, low word) pair.
// All four mappings are involutions, so the same permutation serves encode
// and decode.
func (o ByteOrder) permute(hi, lo uint16) [2]uint16 {
	switch o {
	case BADC:
		return [2]uint16{swapBytes(hi), swapBytes(lo)}
	case CDAB:
		return [2]uint16{lo, hi}
	case DCBA:
		return [2]uint16{swapBytes(lo), swapBytes(hi)}
	case ABCD:
		fallthrough
	default:
		return [2]uint16{hi, lo}
	}
}

func swapBytes(v uint16) uint16 {
	return v<<8 | v>>8
}

// wordsToBytes renders registers as the big-endian byte pairs Modbus carries
// on the wire.
func wordsToBytes(words []uint16) []byte {
	out := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(out[i*2:], w)
	}

	return out
}

// bytesToWords parses big-endian wire bytes into registers. Odd trailing
// bytes are rejected by the caller's length check; here the slice length is
// trusted.
func bytesToWords(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[i*2:])
	}

	return out
}

// bitsToBytes packs bits LSB-first into the byte layout of the Modbus coil
// functions.
func bitsToBytes(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, bit := range bits {
		if bit {
			out[i/8] |= 1 << (i % 8)
		}
	}

	return out
}

// bytesToBits unpacks the first quantity bits of the Modbus coil byte layout.
func bytesToBits(data []byte, quantity int) []bool {
	out := make([]bool, quantity)
	for i := range out {
		if i/8 < len(data) {
			out[i] = data[i/8]>>(i%8)&1 == 1
		}
	}

	return out
}
