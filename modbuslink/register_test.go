package modbuslink

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-fieldlink/link"
)

func TestByteOrder_EncodeFloat32(t *testing.T) {
	require := require.New(t)

	// 3.14 is 0x4048F5C3 as an IEEE 754 single
	testCases := []struct {
		order ByteOrder
		regs  [2]uint16
	}{
		{ABCD, [2]uint16{0x4048, 0xF5C3}},
		{BADC, [2]uint16{0x4840, 0xC3F5}},
		{CDAB, [2]uint16{0xF5C3, 0x4048}},
		{DCBA, [2]uint16{0xC3F5, 0x4840}},
	}

	for _, tc := range testCases {
		t.Run(tc.order.String(), func(_ *testing.T) {
			require.Equal(tc.regs, tc.order.EncodeFloat32(3.14))
			require.InDelta(3.14, tc.order.DecodeFloat32(tc.regs), 1e-6)
		})
	}
}

func TestByteOrder_Float32RoundTrip(t *testing.T) {
	require := require.New(t)

	values := []float32{0, 1, -1, 3.14, -273.15, 0.000123, 6.02e23, 1.17549435e-38}
	orders := []ByteOrder{ABCD, BADC, CDAB, DCBA}

	for _, order := range orders {
		t.Run(order.String(), func(_ *testing.T) {
			for _, v := range values {
				require.Equal(v, order.DecodeFloat32(order.EncodeFloat32(v)), "value %v", v)
			}
		})
	}
}

func TestParseByteOrder(t *testing.T) {
	require := require.New(t)

	t.Run("Known Orders", func(_ *testing.T) {
		for _, name := range []string{"ABCD", "BADC", "CDAB", "DCBA"} {
			order, err := ParseByteOrder(name)
			require.NoError(err)
			require.Equal(name, order.String())
		}
	})

	t.Run("Case Insensitive", func(_ *testing.T) {
		order, err := ParseByteOrder("cdab")
		require.NoError(err)
		require.Equal(CDAB, order)
	})

	t.Run("Unknown Order", func(_ *testing.T) {
		_, err := ParseByteOrder("ACBD")
		require.Error(err)
		require.ErrorIs(err, link.ErrConfiguration)
	})
}

func TestWordPacking(t *testing.T) {
	require := require.New(t)

	words := []uint16{0x4048, 0xF5C3, 0x0001}
	data := wordsToBytes(words)

	require.Equal([]byte{0x40, 0x48, 0xF5, 0xC3, 0x00, 0x01}, data)
	require.Equal(words, bytesToWords(data))
}

func TestBitPacking(t *testing.T) {
	require := require.New(t)

	bits := []bool{true, false, true, true, false, false, true, true, true, false}
	data := bitsToBytes(bits)

	// least significant bit first within each byte
	require.Equal([]byte{0xCD, 0x01}, data)
	require.Equal(bits, bytesToBits(data, 10))
}
