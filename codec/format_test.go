package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-fieldlink/link"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name string
		want Format
	}{
		{name: "text", want: TextFormat{}},
		{name: "Text", want: TextFormat{}},
		{name: "hex", want: HexFormat{}},
		{name: "HEX", want: HexFormat{}},
		{name: "raw", want: RawFormat{}},
	}

	for _, test := range tests {
		format, err := ParseFormat(test.name)
		require.NoError(t, err)
		assert.Equal(t, test.want, format)
	}

	_, err := ParseFormat("json")
	require.ErrorIs(t, err, link.ErrConfiguration)
}

func TestTextFormat(t *testing.T) {
	format := TextFormat{}

	t.Run("Marshal Command", func(t *testing.T) {
		data, err := format.Marshal(link.NewCommand("MEAS:VOLT?"))
		require.NoError(t, err)
		assert.Equal(t, []byte("MEAS:VOLT?"), data)
	})

	t.Run("Marshal Raw Body Wins", func(t *testing.T) {
		msg := link.NewCommand("ignored").SetRaw([]byte("body"))
		data, err := format.Marshal(msg)
		require.NoError(t, err)
		assert.Equal(t, []byte("body"), data)
	})

	t.Run("Unmarshal", func(t *testing.T) {
		msg, err := format.Unmarshal([]byte("+3.3E+00"))
		require.NoError(t, err)
		assert.Equal(t, link.EventMsg, msg.Kind())
		assert.Equal(t, "+3.3E+00", msg.Command())
	})

	t.Run("Unmarshal Copies", func(t *testing.T) {
		payload := []byte("volatile")
		msg, err := format.Unmarshal(payload)
		require.NoError(t, err)

		payload[0] = 'X'
		assert.Equal(t, "volatile", msg.Command())
	})
}

func TestHexFormat(t *testing.T) {
	format := HexFormat{}

	t.Run("Marshal", func(t *testing.T) {
		data, err := format.Marshal(link.NewCommand("02 41 31 03"))
		require.NoError(t, err)
		assert.Equal(t, []byte{0x02, 0x41, 0x31, 0x03}, data)
	})

	t.Run("Marshal Mixed Delimiters", func(t *testing.T) {
		data, err := format.Marshal(link.NewCommand("02,4A\tff 0x10"))
		require.NoError(t, err)
		assert.Equal(t, []byte{0x02, 0x4A, 0xFF, 0x10}, data)
	})

	t.Run("Marshal Single Digit", func(t *testing.T) {
		data, err := format.Marshal(link.NewCommand("A 5"))
		require.NoError(t, err)
		assert.Equal(t, []byte{0x0A, 0x05}, data)
	})

	t.Run("Marshal Invalid", func(t *testing.T) {
		_, err := format.Marshal(link.NewCommand("02 GG"))
		require.ErrorIs(t, err, link.ErrProtocol)

		// value wider than one byte
		_, err = format.Marshal(link.NewCommand("1FF"))
		require.ErrorIs(t, err, link.ErrProtocol)
	})

	t.Run("Marshal Raw Body Wins", func(t *testing.T) {
		msg := link.NewCommand("02 03").SetRaw([]byte{0xAA, 0xBB})
		data, err := format.Marshal(msg)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xAA, 0xBB}, data)
	})

	t.Run("Unmarshal", func(t *testing.T) {
		msg, err := format.Unmarshal([]byte{0x02, 0x41, 0x31, 0x03})
		require.NoError(t, err)
		assert.Equal(t, link.EventMsg, msg.Kind())
		assert.Equal(t, "02 41 31 03", msg.Command())
		assert.Equal(t, []byte{0x02, 0x41, 0x31, 0x03}, msg.Raw())
	})

	t.Run("Round Trip", func(t *testing.T) {
		msg, err := format.Unmarshal([]byte{0xDE, 0xAD, 0xBE, 0xEF})
		require.NoError(t, err)

		data, err := format.Marshal(link.NewCommand(msg.Command()))
		require.NoError(t, err)
		assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, data)
	})
}

func TestRawFormat(t *testing.T) {
	format := RawFormat{}

	t.Run("Marshal Raw", func(t *testing.T) {
		msg := link.NewCommand("").SetRaw([]byte{0x00, 0x01, 0xFE})
		data, err := format.Marshal(msg)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x00, 0x01, 0xFE}, data)
	})

	t.Run("Marshal Falls Back To Command", func(t *testing.T) {
		data, err := format.Marshal(link.NewCommand("fallback"))
		require.NoError(t, err)
		assert.Equal(t, []byte("fallback"), data)
	})

	t.Run("Unmarshal", func(t *testing.T) {
		payload := []byte{0x10, 0x20}
		msg, err := format.Unmarshal(payload)
		require.NoError(t, err)
		assert.Equal(t, link.EventMsg, msg.Kind())
		assert.Empty(t, msg.Command())
		assert.Equal(t, []byte{0x10, 0x20}, msg.Raw())

		// the message owns its bytes
		payload[0] = 0xFF
		assert.Equal(t, []byte{0x10, 0x20}, msg.Raw())
	})
}
