package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg := NewMessage(CommandMsg, "READ_COIL 0 8")

	assert.Equal(t, CommandMsg, msg.Kind())
	assert.Equal(t, "READ_COIL 0 8", msg.Command())
	assert.NotEmpty(t, msg.ID())
	assert.WithinDuration(t, time.Now(), msg.Timestamp(), time.Second)
	assert.Zero(t, msg.Seq())
	assert.Nil(t, msg.Raw())

	// every message gets its own identifier
	other := NewMessage(CommandMsg, "READ_COIL 0 8")
	assert.NotEqual(t, msg.ID(), other.ID())
}

func TestMessageConstructors(t *testing.T) {
	t.Run("Command", func(t *testing.T) {
		msg := NewCommand("CONNECT")
		assert.Equal(t, CommandMsg, msg.Kind())
		assert.Equal(t, "CONNECT", msg.Command())
	})

	t.Run("Event", func(t *testing.T) {
		msg := NewEvent("door opened")
		assert.Equal(t, EventMsg, msg.Kind())
		assert.Equal(t, "door opened", msg.Command())
	})

	t.Run("Heartbeat", func(t *testing.T) {
		msg := NewHeartbeat()
		assert.Equal(t, HeartbeatMsg, msg.Kind())
		assert.Equal(t, "heartbeat", msg.Command())
	})

	t.Run("Response", func(t *testing.T) {
		req := NewCommand("READ_HOLDING 100 2")
		resp := NewResponse(req, "READ_HOLDING")

		assert.Equal(t, ResponseMsg, resp.Kind())
		assert.NotEqual(t, req.ID(), resp.ID())

		ref, ok := resp.Ref()
		require.True(t, ok)
		assert.Equal(t, req.ID(), ref)
	})

	t.Run("Raw", func(t *testing.T) {
		msg := NewRawMessage(ResponseMsg, "READ_HOLDING", []byte{0x01, 0x02})
		assert.Equal(t, []byte{0x01, 0x02}, msg.Raw())
	})
}

func TestMessageParams(t *testing.T) {
	msg := NewCommand("WRITE_FLOAT 20 3.14").
		SetParam("byteOrder", "ABCD").
		SetParam("unitID", "3")

	val, ok := msg.Param("byteOrder")
	require.True(t, ok)
	assert.Equal(t, "ABCD", val)

	_, ok = msg.Param("missing")
	assert.False(t, ok)

	// Params returns a copy, mutating it does not affect the message
	params := msg.Params()
	require.Len(t, params, 2)
	params["byteOrder"] = "DCBA"

	val, _ = msg.Param("byteOrder")
	assert.Equal(t, "ABCD", val)
}

func TestMessageRefWithoutResponse(t *testing.T) {
	msg := NewCommand("READ_INPUT 0 4")
	_, ok := msg.Ref()
	assert.False(t, ok)
}

func TestMessageSetRaw(t *testing.T) {
	msg := NewCommand("poll").SetRaw([]byte("raw bytes"))
	assert.Equal(t, []byte("raw bytes"), msg.Raw())
}

func TestMessageString(t *testing.T) {
	msg := NewCommand("CONNECT")
	str := msg.String()
	assert.Contains(t, str, "command")
	assert.Contains(t, str, `"CONNECT"`)
	assert.Contains(t, str, msg.ID())
}

func TestMsgKindString(t *testing.T) {
	assert.Equal(t, "command", CommandMsg.String())
	assert.Equal(t, "response", ResponseMsg.String())
	assert.Equal(t, "event", EventMsg.String())
	assert.Equal(t, "heartbeat", HeartbeatMsg.String())
	assert.Equal(t, "unknown", MsgKind(99).String())
}
