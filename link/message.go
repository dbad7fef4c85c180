package link

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// MsgKind classifies the role of a Message in the conversation with a device.
type MsgKind uint8

const (
	// CommandMsg is an outbound request asking the device to do something.
	CommandMsg MsgKind = iota
	// ResponseMsg answers a previously sent command.
	ResponseMsg
	// EventMsg is an unsolicited notification, e.g. a frame pushed by the device.
	EventMsg
	// HeartbeatMsg is a liveness probe generated by the heartbeat scheduler.
	HeartbeatMsg
)

// String returns the string representation of the message kind.
func (k MsgKind) String() string {
	switch k {
	case CommandMsg:
		return "command"
	case ResponseMsg:
		return "response"
	case EventMsg:
		return "event"
	case HeartbeatMsg:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// ParamRef is the parameter key that carries the ID of the request a
// response message answers.
const ParamRef = "ref"

// Message is the universal envelope for everything exchanged with a field device.
//
// A Message carries a globally unique ID, a kind, a free-text command,
// optional key/value parameters and an optional raw payload. The creation
// timestamp is assigned by the constructor.
//
// A Message must be treated as immutable once it has been handed to a
// connection. SetParam and SetRaw are only safe before that point.
type Message struct {
	id      string
	seq     uint64
	kind    MsgKind
	command string
	params  map[string]string
	raw     []byte
	ts      time.Time
}

// NewMessage creates a Message of the given kind with a generated unique ID
// and the current time as its timestamp.
func NewMessage(kind MsgKind, command string) *Message {
	return &Message{
		id:      uuid.NewString(),
		kind:    kind,
		command: command,
		ts:      time.Now(),
	}
}

// NewCommand creates a command Message.
func NewCommand(command string) *Message {
	return NewMessage(CommandMsg, command)
}

// NewEvent creates an event Message.
func NewEvent(command string) *Message {
	return NewMessage(EventMsg, command)
}

// NewHeartbeat creates a heartbeat probe Message.
func NewHeartbeat() *Message {
	return NewMessage(HeartbeatMsg, "heartbeat")
}

// NewResponse creates a response Message answering req.
// The response carries a ParamRef parameter holding the ID of the request.
func NewResponse(req *Message, command string) *Message {
	msg := NewMessage(ResponseMsg, command)
	if req != nil {
		msg.SetParam(ParamRef, req.ID())
	}

	return msg
}

// NewRawMessage creates a Message of the given kind that carries a raw
// payload in addition to its command text. It is mainly used by frame codecs
// when turning wire bytes into messages.
func NewRawMessage(kind MsgKind, command string, raw []byte) *Message {
	msg := NewMessage(kind, command)
	msg.raw = raw

	return msg
}

// ID returns the globally unique identifier of the message.
func (m *Message) ID() string { return m.id }

// Kind returns the kind of the message.
func (m *Message) Kind() MsgKind { return m.kind }

// Command returns the free-text command of the message.
func (m *Message) Command() string { return m.command }

// Timestamp returns the creation time of the message.
func (m *Message) Timestamp() time.Time { return m.ts }

// Seq returns the per-connection delivery sequence number assigned when the
// message was delivered by a connection. It is zero for messages that have
// not passed through a connection.
func (m *Message) Seq() uint64 { return m.seq }

// Raw returns the raw payload of the message. The returned slice is not a
// copy; the caller must not modify it.
func (m *Message) Raw() []byte { return m.raw }

// Param returns the value of the parameter with the given key.
func (m *Message) Param(key string) (string, bool) {
	v, ok := m.params[key]
	return v, ok
}

// Params returns a copy of all parameters of the message.
func (m *Message) Params() map[string]string {
	if m.params == nil {
		return nil
	}
	return maps.Clone(m.params)
}

// Ref returns the ID of the request this message answers, if any.
func (m *Message) Ref() (string, bool) {
	return m.Param(ParamRef)
}

// SetParam sets a parameter on the message and returns the message to allow
// chaining. It must not be called after the message has been handed to a
// connection.
func (m *Message) SetParam(key, value string) *Message {
	if m.params == nil {
		m.params = make(map[string]string, 4)
	}
	m.params[key] = value

	return m
}

// SetRaw sets the raw payload of the message and returns the message to allow
// chaining. It must not be called after the message has been handed to a
// connection.
func (m *Message) SetRaw(raw []byte) *Message {
	m.raw = raw
	return m
}

// String returns a short, human-readable description of the message.
func (m *Message) String() string {
	return fmt.Sprintf("%s %q id=%s", m.kind, m.command, m.id)
}

// setSeq stamps the delivery sequence number. It is called by the connection
// that delivers the message, before the message becomes visible to handlers.
func (m *Message) setSeq(seq uint64) {
	m.seq = seq
}
