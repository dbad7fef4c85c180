package codec

import (
	"bytes"
	"fmt"

	"github.com/arloliu/go-fieldlink/link"
)

// maxPartialFrame bounds the bytes a Terminator buffers while waiting for a
// terminator. A peer streaming past this limit without ever terminating a
// frame is misbehaving; the partial is dropped and reported.
const maxPartialFrame = 1 << 20

// Terminator frames messages with a terminator byte sequence. Outbound
// payloads get the terminator appended when not already present; inbound
// bytes are accumulated and cut at every terminator occurrence, with the
// trailing partial frame retained across calls. Empty frames, produced by
// back-to-back terminators, are dropped.
type Terminator struct {
	sep    []byte
	format Format
	buf    *FrameBuffer
}

// NewTerminator creates a terminator-framed codec. sep must be non-empty and
// format non-nil.
func NewTerminator(sep []byte, format Format) (*Terminator, error) {
	if len(sep) == 0 {
		return nil, fmt.Errorf("%w: empty frame terminator", link.ErrConfiguration)
	}
	if format == nil {
		return nil, fmt.Errorf("%w: nil payload format", link.ErrConfiguration)
	}

	return &Terminator{
		sep:    bytes.Clone(sep),
		format: format,
		buf:    NewFrameBuffer(),
	}, nil
}

func (t *Terminator) Encode(msg *link.Message) ([]byte, error) {
	payload, err := t.format.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if bytes.HasSuffix(payload, t.sep) {
		return payload, nil
	}

	out := make([]byte, 0, len(payload)+len(t.sep))
	out = append(out, payload...)
	out = append(out, t.sep...)

	return out, nil
}

func (t *Terminator) Decode(data []byte) ([]*link.Message, error) {
	t.buf.Append(data)

	var msgs []*link.Message
	for _, frame := range t.buf.Extract(t.sep) {
		if len(frame) == 0 {
			continue
		}

		msg, err := t.format.Unmarshal(frame)
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}

	if pending := t.buf.Len(); pending > maxPartialFrame {
		t.buf.Reset()
		return msgs, fmt.Errorf("%w: partial frame exceeds %d bytes, dropped", link.ErrProtocol, maxPartialFrame)
	}

	return msgs, nil
}

func (t *Terminator) Reset() {
	t.buf.Reset()
}
