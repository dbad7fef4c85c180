package codec

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/arloliu/go-fieldlink/link"
)

// Format converts between a message and one frame payload. The framing layer
// owns the terminator bytes; a Format never sees them.
type Format interface {
	// Marshal renders the message into payload bytes. The returned slice may
	// alias the message's raw body.
	Marshal(msg *link.Message) ([]byte, error)

	// Unmarshal builds a message from one extracted frame. The payload is
	// only valid for the duration of the call; implementations copy what
	// they keep.
	Unmarshal(payload []byte) (*link.Message, error)
}

// ParseFormat returns the format registered under the given name. Recognized
// names are "text", "hex" and "raw" (case-insensitive).
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "text":
		return TextFormat{}, nil
	case "hex":
		return HexFormat{}, nil
	case "raw":
		return RawFormat{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown payload format %q", link.ErrConfiguration, name)
	}
}

// TextFormat treats the payload as a UTF-8 string. Outbound messages send
// their command text (or the raw body when set); inbound frames become event
// messages whose command is the frame text.
type TextFormat struct{}

func (TextFormat) Marshal(msg *link.Message) ([]byte, error) {
	if raw := msg.Raw(); raw != nil {
		return raw, nil
	}

	return []byte(msg.Command()), nil
}

func (TextFormat) Unmarshal(payload []byte) (*link.Message, error) {
	return link.NewEvent(string(payload)), nil
}

// HexFormat represents the payload as space or comma delimited hex pairs,
// e.g. "02 41 31 03". Outbound messages parse their command text into bytes;
// inbound frames become event messages carrying the bytes as the raw body
// and the rendered hex text as the command.
type HexFormat struct{}

func (HexFormat) Marshal(msg *link.Message) ([]byte, error) {
	if raw := msg.Raw(); raw != nil {
		return raw, nil
	}

	return parseHexPairs(msg.Command())
}

func (HexFormat) Unmarshal(payload []byte) (*link.Message, error) {
	msg := link.NewRawMessage(link.EventMsg, formatHexPairs(payload), bytes.Clone(payload))
	return msg, nil
}

// RawFormat passes the message's raw body through untouched. Inbound frames
// become event messages with the bytes as the raw body and an empty command.
type RawFormat struct{}

func (RawFormat) Marshal(msg *link.Message) ([]byte, error) {
	if raw := msg.Raw(); raw != nil {
		return raw, nil
	}

	return []byte(msg.Command()), nil
}

func (RawFormat) Unmarshal(payload []byte) (*link.Message, error) {
	return link.NewRawMessage(link.EventMsg, "", bytes.Clone(payload)), nil
}

// parseHexPairs converts text like "02 4A,FF 0x10" into bytes. Pairs are
// separated by spaces, commas or tabs; an optional 0x prefix per pair is
// accepted.
func parseHexPairs(s string) ([]byte, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t'
	})

	out := make([]byte, 0, len(fields))
	for _, field := range fields {
		tok := strings.TrimPrefix(strings.TrimPrefix(field, "0x"), "0X")
		v, err := strconv.ParseUint(tok, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid hex byte %q", link.ErrProtocol, field)
		}
		out = append(out, byte(v))
	}

	return out, nil
}

// formatHexPairs renders bytes as upper-case space separated hex pairs.
func formatHexPairs(data []byte) string {
	const digits = "0123456789ABCDEF"

	var sb strings.Builder
	sb.Grow(len(data) * 3)
	for i, v := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte(digits[v>>4])
		sb.WriteByte(digits[v&0x0F])
	}

	return sb.String()
}
