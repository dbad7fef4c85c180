// Package codec turns outbound messages into wire bytes and inbound wire
// bytes into messages.
//
// A Codec pairs a framing strategy with a payload Format. Two framing
// strategies are provided:
//
//   - Terminator: frames are delimited by a terminator byte sequence in a
//     continuous stream (TCP, serial). Partial frames are buffered across
//     reads, so a frame split over any number of reads is reassembled
//     exactly once.
//   - Packet: each read is one complete frame (UDP datagrams, binary serial
//     protocols with no in-band delimiter).
//
// Three payload formats are provided: TextFormat for UTF-8 line protocols,
// HexFormat for delimited hex-pair notation, and RawFormat for opaque bytes.
package codec

import (
	"github.com/arloliu/go-fieldlink/link"
)

// Common frame terminators.
var (
	CRLF = []byte("\r\n")
	CR   = []byte("\r")
	LF   = []byte("\n")
)

// Codec converts between messages and transport bytes.
type Codec interface {
	// Encode renders msg into the bytes handed to the transport.
	Encode(msg *link.Message) ([]byte, error)

	// Decode consumes one chunk of transport bytes and returns the complete
	// messages extracted from it, in stream order. A chunk may yield zero,
	// one or many messages. Implementations that buffer partial frames
	// retain the trailing incomplete frame for later calls.
	//
	// Decode may return extracted messages together with an error when the
	// chunk contains both complete frames and malformed data.
	Decode(data []byte) ([]*link.Message, error)

	// Reset drops any partially accumulated frame. Called on reconnect so a
	// stale partial frame never bleeds into the next connection cycle.
	Reset()
}
