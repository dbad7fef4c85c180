package codec

import (
	"fmt"

	"github.com/arloliu/go-fieldlink/link"
)

// Packet frames one read as one message: no delimiter, no cross-call
// buffering. Suited to datagram transports and binary serial protocols where
// the transport preserves frame boundaries.
type Packet struct {
	format Format
}

// NewPacket creates a packet-framed codec. format must be non-nil.
func NewPacket(format Format) (*Packet, error) {
	if format == nil {
		return nil, fmt.Errorf("%w: nil payload format", link.ErrConfiguration)
	}

	return &Packet{format: format}, nil
}

func (p *Packet) Encode(msg *link.Message) ([]byte, error) {
	return p.format.Marshal(msg)
}

func (p *Packet) Decode(data []byte) ([]*link.Message, error) {
	if len(data) == 0 {
		return nil, nil
	}

	msg, err := p.format.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	return []*link.Message{msg}, nil
}

func (p *Packet) Reset() {}
