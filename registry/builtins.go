package registry

import (
	"context"
	"fmt"

	"github.com/arloliu/go-fieldlink/adslink"
	"github.com/arloliu/go-fieldlink/link"
	"github.com/arloliu/go-fieldlink/modbuslink"
	"github.com/arloliu/go-fieldlink/s7link"
	"github.com/arloliu/go-fieldlink/seriallink"
	"github.com/arloliu/go-fieldlink/socketlink"
)

// Protocol names of the built-in connection types.
const (
	ProtocolTCP              = "tcp"
	ProtocolUDP              = "udp"
	ProtocolSerial           = "serial"
	ProtocolModbus           = "modbus"
	ProtocolModbusOutstation = "modbus-outstation"
	ProtocolS7               = "s7"
	ProtocolADS              = "ads"
)

// RegisterBuiltins registers a factory for every built-in connection type
// under the protocol names above. A catalog that should carry only some of
// the protocols registers them individually instead.
func RegisterBuiltins(cat *Catalog) error {
	builtins := []struct {
		protocol string
		factory  Factory
	}{
		{ProtocolTCP, func(ctx context.Context, cfg any) (link.Connection, error) {
			c, err := configOf[socketlink.ConnectionConfig](ProtocolTCP, cfg)
			if err != nil {
				return nil, err
			}

			return socketlink.NewTCPConnection(ctx, c)
		}},
		{ProtocolUDP, func(ctx context.Context, cfg any) (link.Connection, error) {
			c, err := configOf[socketlink.ConnectionConfig](ProtocolUDP, cfg)
			if err != nil {
				return nil, err
			}

			return socketlink.NewUDPConnection(ctx, c)
		}},
		{ProtocolSerial, func(ctx context.Context, cfg any) (link.Connection, error) {
			c, err := configOf[seriallink.ConnectionConfig](ProtocolSerial, cfg)
			if err != nil {
				return nil, err
			}

			return seriallink.NewConnection(ctx, c)
		}},
		{ProtocolModbus, func(ctx context.Context, cfg any) (link.Connection, error) {
			c, err := configOf[modbuslink.ConnectionConfig](ProtocolModbus, cfg)
			if err != nil {
				return nil, err
			}

			return modbuslink.NewConnection(ctx, c)
		}},
		{ProtocolModbusOutstation, func(ctx context.Context, cfg any) (link.Connection, error) {
			c, err := configOf[modbuslink.ConnectionConfig](ProtocolModbusOutstation, cfg)
			if err != nil {
				return nil, err
			}

			return modbuslink.NewOutstation(ctx, c)
		}},
		{ProtocolS7, func(ctx context.Context, cfg any) (link.Connection, error) {
			c, err := configOf[s7link.ConnectionConfig](ProtocolS7, cfg)
			if err != nil {
				return nil, err
			}

			return s7link.NewConnection(ctx, c)
		}},
		{ProtocolADS, func(ctx context.Context, cfg any) (link.Connection, error) {
			c, err := configOf[adslink.ConnectionConfig](ProtocolADS, cfg)
			if err != nil {
				return nil, err
			}

			return adslink.NewConnection(ctx, c)
		}},
	}

	for _, b := range builtins {
		if err := cat.Register(b.protocol, b.factory); err != nil {
			return err
		}
	}

	return nil
}

// configOf asserts the protocol-specific configuration type. A nil cfg
// passes through so the constructor reports link.ErrConnConfigNil itself.
func configOf[C any](protocol string, cfg any) (*C, error) {
	if cfg == nil {
		return nil, nil
	}

	c, ok := cfg.(*C)
	if !ok {
		return nil, fmt.Errorf("%w: protocol %s expects %T, got %T", link.ErrConfiguration, protocol, (*C)(nil), cfg)
	}

	return c, nil
}
