package link

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCategories(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		configuration bool
		connect       bool
		transport     bool
		protocol      bool
		timeout       bool
	}{
		{name: "ConnConfigNil", err: ErrConnConfigNil, configuration: true},
		{name: "ConnClosed", err: ErrConnClosed, transport: true},
		{name: "NotConnected", err: ErrNotConnected, transport: true},
		{name: "ConnectFailed", err: ErrConnectFailed, connect: true},
		{name: "ConnectTimeout", err: ErrConnectTimeout, connect: true, timeout: true},
		{name: "SendTimeout", err: ErrSendTimeout, timeout: true},
		{name: "HeartbeatFailed", err: ErrHeartbeatFailed, transport: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.configuration, IsConfiguration(test.err))
			assert.Equal(t, test.connect, IsConnect(test.err))
			assert.Equal(t, test.transport, IsTransport(test.err))
			assert.Equal(t, test.protocol, IsProtocol(test.err))
			assert.Equal(t, test.timeout, IsTimeout(test.err))
		})
	}
}

func TestErrorCategoriesWrapped(t *testing.T) {
	// categories survive further wrapping
	err := fmt.Errorf("send to plc-3: %w", ErrNotConnected)
	assert.True(t, IsTransport(err))
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.False(t, IsConnect(err))

	// a connect timeout classifies as both connect and timeout
	err = fmt.Errorf("open tcp://10.0.0.5:502: %w", ErrConnectTimeout)
	assert.True(t, IsConnect(err))
	assert.True(t, IsTimeout(err))
}

func TestErrorCategoriesNil(t *testing.T) {
	assert.False(t, IsConfiguration(nil))
	assert.False(t, IsConnect(nil))
	assert.False(t, IsTransport(nil))
	assert.False(t, IsProtocol(nil))
	assert.False(t, IsTimeout(nil))
}

func TestErrInvalidTransition(t *testing.T) {
	// state machine errors belong to no device error category
	assert.False(t, IsConfiguration(ErrInvalidTransition))
	assert.False(t, IsConnect(ErrInvalidTransition))
	assert.False(t, IsTransport(ErrInvalidTransition))
}
