package adslink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-fieldlink/link"
	"github.com/arloliu/go-fieldlink/logger"
)

func TestNewConnectionConfig(t *testing.T) {
	require := require.New(t)

	t.Run("Defaults", func(_ *testing.T) {
		cfg, err := NewConnectionConfig("127.0.0.1", 48898)
		require.NoError(err)
		require.NotNil(cfg)

		require.Equal("127.0.0.1", cfg.host)
		require.Equal(48898, cfg.port)
		require.Equal(5*time.Second, cfg.requestTimeout)
		require.Equal(3*time.Second, cfg.closeTimeout)
		require.Equal(5*time.Second, cfg.sendTimeout)
		require.Equal(10, cfg.senderQueueSize)
		require.True(cfg.autoReconnect)
		require.Equal(5*time.Second, cfg.reconnectInterval)
		require.Equal(-1, cfg.maxReconnectAttempts)
		require.Equal(time.Duration(0), cfg.heartbeatInterval)
		require.NotNil(cfg.dialer)
		require.NotNil(cfg.logger)
	})

	t.Run("Valid Configuration", func(_ *testing.T) {
		cfg, err := NewConnectionConfig("127.0.0.1", 48899,
			WithRequestTimeout(2*time.Second),
			WithCloseTimeout(5*time.Second),
			WithSendTimeout(time.Second),
			WithSenderQueueSize(50),
			WithAutoReconnect(false),
			WithReconnectInterval(time.Second),
			WithMaxReconnectAttempts(3),
			WithHeartbeatInterval(10*time.Second),
			WithLogger(logger.GetLogger()),
		)
		require.NoError(err)

		require.Equal("127.0.0.1:48899", cfg.Address())
		require.Equal(2*time.Second, cfg.requestTimeout)
		require.Equal(5*time.Second, cfg.closeTimeout)
		require.Equal(time.Second, cfg.sendTimeout)
		require.Equal(50, cfg.senderQueueSize)
		require.False(cfg.autoReconnect)
		require.Equal(time.Second, cfg.reconnectInterval)
		require.Equal(3, cfg.maxReconnectAttempts)
		require.Equal(10*time.Second, cfg.heartbeatInterval)
	})

	t.Run("Invalid Host", func(_ *testing.T) {
		_, err := NewConnectionConfig("", 48898)
		require.ErrorIs(err, link.ErrConfiguration)
		require.ErrorContains(err, "empty host")

		_, err = NewConnectionConfig("no.such.host.invalid", 48898)
		require.ErrorIs(err, link.ErrConfiguration)
		require.ErrorContains(err, "invalid host")
	})

	t.Run("Invalid Port", func(_ *testing.T) {
		_, err := NewConnectionConfig("127.0.0.1", 0)
		require.ErrorIs(err, link.ErrConfiguration)

		_, err = NewConnectionConfig("127.0.0.1", 65536)
		require.ErrorIs(err, link.ErrConfiguration)
		require.ErrorContains(err, "port is out of range")
	})

	t.Run("Invalid Timeouts", func(_ *testing.T) {
		_, err := NewConnectionConfig("127.0.0.1", 48898, WithRequestTimeout(10*time.Millisecond))
		require.ErrorIs(err, link.ErrConfiguration)
		require.ErrorContains(err, "request timeout out of range")

		_, err = NewConnectionConfig("127.0.0.1", 48898, WithCloseTimeout(time.Millisecond))
		require.ErrorIs(err, link.ErrConfiguration)

		_, err = NewConnectionConfig("127.0.0.1", 48898, WithSendTimeout(time.Millisecond))
		require.ErrorIs(err, link.ErrConfiguration)
	})

	t.Run("Invalid Reconnect Settings", func(_ *testing.T) {
		_, err := NewConnectionConfig("127.0.0.1", 48898, WithReconnectInterval(0))
		require.ErrorIs(err, link.ErrConfiguration)

		_, err = NewConnectionConfig("127.0.0.1", 48898, WithMaxReconnectAttempts(-2))
		require.ErrorIs(err, link.ErrConfiguration)

		_, err = NewConnectionConfig("127.0.0.1", 48898, WithHeartbeatInterval(-time.Second))
		require.ErrorIs(err, link.ErrConfiguration)

		_, err = NewConnectionConfig("127.0.0.1", 48898, WithSenderQueueSize(0))
		require.ErrorIs(err, link.ErrConfiguration)

		_, err = NewConnectionConfig("127.0.0.1", 48898, WithDialer(nil))
		require.ErrorIs(err, link.ErrConfiguration)

		_, err = NewConnectionConfig("127.0.0.1", 48898, WithLogger(nil))
		require.ErrorIs(err, link.ErrConfiguration)
	})

	t.Run("Nil Config", func(_ *testing.T) {
		err := WithSendTimeout(time.Second).apply(nil)
		require.ErrorIs(err, link.ErrConnConfigNil)
	})
}

func TestConnectionConfig_UpdateOptions(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConnectionConfig("127.0.0.1", 48898)
	require.NoError(err)

	t.Run("Runtime Options", func(_ *testing.T) {
		err := cfg.UpdateOptions(
			WithSendTimeout(time.Second),
			WithCloseTimeout(10*time.Second),
			WithAutoReconnect(false),
			WithMaxReconnectAttempts(5),
			WithHeartbeatInterval(time.Minute),
		)
		require.NoError(err)
		require.Equal(time.Second, cfg.getSendTimeout())
		require.Equal(10*time.Second, cfg.getCloseTimeout())
		require.False(cfg.reconnectPolicy().Enabled)
		require.Equal(5, cfg.reconnectPolicy().MaxAttempts)
		require.Equal(time.Minute, cfg.getHeartbeatInterval())
	})

	t.Run("Non-Runtime Option Rejected", func(_ *testing.T) {
		err := cfg.UpdateOptions(WithRequestTimeout(time.Second))
		require.ErrorIs(err, link.ErrConfiguration)
		require.ErrorContains(err, "can't be changed at runtime")
	})
}
