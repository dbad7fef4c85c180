package modbuslink

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
		cfg, err := NewConnectionConfig("127.0.0.1", 502)
		require.NoError(err)
		require.NotNil(cfg)

		require.Equal("127.0.0.1", cfg.host)
		require.Equal(502, cfg.port)
		require.Equal(1, cfg.unitID)
		require.Equal(ABCD, cfg.byteOrder)
		require.Equal(5*time.Second, cfg.requestTimeout)
		require.Equal(60*time.Second, cfg.idleTimeout)
		require.Equal(3*time.Second, cfg.closeTimeout)
		require.Equal(5*time.Second, cfg.sendTimeout)
		require.Equal(10, cfg.senderQueueSize)
		require.Equal(0, cfg.probeAddress)
		require.Equal(time.Duration(0), cfg.readCacheTTL)
		require.True(cfg.autoReconnect)
		require.Equal(5*time.Second, cfg.reconnectInterval)
		require.Equal(-1, cfg.maxReconnectAttempts)
		require.Equal(time.Duration(0), cfg.heartbeatInterval)
		require.NotNil(cfg.logger)
	})

	t.Run("Valid Configuration", func(_ *testing.T) {
		cfg, err := NewConnectionConfig("127.0.0.1", 1502,
			WithUnitID(17),
			WithByteOrder(CDAB),
			WithRequestTimeout(2*time.Second),
			WithIdleTimeout(30*time.Second),
			WithCloseTimeout(5*time.Second),
			WithSendTimeout(time.Second),
			WithSenderQueueSize(50),
			WithProbeAddress(100),
			WithReadCacheTTL(200*time.Millisecond),
			WithAutoReconnect(false),
			WithReconnectInterval(time.Second),
			WithMaxReconnectAttempts(3),
			WithHeartbeatInterval(10*time.Second),
			WithLogger(logger.GetLogger()),
		)
		require.NoError(err)

		require.Equal("127.0.0.1:1502", cfg.Address())
		require.Equal(17, cfg.unitID)
		require.Equal(CDAB, cfg.byteOrder)
		require.Equal(2*time.Second, cfg.requestTimeout)
		require.Equal(30*time.Second, cfg.idleTimeout)
		require.Equal(5*time.Second, cfg.closeTimeout)
		require.Equal(time.Second, cfg.sendTimeout)
		require.Equal(50, cfg.senderQueueSize)
		require.Equal(100, cfg.probeAddress)
		require.Equal(200*time.Millisecond, cfg.readCacheTTL)
		require.False(cfg.autoReconnect)
		require.Equal(time.Second, cfg.reconnectInterval)
		require.Equal(3, cfg.maxReconnectAttempts)
		require.Equal(10*time.Second, cfg.heartbeatInterval)
	})

	t.Run("Invalid Host", func(_ *testing.T) {
		_, err := NewConnectionConfig("", 502)
		require.ErrorIs(err, link.ErrConfiguration)
		require.ErrorContains(err, "empty host")

		_, err = NewConnectionConfig("no.such.host.invalid", 502)
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

	t.Run("Invalid Unit ID", func(_ *testing.T) {
		_, err := NewConnectionConfig("127.0.0.1", 502, WithUnitID(-1))
		require.ErrorIs(err, link.ErrConfiguration)

		_, err = NewConnectionConfig("127.0.0.1", 502, WithUnitID(256))
		require.ErrorIs(err, link.ErrConfiguration)
		require.ErrorContains(err, "unit id out of range")
	})

	t.Run("Invalid Byte Order", func(_ *testing.T) {
		_, err := NewConnectionConfig("127.0.0.1", 502, WithByteOrder(ByteOrder(42)))
		require.ErrorIs(err, link.ErrConfiguration)
		require.ErrorContains(err, "unknown byte order")
	})

	t.Run("Invalid Timeouts", func(_ *testing.T) {
		_, err := NewConnectionConfig("127.0.0.1", 502, WithRequestTimeout(10*time.Millisecond))
		require.ErrorIs(err, link.ErrConfiguration)
		require.ErrorContains(err, "request timeout out of range")

		_, err = NewConnectionConfig("127.0.0.1", 502, WithIdleTimeout(-time.Second))
		require.ErrorIs(err, link.ErrConfiguration)

		_, err = NewConnectionConfig("127.0.0.1", 502, WithCloseTimeout(time.Millisecond))
		require.ErrorIs(err, link.ErrConfiguration)

		_, err = NewConnectionConfig("127.0.0.1", 502, WithSendTimeout(time.Millisecond))
		require.ErrorIs(err, link.ErrConfiguration)
	})

	t.Run("Invalid Probe And Cache", func(_ *testing.T) {
		_, err := NewConnectionConfig("127.0.0.1", 502, WithProbeAddress(65536))
		require.ErrorIs(err, link.ErrConfiguration)
		require.ErrorContains(err, "probe address out of range")

		_, err = NewConnectionConfig("127.0.0.1", 502, WithReadCacheTTL(2*time.Minute))
		require.ErrorIs(err, link.ErrConfiguration)
		require.ErrorContains(err, "read cache ttl out of range")
	})

	t.Run("Invalid Reconnect Settings", func(_ *testing.T) {
		_, err := NewConnectionConfig("127.0.0.1", 502, WithReconnectInterval(0))
		require.ErrorIs(err, link.ErrConfiguration)

		_, err = NewConnectionConfig("127.0.0.1", 502, WithMaxReconnectAttempts(-2))
		require.ErrorIs(err, link.ErrConfiguration)

		_, err = NewConnectionConfig("127.0.0.1", 502, WithHeartbeatInterval(-time.Second))
		require.ErrorIs(err, link.ErrConfiguration)

		_, err = NewConnectionConfig("127.0.0.1", 502, WithSenderQueueSize(0))
		require.ErrorIs(err, link.ErrConfiguration)

		_, err = NewConnectionConfig("127.0.0.1", 502, WithLogger(nil))
		require.ErrorIs(err, link.ErrConfiguration)
	})

	t.Run("Nil Config", func(_ *testing.T) {
		err := WithUnitID(1).apply(nil)
		require.ErrorIs(err, link.ErrConnConfigNil)
	})
}

func TestConnectionConfig_UpdateOptions(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConnectionConfig("127.0.0.1", 502)
	require.NoError(err)

	t.Run("Runtime Options", func(_ *testing.T) {
		err := cfg.UpdateOptions(
			WithUnitID(9),
			WithByteOrder(DCBA),
			WithProbeAddress(7),
			WithReadCacheTTL(time.Second),
			WithMaxReconnectAttempts(5),
		)
		require.NoError(err)
		require.Equal(byte(9), cfg.getUnitID())
		require.Equal(DCBA, cfg.getByteOrder())
		require.Equal(uint16(7), cfg.getProbeAddress())
		require.Equal(time.Second, cfg.getReadCacheTTL())
		require.Equal(5, cfg.reconnectPolicy().MaxAttempts)
	})

	t.Run("Non-Runtime Option Rejected", func(_ *testing.T) {
		err := cfg.UpdateOptions(WithRequestTimeout(time.Second))
		require.ErrorIs(err, link.ErrConfiguration)
		require.ErrorContains(err, "can't be changed at runtime")
	})
}
