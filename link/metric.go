package link

import (
	"sync/atomic"
)

// ConnectionMetrics contains atomic metrics for a connection.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ConnectionMetrics struct {
	// HeartbeatSendCount indicates the number of heartbeat probes sent.
	HeartbeatSendCount atomic.Uint64
	// HeartbeatErrCount indicates the number of failed heartbeat probes.
	HeartbeatErrCount atomic.Uint64

	// MsgSendCount indicates the number of messages sent.
	MsgSendCount atomic.Uint64
	// MsgRecvCount indicates the number of messages received.
	MsgRecvCount atomic.Uint64
	// MsgErrCount indicates the number of message send or receive errors.
	MsgErrCount atomic.Uint64

	// ConnRetryGauge indicates the number of reconnect attempts since the
	// last successful connect.
	ConnRetryGauge atomic.Uint32
}

// IncHeartbeatSendCount increments the heartbeat probe counter.
func (m *ConnectionMetrics) IncHeartbeatSendCount() {
	m.HeartbeatSendCount.Add(1)
}

// IncHeartbeatErrCount increments the failed heartbeat probe counter.
func (m *ConnectionMetrics) IncHeartbeatErrCount() {
	m.HeartbeatErrCount.Add(1)
}

// IncMsgSendCount increments the sent message counter.
func (m *ConnectionMetrics) IncMsgSendCount() {
	m.MsgSendCount.Add(1)
}

// IncMsgRecvCount increments the received message counter.
func (m *ConnectionMetrics) IncMsgRecvCount() {
	m.MsgRecvCount.Add(1)
}

// IncMsgErrCount increments the message error counter.
func (m *ConnectionMetrics) IncMsgErrCount() {
	m.MsgErrCount.Add(1)
}

// IncConnRetryGauge increments the reconnect attempt gauge.
func (m *ConnectionMetrics) IncConnRetryGauge() {
	m.ConnRetryGauge.Add(1)
}

// ResetConnRetryGauge resets the reconnect attempt gauge to zero.
func (m *ConnectionMetrics) ResetConnRetryGauge() {
	m.ConnRetryGauge.Store(0)
}
