package link

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-fieldlink/logger"
)

const (
	initialRetryDelay = 100 * time.Millisecond
	retryDelayFactor  = 2

	heartbeatTaskName = "heartbeatTask"
)

// ProbeFunc performs a protocol-level liveness probe on an established link.
// A non-nil error marks the link as lost.
type ProbeFunc func(ctx context.Context) error

// ReconnectPolicy controls automatic reconnection after link loss or a failed
// open attempt.
type ReconnectPolicy struct {
	// Enabled turns automatic reconnection on.
	Enabled bool

	// Interval caps the delay between reconnect attempts. The delay grows
	// exponentially from 100ms up to this cap and resets on a successful
	// connect.
	Interval time.Duration

	// MaxAttempts bounds the number of consecutive failed reconnect attempts
	// before the supervisor gives up and the connection rests in the error
	// state. 0 disables reconnection entirely, -1 removes the bound.
	// The counter resets on every successful connect.
	MaxAttempts int
}

// DefaultReconnectPolicy returns the policy used when none is configured:
// unlimited attempts with a 5 second delay cap.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Enabled: true, Interval: 5 * time.Second, MaxAttempts: -1}
}

// SupervisorConfig carries the collaborators a Supervisor needs.
type SupervisorConfig struct {
	Policy            ReconnectPolicy
	HeartbeatInterval time.Duration
	HeartbeatProbe    ProbeFunc
	StateMgr          *ConnStateMgr
	TaskMgr           *TaskManager
	Metrics           *ConnectionMetrics
	Shutdown          *atomic.Bool
	Logger            logger.Logger
}

// Supervisor drives automatic reconnection and the periodic heartbeat of a
// connection. It is registered as a state change handler on the connection's
// ConnStateMgr and reacts to lifecycle transitions:
//
//   - entering ConnectedState resets the attempt budget and starts the heartbeat
//   - entering ErrorState stops the heartbeat and schedules a reconnect attempt
//     when the policy allows
//   - entering DisconnectedState stops the heartbeat and invalidates any armed
//     reconnect timer
//
// The reconnect timer fires at most once per arming; each firing performs one
// connect attempt by driving the state machine to ConnectingState. The
// heartbeat runs as a single interval task, so probes never overlap.
type Supervisor struct {
	pctx     context.Context
	policyMu sync.RWMutex // guards policy and hbIntv against runtime updates
	policy   ReconnectPolicy
	hbIntv   time.Duration
	hbProbe  ProbeFunc
	stateMgr *ConnStateMgr
	taskMgr  *TaskManager
	metrics  *ConnectionMetrics
	shutdown *atomic.Bool
	logger   logger.Logger

	retryDelay         time.Duration // only mutated under the state manager lock
	attempts           atomic.Int32
	reconnectScheduled atomic.Bool
	reconnectGen       atomic.Uint64
}

// NewSupervisor creates a Supervisor bound to the given collaborators.
// The caller still has to register ConnStateHandler on the state manager.
func NewSupervisor(ctx context.Context, cfg SupervisorConfig) *Supervisor {
	s := &Supervisor{
		pctx:       ctx,
		policy:     cfg.Policy,
		hbIntv:     cfg.HeartbeatInterval,
		hbProbe:    cfg.HeartbeatProbe,
		stateMgr:   cfg.StateMgr,
		taskMgr:    cfg.TaskMgr,
		metrics:    cfg.Metrics,
		shutdown:   cfg.Shutdown,
		logger:     cfg.Logger,
		retryDelay: initialRetryDelay,
	}

	if s.logger == nil {
		s.logger = logger.GetLogger()
	}
	if s.shutdown == nil {
		s.shutdown = &atomic.Bool{}
	}
	if s.metrics == nil {
		s.metrics = &ConnectionMetrics{}
	}

	return s
}

// Attempts returns the number of reconnect attempts made since the last
// successful connect.
func (s *Supervisor) Attempts() int {
	return int(s.attempts.Load())
}

// CancelPending invalidates any armed reconnect timer. A timer that already
// fired is not affected.
func (s *Supervisor) CancelPending() {
	s.reconnectGen.Add(1)
}

// UpdatePolicy replaces the reconnect policy at runtime. The new policy takes
// effect on the next scheduling decision; an already armed timer keeps its
// original delay.
func (s *Supervisor) UpdatePolicy(policy ReconnectPolicy) {
	s.policyMu.Lock()
	s.policy = policy
	s.policyMu.Unlock()
}

// UpdateHeartbeatInterval changes the heartbeat probe period at runtime.
// On a connected link the running heartbeat task is rescheduled immediately;
// an interval of zero or less stops it.
func (s *Supervisor) UpdateHeartbeatInterval(interval time.Duration) {
	s.policyMu.Lock()
	prev := s.hbIntv
	s.hbIntv = interval
	s.policyMu.Unlock()

	if !s.stateMgr.IsConnected() {
		return
	}

	switch {
	case interval <= 0:
		s.stopHeartbeat()
	case prev <= 0:
		s.startHeartbeat()
	default:
		if err := s.taskMgr.ResetInterval(heartbeatTaskName, interval); err != nil {
			s.logger.Error("failed to reschedule heartbeat task", "error", err)
		}
	}
}

// ConnStateHandler reacts to connection lifecycle transitions. It must be
// registered on the connection's state manager.
func (s *Supervisor) ConnStateHandler(_ Connection, prevState ConnState, curState ConnState) {
	s.logger.Debug("supervisor: connection state changes", "prevState", prevState, "curState", curState)
	switch curState {
	case ConnectedState:
		// reset the attempt budget and the backoff upon successful connection
		s.attempts.Store(0)
		s.retryDelay = initialRetryDelay
		s.metrics.ResetConnRetryGauge()
		s.startHeartbeat()

	case ErrorState:
		s.stopHeartbeat()
		s.maybeScheduleReconnect()

	case DisconnectedState:
		s.stopHeartbeat()
		s.CancelPending()

	case ConnectingState:
		// the connection's own state handler performs the dial
	}
}

// --- heartbeat ---

func (s *Supervisor) startHeartbeat() {
	s.policyMu.RLock()
	intv := s.hbIntv
	s.policyMu.RUnlock()

	if intv <= 0 || s.hbProbe == nil {
		return
	}

	if _, err := s.taskMgr.StartInterval(heartbeatTaskName, s.heartbeatTask, intv, false); err != nil {
		s.logger.Error("failed to start heartbeat task", "error", err)
	}
}

func (s *Supervisor) stopHeartbeat() {
	// the task may have terminated itself already, a not-found error is fine
	_ = s.taskMgr.StopInterval(heartbeatTaskName)
}

func (s *Supervisor) heartbeatTask() bool {
	if !s.stateMgr.IsConnected() {
		return false
	}

	s.policyMu.RLock()
	intv := s.hbIntv
	s.policyMu.RUnlock()

	if intv <= 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(s.pctx, intv)
	err := s.hbProbe(ctx)
	cancel()

	s.metrics.IncHeartbeatSendCount()

	if err != nil {
		s.metrics.IncHeartbeatErrCount()
		s.logger.Warn("heartbeat probe failed", "error", err)
		s.stateMgr.ToErrorAsync()

		return false
	}

	return true
}

// --- reconnect ---

// maybeScheduleReconnect arms the reconnect timer after entering the error
// state. It runs under the state manager lock, which serializes access to
// retryDelay.
func (s *Supervisor) maybeScheduleReconnect() {
	s.policyMu.RLock()
	policy := s.policy
	s.policyMu.RUnlock()

	if !policy.Enabled || policy.MaxAttempts == 0 {
		return
	}
	if s.shutdown.Load() {
		return
	}
	if policy.MaxAttempts > 0 && int(s.attempts.Load()) >= policy.MaxAttempts {
		s.logger.Warn("reconnect attempt budget exhausted",
			"attempts", s.attempts.Load(), "maxAttempts", policy.MaxAttempts)
		return
	}

	delay := s.retryDelay
	s.logger.Debug("error state, schedule reconnect", "delay", delay)

	if s.scheduleReconnect(delay) {
		// exponential backoff with a maximum delay of the policy interval
		nextDelay := delay * retryDelayFactor
		if nextDelay > policy.Interval {
			nextDelay = policy.Interval
		}
		s.retryDelay = nextDelay
	}
}

func (s *Supervisor) scheduleReconnect(delay time.Duration) bool {
	if delay <= 0 {
		delay = initialRetryDelay
	}
	if s.shutdown.Load() {
		return false
	}
	if !s.reconnectScheduled.CompareAndSwap(false, true) {
		return false
	}

	gen := s.reconnectGen.Load()

	// Never block the connection state manager handler.
	// NOTE: Do NOT use the connection context here. It is canceled on
	// disconnect, but reconnect scheduling must keep working after disconnects.
	go func(ctx context.Context, d time.Duration, g uint64) {
		defer s.reconnectScheduled.Store(false)

		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if s.reconnectGen.Load() != g {
				return
			}
			if s.shutdown.Load() {
				return
			}

			s.attempts.Add(1)
			s.metrics.IncConnRetryGauge()
			s.stateMgr.ToConnectingAsync()
		}
	}(s.pctx, delay, gen)

	return true
}
