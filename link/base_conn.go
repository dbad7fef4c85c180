package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-fieldlink/logger"
)

// BaseConnConfig carries the lifecycle settings a protocol adapter hands to
// its embedded BaseConn.
type BaseConnConfig struct {
	Logger            logger.Logger
	ReconnectPolicy   ReconnectPolicy
	HeartbeatInterval time.Duration
	HeartbeatProbe    ProbeFunc
}

// BaseConn provides the lifecycle plumbing shared by all protocol adapters:
// context management, the connection state machine, the task manager, the
// reconnect/heartbeat supervisor, ordered message dispatch and metrics.
//
// Protocol packages embed BaseConn, call Init from their constructor, and
// wire their transport specifics around it. The zero value is not usable.
type BaseConn struct {
	pctx      context.Context
	ctx       context.Context
	ctxCancel context.CancelFunc
	ctxMu     sync.RWMutex // protect ctx and ctxCancel

	logger     logger.Logger
	stateMgr   *ConnStateMgr
	taskMgr    *TaskManager
	sup        *Supervisor
	dispatcher *msgDispatcher
	metrics    ConnectionMetrics
	shutdown   atomic.Bool
	seq        atomic.Uint64
}

// Init wires the BaseConn for the given connection. conn must be the outer
// connection embedding this BaseConn; it is what handlers receive. The
// stateHandlers are registered before the supervisor's handler, so transport
// teardown observes a transition before a reconnect is armed.
func (c *BaseConn) Init(ctx context.Context, conn Connection, cfg BaseConnConfig, stateHandlers ...ConnStateChangeHandler) {
	c.pctx = ctx
	c.logger = cfg.Logger
	if c.logger == nil {
		c.logger = logger.GetLogger()
	}

	c.CreateContext()

	c.taskMgr = NewTaskManager(ctx, c.logger)
	c.stateMgr = NewConnStateMgr(ctx, conn, stateHandlers...)
	c.dispatcher = newMsgDispatcher(conn, c.logger)

	c.sup = NewSupervisor(ctx, SupervisorConfig{
		Policy:            cfg.ReconnectPolicy,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatProbe:    cfg.HeartbeatProbe,
		StateMgr:          c.stateMgr,
		TaskMgr:           c.taskMgr,
		Metrics:           &c.metrics,
		Shutdown:          &c.shutdown,
		Logger:            c.logger,
	})
	c.stateMgr.AddHandler(c.sup.ConnStateHandler)

	go c.dispatcher.run(ctx)
}

// State returns the current connection state.
func (c *BaseConn) State() ConnState {
	return c.stateMgr.State()
}

// AddConnStateChangeHandler registers handlers invoked on every state change.
func (c *BaseConn) AddConnStateChangeHandler(handlers ...ConnStateChangeHandler) {
	c.stateMgr.AddHandler(handlers...)
}

// AddMessageHandler registers handlers invoked for every delivered message.
func (c *BaseConn) AddMessageHandler(handlers ...MessageHandler) {
	c.dispatcher.addHandler(handlers...)
}

// GetLogger returns the logger associated with the connection.
func (c *BaseConn) GetLogger() logger.Logger {
	return c.logger
}

// GetMetrics returns the metrics associated with the connection.
func (c *BaseConn) GetMetrics() *ConnectionMetrics {
	return &c.metrics
}

// StateMgr returns the connection state manager.
func (c *BaseConn) StateMgr() *ConnStateMgr {
	return c.stateMgr
}

// TaskMgr returns the task manager of the connection.
func (c *BaseConn) TaskMgr() *TaskManager {
	return c.taskMgr
}

// Supervisor returns the reconnect and heartbeat supervisor of the connection.
func (c *BaseConn) Supervisor() *Supervisor {
	return c.sup
}

// Context returns the context of the current connection cycle. It is canceled
// on every teardown and recreated by CreateContext.
func (c *BaseConn) Context() context.Context {
	c.ctxMu.RLock()
	defer c.ctxMu.RUnlock()

	return c.ctx
}

// CreateContext creates a new connection-cycle context derived from the
// parent context and returns it.
func (c *BaseConn) CreateContext() context.Context {
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()

	c.ctx, c.ctxCancel = context.WithCancel(c.pctx)

	return c.ctx
}

// CancelContext cancels the context of the current connection cycle.
func (c *BaseConn) CancelContext() {
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()

	if c.ctxCancel != nil {
		c.ctxCancel()
	}
}

// SetShutdown marks or clears the shutdown flag. The flag suppresses
// reconnect scheduling while an explicit Close is in progress.
func (c *BaseConn) SetShutdown(v bool) {
	c.shutdown.Store(v)
}

// InShutdown reports whether an explicit Close is in progress.
func (c *BaseConn) InShutdown() bool {
	return c.shutdown.Load()
}

// DeliverMessage stamps the delivery sequence number on the message and hands
// it to the ordered dispatcher. It never blocks the caller; handlers receive
// messages in delivery order on a separate goroutine.
func (c *BaseConn) DeliverMessage(msg *Message) {
	if msg == nil {
		return
	}

	msg.setSeq(c.seq.Add(1))
	c.metrics.IncMsgRecvCount()
	c.dispatcher.push(msg)
}

// WaitOpened blocks until the connection reaches the connected state, the
// open attempt fails, or ctx is done. A ctx expiry does not cancel the open
// attempt itself; a dial already in flight may still complete and move the
// connection to the connected state afterwards.
func (c *BaseConn) WaitOpened(ctx context.Context) error {
	state, err := c.stateMgr.WaitState(ctx, ConnectedState, ErrorState)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectTimeout, err)
	}
	if state.IsError() {
		return ErrConnectFailed
	}

	return nil
}

// CloseStream performs the common teardown sequence: cancel the
// connection-cycle context, stop all tasks, run the transport closer, and
// wait for the tasks to terminate within the given timeout.
func (c *BaseConn) CloseStream(closer func(), timeout time.Duration) {
	c.logger.Debug("start closeStream process")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c.CancelContext()
	c.taskMgr.Stop()

	if closer != nil {
		closer()
	}

	go func() {
		c.logger.Debug("wait all goroutines terminated", "method", "closeStream")
		c.taskMgr.Wait()
		cancel()
	}()

	// wait all goroutines terminated
	<-ctx.Done()

	if errors.Is(ctx.Err(), context.Canceled) {
		c.logger.Debug("close success", "method", "closeStream")
	} else {
		c.logger.Error("close timeout", "method", "closeStream", "error", ctx.Err(), "timeout", timeout)
	}
}
