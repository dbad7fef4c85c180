package link

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-fieldlink/internal/queue"
	"github.com/arloliu/go-fieldlink/logger"
)

// msgDispatcher delivers received messages to registered handlers.
//
// Delivery runs on a single goroutine fed by an unbounded lock-free FIFO, so
// handlers observe messages in extraction order and a slow handler never
// stalls the transport read loop. Producers enqueue without taking a lock and
// wake the delivery goroutine through a one-slot notify channel.
type msgDispatcher struct {
	queue  queue.Queue[*Message]
	notify chan struct{}
	closed atomic.Bool

	mu       sync.Mutex // protects handlers
	handlers []MessageHandler

	conn   Connection
	logger logger.Logger
}

func newMsgDispatcher(conn Connection, l logger.Logger) *msgDispatcher {
	return &msgDispatcher{
		queue:  queue.NewLockFreeQueue[*Message](),
		notify: make(chan struct{}, 1),
		conn:   conn,
		logger: l,
	}
}

func (d *msgDispatcher) addHandler(handlers ...MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handlers...)
}

// push enqueues a message for delivery. It never blocks.
func (d *msgDispatcher) push(msg *Message) {
	if d.closed.Load() {
		return
	}

	d.queue.Enqueue(msg)

	select {
	case d.notify <- struct{}{}:
	default: // a wakeup is already pending
	}
}

// pending returns the number of queued, undelivered messages.
func (d *msgDispatcher) pending() int {
	return d.queue.Length()
}

// run delivers queued messages until the context is canceled. It is started
// once per connection on the connection's parent context, so deliveries keep
// flowing across reconnect cycles.
func (d *msgDispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.closed.Store(true)
			if n := d.pending(); n > 0 {
				d.logger.Debug("message dispatcher stopped", "undelivered", n)
			}
			d.queue.Reset()

			return

		case <-d.notify:
			for {
				msg, ok := d.queue.Dequeue()
				if !ok {
					break
				}
				d.deliver(msg)
			}
		}
	}
}

// deliver invokes every registered handler for one message.
func (d *msgDispatcher) deliver(msg *Message) {
	d.mu.Lock()
	handlers := d.handlers
	d.mu.Unlock()

	for _, handler := range handlers {
		if handler != nil {
			d.invoke(handler, msg)
		}
	}
}

// invoke calls a handler with panic protection.
func (d *msgDispatcher) invoke(handler MessageHandler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in message handler", "panic", r, "msg", msg.String())
		}
	}()

	handler(d.conn, msg)
}
