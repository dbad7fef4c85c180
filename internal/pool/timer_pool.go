package pool

import (
	"sync"
	"time"
)

// Every queued send arms a timeout timer, so the timers are pooled rather
// than allocated per message.
var timerPool sync.Pool

// GetTimer returns a timer from the pool, armed to fire after d.
//
// Return the timer to the pool with PutTimer once the wait is over.
func GetTimer(d time.Duration) *time.Timer {
	t, ok := timerPool.Get().(*time.Timer)
	if !ok {
		return time.NewTimer(d)
	}

	if t.Reset(d) {
		// the timer was still running when pooled; a tick may have landed in
		// the channel since, drop it so the new deadline is the only one seen
		select {
		case <-t.C:
		default:
		}
	}

	return t
}

// PutTimer stops t and returns it to the pool.
//
// t must not be touched afterwards; another goroutine may already own it.
func PutTimer(t *time.Timer) {
	if !t.Stop() {
		// the timer fired already; drain the tick the caller did not consume
		select {
		case <-t.C:
		default:
		}
	}

	timerPool.Put(t)
}
