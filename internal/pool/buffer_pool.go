package pool

import (
	"sync"
)

// readBufSize is the size of pooled receive buffers. It is large enough for a
// full TCP read and for any serial chunk the poll loop can return.
const readBufSize = 64 * 1024

var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, readBufSize)
		return &buf
	},
}

// GetReadBuf returns a receive buffer from the pool.
//
// Return the buffer to the pool with PutReadBuf.
func GetReadBuf() *[]byte {
	v, _ := bufPool.Get().(*[]byte)
	return v
}

// PutReadBuf returns a receive buffer to the pool.
//
// The buffer cannot be accessed after returning to the pool.
func PutReadBuf(buf *[]byte) {
	if buf == nil || cap(*buf) < readBufSize {
		return
	}
	*buf = (*buf)[:readBufSize]
	bufPool.Put(buf)
}
