package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPool(t *testing.T) {
	assert := assert.New(t)

	t.Run("Get and Put", func(t *testing.T) {
		buf := GetReadBuf()
		assert.NotNil(buf)
		assert.Len(*buf, readBufSize)

		// shrink the view, the pool should restore the full length
		*buf = (*buf)[:10]
		PutReadBuf(buf)

		buf2 := GetReadBuf()
		assert.NotNil(buf2)
		assert.Len(*buf2, readBufSize)
		PutReadBuf(buf2)
	})

	t.Run("Put nil", func(t *testing.T) {
		assert.NotPanics(func() { PutReadBuf(nil) })
	})

	t.Run("Concurrency", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				buf := GetReadBuf()
				(*buf)[0] = 0xFF
				PutReadBuf(buf)
			}()
		}
		wg.Wait()
	})
}
