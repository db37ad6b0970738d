package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// BufferPool hands out reusable byte buffers for assembling response headers and
// multipart part headers, so steady-state streaming does not allocate per frame.
// It is backed by valyala/bytebufferpool, which calibrates buffer sizes from the
// observed workload.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool whose buffers start with at least bufferSize bytes of capacity.
func NewBufferPool(bufferSize int) *BufferPool {
	return &BufferPool{
		bufferSize: bufferSize,
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves an empty buffer from the pool.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, 0, bp.bufferSize)
	}
	return buf
}

// Put returns a buffer to the pool. The buffer must not be used afterwards.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}
