// Package buffer pools the copy buffers used when relaying manifest and
// segment bytes between upstream responses and clients.
package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// BufferPool hands out reusable byte slices of a fixed size on top of
// valyala/bytebufferpool. Buffers come back full-length so they can be
// passed straight to io.CopyBuffer, which rejects empty slices.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool managing byte slices of the given size.
//
// Parameters:
//   - bufferSize: length of every slice handed out by Get
//
// Returns:
//   - *BufferPool: pool ready for use
func NewBufferPool(bufferSize int64) *BufferPool {
	return &BufferPool{
		bufferSize: int(bufferSize),
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves a buffer from the pool with its backing slice set to the
// configured length. Contents are undefined; callers overwrite before use.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, bp.bufferSize)
	} else {
		buf.B = buf.B[:bp.bufferSize]
	}
	return buf
}

// Put returns a buffer to the pool for reuse.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}
