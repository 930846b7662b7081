package buffer

import "sync"

// FrameSize is the largest wire frame: 2-byte length header plus a 65535-byte payload.
const FrameSize = 2 + 65535

// Pool provides frame-sized byte buffers for reuse
var Pool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, FrameSize)
		return &b
	},
}

// Get retrieves a buffer of length n (n <= FrameSize) from the pool.
// Larger requests get a fresh allocation that Put will drop.
func Get(n int) []byte {
	if n > FrameSize {
		return make([]byte, n)
	}
	b := Pool.Get().(*[]byte)
	return (*b)[:n]
}

// Put returns a buffer to the pool
func Put(buf []byte) {
	if cap(buf) != FrameSize {
		return
	}
	buf = buf[:cap(buf)]
	Pool.Put(&buf)
}
