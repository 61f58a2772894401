package util

import "sync"

// bufPool provides reusable byte buffers for bulk transfer chunks,
// reducing GC pressure while large uploads stream.
var bufPool sync.Pool

// GetBuf returns a buffer of length size, reusing a pooled one when it
// is large enough.  Callers must return it with [PutBuf] when finished.
func GetBuf(size int) *[]byte {
	if p, ok := bufPool.Get().(*[]byte); ok && cap(*p) >= size {
		*p = (*p)[:size]
		return p
	}
	buf := make([]byte, size)
	return &buf
}

// PutBuf returns a buffer to the pool for reuse.
func PutBuf(buf *[]byte) {
	if buf == nil {
		return
	}
	bufPool.Put(buf)
}
