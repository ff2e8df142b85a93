package ioutil

import (
	pool "github.com/libp2p/go-buffer-pool"
)

// DefaultBufSize is the initial size of a relay buffer when none is configured
const DefaultBufSize = 1024

// Buffer is a growable message buffer. The message length is always carried next to it,
// payloads are arbitrary bytes.
type Buffer struct {
	bs      []byte
	growths int
}

func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufSize
	}
	return &Buffer{bs: pool.Get(size)}
}

func (b *Buffer) Bytes() []byte {
	return b.bs
}

func (b *Buffer) Cap() int {
	return len(b.bs)
}

// Growths is how many times Grow had to reallocate.
func (b *Buffer) Growths() int {
	return b.growths
}

// Grow makes the buffer exactly size bytes long when it is smaller. The content is not kept:
// callers grow before (re)reading a message.
func (b *Buffer) Grow(size int) bool {
	if size <= len(b.bs) {
		return false
	}
	if b.bs != nil {
		pool.Put(b.bs)
	}
	b.bs = pool.Get(size)
	b.growths++
	return true
}

// Release returns the memory to the pool. It is a no-op on a nil *Buffer.
func (b *Buffer) Release() {
	if b != nil && b.bs != nil {
		pool.Put(b.bs)
		b.bs = nil
	}
}
