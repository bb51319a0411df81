// Package bufpool recycles the fixed-size read buffers used by capture
// sources.
package bufpool

import (
	"sync"
	"sync/atomic"
)

// Pool hands out read buffers of one size. Pointers are pooled so Put does
// not allocate.
type Pool struct {
	pool    sync.Pool
	bufSize int

	allocated atomic.Int64
}

// New creates a pool of bufSize-byte buffers. It panics if bufSize is not
// positive.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufpool: bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		p.allocated.Add(1)
		buf := make([]byte, bufSize)
		return &buf
	}
	return p
}

// Get returns a buffer of exactly BufSize bytes. Contents are not zeroed.
func (p *Pool) Get() []byte {
	bp := p.pool.Get().(*[]byte)
	return (*bp)[:p.bufSize]
}

// Put returns buf for reuse. Buffers with a smaller capacity than BufSize are
// dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:p.bufSize]
	p.pool.Put(&buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}

// Allocated returns how many buffers the pool has had to allocate.
func (p *Pool) Allocated() int64 {
	return p.allocated.Load()
}
