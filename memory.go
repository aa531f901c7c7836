package main

import "sync"

// BytePool is a sync.Pool-backed recycler for the byte slices the
// Connection FSM churns through on every storage command: one argBuf per
// in-flight data block, allocated in consume and returned once the block
// has been handed to the executor.
type BytePool struct {
	pool sync.Pool
}

// NewBytePool returns a pool seeded with 1KiB buffers that grow as needed.
func NewBytePool() *BytePool {
	return &BytePool{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, 1024)
				return &buf
			},
		},
	}
}

// Get returns a slice of exactly size bytes, reusing pooled capacity when
// it's big enough.
func (bp *BytePool) Get(size int) []byte {
	buf := *bp.pool.Get().(*[]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

// Put returns buf to the pool for reuse. Very large buffers are dropped
// rather than pooled, so one oversized value doesn't bloat steady-state
// memory.
func (bp *BytePool) Put(buf []byte) {
	if cap(buf) > 64*1024 {
		return
	}
	buf = buf[:0]
	bp.pool.Put(&buf)
}
