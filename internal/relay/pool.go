package relay

import "sync"

// Pool recycles fixed-size byte slices. It satisfies httputil.BufferPool.
type Pool struct {
	pool sync.Pool
}

// NewPool returns a Pool of size-byte buffers.
func NewPool(size int) *Pool {
	p := &Pool{}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

func (p *Pool) Get() []byte {
	return *p.pool.Get().(*[]byte)
}

func (p *Pool) Put(b []byte) {
	// &b escapes to the heap; a slice header can't go into an interface
	// without one allocation.
	p.pool.Put(&b)
}
