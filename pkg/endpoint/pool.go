package endpoint

import "sync"

// bufferPool tracks bytes currently held by in-flight request/response
// frame buffers against the configured BufferPoolSize. It is not a
// literal free-list of []byte (frames are decoded straight off the
// wire); it is the admission gate sharing one byte budget across every
// connection: once outstanding bytes cross the high-water mark,
// Acquire blocks, a connection's read loop stalls mid-frame, and TCP
// backpressure propagates to the client.
type bufferPool struct {
	mu        sync.Mutex
	cond      *sync.Cond
	limit     int64
	highWater int64
	inUse     int64
	closed    bool
}

func newBufferPool(limit int64) *bufferPool {
	if limit <= 0 {
		limit = 64 << 20
	}
	p := &bufferPool{limit: limit, highWater: limit - limit/10}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire blocks until n bytes are available below the high-water
// mark, or the pool is closed (in which case it returns immediately so
// a shutting-down connection doesn't hang forever).
func (p *bufferPool) Acquire(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.inUse+n > p.highWater && !p.closed {
		p.cond.Wait()
	}
	p.inUse += n
}

func (p *bufferPool) Release(n int64) {
	p.mu.Lock()
	p.inUse -= n
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *bufferPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}
