package bitmap

import (
	"sync"
)

const defaultPoolPerKey = 8

type poolKey struct {
	size   int
	format WireFormat
}

// PoolStats counts pool traffic since construction.
type PoolStats struct {
	Hits      uint64
	Misses    uint64
	Returned  uint64
	Discarded uint64
	Idle      int
}

// Pool recycles output buffers by exact size and format. A single mutex
// guards it; buffers are handed to one owner at a time.
type Pool struct {
	mu     sync.Mutex
	free   map[poolKey][][]byte
	perKey int
	stats  PoolStats
}

// NewPool keeps at most perKey idle buffers for each size/format pair.
func NewPool(perKey int) *Pool {
	if perKey <= 0 {
		perKey = defaultPoolPerKey
	}
	return &Pool{free: make(map[poolKey][][]byte), perKey: perKey}
}

// Get returns a buffer of exactly size bytes. Its contents are unspecified.
func (p *Pool) Get(size int, format WireFormat) []byte {
	key := poolKey{size: size, format: format}

	p.mu.Lock()
	list := p.free[key]
	if n := len(list); n > 0 {
		buf := list[n-1]
		list[n-1] = nil
		p.free[key] = list[:n-1]
		p.stats.Hits++
		p.stats.Idle--
		p.mu.Unlock()
		return buf
	}
	p.stats.Misses++
	p.mu.Unlock()

	return make([]byte, size)
}

// Put hands buf back. Buffers beyond the per-key limit are left to the GC.
func (p *Pool) Put(buf []byte, format WireFormat) {
	if buf == nil {
		return
	}
	key := poolKey{size: len(buf), format: format}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free[key]) >= p.perKey {
		p.stats.Discarded++
		return
	}
	p.free[key] = append(p.free[key], buf)
	p.stats.Returned++
	p.stats.Idle++
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
