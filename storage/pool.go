package storage

import (
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/scalevox/scalevox/svox"
)

// Pool recycles the raw byte slices backing voxel buffer channels.  Blocks
// churn constantly as terrain is generated, edited and evicted, and their
// channel storage comes in a handful of distinct sizes, so one free list per
// size amortizes almost all allocations.
type Pool struct {
	mu    sync.Mutex
	lists map[int][][]byte
	used  int
	dead  bool
}

var (
	poolMu     sync.Mutex
	globalPool *Pool
)

// CreatePool initializes the process-wide pool.  Call once at startup.
func CreatePool() {
	poolMu.Lock()
	defer poolMu.Unlock()
	if globalPool != nil {
		svox.Warningf("CreatePool called with pool already present\n")
		return
	}
	globalPool = &Pool{lists: make(map[int][][]byte)}
}

// DestroyPool tears down the process-wide pool.  Any Recycle after this is a
// logged no-op: outstanding buffers are simply left to the garbage collector.
func DestroyPool() {
	poolMu.Lock()
	defer poolMu.Unlock()
	if globalPool == nil {
		return
	}
	globalPool.mu.Lock()
	if globalPool.used != 0 {
		svox.Warningf("Destroying block pool with %d blocks still in use\n", globalPool.used)
	}
	globalPool.lists = nil
	globalPool.dead = true
	globalPool.mu.Unlock()
	globalPool = nil
}

// GlobalPool returns the process-wide pool, or nil before CreatePool.
func GlobalPool() *Pool {
	poolMu.Lock()
	defer poolMu.Unlock()
	return globalPool
}

// Allocate returns a zeroed byte slice of the given size, reusing a recycled
// one if available.
func (p *Pool) Allocate(size int) []byte {
	if size <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		svox.Criticalf("Allocate called on destroyed block pool\n")
		return make([]byte, size)
	}
	p.used++
	list := p.lists[size]
	if n := len(list); n > 0 {
		b := list[n-1]
		p.lists[size] = list[:n-1]
		for i := range b {
			b[i] = 0
		}
		return b
	}
	return make([]byte, size)
}

// Recycle returns a slice obtained from Allocate back to its free list.  The
// slice must not be used afterwards.
func (p *Pool) Recycle(b []byte) {
	if len(b) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		svox.Criticalf("Recycle called on destroyed block pool\n")
		return
	}
	p.used--
	if p.used < 0 {
		svox.Criticalf("Block pool recycled more blocks than it allocated\n")
		p.used = 0
		return
	}
	size := len(b)
	p.lists[size] = append(p.lists[size], b)
}

// ClearUnused releases every currently-free slice, typically under memory
// pressure or at shutdown.  Slices still in use are unaffected.
func (p *Pool) ClearUnused() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return
	}
	p.lists = make(map[int][][]byte)
}

// UsedBlocks returns the number of outstanding (allocated, not yet recycled)
// slices, for diagnostics.
func (p *Pool) UsedBlocks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// DebugPrint logs the pool's free lists and usage counter.
func (p *Pool) DebugPrint() {
	p.mu.Lock()
	defer p.mu.Unlock()
	var freeBytes uint64
	var freeBlocks int
	for size, list := range p.lists {
		freeBlocks += len(list)
		freeBytes += uint64(size * len(list))
	}
	svox.Infof("Block pool: %d blocks in use, %d free (%s) across %d size classes\n",
		p.used, freeBlocks, humanize.Bytes(freeBytes), len(p.lists))
}

// poolAllocate goes through the global pool if present so code paths work in
// tests that never call CreatePool.
func poolAllocate(size int) []byte {
	if p := GlobalPool(); p != nil {
		return p.Allocate(size)
	}
	return make([]byte, size)
}

func poolRecycle(b []byte) {
	if p := GlobalPool(); p != nil {
		p.Recycle(b)
	}
}
