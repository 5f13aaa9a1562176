// Copyright 2024 The Loom Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/lijobs/loom/pkg/markword"
	"github.com/lijobs/loom/pkg/stats"
)

// BlockSize is the number of monitors allocated per block when both the
// thread-local and global free lists are exhausted.
const BlockSize = 128

// maxPrivateBatch bounds how many monitors a cache refill takes from the
// global free list in one pool-lock acquisition.
const maxPrivateBatch = 32

var (
	blocksAllocated = stats.MustRegister("/loom/monitor/blocks_allocated",
		"Fresh monitor blocks linked into the pool.")
	monitorsDeflated = stats.MustRegister("/loom/monitor/deflated",
		"Idle monitors reclaimed to the free lists.")
)

var log = logrus.WithField("subsys", "monitor")

// Pool owns every monitor in the process: the backing blocks, the global
// free list, and the global in-use list carrying monitors inherited from
// exited threads.
type Pool struct {
	// mu is the list-splice lock for the global lists, the block list,
	// and the cache registry.
	mu sync.Mutex

	blocks [][]Monitor

	gFree      *Monitor
	gFreeCount int

	gInUse      *Monitor
	gInUseCount int

	caches map[*Cache]struct{}

	// population is the number of monitors ever carved into blocks.
	population int

	// blocksSnap is a lock-free snapshot of blocks for ByID, republished
	// whenever a block is carved.
	blocksSnap atomic.Pointer[[][]Monitor]
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{caches: map[*Cache]struct{}{}}
}

// ByID resolves a fat-locked header's monitor handle. Lock-free: headers
// only ever name monitors from blocks published before the header became
// visible.
func (p *Pool) ByID(id markword.MonitorID) *Monitor {
	snap := p.blocksSnap.Load()
	idx := int(id) - 1
	if snap == nil || idx < 0 || idx >= len(*snap)*BlockSize {
		panic(fmt.Sprintf("monitor: id %d outside pool population", id))
	}
	return &(*snap)[idx/BlockSize][idx%BlockSize]
}

// Population returns the number of monitors in circulation (free or not).
func (p *Pool) Population() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.population
}

// FreeCount returns the total monitors on free lists, global and cached.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.gFreeCount
	for c := range p.caches {
		n += int(c.freeCount.Load())
	}
	return n
}

// CleanupNeeded reports whether the share of extant monitors currently in
// use meets the deflation threshold percentage.
func (p *Pool) CleanupNeeded(thresholdPct int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.population == 0 {
		return false
	}
	free := p.gFreeCount
	for c := range p.caches {
		free += int(c.freeCount.Load())
	}
	used := p.population - free
	return used*100 >= thresholdPct*p.population
}

// newBlockLocked carves a fresh block and links every slot into the global
// free list. Callers hold p.mu.
func (p *Pool) newBlockLocked() {
	block := make([]Monitor, BlockSize)
	base := p.population
	for i := range block {
		m := &block[i]
		m.id = markword.MonitorID(base + i + 1)
		m.where = tagGlobalFree
		m.next = p.gFree
		p.gFree = m
	}
	p.blocks = append(p.blocks, block)
	snap := make([][]Monitor, len(p.blocks))
	copy(snap, p.blocks)
	p.blocksSnap.Store(&snap)
	p.population += BlockSize
	p.gFreeCount += BlockSize
	blocksAllocated.Increment()
	log.WithFields(logrus.Fields{"block": len(p.blocks), "population": p.population}).
		Debug("allocated monitor block")
}

// Cache is a thread's private allocator view: a free list refilled in
// batches from the global list, and an in-use list of monitors the thread
// inflated. Only the owning thread touches a cache outside safepoint
// exclusivity.
type Cache struct {
	pool  *Pool
	owner markword.ThreadID

	free *Monitor
	// freeCount is written by the owner's lock-free Alloc/Release path but
	// read by pool-wide accounting while the owner runs, so it is atomic.
	freeCount atomic.Int32

	inUse      *Monitor
	inUseCount int
}

// NewCache registers a per-thread allocation cache.
func (p *Pool) NewCache(owner markword.ThreadID) *Cache {
	c := &Cache{pool: p, owner: owner}
	p.mu.Lock()
	p.caches[c] = struct{}{}
	p.mu.Unlock()
	return c
}

// Alloc returns a free monitor, linked onto the cache's in-use list. The
// fast path is a thread-local pop with no synchronization; refills take a
// batch from the global list to amortize pool-lock contention; a fresh
// block is carved when both are dry.
func (c *Cache) Alloc() *Monitor {
	for {
		if m := c.free; m != nil {
			if m.where != tagThreadFree {
				panic(fmt.Sprintf("monitor %d: on thread free list with tag %s", m.id, m.where))
			}
			c.free = m.next
			c.freeCount.Add(-1)
			m.where = tagThreadInUse
			m.next = c.inUse
			c.inUse = m
			c.inUseCount++
			return m
		}

		p := c.pool
		p.mu.Lock()
		if p.gFree == nil {
			p.newBlockLocked()
		}
		for i := 0; i < maxPrivateBatch && p.gFree != nil; i++ {
			m := p.gFree
			p.gFree = m.next
			p.gFreeCount--
			m.where = tagThreadFree
			m.next = c.free
			c.free = m
			c.freeCount.Add(1)
		}
		p.mu.Unlock()
	}
}

// Release returns an idle monitor to a free list. fromPerThread moves it
// from the cache's in-use list to the cache's free list (the normal path,
// e.g. a lost inflation race); otherwise the monitor is on the global
// in-use list and returns to the global free list, as during cross-thread
// cleanup.
func (c *Cache) Release(m *Monitor, fromPerThread bool) {
	m.clear()
	if fromPerThread {
		c.unlinkInUse(m)
		m.where = tagThreadFree
		m.next = c.free
		c.free = m
		c.freeCount.Add(1)
		return
	}
	p := c.pool
	p.mu.Lock()
	p.unlinkGlobalInUseLocked(m)
	m.where = tagGlobalFree
	m.next = p.gFree
	p.gFree = m
	p.gFreeCount++
	p.mu.Unlock()
}

func (c *Cache) unlinkInUse(m *Monitor) {
	if m.where != tagThreadInUse {
		panic(fmt.Sprintf("monitor %d: releasing from thread in-use list with tag %s", m.id, m.where))
	}
	if c.inUse == m {
		c.inUse = m.next
	} else {
		prev := c.inUse
		for prev != nil && prev.next != m {
			prev = prev.next
		}
		if prev == nil {
			panic(fmt.Sprintf("monitor %d: tagged thread-in-use but absent from the list", m.id))
		}
		prev.next = m.next
	}
	m.next = nil
	c.inUseCount--
}

func (p *Pool) unlinkGlobalInUseLocked(m *Monitor) {
	if m.where != tagGlobalInUse {
		panic(fmt.Sprintf("monitor %d: releasing from global in-use list with tag %s", m.id, m.where))
	}
	if p.gInUse == m {
		p.gInUse = m.next
	} else {
		prev := p.gInUse
		for prev != nil && prev.next != m {
			prev = prev.next
		}
		if prev == nil {
			panic(fmt.Sprintf("monitor %d: tagged global-in-use but absent from the list", m.id))
		}
		prev.next = m.next
	}
	m.next = nil
	p.gInUseCount--
}

// Flush migrates the cache's lists to the global lists and deregisters the
// cache. Called on thread termination; in-use monitors may still be locked
// and are inherited by the global in-use list for later deflation.
func (c *Cache) Flush() {
	p := c.pool
	p.mu.Lock()
	for m := c.free; m != nil; {
		next := m.next
		m.where = tagGlobalFree
		m.next = p.gFree
		p.gFree = m
		p.gFreeCount++
		m = next
	}
	c.free = nil
	c.freeCount.Store(0)
	inherited := 0
	for m := c.inUse; m != nil; {
		next := m.next
		m.where = tagGlobalInUse
		m.next = p.gInUse
		p.gInUse = m
		p.gInUseCount++
		inherited++
		m = next
	}
	c.inUse = nil
	c.inUseCount = 0
	delete(p.caches, c)
	p.mu.Unlock()
	if inherited > 0 {
		log.WithFields(logrus.Fields{"thread": c.owner, "monitors": inherited}).
			Debug("thread exit inherited in-use monitors to the global list")
	}
}

// InUseCount returns the cache's in-use list length, for audits and tests.
func (c *Cache) InUseCount() int {
	return c.inUseCount
}

// FreeCount returns the cache's free list length, for audits and tests.
func (c *Cache) FreeCount() int {
	return int(c.freeCount.Load())
}
