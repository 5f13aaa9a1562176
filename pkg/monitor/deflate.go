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

	"github.com/sirupsen/logrus"

	"github.com/lijobs/loom/pkg/markword"
	"github.com/lijobs/loom/pkg/object"
)

// DeflationStats summarizes one deflation pass.
type DeflationStats struct {
	// InUse is the number of monitors still associated with objects after
	// the pass.
	InUse int
	// InCirculation is the number of extant monitors.
	InCirculation int
	// Scavenged is the number of monitors reclaimed to the free lists.
	Scavenged int
	// PerThreadScavenged is the subset of Scavenged reclaimed from
	// thread-local in-use lists.
	PerThreadScavenged int
}

// DeflateIdleMonitors scans every in-use list and reclaims idle monitors:
// unowned, no recursion debt, empty queues. Each reclaimed monitor's object
// gets its displaced header restored, leaving it indistinguishable from one
// that was never inflated apart from hash retention.
//
// Callers must hold safepoint exclusivity: the safepoint is the arbiter
// that keeps this scan from racing an in-flight inflation, so no monitor
// can be observed simultaneously in use and free.
func (p *Pool) DeflateIdleMonitors() DeflationStats {
	var ds DeflationStats
	p.mu.Lock()
	ds.InCirculation = p.population

	n := p.deflateListLocked(&p.gInUse, &p.gInUseCount, tagGlobalInUse)
	ds.Scavenged += n

	for c := range p.caches {
		n := p.deflateListLocked(&c.inUse, &c.inUseCount, tagThreadInUse)
		ds.Scavenged += n
		ds.PerThreadScavenged += n
	}

	ds.InUse = p.gInUseCount
	for c := range p.caches {
		ds.InUse += c.inUseCount
	}
	p.mu.Unlock()

	monitorsDeflated.Add(uint64(ds.Scavenged))
	if ds.Scavenged > 0 {
		log.WithFields(logrus.Fields{
			"scavenged":  ds.Scavenged,
			"per_thread": ds.PerThreadScavenged,
			"in_use":     ds.InUse,
		}).Debug("deflated idle monitors")
	}
	return ds
}

// deflateListLocked walks one in-use list, moving idle monitors to the
// global free list. Returns the number scavenged. Callers hold p.mu and
// safepoint exclusivity.
func (p *Pool) deflateListLocked(head **Monitor, count *int, tag listTag) int {
	scavenged := 0
	var prev *Monitor
	m := *head
	for m != nil {
		next := m.next
		if m.where != tag {
			panic(fmt.Sprintf("monitor %d: on %s list with tag %s", m.id, tag, m.where))
		}
		if p.deflateMonitorLocked(m) {
			// Unlink from the in-use list; deflateMonitorLocked
			// already pushed it onto the global free list via a
			// fresh link, so only the in-use linkage needs fixing.
			if prev == nil {
				*head = next
			} else {
				prev.next = next
			}
			*count = *count - 1
			scavenged++
		} else {
			prev = m
		}
		m = next
	}
	return scavenged
}

// deflateMonitorLocked reclaims m if it is idle. The object's header must
// reference m; its displaced header is restored. Busy monitors are left in
// place and the call is a no-op.
func (p *Pool) deflateMonitorLocked(m *Monitor) bool {
	if !m.isIdle() {
		return false
	}
	o := m.Object()
	if o == nil {
		panic(fmt.Sprintf("monitor %d: on an in-use list with no object", m.id))
	}
	if h := o.Header(); !h.IsFatLocked() || h.Monitor() != m.id {
		panic(fmt.Sprintf("monitor %d: object header %s does not reference it", m.id, h))
	}
	restored := m.DisplacedHeader()
	if restored.IsLocked() || restored.HasBiasPattern() {
		panic(fmt.Sprintf("monitor %d: displaced header %s is not restorable", m.id, restored))
	}
	o.SetHeader(restored)
	m.clear()
	m.where = tagGlobalFree
	m.next = p.gFree
	p.gFree = m
	p.gFreeCount++
	return true
}

// EachInUse visits every monitor on an in-use list, global or thread-local.
// Callers must hold safepoint exclusivity.
func (p *Pool) EachInUse(fn func(*Monitor)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for m := p.gInUse; m != nil; m = m.next {
		fn(m)
	}
	for c := range p.caches {
		for m := c.inUse; m != nil; m = m.next {
			fn(m)
		}
	}
}

// OopsDo visits the object referenced by every live monitor, for GC root
// enumeration. Callers must hold safepoint exclusivity.
func (p *Pool) OopsDo(fn func(*object.Object)) {
	p.EachInUse(func(m *Monitor) {
		if o := m.Object(); o != nil {
			fn(o)
		}
	})
}

// Audit checks list/tag agreement across the pool and panics on the first
// inconsistency. Free monitors must be idle and disassociated; in-use
// monitors must be associated. Intended for tests and debug builds.
func (p *Pool) Audit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := map[markword.MonitorID]listTag{}
	note := func(m *Monitor, want listTag) {
		if m.where != want {
			panic(fmt.Sprintf("monitor %d: on %s list with tag %s", m.id, want, m.where))
		}
		if prior, dup := seen[m.id]; dup {
			panic(fmt.Sprintf("monitor %d: on both %s and %s lists", m.id, prior, m.where))
		}
		seen[m.id] = m.where
	}
	for m := p.gFree; m != nil; m = m.next {
		note(m, tagGlobalFree)
		if m.Object() != nil || !m.isIdle() {
			panic(fmt.Sprintf("monitor %d: free but busy", m.id))
		}
	}
	for m := p.gInUse; m != nil; m = m.next {
		note(m, tagGlobalInUse)
		if m.Object() == nil {
			panic(fmt.Sprintf("monitor %d: in use with no object", m.id))
		}
	}
	for c := range p.caches {
		for m := c.free; m != nil; m = m.next {
			note(m, tagThreadFree)
			if m.Object() != nil || !m.isIdle() {
				panic(fmt.Sprintf("monitor %d: free but busy", m.id))
			}
		}
		for m := c.inUse; m != nil; m = m.next {
			note(m, tagThreadInUse)
			if m.Object() == nil {
				panic(fmt.Sprintf("monitor %d: in use with no object", m.id))
			}
		}
	}
}
