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
	"testing"

	"github.com/lijobs/loom/pkg/markword"
	"github.com/lijobs/loom/pkg/object"
)

func TestAllocCarvesBlocks(t *testing.T) {
	p := NewPool()
	c := p.NewCache(1)
	m := c.Alloc()
	if m == nil || m.ID() == 0 {
		t.Fatal("Alloc returned an unidentified monitor")
	}
	if got := p.Population(); got != BlockSize {
		t.Errorf("population after first alloc: got %d, want %d", got, BlockSize)
	}
	if got := p.ByID(m.ID()); got != m {
		t.Errorf("ByID(%d): got %p, want %p", m.ID(), got, m)
	}
	p.Audit()
}

func TestAllocRefillsInBatches(t *testing.T) {
	p := NewPool()
	c := p.NewCache(1)
	c.Alloc()
	// The refill moved a batch to the private free list; subsequent
	// allocations must not touch the global list until it is drained.
	if got := c.FreeCount(); got != maxPrivateBatch-1 {
		t.Errorf("private free count after first alloc: got %d, want %d", got, maxPrivateBatch-1)
	}
	for i := 1; i < maxPrivateBatch; i++ {
		c.Alloc()
	}
	if got := c.FreeCount(); got != 0 {
		t.Errorf("private free count after draining the batch: got %d, want 0", got)
	}
	if got := c.InUseCount(); got != maxPrivateBatch {
		t.Errorf("private in-use count: got %d, want %d", got, maxPrivateBatch)
	}
	p.Audit()
}

func TestReleaseReturnsToPrivateFreeList(t *testing.T) {
	p := NewPool()
	c := p.NewCache(1)
	m := c.Alloc()
	free := c.FreeCount()
	c.Release(m, true)
	if got := c.FreeCount(); got != free+1 {
		t.Errorf("free count after release: got %d, want %d", got, free+1)
	}
	if got := c.InUseCount(); got != 0 {
		t.Errorf("in-use count after release: got %d, want 0", got)
	}
	p.Audit()
}

func TestFlushMigratesListsToGlobal(t *testing.T) {
	p := NewPool()
	c := p.NewCache(1)

	// One monitor stays associated, as if its thread exited while the
	// object was still fat-locked.
	m := c.Alloc()
	o := object.New(object.NewClass("test/Flushed", false))
	m.SetDisplacedHeader(o.Header())
	m.SetObject(o)
	o.SetHeader(markword.MakeFat(m.ID()))

	c.Flush()
	if got := p.FreeCount(); got != BlockSize-1 {
		t.Errorf("global free count after flush: got %d, want %d", got, BlockSize-1)
	}
	found := false
	p.EachInUse(func(got *Monitor) {
		if got == m {
			found = true
		}
	})
	if !found {
		t.Error("in-use monitor not inherited by the global in-use list")
	}
	p.Audit()

	// The inherited monitor is idle, so a later deflation pass reclaims
	// it (cross-thread cleanup path).
	ds := p.DeflateIdleMonitors()
	if ds.Scavenged != 1 || ds.PerThreadScavenged != 0 {
		t.Errorf("deflation after flush: scavenged %d (per-thread %d), want 1 (0)", ds.Scavenged, ds.PerThreadScavenged)
	}
	if got := o.Header(); !got.IsNeutral() {
		t.Errorf("object header after deflation: got %s, want neutral", got)
	}
	p.Audit()
}

func TestDeflationSkipsBusyMonitors(t *testing.T) {
	p, _, m := testMonitor(t)
	a := newFakeActor(1)
	m.Enter(a)

	ds := p.DeflateIdleMonitors()
	if ds.Scavenged != 0 {
		t.Errorf("deflation scavenged %d monitors while one was owned", ds.Scavenged)
	}
	if got := m.Object().Header(); !got.IsFatLocked() {
		t.Errorf("owned monitor lost its object association: header %s", got)
	}
	m.Exit(a)
	p.Audit()
}

func TestInflateDeflateRoundTrip(t *testing.T) {
	p, c, m := testMonitor(t)
	o := m.Object()

	ds := p.DeflateIdleMonitors()
	if ds.Scavenged != 1 {
		t.Fatalf("deflation scavenged %d, want 1", ds.Scavenged)
	}
	if got := o.Header(); !got.IsNeutral() {
		t.Errorf("header after round trip: got %s, want neutral", got)
	}
	if m.Object() != nil {
		t.Error("deflated monitor still associated with its object")
	}

	// Deflation is idempotent: a second pass finds nothing.
	if ds := p.DeflateIdleMonitors(); ds.Scavenged != 0 {
		t.Errorf("second deflation scavenged %d, want 0", ds.Scavenged)
	}
	_ = c
	p.Audit()
}

func TestDeflationReportsPerThreadScavenges(t *testing.T) {
	p := NewPool()
	c := p.NewCache(7)
	var objs []*object.Object
	for i := 0; i < 3; i++ {
		m := c.Alloc()
		o := object.New(object.NewClass("test/Idle", false))
		m.SetDisplacedHeader(o.Header())
		m.SetObject(o)
		o.SetHeader(markword.MakeFat(m.ID()))
		objs = append(objs, o)
	}
	ds := p.DeflateIdleMonitors()
	if ds.Scavenged != 3 || ds.PerThreadScavenged != 3 {
		t.Errorf("scavenged %d (per-thread %d), want 3 (3)", ds.Scavenged, ds.PerThreadScavenged)
	}
	for _, o := range objs {
		if got := o.Header(); !got.IsNeutral() {
			t.Errorf("header after deflation: got %s, want neutral", got)
		}
	}
	p.Audit()
}

func TestCleanupNeeded(t *testing.T) {
	p := NewPool()
	if p.CleanupNeeded(90) {
		t.Error("empty pool reported cleanup needed")
	}
	c := p.NewCache(1)
	var ms []*Monitor
	for i := 0; i < BlockSize; i++ {
		ms = append(ms, c.Alloc())
	}
	if !p.CleanupNeeded(90) {
		t.Error("fully used pool not reported as needing cleanup")
	}
	for _, m := range ms {
		c.Release(m, true)
	}
	if p.CleanupNeeded(90) {
		t.Error("fully free pool reported cleanup needed")
	}
}

func TestCleanupNeededDuringCacheChurn(t *testing.T) {
	p := NewPool()
	c := p.NewCache(1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			c.Release(c.Alloc(), true)
		}
	}()
	// Pool-wide accounting runs concurrently with the owner's lock-free
	// alloc/release path; the race detector must stay quiet.
	for i := 0; i < 200; i++ {
		p.CleanupNeeded(90)
		p.FreeCount()
	}
	<-done
	if got := c.InUseCount(); got != 0 {
		t.Errorf("in-use count after churn: got %d, want 0", got)
	}
	p.Audit()
}

func TestOopsDoVisitsLiveObjects(t *testing.T) {
	p, _, m := testMonitor(t)
	visited := 0
	p.OopsDo(func(o *object.Object) {
		if o != m.Object() {
			t.Errorf("visited unexpected object %p", o)
		}
		visited++
	})
	if visited != 1 {
		t.Errorf("visited %d objects, want 1", visited)
	}
}
