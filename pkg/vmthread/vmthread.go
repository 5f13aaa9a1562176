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

// Package vmthread provides the mutator thread abstraction: identity for
// lock ownership, the per-thread stack of lock records, cooperative
// safepoint participation, and interrupt state.
package vmthread

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/lijobs/loom/pkg/markword"
	"github.com/lijobs/loom/pkg/monitor"
	"github.com/lijobs/loom/pkg/object"
	"github.com/lijobs/loom/pkg/safepoint"
)

var log = logrus.WithField("subsys", "vmthread")

// StackEntry is one frame-owned lock record: the object it locks and the
// record whose ID may appear in the object's header.
type StackEntry struct {
	Obj  *object.Object
	Lock *object.BasicLock
}

// Thread is a mutator. A Thread must only be driven by a single goroutine;
// other threads read its lock records exclusively under safepoint or
// handshake exclusivity.
type Thread struct {
	id   markword.ThreadID
	name string
	reg  *Registry

	part *safepoint.Participant

	// Monitors is the thread's private monitor allocation cache.
	Monitors *monitor.Cache

	// stackMu guards lockStack against exclusivity-holding readers. The
	// owning goroutine takes it on push/pop; revokers rely on the target
	// being stopped, but the mutex makes the accesses race-free.
	stackMu   sync.Mutex
	lockStack []StackEntry

	// hashState seeds the per-thread Marsaglia xorshift generator used
	// for identity hashes.
	hashState uint64

	interrupted atomic.Bool
	interruptCh chan struct{}

	exited atomic.Bool
}

// ID returns the thread's lock-ownership identity.
func (t *Thread) ID() markword.ThreadID { return t.id }

// Name returns the thread's diagnostic name.
func (t *Thread) Name() string { return t.name }

// Participant exposes the thread's safepoint participation handle.
func (t *Thread) Participant() *safepoint.Participant { return t.part }

// BeginBlocking marks the thread safe before it parks or performs a
// blocking call.
func (t *Thread) BeginBlocking() { t.part.BeginBlocking() }

// EndBlocking restores the running state, first yielding to any stop or
// handshake that arrived while the thread was safe.
func (t *Thread) EndBlocking() { t.part.EndBlocking() }

// Poll is the cooperative yield point. Mutator loops call it between
// operations so pending handshakes and safepoints make progress.
func (t *Thread) Poll() { t.part.Poll() }

// InterruptSignal returns the channel a parked wait selects on.
func (t *Thread) InterruptSignal() <-chan struct{} { return t.interruptCh }

// Interrupt sets the thread's interrupt status and wakes an interruptible
// wait if one is in progress. Idempotent while the status is pending.
func (t *Thread) Interrupt() {
	if t.interrupted.CompareAndSwap(false, true) {
		t.interruptCh <- struct{}{}
	}
}

// IsInterrupted reports the interrupt status without consuming it.
func (t *Thread) IsInterrupted() bool { return t.interrupted.Load() }

// ClearInterrupt consumes the interrupt status, reporting whether it was
// pending.
func (t *Thread) ClearInterrupt() bool {
	if t.interrupted.CompareAndSwap(true, false) {
		select {
		case <-t.interruptCh:
		default:
		}
		return true
	}
	return false
}

// NextHash draws a well-mixed nonzero value from the thread's private
// xorshift state. Used for identity hash installation.
func (t *Thread) NextHash() uint32 {
	for {
		x := t.hashState
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		t.hashState = x
		if h := uint32(x) & markword.HashMask; h != 0 {
			return h
		}
	}
}

// PushLockRecord records a frame-owned lock of o. Returns the record that
// the locking fast path publishes or displaces into.
func (t *Thread) PushLockRecord(o *object.Object) *object.BasicLock {
	bl := &object.BasicLock{}
	bl.SetOwner(t.id)
	t.stackMu.Lock()
	t.lockStack = append(t.lockStack, StackEntry{Obj: o, Lock: bl})
	t.stackMu.Unlock()
	return bl
}

// PopLockRecord removes the most recent record for o, mirroring balanced
// block-structured unlocking. Panics if the thread holds no record for o.
func (t *Thread) PopLockRecord(o *object.Object) *object.BasicLock {
	t.stackMu.Lock()
	defer t.stackMu.Unlock()
	for i := len(t.lockStack) - 1; i >= 0; i-- {
		if t.lockStack[i].Obj == o {
			bl := t.lockStack[i].Lock
			t.lockStack = append(t.lockStack[:i], t.lockStack[i+1:]...)
			return bl
		}
	}
	panic(fmt.Sprintf("thread %d: unlock of %p with no matching lock record", t.id, o))
}

// HasLockRecord reports whether the thread holds any record for o.
func (t *Thread) HasLockRecord(o *object.Object) bool {
	t.stackMu.Lock()
	defer t.stackMu.Unlock()
	for i := len(t.lockStack) - 1; i >= 0; i-- {
		if t.lockStack[i].Obj == o {
			return true
		}
	}
	return false
}

// ForEachLockRecord visits the thread's lock records oldest first. Callers
// that are not the thread itself must hold exclusivity over it.
func (t *Thread) ForEachLockRecord(fn func(StackEntry)) {
	t.stackMu.Lock()
	entries := make([]StackEntry, len(t.lockStack))
	copy(entries, t.lockStack)
	t.stackMu.Unlock()
	for _, e := range entries {
		fn(e)
	}
}

// LockRecordsFor returns the thread's records for o, oldest first.
func (t *Thread) LockRecordsFor(o *object.Object) []*object.BasicLock {
	t.stackMu.Lock()
	defer t.stackMu.Unlock()
	var out []*object.BasicLock
	for _, e := range t.lockStack {
		if e.Obj == o {
			out = append(out, e.Lock)
		}
	}
	return out
}

// LockRecordCount returns the depth of the thread's lock-record stack.
func (t *Thread) LockRecordCount() int {
	t.stackMu.Lock()
	defer t.stackMu.Unlock()
	return len(t.lockStack)
}

// Exit tears the thread down: its monitor cache is flushed to the global
// lists, and it stops participating in safepoints. The thread must not be
// used afterwards.
func (t *Thread) Exit() {
	if !t.exited.CompareAndSwap(false, true) {
		return
	}
	t.Monitors.Flush()
	t.part.Deregister()
	t.reg.remove(t)
	log.WithFields(logrus.Fields{"thread": t.id, "name": t.name}).Debug("thread exited")
}

// Registry tracks live threads so revokers can walk all lock-record stacks
// and resolve bias owners to threads.
type Registry struct {
	pool *monitor.Pool
	ctl  *safepoint.Controller

	mu      sync.Mutex
	byID    map[markword.ThreadID]*Thread
	nextID  markword.ThreadID
	hashRnd uint64
}

// NewRegistry creates a thread registry backed by the given monitor pool
// and safepoint controller.
func NewRegistry(pool *monitor.Pool, ctl *safepoint.Controller) *Registry {
	return &Registry{
		pool:    pool,
		ctl:     ctl,
		byID:    map[markword.ThreadID]*Thread{},
		hashRnd: 0x9e3779b97f4a7c15,
	}
}

// NewThread registers a mutator. The calling goroutine becomes the
// thread's driver and starts in the running state.
func (r *Registry) NewThread(name string) *Thread {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	if uint64(id) > markword.MaxThreadID {
		r.mu.Unlock()
		panic("vmthread: thread identity space exhausted")
	}
	r.hashRnd ^= r.hashRnd << 13
	r.hashRnd ^= r.hashRnd >> 7
	r.hashRnd ^= r.hashRnd << 17
	seed := r.hashRnd | 1
	r.mu.Unlock()

	t := &Thread{
		id:          id,
		name:        name,
		reg:         r,
		hashState:   seed,
		interruptCh: make(chan struct{}, 1),
	}
	t.Monitors = r.pool.NewCache(id)
	t.part = r.ctl.NewParticipant(name)

	r.mu.Lock()
	r.byID[id] = t
	r.mu.Unlock()
	log.WithFields(logrus.Fields{"thread": id, "name": name}).Debug("thread registered")
	return t
}

func (r *Registry) remove(t *Thread) {
	r.mu.Lock()
	delete(r.byID, t.id)
	r.mu.Unlock()
}

// Lookup resolves a lock-ownership identity to a live thread, or nil if
// the thread has exited.
func (r *Registry) Lookup(id markword.ThreadID) *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// ForEach visits every live thread. The snapshot is taken under the
// registry lock; visiting happens outside it.
func (r *Registry) ForEach(fn func(*Thread)) {
	r.mu.Lock()
	threads := make([]*Thread, 0, len(r.byID))
	for _, t := range r.byID {
		threads = append(threads, t)
	}
	r.mu.Unlock()
	for _, t := range threads {
		fn(t)
	}
}

// Count returns the number of live threads.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
