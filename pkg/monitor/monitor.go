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

// Package monitor implements heavyweight object monitors and their
// free-list allocator.
//
// A Monitor represents a fat lock: an owner, a recursion count, the
// object's displaced header, a queue of blocked acquirers, and a wait set.
// Monitors are pooled: a Pool owns blocks of monitors and global free and
// in-use lists; each mutator thread allocates through a Cache, which keeps
// private free and in-use lists so the common allocation path needs no
// synchronization. Idle monitors are reclaimed at safepoints by the
// deflation scan in deflate.go.
package monitor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lijobs/loom/pkg/markword"
	"github.com/lijobs/loom/pkg/object"
	"github.com/lijobs/loom/pkg/stats"
)

// ErrInterrupted is returned from Wait when the waiting thread was
// interrupted. Callers layer language-level interrupted-wait semantics on
// top of it.
var ErrInterrupted = errors.New("monitor: wait interrupted")

var (
	contendedEnters = stats.MustRegister("/loom/monitor/contended_enters",
		"Monitor acquisitions that had to park behind another owner.")
	waitsStarted = stats.MustRegister("/loom/monitor/waits",
		"Wait-set entries (Object.wait equivalents).")
	notifications = stats.MustRegister("/loom/monitor/notifications",
		"Waiters moved from a wait set to the entry path by notify/notifyAll.")
)

// Actor is a mutator thread from the monitor's point of view: an identity,
// a blocking bracket that keeps the thread safepoint-safe while parked, and
// an interrupt source. Implemented by vmthread.Thread.
type Actor interface {
	// ID is the thread's identity for ownership tests.
	ID() markword.ThreadID

	// BeginBlocking and EndBlocking bracket every park so that
	// safepoints and handshakes do not wait on a parked thread.
	BeginBlocking()
	EndBlocking()

	// InterruptSignal receives a value when the thread is interrupted.
	InterruptSignal() <-chan struct{}

	// ClearInterrupt consumes a pending interrupt, reporting whether one
	// was pending.
	ClearInterrupt() bool
}

// parkNode is one parked thread on a monitor queue.
type parkNode struct {
	ch         chan struct{}
	next, prev *parkNode
	queued     bool
	notified   bool
}

// parkList is a FIFO of parked threads, intrusively linked. Guarded by the
// monitor's mu.
type parkList struct {
	head, tail *parkNode
	size       int
}

func (l *parkList) push(n *parkNode) {
	n.queued = true
	n.prev = l.tail
	n.next = nil
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
	l.size++
}

func (l *parkList) popFront() *parkNode {
	n := l.head
	if n == nil {
		return nil
	}
	l.remove(n)
	return n
}

func (l *parkList) remove(n *parkNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.next = nil
	n.prev = nil
	n.queued = false
	l.size--
}

// listTag records which list a pooled monitor is on. List membership is
// exactly one of these at any time; moving lists is a relink, not a copy.
type listTag uint8

const (
	tagGlobalFree listTag = iota
	tagThreadFree
	tagThreadInUse
	tagGlobalInUse
)

func (t listTag) String() string {
	switch t {
	case tagGlobalFree:
		return "global-free"
	case tagThreadFree:
		return "thread-free"
	case tagThreadInUse:
		return "thread-in-use"
	case tagGlobalInUse:
		return "global-in-use"
	default:
		return fmt.Sprintf("listTag(%d)", uint8(t))
	}
}

// Monitor is a heavyweight lock record.
type Monitor struct {
	id markword.MonitorID

	// hdr is the displaced header of the associated object, restored on
	// deflation.
	hdr markword.Atomic

	// obj is the associated object, nil while the monitor is free.
	obj atomic.Pointer[object.Object]

	// owner is the owning thread's id, 0 if unowned.
	owner atomic.Uint64

	// recursions is the reentrancy depth beyond the first acquisition.
	// Only the owner mutates it; deflation reads it at safepoints.
	recursions atomic.Int32

	// mu guards the entry queue and wait set.
	mu     sync.Mutex
	entryq parkList
	waitq  parkList

	// waiters mirrors entryq.size+waitq.size for lock-free idleness
	// checks.
	waiters atomic.Int32

	// next links the monitor into whichever free or in-use list it is on;
	// where names that list. Guarded by the owning list's lock (the pool
	// lock for global lists, thread confinement plus safepoint
	// exclusivity for cache lists).
	next  *Monitor
	where listTag
}

// ID returns the monitor's pool handle, as referenced from fat-locked
// headers.
func (m *Monitor) ID() markword.MonitorID {
	return m.id
}

// Object returns the associated object, nil while free.
func (m *Monitor) Object() *object.Object {
	return m.obj.Load()
}

// SetObject associates the monitor with an object during inflation.
func (m *Monitor) SetObject(o *object.Object) {
	m.obj.Store(o)
}

// DisplacedHeader returns the object's saved header.
func (m *Monitor) DisplacedHeader() markword.Word {
	return m.hdr.Load()
}

// SetDisplacedHeader saves the object's header during inflation, and is
// also used to install an identity hash while the object stays fat-locked.
func (m *Monitor) SetDisplacedHeader(w markword.Word) {
	m.hdr.Store(w)
}

// CasDisplacedHeader installs want if the displaced header is still old.
// Used to install an identity hash exactly once while fat-locked.
func (m *Monitor) CasDisplacedHeader(old, want markword.Word) bool {
	return m.hdr.CompareAndSwap(old, want)
}

// Owner returns the owning thread id, 0 if unowned.
func (m *Monitor) Owner() markword.ThreadID {
	return markword.ThreadID(m.owner.Load())
}

// Recursions returns the current reentrancy depth beyond the first
// acquisition.
func (m *Monitor) Recursions() int32 {
	return m.recursions.Load()
}

// SetOwnerFromInflation transfers ownership established by a thin lock to
// the monitor. Called only by the inflating thread, before the fat header
// is published.
func (m *Monitor) SetOwnerFromInflation(t markword.ThreadID) {
	m.owner.Store(uint64(t))
}

// TryEnter attempts to acquire without blocking.
func (m *Monitor) TryEnter(a Actor) bool {
	self := uint64(a.ID())
	if m.owner.CompareAndSwap(0, self) {
		return true
	}
	if m.owner.Load() == self {
		m.recursions.Add(1)
		return true
	}
	return false
}

// Enter acquires the monitor, blocking while another thread owns it. The
// parked thread counts as safepoint-safe.
func (m *Monitor) Enter(a Actor) {
	self := uint64(a.ID())
	if m.owner.CompareAndSwap(0, self) {
		return
	}
	if m.owner.Load() == self {
		m.recursions.Add(1)
		return
	}

	contendedEnters.Increment()
	for {
		m.mu.Lock()
		// Retry under the queue lock so an exit that has already
		// passed the queue cannot strand us unparked.
		if m.owner.CompareAndSwap(0, self) {
			m.mu.Unlock()
			return
		}
		n := &parkNode{ch: make(chan struct{}, 1)}
		m.entryq.push(n)
		m.waiters.Add(1)
		m.mu.Unlock()

		a.BeginBlocking()
		<-n.ch
		a.EndBlocking()

		m.mu.Lock()
		if n.queued {
			// Spurious-looking wakeups cannot happen (the channel
			// is signaled only after dequeue), but be tolerant.
			m.entryq.remove(n)
		}
		m.waiters.Add(-1)
		m.mu.Unlock()

		if m.owner.CompareAndSwap(0, self) {
			return
		}
		// Lost the race to a barging enterer; park again.
	}
}

// Exit releases the monitor once. Unbalanced exits are protocol bugs and
// panic.
func (m *Monitor) Exit(a Actor) {
	if m.Owner() != a.ID() {
		panic(fmt.Sprintf("monitor %d: exit by non-owner thread %d (owner %d)", m.id, a.ID(), m.Owner()))
	}
	if m.recursions.Load() > 0 {
		m.recursions.Add(-1)
		return
	}
	m.releaseAndSignal()
}

// releaseAndSignal clears ownership and hands the lock to a queued
// acquirer if one exists.
func (m *Monitor) releaseAndSignal() {
	m.owner.Store(0)
	m.mu.Lock()
	n := m.entryq.popFront()
	m.mu.Unlock()
	if n != nil {
		n.ch <- struct{}{}
	}
}

// CompleteExit fully releases the monitor regardless of recursion depth and
// returns the depth so a later Reenter can restore it. Used when a thread
// must give up an object's lock to block on an unrelated condition.
func (m *Monitor) CompleteExit(a Actor) int32 {
	if m.Owner() != a.ID() {
		panic(fmt.Sprintf("monitor %d: complete-exit by non-owner thread %d (owner %d)", m.id, a.ID(), m.Owner()))
	}
	saved := m.recursions.Load()
	m.recursions.Store(0)
	m.releaseAndSignal()
	return saved
}

// Reenter reacquires the monitor and restores a recursion depth returned by
// CompleteExit.
func (m *Monitor) Reenter(a Actor, recursions int32) {
	m.Enter(a)
	m.recursions.Store(recursions)
}

// Wait releases the monitor and parks the caller on the wait set until
// notified, timed out (timeout > 0), or interrupted (if interruptible).
// On return the monitor is reacquired with the original recursion depth.
// Returns ErrInterrupted if the wait was abandoned by interruption; a
// pending interrupt is consumed and reported immediately, before parking.
func (m *Monitor) Wait(a Actor, timeout time.Duration, interruptible bool) error {
	if m.Owner() != a.ID() {
		panic(fmt.Sprintf("monitor %d: wait by non-owner thread %d (owner %d)", m.id, a.ID(), m.Owner()))
	}
	if interruptible && a.ClearInterrupt() {
		return ErrInterrupted
	}

	waitsStarted.Increment()
	saved := m.recursions.Load()
	m.recursions.Store(0)

	n := &parkNode{ch: make(chan struct{}, 1)}
	m.mu.Lock()
	m.waitq.push(n)
	m.waiters.Add(1)
	m.mu.Unlock()

	m.releaseAndSignal()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timeoutCh = timer.C
	}
	var interruptCh <-chan struct{}
	if interruptible {
		interruptCh = a.InterruptSignal()
	}

	a.BeginBlocking()
	interrupted := false
	select {
	case <-n.ch:
	case <-timeoutCh:
	case <-interruptCh:
		interrupted = true
	}
	a.EndBlocking()
	if timer != nil {
		timer.Stop()
	}

	m.mu.Lock()
	if n.queued {
		// Timed out or interrupted before any notify reached us.
		m.waitq.remove(n)
	}
	notified := n.notified
	m.waiters.Add(-1)
	m.mu.Unlock()

	m.Enter(a)
	m.recursions.Store(saved)

	if notified {
		// A notification won the race; a concurrent interrupt stays
		// pending for the next interruptible operation.
		return nil
	}
	if interrupted {
		a.ClearInterrupt()
		return ErrInterrupted
	}
	return nil
}

// Notify moves one waiter from the wait set to the entry path. The waiter
// reacquires the monitor before its Wait returns.
func (m *Monitor) Notify(a Actor) {
	if m.Owner() != a.ID() {
		panic(fmt.Sprintf("monitor %d: notify by non-owner thread %d (owner %d)", m.id, a.ID(), m.Owner()))
	}
	m.mu.Lock()
	n := m.waitq.popFront()
	if n != nil {
		n.notified = true
	}
	m.mu.Unlock()
	if n != nil {
		notifications.Increment()
		n.ch <- struct{}{}
	}
}

// NotifyAll moves every waiter to the entry path.
func (m *Monitor) NotifyAll(a Actor) {
	if m.Owner() != a.ID() {
		panic(fmt.Sprintf("monitor %d: notifyAll by non-owner thread %d (owner %d)", m.id, a.ID(), m.Owner()))
	}
	m.mu.Lock()
	var woken []*parkNode
	for n := m.waitq.popFront(); n != nil; n = m.waitq.popFront() {
		n.notified = true
		woken = append(woken, n)
	}
	m.mu.Unlock()
	for _, n := range woken {
		notifications.Increment()
		n.ch <- struct{}{}
	}
}

// HasWaiters reports whether any thread is parked on the monitor, in either
// queue.
func (m *Monitor) HasWaiters() bool {
	return m.waiters.Load() != 0
}

// isIdle reports deflation eligibility: unowned, no recursion debt, and
// empty queues. Only meaningful under safepoint exclusivity.
func (m *Monitor) isIdle() bool {
	return m.Owner() == 0 && m.recursions.Load() == 0 && !m.HasWaiters()
}

// clear resets a monitor for return to a free list. The monitor must be
// idle.
func (m *Monitor) clear() {
	if !m.isIdle() {
		panic(fmt.Sprintf("monitor %d: clearing a busy monitor (owner %d, waiters %d)", m.id, m.Owner(), m.waiters.Load()))
	}
	m.obj.Store(nil)
	m.hdr.Store(0)
	m.recursions.Store(0)
}
