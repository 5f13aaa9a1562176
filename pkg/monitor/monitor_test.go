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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lijobs/loom/pkg/markword"
	"github.com/lijobs/loom/pkg/object"
)

// fakeActor satisfies Actor without a real thread registry. The blocking
// bracket is a no-op; interrupts are level-triggered like the real thing.
type fakeActor struct {
	id        markword.ThreadID
	interrupt chan struct{}
	pending   atomic.Bool
}

func newFakeActor(id markword.ThreadID) *fakeActor {
	return &fakeActor{id: id, interrupt: make(chan struct{}, 1)}
}

func (a *fakeActor) ID() markword.ThreadID { return a.id }
func (a *fakeActor) BeginBlocking()        {}
func (a *fakeActor) EndBlocking()          {}

func (a *fakeActor) InterruptSignal() <-chan struct{} { return a.interrupt }

func (a *fakeActor) Interrupt() {
	if a.pending.CompareAndSwap(false, true) {
		a.interrupt <- struct{}{}
	}
}

func (a *fakeActor) ClearInterrupt() bool {
	if a.pending.CompareAndSwap(true, false) {
		select {
		case <-a.interrupt:
		default:
		}
		return true
	}
	return false
}

// testMonitor allocates an inflated monitor bound to a fresh object, the
// way the synchronizer would set one up.
func testMonitor(t *testing.T) (*Pool, *Cache, *Monitor) {
	t.Helper()
	p := NewPool()
	c := p.NewCache(1)
	m := c.Alloc()
	o := object.New(object.NewClass("test/Thing", false))
	m.SetDisplacedHeader(o.Header())
	m.SetObject(o)
	o.SetHeader(markword.MakeFat(m.ID()))
	return p, c, m
}

func TestEnterExitRecursion(t *testing.T) {
	_, _, m := testMonitor(t)
	a := newFakeActor(1)
	m.Enter(a)
	m.Enter(a)
	m.Enter(a)
	if got := m.Recursions(); got != 2 {
		t.Errorf("Recursions after 3 enters: got %d, want 2", got)
	}
	m.Exit(a)
	m.Exit(a)
	if m.Owner() != a.ID() {
		t.Error("owner dropped before the final exit")
	}
	m.Exit(a)
	if m.Owner() != 0 {
		t.Errorf("owner after final exit: got %d, want 0", m.Owner())
	}
}

func TestUnbalancedExitPanics(t *testing.T) {
	_, _, m := testMonitor(t)
	a, b := newFakeActor(1), newFakeActor(2)
	m.Enter(a)
	defer m.Exit(a)
	defer func() {
		if recover() == nil {
			t.Error("exit by non-owner did not panic")
		}
	}()
	m.Exit(b)
}

func TestContendedEnterHandsOff(t *testing.T) {
	_, _, m := testMonitor(t)
	a := newFakeActor(1)
	m.Enter(a)

	var acquired atomic.Bool
	var g errgroup.Group
	for i := 0; i < 4; i++ {
		id := markword.ThreadID(2 + i)
		g.Go(func() error {
			b := newFakeActor(id)
			m.Enter(b)
			defer m.Exit(b)
			if m.Owner() != b.ID() {
				return errors.New("entered but not owner")
			}
			acquired.Store(true)
			return nil
		})
	}

	time.Sleep(10 * time.Millisecond)
	if acquired.Load() {
		t.Fatal("a contender acquired the monitor while it was owned")
	}
	m.Exit(a)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if m.Owner() != 0 {
		t.Errorf("owner after all exits: got %d, want 0", m.Owner())
	}
}

func TestTryEnter(t *testing.T) {
	_, _, m := testMonitor(t)
	a, b := newFakeActor(1), newFakeActor(2)
	if !m.TryEnter(a) {
		t.Fatal("TryEnter on an unowned monitor failed")
	}
	if m.TryEnter(b) {
		t.Fatal("TryEnter by a second thread succeeded")
	}
	if !m.TryEnter(a) {
		t.Fatal("recursive TryEnter by the owner failed")
	}
	m.Exit(a)
	m.Exit(a)
}

func TestWaitNotify(t *testing.T) {
	_, _, m := testMonitor(t)
	waiter := newFakeActor(1)
	notifier := newFakeActor(2)

	waited := make(chan error, 1)
	go func() {
		m.Enter(waiter)
		defer m.Exit(waiter)
		waited <- m.Wait(waiter, 0, true)
	}()

	// Wait until the waiter has released the monitor onto the wait set.
	for !m.HasWaiters() {
		time.Sleep(time.Millisecond)
	}

	m.Enter(notifier)
	m.Notify(notifier)
	m.Exit(notifier)

	select {
	case err := <-waited:
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notified waiter never returned")
	}
}

func TestWaitTimeout(t *testing.T) {
	_, _, m := testMonitor(t)
	a := newFakeActor(1)
	m.Enter(a)
	start := time.Now()
	if err := m.Wait(a, 20*time.Millisecond, true); err != nil {
		t.Errorf("timed-out Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Wait returned after %v, before the timeout", elapsed)
	}
	if m.Owner() != a.ID() {
		t.Error("monitor not reacquired after timeout")
	}
	m.Exit(a)
}

func TestWaitRestoresRecursionDepth(t *testing.T) {
	_, _, m := testMonitor(t)
	a := newFakeActor(1)
	m.Enter(a)
	m.Enter(a)
	m.Enter(a)
	if err := m.Wait(a, 10*time.Millisecond, false); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := m.Recursions(); got != 2 {
		t.Errorf("Recursions after wait: got %d, want 2", got)
	}
	m.Exit(a)
	m.Exit(a)
	m.Exit(a)
	if m.Owner() != 0 {
		t.Error("unbalanced state after wait round trip")
	}
}

func TestWaitInterrupted(t *testing.T) {
	_, _, m := testMonitor(t)
	a := newFakeActor(1)

	waited := make(chan error, 1)
	go func() {
		m.Enter(a)
		defer m.Exit(a)
		waited <- m.Wait(a, 0, true)
	}()
	for !m.HasWaiters() {
		time.Sleep(time.Millisecond)
	}
	a.Interrupt()

	select {
	case err := <-waited:
		if !errors.Is(err, ErrInterrupted) {
			t.Errorf("interrupted Wait: got %v, want ErrInterrupted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("interrupted waiter never returned")
	}
	if a.ClearInterrupt() {
		t.Error("interrupt status still pending after interrupted wait")
	}
}

func TestWaitUninterruptiblyIgnoresInterrupt(t *testing.T) {
	_, _, m := testMonitor(t)
	a := newFakeActor(1)
	b := newFakeActor(2)

	waited := make(chan error, 1)
	go func() {
		m.Enter(a)
		defer m.Exit(a)
		waited <- m.Wait(a, 0, false)
	}()
	for !m.HasWaiters() {
		time.Sleep(time.Millisecond)
	}
	a.Interrupt()

	// The interrupt must not wake the waiter; only notify does.
	select {
	case err := <-waited:
		t.Fatalf("uninterruptible wait returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	m.Enter(b)
	m.Notify(b)
	m.Exit(b)
	select {
	case err := <-waited:
		if err != nil {
			t.Errorf("uninterruptible Wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notified uninterruptible waiter never returned")
	}
	if !a.ClearInterrupt() {
		t.Error("interrupt delivered during uninterruptible wait was lost")
	}
}

func TestPendingInterruptFailsWaitImmediately(t *testing.T) {
	_, _, m := testMonitor(t)
	a := newFakeActor(1)
	a.Interrupt()
	m.Enter(a)
	defer m.Exit(a)
	if err := m.Wait(a, 0, true); !errors.Is(err, ErrInterrupted) {
		t.Errorf("Wait with pending interrupt: got %v, want ErrInterrupted", err)
	}
}

func TestNotifyAllWakesEveryWaiter(t *testing.T) {
	_, _, m := testMonitor(t)
	const waiters = 5

	var woken atomic.Int32
	var g errgroup.Group
	for i := 0; i < waiters; i++ {
		id := markword.ThreadID(1 + i)
		g.Go(func() error {
			a := newFakeActor(id)
			m.Enter(a)
			defer m.Exit(a)
			if err := m.Wait(a, 0, true); err != nil {
				return err
			}
			woken.Add(1)
			return nil
		})
	}

	notifier := newFakeActor(100)
	for {
		m.mu.Lock()
		n := m.waitq.size
		m.mu.Unlock()
		if n == waiters {
			break
		}
		time.Sleep(time.Millisecond)
	}
	m.Enter(notifier)
	m.NotifyAll(notifier)
	m.Exit(notifier)

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := woken.Load(); got != waiters {
		t.Errorf("woken waiters: got %d, want %d", got, waiters)
	}
}

func TestCompleteExitReenter(t *testing.T) {
	_, _, m := testMonitor(t)
	a := newFakeActor(1)
	m.Enter(a)
	m.Enter(a)
	m.Enter(a)

	saved := m.CompleteExit(a)
	if saved != 2 {
		t.Errorf("CompleteExit: got %d, want 2", saved)
	}
	if m.Owner() != 0 {
		t.Error("monitor still owned after CompleteExit")
	}

	m.Reenter(a, saved)
	if m.Owner() != a.ID() || m.Recursions() != 2 {
		t.Errorf("after Reenter: owner=%d recursions=%d, want owner=%d recursions=2",
			m.Owner(), m.Recursions(), a.ID())
	}
	m.Exit(a)
	m.Exit(a)
	m.Exit(a)
}
