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

// Package safepoint schedules cooperative whole-world and single-thread
// operations.
//
// Mutator threads register as Participants. A participant is either running
// or safe: it is safe while parked at a poll, while blocked between
// BeginBlocking and EndBlocking, or after it has exited. Two kinds of
// operations build on that:
//
//   - RunAtSafepoint stops the world: it waits until every participant is
//     safe, runs the operation with exclusive access to all shared runtime
//     state, then releases the world.
//
//   - RunHandshake targets one participant. The operation is enqueued as a
//     message and executed exactly once, either by the target at its next
//     poll or by the requester on the target's behalf while the target is
//     provably safe. A target that never reaches a safe point within the
//     escalation window is subsumed by a full safepoint.
//
// Handshake operations run under the target's execution lock, so they may
// freely touch per-thread state such as lock-record stacks.
package safepoint

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/lijobs/loom/pkg/stats"
)

var (
	safepointsBegun = stats.MustRegister("/loom/safepoint/safepoints",
		"Whole-world safepoint operations executed.")
	handshakesExecuted = stats.MustRegister("/loom/safepoint/handshakes",
		"Single-thread handshake operations executed.")
	handshakesEscalated = stats.MustRegister("/loom/safepoint/handshakes_escalated",
		"Handshakes subsumed by a full safepoint after the target was slow to respond.")
)

var log = logrus.WithField("subsys", "safepoint")

const (
	stateRunning int32 = iota
	stateSafe
	stateExited
)

// Controller coordinates safepoints and handshakes for one runtime
// instance.
type Controller struct {
	// escalation bounds how long a handshake requester waits before the
	// operation is subsumed by a full safepoint.
	escalation time.Duration

	// vmMu serializes whole-world operations.
	vmMu sync.Mutex

	// mu guards participants, stopping and release; cond is signaled when
	// a participant becomes safe while a stop is in progress.
	mu           sync.Mutex
	cond         *sync.Cond
	participants map[*Participant]struct{}
	stopping     bool
	release      chan struct{}

	// active mirrors stopping for lock-free poll checks.
	active atomic.Bool

	// atSafepoint is true only while a safepoint operation is executing.
	atSafepoint atomic.Bool
}

// NewController creates a controller. escalation is the handshake
// escalation timeout.
func NewController(escalation time.Duration) *Controller {
	c := &Controller{
		escalation:   escalation,
		participants: map[*Participant]struct{}{},
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// AtSafepoint reports whether a safepoint operation is currently executing.
// Code running inside such an operation holds whole-world exclusivity.
func (c *Controller) AtSafepoint() bool {
	return c.atSafepoint.Load()
}

// handshake is one enqueued single-thread operation.
type handshake struct {
	op       func()
	executed bool
	done     chan struct{}
}

// Participant is one mutator thread's view of the scheduler.
type Participant struct {
	ctl  *Controller
	name string

	// state is running/safe/exited. Only the owning thread moves it out
	// of running; anyone may read it.
	state atomic.Int32

	// execMu is the execution right over the participant's per-thread
	// runtime state. Held while handshake operations run, whether by the
	// owner at a poll or by a requester while the owner is safe.
	execMu sync.Mutex

	// pendMu guards pending; pendingLen mirrors len(pending) for the
	// lock-free poll fast path.
	pendMu     sync.Mutex
	pending    []*handshake
	pendingLen atomic.Int32
	exited     bool // guarded by pendMu
}

// NewParticipant registers a new mutator thread. If a safepoint is in
// progress the call blocks until it completes; the participant returns in
// the running state.
func (c *Controller) NewParticipant(name string) *Participant {
	p := &Participant{ctl: c, name: name}
	p.state.Store(stateSafe)
	c.mu.Lock()
	c.participants[p] = struct{}{}
	c.mu.Unlock()
	p.EndBlocking()
	return p
}

// Name returns the participant's diagnostic name.
func (p *Participant) Name() string {
	return p.name
}

// Safe reports whether the participant is currently at a safe point (parked,
// blocked, or exited). Used by protocol assertions.
func (p *Participant) Safe() bool {
	return p.state.Load() != stateRunning
}

// Poll is the participant's safe point: it executes pending handshake
// operations and parks for the duration of any requested safepoint. The
// fast path is two atomic loads.
func (p *Participant) Poll() {
	if p.pendingLen.Load() == 0 && !p.ctl.active.Load() {
		return
	}
	p.BeginBlocking()
	p.EndBlocking()
}

// BeginBlocking marks the participant safe before it parks on an external
// event (a contended monitor, a wait set, a handshake acknowledgment).
// While safe, handshakes against it may be executed by their requesters and
// safepoints proceed without it.
func (p *Participant) BeginBlocking() {
	if !p.state.CompareAndSwap(stateRunning, stateSafe) {
		panic("safepoint: BeginBlocking from a non-running participant")
	}
	if p.ctl.active.Load() {
		// A stop is in progress; the master may be waiting on us.
		p.ctl.mu.Lock()
		p.ctl.cond.Broadcast()
		p.ctl.mu.Unlock()
	}
}

// EndBlocking returns the participant to the running state, first waiting
// out any safepoint in progress and draining its own pending handshakes.
func (p *Participant) EndBlocking() {
	c := p.ctl
	for {
		c.mu.Lock()
		if c.stopping {
			ch := c.release
			c.mu.Unlock()
			<-ch
			continue
		}
		// No stop in progress, and none can start while we hold c.mu.
		p.execMu.Lock()
		p.drainLocked()
		p.state.Store(stateRunning)
		p.execMu.Unlock()
		c.mu.Unlock()
		return
	}
}

// Deregister marks the participant exited. Pending handshakes are aborted;
// their requesters observe thread-exited. Safepoints no longer wait for it.
func (p *Participant) Deregister() {
	p.execMu.Lock()
	p.pendMu.Lock()
	p.exited = true
	aborted := p.pending
	p.pending = nil
	p.pendingLen.Store(0)
	p.pendMu.Unlock()
	p.state.Store(stateExited)
	p.execMu.Unlock()
	for _, h := range aborted {
		close(h.done)
	}

	c := p.ctl
	c.mu.Lock()
	delete(c.participants, p)
	if c.stopping {
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// enqueue appends a handshake, failing if the participant already exited.
func (p *Participant) enqueue(h *handshake) bool {
	p.pendMu.Lock()
	defer p.pendMu.Unlock()
	if p.exited {
		return false
	}
	p.pending = append(p.pending, h)
	p.pendingLen.Store(int32(len(p.pending)))
	return true
}

// drainLocked executes every pending handshake. Callers hold execMu and
// either own the participant or hold it provably safe.
func (p *Participant) drainLocked() {
	for {
		p.pendMu.Lock()
		if len(p.pending) == 0 {
			p.pendMu.Unlock()
			return
		}
		h := p.pending[0]
		p.pending = p.pending[1:]
		p.pendingLen.Store(int32(len(p.pending)))
		p.pendMu.Unlock()

		h.op()
		h.executed = true
		handshakesExecuted.Increment()
		close(h.done)
	}
}

// RunAtSafepoint stops the world and runs op with exclusive access to all
// shared runtime state. self is the calling participant, nil if the caller
// is not a mutator thread (or is already safe). Nested calls from within a
// safepoint operation run op directly.
func (c *Controller) RunAtSafepoint(self *Participant, op func()) {
	if c.AtSafepoint() {
		op()
		return
	}
	if self != nil {
		self.BeginBlocking()
		defer self.EndBlocking()
	}

	c.vmMu.Lock()
	defer c.vmMu.Unlock()

	c.mu.Lock()
	c.stopping = true
	c.release = make(chan struct{})
	c.active.Store(true)
	for c.anyRunningLocked() {
		c.cond.Wait()
	}
	ps := make([]*Participant, 0, len(c.participants))
	for p := range c.participants {
		ps = append(ps, p)
	}
	c.mu.Unlock()

	// Take every execution lock so the operation cannot overlap a
	// requester-executed handshake that slipped past the active check.
	// Requesters only ever TryLock a single participant, so this cannot
	// deadlock.
	for _, p := range ps {
		p.execMu.Lock()
	}

	safepointsBegun.Increment()
	c.atSafepoint.Store(true)
	op()
	c.atSafepoint.Store(false)

	for _, p := range ps {
		p.execMu.Unlock()
	}

	c.mu.Lock()
	c.stopping = false
	c.active.Store(false)
	close(c.release)
	c.mu.Unlock()
}

func (c *Controller) anyRunningLocked() bool {
	for p := range c.participants {
		if p.state.Load() == stateRunning {
			return true
		}
	}
	return false
}

// RunHandshake executes op exactly once on behalf of target, at the
// target's next safe point. The requester blocks until the operation
// completes or the target exits; it reports false in the latter case. self
// is the requesting participant, nil if the requester is not a mutator
// thread.
//
// The wait is paced by exponential backoff. A target that stays running
// past the escalation timeout is handled by subsuming the operation into a
// full safepoint, so the handshake always eventually completes.
func (c *Controller) RunHandshake(self, target *Participant, op func()) bool {
	if c.AtSafepoint() {
		// The world is stopped and the safepoint already holds every
		// execution lock; run directly.
		if target.state.Load() == stateExited {
			return false
		}
		op()
		handshakesExecuted.Increment()
		return true
	}

	h := &handshake{op: op, done: make(chan struct{})}
	if !target.enqueue(h) {
		return false
	}

	if self != nil {
		self.BeginBlocking()
		defer self.EndBlocking()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Microsecond
	bo.MaxInterval = time.Millisecond
	bo.MaxElapsedTime = c.escalation
	for {
		select {
		case <-h.done:
			return h.executed
		default:
		}

		if c.active.Load() {
			// A safepoint is in progress; wait it out rather than
			// racing its operation for the target's state.
			c.mu.Lock()
			ch := c.release
			stopping := c.stopping
			c.mu.Unlock()
			if stopping {
				<-ch
			}
			bo.Reset()
			continue
		}

		if target.state.Load() == stateSafe && target.execMu.TryLock() {
			// Re-verify: the target cannot leave the safe state
			// while we hold its execution lock.
			if target.state.Load() == stateSafe {
				target.drainLocked()
			}
			target.execMu.Unlock()
			continue
		}

		d := bo.NextBackOff()
		if d == backoff.Stop {
			handshakesEscalated.Increment()
			log.WithField("target", target.name).Debug("handshake slow, escalating to safepoint")
			c.RunAtSafepoint(nil, func() {
				target.drainLocked()
			})
			bo.Reset()
			continue
		}
		time.Sleep(d)
	}
}
