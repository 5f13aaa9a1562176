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

// Package objsync is the object synchronization front end: the tiered
// enter/exit paths that move an object's lock through its representations.
//
// An acquisition tries the cheapest representation the header permits.
// A header validly biased toward the acquirer costs nothing at all, not
// even a header write. An anonymous or rebiasable header is claimed by one
// CAS. A neutral header takes the thin path: the header is swapped for a
// reference to a stack lock record holding the displaced header. Only
// contention, waiting, or hashing while locked forces inflation to a
// pooled heavyweight monitor.
package objsync

import (
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/lijobs/loom/pkg/biasedlock"
	"github.com/lijobs/loom/pkg/config"
	"github.com/lijobs/loom/pkg/markword"
	"github.com/lijobs/loom/pkg/monitor"
	"github.com/lijobs/loom/pkg/object"
	"github.com/lijobs/loom/pkg/safepoint"
	"github.com/lijobs/loom/pkg/stats"
	"github.com/lijobs/loom/pkg/vmthread"
)

var log = logrus.WithField("subsys", "objsync")

var (
	biasedEntries = stats.MustRegister("/loom/objsync/biased_entries",
		"Acquisitions satisfied by an existing valid bias, with no header write.")
	anonymousTransfers = stats.MustRegister("/loom/objsync/anonymous_bias_transfers",
		"Anonymous biases claimed by the first locking thread.")
	thinEntries = stats.MustRegister("/loom/objsync/thin_entries",
		"Acquisitions that displaced a neutral header into a stack record.")
	recursiveEntries = stats.MustRegister("/loom/objsync/recursive_entries",
		"Nested acquisitions of an already-held lock.")
	monitorEntries = stats.MustRegister("/loom/objsync/monitor_entries",
		"Acquisitions that went through a heavyweight monitor.")
)

// Synchronizer owns the enter/exit protocol. It composes the bias
// revocation manager, the monitor pool, and the safepoint scheduler.
type Synchronizer struct {
	cfg     *config.Config
	ctl     *safepoint.Controller
	threads *vmthread.Registry
	pool    *monitor.Pool
	biased  *biasedlock.Manager
}

// New wires a synchronizer over an existing pool, scheduler, and bias
// manager.
func New(cfg *config.Config, ctl *safepoint.Controller, threads *vmthread.Registry, pool *monitor.Pool, biased *biasedlock.Manager) *Synchronizer {
	return &Synchronizer{cfg: cfg, ctl: ctl, threads: threads, pool: pool, biased: biased}
}

// Pool exposes the monitor pool for iteration and deflation policy.
func (s *Synchronizer) Pool() *monitor.Pool {
	return s.pool
}

// Biased exposes the revocation manager.
func (s *Synchronizer) Biased() *biasedlock.Manager {
	return s.biased
}

// FastEnter acquires o's lock for t. The biased tiers are tried first;
// everything else defers to SlowEnter.
func (s *Synchronizer) FastEnter(o *object.Object, t *vmthread.Thread) {
	mark := o.Header()
	if mark.HasBiasPattern() {
		proto := o.Class().Prototype()

		// Valid bias toward us: reentry with zero header writes. The
		// record still gets pushed so revocation can reconstruct the
		// recursion chain.
		if proto.HasBiasPattern() && mark.IsBiasedTo(t.ID()) && mark.HasValidEpoch(proto) {
			t.PushLockRecord(o).SetDisplaced(markword.Recursive)
			biasedEntries.Increment()
			return
		}

		// Anonymous bias in the current epoch: claim it with one CAS.
		if proto.HasBiasPattern() && mark.IsBiasedAnonymously() && mark.HasValidEpoch(proto) {
			want := markword.MakeBiased(t.ID(), proto.BiasEpoch(), mark.Age())
			if o.CasHeader(mark, want) {
				t.PushLockRecord(o).SetDisplaced(markword.Recursive)
				anonymousTransfers.Increment()
				return
			}
		}

		// Biased elsewhere, stale epoch, or a lost claim race: revoke,
		// rebiasing to us when the heuristics permit.
		if s.biased.RevokeAndRebias(o, t, true) == biasedlock.BiasRevokedAndRebiased {
			t.PushLockRecord(o).SetDisplaced(markword.Recursive)
			biasedEntries.Increment()
			return
		}
	}
	s.SlowEnter(o, t)
}

// SlowEnter acquires via the thin and fat tiers, revoking any bias that
// reappears on the way.
func (s *Synchronizer) SlowEnter(o *object.Object, t *vmthread.Thread) {
	for {
		mark := o.Header()
		switch {
		case mark.HasBiasPattern():
			if s.biased.RevokeAndRebias(o, t, true) == biasedlock.BiasRevokedAndRebiased {
				t.PushLockRecord(o).SetDisplaced(markword.Recursive)
				biasedEntries.Increment()
				return
			}

		case mark.IsNeutral():
			// Displace the header into a fresh stack record. Publish
			// before the CAS: the moment the thin header is visible,
			// other threads may need to resolve it.
			rec := t.PushLockRecord(o)
			rec.SetDisplaced(mark)
			rec.Publish()
			if o.CasHeader(mark, markword.MakeThin(rec.ID())) {
				thinEntries.Increment()
				return
			}
			rec.Retract()
			t.PopLockRecord(o)

		case mark.IsThinLocked():
			if rec := object.LookupRecord(mark.Record()); rec != nil && rec.Owner() == t.ID() {
				// Recursive thin acquisition: a sentinel record, no
				// header traffic.
				t.PushLockRecord(o).SetDisplaced(markword.Recursive)
				recursiveEntries.Increment()
				return
			}
			s.enterInflated(o, t, CauseMonitorEnter)
			return

		case mark.IsInflating():
			runtime.Gosched()

		default: // fat locked
			s.enterInflated(o, t, CauseMonitorEnter)
			return
		}
	}
}

// enterInflated inflates and acquires through the monitor. The record is
// pushed with the Unused sentinel; nothing was displaced into it.
func (s *Synchronizer) enterInflated(o *object.Object, t *vmthread.Thread, cause InflateCause) {
	m := s.Inflate(o, t, cause)
	rec := t.PushLockRecord(o)
	rec.SetDisplaced(markword.Unused)
	m.Enter(t)
	monitorEntries.Increment()
}

// QuickEnter is the reentry shortcut for already-inflated objects: if the
// header is fat and the monitor is free or already ours, take it without
// touching the bias or thin machinery. Returns false if the caller must go
// through FastEnter.
func (s *Synchronizer) QuickEnter(o *object.Object, t *vmthread.Thread) bool {
	mark := o.Header()
	if !mark.IsFatLocked() {
		return false
	}
	m := s.pool.ByID(mark.Monitor())
	if m.Object() != o || !m.TryEnter(t) {
		return false
	}
	t.PushLockRecord(o).SetDisplaced(markword.Unused)
	monitorEntries.Increment()
	return true
}

// FastExit releases t's most recent acquisition of o. Exits are matched to
// lock records; an exit with no record is an unbalanced unlock and panics
// inside PopLockRecord.
func (s *Synchronizer) FastExit(o *object.Object, t *vmthread.Thread) {
	rec := t.PopLockRecord(o)
	displaced := rec.Displaced()
	switch displaced {
	case markword.Recursive:
		// A nested acquisition, or a biased one; either way ownership
		// outlives this record and the header stays put.
		return

	case markword.Unused:
		// Acquired straight through the monitor.
		mark := o.Header()
		if !mark.IsFatLocked() {
			panic("objsync: monitor-path record but header " + mark.String())
		}
		s.pool.ByID(mark.Monitor()).Exit(t)
		return

	default:
		// The record holds the real displaced header: restore it if the
		// header still references us. A failed CAS means someone
		// inflated our thin lock; finish the exit through the monitor.
		if o.CasHeader(markword.MakeThin(rec.ID()), displaced) {
			rec.Retract()
			return
		}
		m := s.Inflate(o, t, CauseVMInternal)
		m.Exit(t)
	}
}

// SlowExit is the out-of-line exit; it shares FastExit's logic.
func (s *Synchronizer) SlowExit(o *object.Object, t *vmthread.Thread) {
	s.FastExit(o, t)
}

// CompleteExit fully releases o's monitor regardless of recursion depth,
// returning the depth for a later Reenter. The thread's lock records for o
// stay on its stack; callers must pair with Reenter before any exit.
func (s *Synchronizer) CompleteExit(o *object.Object, t *vmthread.Thread) int32 {
	if h := o.Header(); h.HasBiasPattern() {
		s.biased.RevokeAndRebias(o, t, false)
	}
	m := s.Inflate(o, t, CauseVMInternal)
	return m.CompleteExit(t)
}

// Reenter restores ownership and a recursion depth saved by CompleteExit.
func (s *Synchronizer) Reenter(o *object.Object, t *vmthread.Thread, recursions int32) {
	m := s.Inflate(o, t, CauseVMInternal)
	m.Reenter(t, recursions)
}

// JNIEnter acquires o's lock without a frame to pin a lock record to, so
// it always inflates. JNI locking is not block structured; the monitor
// alone carries the state.
func (s *Synchronizer) JNIEnter(o *object.Object, t *vmthread.Thread) {
	if h := o.Header(); h.HasBiasPattern() {
		s.biased.RevokeAndRebias(o, t, false)
	}
	s.Inflate(o, t, CauseJNIEnter).Enter(t)
	monitorEntries.Increment()
}

// JNIExit releases a JNIEnter acquisition. Panics if t does not own the
// lock.
func (s *Synchronizer) JNIExit(o *object.Object, t *vmthread.Thread) {
	s.Inflate(o, t, CauseJNIExit).Exit(t)
}

// ReleaseMonitorsOwnedByThread force-releases every lock t still holds, in
// reverse acquisition order. Called during abnormal thread teardown so an
// exiting thread cannot strand owned monitors.
func (s *Synchronizer) ReleaseMonitorsOwnedByThread(t *vmthread.Thread) {
	var entries []vmthread.StackEntry
	t.ForEachLockRecord(func(e vmthread.StackEntry) { entries = append(entries, e) })
	for i := len(entries) - 1; i >= 0; i-- {
		s.FastExit(entries[i].Obj, t)
	}
	if n := len(entries); n > 0 {
		log.WithFields(logrus.Fields{"thread": t.ID(), "released": n}).
			Warn("released locks abandoned by exiting thread")
	}
}
