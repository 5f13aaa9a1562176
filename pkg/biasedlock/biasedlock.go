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

// Package biasedlock implements bias revocation: the slow path taken when a
// thread needs a lock whose header is biased toward somebody else, or when
// an operation (wait, hash installation) is incompatible with a biased
// header.
//
// Revocation preserves lock ownership exactly. A bias is never transferred
// while its owner might be mid-critical-section; the owner either revokes
// its own bias, or is brought to a handshake or safepoint first. Per-type
// heuristics escalate repeated single revocations to bulk operations: a
// bulk rebias invalidates every instance's bias in O(1) by bumping the
// type's epoch, and a bulk revoke disables biasing for the type outright.
package biasedlock

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/lijobs/loom/pkg/config"
	"github.com/lijobs/loom/pkg/markword"
	"github.com/lijobs/loom/pkg/object"
	"github.com/lijobs/loom/pkg/safepoint"
	"github.com/lijobs/loom/pkg/stats"
	"github.com/lijobs/loom/pkg/vmthread"
)

var log = logrus.WithField("subsys", "biasedlock")

// Revocations are bursty; a contended type can trigger thousands before
// the bulk heuristics kick in, so the debug logging is rate limited.
var revocationLogs = rate.NewLimiter(rate.Every(10*time.Millisecond), 50)

var (
	anonymousRevocations = stats.MustRegister("/loom/biased/anonymous_revocations",
		"Anonymous biases revoked by CAS without stopping any thread.")
	expiredRevocations = stats.MustRegister("/loom/biased/expired_revocations",
		"Stale-epoch or disabled-prototype biases revoked by CAS.")
	selfRevocations = stats.MustRegister("/loom/biased/self_revocations",
		"Biases revoked by their owning thread.")
	handshakeRevocations = stats.MustRegister("/loom/biased/handshake_revocations",
		"Biases revoked via a handshake with the owning thread.")
	safepointRevocations = stats.MustRegister("/loom/biased/safepoint_revocations",
		"Biases revoked under full safepoint exclusivity.")
	rebiases = stats.MustRegister("/loom/biased/rebiases",
		"Objects rebiased to a new owner after epoch expiry or bulk rebias.")
	bulkRebiasOps = stats.MustRegister("/loom/biased/bulk_rebias_ops",
		"Type-wide epoch bumps invalidating all instance biases.")
	bulkRevokeOps = stats.MustRegister("/loom/biased/bulk_revoke_ops",
		"Type-wide operations disabling biasing for the type.")
)

// Condition reports the outcome of a revocation request.
type Condition int

const (
	// NotBiased means the header carried no bias; nothing was done.
	NotBiased Condition = iota
	// BiasRevoked means the bias was removed; the header is now neutral
	// or thin-locked by its rightful owner.
	BiasRevoked
	// BiasRevokedAndRebiased means the bias was removed and the object
	// rebiased toward the requesting thread.
	BiasRevokedAndRebiased
	// NotRevoked means the request became moot before anything was done.
	// Lost races retry internally, so the only case surfaced to callers
	// is biasing being disabled.
	NotRevoked
)

// String renders the condition for logs.
func (c Condition) String() string {
	switch c {
	case NotBiased:
		return "not biased"
	case BiasRevoked:
		return "revoked"
	case BiasRevokedAndRebiased:
		return "revoked and rebiased"
	default:
		return "not revoked"
	}
}

// heuristicsAction is what the per-type revocation counter prescribes.
type heuristicsAction int

const (
	actSingle heuristicsAction = iota
	actBulkRebias
	actBulkRevoke
)

// Manager coordinates bias revocation across the thread registry and the
// safepoint scheduler.
type Manager struct {
	cfg     *config.Config
	ctl     *safepoint.Controller
	threads *vmthread.Registry

	enabled chan struct{} // closed once biasing is live
}

// New creates the revocation manager. Biasing activates after the
// configured startup delay; until then NewClass hands out neutral
// prototypes and revocation requests report NotRevoked.
func New(cfg *config.Config, ctl *safepoint.Controller, threads *vmthread.Registry) *Manager {
	m := &Manager{cfg: cfg, ctl: ctl, threads: threads, enabled: make(chan struct{})}
	if cfg.UseBiasedLocking {
		if d := cfg.BiasedLockingStartupDelay.Std(); d > 0 {
			time.AfterFunc(d, func() { close(m.enabled) })
		} else {
			close(m.enabled)
		}
	}
	return m
}

// Enabled reports whether biasing is active.
func (m *Manager) Enabled() bool {
	select {
	case <-m.enabled:
		return true
	default:
		return false
	}
}

// NewClass creates a type whose instances are biasable iff biasing is
// active at creation time.
func (m *Manager) NewClass(name string) *object.Class {
	return object.NewClass(name, m.Enabled())
}

// RevokeAndRebias removes the bias from o's header, if any. self is the
// requesting thread. If attemptRebias is set and the type still permits
// biasing, the object may come back biased toward self instead of neutral;
// operations that are incompatible with any bias (wait, hash installation)
// pass false.
//
// On return with BiasRevoked the header is neutral, or thin-locked if the
// bias owner was mid-critical-section, in which case the owner keeps the
// lock. A valid bias is never silently transferred between threads.
func (m *Manager) RevokeAndRebias(o *object.Object, self *vmthread.Thread, attemptRebias bool) Condition {
	if !m.Enabled() {
		return NotRevoked
	}
	for {
		mark := o.Header()
		if !mark.HasBiasPattern() {
			return NotBiased
		}
		proto := o.Class().Prototype()

		// An anonymous bias has no critical section behind it; a plain CAS
		// claims or clears it.
		if mark.IsBiasedAnonymously() {
			if attemptRebias && self != nil && proto.HasBiasPattern() {
				want := markword.MakeBiased(self.ID(), proto.BiasEpoch(), mark.Age())
				if o.CasHeader(mark, want) {
					rebiases.Increment()
					return BiasRevokedAndRebiased
				}
			} else {
				if o.CasHeader(mark, markword.MakeNeutral(mark.Age())) {
					anonymousRevocations.Increment()
					return BiasRevoked
				}
			}
			continue
		}

		// The type no longer permits biasing, so no thread can be relying
		// on this stale bias; revoke by CAS.
		if !proto.HasBiasPattern() {
			if o.CasHeader(mark, markword.MakeNeutral(mark.Age())) {
				expiredRevocations.Increment()
				return BiasRevoked
			}
			continue
		}

		// A stale epoch means a bulk rebias already invalidated this
		// bias; the recorded owner holds no lock through it.
		if !mark.HasValidEpoch(proto) {
			if attemptRebias && self != nil {
				want := markword.MakeBiased(self.ID(), proto.BiasEpoch(), mark.Age())
				if o.CasHeader(mark, want) {
					rebiases.Increment()
					return BiasRevokedAndRebiased
				}
			} else {
				if o.CasHeader(mark, markword.MakeNeutral(mark.Age())) {
					expiredRevocations.Increment()
					return BiasRevoked
				}
			}
			continue
		}

		return m.revokeValidBias(o, mark, self, attemptRebias)
	}
}

// revokeValidBias handles the expensive cases: the header is validly
// biased, possibly to a thread that is mid-critical-section.
func (m *Manager) revokeValidBias(o *object.Object, mark markword.Word, self *vmthread.Thread, attemptRebias bool) Condition {
	switch m.updateHeuristics(o.Class()) {
	case actBulkRebias:
		return m.bulkAtSafepoint(o, self, true, attemptRebias)
	case actBulkRevoke:
		return m.bulkAtSafepoint(o, self, false, attemptRebias)
	}

	owner := mark.BiasedOwner()

	// The owner revokes its own bias without stopping: only it can touch
	// its lock-record stack, and no safepoint is active while it runs.
	if self != nil && owner == self.ID() {
		m.walkStackAndRevoke(self, o)
		selfRevocations.Increment()
		return BiasRevoked
	}

	target := m.threads.Lookup(owner)
	if target == nil {
		// Dead owner; nothing can be inside a critical section. Revoke
		// by CAS and let RevokeAndRebias retry on a lost race.
		if o.CasHeader(mark, markword.MakeNeutral(mark.Age())) {
			if revocationLogs.Allow() {
				log.WithFields(logrus.Fields{"owner": owner, "header": mark}).
					Debug("revoked bias of exited thread")
			}
			return BiasRevoked
		}
		return m.RevokeAndRebias(o, self, attemptRebias)
	}

	var selfPart *safepoint.Participant
	if self != nil {
		selfPart = self.Participant()
	}
	executed := m.ctl.RunHandshake(selfPart, target.Participant(), func() {
		m.walkStackAndRevoke(target, o)
	})
	if !executed {
		// The target exited before reaching a handshake poll; its bias
		// is as dead as it is.
		return m.RevokeAndRebias(o, self, attemptRebias)
	}
	handshakeRevocations.Increment()
	if revocationLogs.Allow() {
		log.WithFields(logrus.Fields{
			"class":  o.Class().Name(),
			"owner":  owner,
			"result": o.Header(),
		}).Debug("revoked bias via handshake")
	}
	return BiasRevoked
}

// updateHeuristics bumps the type's revocation counter and decides whether
// this revocation stays single or escalates. The counter decays: if the
// type has been quiet since its last bulk rebias, accumulated revocations
// are forgiven rather than escalating to a bulk revoke.
func (m *Manager) updateHeuristics(c *object.Class) heuristicsAction {
	now := time.Now().UnixNano()
	count := c.RevocationCount()
	if count >= m.cfg.BulkRebiasThreshold && count < m.cfg.BulkRevokeThreshold {
		if last := c.LastBulkRevocation(); last != 0 &&
			now-last >= m.cfg.BiasedLockingDecayTime.Std().Nanoseconds() {
			c.ResetRevocationCount()
			count = 0
		}
	}
	if count <= m.cfg.BulkRevokeThreshold {
		count = c.IncrRevocationCount()
	}
	switch {
	case count == m.cfg.BulkRevokeThreshold:
		return actBulkRevoke
	case count == m.cfg.BulkRebiasThreshold:
		return actBulkRebias
	default:
		return actSingle
	}
}

// walkStackAndRevoke converts t's bias on o into the state t's critical
// sections demand: thin-locked by t if t holds lock records for o, neutral
// otherwise. Requires exclusivity over t: t itself, a handshake with t, or
// a safepoint.
func (m *Manager) walkStackAndRevoke(t *vmthread.Thread, o *object.Object) {
	mark := o.Header()
	if !mark.IsBiasedTo(t.ID()) {
		// A racing revocation got here first.
		return
	}
	recs := t.LockRecordsFor(o)
	if len(recs) == 0 {
		o.SetHeader(markword.MakeNeutral(mark.Age()))
		return
	}
	// The oldest record keeps the true displaced header; nested
	// acquisitions carry the recursion sentinel, mirroring what the thin
	// fast path would have built.
	for i, r := range recs {
		if i == 0 {
			r.SetDisplaced(markword.MakeNeutral(mark.Age()))
		} else {
			r.SetDisplaced(markword.Recursive)
		}
	}
	recs[0].Publish()
	o.SetHeader(markword.MakeThin(recs[0].ID()))
}

// bulkAtSafepoint escalates to a type-wide operation under full safepoint
// exclusivity and reports what happened to the triggering object.
func (m *Manager) bulkAtSafepoint(o *object.Object, self *vmthread.Thread, rebias, attemptRebias bool) Condition {
	var selfPart *safepoint.Participant
	if self != nil {
		selfPart = self.Participant()
	}
	cond := BiasRevoked
	m.ctl.RunAtSafepoint(selfPart, func() {
		cond = m.bulkRevokeOrRebias(o, self, rebias, attemptRebias)
	})
	return cond
}

// bulkRevokeOrRebias runs under safepoint exclusivity. With rebias it bumps
// the type's epoch, invalidating every instance bias at once, and patches
// the epoch of instances that are actively bias-locked so their owners keep
// their locks. Without rebias it strips the bias pattern from the prototype,
// disabling biasing for the type, and revokes every active bias.
func (m *Manager) bulkRevokeOrRebias(o *object.Object, requester *vmthread.Thread, rebias, attemptRebias bool) Condition {
	klass := o.Class()
	// The revocation count is deliberately not reset here: if the type
	// keeps triggering revocations after a bulk rebias, the count climbs
	// on toward the bulk-revoke threshold. Only quiet time resets it,
	// via the decay check in updateHeuristics.
	klass.SetLastBulkRevocation(time.Now().UnixNano())

	if rebias && klass.BiasAllowed() {
		bulkRebiasOps.Increment()
		proto := klass.Prototype().IncrEpoch()
		klass.SetPrototype(proto)
		// Instances whose bias is in active use keep it: moving them to
		// the new epoch preserves their owners' critical sections.
		m.threads.ForEach(func(t *vmthread.Thread) {
			t.ForEachLockRecord(func(e vmthread.StackEntry) {
				h := e.Obj.Header()
				if e.Obj.Class() == klass && h.IsBiasedTo(t.ID()) {
					e.Obj.SetHeader(h.WithEpoch(proto.BiasEpoch()))
				}
			})
		})
		log.WithFields(logrus.Fields{"class": klass.Name(), "epoch": proto.BiasEpoch()}).
			Info("bulk rebias")
	} else {
		bulkRevokeOps.Increment()
		klass.SetPrototype(markword.Prototype())
		// Unlocked instances keep their stale bias pattern and revoke
		// lazily against the changed prototype; active biases must be
		// converted now so their owners end up thin-locked.
		m.threads.ForEach(func(t *vmthread.Thread) {
			t.ForEachLockRecord(func(e vmthread.StackEntry) {
				if e.Obj.Class() == klass && e.Obj.Header().IsBiasedTo(t.ID()) {
					m.walkStackAndRevoke(t, e.Obj)
					safepointRevocations.Increment()
				}
			})
		})
		log.WithField("class", klass.Name()).Info("bulk revoke, biasing disabled for type")
	}

	allowRebias := attemptRebias && klass.BiasAllowed()
	return m.revokeAtSafepoint(o, requester, allowRebias)
}

// revokeAtSafepoint settles the triggering object's header under safepoint
// exclusivity: thin-locked if its bias owner is mid-critical-section,
// rebiased to the requester if allowed, neutral otherwise.
func (m *Manager) revokeAtSafepoint(o *object.Object, requester *vmthread.Thread, allowRebias bool) Condition {
	mark := o.Header()
	if !mark.HasBiasPattern() {
		return NotBiased
	}
	if owner := mark.BiasedOwner(); owner != 0 {
		if t := m.threads.Lookup(owner); t != nil && t.HasLockRecord(o) {
			m.walkStackAndRevoke(t, o)
			safepointRevocations.Increment()
			return BiasRevoked
		}
	}
	if allowRebias && requester != nil {
		epoch := o.Class().Prototype().BiasEpoch()
		o.SetHeader(markword.MakeBiased(requester.ID(), epoch, mark.Age()))
		rebiases.Increment()
		return BiasRevokedAndRebiased
	}
	o.SetHeader(markword.MakeNeutral(mark.Age()))
	safepointRevocations.Increment()
	return BiasRevoked
}

// Revoke removes the biases of a batch of objects biased toward one
// thread, with no rebias. Deoptimization uses this for every object a
// discarded frame may have bias-locked: one exchange with the frame's
// thread settles the whole batch without stopping the world. self is the
// requesting thread, nil for an external driver. Objects biased toward
// anyone but biaser are left alone; they revoke lazily on next contact.
func (m *Manager) Revoke(self *vmthread.Thread, objs []*object.Object, biaser *vmthread.Thread) {
	if !m.Enabled() || len(objs) == 0 {
		return
	}
	if biaser == nil || m.ctl.AtSafepoint() {
		// No owner to exchange with, or the world is already stopped;
		// settle the batch under safepoint exclusivity instead.
		m.RevokeAtSafepoint(self, objs)
		return
	}
	if self == biaser {
		// Revoking one's own biases needs no exchange; only the owner can
		// touch its lock-record stack.
		for _, o := range objs {
			if o.Header().IsBiasedTo(self.ID()) {
				m.walkStackAndRevoke(self, o)
				selfRevocations.Increment()
			}
		}
		return
	}
	var selfPart *safepoint.Participant
	if self != nil {
		selfPart = self.Participant()
	}
	executed := m.ctl.RunHandshake(selfPart, biaser.Participant(), func() {
		for _, o := range objs {
			if o.Header().IsBiasedTo(biaser.ID()) {
				m.walkStackAndRevoke(biaser, o)
				handshakeRevocations.Increment()
			}
		}
	})
	if !executed {
		// The biaser exited before the exchange; its biases are dead and
		// plain CAS revocation suffices.
		for _, o := range objs {
			m.RevokeAndRebias(o, self, false)
		}
	}
}

// RevokeAtSafepoint revokes the biases of a batch of objects in one stop,
// with no rebias. Deoptimization uses this for every object a compiled
// frame may have bias-locked.
func (m *Manager) RevokeAtSafepoint(self *vmthread.Thread, objs []*object.Object) {
	if !m.Enabled() || len(objs) == 0 {
		return
	}
	var selfPart *safepoint.Participant
	if self != nil {
		selfPart = self.Participant()
	}
	m.ctl.RunAtSafepoint(selfPart, func() {
		for _, o := range objs {
			m.revokeAtSafepoint(o, nil, false)
		}
	})
}
