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

package objsync

import (
	"time"

	"github.com/lijobs/loom/pkg/object"
	"github.com/lijobs/loom/pkg/vmthread"
)

// Wait releases o's lock and parks t on the wait set until notified, timed
// out (timeout > 0), or interrupted. Waiting is incompatible with a biased
// header, so any bias is revoked with no rebias before inflating. Returns
// monitor.ErrInterrupted if the wait was abandoned by interruption; panics
// if t does not own the lock.
func (s *Synchronizer) Wait(o *object.Object, t *vmthread.Thread, timeout time.Duration) error {
	return s.doWait(o, t, timeout, true)
}

// WaitUninterruptibly is Wait without the interruption escape; a pending or
// arriving interrupt stays pending for the next interruptible operation.
func (s *Synchronizer) WaitUninterruptibly(o *object.Object, t *vmthread.Thread, timeout time.Duration) {
	// Only notify or timeout end this wait, so the error is always nil.
	_ = s.doWait(o, t, timeout, false)
}

func (s *Synchronizer) doWait(o *object.Object, t *vmthread.Thread, timeout time.Duration, interruptible bool) error {
	if o.Header().HasBiasPattern() {
		s.biased.RevokeAndRebias(o, t, false)
	}
	m := s.Inflate(o, t, CauseWait)
	return m.Wait(t, timeout, interruptible)
}

// Notify moves one waiter of o to the entry path. The no-waiter cases are
// resolved without inflating: a header biased or thin-locked by t proves
// the wait set is empty.
func (s *Synchronizer) Notify(o *object.Object, t *vmthread.Thread) {
	if s.quickNotify(o, t) {
		return
	}
	if o.Header().HasBiasPattern() {
		s.biased.RevokeAndRebias(o, t, false)
	}
	s.Inflate(o, t, CauseNotify).Notify(t)
}

// NotifyAll moves every waiter of o to the entry path.
func (s *Synchronizer) NotifyAll(o *object.Object, t *vmthread.Thread) {
	if s.quickNotify(o, t) {
		return
	}
	if o.Header().HasBiasPattern() {
		s.biased.RevokeAndRebias(o, t, false)
	}
	s.Inflate(o, t, CauseNotify).NotifyAll(t)
}

// quickNotify reports whether the notify is a provable no-op: the header
// shows t owns the lock in a representation that cannot have waiters.
func (s *Synchronizer) quickNotify(o *object.Object, t *vmthread.Thread) bool {
	mark := o.Header()
	if mark.IsBiasedTo(t.ID()) {
		return true
	}
	if mark.IsThinLocked() {
		if rec := object.LookupRecord(mark.Record()); rec != nil && rec.Owner() == t.ID() {
			return true
		}
	}
	if mark.IsFatLocked() {
		m := s.pool.ByID(mark.Monitor())
		if m.Object() == o && m.Owner() == t.ID() && !m.HasWaiters() {
			return true
		}
	}
	return false
}
