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
	"github.com/lijobs/loom/pkg/markword"
	"github.com/lijobs/loom/pkg/object"
	"github.com/lijobs/loom/pkg/vmthread"
)

// LockOwnership classifies who holds an object's lock relative to a
// querying thread.
type LockOwnership int

const (
	// OwnershipNone means the object is unlocked.
	OwnershipNone LockOwnership = iota
	// OwnershipSelf means the querying thread holds the lock.
	OwnershipSelf
	// OwnershipOther means another thread holds the lock.
	OwnershipOther
)

// String renders the ownership for logs.
func (l LockOwnership) String() string {
	switch l {
	case OwnershipNone:
		return "none"
	case OwnershipSelf:
		return "self"
	default:
		return "other"
	}
}

// CurrentThreadHoldsLock reports whether t holds o's lock. A bias toward t
// counts only if t actually entered; an unentered bias is a prediction,
// not a lock.
func (s *Synchronizer) CurrentThreadHoldsLock(o *object.Object, t *vmthread.Thread) bool {
	mark := o.Header()
	switch {
	case mark.HasBiasPattern(), mark.IsThinLocked():
		return t.HasLockRecord(o)
	case mark.IsFatLocked():
		m := s.pool.ByID(mark.Monitor())
		return m.Object() == o && m.Owner() == t.ID()
	default:
		return false
	}
}

// QueryLockOwnership classifies o's lock state relative to t.
func (s *Synchronizer) QueryLockOwnership(o *object.Object, t *vmthread.Thread) LockOwnership {
	owner := s.GetLockOwner(o)
	switch owner {
	case 0:
		return OwnershipNone
	case t.ID():
		return OwnershipSelf
	default:
		return OwnershipOther
	}
}

// GetLockOwner returns the id of the thread holding o's lock, 0 if none.
// An unentered bias reports no owner: the biased-to thread holds nothing
// until it enters.
func (s *Synchronizer) GetLockOwner(o *object.Object) markword.ThreadID {
	mark := o.Header()
	switch {
	case mark.HasBiasPattern():
		owner := mark.BiasedOwner()
		if owner == 0 {
			return 0
		}
		if t := s.threads.Lookup(owner); t != nil && t.HasLockRecord(o) {
			return owner
		}
		return 0
	case mark.IsThinLocked():
		if rec := object.LookupRecord(mark.Record()); rec != nil {
			return rec.Owner()
		}
		return 0
	case mark.IsFatLocked():
		m := s.pool.ByID(mark.Monitor())
		if m.Object() == o {
			return m.Owner()
		}
		return 0
	default:
		return 0
	}
}

// ObjectLocker brackets VM-internal critical sections on an object's
// monitor. Lock in New, Release when done; Wait and Notify relay to the
// synchronizer.
type ObjectLocker struct {
	s *Synchronizer
	o *object.Object
	t *vmthread.Thread
}

// NewObjectLocker acquires o's lock for t and returns the bracket.
func (s *Synchronizer) NewObjectLocker(o *object.Object, t *vmthread.Thread) *ObjectLocker {
	s.FastEnter(o, t)
	return &ObjectLocker{s: s, o: o, t: t}
}

// Release exits the lock taken by NewObjectLocker.
func (l *ObjectLocker) Release() {
	l.s.FastExit(l.o, l.t)
}

// WaitUninterruptibly parks on the object's wait set; VM-internal waits do
// not observe interrupts.
func (l *ObjectLocker) WaitUninterruptibly() {
	l.s.WaitUninterruptibly(l.o, l.t, 0)
}

// Notify wakes one waiter on the object.
func (l *ObjectLocker) Notify() {
	l.s.Notify(l.o, l.t)
}

// NotifyAll wakes every waiter on the object.
func (l *ObjectLocker) NotifyAll() {
	l.s.NotifyAll(l.o, l.t)
}
