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

package object

import (
	"sync"
	"sync/atomic"

	"github.com/lijobs/loom/pkg/markword"
)

// BasicLock is a stack lock record. It is owned exclusively by the locking
// thread's frame for the duration of one acquisition and holds the object's
// displaced header, the Recursive sentinel for nested acquisitions, or the
// Unused sentinel when the acquisition went straight to a fat lock.
//
// A record obtains a process-unique id the first time it is used for thin
// locking; the thin-locked header references the record by that id.
type BasicLock struct {
	id        markword.RecordID
	owner     markword.ThreadID
	displaced markword.Atomic
}

var nextRecordID atomic.Uint64

// recordTable resolves thin-locked headers back to their stack records, for
// inflation by threads other than the owner. Entries exist only while the
// record id is published in an object header.
var recordTable sync.Map // markword.RecordID -> *BasicLock

// ID returns the record's thin-locking id, assigning one on first use.
func (l *BasicLock) ID() markword.RecordID {
	if l.id == 0 {
		l.id = markword.RecordID(nextRecordID.Add(1))
	}
	return l.id
}

// Owner returns the thread that pushed this record.
func (l *BasicLock) Owner() markword.ThreadID {
	return l.owner
}

// SetOwner records the pushing thread. Called once, by the owner, before
// the record is published.
func (l *BasicLock) SetOwner(t markword.ThreadID) {
	l.owner = t
}

// Displaced returns the saved displaced header.
func (l *BasicLock) Displaced() markword.Word {
	return l.displaced.Load()
}

// SetDisplaced saves the displaced header (or a sentinel).
func (l *BasicLock) SetDisplaced(w markword.Word) {
	l.displaced.Store(w)
}

// Publish registers the record for header-to-record resolution. Must be
// called before a thin-locked header naming the record can become visible.
func (l *BasicLock) Publish() {
	recordTable.Store(l.ID(), l)
}

// Retract removes the record from the resolution table once no header
// references it.
func (l *BasicLock) Retract() {
	if l.id != 0 {
		recordTable.Delete(l.id)
	}
}

// LookupRecord resolves a published record id. Returns nil if the record
// has been retracted, which callers treat as a lost race and re-read the
// header.
func LookupRecord(id markword.RecordID) *BasicLock {
	v, ok := recordTable.Load(id)
	if !ok {
		return nil
	}
	return v.(*BasicLock)
}
