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

// Package markword defines the logical encoding of an object's lock state.
//
// Every lockable object carries a single 64-bit header word. The low bits
// select one of a small number of mutually exclusive variants:
//
//	[hash:31       ][epoch:2][age:4][0][01]  neutral (unlocked)
//	[thread:55     ][epoch:2][age:4][1][01]  biased (thread 0 = anonymous)
//	[lock record id:62                ][00]  thin locked
//	[monitor id:62                    ][10]  fat locked (heavyweight monitor)
//	[forwardee:62                     ][11]  marked for GC
//
// The layout here is logical, not an ABI: lock records and monitors are
// referenced by allocation handle rather than by machine address. The word
// value zero is the inflation-in-progress sentinel (a thin lock with record
// id zero, which is never allocated).
//
// Classification is pure: given a word and the type's current prototype
// header, every other component decides what to do without side effects.
package markword

import (
	"fmt"
	"sync/atomic"
)

// Word is an object header value.
type Word uint64

// ThreadID identifies a mutator thread in a biased header. Thread ids are
// allocated from 1; id 0 denotes an anonymous bias.
type ThreadID uint64

// RecordID identifies a stack lock record in a thin-locked header. Record
// ids are allocated from 1; id 0 is reserved for the Inflating sentinel.
type RecordID uint64

// MonitorID identifies a heavyweight monitor in a fat-locked header.
// Monitor ids are allocated from 1.
type MonitorID uint64

// Epoch is a per-type bias validity counter. Incrementing the prototype
// epoch at a safepoint invalidates every existing biased header of the type
// in O(1); the fast path compares the header epoch against the prototype on
// the next access.
type Epoch uint8

// Age is the GC age of an object, carried through all lightweight states.
type Age uint8

const (
	lockBits  = 2
	lockMask  = (1 << lockBits) - 1
	biasedBit = 1 << lockBits

	lockThin     = 0x0 // thin locked
	lockNeutral  = 0x1 // unlocked, possibly hashed
	lockMonitor  = 0x2 // fat locked
	lockMarked   = 0x3 // marked for GC
	biasPattern  = biasedBit | lockNeutral
	patternMask  = biasedBit | lockMask
	payloadShift = lockBits // thin/fat/marked payload

	ageShift = 3
	ageBits  = 4
	ageMask  = (1 << ageBits) - 1
	// MaxAge is the largest representable GC age.
	MaxAge Age = ageMask

	epochShift = ageShift + ageBits
	epochBits  = 2
	epochMask  = (1 << epochBits) - 1
	// EpochRange is the number of distinct epoch values; bulk rebias
	// increments the prototype epoch modulo this range.
	EpochRange = 1 << epochBits

	hashShift = epochShift + epochBits
	hashBits  = 31
	// HashMask bounds identity hash values stored in a neutral header.
	HashMask = (1 << hashBits) - 1

	threadShift = hashShift
	threadBits  = 64 - threadShift
	// MaxThreadID bounds thread identities representable in a biased
	// header.
	MaxThreadID uint64 = (1 << threadBits) - 1
)

// Inflating is the header value published while a thin lock is being
// inflated. Readers that observe it must re-read until the inflating thread
// installs the fat-locked header.
const Inflating Word = 0

// Unused is the displaced-header sentinel stored in a stack lock record
// whose acquisition went directly to a fat lock. It never appears in a live
// object header.
const Unused Word = lockMarked

// Displaced sentinel for recursive acquisitions: the zero Word. Only the
// oldest lock record of a chain holds the object's true displaced header.
const Recursive Word = 0

// MakeNeutral returns an unlocked header with the given age and no hash.
func MakeNeutral(age Age) Word {
	return Word(age&ageMask)<<ageShift | lockNeutral
}

// MakeBiased returns a header biased toward owner (0 for anonymous) at the
// given epoch and age.
func MakeBiased(owner ThreadID, epoch Epoch, age Age) Word {
	return Word(owner)<<threadShift |
		Word(epoch&epochMask)<<epochShift |
		Word(age&ageMask)<<ageShift |
		biasPattern
}

// MakeThin returns a thin-locked header referencing the given stack lock
// record.
func MakeThin(rec RecordID) Word {
	return Word(rec)<<payloadShift | lockThin
}

// MakeFat returns a fat-locked header referencing the given monitor.
func MakeFat(mon MonitorID) Word {
	return Word(mon)<<payloadShift | lockMonitor
}

// MakeMarked returns a marked-for-GC header carrying a forwardee handle.
func MakeMarked(forwardee uint64) Word {
	return Word(forwardee)<<payloadShift | lockMarked
}

// Prototype returns the unbiased prototype header shared by types for which
// biasing is not permitted.
func Prototype() Word {
	return MakeNeutral(0)
}

// BiasedPrototype returns the anonymously biased prototype header installed
// on types for which biasing is permitted, at epoch zero.
func BiasedPrototype() Word {
	return MakeBiased(0, 0, 0)
}

// IsNeutral reports whether w is unlocked (and not biased).
func (w Word) IsNeutral() bool {
	return w&patternMask == lockNeutral
}

// HasBiasPattern reports whether w carries the bias pattern, whether or not
// the embedded epoch is still valid.
func (w Word) HasBiasPattern() bool {
	return w&patternMask == biasPattern
}

// IsBiasedAnonymously reports whether w is biased with no recorded owner.
func (w Word) IsBiasedAnonymously() bool {
	return w.HasBiasPattern() && w.BiasedOwner() == 0
}

// IsBiasedTo reports whether w is biased toward the given thread.
func (w Word) IsBiasedTo(t ThreadID) bool {
	return w.HasBiasPattern() && w.BiasedOwner() == t
}

// IsThinLocked reports whether w is a thin lock. The Inflating sentinel is
// not a thin lock.
func (w Word) IsThinLocked() bool {
	return w&lockMask == lockThin && w != Inflating
}

// IsFatLocked reports whether w references a heavyweight monitor.
func (w Word) IsFatLocked() bool {
	return w&lockMask == lockMonitor
}

// IsMarked reports whether w is a marked-for-GC header.
func (w Word) IsMarked() bool {
	return w&lockMask == lockMarked
}

// IsInflating reports whether w is the inflation-in-progress sentinel.
func (w Word) IsInflating() bool {
	return w == Inflating
}

// IsLocked reports whether w represents any locked state.
func (w Word) IsLocked() bool {
	return w.IsThinLocked() || w.IsFatLocked() || w == Inflating
}

// BiasedOwner returns the owning thread of a biased header, 0 if anonymous.
func (w Word) BiasedOwner() ThreadID {
	return ThreadID(w >> threadShift)
}

// BiasEpoch returns the epoch embedded in a biased header.
func (w Word) BiasEpoch() Epoch {
	return Epoch(w>>epochShift) & epochMask
}

// HasValidEpoch reports whether a biased header's epoch matches the type's
// prototype epoch. A stale epoch means the bias has been bulk-invalidated
// and the object is eligible for rebias, not validly biased.
func (w Word) HasValidEpoch(prototype Word) bool {
	return w.BiasEpoch() == prototype.BiasEpoch()
}

// WithEpoch returns w with its bias epoch replaced.
func (w Word) WithEpoch(e Epoch) Word {
	return w&^(Word(epochMask)<<epochShift) | Word(e&epochMask)<<epochShift
}

// IncrEpoch returns w with its bias epoch incremented, wrapping within the
// epoch range.
func (w Word) IncrEpoch() Word {
	return w.WithEpoch((w.BiasEpoch() + 1) % EpochRange)
}

// Age returns the GC age of a neutral or biased header.
func (w Word) Age() Age {
	return Age(w>>ageShift) & ageMask
}

// WithAge returns w with its age field replaced.
func (w Word) WithAge(a Age) Word {
	return w&^(Word(ageMask)<<ageShift) | Word(a&ageMask)<<ageShift
}

// Hash returns the identity hash installed in a neutral header, 0 if none.
func (w Word) Hash() uint32 {
	if !w.IsNeutral() {
		return 0
	}
	return uint32(w>>hashShift) & HashMask
}

// HasHash reports whether a neutral header carries an installed hash.
func (w Word) HasHash() bool {
	return w.Hash() != 0
}

// WithHash returns a neutral w with the identity hash installed. Biased
// headers have no room for a hash; installing one requires revocation first.
func (w Word) WithHash(h uint32) Word {
	return w&^(Word(HashMask)<<hashShift) | Word(h&HashMask)<<hashShift
}

// Record returns the lock record handle of a thin-locked header.
func (w Word) Record() RecordID {
	return RecordID(w >> payloadShift)
}

// Monitor returns the monitor handle of a fat-locked header.
func (w Word) Monitor() MonitorID {
	return MonitorID(w >> payloadShift)
}

// String renders w for logs and assertions.
func (w Word) String() string {
	switch {
	case w == Inflating:
		return "inflating"
	case w.HasBiasPattern():
		if owner := w.BiasedOwner(); owner != 0 {
			return fmt.Sprintf("biased(thread=%d epoch=%d age=%d)", owner, w.BiasEpoch(), w.Age())
		}
		return fmt.Sprintf("biased(anonymous epoch=%d age=%d)", w.BiasEpoch(), w.Age())
	case w.IsNeutral():
		return fmt.Sprintf("neutral(hash=%#x age=%d)", w.Hash(), w.Age())
	case w.IsThinLocked():
		return fmt.Sprintf("thin(record=%d)", w.Record())
	case w.IsFatLocked():
		return fmt.Sprintf("fat(monitor=%d)", w.Monitor())
	default:
		return fmt.Sprintf("marked(%#x)", uint64(w))
	}
}

// Atomic is an atomically mutable header word. All lock-state transitions
// outside safepoint or handshake exclusivity go through CompareAndSwap.
type Atomic struct {
	v atomic.Uint64
}

// Load returns the current word.
func (a *Atomic) Load() Word {
	return Word(a.v.Load())
}

// Store unconditionally replaces the word. Callers must hold safepoint or
// handshake exclusivity over the object, or be initializing it.
func (a *Atomic) Store(w Word) {
	a.v.Store(uint64(w))
}

// CompareAndSwap installs want if the current word is old.
func (a *Atomic) CompareAndSwap(old, want Word) bool {
	return a.v.CompareAndSwap(uint64(old), uint64(want))
}
