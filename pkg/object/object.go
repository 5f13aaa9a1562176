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

// Package object models lockable objects, their types, and stack lock
// records.
//
// An Object is a header word plus a reference to its Class. The Class
// carries the prototype header shared by all instances: whether biasing is
// currently permitted for the type and the type's current bias epoch. A
// freshly allocated object copies the prototype, so instances of a biasable
// type start anonymously biased.
package object

import (
	"sync/atomic"

	"github.com/lijobs/loom/pkg/markword"
	"github.com/lijobs/loom/pkg/stats"
)

var headerWrites = stats.MustRegister("/loom/object/header_writes",
	"Successful object header mutations (stores and won CASes).")

// Class describes a data type: its prototype header and the bias revocation
// bookkeeping the bulk heuristics run on.
type Class struct {
	name      string
	prototype markword.Atomic

	// revocations counts single revocations of instances of this type
	// since the last bulk operation or decay reset. Mutated only while
	// deciding a revocation; reads are advisory.
	revocations atomic.Int32

	// lastBulkRevocation is the wall time (UnixNano) of the last bulk
	// rebias or revoke of this type. Mutated only at safepoints.
	lastBulkRevocation atomic.Int64
}

// NewClass creates a type. If biasable, instances start anonymously biased
// at epoch zero; otherwise they start neutral.
func NewClass(name string, biasable bool) *Class {
	c := &Class{name: name}
	if biasable {
		c.prototype.Store(markword.BiasedPrototype())
	} else {
		c.prototype.Store(markword.Prototype())
	}
	return c
}

// Name returns the type name.
func (c *Class) Name() string {
	return c.name
}

// Prototype returns the type's current prototype header.
func (c *Class) Prototype() markword.Word {
	return c.prototype.Load()
}

// SetPrototype replaces the prototype header. Callers must hold safepoint
// exclusivity.
func (c *Class) SetPrototype(w markword.Word) {
	c.prototype.Store(w)
}

// BiasAllowed reports whether the prototype still permits biasing.
func (c *Class) BiasAllowed() bool {
	return c.Prototype().HasBiasPattern()
}

// RevocationCount returns the type's revocation count in the current window.
func (c *Class) RevocationCount() int {
	return int(c.revocations.Load())
}

// IncrRevocationCount bumps the window revocation count and returns the new
// value.
func (c *Class) IncrRevocationCount() int {
	return int(c.revocations.Add(1))
}

// ResetRevocationCount restarts the revocation window.
func (c *Class) ResetRevocationCount() {
	c.revocations.Store(0)
}

// LastBulkRevocation returns the UnixNano time of the last bulk operation,
// 0 if none.
func (c *Class) LastBulkRevocation() int64 {
	return c.lastBulkRevocation.Load()
}

// SetLastBulkRevocation records a bulk operation time. Callers must hold
// safepoint exclusivity.
func (c *Class) SetLastBulkRevocation(unixNano int64) {
	c.lastBulkRevocation.Store(unixNano)
}

// Object is a lockable heap object.
type Object struct {
	class  *Class
	header markword.Atomic
}

// New allocates an object of the given class. The header is copied from the
// class prototype, so a biasable type yields an anonymously biased object.
func New(c *Class) *Object {
	o := &Object{class: c}
	o.header.Store(c.Prototype())
	return o
}

// Class returns the object's type.
func (o *Object) Class() *Class {
	return o.class
}

// Header returns the current header word.
func (o *Object) Header() markword.Word {
	return o.header.Load()
}

// CasHeader installs want if the header is still old, counting the write on
// success.
func (o *Object) CasHeader(old, want markword.Word) bool {
	if o.header.CompareAndSwap(old, want) {
		headerWrites.Increment()
		return true
	}
	return false
}

// SetHeader stores the header unconditionally. Callers must hold safepoint
// or handshake exclusivity over the object.
func (o *Object) SetHeader(w markword.Word) {
	o.header.Store(w)
	headerWrites.Increment()
}
