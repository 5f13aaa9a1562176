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
	"testing"

	"github.com/lijobs/loom/pkg/markword"
)

func TestNewObjectCopiesPrototype(t *testing.T) {
	biasable := NewClass("test/Biasable", true)
	if got := New(biasable).Header(); !got.IsBiasedAnonymously() {
		t.Errorf("fresh biasable object header: got %s, want anonymous bias", got)
	}
	plain := NewClass("test/Plain", false)
	if got := New(plain).Header(); !got.IsNeutral() {
		t.Errorf("fresh non-biasable object header: got %s, want neutral", got)
	}
}

func TestHeaderWriteCounting(t *testing.T) {
	o := New(NewClass("test/Counted", false))
	before := headerWrites.Value()
	if o.CasHeader(markword.MakeThin(1), markword.MakeThin(2)) {
		t.Fatal("CAS against wrong expected value succeeded")
	}
	if got := headerWrites.Value(); got != before {
		t.Errorf("failed CAS counted as a header write: %d -> %d", before, got)
	}
	if !o.CasHeader(markword.Prototype(), markword.MakeThin(3)) {
		t.Fatal("CAS against current value failed")
	}
	o.SetHeader(markword.Prototype())
	if got := headerWrites.Value(); got != before+2 {
		t.Errorf("header writes: got %d, want %d", got, before+2)
	}
}

func TestRecordPublishLookup(t *testing.T) {
	var l BasicLock
	l.SetOwner(5)
	l.SetDisplaced(markword.MakeNeutral(1))
	l.Publish()
	got := LookupRecord(l.ID())
	if got != &l {
		t.Fatalf("LookupRecord: got %p, want %p", got, &l)
	}
	if got.Owner() != 5 {
		t.Errorf("Owner: got %d, want 5", got.Owner())
	}
	l.Retract()
	if LookupRecord(l.ID()) != nil {
		t.Error("record still resolvable after Retract")
	}
}

func TestRecordIDsAreUniqueAndStable(t *testing.T) {
	var a, b BasicLock
	if a.ID() == b.ID() {
		t.Error("two records share an id")
	}
	if a.ID() != a.ID() {
		t.Error("record id not stable")
	}
}

func TestClassRevocationWindow(t *testing.T) {
	c := NewClass("test/Window", true)
	if c.RevocationCount() != 0 {
		t.Fatalf("fresh class revocation count: %d", c.RevocationCount())
	}
	if got := c.IncrRevocationCount(); got != 1 {
		t.Errorf("IncrRevocationCount: got %d, want 1", got)
	}
	c.ResetRevocationCount()
	if c.RevocationCount() != 0 {
		t.Error("ResetRevocationCount did not reset")
	}
}
