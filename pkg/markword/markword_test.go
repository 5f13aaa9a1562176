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

package markword

import (
	"testing"
)

func TestClassificationIsExclusive(t *testing.T) {
	words := map[string]Word{
		"neutral": MakeNeutral(3),
		"hashed":  MakeNeutral(0).WithHash(0x1234),
		"biased":  MakeBiased(7, 1, 2),
		"anon":    MakeBiased(0, 0, 0),
		"thin":    MakeThin(42),
		"fat":     MakeFat(9),
		"marked":  MakeMarked(100),
	}
	for name, w := range words {
		n := 0
		for _, ok := range []bool{w.IsNeutral(), w.HasBiasPattern(), w.IsThinLocked(), w.IsFatLocked(), w.IsMarked()} {
			if ok {
				n++
			}
		}
		if n != 1 {
			t.Errorf("%s (%s): matched %d variants, want exactly 1", name, w, n)
		}
	}
}

func TestBiasedFields(t *testing.T) {
	w := MakeBiased(1234, 2, 5)
	if got := w.BiasedOwner(); got != 1234 {
		t.Errorf("BiasedOwner: got %d, want 1234", got)
	}
	if got := w.BiasEpoch(); got != 2 {
		t.Errorf("BiasEpoch: got %d, want 2", got)
	}
	if got := w.Age(); got != 5 {
		t.Errorf("Age: got %d, want 5", got)
	}
	if w.IsBiasedAnonymously() {
		t.Error("owned bias reported as anonymous")
	}
	if !MakeBiased(0, 2, 0).IsBiasedAnonymously() {
		t.Error("anonymous bias not reported as such")
	}
}

func TestEpochValidity(t *testing.T) {
	proto := BiasedPrototype()
	w := MakeBiased(9, proto.BiasEpoch(), 0)
	if !w.HasValidEpoch(proto) {
		t.Error("matching epoch reported invalid")
	}
	bumped := proto.IncrEpoch()
	if w.HasValidEpoch(bumped) {
		t.Error("stale epoch reported valid; must be treated as revoked-and-rebiasable")
	}
}

func TestEpochWraps(t *testing.T) {
	w := BiasedPrototype()
	for i := 0; i < EpochRange; i++ {
		w = w.IncrEpoch()
	}
	if got := w.BiasEpoch(); got != 0 {
		t.Errorf("epoch after %d increments: got %d, want 0", EpochRange, got)
	}
}

func TestHashRoundTrip(t *testing.T) {
	w := MakeNeutral(4)
	if w.HasHash() {
		t.Error("fresh neutral header has a hash")
	}
	h := w.WithHash(0x7ace5)
	if got := h.Hash(); got != 0x7ace5 {
		t.Errorf("Hash: got %#x, want 0x7ace5", got)
	}
	if got := h.Age(); got != 4 {
		t.Errorf("installing hash clobbered age: got %d, want 4", got)
	}
	if !h.IsNeutral() {
		t.Error("hashed header no longer neutral")
	}
}

func TestThinAndFatHandles(t *testing.T) {
	if got := MakeThin(77).Record(); got != 77 {
		t.Errorf("Record: got %d, want 77", got)
	}
	if got := MakeFat(31).Monitor(); got != 31 {
		t.Errorf("Monitor: got %d, want 31", got)
	}
	if MakeThin(77).IsInflating() {
		t.Error("real thin lock classified as inflating")
	}
	if !Inflating.IsInflating() || Inflating.IsThinLocked() {
		t.Error("Inflating sentinel misclassified")
	}
}

func TestAtomicCompareAndSwap(t *testing.T) {
	var a Atomic
	a.Store(MakeNeutral(0))
	if a.CompareAndSwap(MakeNeutral(1), MakeThin(5)) {
		t.Error("CAS succeeded against a stale expected value")
	}
	if !a.CompareAndSwap(MakeNeutral(0), MakeThin(5)) {
		t.Error("CAS failed against the current value")
	}
	if got := a.Load(); got != MakeThin(5) {
		t.Errorf("Load after CAS: got %s", got)
	}
}
