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

package stats

import (
	"sync"
	"testing"
)

func TestCounterIncrement(t *testing.T) {
	c := MustRegister("/test/increment", "test counter")
	c.Increment()
	c.Add(4)
	if got := c.Value(); got != 5 {
		t.Errorf("Value: got %d, want 5", got)
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	MustRegister("/test/dup", "first")
	defer func() {
		if recover() == nil {
			t.Error("duplicate registration did not panic")
		}
	}()
	MustRegister("/test/dup", "second")
}

func TestSnapshotDelta(t *testing.T) {
	c := MustRegister("/test/delta", "test counter")
	before := SnapshotAll()
	c.Add(7)
	d := SnapshotAll().Delta(before)
	if got := d["/test/delta"]; got != 7 {
		t.Errorf("Delta: got %d, want 7", got)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	c := MustRegister("/test/concurrent", "test counter")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Increment()
			}
		}()
	}
	wg.Wait()
	if got := c.Value(); got != 8000 {
		t.Errorf("Value: got %d, want 8000", got)
	}
}
