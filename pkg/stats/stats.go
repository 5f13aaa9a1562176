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

// Package stats provides process-wide named counters for the locking
// subsystem.
//
// Counters are monotonically incrementing with no consistency requirement
// beyond eventual readability: increments are atomic, snapshots are not.
package stats

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Counter is a monotonically incrementing statistic.
type Counter struct {
	name        string
	description string
	value       atomic.Uint64
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Counter{}
)

// MustRegister creates and registers a counter, panicking if the name is
// already in use. Counters are created at package init time; a duplicate
// name is a programming error.
func MustRegister(name, description string) *Counter {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("stats: counter %q already registered", name))
	}
	c := &Counter{name: name, description: description}
	registry[name] = c
	return c
}

// Name returns the counter's registered name.
func (c *Counter) Name() string {
	return c.name
}

// Description returns the counter's human-readable description.
func (c *Counter) Description() string {
	return c.description
}

// Increment adds one to the counter.
func (c *Counter) Increment() {
	c.value.Add(1)
}

// Add adds n to the counter.
func (c *Counter) Add(n uint64) {
	c.value.Add(n)
}

// Value returns the current count.
func (c *Counter) Value() uint64 {
	return c.value.Load()
}

// Snapshot is a point-in-time read of a set of counters.
type Snapshot map[string]uint64

// SnapshotAll reads every registered counter. The result is internally
// consistent only per counter.
func SnapshotAll() Snapshot {
	registryMu.Lock()
	defer registryMu.Unlock()
	s := make(Snapshot, len(registry))
	for name, c := range registry {
		s[name] = c.Value()
	}
	return s
}

// Delta returns the per-counter difference now minus the earlier snapshot.
func (s Snapshot) Delta(earlier Snapshot) Snapshot {
	d := make(Snapshot, len(s))
	for name, v := range s {
		d[name] = v - earlier[name]
	}
	return d
}

// Names returns the registered counter names in sorted order.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the registered counter with the given name, or nil.
func Lookup(name string) *Counter {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[name]
}
