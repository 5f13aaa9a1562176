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

package vm

import (
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/lijobs/loom/pkg/config"
	"github.com/lijobs/loom/pkg/object"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.BulkRevokeThreshold = cfg.BulkRebiasThreshold
	if _, err := New(cfg); err == nil {
		t.Fatal("New accepted thresholds in the wrong order")
	}
}

func TestMutualExclusionUnderLoad(t *testing.T) {
	m, err := New(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	cls := m.NewClass("test/SharedCounter")
	o := object.New(cls)

	const (
		workers = 8
		rounds  = 200
	)
	counter := 0
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			th := m.NewThread(name)
			defer th.Exit()
			for j := 0; j < rounds; j++ {
				m.Sync.FastEnter(o, th)
				counter++
				m.Sync.FastExit(o, th)
				th.Poll()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if counter != workers*rounds {
		t.Errorf("counter: got %d, want %d (lost updates mean broken exclusion)", counter, workers*rounds)
	}
	if owner := m.Sync.GetLockOwner(o); owner != 0 {
		t.Errorf("owner after all threads exited: got %d, want 0", owner)
	}
}

func TestExitThreadReleasesAbandonedLocks(t *testing.T) {
	m, err := New(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	o := object.New(m.NewClass("test/Thing"))
	th := m.NewThread("leaky")
	m.Sync.FastEnter(o, th)
	m.ExitThread(th)
	if owner := m.Sync.GetLockOwner(o); owner != 0 {
		t.Errorf("owner after abnormal exit: got %d, want 0", owner)
	}

	other := m.NewThread("successor")
	defer other.Exit()
	m.Sync.FastEnter(o, other)
	m.Sync.FastExit(o, other)
}

func TestMaybeCleanupDeflates(t *testing.T) {
	cfg := config.Default()
	cfg.MonitorUsedDeflationThreshold = 1
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	th := m.NewThread("worker")
	defer th.Exit()

	// Two idle inflated monitors out of one 128-monitor block put usage
	// past a 1% threshold.
	cls := object.NewClass("test/Raw", false)
	objs := []*object.Object{object.New(cls), object.New(cls)}
	for _, o := range objs {
		m.Sync.FastEnter(o, th)
		m.Sync.Inflate(o, th, 0)
		m.Sync.FastExit(o, th)
	}

	if !m.MaybeCleanup(th) {
		t.Fatal("cleanup not triggered above the threshold")
	}
	for i, o := range objs {
		if h := o.Header(); !h.IsNeutral() {
			t.Errorf("object %d header after cleanup: got %s, want neutral", i, h)
		}
	}
}
