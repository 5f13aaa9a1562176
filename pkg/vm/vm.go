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

// Package vm assembles the locking subsystem: one safepoint controller,
// one monitor pool, one thread registry, the bias revocation manager, and
// the synchronizer over them.
package vm

import (
	"github.com/sirupsen/logrus"

	"github.com/lijobs/loom/pkg/biasedlock"
	"github.com/lijobs/loom/pkg/config"
	"github.com/lijobs/loom/pkg/monitor"
	"github.com/lijobs/loom/pkg/object"
	"github.com/lijobs/loom/pkg/objsync"
	"github.com/lijobs/loom/pkg/safepoint"
	"github.com/lijobs/loom/pkg/vmthread"
)

var log = logrus.WithField("subsys", "vm")

// Machine is a fully wired locking subsystem.
type Machine struct {
	Config     *config.Config
	Safepoints *safepoint.Controller
	Monitors   *monitor.Pool
	Threads    *vmthread.Registry
	Biased     *biasedlock.Manager
	Sync       *objsync.Synchronizer
}

// New builds a machine from a validated configuration.
func New(cfg *config.Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctl := safepoint.NewController(cfg.HandshakeEscalationTimeout.Std())
	pool := monitor.NewPool()
	threads := vmthread.NewRegistry(pool, ctl)
	biased := biasedlock.New(cfg, ctl, threads)
	m := &Machine{
		Config:     cfg,
		Safepoints: ctl,
		Monitors:   pool,
		Threads:    threads,
		Biased:     biased,
		Sync:       objsync.New(cfg, ctl, threads, pool, biased),
	}
	log.WithFields(logrus.Fields{
		"biased_locking": cfg.UseBiasedLocking,
		"startup_delay":  cfg.BiasedLockingStartupDelay,
	}).Info("locking subsystem initialized")
	return m, nil
}

// NewThread registers a mutator thread; the calling goroutine drives it.
func (m *Machine) NewThread(name string) *vmthread.Thread {
	return m.Threads.NewThread(name)
}

// NewClass creates a type, biasable if biasing is active.
func (m *Machine) NewClass(name string) *object.Class {
	return m.Biased.NewClass(name)
}

// ExitThread releases everything t still holds and tears it down. Use for
// abnormal termination; normal termination with balanced locking can call
// t.Exit directly.
func (m *Machine) ExitThread(t *vmthread.Thread) {
	m.Sync.ReleaseMonitorsOwnedByThread(t)
	t.Exit()
}

// MaybeCleanup runs a deflation safepoint if monitor usage has crossed the
// configured threshold. t is the requesting thread, nil for an external
// driver. Returns whether a pass ran.
func (m *Machine) MaybeCleanup(t *vmthread.Thread) bool {
	if !m.Sync.CleanupNeeded() {
		return false
	}
	var part *safepoint.Participant
	if t != nil {
		part = t.Participant()
	}
	m.Safepoints.RunAtSafepoint(part, func() {
		ds := m.Sync.DeflateIdleMonitors()
		log.WithFields(logrus.Fields{
			"scavenged":      ds.Scavenged,
			"in_use":         ds.InUse,
			"in_circulation": ds.InCirculation,
		}).Info("deflation pass")
	})
	return true
}
