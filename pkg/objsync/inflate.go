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
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/lijobs/loom/pkg/markword"
	"github.com/lijobs/loom/pkg/monitor"
	"github.com/lijobs/loom/pkg/object"
	"github.com/lijobs/loom/pkg/stats"
	"github.com/lijobs/loom/pkg/vmthread"
)

// InflateCause records why an object's lock was inflated, for diagnostics
// and counters.
type InflateCause int

const (
	CauseVMInternal InflateCause = iota
	CauseMonitorEnter
	CauseWait
	CauseNotify
	CauseHashCode
	CauseJNIEnter
	CauseJNIExit
	numCauses
)

// String renders the cause for logs.
func (c InflateCause) String() string {
	switch c {
	case CauseVMInternal:
		return "vm_internal"
	case CauseMonitorEnter:
		return "monitor_enter"
	case CauseWait:
		return "wait"
	case CauseNotify:
		return "notify"
	case CauseHashCode:
		return "hash_code"
	case CauseJNIEnter:
		return "jni_enter"
	case CauseJNIExit:
		return "jni_exit"
	default:
		return fmt.Sprintf("InflateCause(%d)", int(c))
	}
}

var inflationsByCause = func() [numCauses]*stats.Counter {
	var cs [numCauses]*stats.Counter
	for c := InflateCause(0); c < numCauses; c++ {
		cs[c] = stats.MustRegister("/loom/objsync/inflations/"+c.String(),
			"Lock inflations caused by "+c.String()+".")
	}
	return cs
}()

// Inflate ensures o's lock is represented by a heavyweight monitor and
// returns it. The header must not be biased; callers revoke first.
//
// Inflation of a thin lock held by another thread is legal: the Inflating
// sentinel claims the transition, the displaced header and ownership are
// taken from the published lock record, and only then is the fat header
// installed. Racing inflators spin on the sentinel; losing allocators give
// their monitor straight back to the thread-local free list.
func (s *Synchronizer) Inflate(o *object.Object, t *vmthread.Thread, cause InflateCause) *monitor.Monitor {
	for {
		mark := o.Header()
		switch {
		case mark.HasBiasPattern():
			panic(fmt.Sprintf("objsync: inflating biased header %s", mark))

		case mark.IsFatLocked():
			return s.pool.ByID(mark.Monitor())

		case mark.IsInflating():
			runtime.Gosched()

		case mark.IsThinLocked():
			m := t.Monitors.Alloc()
			if !o.CasHeader(mark, markword.Inflating) {
				t.Monitors.Release(m, true)
				continue
			}
			// We own the transition. The record cannot be retracted
			// under us: the owner's exit CAS fails against the
			// sentinel and waits for the fat header.
			rec := object.LookupRecord(mark.Record())
			if rec == nil {
				panic(fmt.Sprintf("objsync: thin header %s references a retracted record", mark))
			}
			m.SetDisplacedHeader(rec.Displaced())
			m.SetObject(o)
			m.SetOwnerFromInflation(rec.Owner())
			if !o.CasHeader(markword.Inflating, markword.MakeFat(m.ID())) {
				panic("objsync: lost the inflation we claimed")
			}
			rec.Retract()
			s.noteInflation(o, m, cause)
			return m

		default: // neutral
			m := t.Monitors.Alloc()
			m.SetDisplacedHeader(mark)
			m.SetObject(o)
			if !o.CasHeader(mark, markword.MakeFat(m.ID())) {
				t.Monitors.Release(m, true)
				continue
			}
			s.noteInflation(o, m, cause)
			return m
		}
	}
}

func (s *Synchronizer) noteInflation(o *object.Object, m *monitor.Monitor, cause InflateCause) {
	inflationsByCause[cause].Increment()
	log.WithFields(logrus.Fields{
		"class":   o.Class().Name(),
		"monitor": m.ID(),
		"cause":   cause,
	}).Debug("inflated lock")
}

// DeflateIdleMonitors runs a deflation pass. It must be called from inside
// a safepoint operation; the safepoint is what arbitrates between inflation
// and deflation.
func (s *Synchronizer) DeflateIdleMonitors() monitor.DeflationStats {
	if !s.ctl.AtSafepoint() {
		panic("objsync: deflation outside a safepoint")
	}
	return s.pool.DeflateIdleMonitors()
}

// CleanupNeeded reports whether monitor usage has crossed the configured
// deflation threshold.
func (s *Synchronizer) CleanupNeeded() bool {
	return s.pool.CleanupNeeded(s.cfg.MonitorUsedDeflationThreshold)
}

// MonitorsIterate visits every in-use monitor. Callers must hold safepoint
// exclusivity.
func (s *Synchronizer) MonitorsIterate(fn func(*monitor.Monitor)) {
	s.pool.EachInUse(fn)
}

// OopsDo visits every object kept alive by an in-use monitor. Callers must
// hold safepoint exclusivity.
func (s *Synchronizer) OopsDo(fn func(*object.Object)) {
	s.pool.OopsDo(fn)
}

// Audit cross-checks pool list membership; for debug safepoints and tests.
func (s *Synchronizer) Audit() {
	s.pool.Audit()
}
