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
	"runtime"

	"github.com/lijobs/loom/pkg/object"
	"github.com/lijobs/loom/pkg/stats"
	"github.com/lijobs/loom/pkg/vmthread"
)

var hashInstalls = stats.MustRegister("/loom/objsync/hash_installs",
	"Identity hashes installed into headers or displaced headers.")

// FastHashCode returns o's identity hash, installing one on first request.
// A hash never changes once observed.
//
// A biased header has no room for a hash, so hashing revokes the bias with
// no rebias. A thin-locked object is inflated first: the hash goes into
// the monitor's displaced header, where deflation later carries it back
// into the object. The hash therefore survives the full inflate/deflate
// round trip.
func (s *Synchronizer) FastHashCode(o *object.Object, t *vmthread.Thread) uint32 {
	for {
		mark := o.Header()
		switch {
		case mark.HasBiasPattern():
			s.biased.RevokeAndRebias(o, t, false)

		case mark.IsNeutral():
			if h := mark.Hash(); h != 0 {
				return h
			}
			h := t.NextHash()
			if o.CasHeader(mark, mark.WithHash(h)) {
				hashInstalls.Increment()
				return h
			}

		case mark.IsFatLocked():
			m := s.pool.ByID(mark.Monitor())
			displaced := m.DisplacedHeader()
			if h := displaced.Hash(); h != 0 {
				return h
			}
			h := t.NextHash()
			if m.CasDisplacedHeader(displaced, displaced.WithHash(h)) {
				hashInstalls.Increment()
				return h
			}

		case mark.IsThinLocked():
			// The hash has to live in the displaced header, and the
			// record belongs to whichever thread holds the thin lock;
			// inflating moves the displaced header somewhere we may
			// CAS.
			s.Inflate(o, t, CauseHashCode)

		default: // inflating
			runtime.Gosched()
		}
	}
}

// IdentityHashValueFor reads an already-installed hash without installing
// one; returns 0 when none exists yet.
func (s *Synchronizer) IdentityHashValueFor(o *object.Object) uint32 {
	mark := o.Header()
	switch {
	case mark.IsNeutral():
		return mark.Hash()
	case mark.IsFatLocked():
		return s.pool.ByID(mark.Monitor()).DisplacedHeader().Hash()
	case mark.IsThinLocked():
		if rec := object.LookupRecord(mark.Record()); rec != nil {
			return rec.Displaced().Hash()
		}
		return 0
	default:
		// Biased headers cannot carry a hash; one will be installed
		// after revocation.
		return 0
	}
}
