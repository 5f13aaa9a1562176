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

package biasedlock

import (
	"github.com/lijobs/loom/pkg/markword"
	"github.com/lijobs/loom/pkg/object"
)

// PreservedMarks saves headers that a collector's header rewriting would
// destroy and reinstalls them afterwards. Neutral headers need no saving;
// their hash and age are reconstructible. Biased and locked headers are
// not: the collector brackets its header mangling with Preserve and
// Restore under safepoint exclusivity.
type PreservedMarks struct {
	objs  []*object.Object
	marks []markword.Word
}

// Preserve records o's header if it would not survive rewriting.
func (p *PreservedMarks) Preserve(o *object.Object) {
	h := o.Header()
	if h.HasBiasPattern() || h.IsLocked() {
		p.objs = append(p.objs, o)
		p.marks = append(p.marks, h)
	}
}

// Restore reinstalls every preserved header and empties the set.
func (p *PreservedMarks) Restore() {
	for i, o := range p.objs {
		o.SetHeader(p.marks[i])
	}
	p.objs = nil
	p.marks = nil
}

// Len returns the number of headers currently preserved.
func (p *PreservedMarks) Len() int {
	return len(p.objs)
}
