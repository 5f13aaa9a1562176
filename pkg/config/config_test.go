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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate(): %v", err)
	}
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	c := Default()
	c.BulkRevokeThreshold = c.BulkRebiasThreshold
	if err := c.Validate(); err == nil {
		t.Error("Validate accepted bulk_revoke_threshold == bulk_rebias_threshold")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.toml")
	body := `
use_biased_locking = false
bulk_rebias_threshold = 5
bulk_revoke_threshold = 10
biased_locking_decay_time = "10s"
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	want.UseBiasedLocking = false
	want.BulkRebiasThreshold = 5
	want.BulkRevokeThreshold = 10
	want.BiasedLockingDecayTime = Duration(10 * time.Second)
	// Untouched keys keep their defaults.
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("loaded config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("bulk_rebias_threshold = -1\n"), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load accepted a config with a negative threshold")
	}
}
