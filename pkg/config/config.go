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

// Package config holds the tunables of the locking subsystem.
//
// All policy thresholds here affect performance, never correctness. The
// defaults mirror the values the scheme was originally tuned with.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML files can spell durations as
// strings ("25s", "100ms").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config is the full set of locking tunables. The zero value is not usable;
// start from Default.
type Config struct {
	// UseBiasedLocking globally enables the biased representation. When
	// false every enter goes straight to thin/fat locking.
	UseBiasedLocking bool `toml:"use_biased_locking"`

	// BiasedLockingStartupDelay defers enabling biasing after Init, to
	// avoid paying revocation storms during startup. Zero enables
	// immediately.
	BiasedLockingStartupDelay Duration `toml:"biased_locking_startup_delay"`

	// BulkRebiasThreshold is the number of revocations of a single type
	// within the decay window at which the type is bulk-rebiased (epoch
	// bump) instead of revoked object by object.
	BulkRebiasThreshold int `toml:"bulk_rebias_threshold"`

	// BulkRevokeThreshold is the number of revocations of a single type
	// within the decay window at which biasing is disabled for the type
	// entirely.
	BulkRevokeThreshold int `toml:"bulk_revoke_threshold"`

	// BiasedLockingDecayTime is the window after a bulk rebias in which
	// further revocations count toward the bulk-revoke threshold; once it
	// elapses the type's revocation count restarts.
	BiasedLockingDecayTime Duration `toml:"biased_locking_decay_time"`

	// HandshakeEscalationTimeout bounds how long a revoker waits for the
	// biasing thread to reach a safe point before the revocation is
	// subsumed by a full safepoint.
	HandshakeEscalationTimeout Duration `toml:"handshake_escalation_timeout"`

	// MonitorUsedDeflationThreshold is the percentage of extant monitors
	// that must be in use before deflation is considered needed.
	MonitorUsedDeflationThreshold int `toml:"monitor_used_deflation_threshold"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		UseBiasedLocking:              true,
		BiasedLockingStartupDelay:     0,
		BulkRebiasThreshold:           20,
		BulkRevokeThreshold:           40,
		BiasedLockingDecayTime:        Duration(25 * time.Second),
		HandshakeEscalationTimeout:    Duration(100 * time.Millisecond),
		MonitorUsedDeflationThreshold: 90,
	}
}

// Load reads a TOML tunables file over the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("decoding config %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects configurations the protocol cannot run with.
func (c *Config) Validate() error {
	if c.BulkRebiasThreshold <= 0 {
		return fmt.Errorf("bulk_rebias_threshold must be positive, got %d", c.BulkRebiasThreshold)
	}
	if c.BulkRevokeThreshold <= c.BulkRebiasThreshold {
		return fmt.Errorf("bulk_revoke_threshold (%d) must exceed bulk_rebias_threshold (%d)",
			c.BulkRevokeThreshold, c.BulkRebiasThreshold)
	}
	if c.BiasedLockingDecayTime <= 0 {
		return fmt.Errorf("biased_locking_decay_time must be positive, got %v", c.BiasedLockingDecayTime)
	}
	if c.HandshakeEscalationTimeout <= 0 {
		return fmt.Errorf("handshake_escalation_timeout must be positive, got %v", c.HandshakeEscalationTimeout)
	}
	if c.MonitorUsedDeflationThreshold < 0 || c.MonitorUsedDeflationThreshold > 100 {
		return fmt.Errorf("monitor_used_deflation_threshold must be a percentage, got %d", c.MonitorUsedDeflationThreshold)
	}
	return nil
}
