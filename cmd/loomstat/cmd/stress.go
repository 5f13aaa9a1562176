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

// Package cmd holds the loomstat subcommands.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lijobs/loom/pkg/config"
	"github.com/lijobs/loom/pkg/object"
	"github.com/lijobs/loom/pkg/stats"
	"github.com/lijobs/loom/pkg/vm"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	configPath string
	threads    int
	rounds     int
	objects    int
	depth      int
	hash       bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "hammer a set of shared objects with lock/unlock traffic and report counters"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [-threads N] [-rounds N] [-objects N] [-depth N] [-hash] [-config FILE]:
	Run N mutator threads acquiring a set of shared objects, then print every
	locking counter. With one thread the workload stays biased; with several
	it exercises revocation, inflation, and deflation.

`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.configPath, "config", "", "TOML tunables file (defaults when empty)")
	f.IntVar(&s.threads, "threads", 4, "mutator threads")
	f.IntVar(&s.rounds, "rounds", 10000, "lock/unlock rounds per thread")
	f.IntVar(&s.objects, "objects", 16, "shared objects")
	f.IntVar(&s.depth, "depth", 2, "recursive acquisitions per round")
	f.BoolVar(&s.hash, "hash", false, "also request identity hashes while locked")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cfg := config.Default()
	if s.configPath != "" {
		var err error
		if cfg, err = config.Load(s.configPath); err != nil {
			logrus.WithError(err).Error("loading config")
			return subcommands.ExitFailure
		}
	}
	machine, err := vm.New(cfg)
	if err != nil {
		logrus.WithError(err).Error("initializing")
		return subcommands.ExitFailure
	}

	cls := machine.NewClass("stress/Shared")
	objs := make([]*object.Object, s.objects)
	for i := range objs {
		objs[i] = object.New(cls)
	}

	start := time.Now()
	var g errgroup.Group
	for i := 0; i < s.threads; i++ {
		worker := i
		g.Go(func() error {
			th := machine.NewThread(fmt.Sprintf("stress-%d", worker))
			defer th.Exit()
			for r := 0; r < s.rounds; r++ {
				o := objs[(worker+r)%len(objs)]
				for d := 0; d < s.depth; d++ {
					machine.Sync.FastEnter(o, th)
				}
				if s.hash {
					machine.Sync.FastHashCode(o, th)
				}
				for d := 0; d < s.depth; d++ {
					machine.Sync.FastExit(o, th)
				}
				th.Poll()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("stress run failed")
		return subcommands.ExitFailure
	}
	machine.MaybeCleanup(nil)
	elapsed := time.Since(start)

	total := s.threads * s.rounds
	fmt.Printf("%d threads x %d rounds over %d objects in %v (%.0f acq/s)\n\n",
		s.threads, s.rounds, s.objects, elapsed.Round(time.Millisecond),
		float64(total)/elapsed.Seconds())
	for _, name := range stats.Names() {
		if c := stats.Lookup(name); c != nil {
			fmt.Printf("%-48s %d\n", name, c.Value())
		}
	}
	return subcommands.ExitSuccess
}
