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

package cmd

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/lijobs/loom/pkg/stats"

	// Register every counter the subsystem defines.
	_ "github.com/lijobs/loom/pkg/objsync"
)

// Counters implements subcommands.Command for the "counters" command.
type Counters struct{}

// Name implements subcommands.Command.Name.
func (*Counters) Name() string {
	return "counters"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Counters) Synopsis() string {
	return "list every locking counter and its description"
}

// Usage implements subcommands.Command.Usage.
func (*Counters) Usage() string {
	return `counters:
	List the name and description of every counter the locking subsystem
	exposes.

`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Counters) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Counters) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	for _, name := range stats.Names() {
		if c := stats.Lookup(name); c != nil {
			fmt.Printf("%-48s %s\n", name, c.Description())
		}
	}
	return subcommands.ExitSuccess
}
