// Command cvise is the CLI entry point for the parallel test-case reduction
// engine (spec §6 "CLI"). It is built on github.com/google/subcommands,
// following the single-entry-point-per-command/flag-struct shape of
// _examples/TrellixVulnTeam-chromium-infra_OF7I/go/src/infra/cmd/cloudbuildhelper's
// commandBase pattern, adapted to subcommands' real Command interface
// (Name/Synopsis/Usage/SetFlags/Execute) rather than its CommandRunBase.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&reduceCmd{}, "")

	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	os.Exit(int(subcommands.Execute(ctx)))
}
