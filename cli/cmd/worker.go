package cmd

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/isolate/job"
	"github.com/pithecene-io/isolate/worker"
)

// WorkerCommand returns the hidden command isolate run spawns as its child.
// Its whole stderr belongs to the response protocol.
func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:            "worker",
		Usage:           "Execute one encoded job request (internal)",
		ArgsUsage:       "<payload|payload-file>",
		Hidden:          true,
		SkipFlagParsing: true,
		Action:          workerAction,
	}
}

func workerAction(c *cli.Context) error {
	host := &worker.Host{
		Registry: job.Builtins(),
		Stderr:   os.Stderr,
	}
	return cli.Exit("", host.Serve(c.Context, c.Args().Slice()))
}
