package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

var version = "0.1.0"

func main() {
	runner := NewRunner(RunnerOpts{})

	app := &cli.Command{
		Name:     "scrobbler",
		Usage:    "Report tracks played in mpv to scrobbling services",
		Version:  version,
		Commands: runner.register(),
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "scrobbler: %v\n", err)
		os.Exit(1)
	}
}
