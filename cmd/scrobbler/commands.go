package main

import "github.com/urfave/cli/v3"

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to configuration file",
	}
}

func outputFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "theme",
			Usage: "Color theme (rainbow, mono, nocolor)",
			Value: "rainbow",
		},
		&cli.BoolFlag{
			Name:  "no-color",
			Usage: "Disable colored output",
		},
	}
}

// runCommand follows mpv and submits finished plays until interrupted.
func runCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Follow mpv and scrobble played tracks",
		ArgsUsage: "[mpv arguments...]",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:  "ipc",
				Usage: "mpv IPC socket path (overrides player.ipc)",
			},
			&cli.BoolFlag{
				Name:  "spawn",
				Usage: "Start mpv instead of attaching to a running instance",
			},
		},
		Action: r.Run,
	}
}

func enqueueCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:      "enqueue",
		Usage:     "Queue plays of local files for every enabled scrobbler",
		ArgsUsage: "FILE...",
		Description: "Records are appended to the data files and submitted the next time " +
			"the scrobblers start. Stop a running scrobbler first.",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:  "ended",
				Usage: "When the last play ended (RFC 3339), defaults to now",
			},
		},
		Action: r.Enqueue,
	}
}

func statusCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show pending scrobbles per service",
		Flags:  append([]cli.Flag{configFlag()}, outputFlags()...),
		Action: r.Status,
	}
}

func historyCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show resolved scrobbles from the journal",
		Flags: append([]cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:  "service",
				Usage: "Only show entries for this scrobbler id",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of entries to show",
				Value: 20,
			},
			&cli.IntFlag{
				Name:  "prune-days",
				Usage: "Delete entries older than this many days first",
			},
		}, outputFlags()...),
		Action: r.History,
	}
}

func doctorCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "doctor",
		Usage:  "Check configuration, data files and mpv",
		Flags:  append([]cli.Flag{configFlag()}, outputFlags()...),
		Action: r.Doctor,
	}
}
