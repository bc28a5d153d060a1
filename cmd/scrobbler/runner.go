package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/urfave/cli/v3"

	"github.com/tunez/scrobbler/internal/config"
	"github.com/tunez/scrobbler/internal/scrobble"
	"github.com/tunez/scrobbler/internal/scrobble/engine"
	"github.com/tunez/scrobbler/internal/scrobble/legacy"
	"github.com/tunez/scrobbler/internal/scrobble/rest"
	"github.com/tunez/scrobbler/internal/scrobble/transport"
	"github.com/tunez/scrobbler/internal/ui"
)

// Runner holds the dependencies shared by command actions.
type Runner struct {
	output   io.Writer
	getenv   func(string) string
	lookPath func(string) (string, error)
}

// RunnerOpts configures a Runner. Zero values select the process defaults.
type RunnerOpts struct {
	Output   io.Writer
	Getenv   func(string) string
	LookPath func(string) (string, error)
}

func NewRunner(opts RunnerOpts) *Runner {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	return &Runner{output: opts.Output, getenv: opts.Getenv, lookPath: opts.LookPath}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		runCommand, enqueueCommand, statusCommand, historyCommand, doctorCommand,
	} {
		commands = append(commands, fn(r))
	}
	return commands
}

func (r *Runner) loadConfig(cmd *cli.Command) (*config.Config, string, error) {
	cfg, path, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, path, fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

// theme honours NO_COLOR alongside the --no-color flag.
func (r *Runner) theme(cmd *cli.Command) ui.Theme {
	noColor := cmd.Bool("no-color") || r.getenv("NO_COLOR") != ""
	return ui.GetTheme(cmd.String("theme"), noColor)
}

// buildManager creates one queue engine per enabled scrobbler and registers
// it. Engines whose settings are rejected still queue scrobbles.
func buildManager(cfg *config.Config, sender transport.Sender, journal engine.Journal, logger *slog.Logger) *scrobble.Manager {
	m := scrobble.NewManager()
	for _, entry := range cfg.EnabledScrobblers() {
		opts := engine.Options{
			ID:       entry.ID,
			DataFile: entry.DataFile,
			Logger:   logger,
			Journal:  journal,
		}
		settings := engine.Settings{URL: entry.URL, Username: entry.Username, Password: entry.Password}

		var svc scrobble.Service
		var configure func(engine.Settings) error
		switch entry.Type {
		case config.TypeLegacy:
			s := legacy.NewService(sender, opts, legacy.Options{
				ClientID:      entry.ClientID,
				ClientVersion: entry.ClientVersion,
			})
			svc, configure = s, s.Configure
		default:
			s := rest.NewService(sender, opts)
			svc, configure = s, s.Configure
		}
		if err := configure(settings); err != nil {
			logger.Warn("scrobbler not configured", slog.String("service", entry.ID), slog.Any("err", err))
		}
		m.Register(svc)
	}
	return m
}
