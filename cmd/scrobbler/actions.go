package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/tunez/scrobbler/internal/config"
	"github.com/tunez/scrobbler/internal/logging"
	"github.com/tunez/scrobbler/internal/player"
	"github.com/tunez/scrobbler/internal/scrobble"
	"github.com/tunez/scrobbler/internal/scrobble/engine"
	"github.com/tunez/scrobbler/internal/scrobble/history"
	"github.com/tunez/scrobbler/internal/scrobble/rest"
	"github.com/tunez/scrobbler/internal/scrobble/store"
	"github.com/tunez/scrobbler/internal/scrobble/transport"
	"github.com/tunez/scrobbler/internal/tags"
	"github.com/tunez/scrobbler/internal/ui"
)

// Run starts every enabled scrobbler and feeds it from mpv until the player
// exits or the process is interrupted.
func (r *Runner) Run(ctx context.Context, cmd *cli.Command) error {
	cfg, cfgPath, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, logFile, err := logging.Setup(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logFile.Close()
	logger.Info("starting scrobbler", slog.String("config", cfgPath), slog.String("version", version))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var journal engine.Journal
	if cfg.History.IsEnabled() {
		hs, err := history.Open(cfg.History.Path)
		if err != nil {
			logger.Warn("history unavailable", slog.Any("err", err))
		} else {
			defer hs.Close()
			journal = hs
		}
	}

	sender := transport.New(transport.Options{
		ConnectTimeout:  cfg.Transport.ConnectTimeout(),
		ResponseTimeout: cfg.Transport.ResponseTimeout(),
		UserAgent:       "tunez-scrobbler/" + version,
		Logger:          logger,
	})
	manager := buildManager(cfg, sender, journal, logger)
	if len(manager.Services()) == 0 {
		return errors.New("no enabled scrobblers in config")
	}
	if err := manager.StartAll(); err != nil {
		logger.Error("start scrobblers", slog.Any("err", err))
		if manager.StartedCount() == 0 {
			return err
		}
	}
	defer stopServices(manager, logger)

	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, logger)
		defer srv.Shutdown(context.Background())
	}

	ipc := cmd.String("ipc")
	if ipc == "" {
		ipc = cfg.Player.IPC
	}
	obs := player.New(player.Options{
		IPCPath:   ipc,
		Logger:    logger,
		Spawn:     cmd.Bool("spawn"),
		MPVPath:   cfg.Player.MPVPath,
		ExtraArgs: cmd.Args().Slice(),
	})
	if err := obs.Start(ctx); err != nil {
		return fmt.Errorf("start player: %w", err)
	}
	defer obs.Stop()

	sess := newSession(scrobble.NewTracker(cfg.Scrobble.MinPlayed()), manager, cfg.Scrobble.IsDurable(), tags.Read, logger)
	for {
		select {
		case <-ctx.Done():
			sess.finish()
			logger.Info("interrupted")
			return nil
		case evt, ok := <-obs.Events():
			if !ok {
				sess.finish()
				logger.Info("player exited")
				return nil
			}
			sess.handle(evt)
		}
	}
}

// stopServices stops every service and reports how many scrobbles they held.
// The count is taken first because Stop empties the queues.
func stopServices(m *scrobble.Manager, logger *slog.Logger) int {
	pending := m.TotalPendingCount()
	if err := m.StopAll(); err != nil {
		logger.Error("stop scrobblers", slog.Any("err", err))
	}
	logger.Info("scrobbler stopped", slog.Int("pending", pending))
	return pending
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics endpoint started", slog.String("addr", addr), slog.String("path", "/metrics"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", slog.Any("err", err))
		}
	}()
	return srv
}

// playsFromFiles builds back-to-back plays of files that ended at end.
func playsFromFiles(paths []string, end time.Time, read func(string) (scrobble.Track, error)) ([]scrobble.Record, error) {
	tracks := make([]scrobble.Track, 0, len(paths))
	for _, p := range paths {
		if !tags.Supported(p) {
			return nil, fmt.Errorf("%s: not a supported audio file", p)
		}
		t, err := read(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if t.DurationMs <= 0 {
			return nil, fmt.Errorf("%s: unknown duration", p)
		}
		tracks = append(tracks, t)
	}

	records := make([]scrobble.Record, len(tracks))
	for i := len(tracks) - 1; i >= 0; i-- {
		length := time.Duration(tracks[i].DurationMs) * time.Millisecond
		start := end.Add(-length)
		records[i] = scrobble.Record{StartTime: start, EndTime: end, PlayedMs: tracks[i].DurationMs, Track: tracks[i]}
		end = start
	}
	return records, nil
}

func (r *Runner) Enqueue(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Args().Len() == 0 {
		return errors.New("enqueue: no files given")
	}
	end := time.Now()
	if s := cmd.String("ended"); s != "" {
		if end, err = time.Parse(time.RFC3339, s); err != nil {
			return fmt.Errorf("parse --ended: %w", err)
		}
	}

	records, err := playsFromFiles(cmd.Args().Slice(), end, tags.Read)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return err
		}
	}
	entries := cfg.EnabledScrobblers()
	if len(entries) == 0 {
		return errors.New("no enabled scrobblers in config")
	}
	for _, entry := range entries {
		file := store.New(entry.DataFile)
		for _, rec := range records {
			if err := file.Append(rec); err != nil {
				return fmt.Errorf("%s: %w", entry.ID, err)
			}
		}
		fmt.Fprintf(r.output, "%s: queued %d scrobbles\n", entry.ID, len(records))
	}
	return nil
}

func (r *Runner) Status(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}
	rows := make([]ui.ServiceStatus, 0, len(cfg.Scrobblers))
	for _, entry := range cfg.Scrobblers {
		records, err := store.New(entry.DataFile).Load()
		rows = append(rows, ui.ServiceStatus{
			ID:       entry.ID,
			Type:     entry.Type,
			Enabled:  entry.IsEnabled(),
			Pending:  len(records),
			DataFile: entry.DataFile,
			Err:      err,
		})
	}
	fmt.Fprint(r.output, ui.RenderStatus(r.theme(cmd), rows))
	return nil
}

func (r *Runner) History(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.History.IsEnabled() {
		return errors.New("history is disabled in config")
	}
	service := cmd.String("service")
	if _, ok := cfg.ScrobblerByID(service); service != "" && !ok {
		return fmt.Errorf("unknown scrobbler %q", service)
	}
	hs, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer hs.Close()

	if days := cmd.Int("prune-days"); days > 0 {
		n, err := hs.Prune(ctx, time.Now().AddDate(0, 0, -int(days)))
		if err != nil {
			return err
		}
		fmt.Fprintf(r.output, "pruned %d entries\n", n)
	}

	entries, err := hs.Recent(ctx, service, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	rows := make([]ui.HistoryRow, len(entries))
	for i, e := range entries {
		rows[i] = ui.HistoryRow{Service: e.Service, Outcome: e.Outcome, Record: e.Record, ResolvedAt: e.ResolvedAt}
	}
	theme := r.theme(cmd)
	fmt.Fprint(r.output, ui.RenderHistory(theme, rows))

	counts, err := hs.Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Fprint(r.output, theme.Dim.Render(formatCounts(counts)))
	fmt.Fprintln(r.output)
	return nil
}

func formatCounts(counts map[string]map[scrobble.Outcome]int) string {
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		c := counts[id]
		parts = append(parts, fmt.Sprintf("%s: %d accepted, %d rejected", id, c[scrobble.OutcomeAccepted], c[scrobble.OutcomeRejected]))
	}
	return strings.Join(parts, "; ")
}

func (r *Runner) Doctor(ctx context.Context, cmd *cli.Command) error {
	theme := r.theme(cmd)
	cfg, cfgPath, err := r.loadConfig(cmd)
	if err != nil {
		out, _ := ui.RenderChecks(theme, []ui.Check{{Name: "config " + cfgPath, Info: err.Error()}})
		fmt.Fprint(r.output, out)
		return cli.Exit("", 1)
	}

	out, ok := ui.RenderChecks(theme, r.checks(cfg, cfgPath))
	fmt.Fprint(r.output, out)
	if !ok {
		return cli.Exit("", 1)
	}
	return nil
}

func (r *Runner) checks(cfg *config.Config, cfgPath string) []ui.Check {
	checks := []ui.Check{{Name: "config " + cfgPath, OK: true}}
	if len(cfg.EnabledScrobblers()) == 0 {
		checks = append(checks, ui.Check{Name: "scrobblers", OK: true, Warn: true, Info: "none enabled"})
	}
	for _, entry := range cfg.Scrobblers {
		if !entry.IsEnabled() {
			checks = append(checks, ui.Check{Name: "scrobbler " + entry.ID, OK: true, Warn: true, Info: "disabled"})
			continue
		}
		checks = append(checks, settingsCheck(entry))
		records, err := store.New(entry.DataFile).Load()
		if err != nil {
			checks = append(checks, ui.Check{Name: "data file " + entry.ID, Info: err.Error()})
		} else {
			checks = append(checks, ui.Check{Name: "data file " + entry.ID, OK: true, Info: fmt.Sprintf("%d pending", len(records))})
		}
	}

	if cfg.History.IsEnabled() {
		if hs, err := history.Open(cfg.History.Path); err != nil {
			checks = append(checks, ui.Check{Name: "history", Info: err.Error()})
		} else {
			hs.Close()
			checks = append(checks, ui.Check{Name: "history", OK: true, Info: cfg.History.Path})
		}
	} else {
		checks = append(checks, ui.Check{Name: "history", OK: true, Warn: true, Info: "disabled"})
	}

	if p, err := r.lookPath(cfg.Player.MPVPath); err != nil {
		checks = append(checks, ui.Check{Name: "mpv", OK: true, Warn: true, Info: "not found, only attaching to a running mpv works"})
	} else {
		checks = append(checks, ui.Check{Name: "mpv", OK: true, Info: p})
	}
	return checks
}

// settingsCheck validates a scrobbler entry without touching the network.
func settingsCheck(entry config.ScrobblerEntry) ui.Check {
	name := "scrobbler " + entry.ID
	if entry.URL == "" {
		return ui.Check{Name: name, Info: scrobble.ErrNotConfigured.Error()}
	}
	switch entry.Type {
	case config.TypeREST:
		if _, err := rest.BasicAuth(entry.Username, entry.Password); err != nil {
			return ui.Check{Name: name, Info: err.Error()}
		}
	case config.TypeLegacy:
		if entry.Username == "" {
			return ui.Check{Name: name, Info: scrobble.ErrInvalidCredentials.Error()}
		}
	}
	if entry.Password == "" {
		return ui.Check{Name: name, OK: true, Warn: true, Info: "empty password"}
	}
	return ui.Check{Name: name, OK: true, Info: entry.Type + " " + entry.URL}
}
