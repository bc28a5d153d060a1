// Package engine implements the scrobble queue and its background worker.
//
// An Engine owns the pending scrobbles of one service. Producers enqueue
// records without ever waiting on the network; a single worker goroutine
// submits the head of the queue through a protocol Adapter, removes what the
// service resolved and backs off after failed rounds. Pending records are
// written to a data file on Stop and loaded again on Start.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tunez/scrobbler/internal/scrobble"
	"github.com/tunez/scrobbler/internal/scrobble/store"
	"github.com/tunez/scrobbler/internal/scrobble/transport"
)

var (
	ErrAlreadyStarted = errors.New("engine: already started")
	ErrNotRunning     = errors.New("engine: not running")
)

// State is the lifecycle state of an Engine.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Settings is the service configuration handed to the adapter.
type Settings struct {
	URL      string
	Username string
	Password string
}

// Adapter speaks one submission protocol.
type Adapter interface {
	// Configure validates and applies settings. An error leaves the engine
	// unconfigured: it keeps queueing but does not submit.
	Configure(s Settings) error
	// MaxBatch is the largest number of records per Submit call.
	MaxBatch() int
	// Submit sends batch and returns one outcome per record. An error means
	// nothing in the batch was resolved.
	Submit(ctx context.Context, batch []scrobble.Record) ([]scrobble.Outcome, error)
	// OnStop is called after the worker exited.
	OnStop()
}

// Idler is implemented by adapters with work to do while the queue is idle.
// Idle runs on the worker goroutine without the engine lock held.
type Idler interface {
	Idle(ctx context.Context)
}

// Journal receives every record that left the queue.
type Journal interface {
	Record(ctx context.Context, service string, rec scrobble.Record, outcome scrobble.Outcome) error
}

// Options configures an Engine.
type Options struct {
	ID       string
	Name     string
	DataFile string
	Logger   *slog.Logger
	Journal  Journal
}

// Engine is the queue and worker for one service.
type Engine[A Adapter] struct {
	id      string
	name    string
	adapter A
	idler   Idler
	journal Journal
	logger  *slog.Logger

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu         sync.Mutex
	cond       *sync.Cond
	state      State
	queue      []scrobble.Record
	file       *store.File
	settings   Settings
	configured bool
	kicked     bool
	lastFailed bool
	lastSize   int
	idled      int
	backoff    backoff
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a stopped engine around adapter.
func New[A Adapter](adapter A, opts Options) *Engine[A] {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	e := &Engine[A]{
		id:      opts.ID,
		name:    opts.Name,
		adapter: adapter,
		journal: opts.Journal,
		logger:  opts.Logger.With(slog.String("service", opts.ID)),
		file:    store.New(opts.DataFile),
		backoff: newBackoff(),
	}
	if idler, ok := any(adapter).(Idler); ok {
		e.idler = idler
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *Engine[A]) ID() string   { return e.id }
func (e *Engine[A]) Name() string { return e.name }

// Adapter returns the protocol adapter.
func (e *Engine[A]) Adapter() A { return e.adapter }

// State returns the lifecycle state.
func (e *Engine[A]) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Started reports whether the engine is running.
func (e *Engine[A]) Started() bool {
	return e.State() == Running
}

// PendingCount returns the number of queued records.
func (e *Engine[A]) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Pending returns a copy of the queue.
func (e *Engine[A]) Pending() []scrobble.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.queue)
}

// Backoff returns the current retry threshold.
func (e *Engine[A]) Backoff() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backoff.threshold
}

// Configured reports whether the last Configure call succeeded.
func (e *Engine[A]) Configured() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configured
}

// DataFilePath returns the data file location.
func (e *Engine[A]) DataFilePath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Path
}

// SetDataFilePath changes where pending records are persisted. It takes
// effect on the next Start, Stop or durable Enqueue.
func (e *Engine[A]) SetDataFilePath(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.file = store.New(path)
}

// Configure applies service settings and wakes the worker. Settings equal to
// the active ones are ignored.
func (e *Engine[A]) Configure(s Settings) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.configured && s == e.settings {
		return nil
	}
	if err := e.adapter.Configure(s); err != nil {
		e.configured = false
		e.logger.Warn("invalid scrobbler configuration, scrobbles will only be queued", slog.Any("err", err))
		return err
	}
	e.settings = s
	e.configured = true
	// New settings deserve an immediate attempt.
	e.lastFailed = false
	e.idled = 0
	e.cond.Broadcast()
	e.logger.Debug("scrobbler configured", slog.String("url", s.URL))
	return nil
}

// InvalidateConfiguration stops submissions until Configure succeeds again.
func (e *Engine[A]) InvalidateConfiguration() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configured = false
	e.settings = Settings{}
}

// Wake lets the worker run idle-time work, such as sending now playing.
func (e *Engine[A]) Wake() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kicked = true
	e.cond.Broadcast()
}

// Start loads persisted records and starts the worker. A data file that
// cannot be read or parsed fails the start.
func (e *Engine[A]) Start() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if e.state != Stopped {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.state = Starting
	file := e.file
	e.mu.Unlock()

	records, err := file.Load()
	if err != nil {
		e.logger.Error("load pending scrobbles", slog.String("path", file.Path), slog.Any("err", err))
		e.mu.Lock()
		e.state = Stopped
		e.mu.Unlock()
		return fmt.Errorf("load pending scrobbles: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	e.mu.Lock()
	e.queue = records
	e.lastFailed = false
	e.lastSize = 0
	e.idled = 0
	e.backoff.reset()
	e.cancel = cancel
	e.done = done
	e.state = Running
	e.updateGaugesLocked()
	e.mu.Unlock()

	go e.run(ctx, done)
	e.logger.Info("scrobbler started", slog.Int("pending", len(records)))
	return nil
}

// Stop aborts any in-flight submission, waits for the worker to exit and
// writes the remaining records to the data file. It is a no-op when the
// engine is stopped. A persistence error is returned but the engine still
// ends up stopped.
func (e *Engine[A]) Stop() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if e.state == Stopped {
		e.mu.Unlock()
		return nil
	}
	e.state = Stopping
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	// Cancel before waking so the worker sees the abort on its next check.
	cancel()
	e.mu.Lock()
	e.cond.Broadcast()
	e.mu.Unlock()
	<-done

	e.adapter.OnStop()

	e.mu.Lock()
	pending := slices.Clone(e.queue)
	file := e.file
	e.mu.Unlock()

	var err error
	if file.Path != "" || len(pending) > 0 {
		if err = file.Store(pending); err != nil {
			e.logger.Error("persist pending scrobbles, they may be lost", slog.String("path", file.Path), slog.Int("pending", len(pending)), slog.Any("err", err))
			err = fmt.Errorf("persist pending scrobbles: %w", err)
		}
	}

	e.mu.Lock()
	e.queue = nil
	e.configured = false
	e.settings = Settings{}
	e.cancel = nil
	e.done = nil
	e.state = Stopped
	e.updateGaugesLocked()
	e.mu.Unlock()

	e.logger.Info("scrobbler stopped", slog.Int("persisted", len(pending)))
	return err
}

// Enqueue appends a copy of rec, cut to whole seconds, to the queue and
// wakes the worker. With
// durable set the record is also appended to the data file; a write failure
// is logged and does not fail the call.
func (e *Engine[A]) Enqueue(rec scrobble.Record, durable bool) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec = rec.Clone().Truncate()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running {
		return ErrNotRunning
	}
	e.queue = append(e.queue, rec)
	enqueuedTotal.WithLabelValues(e.id).Inc()
	e.updateGaugesLocked()
	if durable {
		if err := e.file.Append(rec); err != nil {
			e.logger.Warn("append scrobble to data file", slog.String("path", e.file.Path), slog.Any("err", err))
		}
	}
	e.cond.Broadcast()
	return nil
}

func (e *Engine[A]) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		e.idleLocked(ctx)
		for !e.readyLocked(ctx) {
			if e.kicked {
				e.idleLocked(ctx)
				continue
			}
			e.cond.Wait()
		}
		if ctx.Err() != nil {
			return
		}
		e.roundLocked(ctx)
	}
}

// readyLocked is the worker's wake-up condition.
func (e *Engine[A]) readyLocked(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	if !e.configured {
		return false
	}
	n := len(e.queue)
	return n != e.lastSize || (!e.lastFailed && n > 0)
}

func (e *Engine[A]) idleLocked(ctx context.Context) {
	e.kicked = false
	if e.idler == nil || !e.configured || ctx.Err() != nil {
		return
	}
	e.mu.Unlock()
	e.idler.Idle(ctx)
	e.mu.Lock()
}

func (e *Engine[A]) roundLocked(ctx context.Context) {
	n := len(e.queue)
	if e.lastFailed {
		if n > e.lastSize {
			e.idled += n - e.lastSize
		}
		e.lastSize = n
		if e.idled < e.backoff.threshold {
			e.logger.Debug("waiting for more scrobbles before retrying",
				slog.Int("new", e.idled), slog.Int("threshold", e.backoff.threshold))
			return
		}
	}
	e.lastSize = n
	if n == 0 {
		return
	}
	e.idled = 0

	size := n
	if limit := e.adapter.MaxBatch(); limit > 0 && size > limit {
		size = limit
	}
	batch := slices.Clone(e.queue[:size])

	e.mu.Unlock()
	outcomes, err := e.adapter.Submit(ctx, batch)
	if err == nil && len(outcomes) != len(batch) {
		err = fmt.Errorf("%w: %d outcomes for %d scrobbles", scrobble.ErrProtocol, len(outcomes), len(batch))
	}
	if err == nil {
		e.journalResolved(ctx, batch, outcomes)
	}
	e.mu.Lock()

	completed := 0
	switch {
	case err != nil && (ctx.Err() != nil || transport.IsAborted(err)):
		e.logger.Debug("submission aborted", slog.Int("batch", len(batch)))
	case scrobble.IsNotConfigured(err):
		e.logger.Warn("submission skipped, scrobbler not configured", slog.Int("batch", len(batch)), slog.Any("err", err))
	case scrobble.IsProtocol(err):
		e.logger.Warn("unexpected response from scrobbler", slog.Int("batch", len(batch)), slog.Any("err", err))
	case err != nil:
		e.logger.Warn("submission failed", slog.Int("batch", len(batch)), slog.Any("err", err))
	default:
		completed = e.applyLocked(size, outcomes)
	}

	if completed == 0 {
		e.lastFailed = true
		e.backoff.fail()
		roundsTotal.WithLabelValues(e.id, "failed").Inc()
		e.logger.Info("submission round failed",
			slog.Int("pending", len(e.queue)), slog.Int("retry_after_scrobbles", e.backoff.threshold))
	} else {
		e.lastFailed = false
		e.backoff.reset()
		roundsTotal.WithLabelValues(e.id, "completed").Inc()
		e.logger.Debug("submission round completed",
			slog.Int("completed", completed), slog.Int("pending", len(e.queue)))
	}
	// Arrivals during the submission count as new on the next check.
	e.lastSize = n - completed
	e.updateGaugesLocked()
}

// applyLocked removes the resolved records of the batch at the head of the
// queue and returns how many were removed.
func (e *Engine[A]) applyLocked(size int, outcomes []scrobble.Outcome) int {
	kept := make([]scrobble.Record, 0, len(e.queue))
	completed := 0
	for i, rec := range e.queue[:size] {
		if outcomes[i].Resolved() {
			completed++
			resolvedTotal.WithLabelValues(e.id, outcomes[i].String()).Inc()
			continue
		}
		kept = append(kept, rec)
	}
	e.queue = append(kept, e.queue[size:]...)
	return completed
}

func (e *Engine[A]) journalResolved(ctx context.Context, batch []scrobble.Record, outcomes []scrobble.Outcome) {
	if e.journal == nil {
		return
	}
	jctx := context.WithoutCancel(ctx)
	for i, rec := range batch {
		if !outcomes[i].Resolved() {
			continue
		}
		if err := e.journal.Record(jctx, e.id, rec, outcomes[i]); err != nil {
			e.logger.Warn("journal scrobble", slog.String("title", rec.Track.Title), slog.Any("err", err))
		}
	}
}

func (e *Engine[A]) updateGaugesLocked() {
	pendingGauge.WithLabelValues(e.id).Set(float64(len(e.queue)))
	backoffGauge.WithLabelValues(e.id).Set(float64(e.backoff.threshold))
}

