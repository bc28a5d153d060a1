package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tunez/scrobbler/internal/scrobble"
	"github.com/tunez/scrobbler/internal/scrobble/store"
)

type submitFunc func(ctx context.Context, batch []scrobble.Record) ([]scrobble.Outcome, error)

type fakeAdapter struct {
	mu        sync.Mutex
	maxBatch  int
	configErr error
	submit    submitFunc
	calls     chan []scrobble.Record
	stops     int
	idles     int
}

func newFake(submit submitFunc) *fakeAdapter {
	return &fakeAdapter{submit: submit, calls: make(chan []scrobble.Record, 128)}
}

func (f *fakeAdapter) Configure(s Settings) error {
	if s.URL == "" {
		return scrobble.ErrNotConfigured
	}
	return f.configErr
}

func (f *fakeAdapter) MaxBatch() int { return f.maxBatch }

func (f *fakeAdapter) Submit(ctx context.Context, batch []scrobble.Record) ([]scrobble.Outcome, error) {
	f.calls <- batch
	return f.submit(ctx, batch)
}

func (f *fakeAdapter) OnStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeAdapter) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type idleAdapter struct {
	*fakeAdapter
	idled chan struct{}
}

func (a *idleAdapter) Idle(ctx context.Context) {
	a.mu.Lock()
	a.idles++
	a.mu.Unlock()
	select {
	case a.idled <- struct{}{}:
	default:
	}
}

func acceptAll(_ context.Context, batch []scrobble.Record) ([]scrobble.Outcome, error) {
	out := make([]scrobble.Outcome, len(batch))
	for i := range out {
		out[i] = scrobble.OutcomeAccepted
	}
	return out, nil
}

func failAll(_ context.Context, _ []scrobble.Record) ([]scrobble.Outcome, error) {
	return nil, errors.New("service unavailable")
}

func record(i int) scrobble.Record {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute)
	return scrobble.Record{
		StartTime: start,
		EndTime:   start.Add(3 * time.Minute),
		PlayedMs:  180000,
		Track: scrobble.Track{
			Title:      fmt.Sprintf("Track %d", i),
			Artists:    []string{"Artist"},
			DurationMs: 181000,
		},
	}
}

var testSettings = Settings{URL: "http://scrobbler.test", Username: "user", Password: "pw"}

func newTestEngine(t *testing.T, a Adapter) (*Engine[Adapter], string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scrobbles.jsonl")
	e := New[Adapter](a, Options{ID: "test", DataFile: path})
	t.Cleanup(func() { _ = e.Stop() })
	return e, path
}

func waitCall(t *testing.T, f *fakeAdapter) []scrobble.Record {
	t.Helper()
	select {
	case batch := <-f.calls:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for submission")
		return nil
	}
}

func expectNoCall(t *testing.T, f *fakeAdapter) {
	t.Helper()
	select {
	case batch := <-f.calls:
		t.Fatalf("unexpected submission of %d scrobbles", len(batch))
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLifecycle(t *testing.T) {
	f := newFake(acceptAll)
	e, _ := newTestEngine(t, f)

	assert.Equal(t, Stopped, e.State())
	assert.NoError(t, e.Stop(), "stop on a stopped engine is a no-op")

	require.NoError(t, e.Start())
	assert.True(t, e.Started())
	assert.ErrorIs(t, e.Start(), ErrAlreadyStarted)

	require.NoError(t, e.Stop())
	assert.False(t, e.Started())
	assert.Equal(t, 1, f.stopCount())
	assert.NoError(t, e.Stop())
	assert.Equal(t, 1, f.stopCount())
}

func TestEnqueueRequiresRunning(t *testing.T) {
	e, _ := newTestEngine(t, newFake(acceptAll))
	assert.ErrorIs(t, e.Enqueue(record(1), false), ErrNotRunning)
	assert.Equal(t, 0, e.PendingCount())
}

func TestEnqueueRejectsInvalidRecord(t *testing.T) {
	e, _ := newTestEngine(t, newFake(acceptAll))
	require.NoError(t, e.Start())
	rec := record(1)
	rec.Track.Artists = nil
	assert.ErrorIs(t, e.Enqueue(rec, false), scrobble.ErrInvalidRecord)
}

func TestUnconfiguredOnlyQueues(t *testing.T) {
	f := newFake(acceptAll)
	e, _ := newTestEngine(t, f)
	require.NoError(t, e.Start())

	assert.ErrorIs(t, e.Configure(Settings{}), scrobble.ErrNotConfigured)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Enqueue(record(i), false))
	}
	expectNoCall(t, f)
	assert.Equal(t, 3, e.PendingCount())

	require.NoError(t, e.Configure(testSettings))
	batch := waitCall(t, f)
	assert.Len(t, batch, 3)
	require.Eventually(t, func() bool { return e.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestPartialOutcomes(t *testing.T) {
	var mu sync.Mutex
	round := 0
	f := newFake(func(_ context.Context, batch []scrobble.Record) ([]scrobble.Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		round++
		if round == 1 {
			return []scrobble.Outcome{scrobble.OutcomeAccepted, scrobble.OutcomeRetry, scrobble.OutcomeRejected}, nil
		}
		return make([]scrobble.Outcome, len(batch)), nil
	})
	e, _ := newTestEngine(t, f)
	require.NoError(t, e.Start())

	// Queue before configuring so the first round sees all three.
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Enqueue(record(i), false))
	}
	require.NoError(t, e.Configure(testSettings))

	assert.Len(t, waitCall(t, f), 3)
	// The retryable record is tried once more right away, then the round fails.
	retry := waitCall(t, f)
	require.Len(t, retry, 1)
	assert.Equal(t, "Track 1", retry[0].Track.Title)

	require.Eventually(t, func() bool { return e.Backoff() == 2 }, 2*time.Second, 5*time.Millisecond)
	pending := e.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "Track 1", pending[0].Track.Title)
}

func TestOutcomeCountMismatchChangesNothing(t *testing.T) {
	f := newFake(func(_ context.Context, batch []scrobble.Record) ([]scrobble.Outcome, error) {
		return []scrobble.Outcome{scrobble.OutcomeAccepted}, nil
	})
	e, _ := newTestEngine(t, f)
	require.NoError(t, e.Start())
	require.NoError(t, e.Enqueue(record(1), false))
	require.NoError(t, e.Enqueue(record(2), false))
	require.NoError(t, e.Configure(testSettings))

	waitCall(t, f)
	require.Eventually(t, func() bool { return e.Backoff() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, e.PendingCount())
}

func TestBatchLimit(t *testing.T) {
	f := newFake(acceptAll)
	f.maxBatch = 2
	e, _ := newTestEngine(t, f)
	require.NoError(t, e.Start())
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Enqueue(record(i), false))
	}
	require.NoError(t, e.Configure(testSettings))

	assert.Len(t, waitCall(t, f), 2)
	assert.Len(t, waitCall(t, f), 2)
	last := waitCall(t, f)
	require.Len(t, last, 1)
	assert.Equal(t, "Track 4", last[0].Track.Title)
	require.Eventually(t, func() bool { return e.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestBackoffSequence(t *testing.T) {
	f := newFake(failAll)
	e, _ := newTestEngine(t, f)
	require.NoError(t, e.Configure(testSettings))
	require.NoError(t, e.Start())
	assert.Equal(t, MinBackoff, e.Backoff())

	next := 0
	enqueue := func(n int) {
		for i := 0; i < n; i++ {
			require.NoError(t, e.Enqueue(record(next), false))
			next++
		}
	}

	enqueue(1)
	waitCall(t, f)
	threshold := 1
	for _, want := range []int{2, 4, 8, 16, 32, 32} {
		require.Eventually(t, func() bool { return e.Backoff() == want }, 2*time.Second, 5*time.Millisecond,
			"expected threshold %d", want)
		threshold = want
		// One scrobble short of the threshold: no retry yet.
		enqueue(threshold - 1)
		expectNoCall(t, f)
		enqueue(1)
		waitCall(t, f)
	}
	assert.Equal(t, next, e.PendingCount())
}

func TestBackoffResetsAfterSuccess(t *testing.T) {
	var mu sync.Mutex
	failing := true
	f := newFake(func(ctx context.Context, batch []scrobble.Record) ([]scrobble.Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return failAll(ctx, batch)
		}
		return acceptAll(ctx, batch)
	})
	e, _ := newTestEngine(t, f)
	require.NoError(t, e.Configure(testSettings))
	require.NoError(t, e.Start())

	require.NoError(t, e.Enqueue(record(0), false))
	waitCall(t, f)
	require.Eventually(t, func() bool { return e.Backoff() == 2 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	failing = false
	mu.Unlock()

	require.NoError(t, e.Enqueue(record(1), false))
	require.NoError(t, e.Enqueue(record(2), false))
	assert.Len(t, waitCall(t, f), 3)
	require.Eventually(t, func() bool { return e.Backoff() == MinBackoff && e.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStopPersistsAndStartReloads(t *testing.T) {
	f := newFake(acceptAll)
	e, path := newTestEngine(t, f)
	require.NoError(t, e.Start())
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Enqueue(record(i), false))
	}
	require.NoError(t, e.Stop())
	assert.Equal(t, 0, e.PendingCount())
	assert.False(t, e.Configured())

	saved, err := store.New(path).Load()
	require.NoError(t, err)
	require.Len(t, saved, 3)

	// Several cycles keep the queue intact.
	for cycle := 0; cycle < 3; cycle++ {
		require.NoError(t, e.Start())
		require.Equal(t, 3, e.PendingCount())
		require.NoError(t, e.Stop())
	}

	require.NoError(t, e.Start())
	got := e.Pending()
	require.Len(t, got, 3)
	for i := range got {
		assert.True(t, record(i).Equal(got[i]), "record %d changed across restarts", i)
	}
}

func TestSubSecondTimesSurviveRestart(t *testing.T) {
	e, _ := newTestEngine(t, newFake(acceptAll))
	require.NoError(t, e.Start())

	start := time.Date(2024, 5, 1, 12, 0, 0, 909208316, time.FixedZone("", 2*3600))
	rec := record(1)
	rec.StartTime = start
	rec.EndTime = start.Add(3*time.Minute + 250*time.Millisecond)
	require.NoError(t, e.Enqueue(rec, true))

	queued := e.Pending()[0]
	assert.True(t, queued.StartTime.Equal(start.Truncate(time.Second)))
	assert.Zero(t, queued.EndTime.Nanosecond())

	require.NoError(t, e.Stop())
	require.NoError(t, e.Start())
	reloaded := e.Pending()
	require.Len(t, reloaded, 1)
	assert.True(t, queued.Equal(reloaded[0]), "queued %v, reloaded %v", queued.StartTime, reloaded[0].StartTime)
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRoundLogsFailureKind(t *testing.T) {
	tests := []struct {
		name   string
		submit submitFunc
		want   string
	}{
		{"protocol", func(_ context.Context, batch []scrobble.Record) ([]scrobble.Outcome, error) {
			return make([]scrobble.Outcome, len(batch)+1), nil
		}, "unexpected response from scrobbler"},
		{"not configured", func(context.Context, []scrobble.Record) ([]scrobble.Outcome, error) {
			return nil, scrobble.ErrNotConfigured
		}, "submission skipped, scrobbler not configured"},
		{"transport", failAll, "submission failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := &logBuffer{}
			f := newFake(tt.submit)
			e := New[Adapter](f, Options{
				ID:       "test",
				DataFile: filepath.Join(t.TempDir(), "scrobbles.jsonl"),
				Logger:   slog.New(slog.NewTextHandler(logs, nil)),
			})
			t.Cleanup(func() { _ = e.Stop() })
			require.NoError(t, e.Start())
			require.NoError(t, e.Configure(testSettings))
			require.NoError(t, e.Enqueue(record(1), false))

			waitCall(t, f)
			require.Eventually(t, func() bool {
				return bytes.Contains([]byte(logs.String()), []byte(tt.want))
			}, 2*time.Second, 5*time.Millisecond, logs.String())
			assert.Equal(t, 1, e.PendingCount())
		})
	}
}

func TestDurableEnqueueAppends(t *testing.T) {
	e, path := newTestEngine(t, newFake(acceptAll))
	require.NoError(t, e.Start())
	require.NoError(t, e.Enqueue(record(1), true))
	require.NoError(t, e.Enqueue(record(2), false))

	saved, err := store.New(path).Load()
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "Track 1", saved[0].Track.Title)
}

func TestDurableEnqueueFailureIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	e := New[Adapter](newFake(acceptAll), Options{ID: "test"})
	require.NoError(t, e.Start())
	e.SetDataFilePath(filepath.Join(blocker, "sub", "scrobbles.jsonl"))

	assert.NoError(t, e.Enqueue(record(1), true))
	assert.Equal(t, 1, e.PendingCount())
	assert.Error(t, e.Stop(), "persisting under a regular file must fail")
	assert.Equal(t, Stopped, e.State())
}

func TestStartFailsOnCorruptData(t *testing.T) {
	e, path := newTestEngine(t, newFake(acceptAll))
	require.NoError(t, os.WriteFile(path, []byte("garbage\n"), 0o600))

	err := e.Start()
	require.Error(t, err)
	assert.Equal(t, Stopped, e.State())
	assert.ErrorIs(t, err, scrobble.ErrInvalidRecord)
}

func TestStopAbortsInFlightSubmission(t *testing.T) {
	entered := make(chan struct{}, 1)
	f := newFake(func(ctx context.Context, _ []scrobble.Record) ([]scrobble.Outcome, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e, path := newTestEngine(t, f)
	require.NoError(t, e.Configure(testSettings))
	require.NoError(t, e.Start())
	require.NoError(t, e.Enqueue(record(1), false))
	require.NoError(t, e.Enqueue(record(2), false))

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("submission never started")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- e.Stop() }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}

	saved, err := store.New(path).Load()
	require.NoError(t, err)
	assert.Len(t, saved, 2, "records in flight at abort time must be persisted")
}

func TestIdlerRunsOnWake(t *testing.T) {
	a := &idleAdapter{fakeAdapter: newFake(acceptAll), idled: make(chan struct{}, 1)}
	e, _ := newTestEngine(t, a)
	require.NoError(t, e.Configure(testSettings))
	require.NoError(t, e.Start())

	// Drain the idle run that happens before the first sleep.
	select {
	case <-a.idled:
	case <-time.After(2 * time.Second):
		t.Fatal("idle not called before sleeping")
	}

	e.Wake()
	select {
	case <-a.idled:
	case <-time.After(2 * time.Second):
		t.Fatal("idle not called after wake")
	}
}

type memJournal struct {
	mu      sync.Mutex
	entries map[string]scrobble.Outcome
}

func (j *memJournal) Record(_ context.Context, service string, rec scrobble.Record, outcome scrobble.Outcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[service+"/"+rec.Track.Title] = outcome
	return nil
}

func (j *memJournal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

func TestJournalReceivesResolved(t *testing.T) {
	f := newFake(func(_ context.Context, batch []scrobble.Record) ([]scrobble.Outcome, error) {
		return []scrobble.Outcome{scrobble.OutcomeAccepted, scrobble.OutcomeRejected}, nil
	})
	j := &memJournal{entries: map[string]scrobble.Outcome{}}
	e := New[Adapter](f, Options{ID: "svc", DataFile: filepath.Join(t.TempDir(), "d.jsonl"), Journal: j})
	t.Cleanup(func() { _ = e.Stop() })

	require.NoError(t, e.Start())
	require.NoError(t, e.Enqueue(record(0), false))
	require.NoError(t, e.Enqueue(record(1), false))
	require.NoError(t, e.Configure(testSettings))

	require.Eventually(t, func() bool { return j.len() == 2 }, 2*time.Second, 5*time.Millisecond)
	j.mu.Lock()
	defer j.mu.Unlock()
	assert.Equal(t, scrobble.OutcomeAccepted, j.entries["svc/Track 0"])
	assert.Equal(t, scrobble.OutcomeRejected, j.entries["svc/Track 1"])
}

func TestNoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFake(failAll)
	e := New[Adapter](f, Options{ID: "leak", DataFile: filepath.Join(t.TempDir(), "d.jsonl")})
	require.NoError(t, e.Configure(testSettings))
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Start())
		require.NoError(t, e.Enqueue(record(i), false))
		require.NoError(t, e.Stop())
	}
}
