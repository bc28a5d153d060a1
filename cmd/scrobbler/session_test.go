package main

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunez/scrobbler/internal/player"
	"github.com/tunez/scrobbler/internal/scrobble"
)

type fakeSink struct {
	playing   []scrobble.Track
	scrobbled []scrobble.Record
	durable   []bool
}

func (f *fakeSink) NowPlaying(track scrobble.Track) { f.playing = append(f.playing, track) }

func (f *fakeSink) Scrobble(rec scrobble.Record, durable bool) error {
	f.scrobbled = append(f.scrobbled, rec)
	f.durable = append(f.durable, durable)
	return nil
}

type sessionHarness struct {
	*session
	sink  *fakeSink
	clock time.Time
}

func newHarness(readTags func(string) (scrobble.Track, error)) *sessionHarness {
	h := &sessionHarness{
		sink:  &fakeSink{},
		clock: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.session = newSession(scrobble.NewTracker(0), h.sink, true, readTags, logger)
	h.now = func() time.Time { return h.clock }
	return h
}

func (h *sessionHarness) path(p string) { h.handle(player.Event{Path: &p}) }

func (h *sessionHarness) meta(title, artist string) {
	h.handle(player.Event{Metadata: map[string]string{"title": title, "artist": artist}})
}

func (h *sessionHarness) duration(seconds float64) { h.handle(player.Event{Duration: &seconds}) }

// play reports positions from..to one second apart, advancing the clock.
func (h *sessionHarness) play(from, to int) {
	for i := from; i <= to; i++ {
		pos := float64(i)
		h.handle(player.Event{TimePos: &pos})
		h.clock = h.clock.Add(time.Second)
	}
}

func (h *sessionHarness) end(reason string) {
	h.handle(player.Event{Ended: reason == "eof", EndReason: reason})
}

func tagsFor(tracks map[string]scrobble.Track) func(string) (scrobble.Track, error) {
	return func(path string) (scrobble.Track, error) {
		if t, ok := tracks[path]; ok {
			return t, nil
		}
		return scrobble.Track{}, errors.New("no tags")
	}
}

func TestSessionScrobblesFinishedFile(t *testing.T) {
	h := newHarness(tagsFor(map[string]scrobble.Track{
		"/music/39.flac": {Title: "'39", Artists: []string{"Queen"}, DurationMs: 210000},
	}))
	start := h.clock

	h.path("/music/39.flac")
	require.Len(t, h.sink.playing, 1)
	assert.Equal(t, "'39", h.sink.playing[0].Title)

	h.duration(210)
	h.play(0, 120)
	h.end("eof")

	require.Len(t, h.sink.scrobbled, 1)
	rec := h.sink.scrobbled[0]
	assert.Equal(t, "'39", rec.Track.Title)
	assert.Equal(t, 210000, rec.Track.DurationMs)
	assert.Equal(t, 120000, rec.PlayedMs)
	assert.True(t, rec.StartTime.Equal(start))
	assert.True(t, rec.EndTime.After(rec.StartTime))
	assert.Equal(t, []bool{true}, h.sink.durable)
}

func TestSessionMetadataRefinesTaggedTrack(t *testing.T) {
	h := newHarness(tagsFor(map[string]scrobble.Track{
		"/music/track01.mp3": {Title: "track01", Artists: []string{"Unknown"}, DurationMs: 180000},
	}))
	start := h.clock

	h.path("/music/track01.mp3")
	h.clock = h.clock.Add(time.Second)
	h.meta("Dreamer", "Queen")

	require.Len(t, h.sink.playing, 2)
	assert.Equal(t, "Dreamer", h.sink.playing[1].Title)
	assert.Equal(t, 180000, h.sink.playing[1].DurationMs)

	h.play(0, 100)
	h.path("/music/next.mp3")

	require.Len(t, h.sink.scrobbled, 1)
	assert.Equal(t, "Dreamer", h.sink.scrobbled[0].Track.Title)
	assert.True(t, h.sink.scrobbled[0].StartTime.Equal(start))
}

func TestSessionSkipsShortPlays(t *testing.T) {
	h := newHarness(tagsFor(map[string]scrobble.Track{
		"/a.mp3": {Title: "A", Artists: []string{"X"}, DurationMs: 300000},
		"/b.mp3": {Title: "B", Artists: []string{"X"}, DurationMs: 20000},
	}))

	h.path("/a.mp3")
	h.play(0, 30)
	h.end("stop")
	h.path("/b.mp3")
	h.play(0, 20)
	h.end("eof")

	assert.Empty(t, h.sink.scrobbled)
	assert.Len(t, h.sink.playing, 2)
}

func TestSessionStreamTitleChange(t *testing.T) {
	h := newHarness(tagsFor(nil))

	h.path("http://radio.example/stream")
	assert.Empty(t, h.sink.playing)

	h.meta("First", "Band")
	h.play(0, 250)
	h.meta("First", "Band")
	assert.Len(t, h.sink.playing, 1)

	h.meta("Second", "Band")
	require.Len(t, h.sink.scrobbled, 1)
	assert.Equal(t, "First", h.sink.scrobbled[0].Track.Title)
	require.Len(t, h.sink.playing, 2)
	assert.Equal(t, "Second", h.sink.playing[1].Title)
}

func TestSessionIgnoresPausedTime(t *testing.T) {
	h := newHarness(tagsFor(map[string]scrobble.Track{
		"/a.mp3": {Title: "A", Artists: []string{"X"}, DurationMs: 300000},
	}))
	paused := true

	h.path("/a.mp3")
	h.handle(player.Event{Paused: &paused})
	h.play(0, 200)
	h.end("eof")

	assert.Empty(t, h.sink.scrobbled)
}

func TestSessionRepeatedFileScrobblesTwice(t *testing.T) {
	h := newHarness(tagsFor(map[string]scrobble.Track{
		"/music/loop.flac": {Title: "Loop", Artists: []string{"Band"}, DurationMs: 60000},
	}))

	h.path("/music/loop.flac")
	h.duration(60)
	h.play(0, 60)
	h.end("eof")
	require.Len(t, h.sink.scrobbled, 1)

	// No path change on repeat, only positions from the start again.
	h.play(0, 60)
	h.end("eof")

	require.Len(t, h.sink.scrobbled, 2)
	assert.Equal(t, "Loop", h.sink.scrobbled[1].Track.Title)
	assert.Equal(t, 60000, h.sink.scrobbled[1].PlayedMs)
	assert.True(t, h.sink.scrobbled[1].StartTime.After(h.sink.scrobbled[0].StartTime))
	assert.Len(t, h.sink.playing, 2)
}

func TestSessionSamePathAfterEndStartsOnce(t *testing.T) {
	h := newHarness(tagsFor(map[string]scrobble.Track{
		"/a.mp3": {Title: "A", Artists: []string{"X"}, DurationMs: 60000},
	}))

	h.path("/a.mp3")
	h.play(0, 60)
	h.end("eof")
	h.path("/a.mp3")
	h.play(0, 10)
	h.end("eof")

	assert.Len(t, h.sink.scrobbled, 1)
	assert.Len(t, h.sink.playing, 2)
}
