package main

import (
	"log/slog"
	"time"

	"github.com/tunez/scrobbler/internal/player"
	"github.com/tunez/scrobbler/internal/scrobble"
)

// sink receives what the session decides to report.
type sink interface {
	NowPlaying(track scrobble.Track)
	Scrobble(rec scrobble.Record, durable bool) error
}

// session turns player events into now playing notifications and finished
// plays.
type session struct {
	tracker  *scrobble.Tracker
	sink     sink
	durable  bool
	logger   *slog.Logger
	now      func() time.Time
	readTags func(path string) (scrobble.Track, error)

	path     string
	started  time.Time
	fromTags bool
	paused   bool
	duration time.Duration

	// ended is set between end-file and the next file or replay. last is
	// the track of the finished play, restarted when the same file plays
	// again.
	ended        bool
	last         scrobble.Track
	lastFromTags bool
}

func newSession(tracker *scrobble.Tracker, s sink, durable bool, readTags func(string) (scrobble.Track, error), logger *slog.Logger) *session {
	return &session{
		tracker:  tracker,
		sink:     s,
		durable:  durable,
		logger:   logger,
		now:      time.Now,
		readTags: readTags,
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (s *session) handle(evt player.Event) {
	switch {
	case evt.Err != nil:
		s.logger.Warn("player event", slog.Any("err", evt.Err))
	case evt.Ended || evt.EndReason != "":
		s.finish()
		s.ended = true
	case evt.Path != nil:
		s.changePath(*evt.Path)
	case evt.Metadata != nil:
		s.changeMetadata(evt.Metadata)
	case evt.Duration != nil:
		s.duration = seconds(*evt.Duration)
		s.tracker.SetDuration(s.duration)
	case evt.Paused != nil:
		s.paused = *evt.Paused
	case evt.TimePos != nil:
		if s.ended {
			s.replay()
		}
		s.tracker.UpdatePosition(seconds(*evt.TimePos), s.paused)
	}
}

// replay starts a new play of the file that just ended. mpv reports no path
// change when a file is looped or repeated, only fresh positions.
func (s *session) replay() {
	s.ended = false
	if s.path == "" || len(s.last.Artists) == 0 {
		return
	}
	s.logger.Debug("file restarted", slog.String("path", s.path))
	s.begin(s.last, s.now(), s.lastFromTags)
}

func (s *session) changePath(path string) {
	if path == s.path && !s.ended {
		return
	}
	s.finish()
	s.ended = false
	s.path = path
	s.duration = 0
	if s.readTags == nil || path == "" {
		return
	}
	track, err := s.readTags(path)
	if err != nil {
		s.logger.Debug("no usable tags, waiting for metadata", slog.String("path", path), slog.Any("err", err))
		return
	}
	s.begin(track, s.now(), true)
}

// changeMetadata replaces a track guessed from file tags without losing its
// start time. On streams a new title is a new play.
func (s *session) changeMetadata(meta map[string]string) {
	track, ok := player.TrackFromMetadata(meta)
	if !ok {
		return
	}
	current, playing := s.tracker.Current()
	if playing && current.Equal(withDuration(track, current.DurationMs)) {
		return
	}
	if playing && s.fromTags {
		s.begin(withDuration(track, current.DurationMs), s.started, false)
		return
	}
	s.finish()
	s.begin(track, s.now(), false)
}

func withDuration(t scrobble.Track, ms int) scrobble.Track {
	if t.DurationMs == 0 {
		t.DurationMs = ms
	}
	return t
}

func (s *session) begin(track scrobble.Track, at time.Time, fromTags bool) {
	s.tracker.Begin(track, at)
	if s.duration > 0 {
		s.tracker.SetDuration(s.duration)
	}
	s.started = at
	s.fromTags = fromTags
	s.ended = false
	current, _ := s.tracker.Current()
	s.last = current
	s.lastFromTags = fromTags
	s.logger.Info("now playing", slog.String("title", current.Title), slog.Any("artists", current.Artists))
	s.sink.NowPlaying(current)
}

// finish ends the current play and queues it when it qualifies.
func (s *session) finish() {
	rec, ok := s.tracker.Finish(s.now())
	s.fromTags = false
	if !ok {
		return
	}
	if err := s.sink.Scrobble(rec, s.durable); err != nil {
		s.logger.Warn("scrobble", slog.String("title", rec.Track.Title), slog.Any("err", err))
		return
	}
	s.logger.Info("scrobbled", slog.String("title", rec.Track.Title), slog.Int("played_ms", rec.PlayedMs))
}
