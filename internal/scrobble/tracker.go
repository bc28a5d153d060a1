package scrobble

import (
	"sync"
	"time"
)

const (
	// DefaultMinTrackLength is the shortest track that is ever scrobbled.
	DefaultMinTrackLength = 30 * time.Second
	// scrobbleAfter caps the play time required for long tracks.
	scrobbleAfter = 4 * time.Minute
)

// Tracker follows the playback of a single track and builds the Record once
// the play qualifies as a scrobble.
type Tracker struct {
	mu        sync.Mutex
	minLength time.Duration
	track     *Track
	startedAt time.Time
	played    time.Duration
	lastPos   time.Duration
	havePos   bool
}

// NewTracker creates a tracker. A zero minLength selects DefaultMinTrackLength.
func NewTracker(minLength time.Duration) *Tracker {
	if minLength <= 0 {
		minLength = DefaultMinTrackLength
	}
	return &Tracker{minLength: minLength}
}

// Begin starts tracking a new track, discarding any previous one.
func (t *Tracker) Begin(track Track, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.track = &track
	t.startedAt = at
	t.played = 0
	t.lastPos = 0
	t.havePos = false
}

// Current returns the tracked track, if any.
func (t *Tracker) Current() (Track, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.track == nil {
		return Track{}, false
	}
	return *t.track, true
}

// SetDuration fills in the track length when the player learns it late.
func (t *Tracker) SetDuration(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.track != nil && d > 0 {
		t.track.DurationMs = int(d.Milliseconds())
	}
}

// UpdatePosition accumulates listened time from position reports. Seeks
// forward do not count as listened time; paused reports are ignored.
func (t *Tracker) UpdatePosition(position time.Duration, paused bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.track == nil {
		return
	}
	if paused {
		t.lastPos = position
		t.havePos = true
		return
	}
	if t.havePos {
		delta := position - t.lastPos
		// Treat jumps larger than a few seconds as seeks.
		if delta > 0 && delta <= 5*time.Second {
			t.played += delta
		}
	}
	t.lastPos = position
	t.havePos = true
}

// ShouldScrobble reports whether the current play qualifies.
func (t *Tracker) ShouldScrobble() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shouldScrobbleLocked()
}

func (t *Tracker) shouldScrobbleLocked() bool {
	if t.track == nil {
		return false
	}
	length := time.Duration(t.track.DurationMs) * time.Millisecond
	if length > 0 && length < t.minLength {
		return false
	}

	// 4 minute threshold
	if t.played >= scrobbleAfter {
		return true
	}

	// 50% threshold
	if length > 0 && t.played >= length/2 {
		return true
	}
	return false
}

// Finish ends the current play. It returns the Record and true when the play
// qualified; the tracker is reset either way.
func (t *Tracker) Finish(at time.Time) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.track == nil {
		return Record{}, false
	}
	ok := t.shouldScrobbleLocked()
	rec := Record{
		StartTime: t.startedAt,
		EndTime:   at,
		PlayedMs:  int(t.played.Milliseconds()),
		Track:     *t.track,
	}
	if rec.EndTime.Before(rec.StartTime) {
		rec.EndTime = rec.StartTime
	}
	rec = rec.Truncate()
	t.track = nil
	t.played = 0
	t.havePos = false
	return rec, ok
}
