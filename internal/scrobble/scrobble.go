package scrobble

import (
	"errors"
	"fmt"
	"slices"
	"time"
	"unicode/utf8"
)

var (
	ErrNotConfigured      = errors.New("scrobble: not configured")
	ErrInvalidCredentials = errors.New("scrobble: invalid credentials")
	ErrInvalidRecord      = errors.New("scrobble: invalid record")
	ErrAuthFailed         = errors.New("scrobble: authentication failed")
	ErrBadSession         = errors.New("scrobble: bad session")
	ErrProtocol           = errors.New("scrobble: unexpected response")
)

func IsNotConfigured(err error) bool { return errors.Is(err, ErrNotConfigured) }
func IsBadSession(err error) bool    { return errors.Is(err, ErrBadSession) }
func IsProtocol(err error) bool      { return errors.Is(err, ErrProtocol) }

// Track describes the played track.
type Track struct {
	Title      string
	Artists    []string
	Album      *Album
	DurationMs int
}

// Album is optional track context. Artists may be empty.
type Album struct {
	Title   string
	Artists []string
}

// Record is a single scrobble: one play of a track. Records are treated as
// immutable once built.
type Record struct {
	StartTime time.Time
	EndTime   time.Time
	PlayedMs  int
	Track     Track
}

// Outcome is the per-record result of a submission round.
type Outcome int

const (
	// OutcomeRetry keeps the record queued for a later round.
	OutcomeRetry Outcome = iota
	// OutcomeAccepted means the service stored the scrobble.
	OutcomeAccepted
	// OutcomeRejected means the service refused the scrobble permanently.
	OutcomeRejected
)

// Resolved reports whether the record can leave the queue.
func (o Outcome) Resolved() bool {
	return o == OutcomeAccepted || o == OutcomeRejected
}

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	default:
		return "retry"
	}
}

// Validate checks the invariants every queued record must hold.
func (r Record) Validate() error {
	if r.Track.Title == "" {
		return fmt.Errorf("%w: empty title", ErrInvalidRecord)
	}
	if len(r.Track.Artists) == 0 {
		return fmt.Errorf("%w: no artist", ErrInvalidRecord)
	}
	for _, a := range r.Track.Artists {
		if a == "" {
			return fmt.Errorf("%w: empty artist name", ErrInvalidRecord)
		}
	}
	if r.EndTime.Before(r.StartTime) {
		return fmt.Errorf("%w: end time before start time", ErrInvalidRecord)
	}
	if r.PlayedMs < 0 {
		return fmt.Errorf("%w: negative played duration", ErrInvalidRecord)
	}
	if r.Track.DurationMs < 0 {
		return fmt.Errorf("%w: negative track length", ErrInvalidRecord)
	}
	if !r.Track.validUTF8() {
		return fmt.Errorf("%w: text is not valid UTF-8", ErrInvalidRecord)
	}
	return nil
}

func (t Track) validUTF8() bool {
	if !utf8.ValidString(t.Title) {
		return false
	}
	for _, a := range t.Artists {
		if !utf8.ValidString(a) {
			return false
		}
	}
	if t.Album != nil {
		if !utf8.ValidString(t.Album.Title) {
			return false
		}
		for _, a := range t.Album.Artists {
			if !utf8.ValidString(a) {
				return false
			}
		}
	}
	return true
}

// Equal compares two records field by field. Times are compared as instants
// and by UTC offset, so a record survives an encode/parse round trip.
func (r Record) Equal(o Record) bool {
	if !sameTime(r.StartTime, o.StartTime) || !sameTime(r.EndTime, o.EndTime) {
		return false
	}
	if r.PlayedMs != o.PlayedMs {
		return false
	}
	return r.Track.Equal(o.Track)
}

// Equal compares two tracks field by field.
func (t Track) Equal(o Track) bool {
	if t.Title != o.Title || t.DurationMs != o.DurationMs || !slices.Equal(t.Artists, o.Artists) {
		return false
	}
	if (t.Album == nil) != (o.Album == nil) {
		return false
	}
	if t.Album == nil {
		return true
	}
	return t.Album.Title == o.Album.Title && slices.Equal(t.Album.Artists, o.Album.Artists)
}

func sameTime(a, b time.Time) bool {
	_, ao := a.Zone()
	_, bo := b.Zone()
	return a.Equal(b) && ao == bo
}

// Truncate drops the sub-second part of both times, which TimeLayout
// cannot hold.
func (r Record) Truncate() Record {
	r.StartTime = r.StartTime.Truncate(time.Second)
	r.EndTime = r.EndTime.Truncate(time.Second)
	return r
}

// Clone returns a deep copy so the caller may reuse its slices.
func (r Record) Clone() Record {
	r.Track = r.Track.Clone()
	return r
}

// Clone returns a deep copy of the track.
func (t Track) Clone() Track {
	t.Artists = slices.Clone(t.Artists)
	if t.Album != nil {
		album := Album{Title: t.Album.Title, Artists: slices.Clone(t.Album.Artists)}
		t.Album = &album
	}
	return t
}
