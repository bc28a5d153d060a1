package scrobble

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TimeLayout is the date-time format used in persisted and submitted records.
const TimeLayout = "2006-01-02T15:04:05-0700"

const unitMillis = "ms"

type wireAmount struct {
	Amount int    `json:"amount"`
	Unit   string `json:"unit"`
}

type wireArtist struct {
	Name string `json:"name"`
}

type wireAlbum struct {
	Title   string       `json:"title"`
	Artists []wireArtist `json:"artists,omitempty"`
}

type wireTrack struct {
	Title   string       `json:"title"`
	Artists []wireArtist `json:"artists"`
	Album   *wireAlbum   `json:"album,omitempty"`
	Length  wireAmount   `json:"length"`
}

// wireRecord fixes the field order of the encoded line.
type wireRecord struct {
	Start    string     `json:"scrobble_start_datetime"`
	End      string     `json:"scrobble_end_datetime"`
	Duration wireAmount `json:"scrobble_duration"`
	Track    wireTrack  `json:"track"`
}

func toWireArtists(names []string) []wireArtist {
	if len(names) == 0 {
		return nil
	}
	out := make([]wireArtist, len(names))
	for i, n := range names {
		out[i] = wireArtist{Name: n}
	}
	return out
}

func fromWireArtists(artists []wireArtist) []string {
	if len(artists) == 0 {
		return nil
	}
	out := make([]string, len(artists))
	for i, a := range artists {
		out[i] = a.Name
	}
	return out
}

func (r Record) wire() wireRecord {
	w := wireRecord{
		Start:    r.StartTime.Format(TimeLayout),
		End:      r.EndTime.Format(TimeLayout),
		Duration: wireAmount{Amount: r.PlayedMs, Unit: unitMillis},
		Track: wireTrack{
			Title:   r.Track.Title,
			Artists: toWireArtists(r.Track.Artists),
			Length:  wireAmount{Amount: r.Track.DurationMs, Unit: unitMillis},
		},
	}
	if w.Track.Artists == nil {
		w.Track.Artists = []wireArtist{}
	}
	if r.Track.Album != nil {
		w.Track.Album = &wireAlbum{
			Title:   r.Track.Album.Title,
			Artists: toWireArtists(r.Track.Album.Artists),
		}
	}
	return w
}

// Encode renders the record as a single line of JSON without a trailing
// newline. The output is byte-stable for equal records.
func Encode(r Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r.wire()); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Parse decodes a line produced by Encode and validates the result.
func Parse(line []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(line, &w); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return w.record()
}

func (w wireRecord) record() (Record, error) {
	start, err := time.Parse(TimeLayout, w.Start)
	if err != nil {
		return Record{}, fmt.Errorf("%w: start time: %v", ErrInvalidRecord, err)
	}
	end, err := time.Parse(TimeLayout, w.End)
	if err != nil {
		return Record{}, fmt.Errorf("%w: end time: %v", ErrInvalidRecord, err)
	}
	if w.Duration.Unit != unitMillis {
		return Record{}, fmt.Errorf("%w: scrobble duration unit %q", ErrInvalidRecord, w.Duration.Unit)
	}
	if w.Track.Length.Unit != unitMillis {
		return Record{}, fmt.Errorf("%w: track length unit %q", ErrInvalidRecord, w.Track.Length.Unit)
	}

	r := Record{
		StartTime: start,
		EndTime:   end,
		PlayedMs:  w.Duration.Amount,
		Track: Track{
			Title:      w.Track.Title,
			Artists:    fromWireArtists(w.Track.Artists),
			DurationMs: w.Track.Length.Amount,
		},
	}
	if w.Track.Album != nil {
		r.Track.Album = &Album{
			Title:   w.Track.Album.Title,
			Artists: fromWireArtists(w.Track.Album.Artists),
		}
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// MarshalJSON lets records be embedded in larger JSON documents, such as a
// submission body, using the same shape as the persisted line.
func (r Record) MarshalJSON() ([]byte, error) {
	return Encode(r)
}

// UnmarshalJSON is the inverse of MarshalJSON and validates the record.
func (r *Record) UnmarshalJSON(data []byte) error {
	rec, err := Parse(data)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}
