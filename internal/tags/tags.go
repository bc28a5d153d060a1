// Package tags reads track metadata from audio files.
package tags

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/tcolgate/mp3"

	"github.com/tunez/scrobbler/internal/scrobble"
)

// ErrNoArtist is returned for files without any artist tag. Such tracks
// cannot be scrobbled.
var ErrNoArtist = errors.New("tags: no artist")

var allowedExtensions = map[string]bool{
	".mp3":  true,
	".flac": true,
	".m4a":  true,
	".ogg":  true,
	".wav":  true,
	".opus": true,
}

// Supported reports whether path has an audio extension we read.
func Supported(path string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(path))]
}

// Read builds a track from the tags of the file at path. A missing title
// falls back to the file name; the duration is measured from the audio
// stream when the format allows it.
func Read(path string) (scrobble.Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return scrobble.Track{}, err
	}
	defer f.Close()

	var title, artist, album, albumArtist string
	meta, err := tag.ReadFrom(f)
	if err == nil {
		title = strings.TrimSpace(meta.Title())
		artist = strings.TrimSpace(meta.Artist())
		album = strings.TrimSpace(meta.Album())
		albumArtist = strings.TrimSpace(meta.AlbumArtist())
	} else if !errors.Is(err, tag.ErrNoTagsFound) {
		return scrobble.Track{}, fmt.Errorf("read tags %s: %w", path, err)
	}

	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if artist == "" {
		artist = albumArtist
	}
	if artist == "" {
		return scrobble.Track{}, fmt.Errorf("%s: %w", path, ErrNoArtist)
	}

	track := scrobble.Track{Title: title, Artists: []string{artist}}
	if album != "" {
		track.Album = &scrobble.Album{Title: album}
		if albumArtist != "" {
			track.Album.Artists = []string{albumArtist}
		}
	}
	if d, err := Duration(path); err == nil {
		track.DurationMs = int(d.Milliseconds())
	}
	return track, nil
}

// Duration measures the playing time of an mp3, flac or wav file.
func Duration(path string) (time.Duration, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return durationMP3(path)
	case ".flac":
		return durationFLAC(path)
	case ".wav":
		return durationWAV(path)
	default:
		return 0, fmt.Errorf("duration: unsupported format %s", filepath.Ext(path))
	}
}

func durationMP3(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := mp3.NewDecoder(f)
	var (
		total   time.Duration
		skipped int
		frames  int
		frame   mp3.Frame
	)
	for {
		if err := dec.Decode(&frame, &skipped); err != nil {
			if errors.Is(err, io.EOF) || frames > 0 {
				break
			}
			return 0, fmt.Errorf("decode mp3: %w", err)
		}
		total += frame.Duration()
		frames++
	}
	return total, nil
}

func durationFLAC(path string) (time.Duration, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return 0, fmt.Errorf("parse flac: %w", err)
	}
	defer stream.Close()

	si := stream.Info
	if si.NSamples == 0 || si.SampleRate == 0 {
		return 0, fmt.Errorf("flac stream missing sample info")
	}
	return time.Duration(float64(si.NSamples) / float64(si.SampleRate) * float64(time.Second)), nil
}

func durationWAV(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("invalid wav file")
	}
	return dec.Duration()
}
