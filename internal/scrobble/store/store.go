// Package store persists pending scrobbles as line-delimited JSON.
package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tunez/scrobbler/internal/scrobble"
)

// maxLine bounds a single record line when reading.
const maxLine = 1 << 20

// File is a data file holding one encoded record per line.
type File struct {
	Path string
}

// New returns a File for path.
func New(path string) *File {
	return &File{Path: path}
}

// Load reads all records. A missing file yields no records. Any line that
// does not parse fails the whole load.
func (f *File) Load() ([]scrobble.Record, error) {
	if f.Path == "" {
		return nil, nil
	}
	fh, err := os.Open(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	defer fh.Close()

	var records []scrobble.Record
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := scrobble.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", f.Path, lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read data file: %w", err)
	}
	return records, nil
}

// Store replaces the file with exactly the given records. An empty slice
// leaves an empty file.
func (f *File) Store(records []scrobble.Record) error {
	if f.Path == "" {
		return scrobble.ErrNotConfigured
	}
	var buf bytes.Buffer
	for _, rec := range records {
		line, err := scrobble.Encode(rec)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write data file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync data file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close data file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod data file: %w", err)
	}
	if err := os.Rename(tmpPath, f.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace data file: %w", err)
	}
	return nil
}

// Append adds a single record to the end of the file without reading it.
func (f *File) Append(rec scrobble.Record) error {
	if f.Path == "" {
		return scrobble.ErrNotConfigured
	}
	line, err := scrobble.Encode(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	fh, err := os.OpenFile(f.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}
	if _, err := fh.Write(append(line, '\n')); err != nil {
		fh.Close()
		return fmt.Errorf("append record: %w", err)
	}
	return fh.Close()
}
