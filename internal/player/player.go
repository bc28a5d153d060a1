// Package player observes an mpv instance over its JSON IPC socket and turns
// property changes into playback events.
package player

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/tunez/scrobbler/internal/scrobble"
)

// Event describes a playback state update emitted by mpv.
type Event struct {
	TimePos   *float64
	Duration  *float64
	Paused    *bool
	Path      *string
	Metadata  map[string]string
	Ended     bool   // true when track ended naturally (eof)
	EndReason string // "eof", "stop", "quit", "error", "redirect"
	Err       error
}

// Options configures the Observer.
type Options struct {
	IPCPath string
	Logger  *slog.Logger
	// Spawn starts mpv with the IPC server enabled instead of attaching to
	// a running instance.
	Spawn     bool
	MPVPath   string
	ExtraArgs []string
	Dial      func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Observer follows one mpv instance.
type Observer struct {
	opts   Options
	cmd    *exec.Cmd
	conn   net.Conn
	mu     sync.Mutex
	events chan Event
	done   chan struct{}
}

func New(opts Options) *Observer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MPVPath == "" {
		opts.MPVPath = "mpv"
	}
	return &Observer{
		opts:   opts,
		events: make(chan Event, 32),
		done:   make(chan struct{}),
	}
}

// DefaultIPCPath is the socket location used when none is configured.
func DefaultIPCPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\tunez-mpv`
	}
	return filepath.Join(os.TempDir(), "tunez-mpv.sock")
}

// Start optionally launches mpv, connects to the IPC socket and begins
// observing properties.
func (o *Observer) Start(ctx context.Context) error {
	if o.opts.IPCPath == "" {
		o.opts.IPCPath = DefaultIPCPath()
		o.opts.Logger.Debug("using default ipc path", slog.String("ipc_path", o.opts.IPCPath))
	}
	if o.opts.Spawn {
		if err := o.spawnMPV(ctx); err != nil {
			o.opts.Logger.Error("failed to spawn mpv", slog.Any("err", err))
			return err
		}
	}
	if err := o.connect(ctx); err != nil {
		o.opts.Logger.Error("failed to connect to mpv ipc", slog.Any("err", err))
		return err
	}
	if err := o.observeProperties(); err != nil {
		o.opts.Logger.Error("failed to observe mpv properties", slog.Any("err", err))
		return err
	}
	go o.readLoop()
	o.opts.Logger.Debug("observing mpv", slog.String("ipc_path", o.opts.IPCPath))
	return nil
}

func (o *Observer) spawnMPV(ctx context.Context) error {
	args := []string{
		"--idle=once",
		"--force-window=no",
		"--no-terminal",
		"--no-video",
		"--input-ipc-server=" + o.opts.IPCPath,
	}
	args = append(args, o.opts.ExtraArgs...)
	o.opts.Logger.Debug("spawning mpv process", slog.String("mpv_path", o.opts.MPVPath), slog.Any("args", args))
	o.cmd = exec.CommandContext(ctx, o.opts.MPVPath, args...)
	if err := o.cmd.Start(); err != nil {
		return fmt.Errorf("start mpv: %w", err)
	}
	return nil
}

func (o *Observer) connect(ctx context.Context) error {
	dial := o.opts.Dial
	if dial == nil {
		dial = (&net.Dialer{Timeout: 5 * time.Second}).DialContext
	}
	var conn net.Conn
	var err error
	baseDelay := 50 * time.Millisecond
	maxDelay := 500 * time.Millisecond
	maxRetries := 10
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for i := 0; i < maxRetries; i++ {
		conn, err = dial(ctx, "unix", o.opts.IPCPath)
		if err == nil {
			o.mu.Lock()
			o.conn = conn
			o.mu.Unlock()
			return nil
		}
		if i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<uint(i))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay += time.Duration(float64(delay) * 0.2 * rng.Float64())
		o.opts.Logger.Debug("mpv ipc connection failed, retrying", slog.Int("attempt", i+1), slog.Any("err", err), slog.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect mpv ipc: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("connect mpv ipc: %w", err)
}

var observedProperties = []string{"time-pos", "duration", "pause", "path", "metadata"}

func (o *Observer) observeProperties() error {
	for i, p := range observedProperties {
		if err := o.send(map[string]any{
			"command": []any{"observe_property", i + 1, p},
		}); err != nil {
			return err
		}
	}
	return nil
}

// Events returns the event channel. It is closed when the connection ends.
func (o *Observer) Events() <-chan Event { return o.events }

func (o *Observer) send(cmd map[string]any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		return fmt.Errorf("mpv not connected")
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	_, err = o.conn.Write(append(b, '\n'))
	return err
}

// Stop disconnects and, when mpv was spawned, terminates it.
func (o *Observer) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	select {
	case <-o.done:
	default:
		close(o.done)
	}

	if o.conn != nil {
		_ = o.conn.Close()
		o.conn = nil
	}
	if o.cmd != nil && o.cmd.Process != nil {
		_ = o.cmd.Process.Kill()
		_ = o.cmd.Wait()
		o.cmd = nil
	}
	return nil
}

func (o *Observer) emit(evt Event) bool {
	select {
	case o.events <- evt:
		return true
	case <-o.done:
		return false
	}
}

func (o *Observer) readLoop() {
	defer close(o.events)
	o.mu.Lock()
	conn := o.conn
	o.mu.Unlock()
	if conn == nil {
		return
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var msg ipcMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			if !o.emit(Event{Err: fmt.Errorf("decode: %w", err)}) {
				return
			}
			continue
		}
		evt, ok := decode(msg)
		if ok && !o.emit(evt) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-o.done:
		default:
			o.emit(Event{Err: err})
		}
	}
}

type ipcMessage struct {
	Event  string `json:"event"`
	Name   string `json:"name"`
	Data   any    `json:"data"`
	Reason string `json:"reason"`
}

func decode(msg ipcMessage) (Event, bool) {
	switch msg.Event {
	case "end-file":
		// "stop" happens when a new file replaces the current one
		return Event{Ended: msg.Reason == "eof", EndReason: msg.Reason}, true
	case "property-change":
	default:
		return Event{}, false
	}

	switch msg.Name {
	case "time-pos":
		if v, ok := toFloat(msg.Data); ok {
			return Event{TimePos: &v}, true
		}
	case "duration":
		if v, ok := toFloat(msg.Data); ok {
			return Event{Duration: &v}, true
		}
	case "pause":
		if b, ok := msg.Data.(bool); ok {
			return Event{Paused: &b}, true
		}
	case "path":
		if s, ok := msg.Data.(string); ok {
			return Event{Path: &s}, true
		}
	case "metadata":
		if m, ok := msg.Data.(map[string]any); ok {
			meta := make(map[string]string, len(m))
			for k, v := range m {
				if s, ok := v.(string); ok {
					meta[strings.ToLower(k)] = s
				}
			}
			return Event{Metadata: meta}, true
		}
	}
	return Event{}, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// TrackFromMetadata builds a track from mpv's metadata property. Keys are
// expected in lower case. It reports false when title or artist is missing.
func TrackFromMetadata(meta map[string]string) (scrobble.Track, bool) {
	title := strings.TrimSpace(meta["title"])
	artist := strings.TrimSpace(meta["artist"])
	if title == "" || artist == "" {
		return scrobble.Track{}, false
	}
	track := scrobble.Track{Title: title, Artists: []string{artist}}
	if album := strings.TrimSpace(meta["album"]); album != "" {
		track.Album = &scrobble.Album{Title: album}
		for _, key := range []string{"album_artist", "albumartist", "album artist"} {
			if aa := strings.TrimSpace(meta[key]); aa != "" {
				track.Album.Artists = []string{aa}
				break
			}
		}
	}
	return track, true
}
