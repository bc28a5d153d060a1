// Package legacy speaks the line-based submission protocol: a handshake
// yields a session and two URLs, scrobbles and now-playing notifications are
// form POSTs, and every response is a status word on the first line.
package legacy

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tunez/scrobbler/internal/scrobble"
	"github.com/tunez/scrobbler/internal/scrobble/engine"
	"github.com/tunez/scrobbler/internal/scrobble/transport"
)

const (
	// MaxBatch is the number of scrobbles per submission.
	MaxBatch = 50

	protocolVersion = "1.2.1"
	artistSeparator = " & "
	formContentType = "application/x-www-form-urlencoded"

	DefaultClientID      = "tnz"
	DefaultClientVersion = "0.1"
)

// Options configures the client identification sent on handshake.
type Options struct {
	ClientID      string
	ClientVersion string
	Logger        *slog.Logger
	// Now is used for handshake timestamps.
	Now func() time.Time
}

type session struct {
	id            string
	nowPlayingURL string
	submitURL     string
}

// Adapter implements engine.Adapter and engine.Idler.
type Adapter struct {
	sender transport.Sender
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	url         string
	username    string
	passwordMD5 string
	session     *session
	nowPlaying  *scrobble.Track
}

func New(sender transport.Sender, opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ClientID == "" {
		opts.ClientID = DefaultClientID
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = DefaultClientVersion
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Adapter{sender: sender, opts: opts, logger: opts.Logger}
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// AuthToken is md5(md5(password) + timestamp), given the password's md5.
func AuthToken(passwordMD5 string, timestamp int64) string {
	return md5Hex(passwordMD5 + strconv.FormatInt(timestamp, 10))
}

func (a *Adapter) Configure(s engine.Settings) error {
	if s.URL == "" {
		return fmt.Errorf("%w: missing url", scrobble.ErrNotConfigured)
	}
	if s.Username == "" {
		return fmt.Errorf("%w: missing username", scrobble.ErrInvalidCredentials)
	}
	pw := md5Hex(s.Password)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.url == s.URL && a.username == s.Username && a.passwordMD5 == pw {
		return nil
	}
	a.url = s.URL
	a.username = s.Username
	a.passwordMD5 = pw
	a.session = nil
	return nil
}

func (a *Adapter) MaxBatch() int { return MaxBatch }

// Authenticated reports whether a session is established.
func (a *Adapter) Authenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session != nil
}

// SetNowPlaying replaces the pending now-playing track.
func (a *Adapter) SetNowPlaying(track scrobble.Track) {
	track = track.Clone()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nowPlaying = &track
}

// PendingNowPlaying returns the track waiting to be announced.
func (a *Adapter) PendingNowPlaying() (scrobble.Track, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nowPlaying == nil {
		return scrobble.Track{}, false
	}
	return *a.nowPlaying, true
}

// OnStop drops the session and any unsent now-playing track.
func (a *Adapter) OnStop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = nil
	a.nowPlaying = nil
}

func (a *Adapter) clearSession(s *session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == s {
		a.session = nil
	}
}

func (a *Adapter) handshakeURL() (string, error) {
	a.mu.Lock()
	base, user, pw := a.url, a.username, a.passwordMD5
	a.mu.Unlock()
	if base == "" {
		return "", scrobble.ErrNotConfigured
	}

	ts := a.opts.Now().Unix()
	q := []string{
		"hs=true",
		"p=" + protocolVersion,
		"c=" + url.QueryEscape(a.opts.ClientID),
		"v=" + url.QueryEscape(a.opts.ClientVersion),
		"u=" + url.QueryEscape(user),
		"t=" + strconv.FormatInt(ts, 10),
		"a=" + AuthToken(pw, ts),
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + strings.Join(q, "&"), nil
}

// ensureSession returns the current session, performing a handshake when
// there is none.
func (a *Adapter) ensureSession(ctx context.Context) (*session, error) {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s != nil {
		return s, nil
	}

	hsURL, err := a.handshakeURL()
	if err != nil {
		return nil, err
	}
	resp, err := a.sender.Get(ctx, hsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if resp.Status != http.StatusOK {
		return nil, fmt.Errorf("%w: handshake http status %d", scrobble.ErrProtocol, resp.Status)
	}

	lines := splitLines(resp.Body)
	switch {
	case len(lines) >= 4 && lines[0] == "OK":
		s = &session{id: lines[1], nowPlayingURL: lines[2], submitURL: lines[3]}
	case len(lines) > 0 && lines[0] == "BADAUTH":
		return nil, fmt.Errorf("%w: handshake refused", scrobble.ErrAuthFailed)
	default:
		first := ""
		if len(lines) > 0 {
			first = lines[0]
		}
		return nil, fmt.Errorf("%w: handshake: %q", scrobble.ErrProtocol, first)
	}

	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
	a.logger.Debug("handshake completed")
	return s, nil
}

func splitLines(body []byte) []string {
	text := strings.ReplaceAll(string(body), "\r\n", "\n")
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}

func albumTitle(t scrobble.Track) string {
	if t.Album == nil {
		return ""
	}
	return t.Album.Title
}

func lengthSeconds(t scrobble.Track) string {
	return strconv.Itoa(t.DurationMs / 1000)
}

// SubmissionForm builds the form body for a batch.
func SubmissionForm(sessionID string, batch []scrobble.Record) url.Values {
	form := url.Values{}
	form.Set("s", sessionID)
	for i, rec := range batch {
		idx := "[" + strconv.Itoa(i) + "]"
		form.Set("a"+idx, strings.Join(rec.Track.Artists, artistSeparator))
		form.Set("t"+idx, rec.Track.Title)
		form.Set("i"+idx, strconv.FormatInt(rec.StartTime.Unix(), 10))
		form.Set("o"+idx, "P")
		form.Set("r"+idx, "")
		form.Set("l"+idx, lengthSeconds(rec.Track))
		form.Set("b"+idx, albumTitle(rec.Track))
		form.Set("n"+idx, "")
		form.Set("m"+idx, "")
	}
	return form
}

// NowPlayingForm builds the form body announcing track.
func NowPlayingForm(sessionID string, track scrobble.Track) url.Values {
	form := url.Values{}
	form.Set("s", sessionID)
	form.Set("a", strings.Join(track.Artists, artistSeparator))
	form.Set("t", track.Title)
	form.Set("b", albumTitle(track))
	form.Set("l", lengthSeconds(track))
	form.Set("n", "")
	form.Set("m", "")
	return form
}

// post sends form to target and interprets the status line.
func (a *Adapter) post(ctx context.Context, s *session, target string, form url.Values) error {
	resp, err := a.sender.Post(ctx, target, map[string]string{"Content-Type": formContentType}, []byte(form.Encode()))
	if err != nil {
		return err
	}
	lines := splitLines(resp.Body)
	status := ""
	if len(lines) > 0 {
		status = lines[0]
	}
	switch {
	case resp.Status == http.StatusOK && status == "OK":
		return nil
	case status == "BADSESSION":
		a.clearSession(s)
		return scrobble.ErrBadSession
	default:
		return fmt.Errorf("%w: http status %d: %q", scrobble.ErrProtocol, resp.Status, status)
	}
}

// Submit sends the batch. The protocol is all or nothing: either every
// record is accepted or the whole batch stays queued.
func (a *Adapter) Submit(ctx context.Context, batch []scrobble.Record) ([]scrobble.Outcome, error) {
	s, err := a.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.post(ctx, s, s.submitURL, SubmissionForm(s.id, batch)); err != nil {
		if scrobble.IsBadSession(err) {
			a.logger.Info("session expired, handshaking again on next round")
		}
		return nil, err
	}
	outcomes := make([]scrobble.Outcome, len(batch))
	for i := range outcomes {
		outcomes[i] = scrobble.OutcomeAccepted
	}
	return outcomes, nil
}

// Idle announces the pending now-playing track. A bad session keeps the
// track for the next attempt; any other result drops it.
func (a *Adapter) Idle(ctx context.Context) {
	a.mu.Lock()
	pending := a.nowPlaying
	a.nowPlaying = nil
	a.mu.Unlock()
	if pending == nil {
		return
	}

	s, err := a.ensureSession(ctx)
	if err == nil {
		err = a.post(ctx, s, s.nowPlayingURL, NowPlayingForm(s.id, *pending))
	}
	switch {
	case err == nil:
		a.logger.Debug("now playing sent", slog.String("title", pending.Title))
	case scrobble.IsBadSession(err):
		a.mu.Lock()
		if a.nowPlaying == nil {
			a.nowPlaying = pending
		}
		a.mu.Unlock()
	case ctx.Err() != nil:
	default:
		a.logger.Warn("now playing failed", slog.String("title", pending.Title), slog.Any("err", err))
	}
}

// Service is the queue engine for the legacy protocol plus now-playing
// notifications.
type Service struct {
	*engine.Engine[*Adapter]
}

// NewService wires an adapter into a queue engine.
func NewService(sender transport.Sender, opts engine.Options, client Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "Legacy scrobbler"
	}
	if client.Logger == nil {
		client.Logger = opts.Logger.With(slog.String("service", opts.ID))
	}
	return &Service{Engine: engine.New(New(sender, client), opts)}
}

// NotifyNowPlaying queues track for announcement and wakes the worker. It
// never blocks on the network.
func (s *Service) NotifyNowPlaying(track scrobble.Track) {
	if !s.Started() {
		return
	}
	s.Adapter().SetNowPlaying(track)
	s.Wake()
}
