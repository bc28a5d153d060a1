// Package rest submits scrobbles to a JSON-over-HTTP service.
//
// A batch is POSTed as a JSON array of records and the service answers with
// one status object per record, in the same order.
package rest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tunez/scrobbler/internal/scrobble"
	"github.com/tunez/scrobbler/internal/scrobble/engine"
	"github.com/tunez/scrobbler/internal/scrobble/transport"
)

// MaxBatch is the number of records sent per request.
const MaxBatch = 20

// Error codes the service uses for records it will never accept.
const (
	codeFirstPermanent = 10000
	codeRateLimited    = 10003
	codeLastPermanent  = 10006
)

// Status is one element of the response array.
type Status struct {
	OK               bool   `json:"ok"`
	ErrorCode        int    `json:"error_code,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Outcome maps a status to what happens to the record.
func (s Status) Outcome() scrobble.Outcome {
	if s.OK {
		return scrobble.OutcomeAccepted
	}
	if Recoverable(s.ErrorCode) {
		return scrobble.OutcomeRetry
	}
	return scrobble.OutcomeRejected
}

// Recoverable reports whether a record failing with code should be retried.
func Recoverable(code int) bool {
	return code < codeFirstPermanent || code == codeRateLimited || code > codeLastPermanent
}

// Adapter implements engine.Adapter for the JSON protocol.
type Adapter struct {
	sender transport.Sender
	logger *slog.Logger

	mu   sync.Mutex
	url  string
	auth string
}

// New creates an unconfigured adapter sending through sender.
func New(sender transport.Sender, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{sender: sender, logger: logger}
}

// NewService wires an adapter into a queue engine.
func NewService(sender transport.Sender, opts engine.Options) *engine.Engine[*Adapter] {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "REST scrobbler"
	}
	a := New(sender, opts.Logger.With(slog.String("service", opts.ID)))
	return engine.New(a, opts)
}

// BasicAuth returns the Authorization header value for the credentials.
func BasicAuth(username, password string) (string, error) {
	if strings.Contains(username, ":") {
		return "", fmt.Errorf("%w: username contains ':'", scrobble.ErrInvalidCredentials)
	}
	if !utf8.ValidString(username) || !utf8.ValidString(password) {
		return "", fmt.Errorf("%w: credentials are not valid UTF-8", scrobble.ErrInvalidCredentials)
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password)), nil
}

func (a *Adapter) Configure(s engine.Settings) error {
	if s.URL == "" {
		return fmt.Errorf("%w: missing url", scrobble.ErrNotConfigured)
	}
	auth, err := BasicAuth(s.Username, s.Password)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.url == s.URL && a.auth == auth {
		a.logger.Debug("configuration unchanged")
		return nil
	}
	a.url = s.URL
	a.auth = auth
	return nil
}

func (a *Adapter) MaxBatch() int { return MaxBatch }

func (a *Adapter) endpoint() (string, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.url, a.auth
}

// EncodeBatch renders records as a JSON array of persisted-format lines.
func EncodeBatch(batch []scrobble.Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, rec := range batch {
		line, err := scrobble.Encode(rec)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(line)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (a *Adapter) Submit(ctx context.Context, batch []scrobble.Record) ([]scrobble.Outcome, error) {
	url, auth := a.endpoint()
	if url == "" {
		return nil, scrobble.ErrNotConfigured
	}
	body, err := EncodeBatch(batch)
	if err != nil {
		return nil, err
	}

	resp, err := a.sender.Post(ctx, url, map[string]string{
		"Authorization": auth,
		"Content-Type":  "application/json",
	}, body)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, a.failure(resp)
	}

	var statuses []Status
	if err := json.Unmarshal(resp.Body, &statuses); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", scrobble.ErrProtocol, err)
	}
	if len(statuses) != len(batch) {
		return nil, fmt.Errorf("%w: %d statuses for %d scrobbles", scrobble.ErrProtocol, len(statuses), len(batch))
	}

	outcomes := make([]scrobble.Outcome, len(batch))
	for i, st := range statuses {
		outcomes[i] = st.Outcome()
		if outcomes[i] == scrobble.OutcomeRejected {
			a.logger.Warn("scrobble rejected",
				slog.String("title", batch[i].Track.Title),
				slog.Int("code", st.ErrorCode),
				slog.String("description", st.ErrorDescription))
		}
	}
	return outcomes, nil
}

// failure turns a non-200 response into an error. The body is expected to
// be a single status object.
func (a *Adapter) failure(resp transport.Response) error {
	var st Status
	if err := json.Unmarshal(resp.Body, &st); err != nil {
		return fmt.Errorf("%w: http status %d", scrobble.ErrProtocol, resp.Status)
	}
	if st.OK {
		a.logger.Warn("service reported success with a failure status", slog.Int("status", resp.Status))
		return fmt.Errorf("%w: http status %d", scrobble.ErrProtocol, resp.Status)
	}
	return fmt.Errorf("%w: http status %d: code %d: %s", scrobble.ErrProtocol, resp.Status, st.ErrorCode, st.ErrorDescription)
}

// OnStop has no session state to drop.
func (a *Adapter) OnStop() {}
