// Package transport performs the blocking HTTP exchanges used by the
// scrobble adapters. Requests are aborted by cancelling their context.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Kind classifies a failed exchange.
type Kind int

const (
	Unknown Kind = iota
	UnableToConnect
	Timeout
	AbortedByClient
)

func (k Kind) String() string {
	switch k {
	case UnableToConnect:
		return "unable to connect"
	case Timeout:
		return "timeout"
	case AbortedByClient:
		return "aborted by client"
	default:
		return "unknown error"
	}
}

// Error is returned for every exchange that did not produce a response.
type Error struct {
	Kind   Kind
	Method string
	URL    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Method, e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of a transport error, or Unknown.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return Unknown
}

// IsAborted reports whether err is the result of the caller cancelling.
func IsAborted(err error) bool { return KindOf(err) == AbortedByClient }

// Response is a completed exchange. Any status code counts as a response.
type Response struct {
	Status int
	Body   []byte
}

// Sender is what the protocol adapters need from a transport.
type Sender interface {
	Post(ctx context.Context, url string, headers map[string]string, body []byte) (Response, error)
	Get(ctx context.Context, url string, headers map[string]string) (Response, error)
}

// Options configures the Client.
type Options struct {
	// ConnectTimeout bounds dialing. Zero selects 10s.
	ConnectTimeout time.Duration
	// ResponseTimeout bounds waiting for response headers. Zero waits
	// indefinitely and relies on context cancellation alone.
	ResponseTimeout time.Duration
	UserAgent       string
	Logger          *slog.Logger
}

// maxBody caps how much of a response body is read.
const maxBody = 1 << 20

// Client is the net/http backed Sender.
type Client struct {
	opts Options
	http *http.Client
}

func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "tunez-scrobbler"
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
	tr.TLSHandshakeTimeout = opts.ConnectTimeout
	tr.ResponseHeaderTimeout = opts.ResponseTimeout
	return &Client{
		opts: opts,
		http: &http.Client{Transport: tr},
	}
}

// Post sends body to url.
func (c *Client) Post(ctx context.Context, url string, headers map[string]string, body []byte) (Response, error) {
	return c.do(ctx, http.MethodPost, url, headers, body)
}

// Get fetches url.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (Response, error) {
	return c.do(ctx, http.MethodGet, url, headers, nil)
}

func (c *Client) do(ctx context.Context, method, url string, headers map[string]string, body []byte) (Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return Response{}, &Error{Kind: Unknown, Method: method, URL: url, Err: err}
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		kind := classify(ctx, err)
		c.opts.Logger.Debug("http exchange failed", slog.String("method", method), slog.String("url", url), slog.String("kind", kind.String()), slog.Any("err", err))
		return Response{}, &Error{Kind: kind, Method: method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Response{}, &Error{Kind: classify(ctx, err), Method: method, URL: url, Err: err}
	}
	c.opts.Logger.Debug("http exchange", slog.String("method", method), slog.String("url", url), slog.Int("status", resp.StatusCode), slog.Duration("took", time.Since(start)))
	return Response{Status: resp.StatusCode, Body: data}, nil
}

func classify(ctx context.Context, err error) Kind {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return AbortedByClient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return UnableToConnect
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return UnableToConnect
	}
	return Unknown
}
