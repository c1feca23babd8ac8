package proxy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/loyaltyhub/cardlink/internal/secrets"
)

const (
	// Four physical attempts per dispatch, however the retries are caused.
	maxAttempts = 4

	// Reauthentication gets its own budget: after three straight 401s the
	// retries start backing off, after ten the dispatch gives up and the
	// last response is surfaced as-is.
	authBackoffAfter = 3
	maxAuthAttempts  = 10
)

// CredentialSource is the slice of the secret store the dispatcher needs.
type CredentialSource interface {
	Current() secrets.Credentials
	Refresh(ctx context.Context) error
}

// WaitFunc is the suspension primitive between attempts. The retry policy
// is written once; only how the caller waits differs between the blocking
// and cooperative dispatch modes.
type WaitFunc func(ctx context.Context, d time.Duration)

// Sleep suspends the calling goroutine for the full backoff.
func Sleep(_ context.Context, d time.Duration) {
	time.Sleep(d)
}

// ContextWait yields until the backoff elapses or the context expires.
// Context expiry only shortens the wait; it never cancels an attempt that
// is already on the wire.
func ContextWait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

type Dispatcher struct {
	creds    CredentialSource
	wait     WaitFunc
	defaults Timeouts
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[Timeouts]*http.Client
}

type Option func(*Dispatcher)

func WithWaitFunc(wait WaitFunc) Option {
	return func(d *Dispatcher) {
		d.wait = wait
	}
}

// WithTimeouts sets the timeout pair applied to specs that do not carry
// their own.
func WithTimeouts(t Timeouts) Option {
	return func(d *Dispatcher) {
		d.defaults = t
	}
}

func NewDispatcher(creds CredentialSource, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		creds:   creds,
		wait:    Sleep,
		logger:  logger,
		clients: make(map[Timeouts]*http.Client),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do runs the retry state machine for one logical request and returns
// exactly one outcome: the final Response, or a TransportFailure when no
// attempt produced a response at all. Retryable statuses that survive the
// attempt budget are returned as the last-seen Response so callers can
// normalize them.
func (d *Dispatcher) Do(ctx context.Context, spec RequestSpec) (*Response, error) {
	var (
		lastResp *Response
		lastErr  error
	)

	attempts := 0
	authAttempts := 0

	for attempts < maxAttempts {
		attempts++

		resp, err := d.attempt(ctx, spec)
		if err != nil {
			lastErr = err
			d.logger.Error("proxy request failed, retryable transport error",
				"method", spec.Method,
				"url", spec.URL,
				"attempt", attempts,
				"error", err)

			if attempts < maxAttempts {
				d.wait(ctx, backoff(attempts))
			}
			continue
		}

		lastResp = resp

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			d.logger.Info("proxy returned 401, refreshing credentials from secret backend",
				"method", spec.Method,
				"url", spec.URL)

			// Refresh failure is already logged by the store; the next
			// attempt will fail fast with another 401 and come back here.
			_ = d.creds.Refresh(ctx)

			authAttempts++
			if authAttempts > authBackoffAfter {
				d.wait(ctx, authBackoff(authAttempts))
			}
			if authAttempts > maxAuthAttempts {
				return lastResp, nil
			}

			// A pure reauthentication retry restarts the attempt budget
			// and skips the primary backoff.
			attempts = 0

		case RetryableStatus(resp.StatusCode):
			d.logger.Error("proxy returned retryable status",
				"method", spec.Method,
				"url", spec.URL,
				"status", resp.StatusCode,
				"attempt", attempts)

			if attempts < maxAttempts {
				d.wait(ctx, backoff(attempts))
			}

		default:
			return resp, nil
		}
	}

	if lastResp == nil {
		return nil, &TransportFailure{Method: spec.Method, URL: spec.URL, Err: lastErr}
	}
	// lastResp may predate the exhausted budget: after a 401 restarts the
	// attempt counter, transport errors can burn the new budget without
	// producing a response, and the stale 401 is surfaced here. Any
	// response ever obtained takes precedence over TransportFailure.
	return lastResp, nil
}

func (d *Dispatcher) attempt(ctx context.Context, spec RequestSpec) (*Response, error) {
	var body io.Reader
	if len(spec.Body) > 0 {
		body = bytes.NewReader(spec.Body)
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL, body)
	if err != nil {
		return nil, err
	}

	for k, v := range spec.Header {
		req.Header.Set(k, v)
	}

	if req.Header.Get("Authorization") == "" {
		creds := d.creds.Current()
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := d.client(spec.Timeouts.or(d.defaults).orDefaults()).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// client returns a pooled http.Client for the given timeout pair. The
// connect timeout bounds dialing, the read timeout bounds waiting for
// response headers, matching the proxy's documented (connect, read)
// contract.
func (d *Dispatcher) client(t Timeouts) *http.Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[t]; ok {
		return c
	}

	c := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: t.Connect,
			}).DialContext,
			ResponseHeaderTimeout: t.Read,
		},
		Timeout: t.Connect + 2*t.Read,
	}
	d.clients[t] = c
	return c
}

// RetryableStatus reports whether a status code is retried by the
// dispatcher. 492 is the proxy's "provider temporarily unavailable"
// code.
func RetryableStatus(status int) bool {
	switch status {
	case 500, 501, 502, 503, 504, 492:
		return true
	}
	return false
}

// backoff waits 3^attempt - 1 seconds: 2s, 8s, 26s between the four
// attempts, nothing after the last.
func backoff(attempt int) time.Duration {
	secs := 1
	for i := 0; i < attempt; i++ {
		secs *= 3
	}
	return time.Duration(secs-1) * time.Second
}

// authBackoff is the secondary delay applied once reauthentication has
// failed more than authBackoffAfter times: 2^k - 2 seconds.
func authBackoff(authAttempt int) time.Duration {
	return time.Duration((1<<authAttempt)-2) * time.Second
}
