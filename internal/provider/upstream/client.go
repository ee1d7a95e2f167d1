// Package upstream is the HTTP plumbing shared by backend adapters: retry with
// capped exponential backoff, a preflight reachability probe, per-backend rate
// limiting and error classification hooks.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"modelgate/internal/provider"
)

const (
	userAgent           = "modelgate/0.1"
	maxErrorBodyBytes   = 64 * 1024
	defaultMaxRetries   = 3
	defaultBackoffBase  = time.Second
	defaultBackoffMax   = 8 * time.Second
	defaultProbeTimeout = 2 * time.Second
	defaultPreflightTTL = 5 * time.Second
	defaultTimeout      = 90 * time.Second
)

// Options configures a Client.
type Options struct {
	Name              string
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	RequestsPerMinute int
	// ProbeURL is fetched before a send when the backend has not been seen
	// reachable within PreflightTTL. Empty disables the preflight.
	ProbeURL     string
	ProbeTimeout time.Duration
	PreflightTTL time.Duration
	Headers      map[string]string
	Classify     func(status int, body []byte) *provider.Error
}

// Client issues backend calls on a shared, bounded connection pool.
type Client struct {
	http    *http.Client
	opts    Options
	limiter *rate.Limiter

	lastReachable atomic.Int64
	attempts      atomic.Int64
}

// New constructs a client around an existing http.Client.
func New(httpClient *http.Client, opts Options) (*Client, error) {
	if httpClient == nil {
		return nil, errors.New("http client must not be nil")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.PreflightTTL <= 0 {
		opts.PreflightTTL = defaultPreflightTTL
	}
	if opts.Classify == nil {
		opts.Classify = func(status int, body []byte) *provider.Error {
			return provider.ClassifyStatus(status, provider.ErrorMessage(body))
		}
	}

	c := &Client{http: httpClient, opts: opts}
	if opts.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), opts.RequestsPerMinute)
	}
	return c, nil
}

// Attempts reports how many HTTP attempts the client has made.
func (c *Client) Attempts() int64 {
	return c.attempts.Load()
}

// Do posts payload and returns the fully read success body. Each attempt is
// bounded by timeout.
func (c *Client) Do(ctx context.Context, url string, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var body []byte
	err := c.withRetry(ctx, func(ctx context.Context) (*http.Response, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, err := c.post(attemptCtx, url, payload, false)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			// The attempt context dies with this closure, so buffer the error body now.
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			resp.Body = io.NopCloser(bytes.NewReader(data))
			return resp, nil
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		body = data
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Open posts payload and returns the open body of a successful streaming
// response. The caller owns the body.
func (c *Client) Open(ctx context.Context, url string, payload []byte) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := c.withRetry(ctx, func(ctx context.Context) (*http.Response, error) {
		resp, err := c.post(ctx, url, payload, true)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 400 {
			body = resp.Body
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Get fetches url without retries. Used for catalogs.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	c.setHeaders(req, false)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, c.opts.Classify(resp.StatusCode, data)
	}
	c.markReachable()
	return data, nil
}

// Probe reports whether ProbeURL answers 200 within the probe timeout.
func (c *Client) Probe(ctx context.Context) bool {
	status, err := c.ping(ctx)
	return err == nil && status == http.StatusOK
}

// Reachable reports whether the probe endpoint answers at all. A recent
// successful call skips the network round trip.
func (c *Client) Reachable(ctx context.Context) bool {
	if c.opts.ProbeURL == "" {
		return true
	}
	last := c.lastReachable.Load()
	if last != 0 && time.Since(time.Unix(0, last)) < c.opts.PreflightTTL {
		return true
	}
	_, err := c.ping(ctx)
	return err == nil
}

func (c *Client) ping(ctx context.Context) (int, error) {
	if c.opts.ProbeURL == "" {
		return 0, errors.New("no probe url configured")
	}
	probeCtx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.opts.ProbeURL, nil)
	if err != nil {
		return 0, err
	}
	c.setHeaders(req, false)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))

	c.markReachable()
	return resp.StatusCode, nil
}

func (c *Client) markReachable() {
	c.lastReachable.Store(time.Now().UnixNano())
}

// withRetry runs attempt until it succeeds, fails with a non-transient error,
// or the retry budget is spent. A connection-level failure ends the loop
// immediately with backend-unreachable.
func (c *Client) withRetry(ctx context.Context, attempt func(context.Context) (*http.Response, error)) error {
	if !c.Reachable(ctx) {
		if ctx.Err() != nil {
			return provider.AsError(ctx.Err())
		}
		return provider.Errorf(provider.KindBackendUnreachable, "cannot connect to backend %s", c.opts.Name)
	}

	var lastErr *provider.Error
	for n := 1; n <= c.opts.MaxRetries; n++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return provider.Wrap(provider.KindRateLimited, "local rate limit wait aborted", err)
			}
		}

		c.attempts.Add(1)
		resp, err := attempt(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return provider.AsError(ctx.Err())
			}
			perr := classifyTransport(err)
			if perr.Kind == provider.KindBackendUnreachable {
				return perr
			}
			lastErr = perr
		case resp.StatusCode >= 400:
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			resp.Body.Close()
			c.markReachable()
			perr := c.opts.Classify(resp.StatusCode, data)
			if !perr.Kind.Transient() {
				return perr
			}
			lastErr = perr
		default:
			c.markReachable()
			return nil
		}

		if n == c.opts.MaxRetries {
			break
		}
		delay := c.backoff(n)
		slog.Warn("backend attempt failed, retrying",
			"backend", c.opts.Name,
			"attempt", n,
			"max_attempts", c.opts.MaxRetries,
			"delay_ms", delay.Milliseconds(),
			"error", lastErr,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return provider.AsError(ctx.Err())
		case <-timer.C:
		}
	}
	return lastErr
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.opts.BackoffMax {
			return c.opts.BackoffMax
		}
	}
	if d > c.opts.BackoffMax {
		return c.opts.BackoffMax
	}
	return d
}

func (c *Client) post(ctx context.Context, url string, payload []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	c.setHeaders(req, stream)
	return c.http.Do(req)
}

func (c *Client) setHeaders(req *http.Request, stream bool) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
}

func classifyTransport(err error) *provider.Error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return provider.Wrap(provider.KindBackendUnreachable, "connection refused", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return provider.Wrap(provider.KindBackendUnreachable, "backend host not found", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.Wrap(provider.KindBackendTimeout, "backend request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return provider.Wrap(provider.KindBackendTimeout, "backend request timed out", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return provider.Wrap(provider.KindBackendUnreachable, "cannot connect to backend", err)
	}
	return provider.Wrap(provider.KindUpstream, "backend request failed", err)
}
