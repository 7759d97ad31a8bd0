// Package http wraps the standard HTTP client with the request shapes
// the download engine needs: metadata probes, whole-file fetches, and
// range fetches. It does not retry; retry policy belongs to the
// downloader, which must re-derive its resume offset before every
// attempt.
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options configures the client.
type Options struct {
	// ProbeTimeout bounds a whole HEAD request.
	// Default: 10s
	ProbeTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers on a
	// GET. The body read itself is unbounded: large transfers are
	// expected to take a long time and are protected by resumability,
	// not by a wall-clock limit.
	// Default: 30s
	ResponseHeaderTimeout time.Duration

	// MaxIdleConnsPerHost sets the idle pool size per host.
	// Default: 16
	MaxIdleConnsPerHost int

	// UserAgent is sent on every request when non-empty.
	UserAgent string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		ProbeTimeout:          10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConnsPerHost:   16,
		UserAgent:             "dataset_downloader/0.1",
	}
}

// FileInfo is the metadata a HEAD probe yields about a remote file.
type FileInfo struct {
	// Size is the declared content length, -1 when the server does not
	// declare one.
	Size int64

	// AcceptsRanges reports whether the server advertises byte-range
	// support.
	AcceptsRanges bool
}

// Client issues the download engine's HTTP requests.
type Client struct {
	body  *http.Client
	probe *http.Client
	opts  Options
}

// NewClient builds a client from opts. The transport is instrumented
// with otelhttp so request metrics and spans appear when telemetry is
// configured.
func NewClient(opts Options) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		// Raw bytes only: transparent compression would break range
		// arithmetic and digest verification.
		DisableCompression: true,
	}

	instrumented := otelhttp.NewTransport(transport)

	return &Client{
		body: &http.Client{Transport: instrumented},
		probe: &http.Client{
			Transport: instrumented,
			Timeout:   opts.ProbeTimeout,
		},
		opts: opts,
	}
}

// Probe issues a HEAD request and reports the declared size and range
// capability. Non-2xx statuses are classified into the package's error
// taxonomy.
func (c *Client) Probe(ctx context.Context, url string) (*FileInfo, error) {
	req, err := c.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return nil, err
	}

	resp, err := c.probe.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := ClassifyStatus(url, resp.StatusCode); err != nil {
		return nil, err
	}

	return &FileInfo{
		Size:          resp.ContentLength,
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
	}, nil
}

// Get fetches the whole resource. The response is returned for any
// status the server produced; interpreting 200 vs 206 vs 416 is the
// caller's business. The caller owns the body.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}

	resp, err := c.body.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get request failed: %w", err)
	}

	return resp, nil
}

// GetFrom fetches the resource from the given byte offset to the end
// via an open-ended range header. Like Get, status interpretation is
// left to the caller: a server that ignores the range answers 200 and
// the caller must restart from byte zero.
func (c *Client) GetFrom(ctx context.Context, url string, offset int64) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))

	resp, err := c.body.Do(req)
	if err != nil {
		return nil, fmt.Errorf("range request failed: %w", err)
	}

	return resp, nil
}

// GetRange fetches the inclusive byte span [start, end]. Unlike Get,
// this insists on 206: a chunk fetch that does not get exactly the
// requested span is useless, so any other status is an error.
func (c *Client) GetRange(ctx context.Context, url string, start, end int64) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := c.body.Do(req)
	if err != nil {
		return nil, fmt.Errorf("range request failed: %w", err)
	}

	if resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()

		if err := ClassifyStatus(url, resp.StatusCode); err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("%w: got status %d for range %d-%d of %s",
			ErrRangeIgnored, resp.StatusCode, start, end, url)
	}

	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request for %s: %w", method, url, err)
	}

	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	return req, nil
}

// Backoff sleeps for min(base*2^attempt, max) or until the context is
// done, whichever comes first. attempt counts the attempts already
// failed, so the first delay after a failure is 2x base, matching the
// doubling schedule the retry loops expect.
func Backoff(ctx context.Context, attempt int, base, max time.Duration) error {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
