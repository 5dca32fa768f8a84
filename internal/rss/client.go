// Package rss fetches feeds over HTTP and normalizes them.
package rss

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/mmcdole/gofeed"
)

// Descriptor identifies what to fetch along with stored cache validators.
type Descriptor struct {
	FeedID       int64
	URL          string // site url, used for override lookup
	FetchURL     string
	ETag         string
	LastModified string
}

// ParsedEntry is one normalized feed item.
type ParsedEntry struct {
	Title     string
	URL       string
	Author    string
	Content   string
	Summary   string
	Published *time.Time
	GUID      string
}

// Result is a normalized fetch. FetchURL is where the feed was actually found,
// which differs from the requested one after autodiscovery.
type Result struct {
	FetchURL     string
	NotModified  bool
	Title        string
	Link         string
	Entries      []ParsedEntry
	Skipped      int // malformed entries left out
	ETag         string
	LastModified string
}

// Options configures a Client.
type Options struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
	HostInterval time.Duration
	Attempts     int
	RetryDelay   time.Duration
}

// Client fetches feeds.
type Client struct {
	http      *http.Client
	opts      Options
	limiter   *hostLimiter
	overrides *Registry
	logger    *slog.Logger
}

// New creates a client. overrides may be nil.
func New(opts Options, overrides *Registry, logger *slog.Logger) *Client {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	return &Client{
		http:      &http.Client{Timeout: opts.Timeout},
		opts:      opts,
		limiter:   newHostLimiter(opts.HostInterval),
		overrides: overrides,
		logger:    logger,
	}
}

// Fetch retrieves and parses the feed described by d. When the response is a
// web page and allowAutodiscovery is set, the page's advertised feed is
// followed once.
func (c *Client) Fetch(ctx context.Context, d Descriptor, allowAutodiscovery bool) (*Result, error) {
	for _, u := range []string{d.URL, d.FetchURL} {
		if o, ok := c.overrides.Lookup(hostOf(u)); ok {
			c.logger.Debug("using fetch override", "feed_id", d.FeedID, "host", hostOf(u))
			return o.Fetch(ctx, d)
		}
	}

	target := d.FetchURL
	if target == "" {
		target = d.URL
	}
	return c.fetch(ctx, target, d.ETag, d.LastModified, allowAutodiscovery)
}

func (c *Client) fetch(ctx context.Context, target, etag, lastModified string, allowAutodiscovery bool) (*Result, error) {
	resp, err := c.get(ctx, target, etag, lastModified)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusNotModified {
		return &Result{FetchURL: target, NotModified: true}, nil
	}
	if len(bytes.TrimSpace(resp.body)) == 0 {
		return nil, permanent(target, resp.status, errors.New("empty response"))
	}

	if gofeed.DetectFeedType(bytes.NewReader(resp.body)) != gofeed.FeedTypeUnknown {
		res, err := c.parse(target, resp.body)
		if err != nil {
			return nil, permanent(target, resp.status, err)
		}
		res.ETag = resp.header.Get("ETag")
		res.LastModified = resp.header.Get("Last-Modified")
		return res, nil
	}

	if !allowAutodiscovery {
		return nil, permanent(target, resp.status, errors.New("response is not a feed"))
	}
	candidate, err := discover(resp.body, target)
	if err != nil {
		return nil, permanent(target, resp.status, fmt.Errorf("%w: %w", ErrAutodiscoveryFailed, err))
	}
	c.logger.Info("feed autodiscovered", "url", target, "feed_url", candidate)

	res, err := c.fetch(ctx, candidate, "", "", false)
	if err != nil {
		return nil, permanent(candidate, 0, fmt.Errorf("%w: %w", ErrAutodiscoveryFailed, err))
	}
	return res, nil
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// get performs a conditional GET, retrying transient failures.
func (c *Client) get(ctx context.Context, target, etag, lastModified string) (*response, error) {
	var resp *response
	var lastErr error

	err := retry.Do(
		func() error {
			resp, lastErr = c.do(ctx, target, etag, lastModified)
			if lastErr != nil {
				return lastErr
			}
			return nil
		},
		retry.Attempts(uint(c.opts.Attempts)),
		retry.Delay(c.opts.RetryDelay),
		retry.MaxDelay(30*c.opts.RetryDelay),
		retry.MaxJitter(c.opts.RetryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("retrying fetch after error", "url", target, "attempt", n, "error", err)
		}),
		retry.RetryIf(IsTransient),
	)
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, transient(target, 0, err)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, target, etag, lastModified string) (*response, error) {
	host := hostOf(target)
	if host == "" {
		return nil, permanent(target, 0, errors.New("missing host in URL"))
	}
	if err := c.limiter.acquire(ctx, host); err != nil {
		return nil, transient(target, 0, fmt.Errorf("rate limit wait: %w", err))
	}
	defer c.limiter.release(host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, permanent(target, 0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/html;q=0.8, */*;q=0.5")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	start := time.Now()
	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, transient(target, 0, err)
	}
	defer func() {
		if closeErr := httpResp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", "url", target, "error", closeErr)
		}
	}()

	c.logger.Debug("HTTP request completed",
		"url", target,
		"status_code", httpResp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	switch status := httpResp.StatusCode; {
	case status == http.StatusNotModified:
		return &response{status: status, header: httpResp.Header}, nil
	case status == http.StatusTooManyRequests || status >= 500:
		return nil, transient(target, status, errors.New(http.StatusText(status)))
	case status != http.StatusOK:
		return nil, permanent(target, status, errors.New(http.StatusText(status)))
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, c.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, transient(target, httpResp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > c.opts.MaxBodyBytes {
		return nil, permanent(target, httpResp.StatusCode, fmt.Errorf("response exceeds %d bytes", c.opts.MaxBodyBytes))
	}
	return &response{status: httpResp.StatusCode, header: httpResp.Header, body: body}, nil
}
