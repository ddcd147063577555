package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/lexbr/norm-harvester/internal/metrics"
)

// Client is the retrying request layer. It is safe for concurrent use.
type Client struct {
	cfg       Config
	log       *zap.Logger
	transport http.RoundTripper
	base      *colly.Collector
	rotator   Rotator
}

// ClientOption configures optional collaborators.
type ClientOption func(*Client)

// WithRotator wires the egress rotator invoked on block markers.
func WithRotator(r Rotator) ClientOption {
	return func(c *Client) { c.rotator = r }
}

// New builds a Client.
func New(cfg Config, log *zap.Logger, opts ...ClientOption) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		log:       log,
		transport: transport,
	}
	for _, opt := range opts {
		opt(c)
	}
	// The session collector is built once so its cookie jar survives
	// across calls; per-request clones share it.
	if cfg.Session {
		c.base = c.newCollector()
	}
	return c, nil
}

// Get is shorthand for Do with a GET request.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.Do(ctx, Request{URL: rawURL})
}

// PostForm is shorthand for Do with an urlencoded form body.
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, URL: rawURL, Form: form})
}

// PostJSON is shorthand for Do with a JSON body.
func (c *Client) PostJSON(ctx context.Context, rawURL string, body any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, URL: rawURL, JSON: body})
}

// Do performs the request with the configured retry policy. A 429/503
// status, an overload marker in the body and any transport error all
// consume an attempt; a block marker triggers egress rotation before the
// next attempt. Exhaustion returns ErrRetriesExhausted; callers treat it
// as "skip this item", never as fatal.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	body, header, err := c.encodeBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := c.attempt(ctx, req, body, header)
		switch {
		case err != nil:
			lastErr = err
			metrics.ObserveHTTPRetry("transport")
			c.log.Debug("request attempt failed",
				zap.String("url", req.URL), zap.Int("attempt", attempt), zap.Error(err))

		case c.matchesMarker(resp, c.cfg.BlockMarkers):
			metrics.ObserveBlockedResponse()
			if c.rotator == nil {
				return nil, fmt.Errorf("%s: %w", req.URL, ErrBlocked)
			}
			c.log.Warn("source is blocking the current egress, rotating",
				zap.String("url", req.URL), zap.Int("attempt", attempt))
			if rerr := c.rotator.Rotate(ctx); rerr != nil {
				return nil, fmt.Errorf("rotate egress: %w", rerr)
			}
			lastErr = ErrBlocked

		case c.overloaded(resp):
			reason := "status"
			if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
				reason = "overload"
			}
			lastErr = fmt.Errorf("server overloaded (status %d)", resp.StatusCode)
			metrics.ObserveHTTPRetry(reason)
			c.log.Debug("retryable response",
				zap.String("url", req.URL), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt))

		default:
			return resp, nil
		}

		if attempt < c.cfg.MaxAttempts {
			if err := sleepCtx(ctx, c.cfg.RetryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%s %s: %w (last: %v)", req.method(), req.URL, ErrRetriesExhausted, lastErr)
}

// attempt runs one request on a collector and captures the outcome via
// hooks. The visit runs in a goroutine so cancellation is observed even
// mid-transfer.
func (c *Client) attempt(ctx context.Context, req Request, body []byte, header http.Header) (*Response, error) {
	collector := c.collectorFor()

	var (
		resp     *Response
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		resp = &Response{
			StatusCode: r.StatusCode,
			Header:     r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			FinalURL:   r.Request.URL.String(),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
	})

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	done := make(chan error, 1)
	go func() {
		if reader == nil {
			done <- collector.Request(req.method(), req.URL, nil, nil, header.Clone())
			return
		}
		done <- collector.Request(req.method(), req.URL, reader, nil, header.Clone())
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", req.URL, err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("request %s: %w", req.URL, fetchErr)
		}
		if resp == nil {
			return nil, fmt.Errorf("request %s: no response captured", req.URL)
		}
		return resp, nil
	}
}

func (c *Client) collectorFor() *colly.Collector {
	if c.base != nil {
		return c.base.Clone()
	}
	return c.newCollector()
}

func (c *Client) newCollector() *colly.Collector {
	collector := colly.NewCollector(colly.Async(false))
	collector.UserAgent = c.cfg.UserAgent
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(c.cfg.Timeout)
	collector.WithTransport(c.transport)
	return collector
}

func (c *Client) encodeBody(req Request) ([]byte, http.Header, error) {
	header := http.Header{}
	for k, vs := range req.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", c.cfg.UserAgent)
	}

	switch {
	case req.JSON != nil:
		b, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, nil, fmt.Errorf("encode json body: %w", err)
		}
		if header.Get("Content-Type") == "" {
			header.Set("Content-Type", "application/json")
		}
		return b, header, nil
	case req.Form != nil:
		if header.Get("Content-Type") == "" {
			header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		return []byte(req.Form.Encode()), header, nil
	}
	return nil, header, nil
}

func (c *Client) overloaded(resp *Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return true
	}
	return c.matchesMarker(resp, c.cfg.OverloadMarkers)
}

func (c *Client) matchesMarker(resp *Response, markers []string) bool {
	for _, marker := range markers {
		if marker != "" && bytes.Contains(resp.Body, []byte(marker)) {
			return true
		}
	}
	return false
}

func newTransport(cfg Config) (*http.Transport, error) {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		t.Proxy = http.ProxyURL(u)
	}
	if cfg.InsecureTLS {
		// Several state portals serve incomplete certificate chains.
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return t, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
