// Package fetch implements the resilient HTTP layer every source goes
// through: bounded retries with a fixed delay, overload and block marker
// detection, optional egress rotation and optional session affinity.
package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

// DefaultUserAgent is the desktop Chrome string the gazettes accept.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/80.0.3987.149 Safari/537.36"

// DefaultOverloadMarker is the body the shared gov hosting stack returns
// when it falls over behind a 200.
const DefaultOverloadMarker = "O servidor encontrou um erro interno, ou está sobrecarregado"

const (
	defaultMaxAttempts = 5
	defaultRetryDelay  = 5 * time.Second
	defaultTimeout     = 30 * time.Second
)

var (
	// ErrRetriesExhausted is returned once every attempt failed. Callers
	// skip the item and route it to the error sink; it is never fatal.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrBlocked is returned when a response matches a block marker and
	// no rotator is configured to change the egress IP.
	ErrBlocked = errors.New("egress blocked by source")
)

// Rotator changes the crawler's egress IP when a source starts blocking
// the current one. The VPN manager satisfies it.
type Rotator interface {
	Rotate(ctx context.Context) error
}

// Config controls client behavior. Zero values fall back to the
// defaults above.
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration
	UserAgent   string
	ProxyURL    string
	InsecureTLS bool

	// Session keeps one cookie jar across calls so server-assigned
	// session ids survive paginated requests. Stateless mode uses a
	// fresh jar per request.
	Session bool

	// OverloadMarkers are body substrings treated as a retryable server
	// overload regardless of status code.
	OverloadMarkers []string

	// BlockMarkers are body substrings meaning the source has banned the
	// current egress IP.
	BlockMarkers []string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.OverloadMarkers == nil {
		c.OverloadMarkers = []string{DefaultOverloadMarker}
	}
	return c
}

// Request describes one HTTP call. Method defaults to GET. JSON and Form
// are alternative bodies; JSON wins when both are set.
type Request struct {
	Method string
	URL    string
	JSON   any
	Form   url.Values
	Header http.Header
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// Response is a fully-read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FinalURL   string
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
