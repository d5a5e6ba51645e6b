// Package httpfetch is a demo/test request.Func provider: a plain HTTP
// GET with gzip-aware decoding and bounded retry. The scheduler core never
// imports this package; transport is a black-box collaborator supplied
// per request (spec.md §6), so this lives as one concrete choice for the
// demo CLI and tests.
package httpfetch

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MeKo-Tech/tilescheduler/internal/request"
)

// Config controls the HTTP client and retry behavior of a Fetcher.
type Config struct {
	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// UserAgent is sent on every request.
	UserAgent string
	// Headers are added to every request.
	Headers map[string]string
}

// DefaultConfig mirrors sensible defaults for a demo tile fetch.
func DefaultConfig() Config {
	return Config{
		Timeout:    10 * time.Second,
		MaxRetries: 2,
		UserAgent:  "tilescheduler/1.0",
	}
}

// Fetcher builds request.Func values that perform an HTTP GET against a
// request's URL.
type Fetcher struct {
	client *http.Client
	cfg    Config
}

// New constructs a Fetcher from cfg, filling a zero Timeout with
// DefaultConfig's.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Fetcher{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
	}
}

// Func returns a request.Func that fetches url, retrying transient (5xx or
// network) failures up to cfg.MaxRetries times.
func (f *Fetcher) Func(url string) request.Func {
	return func(ctx context.Context) <-chan request.Result {
		ch := make(chan request.Result, 1)
		go func() {
			payload, err := f.fetchWithRetry(ctx, url)
			ch <- request.Result{Payload: payload, Err: err}
		}()
		return ch
	}
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		payload, status, err := f.fetchOnce(ctx, url)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if !shouldRetry(status, err) {
			break
		}
	}
	return nil, fmt.Errorf("httpfetch: %s: %w", url, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "gzip")
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("round trip: %w", err)
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if strings.Contains(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, resp.StatusCode, fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, resp.Status)
	}
	return data, resp.StatusCode, nil
}

// shouldRetry reports whether a failed fetch is worth retrying: network
// errors (status 0) and server errors (5xx) are transient; client errors
// (4xx) are not.
func shouldRetry(status int, err error) bool {
	if status == 0 {
		return true
	}
	if status >= 500 {
		return true
	}
	return false
}
