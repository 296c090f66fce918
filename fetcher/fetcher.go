// Package fetcher provides throttled, retrying HTTP fetching with an
// optional headless browser fallback for challenge pages.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"animeheal/metrics"
)

// Options configures a Client.
type Options struct {
	UserAgent      string
	AcceptLanguage string
	Timeout        time.Duration
	Retries        int
	MinDelay       time.Duration // lower bound of the pause before each request
	MaxDelay       time.Duration
	Browser        bool   // render challenge pages with headless Chrome
	ChromePath     string // Path to Chrome binary (empty = auto-detect)
	Logger         *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		UserAgent:      "Mozilla/5.0 (Linux; Android 13) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
		AcceptLanguage: "pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7",
		Timeout:        20 * time.Second,
		Retries:        3,
		MinDelay:       800 * time.Millisecond,
		MaxDelay:       1800 * time.Millisecond,
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d", e.URL, e.Code)
}

// StatusCode returns the response status.
func (e *StatusError) StatusCode() int {
	return e.Code
}

// FetchError is returned once every attempt at a URL has failed.
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Client fetches pages for a scraper. It keeps cookies between requests.
type Client struct {
	opts   Options
	http   *http.Client
	logger *slog.Logger
}

// New creates a client. An empty user agent, timeout or retry count falls
// back to DefaultOptions; zero delays disable throttling.
func New(o Options) (*Client, error) {
	d := DefaultOptions()
	if o.UserAgent == "" {
		o.UserAgent = d.UserAgent
	}
	if o.AcceptLanguage == "" {
		o.AcceptLanguage = d.AcceptLanguage
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.Retries <= 0 {
		o.Retries = d.Retries
	}
	if o.MaxDelay < o.MinDelay {
		o.MaxDelay = o.MinDelay
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		opts:   o,
		http:   &http.Client{Timeout: o.Timeout, Jar: jar},
		logger: logger,
	}, nil
}

// UserAgent returns the configured user agent string.
func (c *Client) UserAgent() string {
	return c.opts.UserAgent
}

// Get fetches url and returns the body. Every attempt is preceded by a
// random pause between MinDelay and MaxDelay.
func (c *Client) Get(ctx context.Context, url string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.Retries; attempt++ {
		if attempt > 1 {
			metrics.FetchRetries.Inc()
		}
		if err := c.pause(ctx); err != nil {
			return "", err
		}

		body, err := c.once(ctx, url)
		if err == nil {
			return c.maybeRender(ctx, url, body), nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		c.logger.Debug("fetch attempt failed", "url", url, "attempt", attempt, "error", err)
	}
	return "", &FetchError{URL: url, Attempts: c.opts.Retries, Err: lastErr}
}

// GetJSON fetches url and decodes the body into v.
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	body, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("decoding %s: %w", url, err)
	}
	return nil
}

func (c *Client) once(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", c.opts.AcceptLanguage)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return "", &StatusError{URL: url, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return string(body), nil
}

// maybeRender swaps a challenge page for a browser rendering when the
// browser fallback is enabled and succeeds.
func (c *Client) maybeRender(ctx context.Context, url, body string) string {
	if !c.opts.Browser {
		return body
	}
	blocked, reason := IsBlockedResponse(body)
	if !blocked {
		return body
	}

	c.logger.Info("challenge page, rendering with browser", "url", url, "reason", reason)
	html, err := Render(ctx, url, c.opts)
	if err != nil {
		c.logger.Warn("browser fallback failed", "url", url, "error", err)
		return body
	}
	return html
}

func (c *Client) pause(ctx context.Context) error {
	d := c.opts.MinDelay
	if spread := c.opts.MaxDelay - c.opts.MinDelay; spread > 0 {
		d += rand.N(spread)
	}
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

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}

// IsBlockedResponse checks if the HTML indicates a blocked/challenged page.
func IsBlockedResponse(html string) (bool, string) {
	if contains(html, "Just a moment...") {
		return true, "Cloudflare challenge"
	}
	if contains(html, "Checking your browser") {
		return true, "Cloudflare challenge"
	}
	if contains(html, "cf-browser-verification") || contains(html, "cf-chl-") {
		return true, "Cloudflare challenge"
	}
	if contains(html, "recaptcha") && len(html) < 10000 {
		return true, "reCAPTCHA challenge"
	}
	// DataDome bot protection
	if contains(html, "captcha-delivery.com") || contains(html, "DataDome") {
		return true, "DataDome bot protection"
	}
	if contains(html, "akam/") && len(html) < 5000 {
		return true, "Akamai bot protection"
	}
	if contains(html, "perimeterx") || contains(html, "px-captcha") {
		return true, "PerimeterX bot protection"
	}
	return false, ""
}
