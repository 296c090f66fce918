// Package catalog looks anime up in the AniList GraphQL API.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"animeheal/metrics"
)

// DefaultEndpoint is the public AniList API.
const DefaultEndpoint = "https://graphql.anilist.co"

// Default lookup tuning.
const (
	DefaultRetries   = 10
	DefaultBaseDelay = 2 * time.Second
	DefaultMaxDelay  = 64 * time.Second
	DefaultMinRatio  = 0.6
)

// ErrUnavailable is returned when the catalog could not be reached after
// every retry, or answered with an unexpected status.
var ErrUnavailable = errors.New("catalog unavailable")

// StatusError is a non-retryable HTTP status from the catalog.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("catalog returned HTTP %d", e.Code)
}

// StatusCode returns the response status.
func (e *StatusError) StatusCode() int {
	return e.Code
}

// Title is a media title in its three AniList spellings.
type Title struct {
	Romaji  string `json:"romaji"`
	English string `json:"english,omitempty"`
	Native  string `json:"native,omitempty"`
}

// Trailer points at a promotional video.
type Trailer struct {
	Site string `json:"site"`
	ID   string `json:"id"`
}

// Link is an external site entry.
type Link struct {
	Site string `json:"site"`
	URL  string `json:"url"`
}

// Media is the subset of an AniList media entry the scraper records.
type Media struct {
	ID            int      `json:"id"`
	Title         Title    `json:"title"`
	Synonyms      []string `json:"synonyms,omitempty"`
	Description   string   `json:"description,omitempty"`
	Episodes      int      `json:"episodes,omitempty"`
	Duration      int      `json:"duration,omitempty"`
	Genres        []string `json:"genres,omitempty"`
	Season        string   `json:"season,omitempty"`
	SeasonYear    int      `json:"seasonYear,omitempty"`
	Format        string   `json:"format,omitempty"`
	Status        string   `json:"status,omitempty"`
	AverageScore  int      `json:"averageScore,omitempty"`
	Popularity    int      `json:"popularity,omitempty"`
	Favourites    int      `json:"favourites,omitempty"`
	CoverImage    string   `json:"coverImage,omitempty"`
	BannerImage   string   `json:"bannerImage,omitempty"`
	Studios       []string `json:"studios,omitempty"`
	Trailer       *Trailer `json:"trailer,omitempty"`
	ExternalLinks []Link   `json:"externalLinks,omitempty"`
	SiteURL       string   `json:"siteUrl,omitempty"`
}

// Names returns every title and synonym of m.
func (m *Media) Names() []string {
	var out []string
	for _, s := range []string{m.Title.Romaji, m.Title.English, m.Title.Native} {
		if s != "" {
			out = append(out, s)
		}
	}
	return append(out, m.Synonyms...)
}

const mediaFields = `
	id
	title { romaji english native }
	synonyms
	description
	episodes
	duration
	genres
	season
	seasonYear
	format
	status
	averageScore
	popularity
	favourites
	coverImage { large }
	bannerImage
	studios(isMain: true) { nodes { name } }
	trailer { site id }
	externalLinks { site url }
	siteUrl
`

var (
	searchQuery = `query ($search: String) { Media(search: $search, type: ANIME) {` + mediaFields + `} }`
	byIDQuery   = `query ($id: Int) { Media(id: $id, type: ANIME) {` + mediaFields + `} }`
)

// wireMedia mirrors the GraphQL response shape.
type wireMedia struct {
	Media
	CoverImage struct {
		Large string `json:"large"`
	} `json:"coverImage"`
	Studios struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	} `json:"studios"`
	Description *string `json:"description"`
	BannerImage *string `json:"bannerImage"`
}

func (w *wireMedia) media() *Media {
	m := w.Media
	m.CoverImage = w.CoverImage.Large
	for _, n := range w.Studios.Nodes {
		m.Studios = append(m.Studios, n.Name)
	}
	if w.Description != nil {
		m.Description = *w.Description
	}
	if w.BannerImage != nil {
		m.BannerImage = *w.BannerImage
	}
	return &m
}

type gqlResponse struct {
	Data struct {
		Media *wireMedia `json:"Media"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
		Status  int    `json:"status"`
	} `json:"errors"`
}

// Client queries the catalog.
type Client struct {
	endpoint  string
	http      *http.Client
	cache     *Cache
	retries   int
	baseDelay time.Duration
	maxDelay  time.Duration
	minRatio  float64
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint points the client at another GraphQL endpoint.
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCache enables the lookup cache.
func WithCache(cache *Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithBackoff sets the retry count and the exponential delay bounds.
func WithBackoff(retries int, base, ceiling time.Duration) Option {
	return func(c *Client) {
		c.retries = retries
		c.baseDelay = base
		c.maxDelay = ceiling
	}
}

// WithMinRatio sets the similarity a result needs to count as a match.
func WithMinRatio(r float64) Option {
	return func(c *Client) { c.minRatio = r }
}

// WithLogger sets the client's logger.
func WithLogger(lg *slog.Logger) Option {
	return func(c *Client) { c.logger = lg }
}

// New creates a catalog client.
func New(opts ...Option) *Client {
	c := &Client{
		endpoint:  DefaultEndpoint,
		http:      &http.Client{Timeout: 30 * time.Second},
		retries:   DefaultRetries,
		baseDelay: DefaultBaseDelay,
		maxDelay:  DefaultMaxDelay,
		minRatio:  DefaultMinRatio,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retries < 1 {
		c.retries = 1
	}
	return c
}

// Search finds the media best matching title. It returns nil, nil when no
// variant of the title yields a close enough match.
func (c *Client) Search(ctx context.Context, title string) (*Media, error) {
	query := NormalizeTitle(title)
	if query == "" {
		return nil, nil
	}

	if c.cache != nil {
		if m, err := c.cache.Get("search:" + strings.ToLower(query)); err != nil {
			c.logger.Warn("catalog cache read failed", "error", err)
		} else if m != nil {
			return m, nil
		}
	}

	variants := Variants(query)
	results := make([]*Media, len(variants))

	g, gctx := errgroup.WithContext(ctx)
	for i, v := range variants {
		g.Go(func() error {
			m, err := c.query(gctx, searchQuery, map[string]any{"search": v})
			if err != nil {
				return err
			}
			results[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, m := range results {
		if m == nil {
			continue
		}
		score := c.bestRatio(query, m)
		if score < c.minRatio {
			c.logger.Debug("catalog result too far from title", "title", query, "variant", variants[i], "match", m.Title.Romaji, "ratio", score)
			continue
		}
		c.store("search:"+strings.ToLower(query), m)
		return m, nil
	}
	return nil, nil
}

// ByID fetches a media entry by its AniList ID. It returns nil, nil when
// the ID does not exist.
func (c *Client) ByID(ctx context.Context, id int) (*Media, error) {
	key := "id:" + strconv.Itoa(id)
	if c.cache != nil {
		if m, err := c.cache.Get(key); err == nil && m != nil {
			return m, nil
		}
	}

	m, err := c.query(ctx, byIDQuery, map[string]any{"id": id})
	if err != nil || m == nil {
		return m, err
	}
	c.store(key, m)
	return m, nil
}

func (c *Client) bestRatio(query string, m *Media) float64 {
	q := strings.ToLower(query)
	best := 0.0
	for _, name := range m.Names() {
		if r := Ratio(q, strings.ToLower(NormalizeTitle(name))); r > best {
			best = r
		}
	}
	return best
}

func (c *Client) store(key string, m *Media) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Put(key, m); err != nil {
		c.logger.Warn("catalog cache write failed", "error", err)
	}
}

// query posts one GraphQL request, retrying rate limits, server errors and
// network failures with exponential backoff. A 404 means no such media.
func (c *Client) query(ctx context.Context, query string, vars map[string]any) (*Media, error) {
	body, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			if err := c.wait(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		m, retry, err := c.post(ctx, body)
		if err == nil {
			return m, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retry {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		lastErr = err
		c.logger.Info("catalog request failed, retrying", "attempt", attempt+1, "of", c.retries, "error", err)
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrUnavailable, c.retries, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte) (*Media, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.CatalogRequests.WithLabelValues("error").Inc()
		return nil, true, err
	}
	defer resp.Body.Close()
	metrics.CatalogRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, false, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, true, &StatusError{Code: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return nil, false, &StatusError{Code: resp.StatusCode}
	}

	var out gqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("decoding response: %w", err)
	}
	if out.Data.Media == nil {
		if len(out.Errors) > 0 && out.Errors[0].Status != http.StatusNotFound {
			return nil, false, fmt.Errorf("graphql: %s", out.Errors[0].Message)
		}
		return nil, false, nil
	}
	return out.Data.Media.media(), false, nil
}

func (c *Client) wait(ctx context.Context, attempt int) error {
	d := c.baseDelay << attempt
	if d > c.maxDelay || d <= 0 {
		d = c.maxDelay
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
