// Package goyabu scrapes the goyabu anime catalogue: the paginated anime
// list, each anime's episode list and each episode's players. Extraction
// runs through the rule executor; broken pages are repaired inline by the
// rule learner when one is configured and reported to the error dashboard
// when they stay broken.
package goyabu

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"

	"animeheal/catalog"
	"animeheal/dashboard"
	"animeheal/detector"
	"animeheal/policy"
	"animeheal/rules"
	"animeheal/sites"
	"animeheal/validate"
)

// BaseURL is the site root.
const BaseURL = "https://goyabu.io"

// StageCatalog is the dashboard stage of catalog lookups.
const StageCatalog = "catalog"

// ErrBroken is the cause recorded when a page was fetched but yielded
// nothing usable, even after learning.
var ErrBroken = errors.New("extraction found nothing usable")

//go:embed rules/*.yaml
var seeds embed.FS

// Seeds returns the hand-written strategies for the site's pages, laid out
// as <target>.yaml for rules.WithSeeds.
func Seeds() fs.FS {
	sub, err := fs.Sub(seeds, "rules")
	if err != nil {
		panic(err)
	}
	return sub
}

// Fetcher downloads pages.
type Fetcher interface {
	Get(ctx context.Context, url string) (string, error)
}

// Learner repairs strategies for a broken page.
type Learner interface {
	Learn(ctx context.Context, lc rules.LearnContext) (rules.Outcome, error)
}

// Catalog looks anime up by title.
type Catalog interface {
	Search(ctx context.Context, title string) (*catalog.Media, error)
}

// Resolver turns a player link into playable streams.
type Resolver interface {
	Resolve(ctx context.Context, url string) ([]sites.Stream, string, error)
}

// Anime is one entry of the output catalogue.
type Anime struct {
	Title    string         `json:"title"`
	Kind     string         `json:"kind"`
	Rating   string         `json:"rating"`
	URL      string         `json:"url"`
	Episodes []Episode      `json:"episodes"`
	Catalog  *catalog.Media `json:"catalog,omitempty"`
}

// Complete reports whether the entry has its episodes.
func (a *Anime) Complete() bool {
	return len(a.Episodes) > 0
}

// Episode is one episode with its players.
type Episode struct {
	Number  int      `json:"number"`
	Title   string   `json:"title"`
	URL     string   `json:"url"`
	Audio   string   `json:"audio,omitempty"`
	Players []Player `json:"players"`
}

// Player is a player link and, when a resolver knew it, its streams.
type Player struct {
	Source   string         `json:"source"`
	Resolver string         `json:"resolver,omitempty"`
	Streams  []sites.Stream `json:"streams,omitempty"`
}

// Scraper scrapes the site.
type Scraper struct {
	base     string
	fetch    Fetcher
	exec     *rules.Executor
	learner  Learner
	dash     *dashboard.Dashboard
	catalog  Catalog
	resolver Resolver
	output   string
	logger   *slog.Logger
}

// Option configures a Scraper.
type Option func(*Scraper)

// WithBaseURL points the scraper at another host.
func WithBaseURL(url string) Option {
	return func(s *Scraper) { s.base = url }
}

// WithLearner enables inline repair of broken pages.
func WithLearner(l Learner) Option {
	return func(s *Scraper) { s.learner = l }
}

// WithCatalog enables catalog enrichment.
func WithCatalog(c Catalog) Option {
	return func(s *Scraper) { s.catalog = c }
}

// WithResolver enables stream resolution for players.
func WithResolver(r Resolver) Option {
	return func(s *Scraper) { s.resolver = r }
}

// WithOutput sets the catalogue file written by Run.
func WithOutput(path string) Option {
	return func(s *Scraper) { s.output = path }
}

// WithLogger sets the scraper's logger.
func WithLogger(lg *slog.Logger) Option {
	return func(s *Scraper) { s.logger = lg }
}

// New creates a scraper reading strategies from store and reporting
// failures to dash.
func New(fetch Fetcher, store *rules.Store, dash *dashboard.Dashboard, opts ...Option) *Scraper {
	s := &Scraper{
		base:   BaseURL,
		fetch:  fetch,
		dash:   dash,
		output: "output/animes.json",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.exec = rules.NewExecutor(store, rules.WithNormalizer(s), rules.WithExecutorLogger(s.logger))
	return s
}

// ListURL returns the address of a list page.
func (s *Scraper) ListURL(page int) string {
	return fmt.Sprintf("%s/lista-de-animes/page/%d?l=todos&pg=%d", s.base, page, page)
}

// ListPage returns the anime on one list page. An empty page that no
// strategy could repair is reported as SELECTOR_FAILED.
func (s *Scraper) ListPage(ctx context.Context, page int) ([]Anime, error) {
	return s.list(ctx, s.ListURL(page))
}

func (s *Scraper) list(ctx context.Context, url string) ([]Anime, error) {
	items, err := s.extract(ctx, rules.ListPage, url, "", policy.SelectorFailed)
	if err != nil {
		return nil, err
	}
	if err := s.fixed(url); err != nil {
		return nil, err
	}

	out := make([]Anime, 0, len(items))
	for _, it := range items {
		out = append(out, Anime{
			Title:  it["title"],
			Kind:   it["kind"],
			Rating: it["rating"],
			URL:    it["link"],
		})
	}
	return out, nil
}

// Episodes returns an anime's episodes ordered by number. A successful
// listing closes the dashboard records for url.
func (s *Scraper) Episodes(ctx context.Context, url, anime string) ([]Episode, error) {
	items, err := s.extract(ctx, rules.DetailPage, url, anime, policy.EpisodesNotFound)
	if err != nil {
		return nil, err
	}
	if err := s.fixed(url); err != nil {
		return nil, err
	}

	eps := make([]Episode, 0, len(items))
	for _, it := range items {
		n, _ := strconv.Atoi(it["episode"])
		eps = append(eps, Episode{
			Number: n,
			Title:  it["title"],
			URL:    it["link"],
			Audio:  it["audio"],
		})
	}
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Number < eps[j].Number })
	return eps, nil
}

// Players returns the players of an episode page, resolved to streams
// where a resolver matches.
func (s *Scraper) Players(ctx context.Context, url, anime string) ([]Player, error) {
	items, err := s.extract(ctx, rules.PlayerPage, url, anime, policy.StructureChanged)
	if err != nil {
		return nil, err
	}
	if err := s.fixed(url); err != nil {
		return nil, err
	}

	var out []Player
	for _, it := range items {
		src := it["player"]
		if !validate.PlayerURL(src) {
			continue
		}
		p := Player{Source: src}
		if s.resolver != nil {
			streams, name, err := s.resolver.Resolve(ctx, src)
			switch {
			case err == nil:
				p.Resolver, p.Streams = name, streams
			case errors.Is(err, sites.ErrNoResolver):
			default:
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.logger.Warn("player not resolved", "url", src, "error", err)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// Enrich looks title up in the catalog, preferring a title the learner
// mapped for url. A failed lookup is reported as CATALOG_FAILURE and a
// missing one as ANIME_NOT_FOUND.
func (s *Scraper) Enrich(ctx context.Context, title, url string) (*catalog.Media, error) {
	if s.catalog == nil {
		return nil, nil
	}
	if mapped := s.dash.MappedTitle(url); mapped != "" {
		s.logger.Debug("using mapped title", "title", title, "mapped", mapped)
		title = mapped
	}

	m, err := s.catalog.Search(ctx, title)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, s.record(policy.CatalogFailure, StageCatalog, url, title, "", err)
	}
	if m == nil {
		return nil, s.record(policy.AnimeNotFound, StageCatalog, url, title, "", errors.New("no catalog entry matches the title"))
	}
	return m, nil
}

// extract fetches pageURL and runs target's strategies over it. A broken
// result triggers one inline learn and re-extraction; a result still broken
// after that is reported as brk. A rule store the learner cannot write is
// returned as is and stops the run.
func (s *Scraper) extract(ctx context.Context, target rules.Target, pageURL, anime string, brk policy.Kind) ([]rules.Item, error) {
	markup, err := s.fetch.Get(ctx, pageURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, s.record(policy.Classify(err), string(target), pageURL, anime, "", err)
	}

	ex, bad, err := s.Check(target, pageURL, markup)
	if err != nil {
		return nil, err
	}
	if !bad {
		return ex.Items, nil
	}

	if s.learner != nil {
		s.logger.Info("page broken, learning", "target", target, "url", pageURL, "tried", ex.Tried)
		out, err := s.learner.Learn(ctx, rules.LearnContext{
			Anime:     anime,
			URL:       pageURL,
			Stage:     string(target),
			ErrorType: string(brk),
			Markup:    markup,
			Attempts:  1,
		})
		if errors.Is(err, rules.ErrPersistence) {
			return nil, err
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("learning failed", "target", target, "url", pageURL, "reason", rules.Reason(err))
		} else {
			s.logger.Info("strategy learned", "target", target, "status", out.Status)
			if ex, bad, err = s.Check(target, pageURL, markup); err != nil {
				return nil, err
			}
			if !bad {
				return ex.Items, nil
			}
		}
	}

	return nil, s.record(brk, string(target), pageURL, anime, markup, ErrBroken)
}

// Check runs target's strategies over markup already in hand and reports
// whether the result counts as broken.
func (s *Scraper) Check(target rules.Target, pageURL, markup string) (rules.Extraction, bool, error) {
	ex, err := s.exec.Extract(target, pageURL, markup)
	if err != nil {
		return ex, false, err
	}
	return ex, broken(target, ex.Items), nil
}

func broken(target rules.Target, items []rules.Item) bool {
	if target != rules.PlayerPage {
		return detector.ShouldTriggerAI(target, items)
	}
	for _, it := range items {
		if validate.PlayerURL(it["player"]) {
			return detector.ShouldTriggerAI(target, it["player"])
		}
	}
	return true
}

// record logs a failure to the dashboard and returns it as a *policy.Error.
// Failing to write the dashboard is returned as is.
func (s *Scraper) record(kind policy.Kind, stage, url, anime, markup string, cause error) error {
	if _, err := s.dash.Log(dashboard.Entry{
		Kind:    kind,
		URL:     url,
		Anime:   anime,
		Stage:   stage,
		Message: cause.Error(),
		HTML:    markup,
	}); err != nil {
		return fmt.Errorf("recording %s: %w", kind, err)
	}
	s.logger.Warn("scrape failure", "type", kind, "stage", stage, "url", url, "anime", anime, "error", cause)

	pe := policy.Errorf(kind, stage, url, cause)
	pe.Anime = anime
	return pe
}

func (s *Scraper) fixed(url string) error {
	if s.dash.MarkFixed(url) == 0 {
		return nil
	}
	if err := s.dash.Save(); err != nil {
		return fmt.Errorf("saving dashboard: %w", err)
	}
	return nil
}

// Recoverable reports whether err is a reported scrape failure the run can
// continue past, rather than a dashboard, rule store or context error.
func Recoverable(err error) bool {
	var pe *policy.Error
	return errors.As(err, &pe)
}
