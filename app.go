package main

import (
	"fmt"
	"log/slog"
	"time"

	"animeheal/autofix"
	"animeheal/catalog"
	"animeheal/config"
	"animeheal/dashboard"
	"animeheal/fetcher"
	"animeheal/llm"
	"animeheal/policy"
	"animeheal/rules"
	"animeheal/sites"
	"animeheal/sites/goyabu"
)

// app holds the components a command works with.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *rules.Store
	dash    *dashboard.Dashboard
	pool    *llm.Pool
	learner *rules.Learner
	cache   *catalog.Cache
}

func newApp(c *config.Config, lg *slog.Logger) (*app, error) {
	store, err := rules.NewStore(c.Rules.Dir, rules.WithSeeds(goyabu.Seeds()), rules.WithStoreLogger(lg))
	if err != nil {
		return nil, fmt.Errorf("opening rule store: %w", err)
	}
	dash, err := dashboard.Open(c.Dashboard.Dir)
	if err != nil {
		return nil, fmt.Errorf("opening dashboard: %w", err)
	}

	pool := newPool(c.Oracle, lg)
	learner := rules.NewLearner(pool, store,
		rules.WithThresholds(rules.Thresholds{
			Structural:      c.Learner.StructuralConfidence,
			Title:           c.Learner.TitleConfidence,
			MinLearnedScore: c.Learner.MinLearnedScore,
		}),
		rules.WithLearnerLogger(lg),
	)

	return &app{cfg: c, logger: lg, store: store, dash: dash, pool: pool, learner: learner}, nil
}

// newPool builds the oracle pool: one Gemini member per key and model,
// then the Anthropic API, then the local claude CLI.
func newPool(o config.Oracle, lg *slog.Logger) *llm.Pool {
	var members []llm.Provider
	for _, key := range o.GeminiKeys {
		for _, model := range o.GeminiModels {
			members = append(members, llm.NewGemini(key, model))
		}
	}
	if o.AnthropicKey != "" {
		members = append(members, llm.NewClaudeAPI(o.AnthropicKey).WithModel(o.ClaudeModel))
	}
	if o.ClaudeCode {
		members = append(members, llm.NewClaudeCode())
	}
	return llm.NewPool(members,
		llm.WithCooldown(o.Cooldown()),
		llm.WithMaxAttempts(o.MaxAttempts),
		llm.WithPoolLogger(lg),
	)
}

func (a *app) policy() policy.Policy {
	return policy.Policy{
		MaxRetries:    a.cfg.Policy.MaxRetries,
		MaxAIAttempts: a.cfg.Policy.MaxAIAttempts,
	}
}

func (a *app) orchestrator(opts ...autofix.Option) *autofix.Orchestrator {
	base := []autofix.Option{
		autofix.WithPolicy(a.policy()),
		autofix.WithMaxAttempts(a.cfg.Policy.AutofixMaxAttempts),
		autofix.WithCooldown(a.cfg.Policy.Cooldown()),
		autofix.WithLogger(a.logger),
	}
	return autofix.New(a.dash, a.learner, append(base, opts...)...)
}

// scraper wires the fetcher, catalog and resolvers into a site scraper.
// The learner is attached only when some oracle is reachable.
func (a *app) scraper() (*goyabu.Scraper, error) {
	f := a.cfg.Fetcher
	minDelay, maxDelay := f.Delays()
	fetch, err := fetcher.New(fetcher.Options{
		UserAgent:      f.UserAgent,
		AcceptLanguage: f.AcceptLanguage,
		Timeout:        f.Timeout(),
		Retries:        f.Retries,
		MinDelay:       minDelay,
		MaxDelay:       maxDelay,
		Browser:        f.Browser,
		ChromePath:     f.ChromePath,
		Logger:         a.logger,
	})
	if err != nil {
		return nil, err
	}

	var resolvers sites.Registry
	resolvers.Register(sites.NewBlogger(fetch))
	resolvers.Register(sites.GoogleVideo{})

	cat, err := a.catalog()
	if err != nil {
		return nil, err
	}

	opts := []goyabu.Option{
		goyabu.WithBaseURL(a.cfg.Site.BaseURL),
		goyabu.WithOutput(a.cfg.Site.Output),
		goyabu.WithCatalog(cat),
		goyabu.WithResolver(&resolvers),
		goyabu.WithLogger(a.logger),
	}
	if a.pool.Available() {
		opts = append(opts, goyabu.WithLearner(a.learner))
	} else {
		a.logger.Warn("no oracle available, broken pages will only be reported")
	}
	return goyabu.New(fetch, a.store, a.dash, opts...), nil
}

// catalog builds the metadata client, backed by the response cache when
// one is configured.
func (a *app) catalog() (*catalog.Client, error) {
	opts := []catalog.Option{
		catalog.WithEndpoint(a.cfg.Catalog.Endpoint),
		catalog.WithBackoff(a.cfg.Catalog.Retries, catalog.DefaultBaseDelay, catalog.DefaultMaxDelay),
		catalog.WithMinRatio(a.cfg.Catalog.MinRatio),
		catalog.WithLogger(a.logger),
	}
	if dir := a.cfg.Catalog.CacheDir; dir != "" && a.cache == nil {
		cache, err := catalog.OpenCache(dir, a.cfg.Catalog.CacheTTL())
		if err != nil {
			return nil, fmt.Errorf("opening catalog cache: %w", err)
		}
		a.cache = cache
	}
	if a.cache != nil {
		opts = append(opts, catalog.WithCache(a.cache))
	}
	return catalog.New(opts...), nil
}

func (a *app) Close() error {
	if a.cache != nil {
		return a.cache.Close()
	}
	return nil
}

func formatAge(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Round(time.Second).String()
}
