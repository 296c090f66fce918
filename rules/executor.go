package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"animeheal/metrics"
	"animeheal/validate"
)

// Score adjustments applied after each strategy attempt.
const (
	HitDelta  = 0.05
	MissDelta = -0.05
)

// Normalizer rewrites raw items into the canonical field set for a target.
// Returning false drops the item.
type Normalizer interface {
	Normalize(target Target, item Item) (Item, bool)
}

// NormalizerFunc adapts a function to Normalizer.
type NormalizerFunc func(target Target, item Item) (Item, bool)

// Normalize calls f.
func (f NormalizerFunc) Normalize(target Target, item Item) (Item, bool) {
	return f(target, item)
}

// Extraction is the outcome of running a target's strategies over a page.
type Extraction struct {
	Items     []Item
	Strategy  string // name of the strategy that produced Items
	FieldHits map[string]int
	Tried     int
}

// Executor tries a target's strategies in stored order and adjusts their
// scores by outcome.
type Executor struct {
	store      *Store
	normalizer Normalizer
	logger     *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithNormalizer sets the site-specific item normalizer.
func WithNormalizer(n Normalizer) ExecutorOption {
	return func(e *Executor) { e.normalizer = n }
}

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor backed by store.
func NewExecutor(store *Store, opts ...ExecutorOption) *Executor {
	e := &Executor{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract parses markup fetched from pageURL and returns the items of the
// first strategy that yields any. A target with no rule file yields an empty
// extraction. Failing to persist a score change is returned as an error.
func (e *Executor) Extract(target Target, pageURL, markup string) (Extraction, error) {
	strategies, err := e.store.Strategies(target)
	if errors.Is(err, ErrNotFound) {
		return Extraction{}, nil
	}
	if err != nil {
		return Extraction{}, err
	}

	page, err := NewPage(pageURL, markup)
	if err != nil {
		return Extraction{}, err
	}

	var out Extraction
	for _, st := range strategies {
		out.Tried++

		raw, err := Apply(page, st)
		if err != nil {
			e.logger.Warn("strategy failed", "target", target, "strategy", st.Name, "error", err)
		}
		items := e.postProcess(target, page.URL, raw.Items)

		if len(items) > 0 {
			metrics.StrategyOutcomes.WithLabelValues(string(target), "hit").Inc()
			if err := e.store.UpdateScore(target, st.Name, HitDelta); err != nil {
				return Extraction{}, fmt.Errorf("scoring %s: %w", st.Name, err)
			}
			out.Items = items
			out.Strategy = st.Name
			out.FieldHits = raw.FieldHits
			e.logger.Debug("strategy hit", "target", target, "strategy", st.Name, "items", len(items))
			return out, nil
		}

		metrics.StrategyOutcomes.WithLabelValues(string(target), "miss").Inc()
		if err := e.store.UpdateScore(target, st.Name, MissDelta); err != nil {
			return Extraction{}, fmt.Errorf("scoring %s: %w", st.Name, err)
		}
		e.logger.Debug("strategy miss", "target", target, "strategy", st.Name)
	}

	return out, nil
}

// postProcess normalizes, resolves, validates and de-duplicates raw items.
func (e *Executor) postProcess(target Target, pageURL string, raw []Item) []Item {
	base, _ := url.Parse(pageURL)
	seen := make(map[string]bool)
	var out []Item

	for _, item := range raw {
		if e.normalizer != nil {
			var ok bool
			if item, ok = e.normalizer.Normalize(target, item); !ok {
				continue
			}
		}

		if link, ok := item["link"]; ok && base != nil {
			if ref, err := url.Parse(link); err == nil {
				item["link"] = base.ResolveReference(ref).String()
			}
		}

		if !validItem(target, item) {
			continue
		}

		key := dedupeKey(target, item)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}

func validItem(target Target, item Item) bool {
	switch target {
	case ListPage:
		return validate.AnimeItem(item)
	case DetailPage:
		return validate.EpisodeItem(item)
	case PlayerPage:
		return item["player"] != ""
	}
	return len(item) > 0
}

func dedupeKey(target Target, item Item) string {
	if target == PlayerPage {
		return item["player"]
	}
	return item["link"]
}
