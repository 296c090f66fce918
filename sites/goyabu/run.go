package goyabu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"animeheal/dashboard"
	"animeheal/rules"
)

// RunSummary counts what a scrape pass did.
type RunSummary struct {
	Pages    int
	Anime    int
	Kept     int // complete entries carried over from the previous output
	Complete int
	Failures int
}

// Run scrapes list pages from the first until one comes back empty or
// maxPages is reached (0 means no limit), writing the catalogue after every
// page. Complete entries already in the catalogue are kept without
// scraping them again. Reported failures are counted and skipped; any
// other error stops the run.
func (s *Scraper) Run(ctx context.Context, maxPages int) (RunSummary, error) {
	var sum RunSummary

	previous, err := s.LoadOutput()
	if err != nil {
		s.logger.Warn("ignoring unreadable catalogue", "path", s.output, "error", err)
	}
	kept := make(map[string]Anime, len(previous))
	for _, a := range previous {
		if a.Complete() {
			kept[a.URL] = a
		}
	}

	var result []Anime
	for page := 1; maxPages <= 0 || page <= maxPages; page++ {
		s.logger.Info("scraping list page", "page", page)
		animes, err := s.ListPage(ctx, page)
		if err != nil {
			if Recoverable(err) {
				sum.Failures++
				break
			}
			return sum, err
		}
		if len(animes) == 0 {
			break
		}
		sum.Pages++

		for _, a := range animes {
			if old, ok := kept[a.URL]; ok {
				result = append(result, old)
				sum.Kept++
				continue
			}

			full, err := s.scrapeAnime(ctx, a, &sum)
			if err != nil {
				return sum, err
			}
			result = append(result, full)
			sum.Anime++
			if full.Complete() {
				sum.Complete++
			}
		}

		if err := s.WriteOutput(result); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (s *Scraper) scrapeAnime(ctx context.Context, a Anime, sum *RunSummary) (Anime, error) {
	s.logger.Info("scraping anime", "title", a.Title, "url", a.URL)

	m, err := s.Enrich(ctx, a.Title, a.URL)
	switch {
	case err == nil:
		a.Catalog = m
	case Recoverable(err):
		sum.Failures++
	default:
		return a, err
	}

	eps, err := s.Episodes(ctx, a.URL, a.Title)
	switch {
	case err == nil:
	case Recoverable(err):
		sum.Failures++
		return a, nil
	default:
		return a, err
	}

	for i := range eps {
		players, err := s.Players(ctx, eps[i].URL, a.Title)
		switch {
		case err == nil:
			eps[i].Players = players
		case Recoverable(err):
			sum.Failures++
		default:
			return a, err
		}
	}
	a.Episodes = eps
	return a, nil
}

// RetryPending re-runs the stage of every dashboard record the auto-fixer
// flagged for retry. Records whose stage succeeds are closed; the rest
// lose their flag and wait for the next auto-fix pass. It returns how many
// were fixed.
func (s *Scraper) RetryPending(ctx context.Context) (int, error) {
	fixed := 0
	for _, r := range s.dash.Pending() {
		err := s.retry(ctx, r)
		switch {
		case err == nil:
			if err := s.dash.Fix(r.ID); err != nil {
				return fixed, err
			}
			fixed++
			s.logger.Info("pending record fixed", "id", r.ID, "stage", r.Stage, "url", r.URL)
		case Recoverable(err):
			if err := s.dash.ClearPending(r.ID); err != nil {
				return fixed, err
			}
		default:
			return fixed, err
		}
	}
	if err := s.dash.Save(); err != nil {
		return fixed, fmt.Errorf("saving dashboard: %w", err)
	}
	return fixed, nil
}

func (s *Scraper) retry(ctx context.Context, r dashboard.Record) error {
	var err error
	switch r.Stage {
	case string(rules.ListPage):
		_, err = s.list(ctx, r.URL)
	case string(rules.DetailPage):
		_, err = s.Episodes(ctx, r.URL, r.Anime)
	case string(rules.PlayerPage):
		_, err = s.Players(ctx, r.URL, r.Anime)
	case StageCatalog, rules.StageTitle:
		_, err = s.Enrich(ctx, r.Anime, r.URL)
	default:
		s.logger.Debug("no retry for stage", "id", r.ID, "stage", r.Stage)
		return nil
	}
	return err
}

// LoadOutput reads the catalogue file. A missing file is an empty
// catalogue.
func (s *Scraper) LoadOutput() ([]Anime, error) {
	data, err := os.ReadFile(s.output)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Anime
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.output, err)
	}
	return out, nil
}

// WriteOutput replaces the catalogue file atomically.
func (s *Scraper) WriteOutput(animes []Anime) error {
	if animes == nil {
		animes = []Anime{}
	}
	data, err := json.MarshalIndent(animes, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.output)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".animes-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.output); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", s.output, err)
	}
	return nil
}
