// Command ruletest runs the extraction rules for one page type over a saved
// page or a live URL and reports what each strategy produced. Scores are
// updated on a scratch copy of the rule directory, never the real one.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"animeheal/fetcher"
	"animeheal/rules"
	"animeheal/sites/goyabu"
)

var (
	target   = flag.String("target", string(rules.ListPage), "page type: anime_list, anime_page or episode_page")
	file     = flag.String("file", "", "saved page to test (- for stdin)")
	pageURL  = flag.String("url", "", "page address; fetched when -file is not given")
	rulesDir = flag.String("rules", "rules", "rule directory to copy strategies from")
	limit    = flag.Int("n", 5, "sample items to show")
	verbose  = flag.Bool("v", false, "Verbose output")
)

func main() {
	flag.Parse()

	if *file == "" && *pageURL == "" {
		fmt.Fprintln(os.Stderr, "usage: ruletest -target <type> (-file page.html | -url <address>)")
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(context.Background(), os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, w io.Writer, logger *slog.Logger) error {
	markup, err := readPage(ctx, logger)
	if err != nil {
		return err
	}

	scratch, err := os.MkdirTemp("", "ruletest-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)
	if err := copyRules(*rulesDir, scratch); err != nil {
		return err
	}

	store, err := rules.NewStore(scratch, rules.WithSeeds(goyabu.Seeds()), rules.WithStoreLogger(logger))
	if err != nil {
		return err
	}

	u := *pageURL
	if u == "" {
		u = goyabu.BaseURL + "/"
	}
	return report(w, store, rules.Target(*target), u, markup, logger)
}

func report(w io.Writer, store *rules.Store, t rules.Target, u, markup string, logger *slog.Logger) error {
	strategies, err := store.Strategies(t)
	if err != nil {
		return fmt.Errorf("loading %s: %w", t, err)
	}
	fmt.Fprintf(w, "%s: %d strategies, %d bytes of markup\n", t, len(strategies), len(markup))

	page, err := rules.NewPage(u, markup)
	if err != nil {
		return err
	}
	for _, st := range strategies {
		res, err := rules.Apply(page, st)
		mark := "✓"
		if err != nil || len(res.Items) == 0 {
			mark = "✗"
		}
		fmt.Fprintf(w, "  %s %-28s %.3f  %d raw items  %s\n", mark, st.Name, st.Score, len(res.Items), st.Describe())
		if err != nil {
			fmt.Fprintf(w, "      error: %v\n", err)
		}
	}

	s := goyabu.New(nil, store, nil, goyabu.WithBaseURL(baseOf(u)), goyabu.WithLogger(logger))
	ex, bad, err := s.Check(t, u, markup)
	if err != nil {
		return err
	}

	if bad {
		fmt.Fprintf(w, "\n✗ broken: %d items after %d strategies, the learner would be asked\n", len(ex.Items), ex.Tried)
	} else {
		fmt.Fprintf(w, "\n✓ %s produced %d items\n", ex.Strategy, len(ex.Items))
	}

	for i, item := range ex.Items {
		if i >= *limit {
			fmt.Fprintf(w, "  ... %d more\n", len(ex.Items)-i)
			break
		}
		fmt.Fprintf(w, "  %d. %s\n", i+1, formatItem(item))
	}
	return nil
}

func formatItem(item rules.Item) string {
	keys := make([]string, 0, len(item))
	for k := range item {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := item[k]
		if len(v) > 60 {
			v = v[:57] + "..."
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}

func readPage(ctx context.Context, logger *slog.Logger) (string, error) {
	switch {
	case *file == "-":
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	case *file != "":
		b, err := os.ReadFile(*file)
		return string(b), err
	}

	f, err := fetcher.New(fetcher.Options{Timeout: 30 * time.Second, Retries: 1, Logger: logger})
	if err != nil {
		return "", err
	}
	return f.Get(ctx, *pageURL)
}

// copyRules copies the rule files of src into dst. A missing src leaves dst
// empty, so only the built-in strategies are tried.
func copyRules(src, dst string) error {
	entries, err := os.ReadDir(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(src, e.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dst, e.Name()), b, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func baseOf(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		if j := strings.Index(u[i+3:], "/"); j >= 0 {
			return u[:i+3+j]
		}
	}
	return u
}
