package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"animeheal/autofix"
	"animeheal/catalog"
	"animeheal/config"
	"animeheal/dashboard"
	"animeheal/llm"
)

// --- autofix ---

var autofixCmd = &cobra.Command{
	Use:   "autofix",
	Short: "Repair recorded failures with the rule learner",
	Long: `Walk the error dashboard and apply the error policy to every open record:
retry transient failures, ask the oracle for new rules on structural ones.

Transient failures (HTTP 404/503/504, timeouts, catalog outages) are retried
too: each one costs an attempt and a pause of policy.cooldown_seconds (8s by
default), so a dashboard full of them makes a pass slow.

Records fixed by the oracle are flagged for retry; run "animeheal scrape --pending"
afterwards to re-scrape them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.pool.Available() {
			return llm.ErrNoProvider
		}
		_, err = a.orchestrator(autofix.WithOutput(cmd.OutOrStdout())).Run(cmd.Context())
		return err
	},
}

// --- scrape ---

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Scrape the site into the output catalogue",
	RunE: func(cmd *cobra.Command, args []string) error {
		pages, _ := cmd.Flags().GetInt("pages")
		pending, _ := cmd.Flags().GetBool("pending")

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.scraper()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if pending {
			fixed, err := s.RetryPending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d pending records fixed\n", fixed)
			return nil
		}

		if !cmd.Flags().Changed("pages") {
			pages = cfg.Site.MaxPages
		}
		sum, err := s.Run(cmd.Context(), pages)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d pages, %d anime scraped (%d complete), %d kept, %d failures\n",
			sum.Pages, sum.Anime, sum.Complete, sum.Kept, sum.Failures)
		return nil
	},
}

func init() {
	scrapeCmd.Flags().Int("pages", 0, "stop after this many list pages (0 = until empty)")
	scrapeCmd.Flags().Bool("pending", false, "only re-run records the auto-fixer flagged for retry")
}

// --- dashboard ---

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Inspect the error dashboard",
}

var dashboardShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print dashboard statistics and open records",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		dash, err := dashboard.Open(cfg.Dashboard.Dir)
		if err != nil {
			return err
		}
		printDashboard(cmd.OutOrStdout(), dash, all, time.Now())
		return nil
	},
}

var dashboardSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Import failures from the plain-text transcript",
	RunE: func(cmd *cobra.Command, args []string) error {
		dash, err := dashboard.Open(cfg.Dashboard.Dir)
		if err != nil {
			return err
		}
		n, err := dash.ImportTranscript()
		if err != nil {
			return err
		}
		if err := dash.Save(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d records imported from %s\n", n, dash.Transcript())
		return nil
	},
}

func init() {
	dashboardShowCmd.Flags().Bool("all", false, "include fixed records")
	dashboardCmd.AddCommand(dashboardShowCmd)
	dashboardCmd.AddCommand(dashboardSyncCmd)
}

func printDashboard(w io.Writer, dash *dashboard.Dashboard, all bool, now time.Time) {
	st := dash.ComputeStats()
	fmt.Fprintf(w, "%d errors: %d open, %d pending retry, %d fixed\n", st.Total, st.Open, st.PendingRetry, st.Fixed)

	kinds := make([]string, 0, len(st.ByType))
	for k := range st.ByType {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-20s %d\n", k, st.ByType[k])
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nID\tTYPE\tSTAGE\tATTEMPTS\tSTATE\tAGE\tURL")
	for _, r := range dash.Records() {
		if r.Fixed && !all {
			continue
		}
		state := "open"
		switch {
		case r.Fixed:
			state = "fixed"
		case r.PendingRetry:
			state = "pending"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", r.ID, r.Type, r.Stage, r.Attempts, state, formatAge(r.LastUpdate, now), r.URL)
	}
	tw.Flush()
}

// --- rules ---

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect extraction rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every target's strategies in the order they are tried",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		targets, err := a.store.List()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		for _, t := range targets {
			version, err := a.store.Version(t)
			if err != nil {
				return err
			}
			strategies, err := a.store.Strategies(t)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s (v%d)\n", t, version)

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			for _, st := range strategies {
				fmt.Fprintf(tw, "  %s\t%.3f\t%s\t%s\n", st.Name, st.Score, st.Source, st.Describe())
			}
			tw.Flush()
		}
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesListCmd)
}

// --- oracle ---

var oracleCmd = &cobra.Command{
	Use:   "oracle",
	Short: "Show the oracle pool members",
	RunE: func(cmd *cobra.Command, args []string) error {
		pool := newPool(cfg.Oracle, logger)
		status := pool.Status()
		if len(status) == 0 {
			return llm.ErrNoProvider
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MEMBER\tAVAILABLE\tCOOLING")
		now := time.Now()
		for _, m := range status {
			cooling := "-"
			if !m.CoolingUntil.IsZero() {
				cooling = m.CoolingUntil.Sub(now).Round(time.Second).String()
			}
			fmt.Fprintf(tw, "%s\t%t\t%s\n", m.Name, m.Available, cooling)
		}
		return tw.Flush()
	},
}

// --- catalog ---

var catalogCmd = &cobra.Command{
	Use:   "catalog <title | anilist-id>",
	Short: "Look an anime up in the metadata catalog",
	Long: `Look an anime up the way the scraper does: a title goes through the same
normalization and match threshold, a number is fetched by AniList ID.
Useful for checking a mapped title before re-running pending records.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		cat, err := a.catalog()
		if err != nil {
			return err
		}
		return lookup(cmd.Context(), cmd.OutOrStdout(), cat, strings.Join(args, " "))
	},
}

// mediaLookup is the part of *catalog.Client the catalog command uses.
type mediaLookup interface {
	Search(ctx context.Context, title string) (*catalog.Media, error)
	ByID(ctx context.Context, id int) (*catalog.Media, error)
}

func lookup(ctx context.Context, w io.Writer, cat mediaLookup, query string) error {
	var (
		m   *catalog.Media
		err error
	)
	if id, convErr := strconv.Atoi(query); convErr == nil {
		m, err = cat.ByID(ctx, id)
	} else {
		m, err = cat.Search(ctx, query)
	}
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("no catalog entry for %q", query)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
	// The config commands must work even when the current file is broken.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	Long: `Write the default configuration to the config path, or print it with --stdout.
An existing file is left alone unless --force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		toStdout, _ := cmd.Flags().GetBool("stdout")
		force, _ := cmd.Flags().GetBool("force")

		if toStdout {
			fmt.Fprint(cmd.OutOrStdout(), config.DefaultTOML())
			return nil
		}

		path := configPath
		if path == "" {
			p, err := config.ConfigPath()
			if err != nil {
				return err
			}
			path = p
		}
		return writeDefaultConfig(path, force, cmd.OutOrStdout())
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(configPath); err != nil {
			return errors.New(config.FormatError(err))
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
		return nil
	},
}

func init() {
	configInitCmd.Flags().Bool("stdout", false, "print instead of writing the file")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configCheckCmd)
}

func writeDefaultConfig(path string, force bool, out io.Writer) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(config.DefaultTOML()), 0o644); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", path)
	return nil
}
