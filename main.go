// Animeheal scrapes an anime-streaming site and repairs its own extraction
// rules when the site's layout changes.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"animeheal/config"
	"animeheal/logging"
)

var version = "dev"

var (
	configPath string
	logLevel   string

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "animeheal",
	Short:         "Self-healing anime scraper",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd.ErrOrStderr())
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/animeheal/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(autofixCmd, scrapeCmd, dashboardCmd, rulesCmd, oracleCmd, catalogCmd, serveCmd, configCmd)
}

// setup loads the configuration and installs the process logger.
func setup(stderr io.Writer) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}

	lg, closer, err := logging.New(c.Log, stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(lg)

	cfg, logger, logCloser = c, lg, closer
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
