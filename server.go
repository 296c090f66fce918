package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"animeheal/dashboard"
	"animeheal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve metrics and a read-only view of the dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Metrics.Addr
		}
		return runServer(cmd.Context(), addr, cfg.Dashboard.Dir, logger)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default from config)")
}

func runServer(ctx context.Context, addr, dashDir string, lg *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(dashDir, lg),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		lg.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// dashboardView is the JSON served for the dashboard. Markup snapshots are
// left out unless asked for.
type dashboardView struct {
	Stats       dashboard.Stats    `json:"stats"`
	Errors      []dashboard.Record `json:"errors"`
	GeneratedAt time.Time          `json:"generatedAt"`
}

// newRouter serves the dashboard straight from disk on every request, so
// it reflects scrape and autofix runs made by other processes.
func newRouter(dashDir string, lg *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Get("/dashboard", func(w http.ResponseWriter, req *http.Request) {
		dash, err := dashboard.Open(dashDir)
		if err != nil {
			lg.Error("loading dashboard", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}

		q := req.URL.Query()
		withHTML := q.Get("html") == "1"
		openOnly := q.Get("open") == "1"

		view := dashboardView{Stats: dash.ComputeStats(), Errors: []dashboard.Record{}, GeneratedAt: time.Now().UTC()}
		for _, rec := range dash.Records() {
			if openOnly && rec.Fixed {
				continue
			}
			if !withHTML {
				rec.HTML = ""
			}
			view.Errors = append(view.Errors, rec)
		}
		writeJSON(w, http.StatusOK, view)
	})

	r.Get("/dashboard/{id}", func(w http.ResponseWriter, req *http.Request) {
		dash, err := dashboard.Open(dashDir)
		if err != nil {
			lg.Error("loading dashboard", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		rec, ok := dash.Get(chi.URLParam(req, "id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown record"})
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
