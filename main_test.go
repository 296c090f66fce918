package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"animeheal/catalog"
	"animeheal/config"
	"animeheal/dashboard"
	"animeheal/policy"
)

func seedDashboard(t *testing.T) (string, *dashboard.Dashboard) {
	t.Helper()
	dir := t.TempDir()
	dash, err := dashboard.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	entries := []dashboard.Entry{
		{Kind: policy.SelectorFailed, URL: "https://goyabu.io/lista-de-animes/page/1", Stage: "anime_list", HTML: "<html></html>"},
		{Kind: policy.HTTP404, URL: "https://goyabu.io/anime/x", Anime: "X", Stage: "anime_page"},
	}
	for _, e := range entries {
		if _, err := dash.Log(e); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	dash.MarkFixed("https://goyabu.io/anime/x")
	if err := dash.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return dir, dash
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRouterDashboard(t *testing.T) {
	dir, _ := seedDashboard(t)
	srv := httptest.NewServer(newRouter(dir, quietLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/dashboard?open=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var view dashboardView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if view.Stats.Total != 2 || view.Stats.Fixed != 1 {
		t.Errorf("stats = %+v", view.Stats)
	}
	if len(view.Errors) != 1 || view.Errors[0].Type != policy.SelectorFailed {
		t.Fatalf("errors = %+v", view.Errors)
	}
	if view.Errors[0].HTML != "" {
		t.Error("markup served without html=1")
	}

	resp2, err := http.Get(srv.URL + "/dashboard/" + view.Errors[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var rec dashboard.Record
	if err := json.NewDecoder(resp2.Body).Decode(&rec); err != nil || rec.HTML == "" {
		t.Errorf("record = %+v, %v", rec, err)
	}
}

func TestRouterUnknownRecord(t *testing.T) {
	srv := httptest.NewServer(newRouter(t.TempDir(), quietLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/dashboard/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestRouterMetrics(t *testing.T) {
	srv := httptest.NewServer(newRouter(t.TempDir(), quietLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "animeheal_") {
		t.Errorf("metrics body lacks animeheal series:\n%s", body)
	}
}

func TestPrintDashboard(t *testing.T) {
	_, dash := seedDashboard(t)

	var buf bytes.Buffer
	printDashboard(&buf, dash, false, time.Now())
	out := buf.String()

	if !strings.Contains(out, "2 errors: 1 open, 0 pending retry, 1 fixed") {
		t.Errorf("summary line missing:\n%s", out)
	}
	if !strings.Contains(out, "SELECTOR_FAILED") || strings.Contains(out, "https://goyabu.io/anime/x") {
		t.Errorf("records:\n%s", out)
	}

	buf.Reset()
	printDashboard(&buf, dash, true, time.Now())
	if !strings.Contains(buf.String(), "fixed") || !strings.Contains(buf.String(), "https://goyabu.io/anime/x") {
		t.Errorf("--all output:\n%s", buf.String())
	}
}

func TestNewPoolMembers(t *testing.T) {
	o := config.Default().Oracle
	o.GeminiKeys = []string{"key-one", "key-two"}
	o.GeminiModels = []string{"gemini-2.5-flash", "gemini-2.5-pro"}
	o.AnthropicKey = "sk-ant"
	o.ClaudeCode = false

	status := newPool(o, quietLogger()).Status()
	if len(status) != 5 {
		t.Fatalf("got %d members, want 5", len(status))
	}
	seen := map[string]bool{}
	for _, m := range status {
		if seen[m.Name] {
			t.Errorf("duplicate member name %q", m.Name)
		}
		seen[m.Name] = true
	}
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "animeheal", "config.toml")
	var out bytes.Buffer

	if err := writeDefaultConfig(path, false, &out); err != nil {
		t.Fatalf("writeDefaultConfig: %v", err)
	}
	if err := writeDefaultConfig(path, false, &out); err == nil {
		t.Error("existing file overwritten without --force")
	}
	if err := writeDefaultConfig(path, true, &out); err != nil {
		t.Errorf("--force: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil || string(data) != config.DefaultTOML() {
		t.Errorf("written config differs: %v", err)
	}
}

func TestConfigInitStdout(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "init", "--stdout"})
	defer rootCmd.SetArgs(nil)
	defer rootCmd.SetOut(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.String() != config.DefaultTOML() {
		t.Errorf("output = %q", out.String())
	}
}

func TestAutofixHelpNamesRetryPause(t *testing.T) {
	if !strings.Contains(autofixCmd.Long, "policy.cooldown_seconds") {
		t.Errorf("autofix help does not mention the retry pause:\n%s", autofixCmd.Long)
	}
}

type fakeCatalog struct {
	byID   map[int]*catalog.Media
	titles []string
}

func (f *fakeCatalog) Search(_ context.Context, title string) (*catalog.Media, error) {
	f.titles = append(f.titles, title)
	return nil, nil
}

func (f *fakeCatalog) ByID(_ context.Context, id int) (*catalog.Media, error) {
	return f.byID[id], nil
}

func TestLookup(t *testing.T) {
	cat := &fakeCatalog{byID: map[int]*catalog.Media{
		16498: {ID: 16498, Title: catalog.Title{English: "Attack on Titan"}, Episodes: 25},
	}}

	var out bytes.Buffer
	if err := lookup(context.Background(), &out, cat, "16498"); err != nil {
		t.Fatalf("lookup by id: %v", err)
	}
	var m catalog.Media
	if err := json.Unmarshal(out.Bytes(), &m); err != nil {
		t.Fatalf("output is not a media entry: %v\n%s", err, out.String())
	}
	if m.ID != 16498 || m.Episodes != 25 {
		t.Errorf("printed %+v", m)
	}
	if len(cat.titles) != 0 {
		t.Errorf("numeric query searched by title: %q", cat.titles)
	}

	err := lookup(context.Background(), io.Discard, cat, "Nanatsu no Taizai")
	if err == nil || !strings.Contains(err.Error(), "no catalog entry") {
		t.Errorf("lookup(unknown title) = %v", err)
	}
	if len(cat.titles) != 1 || cat.titles[0] != "Nanatsu no Taizai" {
		t.Errorf("searched %q", cat.titles)
	}
}
