package autofix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"animeheal/dashboard"
	"animeheal/policy"
	"animeheal/rules"
)

type fakeLearner struct {
	calls []rules.LearnContext
	fn    func(lc rules.LearnContext) (rules.Outcome, error)
}

func (f *fakeLearner) Learn(_ context.Context, lc rules.LearnContext) (rules.Outcome, error) {
	f.calls = append(f.calls, lc)
	return f.fn(lc)
}

func seed(t *testing.T, d *dashboard.Dashboard, recs ...dashboard.Record) []dashboard.Record {
	t.Helper()
	var out []dashboard.Record
	for _, r := range recs {
		if r.Attempts == 0 {
			r.Attempts = 1
		}
		stored, _ := d.Ingest(r)
		out = append(out, stored)
	}
	return out
}

func TestRun(t *testing.T) {
	d, err := dashboard.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	recs := seed(t, d,
		dashboard.Record{Type: policy.SelectorFailed, URL: "https://goyabu.io/lista-de-animes/page/1", Stage: "anime_list", HTML: "<div></div>"},
		dashboard.Record{Type: policy.AnimeNotFound, URL: "https://goyabu.io/anime/snk", Anime: "Shingeki", Stage: "catalog"},
		dashboard.Record{Type: policy.HTTP503, URL: "https://goyabu.io/anime/x", Stage: "anime_page"},
		dashboard.Record{Type: policy.SelectorFailed, URL: "https://goyabu.io/no-markup", Stage: "anime_list"},
		dashboard.Record{Type: policy.EpisodesNotFound, URL: "https://goyabu.io/anime/y", Stage: "anime_page", HTML: "<script></script>"},
		dashboard.Record{Type: policy.AIFailure, URL: "https://goyabu.io/anime/z", Stage: "anime_page"},
		dashboard.Record{Type: policy.AnimeNotFound, URL: "https://goyabu.io/anime/tired", Anime: "Tired", Attempts: 3},
	)
	fixed := seed(t, d, dashboard.Record{Type: policy.HTTP404, URL: "https://goyabu.io/fixed", Stage: "anime_page"})[0]
	d.MarkFixed(fixed.URL)

	learner := &fakeLearner{fn: func(lc rules.LearnContext) (rules.Outcome, error) {
		switch lc.Stage {
		case "anime_list":
			s := rules.Strategy{Name: "ai_anime_list_1234abcd", Score: 0.7, Source: rules.SourceAI}
			return rules.Outcome{Status: rules.StatusLearned, Target: rules.ListPage, Strategy: &s}, nil
		case rules.StageTitle:
			return rules.Outcome{Status: rules.StatusLearned, Title: &rules.TitleMapping{MatchTitle: "Attack on Titan", Confidence: 0.8}}, nil
		}
		return rules.Outcome{}, fmt.Errorf("%w: 0.40 < 0.55", rules.ErrLowConfidence)
	}}

	var out bytes.Buffer
	o := New(d, learner, WithCooldown(0), WithOutput(&out))
	sum, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sum.Analyzable != 4 || sum.Ignored != 4 {
		t.Errorf("analyzable/ignored = %d/%d, want 4/4", sum.Analyzable, sum.Ignored)
	}
	if sum.Learned != 2 || sum.Failed != 1 || sum.Retried != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.RunID == "" {
		t.Error("missing run id")
	}
	if len(learner.calls) != 3 {
		t.Fatalf("learner calls = %d, want 3", len(learner.calls))
	}

	list, _ := d.Get(recs[0].ID)
	if !list.PendingRetry || list.Attempts != 2 {
		t.Errorf("learned record = %+v", list)
	}
	if learner.calls[0].Markup != "<div></div>" || learner.calls[0].ErrorType != string(policy.SelectorFailed) {
		t.Errorf("learn context = %+v", learner.calls[0])
	}

	title, _ := d.Get(recs[1].ID)
	if title.MappedTitle != "Attack on Titan" || !title.PendingRetry {
		t.Errorf("title record = %+v", title)
	}
	if learner.calls[1].Stage != rules.StageTitle || learner.calls[1].Anime != "Shingeki" {
		t.Errorf("title learn context = %+v", learner.calls[1])
	}

	retried, _ := d.Get(recs[2].ID)
	if retried.Attempts != 2 || retried.PendingRetry {
		t.Errorf("retried record = %+v", retried)
	}

	failed, _ := d.Get(recs[4].ID)
	if failed.Attempts != 2 || failed.PendingRetry {
		t.Errorf("failed record = %+v", failed)
	}

	text := out.String()
	if !strings.HasPrefix(text, "4 analyzable, 4 ignored\n") {
		t.Errorf("output starts %q", text)
	}
	if !strings.Contains(text, "low_confidence") {
		t.Errorf("failure reason missing from output: %q", text)
	}
	if !strings.Contains(text, "dashboard updated:") {
		t.Errorf("no final confirmation: %q", text)
	}

	reloaded, err := dashboard.LoadFrom(d.Path(), d.Transcript())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if reloaded.Stats.PendingRetry != 2 {
		t.Errorf("persisted pending = %d, want 2", reloaded.Stats.PendingRetry)
	}
}

func TestRunSecondPassStopsStructuralRepeats(t *testing.T) {
	d, _ := dashboard.Open(t.TempDir())
	rec := seed(t, d, dashboard.Record{Type: policy.SelectorFailed, URL: "u", Stage: "anime_list", HTML: "<p/>"})[0]

	learner := &fakeLearner{fn: func(rules.LearnContext) (rules.Outcome, error) {
		return rules.Outcome{}, rules.ErrOracleFailure
	}}
	o := New(d, learner, WithCooldown(0), WithOutput(&bytes.Buffer{}))

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	sum, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(learner.calls) != 1 {
		t.Errorf("learner called %d times, want 1", len(learner.calls))
	}
	if sum.Skipped != 1 {
		t.Errorf("second pass summary = %+v", sum)
	}
	got, _ := d.Get(rec.ID)
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
}

func TestRunSaveFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	d, err := dashboard.LoadFrom(filepath.Join(dir, "missing", "dashboard.json"), filepath.Join(dir, "errors.txt"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	seed(t, d, dashboard.Record{Type: policy.HTTP504, URL: "u", Stage: "anime_page"})

	var out bytes.Buffer
	o := New(d, &fakeLearner{}, WithCooldown(0), WithOutput(&out))
	if _, err := o.Run(context.Background()); err == nil {
		t.Fatal("expected save error")
	}
	if strings.Contains(out.String(), "dashboard updated") {
		t.Error("confirmation printed despite failed save")
	}
}

func TestRunCancelledDuringCooldown(t *testing.T) {
	d, _ := dashboard.Open(t.TempDir())
	seed(t, d,
		dashboard.Record{Type: policy.Timeout, URL: "a", Stage: "anime_page"},
		dashboard.Record{Type: policy.Timeout, URL: "b", Stage: "anime_page"},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(d, &fakeLearner{}, WithOutput(&bytes.Buffer{}))
	sum, err := o.Run(ctx)
	if err != context.Canceled {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if sum.Retried != 0 {
		t.Errorf("retried = %d after cancellation", sum.Retried)
	}
}

type oracleReply string

func (r oracleReply) Complete(context.Context, string, string) (string, error) {
	return string(r), nil
}

func TestRunStopsWhenRuleStoreFails(t *testing.T) {
	dir := t.TempDir()
	d, err := dashboard.Open(filepath.Join(dir, "errors"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	seed(t, d,
		dashboard.Record{Type: policy.SelectorFailed, URL: "https://goyabu.io/lista-de-animes/page/1", Stage: "anime_list", HTML: "<div class=\"card\"></div>"},
		dashboard.Record{Type: policy.SelectorFailed, URL: "https://goyabu.io/lista-de-animes/page/2", Stage: "anime_list", HTML: "<div class=\"card\"></div>"},
	)

	rulesDir := filepath.Join(dir, "rules")
	store, err := rules.NewStore(rulesDir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := os.RemoveAll(rulesDir); err != nil {
		t.Fatal(err)
	}
	learner := rules.NewLearner(oracleReply(`{"type":"selector_fix","confidence":0.9,"rules":{"css":".card"}}`), store)

	var out bytes.Buffer
	sum, err := New(d, learner, WithCooldown(0), WithOutput(&out)).Run(context.Background())
	if !errors.Is(err, rules.ErrPersistence) {
		t.Fatalf("Run error = %v, want ErrPersistence", err)
	}
	if sum.Failed != 0 || sum.Learned != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if strings.Contains(out.String(), "dashboard updated") {
		t.Errorf("confirmation printed after a store failure:\n%s", out.String())
	}

	reloaded, err := dashboard.LoadFrom(d.Path(), d.Transcript())
	if err != nil {
		t.Fatalf("dashboard not saved: %v", err)
	}
	for _, r := range reloaded.Records() {
		if r.Attempts != 1 || r.PendingRetry {
			t.Errorf("record %s changed by a failed run: %+v", r.ID, r)
		}
	}
}
