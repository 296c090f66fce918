package dashboard

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"animeheal/policy"
)

func openTemp(t *testing.T) *Dashboard {
	t.Helper()
	d, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return d
}

func TestIDIsStable(t *testing.T) {
	a := ID(policy.SelectorFailed, "https://goyabu.io/x", "Naruto", "anime_list")
	b := ID(policy.SelectorFailed, "https://goyabu.io/x", "Naruto", "anime_list")
	if a != b || len(a) != 10 {
		t.Fatalf("ID = %q / %q", a, b)
	}
	if c := ID(policy.SelectorFailed, "https://goyabu.io/x", "Naruto", "anime_page"); c == a {
		t.Error("stage should change the ID")
	}
}

func TestLogDedupesAndPersists(t *testing.T) {
	d := openTemp(t)

	e := Entry{
		Kind:    policy.SelectorFailed,
		URL:     "https://goyabu.io/lista-de-animes/page/1",
		Stage:   "anime_list",
		Message: "no items",
		HTML:    "<html></html>",
	}
	first, err := d.Log(e)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	second, err := d.Log(e)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("IDs differ: %s vs %s", first.ID, second.ID)
	}
	if n := len(d.Records()); n != 1 {
		t.Fatalf("records = %d, want 1", n)
	}
	if first.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", first.Attempts)
	}

	reloaded, err := LoadFrom(d.Path(), d.Transcript())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	got, ok := reloaded.Get(first.ID)
	if !ok {
		t.Fatal("record not persisted")
	}
	if got.HTML != "<html></html>" {
		t.Errorf("html = %q", got.HTML)
	}
	if reloaded.Stats.Total != 1 || reloaded.Stats.Open != 1 {
		t.Errorf("stats = %+v", reloaded.Stats)
	}
	if reloaded.GeneratedAt.IsZero() {
		t.Error("generatedAt not set")
	}

	transcript, err := os.ReadFile(d.Transcript())
	if err != nil {
		t.Fatalf("reading transcript: %v", err)
	}
	if n := strings.Count(string(transcript), separator); n != 2 {
		t.Errorf("transcript blocks = %d, want 2", n)
	}
}

func TestHTMLOnlyForStructuralKinds(t *testing.T) {
	d := openTemp(t)

	rec, err := d.Log(Entry{Kind: policy.HTTP503, URL: "u", Stage: "anime_page", HTML: "<p>busy</p>"})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if rec.HTML != "" {
		t.Errorf("network error kept html %q", rec.HTML)
	}

	big := strings.Repeat("a", MaxHTMLBytes+10)
	rec, err = d.Log(Entry{Kind: policy.StructureChanged, URL: "u", Stage: "anime_page", HTML: big})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if len(rec.HTML) != MaxHTMLBytes {
		t.Errorf("html len = %d, want %d", len(rec.HTML), MaxHTMLBytes)
	}
}

func TestHTMLCutOnRuneBoundary(t *testing.T) {
	d := openTemp(t)

	// "é" is two bytes; the cap falls inside the first one.
	big := strings.Repeat("a", MaxHTMLBytes-1) + "éé"
	rec, err := d.Log(Entry{Kind: policy.StructureChanged, URL: "u", Stage: "episode_page", HTML: big})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if !utf8.ValidString(rec.HTML) || len(rec.HTML) != MaxHTMLBytes-1 {
		t.Errorf("html len = %d, valid = %t", len(rec.HTML), utf8.ValidString(rec.HTML))
	}
}

func TestSavedFileKeys(t *testing.T) {
	d := openTemp(t)
	if _, err := d.Log(Entry{Kind: policy.HTTP404, URL: "u", Stage: "anime_page"}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	data, err := os.ReadFile(d.Path())
	if err != nil {
		t.Fatalf("reading dashboard: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	for _, key := range []string{"errors", "stats", "generatedAt"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("dashboard file lacks %q", key)
		}
	}
}

func TestRecordTransitions(t *testing.T) {
	d := openTemp(t)

	rec, _ := d.Ingest(Record{Type: policy.SelectorFailed, URL: "u1", Stage: "anime_list", Attempts: 1})
	other, _ := d.Ingest(Record{Type: policy.HTTP404, URL: "u1", Stage: "anime_page", Attempts: 1})

	if err := d.IncAttempts(rec.ID); err != nil {
		t.Fatalf("IncAttempts: %v", err)
	}
	if err := d.MarkPending(rec.ID); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}
	got, _ := d.Get(rec.ID)
	if got.Attempts != 2 || !got.PendingRetry {
		t.Fatalf("record = %+v", got)
	}
	if len(d.Pending()) != 1 {
		t.Errorf("pending = %d, want 1", len(d.Pending()))
	}

	if n := d.MarkFixed("u1"); n != 2 {
		t.Errorf("MarkFixed = %d, want 2", n)
	}
	got, _ = d.Get(rec.ID)
	if !got.Fixed || got.PendingRetry {
		t.Errorf("fixed record = %+v", got)
	}
	if n := d.MarkFixed("u1"); n != 0 {
		t.Errorf("second MarkFixed = %d, want 0", n)
	}

	s := d.ComputeStats()
	if s.Total != 2 || s.Fixed != 2 || s.Open != 0 || s.PendingRetry != 0 {
		t.Errorf("stats = %+v", s)
	}
	if s.ByType[string(policy.HTTP404)] != 1 {
		t.Errorf("by_type = %v", s.ByType)
	}

	// The same failure recurring reopens the record.
	reopened, isNew := d.Ingest(Record{Type: policy.HTTP404, URL: "u1", Stage: "anime_page", Attempts: 1})
	if isNew || reopened.ID != other.ID || reopened.Fixed {
		t.Errorf("reopen = %+v new=%v", reopened, isNew)
	}

	if err := d.IncAttempts("missing"); !errors.Is(err, ErrUnknownRecord) {
		t.Errorf("IncAttempts(missing) = %v", err)
	}
}

func TestMappedTitle(t *testing.T) {
	d := openTemp(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	d.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	a, _ := d.Ingest(Record{Type: policy.AnimeNotFound, URL: "u", Anime: "Shingeki", Stage: "title_mapping"})
	b, _ := d.Ingest(Record{Type: policy.AnimeNotFound, URL: "u", Anime: "Shingeki no Kyojin", Stage: "title_mapping"})

	if got := d.MappedTitle("u"); got != "" {
		t.Errorf("MappedTitle before learning = %q", got)
	}
	d.SetMappedTitle(a.ID, "Attack on Titan")
	d.SetMappedTitle(b.ID, "Shingeki no Kyojin")
	if got := d.MappedTitle("u"); got != "Shingeki no Kyojin" {
		t.Errorf("MappedTitle = %q", got)
	}
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dashboard.json")
	os.WriteFile(path, []byte("{not json"), 0644)

	if _, err := LoadFrom(path, filepath.Join(dir, "errors.txt")); err == nil {
		t.Fatal("expected error for corrupt dashboard")
	}
}

func TestLoadMigratesMissingIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dashboard.json")

	old := map[string]any{
		"errors": []map[string]any{
			{"type": "SELECTOR_FAILED", "url": "u", "anime": "", "stage": "anime_list", "attempts": 1},
		},
	}
	data, _ := json.Marshal(old)
	os.WriteFile(path, data, 0644)

	d, err := LoadFrom(path, filepath.Join(dir, "errors.txt"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	want := ID(policy.SelectorFailed, "u", "", "anime_list")
	if _, ok := d.Get(want); !ok {
		t.Errorf("record not migrated to ID %s: %+v", want, d.Records())
	}
}

func TestImportTranscript(t *testing.T) {
	dir := t.TempDir()
	transcript := filepath.Join(dir, "errors.txt")

	legacy := separator + "\n" +
		"TIPO: HTTP_404\n" +
		"ANIME: Bleach\n" +
		"URL: https://goyabu.io/anime/bleach\n" +
		"STAGE: anime_page\n" +
		"ERRO: not found\n" +
		separator + "\n" +
		"garbage line without key\n" +
		"TYPE: SELECTOR_FAILED\n" +
		"URL: https://goyabu.io/lista-de-animes/page/2\n" +
		"STAGE: anime_list\n" +
		separator + "\n" +
		"URL: https://goyabu.io/no-type\n"
	os.WriteFile(transcript, []byte(legacy), 0644)

	d, err := LoadFrom(filepath.Join(dir, "dashboard.json"), transcript)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	// An existing fixed record must stay fixed.
	fixed, _ := d.Ingest(Record{Type: policy.HTTP404, URL: "https://goyabu.io/anime/bleach", Anime: "Bleach", Stage: "anime_page", Attempts: 1})
	d.MarkFixed(fixed.URL)

	added, err := d.ImportTranscript()
	if err != nil {
		t.Fatalf("ImportTranscript: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}
	got, _ := d.Get(fixed.ID)
	if !got.Fixed {
		t.Error("import reopened a fixed record")
	}

	recs, err := ParseTranscript(transcript)
	if err != nil {
		t.Fatalf("ParseTranscript: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("parsed %d records, want 2", len(recs))
	}
	if recs[0].Message != "not found" || recs[0].URL != "https://goyabu.io/anime/bleach" {
		t.Errorf("first record = %+v", recs[0])
	}

	added, _ = d.ImportTranscript()
	if added != 0 {
		t.Errorf("second import added %d", added)
	}
}

func TestImportWrittenTranscript(t *testing.T) {
	d := openTemp(t)
	if _, err := d.Log(Entry{Kind: policy.Timeout, URL: "https://goyabu.io/x", Stage: "anime_page", Message: "line1\nline2"}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	fresh, err := LoadFrom(filepath.Join(t.TempDir(), "dashboard.json"), d.Transcript())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	added, err := fresh.ImportTranscript()
	if err != nil || added != 1 {
		t.Fatalf("ImportTranscript = %d, %v", added, err)
	}
	rec := fresh.Records()[0]
	if rec.Message != "line1 line2" || rec.Type != policy.Timeout {
		t.Errorf("record = %+v", rec)
	}
}
