package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

const snkMedia = `{"data":{"Media":{
	"id": 16498,
	"title": {"romaji": "Shingeki no Kyojin", "english": "Attack on Titan", "native": "進撃の巨人"},
	"synonyms": ["SnK"],
	"description": "Humanity fights titans.",
	"episodes": 25,
	"genres": ["Action", "Drama"],
	"averageScore": 85,
	"coverImage": {"large": "https://img.anili.st/cover.jpg"},
	"bannerImage": null,
	"studios": {"nodes": [{"name": "Wit Studio"}]},
	"trailer": null
}}}`

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func newCatalog(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	base := []Option{WithEndpoint(srv.URL), WithHTTPClient(srv.Client()), WithBackoff(3, 0, 0)}
	return New(append(base, opts...)...)
}

func TestSearchFindsMedia(t *testing.T) {
	var searches []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gqlRequest
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)
		searches = append(searches, fmt.Sprint(req.Variables["search"]))
		fmt.Fprint(w, snkMedia)
	}))
	defer srv.Close()

	m, err := newCatalog(t, srv).Search(context.Background(), "Shingeki no Kyojin (Dublado)")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if m == nil {
		t.Fatal("no media found")
	}
	if m.ID != 16498 || m.Title.English != "Attack on Titan" {
		t.Errorf("media = %+v", m)
	}
	if m.CoverImage != "https://img.anili.st/cover.jpg" || len(m.Studios) != 1 || m.Studios[0] != "Wit Studio" {
		t.Errorf("flattened fields = %q %v", m.CoverImage, m.Studios)
	}
	if len(searches) != 1 || searches[0] != "Shingeki no Kyojin" {
		t.Errorf("searches = %q", searches)
	}
}

func TestSearchUsesCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, snkMedia)
	}))
	defer srv.Close()

	cache, err := OpenCache(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()

	c := newCatalog(t, srv, WithCache(cache))
	for i := 0; i < 2; i++ {
		m, err := c.Search(context.Background(), "Shingeki no Kyojin")
		if err != nil || m == nil {
			t.Fatalf("Search #%d = %v, %v", i, m, err)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
}

func TestSearchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"errors":[{"message":"Not Found.","status":404}],"data":{"Media":null}}`)
	}))
	defer srv.Close()

	m, err := newCatalog(t, srv).Search(context.Background(), "Nothing Like This Exists")
	if err != nil || m != nil {
		t.Errorf("Search = %v, %v; want nil, nil", m, err)
	}
}

func TestByID(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req gqlRequest
		json.NewDecoder(r.Body).Decode(&req)
		if id, _ := req.Variables["id"].(float64); id != 16498 {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"errors":[{"message":"Not Found.","status":404}],"data":{"Media":null}}`)
			return
		}
		fmt.Fprint(w, snkMedia)
	}))
	defer srv.Close()

	cache, err := OpenCache(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()

	c := newCatalog(t, srv, WithCache(cache))
	for i := 0; i < 2; i++ {
		m, err := c.ByID(context.Background(), 16498)
		if err != nil || m == nil {
			t.Fatalf("ByID #%d = %v, %v", i, m, err)
		}
		if m.Title.English != "Attack on Titan" {
			t.Errorf("title = %q", m.Title.English)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}

	m, err := c.ByID(context.Background(), 1)
	if err != nil || m != nil {
		t.Errorf("ByID(1) = %v, %v; want nil, nil", m, err)
	}
}

func TestSearchRejectsDistantMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, snkMedia)
	}))
	defer srv.Close()

	m, err := newCatalog(t, srv).Search(context.Background(), "Boku no Hero Academia")
	if err != nil || m != nil {
		t.Errorf("Search = %v, %v; want nil, nil", m, err)
	}
}

func TestQueryRetriesRateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, snkMedia)
	}))
	defer srv.Close()

	m, err := newCatalog(t, srv).ByID(context.Background(), 16498)
	if err != nil || m == nil {
		t.Fatalf("ByID = %v, %v", m, err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

func TestQueryGivesUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newCatalog(t, srv).ByID(context.Background(), 1)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode() != http.StatusServiceUnavailable {
		t.Errorf("wrapped status = %v", se)
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}
}

func TestQueryDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	if _, err := newCatalog(t, srv).ByID(context.Background(), 1); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Shingeki no Kyojin (Dublado)", "Shingeki no Kyojin"},
		{"Re:Zero kara Hajimeru", "Re"},
		{"“Kimetsu no Yaibá”  Mugen", `"Kimetsu no Yaiba" Mugen`},
		{"  Pokémon   ", "Pokemon"},
	}
	for _, tt := range tests {
		if got := NormalizeTitle(tt.in); got != tt.want {
			t.Errorf("NormalizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestVariants(t *testing.T) {
	if got := Variants("Naruto"); len(got) != 1 || got[0] != "Naruto" {
		t.Errorf("Variants(short) = %q", got)
	}
	long := "Kono Subarashii Sekai ni Shukufuku wo"
	got := Variants(long)
	if len(got) != 2 || got[0] != long || got[1] != "Kono Subarashii Seka" {
		t.Errorf("Variants(long) = %q", got)
	}
	huge := strings.Repeat("x", 80)
	if got := Variants(huge); len([]rune(got[0])) != 50 {
		t.Errorf("first variant not capped: %d", len(got[0]))
	}
}

func TestRatio(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"abcd", "bcde", 0.75},
		{"naruto", "naruto", 1},
		{"", "", 1},
		{"abc", "xyz", 0},
	}
	for _, tt := range tests {
		if got := Ratio(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Ratio(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCachePutGet(t *testing.T) {
	cache, err := OpenCache(":memory:", 0)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()

	if m, err := cache.Get("search:naruto"); err != nil || m != nil {
		t.Fatalf("Get on empty cache = %v, %v", m, err)
	}
	if err := cache.Put("search:naruto", &Media{ID: 20, Title: Title{Romaji: "Naruto"}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := cache.Put("search:naruto", &Media{ID: 20, Title: Title{Romaji: "NARUTO"}}); err != nil {
		t.Fatalf("Put again: %v", err)
	}
	m, err := cache.Get("search:naruto")
	if err != nil || m == nil || m.Title.Romaji != "NARUTO" {
		t.Errorf("Get = %+v, %v", m, err)
	}
	if n, _ := cache.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}
