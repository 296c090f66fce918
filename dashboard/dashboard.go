// Package dashboard keeps the durable record of scrape failures: a JSON
// dashboard the autofix run works from, and an append-only plain-text
// transcript that a human can read and the dashboard can be rebuilt from.
package dashboard

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"animeheal/metrics"
	"animeheal/policy"
)

// MaxHTMLBytes caps the markup kept on a record.
const MaxHTMLBytes = 120000

// ErrUnknownRecord is returned for operations on an ID not in the dashboard.
var ErrUnknownRecord = errors.New("unknown error record")

// Record is one distinct failure.
type Record struct {
	ID           string      `json:"error_id"`
	Type         policy.Kind `json:"type"`
	URL          string      `json:"url"`
	Anime        string      `json:"anime"`
	Stage        string      `json:"stage"`
	Message      string      `json:"message,omitempty"`
	HTML         string      `json:"html,omitempty"`
	Attempts     int         `json:"attempts"`
	Fixed        bool        `json:"fixed"`
	PendingRetry bool        `json:"pending_retry"`
	MappedTitle  string      `json:"mapped_title,omitempty"`
	LastUpdate   time.Time   `json:"last_update"`
}

// Stats summarizes the dashboard.
type Stats struct {
	Total        int            `json:"total_errors"`
	PendingRetry int            `json:"pending_retry"`
	Fixed        int            `json:"fixed"`
	Open         int            `json:"open"`
	ByType       map[string]int `json:"by_type"`
}

// Entry is a failure as reported by a scraper.
type Entry struct {
	Kind    policy.Kind
	URL     string
	Anime   string
	Stage   string
	Message string
	HTML    string
}

// ID derives a record's identity from its content, so the same failure
// seen twice maps to one record.
func ID(kind policy.Kind, url, anime, stage string) string {
	sum := md5.Sum([]byte(string(kind) + "|" + url + "|" + anime + "|" + stage))
	return hex.EncodeToString(sum[:])[:10]
}

// Dashboard is the set of failure records plus derived stats.
type Dashboard struct {
	mu          sync.RWMutex
	path        string
	transcript  string
	now         func() time.Time
	Errors      []Record  `json:"errors"`
	Stats       Stats     `json:"stats"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Open loads the dashboard kept in dir, creating dir if needed.
func Open(dir string) (*Dashboard, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating dashboard dir: %w", err)
	}
	return LoadFrom(filepath.Join(dir, "dashboard.json"), filepath.Join(dir, "errors.txt"))
}

// LoadFrom reads the dashboard at path, using transcript as the append-only
// log. A missing dashboard file yields an empty dashboard; a corrupt one is
// an error.
func LoadFrom(path, transcript string) (*Dashboard, error) {
	d := &Dashboard{
		path:       path,
		transcript: transcript,
		now:        func() time.Time { return time.Now().UTC() },
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading dashboard: %w", err)
	}

	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("parsing dashboard %s: %w", path, err)
	}

	// Records written before IDs existed get one derived from content.
	for i := range d.Errors {
		r := &d.Errors[i]
		if r.ID == "" {
			r.ID = ID(r.Type, r.URL, r.Anime, r.Stage)
		}
	}

	return d, nil
}

// Path returns the dashboard file path.
func (d *Dashboard) Path() string {
	return d.path
}

// Log appends e to the transcript, ingests it and saves the dashboard.
func (d *Dashboard) Log(e Entry) (Record, error) {
	now := d.now()
	if err := d.appendTranscript(e, now); err != nil {
		return Record{}, err
	}

	rec, _ := d.Ingest(Record{
		Type:       e.Kind,
		URL:        e.URL,
		Anime:      e.Anime,
		Stage:      e.Stage,
		Message:    e.Message,
		HTML:       e.HTML,
		Attempts:   1,
		LastUpdate: now,
	})

	if err := d.Save(); err != nil {
		return rec, err
	}
	return rec, nil
}

// Ingest adds r unless a record with the same ID exists. An existing open
// record is refreshed in place; an existing fixed record is reopened. It
// returns the stored record and whether it was new.
func (d *Dashboard) Ingest(r Record) (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r.ID == "" {
		r.ID = ID(r.Type, r.URL, r.Anime, r.Stage)
	}
	r.HTML = keepHTML(r.Type, r.HTML)
	if r.LastUpdate.IsZero() {
		r.LastUpdate = d.now()
	}

	for i := range d.Errors {
		existing := &d.Errors[i]
		if existing.ID != r.ID {
			continue
		}
		if existing.Fixed {
			existing.Fixed = false
			existing.PendingRetry = false
			existing.Attempts = r.Attempts
		}
		if r.Message != "" {
			existing.Message = r.Message
		}
		if r.HTML != "" {
			existing.HTML = r.HTML
		}
		existing.LastUpdate = r.LastUpdate
		return *existing, false
	}

	d.Errors = append(d.Errors, r)
	return r, true
}

func keepHTML(kind policy.Kind, html string) string {
	if !kind.RetainsMarkup() {
		return ""
	}
	if len(html) <= MaxHTMLBytes {
		return html
	}
	n := MaxHTMLBytes
	for n > 0 && !utf8.RuneStart(html[n]) {
		n--
	}
	return html[:n]
}

// update applies fn to the record with the given ID.
func (d *Dashboard) update(id string, fn func(r *Record)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.Errors {
		if d.Errors[i].ID == id {
			fn(&d.Errors[i])
			d.Errors[i].LastUpdate = d.now()
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownRecord, id)
}

// IncAttempts increments the record's attempt counter.
func (d *Dashboard) IncAttempts(id string) error {
	return d.update(id, func(r *Record) { r.Attempts++ })
}

// MarkPending flags the record for the next scrape pass.
func (d *Dashboard) MarkPending(id string) error {
	return d.update(id, func(r *Record) { r.PendingRetry = true })
}

// ClearPending drops the retry flag.
func (d *Dashboard) ClearPending(id string) error {
	return d.update(id, func(r *Record) { r.PendingRetry = false })
}

// SetMappedTitle stores the catalog title learned for the record's anime.
func (d *Dashboard) SetMappedTitle(id, title string) error {
	return d.update(id, func(r *Record) { r.MappedTitle = title })
}

// Fix closes a single record.
func (d *Dashboard) Fix(id string) error {
	return d.update(id, func(r *Record) {
		r.Fixed = true
		r.PendingRetry = false
	})
}

// MarkFixed closes every open record for url and returns how many changed.
func (d *Dashboard) MarkFixed(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for i := range d.Errors {
		r := &d.Errors[i]
		if r.URL == url && !r.Fixed {
			r.Fixed = true
			r.PendingRetry = false
			r.LastUpdate = d.now()
			n++
		}
	}
	return n
}

// MappedTitle returns the most recently learned catalog title for url.
func (d *Dashboard) MappedTitle(url string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var title string
	var at time.Time
	for _, r := range d.Errors {
		if r.URL == url && r.MappedTitle != "" && !r.LastUpdate.Before(at) {
			title, at = r.MappedTitle, r.LastUpdate
		}
	}
	return title
}

// Get returns a copy of the record with the given ID.
func (d *Dashboard) Get(id string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, r := range d.Errors {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// Records returns a copy of every record in insertion order.
func (d *Dashboard) Records() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Record, len(d.Errors))
	copy(out, d.Errors)
	return out
}

// Pending returns the open records flagged for a retry scrape.
func (d *Dashboard) Pending() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Record
	for _, r := range d.Errors {
		if r.PendingRetry && !r.Fixed {
			out = append(out, r)
		}
	}
	return out
}

// ComputeStats derives the summary from the current records.
func (d *Dashboard) ComputeStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.computeStats()
}

func (d *Dashboard) computeStats() Stats {
	s := Stats{Total: len(d.Errors), ByType: make(map[string]int)}
	for _, r := range d.Errors {
		if r.PendingRetry {
			s.PendingRetry++
		}
		if r.Fixed {
			s.Fixed++
		} else {
			s.Open++
		}
		s.ByType[string(r.Type)]++
	}
	return s
}

// Save recomputes the stats and writes the dashboard atomically.
func (d *Dashboard) Save() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Stats = d.computeStats()
	d.GeneratedAt = d.now()

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling dashboard: %w", err)
	}

	dir := filepath.Dir(d.path)
	tmp, err := os.CreateTemp(dir, ".dashboard-*.tmp")
	if err != nil {
		return fmt.Errorf("saving dashboard: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("saving dashboard: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("saving dashboard: %w", err)
	}
	if err := os.Rename(tmpName, d.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("saving dashboard: %w", err)
	}

	metrics.DashboardOpen.Set(float64(d.Stats.Open))
	return nil
}
