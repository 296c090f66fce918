package dashboard

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"animeheal/policy"
)

// separator opens every transcript block.
var separator = strings.Repeat("=", 60)

// Transcript returns the transcript file path.
func (d *Dashboard) Transcript() string {
	return d.transcript
}

func (d *Dashboard) appendTranscript(e Entry, at time.Time) error {
	f, err := os.OpenFile(d.transcript, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	b.WriteString(separator + "\n")
	fmt.Fprintf(&b, "TIMESTAMP: %s\n", at.Format(time.RFC3339))
	fmt.Fprintf(&b, "TYPE: %s\n", e.Kind)
	fmt.Fprintf(&b, "ANIME: %s\n", e.Anime)
	fmt.Fprintf(&b, "URL: %s\n", e.URL)
	fmt.Fprintf(&b, "STAGE: %s\n", e.Stage)
	if e.Message != "" {
		fmt.Fprintf(&b, "ERROR: %s\n", oneLine(e.Message))
	}

	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("writing transcript: %w", err)
	}
	return nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ParseTranscript reads transcript blocks into records. Blocks without a
// type are skipped. Both the current English keys and the older Portuguese
// ones (TIPO, ERRO) are understood.
func ParseTranscript(path string) ([]Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()

	var records []Record
	var cur map[string]string

	flush := func() {
		if cur == nil {
			return
		}
		if rec, ok := recordFromBlock(cur); ok {
			records = append(records, rec)
		}
		cur = nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.HasPrefix(line, separator) {
			flush()
			cur = make(map[string]string)
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || cur == nil {
			continue
		}
		cur[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	flush()

	return records, nil
}

func recordFromBlock(block map[string]string) (Record, bool) {
	kind := firstOf(block, "TYPE", "TIPO")
	if kind == "" {
		return Record{}, false
	}

	rec := Record{
		Type:     policy.Kind(kind),
		URL:      block["URL"],
		Anime:    block["ANIME"],
		Stage:    block["STAGE"],
		Message:  firstOf(block, "ERROR", "ERRO"),
		HTML:     block["HTML"],
		Attempts: 1,
	}
	if ts, err := time.Parse(time.RFC3339, block["TIMESTAMP"]); err == nil {
		rec.LastUpdate = ts.UTC()
	}
	rec.ID = ID(rec.Type, rec.URL, rec.Anime, rec.Stage)
	return rec, true
}

func firstOf(block map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := block[k]; v != "" {
			return v
		}
	}
	return ""
}

// ImportTranscript adds transcript records whose IDs are not yet in the
// dashboard and returns how many were added. Existing records, including
// fixed ones, are left alone. The caller saves.
func (d *Dashboard) ImportTranscript() (int, error) {
	records, err := ParseTranscript(d.transcript)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, rec := range records {
		if _, ok := d.Get(rec.ID); ok {
			continue
		}
		if _, isNew := d.Ingest(rec); isNew {
			added++
		}
	}
	return added, nil
}
