// Package rules provides the self-healing extraction rules used by the
// scrapers. Rules tell the HTML parser how to pull items out of a page for
// each extraction target, carry a confidence score that is adjusted on every
// use, and can be learned from an AI oracle when the site layout changes.
package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Target names a kind of page the scrapers extract from.
// Each target has its own rule file.
type Target string

const (
	ListPage   Target = "anime_list"   // paginated catalogue of titles
	DetailPage Target = "anime_page"   // a title's episode list
	PlayerPage Target = "episode_page" // an episode's player links
)

// StageTitle is the learner stage that maps a scraped title to its catalog
// name. It produces no stored strategy.
const StageTitle = "title_mapping"

// Targets lists every extraction target in pipeline order.
var Targets = []Target{ListPage, DetailPage, PlayerPage}

// Valid reports whether t is a known extraction target.
func (t Target) Valid() bool {
	switch t {
	case ListPage, DetailPage, PlayerPage:
		return true
	}
	return false
}

// ParseTarget converts a stage name into a Target.
func ParseTarget(s string) (Target, error) {
	t := Target(strings.TrimSuffix(s, ".json"))
	if !t.Valid() {
		return "", fmt.Errorf("unknown extraction target %q", s)
	}
	return t, nil
}

// Item is one extracted record: field name to value.
type Item map[string]string

// Strategy sources
const (
	SourceHuman = "human"
	SourceAI    = "ai"
)

// DefaultScore is assigned to strategies added without a score.
const DefaultScore = 0.5

// Extract says what to read from a matched element.
type Extract string

const (
	ExtractText Extract = "text"
	ExtractAttr Extract = "attr"
)

// Field locates one item field relative to the item container.
type Field struct {
	// Selector is a CSS selector queried inside the container.
	// Empty means the container itself.
	Selector string  `json:"selector" yaml:"selector"`
	Extract  Extract `json:"type" yaml:"type"`
	Attr     string  `json:"attr,omitempty" yaml:"attr,omitempty"`
}

func (f Field) spec() string {
	return f.Selector + "/" + string(f.Extract) + "/" + f.Attr
}

// Match is the condition a strategy uses to locate items.
// It is either a SelectorMatch or a PatternMatch.
type Match interface {
	// Key identifies the condition for duplicate detection.
	Key() string
	kind() string
}

// SelectorMatch finds item containers with a CSS selector and reads each
// field inside the container.
type SelectorMatch struct {
	Root   string
	Fields map[string]Field
}

func (m SelectorMatch) kind() string { return "selector" }

// Key returns the root selector plus the sorted field specs.
func (m SelectorMatch) Key() string {
	names := make([]string, 0, len(m.Fields))
	for name := range m.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("selector:")
	b.WriteString(m.Root)
	for _, name := range names {
		b.WriteString("|")
		b.WriteString(name)
		b.WriteString("=")
		b.WriteString(m.Fields[name].spec())
	}
	return b.String()
}

// PatternMatch finds items with a regular expression over the raw markup.
type PatternMatch struct {
	Pattern string
}

func (m PatternMatch) kind() string { return "pattern" }

// Key returns the pattern text.
func (m PatternMatch) Key() string { return "pattern:" + m.Pattern }

// Strategy is a named, scored extraction rule.
type Strategy struct {
	Name   string
	Score  float64
	Source string
	Match  Match
}

// Clone returns a deep copy of s.
func (s Strategy) Clone() Strategy {
	if m, ok := s.Match.(SelectorMatch); ok {
		fields := make(map[string]Field, len(m.Fields))
		for k, v := range m.Fields {
			fields[k] = v
		}
		s.Match = SelectorMatch{Root: m.Root, Fields: fields}
	}
	return s
}

// File is the on-disk layout of one target's rules.
type File struct {
	Version    int        `json:"version" yaml:"version"`
	Strategies []Strategy `json:"strategies" yaml:"strategies"`
}

// strategyDoc is the serialized form shared by JSON rule files and YAML seeds.
type strategyDoc struct {
	Name     string           `json:"name" yaml:"name"`
	Kind     string           `json:"kind,omitempty" yaml:"kind,omitempty"`
	Selector string           `json:"selector,omitempty" yaml:"selector,omitempty"`
	Fields   map[string]Field `json:"fields,omitempty" yaml:"fields,omitempty"`
	Pattern  string           `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Score    float64          `json:"score" yaml:"score"`
	Source   string           `json:"source,omitempty" yaml:"source,omitempty"`
}

// MarshalJSON writes the strategy in rule-file form.
func (s Strategy) MarshalJSON() ([]byte, error) {
	doc := strategyDoc{Name: s.Name, Score: s.Score, Source: s.Source}
	switch m := s.Match.(type) {
	case SelectorMatch:
		doc.Kind = m.kind()
		doc.Selector = m.Root
		doc.Fields = m.Fields
	case PatternMatch:
		doc.Kind = m.kind()
		doc.Pattern = m.Pattern
	case nil:
		return nil, fmt.Errorf("strategy %q has no match condition", s.Name)
	}
	return json.Marshal(doc)
}

// UnmarshalJSON reads a strategy from rule-file form.
func (s *Strategy) UnmarshalJSON(data []byte) error {
	var doc strategyDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return doc.into(s)
}

// UnmarshalYAML reads a strategy from a hand-written seed file.
func (s *Strategy) UnmarshalYAML(node *yaml.Node) error {
	var doc strategyDoc
	if err := node.Decode(&doc); err != nil {
		return err
	}
	return doc.into(s)
}

func (d strategyDoc) into(s *Strategy) error {
	kind := d.Kind
	if kind == "" {
		// Hand-seeded files may omit the kind.
		switch {
		case d.Pattern != "":
			kind = "pattern"
		case d.Selector != "":
			kind = "selector"
		}
	}

	*s = Strategy{Name: d.Name, Score: d.Score, Source: d.Source}
	switch kind {
	case "selector":
		fields := make(map[string]Field, len(d.Fields))
		for name, f := range d.Fields {
			if f.Extract == "css" || (f.Extract == "" && f.Attr != "") {
				f.Extract = ExtractAttr
			}
			if f.Extract == "" {
				f.Extract = ExtractText
			}
			fields[name] = f
		}
		s.Match = SelectorMatch{Root: d.Selector, Fields: fields}
	case "pattern":
		s.Match = PatternMatch{Pattern: d.Pattern}
	default:
		return fmt.Errorf("strategy %q: no selector or pattern", d.Name)
	}
	return nil
}
