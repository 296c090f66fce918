package rules

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Page is a fetched document ready for strategy application.
// The markup is parsed once and shared by every strategy tried on it.
type Page struct {
	URL    string
	Markup string
	doc    *goquery.Document
}

// NewPage parses markup fetched from pageURL.
func NewPage(pageURL, markup string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parsing page: %w", err)
	}
	return &Page{URL: pageURL, Markup: markup, doc: doc}, nil
}

// ApplyResult contains the raw items a strategy produced, before any
// target-specific post-processing.
type ApplyResult struct {
	Items []Item

	// FieldHits counts, per field, how many containers yielded a value.
	FieldHits map[string]int
}

// Apply runs a single strategy against a page.
func Apply(page *Page, s Strategy) (ApplyResult, error) {
	switch m := s.Match.(type) {
	case SelectorMatch:
		return applySelector(page.doc.Selection, m), nil
	case PatternMatch:
		items, err := applyPattern(page.Markup, m.Pattern)
		if err != nil {
			return ApplyResult{}, err
		}
		return ApplyResult{Items: items}, nil
	default:
		return ApplyResult{}, fmt.Errorf("strategy %q has no match condition", s.Name)
	}
}

// applySelector treats every element matching the root selector as an item
// container. An item is kept only when all of its fields produce a value.
func applySelector(root *goquery.Selection, m SelectorMatch) ApplyResult {
	result := ApplyResult{FieldHits: make(map[string]int, len(m.Fields))}
	if m.Root == "" || len(m.Fields) == 0 {
		return result
	}

	root.Find(m.Root).Each(func(_ int, container *goquery.Selection) {
		item := make(Item, len(m.Fields))
		complete := true
		for name, f := range m.Fields {
			value, ok := extractField(container, f)
			if !ok {
				complete = false
				continue
			}
			result.FieldHits[name]++
			item[name] = value
		}
		if complete {
			result.Items = append(result.Items, item)
		}
	})

	return result
}

func extractField(container *goquery.Selection, f Field) (string, bool) {
	sel := container
	if f.Selector != "" {
		sel = container.Find(f.Selector).First()
	}
	if sel.Length() == 0 {
		return "", false
	}

	switch f.Extract {
	case ExtractAttr:
		v, ok := sel.Attr(f.Attr)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	default:
		v := cleanText(sel.Text())
		return v, v != ""
	}
}

// cleanText collapses runs of whitespace, newlines included.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
