package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// applyPattern runs a pattern strategy over raw markup.
//
// When a match's first capture group holds a JSON array of objects (the
// common case for episode lists embedded in page scripts) each object
// becomes an item. Otherwise every match becomes one item built from its
// named groups, with an unnamed first group stored as "value".
func applyPattern(markup, pattern string) ([]Item, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling pattern: %w", err)
	}

	matches := re.FindAllStringSubmatch(markup, -1)
	if len(matches) == 0 {
		return nil, nil
	}

	for _, m := range matches {
		if len(m) < 2 {
			continue
		}
		if items, ok := decodeJSONItems(m[1]); ok {
			return items, nil
		}
	}

	names := re.SubexpNames()
	var items []Item
	for _, m := range matches {
		item := Item{}
		for i := 1; i < len(m); i++ {
			name := names[i]
			if name == "" {
				if i != 1 {
					continue
				}
				name = "value"
			}
			if v := strings.TrimSpace(m[i]); v != "" {
				item[name] = v
			}
		}
		if len(item) > 0 {
			items = append(items, item)
		}
	}
	return items, nil
}

// decodeJSONItems parses a JSON array of objects into items, converting
// scalar values to strings.
func decodeJSONItems(raw string) ([]Item, bool) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "[") {
		return nil, false
	}

	var objects []map[string]any
	if err := json.Unmarshal([]byte(strings.ReplaceAll(raw, `\/`, "/")), &objects); err != nil {
		return nil, false
	}

	items := make([]Item, 0, len(objects))
	for _, obj := range objects {
		item := make(Item, len(obj))
		for k, v := range obj {
			if s, ok := scalarString(v); ok {
				item[k] = s
			}
		}
		if len(item) > 0 {
			items = append(items, item)
		}
	}
	return items, true
}

func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, x != ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	case nil:
		return "", false
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}
