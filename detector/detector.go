// Package detector decides whether an extraction result means the page
// layout broke and the rule learner should be called.
package detector

import (
	"reflect"
	"strings"

	"animeheal/rules"
)

// ShouldTriggerAI reports whether result, produced for target, is broken.
// Unknown targets are never reported broken.
func ShouldTriggerAI(target rules.Target, result any) bool {
	switch target {
	case rules.ListPage:
		return EmptyList(result)
	case rules.DetailPage:
		return InvalidEpisodes(result)
	case rules.PlayerPage:
		return InvalidURL(result)
	}
	return false
}

// EmptyList reports whether result is nil or an empty slice or map.
func EmptyList(result any) bool {
	if result == nil {
		return true
	}
	v := reflect.ValueOf(result)
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return v.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// InvalidEpisodes reports whether episodes is empty or any entry lacks an
// episode number.
func InvalidEpisodes(result any) bool {
	switch eps := result.(type) {
	case []rules.Item:
		if len(eps) == 0 {
			return true
		}
		for _, ep := range eps {
			if !hasEpisode(ep) {
				return true
			}
		}
		return false
	case []map[string]string:
		if len(eps) == 0 {
			return true
		}
		for _, ep := range eps {
			if !hasEpisode(ep) {
				return true
			}
		}
		return false
	}
	return true
}

func hasEpisode(item map[string]string) bool {
	return item["episode"] != "" || item["ep"] != ""
}

// InvalidURL reports whether result is not an absolute http(s) URL string.
func InvalidURL(result any) bool {
	s, ok := result.(string)
	if !ok || s == "" {
		return true
	}
	return !strings.HasPrefix(s, "http")
}
