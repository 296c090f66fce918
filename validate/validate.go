// Package validate holds the plausibility checks applied to scraped values
// before they are accepted as extraction results.
package validate

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	MinTitleLength = 2
	MaxTitleLength = 120
)

// Title reports whether text looks like a display title.
func Title(text string) bool {
	n := utf8.RuneCountInString(text)
	return n >= MinTitleLength && n <= MaxTitleLength
}

// Link reports whether s is an absolute http(s) link.
func Link(s string) bool {
	return strings.HasPrefix(s, "http")
}

// AnimeItem checks a catalogue entry scraped from a list page.
func AnimeItem(item map[string]string) bool {
	return Title(item["title"]) && Link(item["link"])
}

// EpisodeItem checks an entry scraped from a detail page.
func EpisodeItem(item map[string]string) bool {
	return Title(item["title"]) && Link(item["link"])
}

// EpisodeNumber reports whether value parses as a positive integer.
func EpisodeNumber(value string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	return err == nil && n > 0
}

// PlayerURL reports whether s can be handed to a player resolver.
func PlayerURL(s string) bool {
	return Link(s)
}

// Googlevideo reports whether s points at a googlevideo stream.
func Googlevideo(s string) bool {
	return strings.Contains(s, "googlevideo.com")
}

// Blogger reports whether s points at a Blogger video page.
func Blogger(s string) bool {
	return strings.Contains(s, "blogger.com")
}
