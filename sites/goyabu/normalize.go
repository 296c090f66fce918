package goyabu

import (
	"encoding/base64"
	"regexp"
	"strings"

	"animeheal/rules"
	"animeheal/validate"
)

var (
	ratingRe = regexp.MustCompile(`(\d\.\d)`)
	digitsRe = regexp.MustCompile(`(\d+)`)
)

// Normalize rewrites raw items into the canonical field set. It satisfies
// rules.Normalizer.
func (s *Scraper) Normalize(target rules.Target, item rules.Item) (rules.Item, bool) {
	switch target {
	case rules.ListPage:
		normalizeListItem(item)
	case rules.DetailPage:
		normalizeEpisode(s.base, item)
	case rules.PlayerPage:
		item["player"] = DecodePlayer(item["player"])
	}
	return item, true
}

// normalizeListItem splits the audio flag and rating out of a card title:
// "Naruto Dublado 8.4" becomes title "Naruto", kind "dub", rating "8.4".
func normalizeListItem(item rules.Item) {
	text := item["title"]

	rating := ratingRe.FindString(text)
	kind := "sub"
	if strings.Contains(text, "Dublado") {
		kind = "dub"
	}

	title := strings.NewReplacer("Dublado", "", "Legendado", "").Replace(text)
	if rating != "" {
		title = strings.Replace(title, rating, "", 1)
	} else {
		rating = "N/A"
	}

	item["title"] = strings.Join(strings.Fields(title), " ")
	item["kind"] = kind
	item["rating"] = rating
}

// normalizeEpisode fills link, episode and title for detail items. Items
// decoded from the page script carry id/episodio/audio; items from card
// selectors carry title/link.
func normalizeEpisode(base string, item rules.Item) {
	if item["link"] == "" && item["id"] != "" {
		item["link"] = strings.TrimRight(base, "/") + "/" + item["id"]
	}

	ep := firstNonEmpty(item, "episode", "episodio", "ep", "numero", "number")
	if ep == "" {
		if m := digitsRe.FindString(item["title"]); m != "" {
			ep = m
		}
	}
	delete(item, "episodio")

	if validate.EpisodeNumber(ep) {
		item["episode"] = strings.TrimLeft(strings.TrimSpace(ep), "0")
	} else {
		delete(item, "episode")
	}

	if item["title"] == "" && item["episode"] != "" {
		item["title"] = "Episódio " + item["episode"]
	}
}

func firstNonEmpty(item rules.Item, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(item[k]); v != "" {
			return v
		}
	}
	return ""
}

// DecodePlayer turns a player button value into a URL. Values are either
// plain links or base64-encoded ones; anything else is returned unchanged.
func DecodePlayer(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || validate.Link(v) {
		return v
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(v); err == nil && validate.Link(string(b)) {
			return strings.TrimSpace(string(b))
		}
	}
	return v
}
