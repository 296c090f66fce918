package sites

import (
	"context"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"animeheal/validate"
)

// Getter fetches a page body. *fetcher.Client satisfies it.
type Getter interface {
	Get(ctx context.Context, url string) (string, error)
}

var playURL = regexp.MustCompile(`"play_url":"(https://[^"]+googlevideo\.com[^"]+)"`)

// Blogger resolves Blogger video embeds. Stream URLs are read from the
// page's inline config; when absent, the first Blogger iframe is followed.
type Blogger struct {
	get Getter
}

// NewBlogger creates a Blogger resolver fetching through get.
func NewBlogger(get Getter) *Blogger {
	return &Blogger{get: get}
}

func (b *Blogger) Name() string { return "blogger" }

func (b *Blogger) Match(url string) bool {
	return validate.Blogger(url) || strings.Contains(url, "blogspot.com")
}

func (b *Blogger) Resolve(ctx context.Context, url string) ([]Stream, error) {
	html, err := b.get.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	if streams := streamsFromScripts(html); len(streams) > 0 {
		return streams, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, nil
	}
	src, ok := doc.Find("iframe[src]").First().Attr("src")
	if !ok || !b.Match(src) {
		return nil, nil
	}

	html, err = b.get.Get(ctx, src)
	if err != nil {
		return nil, err
	}
	return streamsFromScripts(html), nil
}

func streamsFromScripts(html string) []Stream {
	var out []Stream
	seen := make(map[string]bool)
	for _, m := range playURL.FindAllStringSubmatch(html, -1) {
		u := strings.ReplaceAll(m[1], `\u0026`, "&")
		u = strings.ReplaceAll(u, `\/`, "/")
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, googleVideoStream(u))
	}
	return out
}
