package sites

import (
	"context"
	"strings"

	"animeheal/validate"
)

// GoogleVideo passes direct googlevideo stream URLs through, adding the
// headers the CDN expects and a quality guess.
type GoogleVideo struct{}

func (GoogleVideo) Name() string { return "googlevideo" }

func (GoogleVideo) Match(url string) bool {
	return validate.Googlevideo(url)
}

func (GoogleVideo) Resolve(_ context.Context, url string) ([]Stream, error) {
	return []Stream{googleVideoStream(url)}, nil
}

func googleVideoStream(url string) Stream {
	return Stream{
		URL:     url,
		Type:    "mp4",
		Quality: GuessQuality(url),
		Headers: map[string]string{
			"User-Agent": "Mozilla/5.0",
			"Referer":    "https://www.blogger.com/",
		},
	}
}

// GuessQuality infers the resolution from itag markers in a stream URL.
func GuessQuality(url string) string {
	switch {
	case strings.Contains(url, "=m37"), strings.Contains(url, "1080"):
		return "1080p"
	case strings.Contains(url, "=m22"), strings.Contains(url, "720"):
		return "720p"
	case strings.Contains(url, "=m18"):
		return "360p"
	}
	return "auto"
}
