package validate

import (
	"strings"
	"testing"
)

func TestTitle(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"A", false},
		{"Ok", true},
		{"Naruto Shippuden", true},
		{strings.Repeat("a", 120), true},
		{strings.Repeat("a", 121), false},
		{strings.Repeat("é", 120), true},
	}
	for _, tt := range tests {
		if got := Title(tt.in); got != tt.want {
			t.Errorf("Title(%d chars) = %v, want %v", len(tt.in), got, tt.want)
		}
	}
}

func TestAnimeItem(t *testing.T) {
	good := map[string]string{"title": "One Piece", "link": "https://goyabu.io/anime/one-piece"}
	if !AnimeItem(good) {
		t.Error("expected valid item")
	}

	relative := map[string]string{"title": "One Piece", "link": "/anime/one-piece"}
	if AnimeItem(relative) {
		t.Error("relative link should be rejected")
	}

	if AnimeItem(map[string]string{"link": "https://goyabu.io/x"}) {
		t.Error("missing title should be rejected")
	}
}

func TestEpisodeNumber(t *testing.T) {
	for in, want := range map[string]bool{"1": true, " 12 ": true, "0": false, "-3": false, "ep": false} {
		if got := EpisodeNumber(in); got != want {
			t.Errorf("EpisodeNumber(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPlayerChecks(t *testing.T) {
	if PlayerURL("/player/1") {
		t.Error("relative player path should be rejected")
	}
	if !PlayerURL("https://www.blogger.com/video.g?token=abc") {
		t.Error("absolute player url should pass")
	}
	if !Blogger("https://www.blogger.com/video.g?token=abc") {
		t.Error("blogger url not detected")
	}
	if !Googlevideo("https://r1---sn.googlevideo.com/videoplayback?itag=22") {
		t.Error("googlevideo url not detected")
	}
}
