package catalog

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	parenthetical = regexp.MustCompile(`\(.*?\)`)
	quoteReplacer = strings.NewReplacer(
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
	)
)

// StripAccents removes combining marks: "Kimetsu no Yaibá" becomes
// "Kimetsu no Yaiba".
func StripAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeTitle prepares a scraped title for a catalog search: curly
// quotes straightened, parentheticals dropped, everything after the first
// colon cut, accents stripped and whitespace collapsed.
func NormalizeTitle(title string) string {
	t := quoteReplacer.Replace(title)
	t = parenthetical.ReplaceAllString(t, "")
	if i := strings.Index(t, ":"); i >= 0 {
		t = t[:i]
	}
	t = StripAccents(t)
	return strings.Join(strings.Fields(t), " ")
}

// Variants returns the search strings tried for a normalized title, in
// order of preference: the title capped at 50 runes, then its first 20
// runes when it is longer than that.
func Variants(normalized string) []string {
	full := truncateRunes(normalized, 50)
	out := []string{full}
	if short := strings.TrimSpace(truncateRunes(normalized, 20)); short != full && short != "" {
		out = append(out, short)
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Ratio scores the similarity of a and b between 0 and 1 using the
// Ratcliff/Obershelp measure: twice the matched characters over the total.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	return 2 * float64(matching(ra, rb)) / float64(total)
}

// matching counts characters in common blocks, recursing on both sides of
// the longest common substring.
func matching(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	i, j, n := longestCommon(a, b)
	if n == 0 {
		return 0
	}
	return n + matching(a[:i], b[:j]) + matching(a[i+n:], b[j+n:])
}

func longestCommon(a, b []rune) (int, int, int) {
	bestI, bestJ, best := 0, 0, 0
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best = cur[j]
					bestI, bestJ = i-cur[j], j-cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return bestI, bestJ, best
}
