package provider

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxMessageChars = 500
	minMessageChars = 10
)

var (
	// Models sometimes append alternative versions after one of these markers.
	reVariant = regexp.MustCompile(`(?im)^\s*(lub( tak| też)?|albo|może|przykład|przykładowe|i jeszcze|następnie|ewentualnie|or|alternatively|another option)\s*:|^\s*(wersja|opcja|version|option)\s*\d+\s*:`)

	reBold   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reItalic = regexp.MustCompile(`\*(.+?)\*`)
	reCode   = regexp.MustCompile("`(.+?)`")
	reBullet = regexp.MustCompile(`^(?:[-*•]\s+|\d+[.)]\s*)`)
	reQuotes = regexp.MustCompile(`^["„“”']+|["„“”']+$`)
	reSplit  = regexp.MustCompile(`[.!?]+\s+`)
)

// Clean normalizes a raw completion into a single reminder.
// ok is false when nothing usable remains.
func Clean(raw string) (string, bool) {
	msg := strings.TrimSpace(raw)
	if msg == "" {
		return "", false
	}

	if loc := reVariant.FindStringIndex(msg); loc != nil && loc[0] > 0 {
		msg = strings.TrimSpace(msg[:loc[0]])
	}

	msg = reBold.ReplaceAllString(msg, "$1")
	msg = reItalic.ReplaceAllString(msg, "$1")
	msg = reCode.ReplaceAllString(msg, "$1")
	msg = reBullet.ReplaceAllString(msg, "")
	msg = strings.TrimSpace(reQuotes.ReplaceAllString(strings.TrimSpace(msg), ""))

	if utf8.RuneCountInString(msg) > maxMessageChars {
		msg = firstSentences(msg)
	}
	if utf8.RuneCountInString(msg) > maxMessageChars {
		msg = truncateRunes(msg, maxMessageChars)
	}
	if utf8.RuneCountInString(msg) < minMessageChars {
		return "", false
	}
	return msg, true
}

// firstSentences keeps the first sentence, or the first two when the first is very short.
func firstSentences(msg string) string {
	idx := reSplit.FindAllStringIndex(msg, 2)
	if len(idx) == 0 {
		return msg
	}
	first := strings.TrimSpace(msg[:idx[0][1]])
	if utf8.RuneCountInString(first) < 50 && len(idx) > 1 {
		return strings.TrimSpace(msg[:idx[1][1]])
	}
	return first
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return strings.TrimSpace(s[:pos])
		}
		i++
	}
	return s
}
