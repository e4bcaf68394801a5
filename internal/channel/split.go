package channel

import (
	"strings"
	"unicode/utf8"
)

// Split cuts text into chunks of at most limit runes, preferring
// paragraph, line and word boundaries in that order.
func Split(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var out []string
	for utf8.RuneCountInString(text) > limit {
		window := prefixRunes(text, limit)
		cut := -1
		for _, sep := range []string{"\n\n", "\n", " "} {
			if i := strings.LastIndex(window, sep); i > len(window)/2 {
				cut = i
				break
			}
		}
		var chunk string
		if cut < 0 {
			chunk, text = window, text[len(window):]
		} else {
			chunk, text = window[:cut], text[cut:]
		}
		if chunk = strings.TrimSpace(chunk); chunk != "" {
			out = append(out, chunk)
		}
		text = strings.TrimSpace(text)
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
