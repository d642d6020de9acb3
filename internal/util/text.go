package util

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeText drops invalid UTF-8 sequences and NUL bytes.
func SanitizeText(value string) string {
	if value == "" {
		return value
	}

	sanitized := strings.ToValidUTF8(value, "")
	return strings.ReplaceAll(sanitized, "\x00", "")
}

// TruncateRunes cuts s to at most n runes.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// TruncateForLog shortens s to n runes and appends "..." when cut.
func TruncateForLog(s string, n int) string {
	cut := TruncateRunes(s, n)
	if len(cut) < len(s) {
		return cut + "..."
	}
	return cut
}

// SplitSentences splits text into trimmed sentences. Line breaks always end a
// sentence; within a line, '.', '!' or '?' followed by whitespace does.
func SplitSentences(text string) []string {
	var sentences []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		start := 0
		runes := []rune(line)
		for i := 0; i < len(runes); i++ {
			switch runes[i] {
			case '.', '!', '?', '。':
				if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
					if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
						sentences = append(sentences, s)
					}
					start = i + 1
				}
			}
		}
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}
