package citation

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	maxMarkerLen = 64
	// maxRangeSpan bounds "[n-m]" so years and other spans are not read as
	// citation ranges.
	maxRangeSpan = 20
)

var reBold = regexp.MustCompile(`\*\*\s*((?:\[\[?[0-9,;\s\-–]+\]?\]\s*)+)\*\*`)

// Marker is one bracketed citation group in an answer. Start and End are
// byte offsets of the brackets.
type Marker struct {
	IDs   []int
	Start int
	End   int
}

// FindMarkers returns every citation group in text in order. "[1]",
// "[[1]]", "[1, 2]", "[1; 2]" and ranges such as "[1-3]" are markers; markdown links such as
// "[1](http://x)" and brackets holding anything other than ids are not.
func FindMarkers(text string) []Marker {
	var out []Marker
	for i := 0; i < len(text); {
		if text[i] != '[' {
			i++
			continue
		}
		m, ok := markerAt(text, i)
		if !ok {
			i++
			continue
		}
		out = append(out, m)
		i = m.End
	}
	return out
}

func markerAt(text string, start int) (Marker, bool) {
	open, closing := "[", "]"
	if strings.HasPrefix(text[start:], "[[") {
		open, closing = "[[", "]]"
	}
	inner := start + len(open)
	rel := strings.Index(text[inner:], closing)
	if rel < 0 || rel > maxMarkerLen {
		return Marker{}, false
	}
	content := text[inner : inner+rel]
	end := inner + rel + len(closing)
	if strings.ContainsAny(content, "[]") {
		return Marker{}, false
	}
	if end < len(text) && text[end] == '(' {
		return Marker{}, false
	}
	ids, ok := parseIDs(content)
	if !ok {
		return Marker{}, false
	}
	return Marker{IDs: ids, Start: start, End: end}, true
}

func parseIDs(content string) ([]int, bool) {
	parts := strings.FieldsFunc(content, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	if len(parts) == 0 {
		return nil, false
	}
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		if from, to, ok := parseRange(p); ok {
			for n := from; n <= to; n++ {
				ids = append(ids, n)
			}
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, false
		}
		ids = append(ids, n)
	}
	return ids, true
}

// parseRange reads "n-m" (hyphen or en dash) with n < m and a span of at
// most maxRangeSpan ids.
func parseRange(p string) (int, int, bool) {
	lo, hi, found := strings.Cut(strings.ReplaceAll(p, "–", "-"), "-")
	if !found {
		return 0, 0, false
	}
	from, err1 := strconv.Atoi(lo)
	to, err2 := strconv.Atoi(hi)
	if err1 != nil || err2 != nil || from < 0 || to <= from || to-from >= maxRangeSpan {
		return 0, 0, false
	}
	return from, to, true
}

// Normalize rewrites citation markers into the canonical "[n]" form. Bold
// and double brackets are removed and groups are split into one marker per
// id. Adjacent markers are joined ("[1] [2]" becomes "[1][2]") and a
// repeated id in such a run is kept once.
func Normalize(text string) string {
	text = reBold.ReplaceAllString(text, "$1")
	markers := FindMarkers(text)
	if len(markers) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	cursor := 0
	last := -1
	for i, m := range markers {
		between := text[cursor:m.Start]
		if i > 0 && strings.TrimSpace(between) == "" && !strings.ContainsAny(between, "\r\n") {
			between = ""
		} else {
			last = -1
		}
		b.WriteString(between)
		for _, id := range m.IDs {
			if id == last {
				continue
			}
			b.WriteString("[" + strconv.Itoa(id) + "]")
			last = id
		}
		cursor = m.End
	}
	b.WriteString(text[cursor:])
	return b.String()
}

// StripMarkers removes every citation marker from text and tidies the
// whitespace left behind.
func StripMarkers(text string) string {
	text = reBold.ReplaceAllString(text, "$1")
	markers := FindMarkers(text)
	if len(markers) == 0 {
		return strings.TrimSpace(text)
	}
	var b strings.Builder
	cursor := 0
	for _, m := range markers {
		b.WriteString(text[cursor:m.Start])
		cursor = m.End
	}
	b.WriteString(text[cursor:])
	return tidy(b.String())
}

var (
	reSpaces      = regexp.MustCompile(`[ \t]{2,}`)
	reSpaceBefore = regexp.MustCompile(`[ \t]+([.,;:!?])`)
)

func tidy(s string) string {
	s = reSpaces.ReplaceAllString(s, " ")
	s = reSpaceBefore.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}
