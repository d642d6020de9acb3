package query

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/util"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/resolve"
)

const (
	DefaultMaxTerms   = 5
	fallbackTermRunes = 64
)

var termPattern = regexp.MustCompile(`[A-Za-z][A-Za-z0-9&._-]{1,}|[가-힣]{2,}`)

var skippedTokens = map[string]struct{}{
	"AND": {}, "OR": {}, "THE": {}, "A": {}, "AN": {},
}

// ExtractTerms picks candidate entity names from a question. Capitalized and
// Korean tokens are preferred; other tokens are only used when the preferred
// ones yield nothing. Without any term the first 64 runes of the question
// are used as a single term.
func ExtractTerms(question string, r *resolve.Resolver, max int) []string {
	if r == nil {
		r = resolve.New()
	}
	if max <= 0 {
		max = DefaultMaxTerms
	}

	tokens := termPattern.FindAllString(question, -1)
	var preferred, rest []string
	for _, tok := range tokens {
		if _, skip := skippedTokens[strings.ToUpper(tok)]; skip {
			continue
		}
		if isPreferred(tok) {
			preferred = append(preferred, tok)
		} else {
			rest = append(rest, tok)
		}
	}

	terms := collectTerms(preferred, r, max)
	if len(terms) == 0 {
		terms = collectTerms(rest, r, max)
	}
	if len(terms) == 0 {
		if t := r.Normalize(util.TruncateRunes(strings.TrimSpace(question), fallbackTermRunes)); t != "" {
			terms = []string{t}
		}
	}
	return terms
}

func collectTerms(tokens []string, r *resolve.Resolver, max int) []string {
	var terms []string
	seen := map[string]struct{}{}
	for _, tok := range tokens {
		t := r.Normalize(tok)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
		if len(terms) >= max {
			break
		}
	}
	return terms
}

func isPreferred(tok string) bool {
	first, _ := utf8.DecodeRuneInString(tok)
	if unicode.IsUpper(first) {
		return true
	}
	for _, r := range tok {
		if unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}
