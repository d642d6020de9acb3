// Package resolve maps surface forms of entity names to the normalized key
// used as graph identity. The same Resolver is used when writing nodes and
// when looking them up, so both sides agree on identity.
package resolve

import (
	"strings"
	"unicode"
)

// DefaultStopWords are tokens that never form an entity on their own.
var DefaultStopWords = []string{
	"a", "an", "and", "or", "the", "of", "in", "on", "for", "to", "with",
	"what", "which", "who", "whom", "whose", "when", "where", "why", "how",
	"does", "do", "did", "is", "are", "was", "were", "be", "been",
	"has", "have", "had", "it", "its", "this", "that", "these", "those",
	"about", "from", "by", "at", "as", "than", "then", "tell", "me", "please",
	"그리고", "또는", "대한", "관련",
}

// Resolver normalizes entity names. It is immutable after construction and
// safe for concurrent use.
type Resolver struct {
	stopWords map[string]struct{}
	aliases   map[string]string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAliases adds alias mappings. Keys and values are normalized before
// they are stored, so callers may pass any surface form.
func WithAliases(aliases map[string]string) Option {
	return func(r *Resolver) {
		for from, to := range aliases {
			key := r.canonical(from)
			val := r.canonical(to)
			if key == "" || val == "" {
				continue
			}
			r.aliases[key] = val
		}
	}
}

// WithStopWords replaces the stop word list.
func WithStopWords(words []string) Option {
	return func(r *Resolver) {
		r.stopWords = make(map[string]struct{}, len(words))
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w != "" {
				r.stopWords[w] = struct{}{}
			}
		}
	}
}

// New creates a Resolver with the default stop words and no aliases.
func New(opts ...Option) *Resolver {
	r := &Resolver{aliases: map[string]string{}}
	WithStopWords(DefaultStopWords)(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var defaultResolver = New()

// Normalize uses a Resolver with default settings.
func Normalize(term string) string {
	return defaultResolver.Normalize(term)
}

// Normalize returns the canonical key for term, or "" when term holds
// nothing but stop words and punctuation.
func (r *Resolver) Normalize(term string) string {
	key := r.canonical(term)
	if key == "" {
		return ""
	}
	if alias, ok := r.aliases[key]; ok {
		key = alias
	}
	if r.onlyStopWords(key) {
		return ""
	}
	return key
}

// IsStopWord reports whether token is a stop word.
func (r *Resolver) IsStopWord(token string) bool {
	_, ok := r.stopWords[strings.ToLower(token)]
	return ok
}

func (r *Resolver) canonical(term string) string {
	term = strings.ToLower(term)
	fields := strings.Fields(term)
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, isTrimmable)
		f = stripPossessive(f)
		f = strings.TrimFunc(f, isTrimmable)
		if f != "" {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}

func (r *Resolver) onlyStopWords(key string) bool {
	for _, tok := range strings.Fields(key) {
		if _, ok := r.stopWords[tok]; !ok {
			return false
		}
	}
	return true
}

func isTrimmable(r rune) bool {
	switch r {
	case '&', '%', '$', '#', '@', '+':
		return false
	}
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

func stripPossessive(s string) string {
	for _, suffix := range []string{"'s", "’s"} {
		if strings.HasSuffix(s, suffix) && len(s) > len(suffix) {
			return strings.TrimSuffix(s, suffix)
		}
	}
	return s
}
