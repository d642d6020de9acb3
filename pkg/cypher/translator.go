// Package cypher turns extraction results into parameterized, idempotent
// graph mutations.
package cypher

import (
	"sync/atomic"
	"time"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/util"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/resolve"
)

// Translator converts extraction results into Statements.
type Translator struct {
	resolver *resolve.Resolver
	now      func() time.Time
	log      *logger.Logger

	entitiesTranslated      atomic.Int64
	entitiesDropped         atomic.Int64
	relationshipsTranslated atomic.Int64
	relationshipsDropped    atomic.Int64
}

// NewTranslatorParams configures a Translator. Resolver defaults to
// resolve.New() and Now to time.Now.
type NewTranslatorParams struct {
	Resolver *resolve.Resolver
	Now      func() time.Time
	Logger   *logger.Logger
}

// TranslatorStats is a snapshot of the translator counters.
type TranslatorStats struct {
	EntitiesTranslated      int64 `json:"entities_translated"`
	EntitiesDropped         int64 `json:"entities_dropped"`
	RelationshipsTranslated int64 `json:"relationships_translated"`
	RelationshipsDropped    int64 `json:"relationships_dropped"`
}

func NewTranslator(params NewTranslatorParams) *Translator {
	r := params.Resolver
	if r == nil {
		r = resolve.New()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Translator{resolver: r, now: now, log: params.Logger}
}

// Resolver returns the resolver used for node keys.
func (t *Translator) Resolver() *resolve.Resolver {
	return t.resolver
}

// Translate is TranslateChunk without chunk text.
func (t *Translator) Translate(result common.ExtractionResult, meta common.SourceMetadata) []Statement {
	return t.TranslateChunk(result, meta, "")
}

type endpoint struct {
	key   string
	label string
}

// TranslateChunk returns one statement per distinct entity followed by one
// statement per relationship. Records that sanitize to nothing are dropped.
// chunkText, when given, supplies the original_sentence of each record that
// meta does not already provide.
func (t *Translator) TranslateChunk(result common.ExtractionResult, meta common.SourceMetadata, chunkText string) []Statement {
	now := t.now().UTC().Format(time.RFC3339Nano)
	sentences := util.SplitSentences(chunkText)
	sourceFile := SanitizeValue(meta.SourceFile)
	page := int64(meta.PageNumber)

	statements := make([]Statement, 0, len(result.Entities)+len(result.Relationships))
	seen := make(map[endpoint]struct{}, len(result.Entities))
	labels := make(map[string]string, len(result.Entities))

	for _, e := range result.Entities {
		name := SanitizeValue(e.Name)
		key := t.resolver.Normalize(name)
		if key == "" {
			t.entitiesDropped.Add(1)
			t.log.Debug("[Translator] Dropping entity with empty key", "name", util.TruncateForLog(e.Name, 80))
			continue
		}
		label := SanitizeLabel(e.Type, FallbackNodeLabel)
		id := endpoint{key: key, label: label}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := labels[key]; !ok {
			labels[key] = label
		}

		sentence := meta.OriginalSentence
		if sentence == "" {
			sentence = pickSentence(sentences, name)
		}

		statements = append(statements, Statement{
			Kind:   KindNode,
			Label:  label,
			Cypher: NodeCypher(label),
			Params: map[string]any{
				ParamKey:              key,
				ParamName:             name,
				ParamType:             label,
				ParamNow:              now,
				ParamSourceFile:       sourceFile,
				ParamPageNumber:       page,
				ParamOriginalSentence: SanitizeValue(sentence),
				ParamProps:            SanitizeProperties(e.Properties),
			},
		})
		t.entitiesTranslated.Add(1)
	}

	for _, r := range result.Relationships {
		source := SanitizeValue(r.Source)
		target := SanitizeValue(r.Target)
		startKey := t.resolver.Normalize(source)
		endKey := t.resolver.Normalize(target)
		if startKey == "" || endKey == "" || startKey == endKey {
			t.relationshipsDropped.Add(1)
			t.log.Debug("[Translator] Dropping relationship",
				"source", util.TruncateForLog(r.Source, 80),
				"target", util.TruncateForLog(r.Target, 80),
			)
			continue
		}
		relType := SanitizeLabel(r.Type, FallbackEdgeType)
		startLabel := labels[startKey]
		endLabel := labels[endKey]

		sentence := meta.OriginalSentence
		if sentence == "" {
			sentence = pickSentence(sentences, source, target)
		}
		if sentence == "" {
			sentence = pickSentence(sentences, source)
		}

		statements = append(statements, Statement{
			Kind:   KindEdge,
			Label:  relType,
			Cypher: EdgeCypher(relType, startLabel, endLabel),
			Params: map[string]any{
				ParamStartKey:         startKey,
				ParamStartLabel:       startLabel,
				ParamEndKey:           endKey,
				ParamEndLabel:         endLabel,
				ParamWeight:           Weight(r.Properties),
				ParamNow:              now,
				ParamSourceFile:       sourceFile,
				ParamPageNumber:       page,
				ParamOriginalSentence: SanitizeValue(sentence),
				ParamProps:            SanitizeProperties(r.Properties),
			},
		})
		t.relationshipsTranslated.Add(1)
	}

	return statements
}

// pickSentence returns the first sentence containing every name. With a
// single name and no match it falls back to the first sentence; with more
// than one name it returns "".
func pickSentence(sentences []string, names ...string) string {
	if len(sentences) == 0 {
		return ""
	}
outer:
	for _, s := range sentences {
		for _, name := range names {
			if !containsFold(s, name) {
				continue outer
			}
		}
		return s
	}
	if len(names) == 1 {
		return sentences[0]
	}
	return ""
}

// Stats returns a snapshot of the counters.
func (t *Translator) Stats() TranslatorStats {
	return TranslatorStats{
		EntitiesTranslated:      t.entitiesTranslated.Load(),
		EntitiesDropped:         t.entitiesDropped.Load(),
		RelationshipsTranslated: t.relationshipsTranslated.Load(),
		RelationshipsDropped:    t.relationshipsDropped.Load(),
	}
}

// ResetStats zeroes the counters.
func (t *Translator) ResetStats() {
	t.entitiesTranslated.Store(0)
	t.entitiesDropped.Store(0)
	t.relationshipsTranslated.Store(0)
	t.relationshipsDropped.Store(0)
}
