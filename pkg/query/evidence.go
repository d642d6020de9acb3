package query

import (
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/util"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
)

const (
	SourceTypeGraph     = "graph"
	UnknownFile         = "Unknown"
	DefaultExcerptChars = 300
)

type sourceKey struct {
	file     string
	page     int
	sentence string
}

type sourceBuilder struct {
	top     int
	excerpt int
	seen    map[sourceKey]struct{}
	sources []common.EvidenceSource
}

func newSourceBuilder(top, excerpt int) *sourceBuilder {
	if excerpt <= 0 {
		excerpt = DefaultExcerptChars
	}
	return &sourceBuilder{top: top, excerpt: excerpt, seen: map[sourceKey]struct{}{}}
}

func (b *sourceBuilder) full() bool {
	return b.top > 0 && len(b.sources) >= b.top
}

func (b *sourceBuilder) push(props propReader, id string, confidence float64) {
	if b.full() {
		return
	}
	sentence := strings.TrimSpace(props.StringProp("original_sentence"))
	if sentence == "" {
		sentence = strings.TrimSpace(props.StringProp("description"))
	}
	if sentence == "" {
		return
	}
	file := props.StringProp("source_file")
	if file == "" {
		file = props.StringProp("source")
	}
	if file == "" {
		file = UnknownFile
	}
	page := props.IntProp("page_number")
	if page < 0 {
		page = 0
	}

	k := sourceKey{file: file, page: page, sentence: sentence}
	if _, dup := b.seen[k]; dup {
		return
	}
	b.seen[k] = struct{}{}

	b.sources = append(b.sources, common.EvidenceSource{
		ID:               len(b.sources) + 1,
		File:             file,
		PageNumber:       page,
		ChunkOrNodeID:    id,
		Excerpt:          util.TruncateRunes(sentence, b.excerpt),
		OriginalSentence: sentence,
		Type:             SourceTypeGraph,
		Confidence:       confidence,
	})
}

type propReader interface {
	StringProp(key string) string
	IntProp(key string) int
}

// EdgeSourceID identifies an edge in evidence as "<start>-><end>:<TYPE>".
func EdgeSourceID(e common.GraphEdge) string {
	return e.StartID + "->" + e.EndID + ":" + e.Type
}

// PathSources converts expansion paths to numbered evidence in discovery
// order: start node, edge, end node. Sources repeating (file, page,
// sentence) are skipped and at most top are returned (0 = all).
func PathSources(paths []common.GraphPath, top, excerpt int) []common.EvidenceSource {
	b := newSourceBuilder(top, excerpt)
	for _, p := range paths {
		if b.full() {
			break
		}
		b.push(p.Start, p.Start.ID, 1.0)
		b.push(p.Edge, EdgeSourceID(p.Edge), p.Edge.Weight)
		b.push(p.End, p.End.ID, 1.0)
	}
	return b.sources
}

// NodeSources converts seed nodes without any expansion paths.
func NodeSources(nodes []common.GraphNode, top, excerpt int) []common.EvidenceSource {
	b := newSourceBuilder(top, excerpt)
	for _, n := range nodes {
		if b.full() {
			break
		}
		b.push(n, n.ID, 1.0)
	}
	return b.sources
}

// FormatContext renders sources as "[id] file p.page: sentence" lines.
func FormatContext(sources []common.EvidenceSource) string {
	lines := make([]string, 0, len(sources))
	for _, s := range sources {
		sentence := s.OriginalSentence
		if sentence == "" {
			sentence = s.Excerpt
		}
		lines = append(lines, fmt.Sprintf("[%d] %s p.%d: %s", s.ID, s.File, s.PageNumber, sentence))
	}
	return strings.Join(lines, "\n")
}
