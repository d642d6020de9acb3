// Package citation checks generated answers against the evidence they were
// grounded on. Answers cite evidence with bracketed source ids such as
// "[1]" or "[1, 3]"; the package resolves those markers, scores how well an
// answer is supported and pairs claims with their sources.
//
// Everything here is read-only: the caller decides what to do with an
// answer that scores too low.
package citation

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/util"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
)

type Reliability string

const (
	ReliabilityHigh   Reliability = "high"
	ReliabilityMedium Reliability = "medium"
	ReliabilityLow    Reliability = "low"

	HighThreshold   = 0.9
	MediumThreshold = 0.7

	minClaimWords = 3
)

// ReliabilityFor buckets a confidence score.
func ReliabilityFor(score float64) Reliability {
	switch {
	case score >= HighThreshold:
		return ReliabilityHigh
	case score >= MediumThreshold:
		return ReliabilityMedium
	default:
		return ReliabilityLow
	}
}

// ValidationResult describes how well an answer is backed by its evidence.
type ValidationResult struct {
	ConfidenceScore   float64     `json:"confidence_score"`
	ValidCitations    int         `json:"valid_citations"`
	TotalCitations    int         `json:"total_citations"`
	MissingCitations  []int       `json:"missing_citations"`
	CitedSourceIDs    []int       `json:"cited_source_ids"`
	UnsupportedClaims []string    `json:"unsupported_claims"`
	Reliability       Reliability `json:"reliability"`
}

// Evidence pairs one cited claim with the sources it cites.
type Evidence struct {
	ClaimID   int    `json:"claim_id"`
	Claim     string `json:"claim"`
	SourceIDs []int  `json:"source_ids"`
}

func indexSources(sources []common.EvidenceSource) map[int]common.EvidenceSource {
	byID := make(map[int]common.EvidenceSource, len(sources))
	for _, s := range sources {
		byID[s.ID] = s
	}
	return byID
}

func sourceConfidence(s common.EvidenceSource) float64 {
	if s.Confidence <= 0 {
		return 1.0
	}
	return math.Min(1.0, s.Confidence)
}

// Validate resolves every citation in answer against sources. Each marker
// occurrence counts once; a citation to an unknown id adds nothing to the
// score, so any missing citation keeps the score below 1. An answer without
// citations scores 0.
func Validate(answer string, sources []common.EvidenceSource) ValidationResult {
	answer = StripSourcesSection(answer)
	byID := indexSources(sources)

	res := ValidationResult{
		MissingCitations:  []int{},
		CitedSourceIDs:    []int{},
		UnsupportedClaims: []string{},
	}
	missing := map[int]struct{}{}
	cited := map[int]struct{}{}
	var sum float64

	for _, m := range FindMarkers(answer) {
		for _, id := range m.IDs {
			res.TotalCitations++
			src, ok := byID[id]
			if !ok {
				if _, dup := missing[id]; !dup {
					missing[id] = struct{}{}
					res.MissingCitations = append(res.MissingCitations, id)
				}
				continue
			}
			res.ValidCitations++
			sum += sourceConfidence(src)
			if _, dup := cited[id]; !dup {
				cited[id] = struct{}{}
				res.CitedSourceIDs = append(res.CitedSourceIDs, id)
			}
		}
	}
	if res.TotalCitations > 0 {
		res.ConfidenceScore = sum / float64(res.TotalCitations)
	}
	res.Reliability = ReliabilityFor(res.ConfidenceScore)

	for _, c := range splitClaims(answer) {
		text := StripMarkers(c.text)
		if len(strings.Fields(text)) < minClaimWords {
			continue
		}
		supported := false
		for _, id := range c.ids {
			if _, ok := byID[id]; ok {
				supported = true
				break
			}
		}
		if !supported {
			res.UnsupportedClaims = append(res.UnsupportedClaims, text)
		}
	}
	return res
}

// BuildEvidence returns one entry per sentence that cites at least one
// source. Claim text has its markers removed; ids keep first-seen order
// without repeats.
func BuildEvidence(answer string) []Evidence {
	answer = StripSourcesSection(answer)
	out := []Evidence{}
	for _, c := range splitClaims(answer) {
		if len(c.ids) == 0 {
			continue
		}
		ids := make([]int, 0, len(c.ids))
		seen := map[int]struct{}{}
		for _, id := range c.ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		out = append(out, Evidence{
			ClaimID:   len(out) + 1,
			Claim:     StripMarkers(c.text),
			SourceIDs: ids,
		})
	}
	return out
}

type claim struct {
	text string
	ids  []int
}

// splitClaims splits answer into sentences. A sentence holding nothing but
// markers ("Acme competes with Globex. [1]") belongs to the one before it.
func splitClaims(answer string) []claim {
	var out []claim
	for _, s := range util.SplitSentences(answer) {
		var ids []int
		for _, m := range FindMarkers(s) {
			ids = append(ids, m.IDs...)
		}
		if len(out) > 0 && len(ids) > 0 && strings.TrimSpace(StripMarkers(s)) == "" {
			prev := &out[len(out)-1]
			prev.text += " " + s
			prev.ids = append(prev.ids, ids...)
			continue
		}
		out = append(out, claim{text: s, ids: ids})
	}
	return out
}

// StripUnsupported removes citations to ids that are not among sources.
// Groups that keep some ids are rewritten as "[a][b]".
func StripUnsupported(answer string, sources []common.EvidenceSource) string {
	byID := indexSources(sources)
	markers := FindMarkers(answer)
	if len(markers) == 0 {
		return answer
	}

	var b strings.Builder
	b.Grow(len(answer))
	cursor := 0
	for _, m := range markers {
		var kept []int
		for _, id := range m.IDs {
			if _, ok := byID[id]; ok {
				kept = append(kept, id)
			}
		}
		before := answer[cursor:m.Start]
		switch {
		case len(kept) == len(m.IDs):
			b.WriteString(answer[cursor:m.End])
		case len(kept) == 0:
			b.WriteString(strings.TrimRight(before, " \t"))
		default:
			b.WriteString(before)
			for _, id := range kept {
				b.WriteString("[" + strconv.Itoa(id) + "]")
			}
		}
		cursor = m.End
	}
	b.WriteString(answer[cursor:])
	return b.String()
}

var reSourcesSection = regexp.MustCompile(`(?i)\n[ \t]*\n[ \t]*(?:#{1,6}[ \t]*)?(?:\*\*)?(?:sources?|references?)(?:\*\*)?[ \t]*:?[ \t]*(?:\*\*)?[ \t]*(?:\n|$)`)

// StripSourcesSection drops a trailing "Sources:" or "References:" block
// appended after a blank line.
func StripSourcesSection(answer string) string {
	loc := reSourcesSection.FindStringIndex(answer)
	if loc == nil {
		return answer
	}
	return strings.TrimRight(answer[:loc[0]], " \t\r\n")
}
