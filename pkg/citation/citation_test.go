package citation

import (
	"reflect"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
)

func sources(ids ...int) []common.EvidenceSource {
	out := make([]common.EvidenceSource, len(ids))
	for i, id := range ids {
		out[i] = common.EvidenceSource{ID: id, File: "acme.txt", PageNumber: 1, Excerpt: "x", Type: "graph"}
	}
	return out
}

func TestValidate_AllResolved(t *testing.T) {
	res := Validate("Acme Corp competes with Globex [1]. Revenue was $5B [2].", sources(1, 2))

	if res.ConfidenceScore != 1.0 || res.Reliability != ReliabilityHigh {
		t.Fatalf("expected full confidence, got %+v", res)
	}
	if res.ValidCitations != 2 || res.TotalCitations != 2 {
		t.Fatalf("expected 2/2 citations, got %d/%d", res.ValidCitations, res.TotalCitations)
	}
	if len(res.MissingCitations) != 0 || len(res.UnsupportedClaims) != 0 {
		t.Fatalf("expected nothing missing, got %+v", res)
	}
	if !reflect.DeepEqual(res.CitedSourceIDs, []int{1, 2}) {
		t.Fatalf("expected cited [1 2], got %v", res.CitedSourceIDs)
	}
}

func TestValidate_MissingCitationLowersScore(t *testing.T) {
	res := Validate("Acme Corp competes with Globex [1][2]. It also sells anvils [3].", sources(1, 2))

	if res.ConfidenceScore >= 1.0 {
		t.Fatalf("expected confidence below 1, got %v", res.ConfidenceScore)
	}
	if res.TotalCitations != 3 || res.ValidCitations != 2 {
		t.Fatalf("expected 2/3 citations, got %d/%d", res.ValidCitations, res.TotalCitations)
	}
	if !reflect.DeepEqual(res.MissingCitations, []int{3}) {
		t.Fatalf("expected missing [3], got %v", res.MissingCitations)
	}
	if res.Reliability != ReliabilityLow {
		t.Fatalf("expected low reliability, got %s", res.Reliability)
	}
	if !reflect.DeepEqual(res.UnsupportedClaims, []string{"It also sells anvils."}) {
		t.Fatalf("unexpected unsupported claims %q", res.UnsupportedClaims)
	}
}

func TestValidate_WeightsBySourceConfidence(t *testing.T) {
	srcs := sources(1, 2)
	srcs[1].Confidence = 0.5

	res := Validate("Acme Corp competes with Globex [1]. Acme Corp owns Initech [2].", srcs)
	if res.ConfidenceScore != 0.75 || res.Reliability != ReliabilityMedium {
		t.Fatalf("expected 0.75 medium, got %v %s", res.ConfidenceScore, res.Reliability)
	}
}

func TestValidate_NoCitations(t *testing.T) {
	res := Validate("Acme Corp competes with Globex. Ok.", sources(1))
	if res.ConfidenceScore != 0 || res.TotalCitations != 0 || res.Reliability != ReliabilityLow {
		t.Fatalf("expected zero score, got %+v", res)
	}
	if !reflect.DeepEqual(res.UnsupportedClaims, []string{"Acme Corp competes with Globex."}) {
		t.Fatalf("expected short sentences ignored, got %q", res.UnsupportedClaims)
	}
}

func TestValidate_MarkerForms(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		total  int
		valid  int
	}{
		{"grouped", "Acme Corp competes with Globex [1, 2].", 2, 2},
		{"semicolon group", "Acme Corp competes with Globex [1; 4].", 2, 1},
		{"bold", "Acme Corp competes with Globex **[2]**.", 1, 1},
		{"double brackets", "Acme Corp competes with Globex [[1]].", 1, 1},
		{"repeated", "Acme Corp [1] competes with Globex [1].", 2, 2},
		{"link ignored", "See [1](http://example.com) for details [2].", 1, 1},
		{"text brackets ignored", "Acme Corp [sic] competes with Globex [note 1].", 0, 0},
		{"marker after period", "Acme Corp competes with Globex. [1]", 1, 1},
		{"range", "Acme Corp competes with Globex [1-3].", 3, 2},
		{"year span ignored", "Acme Corp grew steadily [1990-2020].", 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := Validate(tc.answer, sources(1, 2))
			if res.TotalCitations != tc.total || res.ValidCitations != tc.valid {
				t.Fatalf("expected %d/%d, got %d/%d", tc.valid, tc.total, res.ValidCitations, res.TotalCitations)
			}
		})
	}
}

func TestValidate_IgnoresSourcesSection(t *testing.T) {
	answer := "Acme Corp competes with Globex [1].\n\nSources:\n[1] acme.txt\n[7] other.txt"
	res := Validate(answer, sources(1))
	if res.TotalCitations != 1 || len(res.MissingCitations) != 0 {
		t.Fatalf("expected the sources block to be ignored, got %+v", res)
	}
}

func TestBuildEvidence(t *testing.T) {
	answer := "Acme Corp competes with Globex [1][2]. Nothing cited here. Revenue was $5B [2, 2]. Acme is large. [3]"
	got := BuildEvidence(answer)

	want := []Evidence{
		{ClaimID: 1, Claim: "Acme Corp competes with Globex.", SourceIDs: []int{1, 2}},
		{ClaimID: 2, Claim: "Revenue was $5B.", SourceIDs: []int{2}},
		{ClaimID: 3, Claim: "Acme is large.", SourceIDs: []int{3}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestBuildEvidence_Empty(t *testing.T) {
	if got := BuildEvidence("No citations at all."); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestStripUnsupported(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   string
	}{
		{"drops missing", "Acme sells anvils [3]. Globex competes [1].", "Acme sells anvils. Globex competes [1]."},
		{"keeps partial group", "Acme competes [1, 3].", "Acme competes [1]."},
		{"untouched", "Acme competes [1][2].", "Acme competes [1][2]."},
		{"no markers", "plain", "plain"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := StripUnsupported(tc.answer, sources(1, 2)); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestStripSourcesSection(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   string
	}{
		{"sources", "Answer [1].\n\nSources:\n[1] a.txt", "Answer [1]."},
		{"references heading", "Answer [1].\n\n## References\n- a.txt", "Answer [1]."},
		{"bold", "Answer [1].\n\n**Sources:**\n[1] a.txt", "Answer [1]."},
		{"inline word kept", "Sources: are cited inline [1].", "Sources: are cited inline [1]."},
		{"no blank line kept", "Answer.\nSources:\n[1]", "Answer.\nSources:\n[1]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := StripSourcesSection(tc.answer); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "Claim **[1]**.", "Claim [1]."},
		{"double", "Claim [[2]].", "Claim [2]."},
		{"group", "Claim [1, 2].", "Claim [1][2]."},
		{"adjacent duplicate", "Claim [1] [1] [2].", "Claim [1][2]."},
		{"separated duplicate kept", "A [1]. B [1].", "A [1]. B [1]."},
		{"link", "[1](http://x) and [label]", "[1](http://x) and [label]"},
		{"range", "Claim [1-3].", "Claim [1][2][3]."},
		{"en dash range", "Claim **[2–3]**.", "Claim [2][3]."},
		{"reversed range", "Claim [3-1].", "Claim [3-1]."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.in); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestFindMarkers_Offsets(t *testing.T) {
	text := "a [1] b [2,3]"
	got := FindMarkers(text)
	if len(got) != 2 {
		t.Fatalf("expected 2 markers, got %d", len(got))
	}
	if text[got[1].Start:got[1].End] != "[2,3]" || !reflect.DeepEqual(got[1].IDs, []int{2, 3}) {
		t.Fatalf("unexpected marker %+v", got[1])
	}
}

func TestGroundingPrompt(t *testing.T) {
	srcs := []common.EvidenceSource{{ID: 1, File: "acme.txt", PageNumber: 2, Excerpt: "Acme competes with Globex.", OriginalSentence: "Acme Corp competes with Globex."}}
	got := GroundingPrompt("Who competes with Acme?", srcs)
	for _, want := range []string{"[1] File: acme.txt, Page: 2", "Original: Acme Corp competes with Globex.", "QUESTION: Who competes with Acme?"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected prompt to contain %q", want)
		}
	}
	if empty := GroundingPrompt("q", nil); !strings.Contains(empty, NoEvidenceReply) {
		t.Fatalf("expected no-evidence reply in prompt")
	}
}
