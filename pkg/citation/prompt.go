package citation

import (
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
)

// NoEvidenceReply is the answer expected when nothing relevant was found.
const NoEvidenceReply = "The provided documents contain no information relevant to this question."

// GroundingPrompt builds a system prompt that restricts the answer to the
// given sources and asks for a "[id]" citation after every claim.
func GroundingPrompt(question string, sources []common.EvidenceSource) string {
	if len(sources) == 0 {
		return fmt.Sprintf(`You are a strict document-based analyst.

The provided documents contain NO information relevant to this question.

QUESTION: %s

Respond with exactly: "%s"`, question, NoEvidenceReply)
	}

	blocks := make([]string, 0, len(sources))
	for _, s := range sources {
		page := "N/A"
		if s.PageNumber > 0 {
			page = fmt.Sprintf("%d", s.PageNumber)
		}
		original := s.OriginalSentence
		if original == "" {
			original = s.Excerpt
		}
		blocks = append(blocks, fmt.Sprintf("[%d] File: %s, Page: %s\nContent: %s\nOriginal: %s",
			s.ID, s.File, page, s.Excerpt, original))
	}

	return fmt.Sprintf(`You are a strict document-based analyst. Follow these rules:

1. Only use information from the sources below.
2. Do not use external knowledge or background information.
3. Every factual claim must carry a citation such as [1] or [2].
4. If the sources do not answer the question, respond: "%s"
5. Do not infer beyond what the sources state.
6. Write plain text without HTML or other markup.
7. Do not add a "Sources:" or "References:" section; inline citations are sufficient.

AVAILABLE SOURCES:
%s

QUESTION: %s`, NoEvidenceReply, strings.Join(blocks, "\n\n"), question)
}
