package extract

import (
	"fmt"
	"strings"
)

// SystemPrompt frames every extraction request.
const SystemPrompt = "You are a business analyst that extracts structured data. Always respond with valid JSON only."

var DefaultEntityTypes = []string{
	"ORGANIZATION",
	"PERSON",
	"PRODUCT",
	"LOCATION",
	"FINANCIAL_METRIC",
	"EVENT",
	"CONCEPT",
}

var DefaultRelationshipTypes = []string{
	"SUPPLIES",
	"PURCHASES",
	"COMPETES_WITH",
	"HAS_CEO",
	"EMPLOYS",
	"HAS_DEBT",
	"OWNS_ASSET",
	"INVESTS_IN",
	"LOCATED_IN",
	"OPERATES_IN",
	"PRODUCES",
	"REPORTED",
}

var entityTypeHints = map[string]string{
	"ORGANIZATION":     "companies, institutions and other organizations",
	"PERSON":           "individuals such as executives or employees",
	"PRODUCT":          "products or services",
	"LOCATION":         "countries, cities, sites and facilities",
	"FINANCIAL_METRIC": "revenue, profit, debt, market cap and similar figures",
	"EVENT":            "dated occurrences such as launches, acquisitions or filings",
	"CONCEPT":          "technologies, markets and other abstract topics",
}

const promptTemplate = `Extract business entities and their relationships from the following text.
Return ONLY valid JSON with no additional text or explanation.

Required JSON format:
{
  "entities": [
    {"name": "EntityName", "type": "%s", "properties": {"key": "value"}}
  ],
  "relationships": [
    {"source": "EntityA", "target": "EntityB", "type": "RELATIONSHIP_TYPE", "properties": {"key": "value"}}
  ]
}

Entity types:
%s
Common relationship types:
%s

Use entity names exactly as they appear in the text. Relationship source and
target must be names from the entities list.

Text to analyze:
%s

JSON output:`

// BuildPrompt renders the user prompt for text, which should already be
// truncated.
func BuildPrompt(text string, entityTypes, relationshipTypes []string) string {
	if len(entityTypes) == 0 {
		entityTypes = DefaultEntityTypes
	}
	if len(relationshipTypes) == 0 {
		relationshipTypes = DefaultRelationshipTypes
	}

	var types strings.Builder
	for _, t := range entityTypes {
		types.WriteString("- ")
		types.WriteString(t)
		if hint, ok := entityTypeHints[t]; ok {
			types.WriteString(": ")
			types.WriteString(hint)
		}
		types.WriteByte('\n')
	}

	rels := "- " + strings.Join(relationshipTypes, ", ") + "\n"

	return fmt.Sprintf(promptTemplate,
		strings.Join(entityTypes, "|"),
		types.String(),
		rels,
		text,
	)
}
