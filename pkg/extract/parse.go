package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
)

var (
	// ErrEmptyResponse is returned when the model answered with nothing.
	ErrEmptyResponse = errors.New("extract: empty response")
	// ErrMalformedResponse is returned when no usable JSON object was found.
	ErrMalformedResponse = errors.New("extract: malformed response")
)

type rawResult struct {
	Entities      []json.RawMessage `json:"entities"`
	Relationships []json.RawMessage `json:"relationships"`
}

// ParseResponse decodes model output into an ExtractionResult. Records are
// decoded one by one; a record that is not an object is skipped and counted
// in the returned drop count.
func ParseResponse(content string) (common.ExtractionResult, int, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return common.ExtractionResult{}, 0, ErrEmptyResponse
	}
	body := ai.OutermostObject(ai.StripCodeFences(content))

	var raw rawResult
	if err := ai.UnmarshalFlexible(body, &raw); err != nil {
		return common.ExtractionResult{}, 0, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if raw.Entities == nil && raw.Relationships == nil {
		return common.ExtractionResult{}, 0, fmt.Errorf("%w: no entities or relationships", ErrMalformedResponse)
	}

	result := common.ExtractionResult{
		Entities:      make([]common.ExtractedEntity, 0, len(raw.Entities)),
		Relationships: make([]common.ExtractedRelationship, 0, len(raw.Relationships)),
	}
	dropped := 0

	for _, msg := range raw.Entities {
		rec, ok := decodeRecord(msg)
		if !ok {
			dropped++
			continue
		}
		result.Entities = append(result.Entities, common.ExtractedEntity{
			Name:       stringField(rec, "name"),
			Type:       stringField(rec, "type"),
			Properties: propertiesField(rec),
		})
	}
	for _, msg := range raw.Relationships {
		rec, ok := decodeRecord(msg)
		if !ok {
			dropped++
			continue
		}
		result.Relationships = append(result.Relationships, common.ExtractedRelationship{
			Source:     stringField(rec, "source"),
			Target:     stringField(rec, "target"),
			Type:       stringField(rec, "type"),
			Properties: propertiesField(rec),
		})
	}
	return result, dropped, nil
}

func decodeRecord(msg json.RawMessage) (map[string]any, bool) {
	dec := json.NewDecoder(strings.NewReader(string(msg)))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil || rec == nil {
		return nil, false
	}
	return rec, true
}

func stringField(rec map[string]any, key string) string {
	switch v := rec[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

func propertiesField(rec map[string]any) map[string]any {
	props, ok := rec["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return map[string]any{}
	}
	return props
}
