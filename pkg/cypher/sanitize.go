package cypher

import (
	"encoding/json"
	"math"
	"strings"
	"unicode/utf8"
)

const (
	// MaxValueRunes caps every string value written to the graph.
	MaxValueRunes = 500

	FallbackNodeLabel = "ENTITY"
	FallbackEdgeType  = "RELATED_TO"
)

// Keys written by the translator itself. Model supplied properties with one
// of these names are renamed so they cannot overwrite identity or provenance.
var reservedKeys = map[string]struct{}{
	"name":              {},
	"normalized_name":   {},
	"type":              {},
	"created_at":        {},
	"last_seen":         {},
	"source_file":       {},
	"page_number":       {},
	"original_sentence": {},
	"weight":            {},
}

// SanitizeValue removes control characters, trims and caps s at MaxValueRunes.
// Newlines and tabs become spaces.
func SanitizeValue(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToValidUTF8(s, "")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 0x20 || r == 0x7f:
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if utf8.RuneCountInString(out) > MaxValueRunes {
		out = strings.TrimSpace(string([]rune(out)[:MaxValueRunes]))
	}
	return out
}

// EscapeLiteral escapes characters that would terminate a quoted literal.
func EscapeLiteral(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `"`, `\"`)
	return r.Replace(s)
}

// SanitizeLabel turns s into an identifier of [A-Z0-9_] usable as a node
// label or relationship type. Empty results yield fallback.
func SanitizeLabel(s, fallback string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if r == ' ' || r == '-' {
			r = '_'
		}
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_':
			if !lastUnderscore {
				b.WriteRune(r)
			}
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return fallback
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

// SanitizeKey turns s into a lower-case property key of [a-z0-9_].
// It returns "" when nothing usable remains.
func SanitizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		if r == ' ' || r == '-' || r == '.' {
			r = '_'
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if strings.Trim(out, "_") == "" {
		return ""
	}
	if out[0] < 'a' || out[0] > 'z' {
		out = "prop_" + out
	}
	return out
}

// propertyKey sanitizes a model supplied key and moves reserved names aside.
func propertyKey(s string) string {
	key := SanitizeKey(s)
	if key == "" {
		return ""
	}
	if _, ok := reservedKeys[key]; ok {
		return "prop_" + key
	}
	return key
}

// SanitizeProperties converts model supplied properties into values the
// graph database accepts. Keys are sanitized, strings are cleaned, numbers
// become int64 or float64, homogeneous scalar lists are kept and anything
// else is JSON encoded.
func SanitizeProperties(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		key := propertyKey(k)
		if key == "" {
			continue
		}
		if val, ok := sanitizeProperty(v); ok {
			out[key] = val
		}
	}
	return out
}

func sanitizeProperty(v any) (any, bool) {
	if s, ok := scalar(v); ok {
		if str, isStr := s.(string); isStr && str == "" {
			return nil, false
		}
		return s, true
	}
	if list, ok := v.([]any); ok {
		return sanitizeList(list)
	}
	if v == nil {
		return nil, false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	s := SanitizeValue(string(raw))
	return s, s != ""
}

func scalar(v any) (any, bool) {
	switch x := v.(type) {
	case string:
		return SanitizeValue(x), true
	case bool:
		return x, true
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case float32:
		return finite(float64(x))
	case float64:
		return finite(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true
		}
		if f, err := x.Float64(); err == nil {
			return finite(f)
		}
		return SanitizeValue(x.String()), true
	}
	return nil, false
}

func finite(f float64) (any, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	return f, true
}

// sanitizeList keeps lists whose elements share one scalar type. Graph
// properties cannot hold mixed lists, so those are JSON encoded instead.
func sanitizeList(list []any) (any, bool) {
	if len(list) == 0 {
		return nil, false
	}
	values := make([]any, 0, len(list))
	kind := ""
	mixed := false
	for _, item := range list {
		s, ok := scalar(item)
		if !ok {
			mixed = true
			break
		}
		k := kindOf(s)
		if kind == "" {
			kind = k
		} else if kind != k {
			if (kind == "float" && k == "int") || (kind == "int" && k == "float") {
				kind = "float"
			} else {
				mixed = true
				break
			}
		}
		values = append(values, s)
	}
	if mixed {
		raw, err := json.Marshal(list)
		if err != nil {
			return nil, false
		}
		s := SanitizeValue(string(raw))
		return s, s != ""
	}
	switch kind {
	case "string":
		out := make([]string, 0, len(values))
		for _, v := range values {
			if s := v.(string); s != "" {
				out = append(out, s)
			}
		}
		return out, len(out) > 0
	case "bool":
		out := make([]bool, len(values))
		for i, v := range values {
			out[i] = v.(bool)
		}
		return out, true
	case "int":
		out := make([]int64, len(values))
		for i, v := range values {
			out[i] = v.(int64)
		}
		return out, true
	default:
		out := make([]float64, len(values))
		for i, v := range values {
			switch n := v.(type) {
			case int64:
				out[i] = float64(n)
			case float64:
				out[i] = n
			}
		}
		return out, true
	}
}

func kindOf(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case int64:
		return "int"
	default:
		return "float"
	}
}

// Weight reads a numeric weight, confidence or strength from props, clamped
// to [0,1]. It returns 1.0 when none is present.
func Weight(props map[string]any) float64 {
	for _, key := range []string{"weight", "confidence", "strength"} {
		v, ok := props[key]
		if !ok {
			continue
		}
		if f, ok := toFloat(v); ok {
			return math.Max(0, math.Min(1, f))
		}
	}
	return 1.0
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x)
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		var f float64
		if err := json.Unmarshal([]byte(strings.TrimSpace(x)), &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

func containsFold(s, substr string) bool {
	if substr == "" {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
