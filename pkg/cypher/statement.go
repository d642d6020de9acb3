package cypher

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/util"
)

// Kind tells a backend which mutation a Statement performs.
type Kind string

const (
	KindNode Kind = "node"
	KindEdge Kind = "edge"
)

// Parameter names shared by the Cypher text and backends that interpret
// statements without a Cypher engine.
const (
	ParamKey              = "key"
	ParamName             = "name"
	ParamType             = "type"
	ParamNow              = "now"
	ParamSourceFile       = "source_file"
	ParamPageNumber       = "page_number"
	ParamOriginalSentence = "original_sentence"
	ParamProps            = "props"
	ParamStartKey         = "start_key"
	ParamStartLabel       = "start_label"
	ParamEndKey           = "end_key"
	ParamEndLabel         = "end_label"
	ParamWeight           = "weight"
)

// Statement is one parameterized graph mutation. Label is the node label or
// relationship type, the only token interpolated into Cypher, and it always
// comes from SanitizeLabel.
type Statement struct {
	Kind   Kind           `json:"kind"`
	Label  string         `json:"label"`
	Cypher string         `json:"cypher"`
	Params map[string]any `json:"params"`
}

// String returns the parameter string value for key.
func (s Statement) String(key string) string {
	v, _ := s.Params[key].(string)
	return v
}

var reParam = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// Render inlines the parameters as escaped literals. The result is meant for
// logs and dry runs; execution always sends Cypher and Params separately.
func (s Statement) Render() string {
	return reParam.ReplaceAllStringFunc(s.Cypher, func(m string) string {
		v, ok := s.Params[m[1:]]
		if !ok {
			return m
		}
		return literal(v)
	})
}

// Summary returns the rendered statement on one line, truncated for logs.
func (s Statement) Summary() string {
	return util.TruncateForLog(strings.Join(strings.Fields(s.Render()), " "), 200)
}

func literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + EscapeLiteral(x) + "'"
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return "'" + x.Format(time.RFC3339Nano) + "'"
	case []string:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = literal(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case []int64:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = literal(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case []float64:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = literal(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case []bool:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = literal(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + literal(x[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return "'" + EscapeLiteral(fmt.Sprint(x)) + "'"
	}
}

// NodeCypher is the node upsert for label. The MERGE pattern carries both
// identity properties so the (normalized_name, type) constraint guards it.
func NodeCypher(label string) string {
	return fmt.Sprintf(`MERGE (n:Entity:%s {normalized_name: $key, type: $type})
ON CREATE SET n.created_at = $now, n.name = $name
SET n.last_seen = $now, n.source_file = $source_file, n.page_number = $page_number, n.original_sentence = $original_sentence, n += $props`, label)
}

func endpointPattern(variable, label, param string) string {
	if label == "" {
		return fmt.Sprintf("(%s:Entity {normalized_name: $%s})", variable, param)
	}
	return fmt.Sprintf("(%s:Entity:%s {normalized_name: $%s})", variable, label, param)
}

// EdgeCypher is the relationship upsert. An empty endpoint label matches
// the endpoint by key alone.
func EdgeCypher(relType, startLabel, endLabel string) string {
	return fmt.Sprintf(`MATCH %s
WITH a LIMIT 1
MATCH %s
WITH a, b LIMIT 1
MERGE (a)-[r:%s]->(b)
ON CREATE SET r.created_at = $now, r.weight = $weight, r += $props
ON MATCH SET r.last_seen = $now
SET r.source_file = $source_file, r.page_number = $page_number, r.original_sentence = $original_sentence`,
		endpointPattern("a", startLabel, ParamStartKey),
		endpointPattern("b", endLabel, ParamEndKey),
		relType,
	)
}

// Template rebuilds the Cypher a translator would emit for st from its
// kind, label and endpoint labels. It returns "" for unknown kinds.
func Template(st Statement) string {
	switch st.Kind {
	case KindNode:
		return NodeCypher(st.Label)
	case KindEdge:
		return EdgeCypher(st.Label, st.String(ParamStartLabel), st.String(ParamEndLabel))
	default:
		return ""
	}
}
