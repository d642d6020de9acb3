package neo4j

import (
	"maps"

	neo4jv5 "github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
)

func toGraphNode(n neo4jv5.Node) common.GraphNode {
	props := maps.Clone(n.Props)
	if props == nil {
		props = map[string]any{}
	}
	name, _ := props["name"].(string)
	key, _ := props["normalized_name"].(string)
	typ, _ := props["type"].(string)
	return common.GraphNode{
		ID:             n.ElementId,
		Labels:         n.Labels,
		Name:           name,
		NormalizedName: key,
		Type:           typ,
		Properties:     props,
	}
}

func toGraphEdge(r neo4jv5.Relationship) common.GraphEdge {
	props := maps.Clone(r.Props)
	if props == nil {
		props = map[string]any{}
	}
	weight := 1.0
	switch w := props["weight"].(type) {
	case float64:
		weight = w
	case int64:
		weight = float64(w)
	}
	return common.GraphEdge{
		ID:         r.ElementId,
		Type:       r.Type,
		StartID:    r.StartElementId,
		EndID:      r.EndElementId,
		Weight:     weight,
		Properties: props,
	}
}

func toGraphPath(rec *neo4jv5.Record) (common.GraphPath, bool) {
	av, _ := rec.Get("a")
	rv, _ := rec.Get("r")
	bv, _ := rec.Get("b")
	hv, _ := rec.Get("hops")

	a, okA := av.(neo4jv5.Node)
	r, okR := rv.(neo4jv5.Relationship)
	b, okB := bv.(neo4jv5.Node)
	if !okA || !okR || !okB {
		return common.GraphPath{}, false
	}
	hops, _ := hv.(int64)
	return common.GraphPath{
		Start: toGraphNode(a),
		Edge:  toGraphEdge(r),
		End:   toGraphNode(b),
		Hops:  int(hops),
	}, true
}
