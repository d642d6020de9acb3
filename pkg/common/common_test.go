package common

import "testing"

func TestExtractionResult_Empty(t *testing.T) {
	if !(ExtractionResult{}).Empty() {
		t.Fatal("expected zero result to be empty")
	}
	r := ExtractionResult{Entities: []ExtractedEntity{{Name: "Acme", Type: "ORGANIZATION"}}}
	if r.Empty() {
		t.Fatal("expected result with an entity to be non-empty")
	}
}

func TestIngestionStats_Add(t *testing.T) {
	s := IngestionStats{ChunksProcessed: 1, Errors: 1}
	s.Add(IngestionStats{ChunksProcessed: 2, EntitiesExtracted: 3, NodesCreated: 4})

	if s.ChunksProcessed != 3 || s.EntitiesExtracted != 3 || s.NodesCreated != 4 || s.Errors != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestGraphNode_Props(t *testing.T) {
	n := GraphNode{Properties: map[string]any{
		"source_file": "report.txt",
		"page_number": int64(3),
		"weight":      0.5,
	}}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"string", n.StringProp("source_file"), "report.txt"},
		{"missing string", n.StringProp("nope"), ""},
		{"int64", n.IntProp("page_number"), 3},
		{"float as int", n.IntProp("weight"), 0},
		{"missing int", n.IntProp("nope"), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, tt.got)
			}
		})
	}
}
