package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/cypher"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store/base"
)

func newTestStorage() *GraphStorage {
	return NewGraphStorage(base.ExecutorParams{BatchDelay: -1})
}

func translate(t *testing.T, now time.Time, result common.ExtractionResult, text string) []cypher.Statement {
	t.Helper()
	tr := cypher.NewTranslator(cypher.NewTranslatorParams{Now: func() time.Time { return now }})
	return tr.TranslateChunk(result, common.SourceMetadata{SourceFile: "acme.txt", PageNumber: 1}, text)
}

func chainResult() common.ExtractionResult {
	return common.ExtractionResult{
		Entities: []common.ExtractedEntity{
			{Name: "Acme Corp", Type: "organization"},
			{Name: "Globex", Type: "organization"},
			{Name: "Initech", Type: "organization"},
			{Name: "Jane Doe", Type: "person"},
		},
		Relationships: []common.ExtractedRelationship{
			{Source: "Acme Corp", Target: "Globex", Type: "COMPETES_WITH", Properties: map[string]any{"weight": 0.5}},
			{Source: "Jane Doe", Target: "Acme Corp", Type: "CEO_OF", Properties: map[string]any{"weight": 0.9}},
			{Source: "Globex", Target: "Initech", Type: "SUPPLIES"},
		},
	}
}

func TestExecute_IdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage()
	text := "Acme Corp competes with Globex. Jane Doe runs Acme Corp. Globex supplies Initech."

	first, err := s.Execute(ctx, translate(t, time.Unix(100, 0), chainResult(), text))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if first.NodesCreated != 4 || first.RelationshipsCreated != 3 || first.Failed != 0 {
		t.Fatalf("unexpected first stats %+v", first)
	}

	second, err := s.Execute(ctx, translate(t, time.Unix(200, 0), chainResult(), text))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if second.NodesCreated != 0 || second.RelationshipsCreated != 0 || second.Succeeded != 7 {
		t.Fatalf("expected no new records, got %+v", second)
	}

	stats, _ := s.Stats(ctx)
	if stats.Nodes != 4 || stats.Relationships != 3 {
		t.Fatalf("expected 4 nodes and 3 relationships, got %+v", stats)
	}

	seeds, _ := s.FindSeedNodes(ctx, "acme", 10)
	if len(seeds) != 1 {
		t.Fatalf("expected 1 seed, got %d", len(seeds))
	}
	lastSeen := seeds[0].StringProp("last_seen")
	created := seeds[0].StringProp("created_at")
	if lastSeen == created {
		t.Fatalf("expected last_seen to move on re-ingestion, both %q", lastSeen)
	}
}

func TestExecute_EdgeWithoutEndpoint(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage()
	result := common.ExtractionResult{
		Relationships: []common.ExtractedRelationship{{Source: "Ghost", Target: "Phantom", Type: "OWNS"}},
	}

	stats, err := s.Execute(ctx, translate(t, time.Now(), result, ""))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if stats.RelationshipsCreated != 0 {
		t.Fatalf("expected no relationship, got %+v", stats)
	}
	if gs, _ := s.Stats(ctx); gs.Relationships != 0 || gs.Nodes != 0 {
		t.Fatalf("expected empty graph, got %+v", gs)
	}
}

func TestExecute_SameNameDifferentLabels(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage()
	result := common.ExtractionResult{
		Entities: []common.ExtractedEntity{
			{Name: "Jaguar", Type: "organization"},
			{Name: "Jaguar", Type: "animal"},
		},
	}

	if _, err := s.Execute(ctx, translate(t, time.Now(), result, "")); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if gs, _ := s.Stats(ctx); gs.Nodes != 2 {
		t.Fatalf("expected one node per label, got %+v", gs)
	}
}

func TestFindSeedNodes(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage()
	if _, err := s.Execute(ctx, translate(t, time.Now(), chainResult(), "")); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	tests := []struct {
		term  string
		limit int
		want  []string
	}{
		{"acme", 10, []string{"acme corp"}},
		{"ACME", 10, []string{"acme corp"}},
		{"e", 10, []string{"globex", "initech", "jane doe", "acme corp"}},
		{"e", 2, []string{"globex", "initech"}},
		{"nothing", 10, nil},
	}

	for _, tt := range tests {
		t.Run(tt.term, func(t *testing.T) {
			nodes, err := s.FindSeedNodes(ctx, tt.term, tt.limit)
			if err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
			if len(nodes) != len(tt.want) {
				t.Fatalf("expected %v, got %d nodes", tt.want, len(nodes))
			}
			for i, n := range nodes {
				if n.NormalizedName != tt.want[i] {
					t.Fatalf("node %d = %q, want %q", i, n.NormalizedName, tt.want[i])
				}
			}
		})
	}
}

func TestExpandNeighborhood(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage()
	if _, err := s.Execute(ctx, translate(t, time.Now(), chainResult(), "")); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	seeds, _ := s.FindSeedNodes(ctx, "acme", 1)
	ids := []string{seeds[0].ID}

	one, err := s.ExpandNeighborhood(ctx, ids, 1, 50)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(one) != 2 {
		t.Fatalf("expected 2 paths at depth 1, got %d", len(one))
	}
	if one[0].Edge.Type != "CEO_OF" || one[1].Edge.Type != "COMPETES_WITH" {
		t.Fatalf("expected heavier edge first, got %s then %s", one[0].Edge.Type, one[1].Edge.Type)
	}
	if one[0].Start.NormalizedName != "jane doe" || one[0].End.NormalizedName != "acme corp" {
		t.Fatalf("expected edge direction preserved, got %s -> %s", one[0].Start.NormalizedName, one[0].End.NormalizedName)
	}

	two, _ := s.ExpandNeighborhood(ctx, ids, 2, 50)
	if len(two) != 3 || two[2].Edge.Type != "SUPPLIES" || two[2].Hops != 2 {
		t.Fatalf("expected SUPPLIES at hop 2, got %+v", two)
	}

	capped, _ := s.ExpandNeighborhood(ctx, ids, 3, 1)
	if len(capped) != 1 {
		t.Fatalf("expected result cap to hold, got %d", len(capped))
	}

	clamped, _ := s.ExpandNeighborhood(ctx, ids, 0, 50)
	if len(clamped) != 2 {
		t.Fatalf("expected depth 0 to clamp to 1, got %d", len(clamped))
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage()

	if err := s.Close(ctx); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if _, err := s.Execute(ctx, nil); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := s.FindSeedNodes(ctx, "x", 1); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.Close(ctx); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected ErrClosed on second close, got %v", err)
	}
}

var _ store.GraphStorage = (*GraphStorage)(nil)
