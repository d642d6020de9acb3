package graph

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/util"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/ai/fake"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/extract"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/ingest"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/loader"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store/base"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store/memory"
)

const acmeText = "Acme Corp reported revenue of $5B. Acme Corp competes with Globex."

const acmeReply = `{
  "entities": [
    {"name": "Acme Corp", "type": "ORGANIZATION"},
    {"name": "Globex", "type": "ORGANIZATION"}
  ],
  "relationships": [
    {"source": "Acme Corp", "target": "Globex", "type": "COMPETES_WITH"}
  ]
}`

type recordingLedger struct {
	mu   sync.Mutex
	runs []common.IngestionRun
	err  error
}

func (l *recordingLedger) RecordRun(ctx context.Context, run common.IngestionRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, run)
	return l.err
}

type bytesLoader struct{ data []byte }

func (b bytesLoader) GetFileText(ctx context.Context, file loader.GraphFile) ([]byte, error) {
	return b.data, nil
}

func newTestClient(t *testing.T, client ai.GraphAIClient, mutate func(*NewGraphClientParams)) *GraphClient {
	t.Helper()
	params := NewGraphClientParams{
		AIClient: client,
		Storage:  memory.NewGraphStorage(base.ExecutorParams{BatchDelay: -1}),
		Extract: extract.Params{
			Retry:        util.RetryPolicy{MaxAttempts: 1},
			TokenCounter: ai.EstimateTokens,
		},
	}
	if mutate != nil {
		mutate(&params)
	}
	g, err := NewGraphClient(params)
	if err != nil {
		t.Fatalf("NewGraphClient: %v", err)
	}
	return g
}

func TestGraphClient_IngestRetrieveValidate(t *testing.T) {
	ctx := context.Background()
	g := newTestClient(t, fake.Static(acmeReply), nil)

	stats, err := g.IngestText(ctx, acmeText, common.SourceMetadata{SourceFile: "acme.txt", PageNumber: 1})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if stats.ChunksProcessed != 1 || stats.EntitiesExtracted != 2 || stats.RelationshipsExtracted != 1 {
		t.Fatalf("unexpected extraction stats %+v", stats)
	}
	if stats.QueriesExecuted != 3 || stats.Errors != 0 {
		t.Fatalf("expected 3 queries and no errors, got %+v", stats)
	}
	if stats.NodesCreated != 2 || stats.RelationshipsCreated != 1 {
		t.Fatalf("expected 2 nodes and 1 relationship, got %+v", stats)
	}

	res, err := g.Retrieve(ctx, "What does Acme compete with?", 0)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	want := "[1] acme.txt p.1: Acme Corp reported revenue of $5B.\n[2] acme.txt p.1: Acme Corp competes with Globex."
	if res.Context != want {
		t.Fatalf("expected context %q, got %q", want, res.Context)
	}

	v := g.ValidateAnswer("Acme Corp competes with Globex [2]. It also sells anvils [3].", res.Sources)
	if !reflect.DeepEqual(v.MissingCitations, []int{3}) || v.ConfidenceScore >= 1.0 {
		t.Fatalf("expected [3] missing and confidence below 1, got %+v", v)
	}
	if v.ValidCitations != 1 || v.TotalCitations != 2 {
		t.Fatalf("expected 1/2 citations, got %d/%d", v.ValidCitations, v.TotalCitations)
	}

	gs, err := g.GraphStats(ctx)
	if err != nil || gs.Nodes != 2 || gs.Relationships != 1 {
		t.Fatalf("unexpected graph stats %+v, %v", gs, err)
	}
}

func TestGraphClient_ReingestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	g := newTestClient(t, fake.Static(acmeReply), nil)
	meta := common.SourceMetadata{SourceFile: "acme.txt"}

	if _, err := g.IngestText(ctx, acmeText, meta); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	stats, err := g.IngestText(ctx, acmeText, meta)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if stats.NodesCreated != 0 || stats.RelationshipsCreated != 0 {
		t.Fatalf("expected no new graph elements, got %+v", stats)
	}
	gs, _ := g.GraphStats(ctx)
	if gs.Nodes != 2 || gs.Relationships != 1 {
		t.Fatalf("expected 2 nodes and 1 relationship, got %+v", gs)
	}
}

func manyLines(n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("Line %02d about Acme Corp and its rivals.", i)
	}
	return strings.Join(lines, "\n")
}

func TestGraphClient_BatchesAndGuardsEveryBatch(t *testing.T) {
	var checks atomic.Int32
	guard := util.NewMemoryGuard(1, time.Millisecond, 5, nil)
	guard.ReadHeap = func() uint64 {
		checks.Add(1)
		return 0
	}
	client := &fake.Client{}
	g := newTestClient(t, client, func(p *NewGraphClientParams) {
		p.Ingest = ingest.Params{MaxChars: 45}
		p.IngestBatchSize = 2
		p.MemoryGuard = guard
	})

	stats, err := g.IngestText(context.Background(), manyLines(5), common.SourceMetadata{SourceFile: "lines.txt"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if stats.ChunksProcessed != 5 {
		t.Fatalf("expected 5 chunks, got %d", stats.ChunksProcessed)
	}
	if len(client.Calls()) != 5 {
		t.Fatalf("expected 5 extraction calls, got %d", len(client.Calls()))
	}
	if checks.Load() != 3 {
		t.Fatalf("expected a memory check per batch (3), got %d", checks.Load())
	}
}

func TestGraphClient_BoundsConcurrentRequests(t *testing.T) {
	var inFlight, peak atomic.Int32
	client := &fake.Client{Respond: func(ctx context.Context, prompt string, n int) (string, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return `{"entities":[],"relationships":[]}`, nil
	}}
	g := newTestClient(t, client, func(p *NewGraphClientParams) {
		p.Ingest = ingest.Params{MaxChars: 45}
		p.IngestBatchSize = 6
		p.ParallelAiRequests = 2
	})

	if _, err := g.IngestText(context.Background(), manyLines(6), common.SourceMetadata{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent requests, got %d", peak.Load())
	}
}

func TestGraphClient_ExtractionFailuresAreCounted(t *testing.T) {
	g := newTestClient(t, fake.Static("not json at all"), func(p *NewGraphClientParams) {
		p.Ingest = ingest.Params{MaxChars: 45}
	})

	stats, err := g.IngestText(context.Background(), manyLines(3), common.SourceMetadata{})
	if err != nil {
		t.Fatalf("expected extraction failures to be absorbed, got %v", err)
	}
	if stats.ChunksProcessed != 3 || stats.Errors != 3 {
		t.Fatalf("expected 3 chunks and 3 errors, got %+v", stats)
	}
	if stats.QueriesExecuted != 0 {
		t.Fatalf("expected no writes, got %d", stats.QueriesExecuted)
	}
}

func TestGraphClient_MemoryPressureStops(t *testing.T) {
	guard := util.NewMemoryGuard(1, time.Millisecond, 1, nil)
	guard.ReadHeap = func() uint64 { return 2 * 1024 * 1024 }
	guard.Collect = func() {}
	ledger := &recordingLedger{}
	client := &fake.Client{}
	g := newTestClient(t, client, func(p *NewGraphClientParams) {
		p.MemoryGuard = guard
		p.Ledger = ledger
	})

	stats, err := g.IngestText(context.Background(), acmeText, common.SourceMetadata{SourceFile: "acme.txt"})
	if !errors.Is(err, util.ErrMemoryPressure) {
		t.Fatalf("expected ErrMemoryPressure, got %v", err)
	}
	if stats.ChunksProcessed != 0 || len(client.Calls()) != 0 {
		t.Fatalf("expected nothing processed, got %+v", stats)
	}
	if len(ledger.runs) != 1 || ledger.runs[0].Status != common.RunStatusFailed {
		t.Fatalf("expected one failed run, got %+v", ledger.runs)
	}
}

func TestGraphClient_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ledger := &recordingLedger{}
	g := newTestClient(t, fake.Static(acmeReply), func(p *NewGraphClientParams) {
		p.Ledger = ledger
	})

	_, err := g.IngestText(ctx, acmeText, common.SourceMetadata{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(ledger.runs) != 1 || ledger.runs[0].Status != common.RunStatusCanceled {
		t.Fatalf("expected one canceled run, got %+v", ledger.runs)
	}
}

func TestGraphClient_LedgerRecordsRun(t *testing.T) {
	ledger := &recordingLedger{err: errors.New("db down")}
	g := newTestClient(t, fake.Static(acmeReply), func(p *NewGraphClientParams) {
		p.Ledger = ledger
	})

	stats, err := g.IngestText(context.Background(), acmeText, common.SourceMetadata{SourceFile: "acme.txt", SourceID: "doc-1"})
	if err != nil {
		t.Fatalf("expected ledger errors to be ignored, got %v", err)
	}
	if len(ledger.runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(ledger.runs))
	}
	run := ledger.runs[0]
	if run.Status != common.RunStatusSucceeded || run.SourceID != "doc-1" || run.SourceFile != "acme.txt" {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.Stats.ChunksProcessed != stats.ChunksProcessed || run.FinishedAt.Before(run.StartedAt) {
		t.Fatalf("unexpected run stats %+v", run)
	}
}

func TestGraphClient_IngestFile(t *testing.T) {
	csv := "company,rival\nAcme Corp,Globex\n"
	file := loader.NewGraphFile(loader.NewGraphFileParams{
		ID:       "f1",
		FilePath: "rivals.csv",
		FileType: loader.GraphFileTypeCSV,
		Loader:   bytesLoader{data: []byte(csv)},
	})
	client := fake.Static(acmeReply)
	g := newTestClient(t, client, nil)

	stats, err := g.IngestFile(context.Background(), file, common.SourceMetadata{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if stats.ChunksProcessed != 1 || stats.QueriesExecuted != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	res, err := g.Retrieve(context.Background(), "Globex", 0)
	if err != nil || len(res.Sources) == 0 {
		t.Fatalf("expected evidence, got %+v, %v", res, err)
	}
	if res.Sources[0].File != "rivals.csv" {
		t.Fatalf("expected file path as source, got %q", res.Sources[0].File)
	}
	if !strings.Contains(client.Calls()[0].Prompt, "company: Acme Corp | rival: Globex") {
		t.Fatalf("expected the row text in the prompt")
	}
}

func TestNewGraphClient_Validation(t *testing.T) {
	storage := memory.NewGraphStorage(base.ExecutorParams{BatchDelay: -1})

	if _, err := NewGraphClient(NewGraphClientParams{Storage: storage}); !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("expected ErrMissingDependency without ai client, got %v", err)
	}
	if _, err := NewGraphClient(NewGraphClientParams{AIClient: &fake.Client{}}); !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("expected ErrMissingDependency without storage, got %v", err)
	}

	tests := []struct {
		in, want int
	}{
		{0, DefaultParallelAiRequests},
		{1, 1},
		{50, MaxParallelAiRequests},
	}
	for _, tc := range tests {
		g, err := NewGraphClient(NewGraphClientParams{AIClient: &fake.Client{}, Storage: storage, ParallelAiRequests: tc.in})
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if g.parallelAiRequests != tc.want {
			t.Fatalf("ParallelAiRequests %d: expected %d, got %d", tc.in, tc.want, g.parallelAiRequests)
		}
	}
}

func TestGraphClient_Close(t *testing.T) {
	g := newTestClient(t, &fake.Client{}, nil)
	if err := g.Close(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if _, err := g.Retrieve(context.Background(), "Acme", 0); err == nil {
		t.Fatal("expected an error from a closed store")
	}
}
