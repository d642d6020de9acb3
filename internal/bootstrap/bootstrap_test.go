package bootstrap

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/config"
	oai "github.com/OFFIS-RIT/kiwi/grounding/pkg/ai/ollama"
	gai "github.com/OFFIS-RIT/kiwi/grounding/pkg/ai/openai"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/query"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store/memory"
)

func testConfig(mutate func(*config.Config)) config.Config {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendMemory
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func TestNewLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	log, closeFn, err := NewLogger(testConfig(nil), &buf)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	defer closeFn()

	log.Info("[Test] hello", "k", "v")
	if !strings.Contains(buf.String(), "[Test] hello") {
		t.Fatalf("expected console output, got %q", buf.String())
	}
}

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{config.LogFormatJSON, config.LogFormatBoth} {
		t.Run(format, func(t *testing.T) {
			log, closeFn, err := NewLogger(testConfig(func(c *config.Config) { c.LogFormat = format }), &bytes.Buffer{})
			if err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
			if log == nil {
				t.Fatal("expected logger, got nil")
			}
			closeFn()
		})
	}
}

func TestNewAIClient(t *testing.T) {
	client, err := NewAIClient(testConfig(nil))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if _, ok := client.(*gai.GraphOpenAIClient); !ok {
		t.Fatalf("expected openai client, got %T", client)
	}

	client, err = NewAIClient(testConfig(func(c *config.Config) {
		c.AI.Adapter = config.AdapterOllama
		c.AI.ChatURL = "http://localhost:11434"
	}))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if _, ok := client.(*oai.GraphOllamaClient); !ok {
		t.Fatalf("expected ollama client, got %T", client)
	}

	cfg := testConfig(nil)
	cfg.AI.Adapter = "bard"
	if _, err := NewAIClient(cfg); err == nil {
		t.Fatal("expected error for unknown adapter, got nil")
	}
}

func TestNewStorage(t *testing.T) {
	s, err := NewStorage(context.Background(), testConfig(nil), nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if _, ok := s.(*memory.GraphStorage); !ok {
		t.Fatalf("expected memory storage, got %T", s)
	}

	cfg := testConfig(nil)
	cfg.Store.Backend = "sqlite"
	if _, err := NewStorage(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for unknown backend, got nil")
	}
}

func TestNewEngine_Memory(t *testing.T) {
	ctx := context.Background()
	eng, err := NewEngine(ctx, testConfig(nil), nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if eng.Ledger != nil || eng.Locks != nil {
		t.Fatal("expected no ledger or locks without DATABASE_URL")
	}
	if eng.Trace == nil {
		t.Fatal("expected engine trace")
	}

	gs, err := eng.Client.GraphStats(ctx)
	if err != nil || gs.Nodes != 0 {
		t.Fatalf("expected empty graph, got %+v, %v", gs, err)
	}
	if err := eng.Close(ctx); err != nil {
		t.Fatalf("expected nil close error, got %v", err)
	}
}

type countingTracer struct{ n int }

func (c *countingTracer) Record(query.TraceEvent) { c.n++ }

func TestNewTracer(t *testing.T) {
	if tr := NewTracer(testConfig(nil), nil); tr != nil {
		t.Fatalf("expected no tracer without debug, got %T", tr)
	}

	extra := &countingTracer{}
	if tr := NewTracer(testConfig(nil), nil, nil, extra); tr != query.Tracer(extra) {
		t.Fatalf("expected the single extra tracer, got %T", tr)
	}

	var buf bytes.Buffer
	log, closeFn, err := NewLogger(testConfig(func(c *config.Config) { c.Debug = true }), &buf)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	defer closeFn()

	tr := NewTracer(testConfig(func(c *config.Config) { c.Debug = true }), log, extra)
	multi, ok := tr.(query.MultiTracer)
	if !ok || len(multi) != 2 {
		t.Fatalf("expected log and extra tracer fanned out, got %#v", tr)
	}
	query.RecordTerms(tr, "Who is Acme?", "acme")
	if extra.n != 1 {
		t.Fatalf("expected extra tracer to record 1 event, got %d", extra.n)
	}
	if !strings.Contains(buf.String(), "[Retrieve] Trace") {
		t.Fatalf("expected debug trace line, got %q", buf.String())
	}
}

func TestNewEngine_TracesRetrievals(t *testing.T) {
	ctx := context.Background()
	eng, err := NewEngine(ctx, testConfig(nil), nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	defer eng.Close(ctx)

	if _, err := eng.Client.Retrieve(ctx, "Who competes with Acme?", 0); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if snap := eng.Trace.Snapshot(); len(snap.Terms) == 0 {
		t.Fatalf("expected retrieval terms in trace, got %+v", snap)
	}
}

func TestNewEngine_UnknownAdapter(t *testing.T) {
	cfg := testConfig(nil)
	cfg.AI.Adapter = "bard"
	if _, err := NewEngine(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error, got nil")
	}
}
