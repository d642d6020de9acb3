package query

import (
	"slices"
	"sync"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/logger"
)

type TraceEventKind string

const (
	TraceEventTerms    TraceEventKind = "terms"
	TraceEventSeedIDs  TraceEventKind = "seed_ids"
	TraceEventPaths    TraceEventKind = "paths"
	TraceEventSources  TraceEventKind = "sources"
	TraceEventCacheHit TraceEventKind = "cache_hit"
)

// TraceEvent is an extensible event envelope for retrieval tracing.
// Additive changes to this struct are backward compatible for implementers.
type TraceEvent struct {
	Kind TraceEventKind

	Question  string
	Terms     []string
	NodeIDs   []string
	EdgeIDs   []string
	SourceIDs []string

	DurationMs int64
}

// Tracer is a sink for retrieval tracing events.
//
// Implementers can forward events to logs, telemetry, or custom post-processing
// pipelines.
type Tracer interface {
	Record(event TraceEvent)
}

// MultiTracer fan-outs trace events to multiple tracers.
type MultiTracer []Tracer

func (m MultiTracer) Record(event TraceEvent) {
	for _, t := range m {
		if t == nil {
			continue
		}
		t.Record(event)
	}
}

// LogTracer writes every event at debug level.
type LogTracer struct {
	Logger *logger.Logger
}

func (l LogTracer) Record(event TraceEvent) {
	l.Logger.Debug("[Retrieve] Trace",
		"kind", string(event.Kind),
		"terms", event.Terms,
		"nodes", len(event.NodeIDs),
		"edges", len(event.EdgeIDs),
		"sources", len(event.SourceIDs),
		"duration_ms", event.DurationMs,
	)
}

func RecordTerms(t Tracer, question string, terms ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventTerms, Question: question, Terms: terms})
}

func RecordSeedIDs(t Tracer, ids ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventSeedIDs, NodeIDs: ids})
}

func RecordPaths(t Tracer, nodeIDs, edgeIDs []string, durationMs int64) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventPaths, NodeIDs: nodeIDs, EdgeIDs: edgeIDs, DurationMs: durationMs})
}

func RecordSources(t Tracer, ids ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventSources, SourceIDs: ids})
}

func RecordCacheHit(t Tracer, question string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventCacheHit, Question: question})
}

// QueryTrace collects what a retrieval run looked at and returned.
//
// QueryTrace is safe for concurrent use.
type QueryTrace struct {
	mu sync.Mutex

	terms     map[string]struct{}
	seedIDs   map[string]struct{}
	nodeIDs   map[string]struct{}
	edgeIDs   map[string]struct{}
	sourceIDs map[string]struct{}
	cacheHits int
}

type QueryTraceSnapshot struct {
	Terms     []string
	SeedIDs   []string
	NodeIDs   []string
	EdgeIDs   []string
	SourceIDs []string
	CacheHits int
}

func NewQueryTrace() *QueryTrace {
	return &QueryTrace{
		terms:     make(map[string]struct{}),
		seedIDs:   make(map[string]struct{}),
		nodeIDs:   make(map[string]struct{}),
		edgeIDs:   make(map[string]struct{}),
		sourceIDs: make(map[string]struct{}),
	}
}

func addAll(set map[string]struct{}, values []string) {
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
}

func (t *QueryTrace) Record(event TraceEvent) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch event.Kind {
	case TraceEventTerms:
		addAll(t.terms, event.Terms)
	case TraceEventSeedIDs:
		addAll(t.seedIDs, event.NodeIDs)
	case TraceEventPaths:
		addAll(t.nodeIDs, event.NodeIDs)
		addAll(t.edgeIDs, event.EdgeIDs)
	case TraceEventSources:
		addAll(t.sourceIDs, event.SourceIDs)
	case TraceEventCacheHit:
		t.cacheHits++
	default:
		return
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (t *QueryTrace) Snapshot() QueryTraceSnapshot {
	if t == nil {
		return QueryTraceSnapshot{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return QueryTraceSnapshot{
		Terms:     sortedKeys(t.terms),
		SeedIDs:   sortedKeys(t.seedIDs),
		NodeIDs:   sortedKeys(t.nodeIDs),
		EdgeIDs:   sortedKeys(t.edgeIDs),
		SourceIDs: sortedKeys(t.sourceIDs),
		CacheHits: t.cacheHits,
	}
}
