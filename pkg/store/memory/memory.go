// Package memory is an in-process graph backend. It interprets translator
// statements directly instead of running Cypher and follows the same upsert
// and traversal rules as the Neo4j backend.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/cypher"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store/base"
)

type nodeKey struct {
	label string
	key   string
}

type edgeKey struct {
	start string
	typ   string
	end   string
}

type node struct {
	id    string
	label string
	seq   int
	props map[string]any
}

type edge struct {
	id    string
	typ   string
	start string
	end   string
	seq   int
	props map[string]any
}

// GraphStorage keeps the graph in maps guarded by a RWMutex.
type GraphStorage struct {
	mu      sync.RWMutex
	nodes   map[string]*node
	byKey   map[nodeKey]*node
	edges   map[string]*edge
	byEdge  map[edgeKey]*edge
	adj     map[string][]*edge
	nextSeq int

	exec   *base.Executor
	closed atomic.Bool
}

// NewGraphStorage creates an empty in-memory graph.
func NewGraphStorage(params base.ExecutorParams) *GraphStorage {
	s := &GraphStorage{
		nodes:  map[string]*node{},
		byKey:  map[nodeKey]*node{},
		edges:  map[string]*edge{},
		byEdge: map[edgeKey]*edge{},
		adj:    map[string][]*edge{},
	}
	s.exec = base.NewExecutor(s, params)
	return s
}

func (s *GraphStorage) Execute(ctx context.Context, statements []cypher.Statement) (store.ExecutionStats, error) {
	if s.closed.Load() {
		return store.ExecutionStats{Total: len(statements)}, store.ErrClosed
	}
	return s.exec.Execute(ctx, statements)
}

// RunBatch implements base.BatchRunner.
func (s *GraphStorage) RunBatch(ctx context.Context, statements []cypher.Statement) []base.Result {
	results := make([]base.Result, len(statements))
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, st := range statements {
		if err := ctx.Err(); err != nil {
			results[i] = base.Result{Err: err}
			continue
		}
		switch st.Kind {
		case cypher.KindNode:
			results[i] = base.Result{Counters: s.upsertNode(st)}
		case cypher.KindEdge:
			results[i] = base.Result{Counters: s.upsertEdge(st)}
		default:
			results[i] = base.Result{Err: fmt.Errorf("%w: kind %q", store.ErrInvalidStatement, st.Kind)}
		}
	}
	return results
}

func (s *GraphStorage) upsertNode(st cypher.Statement) store.Counters {
	var c store.Counters
	k := nodeKey{label: st.Label, key: st.String(cypher.ParamKey)}
	n, ok := s.byKey[k]
	now := st.Params[cypher.ParamNow]
	if !ok {
		s.nextSeq++
		n = &node{
			id:    fmt.Sprintf("n:%d", s.nextSeq),
			label: st.Label,
			seq:   s.nextSeq,
			props: map[string]any{"normalized_name": k.key},
		}
		s.nodes[n.id] = n
		s.byKey[k] = n
		c.NodesCreated = 1
		c.PropertiesSet += set(n.props, "created_at", now)
		c.PropertiesSet += set(n.props, "name", st.Params[cypher.ParamName])
	}
	c.PropertiesSet += set(n.props, "last_seen", now)
	c.PropertiesSet += set(n.props, "type", st.Params[cypher.ParamType])
	c.PropertiesSet += setProvenance(n.props, st)
	c.PropertiesSet += merge(n.props, st.Params[cypher.ParamProps])
	return c
}

func (s *GraphStorage) upsertEdge(st cypher.Statement) store.Counters {
	var c store.Counters
	a := s.matchNode(st.String(cypher.ParamStartLabel), st.String(cypher.ParamStartKey))
	b := s.matchNode(st.String(cypher.ParamEndLabel), st.String(cypher.ParamEndKey))
	if a == nil || b == nil {
		return c
	}
	now := st.Params[cypher.ParamNow]
	k := edgeKey{start: a.id, typ: st.Label, end: b.id}
	e, ok := s.byEdge[k]
	if !ok {
		s.nextSeq++
		e = &edge{
			id:    fmt.Sprintf("e:%d", s.nextSeq),
			typ:   st.Label,
			start: a.id,
			end:   b.id,
			seq:   s.nextSeq,
			props: map[string]any{},
		}
		s.edges[e.id] = e
		s.byEdge[k] = e
		s.adj[a.id] = append(s.adj[a.id], e)
		if a.id != b.id {
			s.adj[b.id] = append(s.adj[b.id], e)
		}
		c.RelationshipsCreated = 1
		c.PropertiesSet += set(e.props, "created_at", now)
		c.PropertiesSet += set(e.props, "weight", st.Params[cypher.ParamWeight])
		c.PropertiesSet += merge(e.props, st.Params[cypher.ParamProps])
	} else {
		c.PropertiesSet += set(e.props, "last_seen", now)
	}
	c.PropertiesSet += setProvenance(e.props, st)
	return c
}

// matchNode finds the endpoint of an edge. Without a label the oldest node
// with the key wins.
func (s *GraphStorage) matchNode(label, key string) *node {
	if label != "" {
		return s.byKey[nodeKey{label: label, key: key}]
	}
	var best *node
	for k, n := range s.byKey {
		if k.key != key {
			continue
		}
		if best == nil || n.seq < best.seq {
			best = n
		}
	}
	return best
}

func set(props map[string]any, key string, v any) int {
	if v == nil {
		delete(props, key)
		return 0
	}
	props[key] = v
	return 1
}

func setProvenance(props map[string]any, st cypher.Statement) int {
	n := set(props, "source_file", st.Params[cypher.ParamSourceFile])
	n += set(props, "page_number", st.Params[cypher.ParamPageNumber])
	n += set(props, "original_sentence", st.Params[cypher.ParamOriginalSentence])
	return n
}

func merge(props map[string]any, v any) int {
	m, ok := v.(map[string]any)
	if !ok {
		return 0
	}
	n := 0
	for k, val := range m {
		n += set(props, k, val)
	}
	return n
}

func (s *GraphStorage) FindSeedNodes(ctx context.Context, term string, limit int) ([]common.GraphNode, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	term = strings.ToLower(term)
	if term == "" || limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []*node
	for _, n := range s.nodes {
		key, _ := n.props["normalized_name"].(string)
		name, _ := n.props["name"].(string)
		if strings.Contains(strings.ToLower(key), term) || strings.Contains(strings.ToLower(name), term) {
			matches = append(matches, n)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		ki, _ := matches[i].props["normalized_name"].(string)
		kj, _ := matches[j].props["normalized_name"].(string)
		if len(ki) != len(kj) {
			return len(ki) < len(kj)
		}
		return matches[i].seq < matches[j].seq
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]common.GraphNode, len(matches))
	for i, n := range matches {
		out[i] = toGraphNode(n)
	}
	return out, nil
}

type hop struct {
	e    *edge
	hops int
}

// ExpandNeighborhood walks edges in both directions from the seeds. An
// edge's hop count is the length of the shortest seed path ending in it.
func (s *GraphStorage) ExpandNeighborhood(ctx context.Context, seedIDs []string, depth, limit int) ([]common.GraphPath, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 || len(seedIDs) == 0 {
		return nil, nil
	}
	depth = store.ClampDepth(depth)

	s.mu.RLock()
	defer s.mu.RUnlock()

	dist := map[string]int{}
	frontier := []string{}
	for _, id := range store.DedupeStrings(seedIDs) {
		if _, ok := s.nodes[id]; ok {
			dist[id] = 0
			frontier = append(frontier, id)
		}
	}

	found := map[string]*hop{}
	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []string
		for _, id := range frontier {
			for _, e := range s.adj[id] {
				if _, ok := found[e.id]; !ok {
					found[e.id] = &hop{e: e, hops: level + 1}
				}
				other := e.end
				if other == id {
					other = e.start
				}
				if _, seen := dist[other]; !seen {
					dist[other] = level + 1
					next = append(next, other)
				}
			}
		}
		frontier = next
	}

	hops := make([]*hop, 0, len(found))
	for _, h := range found {
		hops = append(hops, h)
	}
	sort.Slice(hops, func(i, j int) bool {
		if hops[i].hops != hops[j].hops {
			return hops[i].hops < hops[j].hops
		}
		wi, wj := weightOf(hops[i].e), weightOf(hops[j].e)
		if wi != wj {
			return wi > wj
		}
		return hops[i].e.seq < hops[j].e.seq
	})
	if len(hops) > limit {
		hops = hops[:limit]
	}

	out := make([]common.GraphPath, len(hops))
	for i, h := range hops {
		out[i] = common.GraphPath{
			Start: toGraphNode(s.nodes[h.e.start]),
			Edge:  toGraphEdge(h.e),
			End:   toGraphNode(s.nodes[h.e.end]),
			Hops:  h.hops,
		}
	}
	return out, nil
}

func weightOf(e *edge) float64 {
	if w, ok := e.props["weight"].(float64); ok {
		return w
	}
	return 1.0
}

func toGraphNode(n *node) common.GraphNode {
	props := maps.Clone(n.props)
	name, _ := props["name"].(string)
	key, _ := props["normalized_name"].(string)
	typ, _ := props["type"].(string)
	return common.GraphNode{
		ID:             n.id,
		Labels:         []string{"Entity", n.label},
		Name:           name,
		NormalizedName: key,
		Type:           typ,
		Properties:     props,
	}
}

func toGraphEdge(e *edge) common.GraphEdge {
	return common.GraphEdge{
		ID:         e.id,
		Type:       e.typ,
		StartID:    e.start,
		EndID:      e.end,
		Weight:     weightOf(e),
		Properties: maps.Clone(e.props),
	}
}

func (s *GraphStorage) Stats(ctx context.Context) (store.GraphStats, error) {
	if s.closed.Load() {
		return store.GraphStats{}, store.ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	byType := map[string]int64{}
	for _, n := range s.nodes {
		byType[n.label]++
	}
	return store.GraphStats{
		Nodes:         int64(len(s.nodes)),
		Relationships: int64(len(s.edges)),
		NodesByType:   byType,
	}, nil
}

func (s *GraphStorage) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return ctx.Err()
}

// EnsureSchema is a no-op; lookups are keyed already.
func (s *GraphStorage) EnsureSchema(ctx context.Context) error {
	return s.Ping(ctx)
}

func (s *GraphStorage) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return store.ErrClosed
	}
	return nil
}
