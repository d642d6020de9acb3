// Package query answers questions with provenance-tagged evidence from the
// graph: it finds seed nodes for the entity names in a question, expands a
// bounded neighborhood around them and turns what it finds into numbered
// sources.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/resolve"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store"
)

const (
	DefaultDepth        = 2
	DefaultResultCap    = 50
	DefaultTopSources   = 10
	DefaultSeedsPerTerm = 10
	DefaultMaxSeeds     = 10
	DefaultCacheTTL     = 60 * time.Second
)

// Params configures a Retriever. A negative CacheTTL disables caching.
type Params struct {
	Storage      store.GraphStorage
	Resolver     *resolve.Resolver
	Depth        int
	ResultCap    int
	TopSources   int
	SeedsPerTerm int
	MaxSeeds     int
	MaxTerms     int
	ExcerptChars int
	CacheTTL     time.Duration
	Tracer       Tracer
	Logger       *logger.Logger
}

// RetrieveParams overrides the configured defaults for one call. Zero
// values keep the defaults.
type RetrieveParams struct {
	Depth      int
	TopSources int
}

// Retriever is safe for concurrent use.
type Retriever struct {
	storage      store.GraphStorage
	resolver     *resolve.Resolver
	depth        int
	resultCap    int
	topSources   int
	seedsPerTerm int
	maxSeeds     int
	maxTerms     int
	excerptChars int
	tracer       Tracer
	log          *logger.Logger

	cache *gocache.Cache
	group singleflight.Group
}

func New(params Params) *Retriever {
	r := &Retriever{
		storage:      params.Storage,
		resolver:     params.Resolver,
		depth:        orDefault(params.Depth, DefaultDepth),
		resultCap:    orDefault(params.ResultCap, DefaultResultCap),
		topSources:   orDefault(params.TopSources, DefaultTopSources),
		seedsPerTerm: orDefault(params.SeedsPerTerm, DefaultSeedsPerTerm),
		maxSeeds:     orDefault(params.MaxSeeds, DefaultMaxSeeds),
		maxTerms:     orDefault(params.MaxTerms, DefaultMaxTerms),
		excerptChars: orDefault(params.ExcerptChars, DefaultExcerptChars),
		tracer:       params.Tracer,
		log:          params.Logger,
	}
	if r.resolver == nil {
		r.resolver = resolve.New()
	}
	ttl := params.CacheTTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	if ttl > 0 {
		r.cache = gocache.New(ttl, 2*ttl)
	}
	return r
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Retrieve builds grounded context for question. A question that matches
// nothing yields an empty result and a nil error; graph errors are returned.
func (r *Retriever) Retrieve(ctx context.Context, question string, params RetrieveParams) (common.RetrievalResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return common.RetrievalResult{Sources: []common.EvidenceSource{}}, nil
	}
	depth := store.ClampDepth(orDefault(params.Depth, r.depth))
	top := orDefault(params.TopSources, r.topSources)
	key := cacheKey(question, depth, top)

	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			RecordCacheHit(r.tracer, question)
			res := copyResult(v.(common.RetrievalResult))
			res.Cached = true
			return res, nil
		}
	}

	v, err, shared := r.group.Do(key, func() (any, error) {
		res, err := r.retrieve(ctx, question, depth, top)
		if err != nil {
			return nil, err
		}
		if r.cache != nil {
			r.cache.SetDefault(key, copyResult(res))
		}
		return res, nil
	})
	if err != nil {
		return common.RetrievalResult{}, err
	}
	res := v.(common.RetrievalResult)
	if shared {
		res = copyResult(res)
	}
	return res, nil
}

func (r *Retriever) retrieve(ctx context.Context, question string, depth, top int) (common.RetrievalResult, error) {
	empty := common.RetrievalResult{Sources: []common.EvidenceSource{}}
	if r.storage == nil {
		return empty, fmt.Errorf("query: no graph storage configured")
	}

	terms := ExtractTerms(question, r.resolver, r.maxTerms)
	RecordTerms(r.tracer, question, terms...)
	if len(terms) == 0 {
		return empty, nil
	}

	seeds, err := r.findSeeds(ctx, terms)
	if err != nil {
		return empty, err
	}
	if len(seeds) == 0 {
		r.log.Debug("[Retrieve] No seed nodes", "terms", terms)
		return empty, nil
	}

	seedIDs := make([]string, len(seeds))
	for i, s := range seeds {
		seedIDs[i] = s.ID
	}
	RecordSeedIDs(r.tracer, seedIDs...)

	start := time.Now()
	paths, err := r.storage.ExpandNeighborhood(ctx, seedIDs, depth, r.resultCap)
	if err != nil {
		return empty, fmt.Errorf("query: expand neighborhood: %w", err)
	}
	if len(paths) > r.resultCap {
		paths = paths[:r.resultCap]
	}
	r.tracePaths(paths, time.Since(start))

	var sources []common.EvidenceSource
	if len(paths) == 0 {
		sources = NodeSources(seeds, top, r.excerptChars)
	} else {
		sources = PathSources(paths, top, r.excerptChars)
	}

	ids := make([]string, len(sources))
	for i, s := range sources {
		ids[i] = s.ChunkOrNodeID
	}
	RecordSources(r.tracer, ids...)

	r.log.Debug("[Retrieve] Done",
		"terms", len(terms),
		"seeds", len(seeds),
		"paths", len(paths),
		"sources", len(sources),
	)

	if sources == nil {
		sources = []common.EvidenceSource{}
	}
	return common.RetrievalResult{
		Context: FormatContext(sources),
		Sources: sources,
	}, nil
}

// findSeeds unions the seed nodes of every term in first-seen order.
func (r *Retriever) findSeeds(ctx context.Context, terms []string) ([]common.GraphNode, error) {
	var seeds []common.GraphNode
	seen := map[string]struct{}{}
	for _, term := range terms {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nodes, err := r.storage.FindSeedNodes(ctx, term, r.seedsPerTerm)
		if err != nil {
			return nil, fmt.Errorf("query: find seeds for %q: %w", term, err)
		}
		for _, n := range nodes {
			if _, dup := seen[n.ID]; dup {
				continue
			}
			seen[n.ID] = struct{}{}
			seeds = append(seeds, n)
			if len(seeds) >= r.maxSeeds {
				return seeds, nil
			}
		}
	}
	return seeds, nil
}

func (r *Retriever) tracePaths(paths []common.GraphPath, took time.Duration) {
	if r.tracer == nil {
		return
	}
	nodes := make([]string, 0, len(paths)*2)
	edges := make([]string, 0, len(paths))
	for _, p := range paths {
		nodes = append(nodes, p.Start.ID, p.End.ID)
		edges = append(edges, p.Edge.ID)
	}
	RecordPaths(r.tracer, nodes, edges, took.Milliseconds())
}

// Purge drops every cached result.
func (r *Retriever) Purge() {
	if r.cache != nil {
		r.cache.Flush()
	}
}

func cacheKey(question string, depth, top int) string {
	h := sha256.New()
	h.Write([]byte(question))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(depth)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(top)))
	return hex.EncodeToString(h.Sum(nil))
}

func copyResult(res common.RetrievalResult) common.RetrievalResult {
	res.Sources = slices.Clone(res.Sources)
	if res.Sources == nil {
		res.Sources = []common.EvidenceSource{}
	}
	return res
}
