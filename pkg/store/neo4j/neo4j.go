// Package neo4j stores the knowledge graph in Neo4j.
package neo4j

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	neo4jv5 "github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/cypher"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store/base"
)

const (
	seedQuery = `MATCH (n:Entity)
WHERE toLower(n.normalized_name) CONTAINS toLower($term) OR toLower(n.name) CONTAINS toLower($term)
RETURN n
ORDER BY size(n.normalized_name) ASC
LIMIT $limit`

	nodeCountQuery = `MATCH (n:Entity) RETURN count(n) AS c`
	relCountQuery  = `MATCH (:Entity)-[r]->(:Entity) RETURN count(r) AS c`
	typeCountQuery = `MATCH (n:Entity) RETURN coalesce(n.type, '') AS t, count(*) AS c ORDER BY c DESC LIMIT $limit`

	// hopQuery walks one hop out of the frontier, skipping edges already
	// returned by earlier hops.
	hopQuery = `MATCH (f:Entity)-[r]-(:Entity)
WHERE elementId(f) IN $frontier AND NOT elementId(r) IN $seen
WITH DISTINCT r
RETURN startNode(r) AS a, r, endNode(r) AS b, $hops AS hops
ORDER BY coalesce(r.weight, 1.0) DESC
LIMIT $limit`
)

// schemaQueries makes (normalized_name, type) the node identity so
// concurrent MERGEs from different workers cannot create duplicates.
var schemaQueries = []string{
	`CREATE CONSTRAINT entity_identity IF NOT EXISTS FOR (n:Entity) REQUIRE (n.normalized_name, n.type) IS UNIQUE`,
	`CREATE INDEX entity_normalized_name IF NOT EXISTS FOR (n:Entity) ON (n.normalized_name)`,
}

// NewGraphStorageParams configures the Neo4j backend.
type NewGraphStorageParams struct {
	URI            string
	Username       string
	Password       string
	Database       string
	MaxPoolSize    int
	ConnectTimeout time.Duration

	Executor base.ExecutorParams
	Logger   *logger.Logger
}

// GraphStorage implements store.GraphStorage on a Neo4j driver.
type GraphStorage struct {
	driver   neo4jv5.DriverWithContext
	database string
	exec     *base.Executor
	log      *logger.Logger
	closed   atomic.Bool

	query func(ctx context.Context, query string, params map[string]any) ([]*neo4jv5.Record, error)
	write func(ctx context.Context, query string) error
}

// NewGraphStorage connects to Neo4j and verifies connectivity.
func NewGraphStorage(ctx context.Context, params NewGraphStorageParams) (*GraphStorage, error) {
	pool := params.MaxPoolSize
	if pool <= 0 {
		pool = 20
	}
	timeout := params.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	auth := neo4jv5.BasicAuth(params.Username, params.Password, "")
	driver, err := neo4jv5.NewDriverWithContext(params.URI, auth, func(cfg *neo4jv5.Config) {
		cfg.MaxConnectionPoolSize = pool
		cfg.SocketConnectTimeout = timeout
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j: init driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j: verify connectivity: %w", err)
	}

	return NewGraphStorageWithDriver(driver, params), nil
}

// NewGraphStorageWithDriver wraps an existing driver. The storage owns the
// driver from then on and closes it on Close.
func NewGraphStorageWithDriver(driver neo4jv5.DriverWithContext, params NewGraphStorageParams) *GraphStorage {
	s := &GraphStorage{
		driver:   driver,
		database: params.Database,
		log:      params.Logger.With("client", "Neo4j"),
	}
	execParams := params.Executor
	if execParams.Logger == nil {
		execParams.Logger = s.log
	}
	s.exec = base.NewExecutor(s, execParams)
	s.query = s.read
	s.write = s.runWrite
	return s
}

func (s *GraphStorage) session(ctx context.Context, mode neo4jv5.AccessMode) neo4jv5.SessionWithContext {
	return s.driver.NewSession(ctx, neo4jv5.SessionConfig{
		AccessMode:   mode,
		DatabaseName: s.database,
	})
}

func (s *GraphStorage) Execute(ctx context.Context, statements []cypher.Statement) (store.ExecutionStats, error) {
	if s.closed.Load() {
		return store.ExecutionStats{Total: len(statements)}, store.ErrClosed
	}
	return s.exec.Execute(ctx, statements)
}

// RunBatch implements base.BatchRunner. The batch shares one session; each
// statement runs in its own managed transaction so one failure does not
// roll back the others.
func (s *GraphStorage) RunBatch(ctx context.Context, statements []cypher.Statement) []base.Result {
	results := make([]base.Result, len(statements))
	session := s.session(ctx, neo4jv5.AccessModeWrite)
	defer session.Close(ctx)

	for i, st := range statements {
		counters, err := session.ExecuteWrite(ctx, func(tx neo4jv5.ManagedTransaction) (any, error) {
			res, err := tx.Run(ctx, st.Cypher, st.Params)
			if err != nil {
				return nil, err
			}
			summary, err := res.Consume(ctx)
			if err != nil {
				return nil, err
			}
			c := summary.Counters()
			return store.Counters{
				NodesCreated:         c.NodesCreated(),
				RelationshipsCreated: c.RelationshipsCreated(),
				PropertiesSet:        c.PropertiesSet(),
			}, nil
		})
		if err != nil {
			results[i] = base.Result{Err: err}
			continue
		}
		results[i] = base.Result{Counters: counters.(store.Counters)}
	}
	return results
}

func (s *GraphStorage) read(ctx context.Context, query string, params map[string]any) ([]*neo4jv5.Record, error) {
	session := s.session(ctx, neo4jv5.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4jv5.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]*neo4jv5.Record), nil
}

func (s *GraphStorage) FindSeedNodes(ctx context.Context, term string, limit int) ([]common.GraphNode, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	if term == "" || limit <= 0 {
		return nil, nil
	}
	records, err := s.query(ctx, seedQuery, map[string]any{"term": term, "limit": int64(limit)})
	if err != nil {
		return nil, fmt.Errorf("neo4j: find seeds: %w", err)
	}
	nodes := make([]common.GraphNode, 0, len(records))
	for _, rec := range records {
		v, ok := rec.Get("n")
		if !ok {
			continue
		}
		if n, ok := v.(neo4jv5.Node); ok {
			nodes = append(nodes, toGraphNode(n))
		}
	}
	return nodes, nil
}

func (s *GraphStorage) ExpandNeighborhood(ctx context.Context, seedIDs []string, depth, limit int) ([]common.GraphPath, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	seedIDs = store.DedupeStrings(seedIDs)
	if len(seedIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	depth = store.ClampDepth(depth)

	visited := make(map[string]struct{}, len(seedIDs))
	for _, id := range seedIDs {
		visited[id] = struct{}{}
	}
	seen := []string{}
	frontier := seedIDs
	paths := make([]common.GraphPath, 0, min(limit, 256))

	for hop := 1; hop <= depth && len(frontier) > 0 && len(paths) < limit; hop++ {
		records, err := s.query(ctx, hopQuery, map[string]any{
			"frontier": frontier,
			"seen":     seen,
			"hops":     int64(hop),
			"limit":    int64(limit - len(paths)),
		})
		if err != nil {
			return nil, fmt.Errorf("neo4j: expand neighborhood (hop %d): %w", hop, err)
		}

		var next []string
		for _, rec := range records {
			p, ok := toGraphPath(rec)
			if !ok || slices.Contains(seen, p.Edge.ID) {
				continue
			}
			seen = append(seen, p.Edge.ID)
			paths = append(paths, p)
			for _, id := range []string{p.Start.ID, p.End.ID} {
				if _, ok := visited[id]; !ok {
					visited[id] = struct{}{}
					next = append(next, id)
				}
			}
			if len(paths) == limit {
				break
			}
		}
		frontier = next
	}
	return paths, nil
}

func (s *GraphStorage) Stats(ctx context.Context) (store.GraphStats, error) {
	if s.closed.Load() {
		return store.GraphStats{}, store.ErrClosed
	}
	var stats store.GraphStats
	nodes, err := s.query(ctx, nodeCountQuery, nil)
	if err != nil {
		return stats, fmt.Errorf("neo4j: count nodes: %w", err)
	}
	stats.Nodes = firstInt(nodes, "c")

	rels, err := s.query(ctx, relCountQuery, nil)
	if err != nil {
		return stats, fmt.Errorf("neo4j: count relationships: %w", err)
	}
	stats.Relationships = firstInt(rels, "c")

	types, err := s.query(ctx, typeCountQuery, map[string]any{"limit": int64(50)})
	if err != nil {
		return stats, fmt.Errorf("neo4j: count types: %w", err)
	}
	stats.NodesByType = make(map[string]int64, len(types))
	for _, rec := range types {
		t, _ := rec.Get("t")
		c, _ := rec.Get("c")
		name, _ := t.(string)
		n, _ := c.(int64)
		stats.NodesByType[name] = n
	}
	return stats, nil
}

func (s *GraphStorage) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return s.driver.VerifyConnectivity(ctx)
}

func (s *GraphStorage) EnsureSchema(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	for _, q := range schemaQueries {
		if err := s.write(ctx, q); err != nil {
			return fmt.Errorf("neo4j: ensure schema: %w", err)
		}
	}
	s.log.Debug("[Neo4j] Schema ready")
	return nil
}

func (s *GraphStorage) runWrite(ctx context.Context, query string) error {
	session := s.session(ctx, neo4jv5.AccessModeWrite)
	defer session.Close(ctx)

	res, err := session.Run(ctx, query, nil)
	if err != nil {
		return err
	}
	_, err = res.Consume(ctx)
	return err
}

func (s *GraphStorage) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return store.ErrClosed
	}
	return s.driver.Close(ctx)
}

func firstInt(records []*neo4jv5.Record, key string) int64 {
	if len(records) == 0 {
		return 0
	}
	v, _ := records[0].Get(key)
	n, _ := v.(int64)
	return n
}
