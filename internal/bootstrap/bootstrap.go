// Package bootstrap builds the engine and its dependencies from a Config.
// It is shared by the worker and the operator CLI.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/config"
	"github.com/OFFIS-RIT/kiwi/grounding/internal/timing"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/ai"
	oai "github.com/OFFIS-RIT/kiwi/grounding/pkg/ai/ollama"
	gai "github.com/OFFIS-RIT/kiwi/grounding/pkg/ai/openai"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/leaselock"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/logger/console"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/logger/zaplog"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/query"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/resolve"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store/memory"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/store/neo4j"
)

// NewLogger builds the configured backends. The returned close func syncs
// buffered output.
func NewLogger(cfg config.Config, w io.Writer) (*logger.Logger, func(), error) {
	var instances []logger.LoggerInstance
	closeFn := func() {}

	if cfg.LogFormat == config.LogFormatConsole || cfg.LogFormat == config.LogFormatBoth {
		instances = append(instances, console.NewConsoleLogger(console.ConsoleLoggerParams{
			Debug:  cfg.Debug,
			Writer: w,
		}))
	}
	if cfg.LogFormat == config.LogFormatJSON || cfg.LogFormat == config.LogFormatBoth {
		jl, err := zaplog.NewJSONLogger(zaplog.JSONLoggerParams{Debug: cfg.Debug})
		if err != nil {
			return nil, closeFn, fmt.Errorf("bootstrap: json logger: %w", err)
		}
		instances = append(instances, jl)
		closeFn = func() { _ = jl.Sync() }
	}
	return logger.New(instances...), closeFn, nil
}

// NewAIClient selects the adapter named by cfg.AI.Adapter.
func NewAIClient(cfg config.Config) (ai.GraphAIClient, error) {
	switch cfg.AI.Adapter {
	case config.AdapterOllama:
		client, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			ExtractionModel:       cfg.AI.ExtractModel,
			BaseURL:               cfg.AI.ChatURL,
			ApiKey:                cfg.AI.ChatKey,
			MaxConcurrentRequests: int64(cfg.AI.MaxConcurrentRequests),
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: ollama client: %w", err)
		}
		return client, nil
	case config.AdapterOpenAI:
		return gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			ExtractionModel: cfg.AI.ExtractModel,
			ChatURL:         cfg.AI.ChatURL,
			ChatKey:         cfg.AI.ChatKey,
		}), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown ai adapter %q", cfg.AI.Adapter)
	}
}

// NewStorage opens the configured graph backend and makes sure its schema
// exists.
func NewStorage(ctx context.Context, cfg config.Config, log *logger.Logger) (store.GraphStorage, error) {
	guard := cfg.MemoryGuard(log)
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return memory.NewGraphStorage(cfg.ExecutorParams(guard, log)), nil
	case config.BackendNeo4j:
		s, err := neo4j.NewGraphStorage(ctx, cfg.Neo4jParams(guard, log))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: neo4j: %w", err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("bootstrap: neo4j schema: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown graph backend %q", cfg.Store.Backend)
	}
}

// Database is the optional PostgreSQL side of the engine.
type Database struct {
	Pool   *pgxpool.Pool
	Ledger *timing.Ledger
	Locks  *leaselock.Locker
}

// OpenDatabase connects to cfg.DatabaseURL and creates the ledger and lease
// tables.
func OpenDatabase(ctx context.Context, cfg config.Config) (*Database, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping database: %w", err)
	}

	owner, _ := os.Hostname()
	db := &Database{
		Pool:   pool,
		Ledger: timing.New(pool),
		Locks:  leaselock.New(pool, leaselock.Options{TTL: cfg.LeaseTTL, Owner: owner}),
	}
	if err := db.Ledger.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := db.Locks.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

// Engine bundles the graph client with the resources it was built from.
// Ledger and Locks are nil without DATABASE_URL.
type Engine struct {
	Client  *graph.GraphClient
	AI      ai.GraphAIClient
	Storage store.GraphStorage
	Ledger  *timing.Ledger
	Locks   *leaselock.Locker
	// Trace accumulates what every retrieval of this engine looked at.
	Trace *query.QueryTrace

	db *Database
}

// Close releases the storage and the database pool.
func (e *Engine) Close(ctx context.Context) error {
	if e.db != nil {
		e.db.Pool.Close()
	}
	return e.Client.Close(ctx)
}

// NewTracer returns the retrieval tracer for cfg: a debug log tracer when
// DEBUG is set, fanned out together with any extra tracers. It returns nil
// when there is nothing to record to.
func NewTracer(cfg config.Config, log *logger.Logger, extra ...query.Tracer) query.Tracer {
	var tracers query.MultiTracer
	if cfg.Debug {
		tracers = append(tracers, query.LogTracer{Logger: log})
	}
	for _, t := range extra {
		if t != nil {
			tracers = append(tracers, t)
		}
	}
	switch len(tracers) {
	case 0:
		return nil
	case 1:
		return tracers[0]
	default:
		return tracers
	}
}

// NewEngine wires a GraphClient from cfg. The database is only opened
// when DATABASE_URL is set.
func NewEngine(ctx context.Context, cfg config.Config, log *logger.Logger) (*Engine, error) {
	aiClient, err := NewAIClient(cfg)
	if err != nil {
		return nil, err
	}
	storage, err := NewStorage(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	var db *Database
	if cfg.DatabaseURL != "" {
		db, err = OpenDatabase(ctx, cfg)
		if err != nil {
			_ = storage.Close(ctx)
			return nil, err
		}
	}

	trace := query.NewQueryTrace()
	params := graph.NewGraphClientParams{
		AIClient:           aiClient,
		Storage:            storage,
		Resolver:           resolve.New(),
		Logger:             log,
		Ingest:             cfg.IngestParams(),
		Extract:            cfg.ExtractParams(),
		Retrieve:           cfg.RetrieveParams(),
		IngestBatchSize:    cfg.Chunk.IngestBatchSize,
		ParallelAiRequests: cfg.AI.MaxConcurrentRequests,
		MemoryGuard:        cfg.MemoryGuard(log),
	}
	params.Retrieve.Tracer = NewTracer(cfg, log, trace)
	eng := &Engine{AI: aiClient, Storage: storage, Trace: trace, db: db}
	if db != nil {
		params.Ledger = db.Ledger
		eng.Ledger, eng.Locks = db.Ledger, db.Locks
	}
	client, err := graph.NewGraphClient(params)
	if err != nil {
		_ = storage.Close(ctx)
		if db != nil {
			db.Pool.Close()
		}
		return nil, err
	}
	eng.Client = client
	return eng, nil
}
